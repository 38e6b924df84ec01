package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/camber-io/fieldsync/internal/attach"
	"github.com/camber-io/fieldsync/internal/outbox"
)

var retryCmd = &cobra.Command{
	Use:     "retry [mutation-id]",
	GroupID: "sync",
	Short:   "Requeue failed mutations and uploads",
	Long: `Return terminally failed items to the pending queue with a fresh
attempt budget. With no arguments, all failed mutations and uploads are
requeued; pass a mutation ID to requeue just that one.

Example usage:
  fieldsync retry                # requeue everything failed
  fieldsync retry 4f1c...        # requeue one mutation`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		queue := outbox.New(st, nil, outbox.DefaultConfig())

		if len(args) == 1 {
			if err := queue.Retry(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Mutation %s requeued\n", args[0])
			return nil
		}

		n, err := queue.RetryAllFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d mutations requeued\n", n)

		pipeline := attach.New(st, nil, nil, nil, nil, attach.Config{})
		u, err := pipeline.RetryAllFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d uploads requeued\n", u)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
