package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/camber-io/fieldsync/internal/attach"
	"github.com/camber-io/fieldsync/internal/outbox"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local database and queue status",
	Long: `Display the state of the local replica.

Shows:
  - Database location and size
  - Per-entity cursor positions (last successful pull)
  - Mutation queue depth (pending, in flight, failed)
  - Attachment upload queue depth`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("db.path")
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			fmt.Printf("No local database at %s\n", path)
			fmt.Printf("Run 'fieldsync sync' to create one\n")
			return nil
		}
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("\nLocal database\n")
		fmt.Printf("  Location: %s\n", path)
		fmt.Printf("  Size:     %s\n", formatSize(info.Size()))

		cursors, err := st.ListCursors(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nCursors\n")
		if len(cursors) == 0 {
			fmt.Printf("  (no entity has completed a pull yet)\n")
		}
		for _, c := range cursors {
			fmt.Printf("  %-22s %s\n", c.Entity, c.LastServerTime.Format("2006-01-02 15:04:05"))
		}

		queue := outbox.New(st, nil, outbox.DefaultConfig())
		qc, err := queue.Counts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nMutation queue\n")
		fmt.Printf("  Pending: %d  In flight: %d  Failed: %d\n", qc.Pending, qc.Syncing, qc.Failed)

		rejected, err := st.CountRejectedAnswers(ctx)
		if err != nil {
			return err
		}
		if rejected > 0 {
			fmt.Printf("\nChecklist answers\n")
			fmt.Printf("  Rejected: %d (edit the answer to resubmit)\n", rejected)
		}

		pipeline := attach.New(st, nil, nil, nil, nil, attach.Config{})
		uc, err := pipeline.Counts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nAttachment uploads\n")
		fmt.Printf("  Pending: %d  Uploading: %d  Completed: %d  Failed: %d\n",
			uc.Pending, uc.Uploading, uc.Completed, uc.Failed)

		if qc.Failed > 0 || uc.Failed > 0 {
			fmt.Printf("\nRun 'fieldsync retry' to requeue failed items\n")
		}
		fmt.Println()
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
