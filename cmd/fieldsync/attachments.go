package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/camber-io/fieldsync/internal/attach"
)

var attachmentsCmd = &cobra.Command{
	Use:     "attachments",
	GroupID: "sync",
	Short:   "Manage the attachment upload queue",
}

var attachmentsAddCmd = &cobra.Command{
	Use:   "add <work-order-id> <file>",
	Short: "Register a file for upload against a work order",
	Long: `Register a local file as an attachment on a work order and queue
it for upload. The file stays in place until the daemon uploads it.

Example usage:
  fieldsync attachments add wo-1042 ./site-photo.jpg --priority 5`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		workOrderID, file := args[0], args[1]

		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
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

		pipeline := attach.New(st, nil, nil, nil, nil, attach.Config{})
		id, err := pipeline.Register(ctx, workOrderID, abs, "", info.Size(), priority)
		if err != nil {
			return err
		}
		fmt.Printf("Attachment %s queued (%s, %s)\n", id, filepath.Base(abs), formatSize(info.Size()))
		return nil
	},
}

var attachmentsGCCmd = &cobra.Command{
	Use:   "gc [drop-dir]",
	Short: "Reclaim disk from synced and orphaned attachment blobs",
	Long: `Delete local blobs whose uploads have been confirmed, and (when a
directory is given) files in it that no attachment row references.

Example usage:
  fieldsync attachments gc
  fieldsync attachments gc ~/fieldsync-drop`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger := log.New(os.Stderr, "[gc] ", log.LstdFlags)
		pipeline := attach.New(st, nil, nil, logger, nil, attach.Config{})

		res, err := pipeline.SweepSynced(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Synced blobs removed: %d (%s)\n", res.Removed, formatSize(res.Bytes))

		if len(args) == 1 {
			orphans, err := pipeline.SweepOrphans(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Orphan files removed: %d (%s)\n", orphans.Removed, formatSize(orphans.Bytes))
		}
		return nil
	},
}

func init() {
	attachmentsAddCmd.Flags().Int("priority", 0, "upload priority (higher uploads first)")
	attachmentsCmd.AddCommand(attachmentsAddCmd)
	attachmentsCmd.AddCommand(attachmentsGCCmd)
	rootCmd.AddCommand(attachmentsCmd)
}
