package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/camber-io/fieldsync/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one full sync pass (push then pull)",
	Long: `Run a single sync pass against the configured server.

Each entity is processed in dependency order: pending local mutations are
pushed first, then server changes are pulled from the entity's cursor.
Pending checklist answers are pushed after the entity pass.

Example usage:
  fieldsync sync                        # one pass, all entities
  fieldsync sync --entity work_orders   # one entity only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, _ := cmd.Flags().GetString("entity")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
		eng, queue, client, err := newEngine(st, logger)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		events := eng.Subscribe()
		defer eng.Unsubscribe(events)
		go func() {
			for ev := range events {
				if ev.Type == engine.EventEntitySynced {
					fmt.Printf("  %-22s pushed %d, pulled %d\n", ev.Entity, ev.Pushed, ev.Pulled)
				}
			}
		}()

		start := time.Now()
		if entity != "" {
			if _, err := eng.PushEntity(ctx, entity); err != nil {
				return fmt.Errorf("push %s: %w", entity, err)
			}
			if _, err := eng.PullEntity(ctx, entity, ""); err != nil {
				return fmt.Errorf("pull %s: %w", entity, err)
			}
		} else {
			if err := eng.SyncAll(ctx); err != nil {
				return err
			}
			orch := newOrchestrator(st, client, logger)
			if _, err := orch.PushAllPending(ctx); err != nil {
				return fmt.Errorf("checklist push: %w", err)
			}
		}

		counts, err := queue.Counts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		if counts.Pending > 0 || counts.Failed > 0 {
			fmt.Printf("Outbox: %d pending, %d failed\n", counts.Pending, counts.Failed)
		}
		return nil
	},
}

var resyncCmd = &cobra.Command{
	Use:     "resync [entity]",
	GroupID: "advanced",
	Short:   "Discard an entity's cursor and pull it from scratch",
	Long: `Drop the stored cursor for an entity and re-pull its full dataset.

Local rows are reconciled against the fresh pull with the usual conflict
rules, so unsynced local edits survive. Use this to recover from a cursor
the server no longer recognizes. With --backup, each entity's table is
snapshotted to JSONL in the given directory before its cursor is dropped;
'fieldsync snapshot import' restores from those files.

Example usage:
  fieldsync resync work_orders
  fieldsync resync --all --backup ./snapshots`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		backupDir, _ := cmd.Flags().GetString("backup")
		if !all && len(args) == 0 {
			return fmt.Errorf("specify an entity or pass --all")
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		logger := log.New(os.Stderr, "[resync] ", log.LstdFlags)
		eng, _, _, err := newEngine(st, logger)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		entities := args
		if all {
			entities = eng.Entities()
		}
		if backupDir != "" {
			if err := os.MkdirAll(backupDir, 0o755); err != nil {
				return err
			}
		}

		for _, name := range entities {
			if backupDir != "" {
				cfg, err := eng.Config(name)
				if err != nil {
					return err
				}
				out := filepath.Join(backupDir, cfg.Table+".jsonl")
				res, err := st.ExportTable(ctx, cfg.Table, out)
				if err != nil {
					return fmt.Errorf("backup %s: %w", name, err)
				}
				fmt.Printf("Backed up %d %s rows to %s\n", res.RowsWritten, name, out)
			}
			fmt.Printf("Resyncing %s...\n", name)
			pulled, err := eng.Resync(ctx, name, "")
			if err != nil {
				return fmt.Errorf("resync %s: %w", name, err)
			}
			fmt.Printf("  %d rows pulled\n", pulled)
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	GroupID: "advanced",
	Short:   "Export or import entity tables as JSONL",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export <entity> <file>",
	Short: "Write an entity's local table to a JSONL file",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return runSnapshot(args[0], args[1], false) },
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <entity> <file>",
	Short: "Upsert rows from a JSONL file into an entity's local table",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error { return runSnapshot(args[0], args[1], true) },
}

func runSnapshot(entity, file string, importing bool) error {
	var cfg engine.EntityConfig
	found := false
	for _, ec := range engine.DefaultEntities() {
		if ec.Name == entity {
			cfg, found = ec, true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown entity %q", entity)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if importing {
		res, err := st.ImportTable(ctx, cfg.Table, cfg.PrimaryKeys, file)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d rows into %s", res.RowsRead, cfg.Table)
		if len(res.Errors) > 0 {
			fmt.Printf(" (%d lines skipped)", len(res.Errors))
		}
		fmt.Println()
		return nil
	}

	res, err := st.ExportTable(ctx, cfg.Table, file)
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d rows from %s to %s\n", res.RowsWritten, cfg.Table, file)
	return nil
}

func init() {
	syncCmd.Flags().String("entity", "", "sync a single entity")
	syncCmd.Flags().Duration("timeout", 0, "abort the pass after this long")
	resyncCmd.Flags().Bool("all", false, "resync every registered entity")
	resyncCmd.Flags().String("backup", "", "snapshot tables to this directory before resyncing")

	snapshotCmd.AddCommand(snapshotExportCmd)
	snapshotCmd.AddCommand(snapshotImportCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(snapshotCmd)
}
