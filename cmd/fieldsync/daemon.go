package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/camber-io/fieldsync/internal/attach"
	"github.com/camber-io/fieldsync/internal/daemon"
	"github.com/camber-io/fieldsync/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the background sync daemon in the foreground.

The daemon:
  1. Recovers any mutations or uploads left in flight by a previous run
  2. Runs a full sync pass immediately, then on a fixed interval
  3. Processes the attachment upload queue on its own interval
  4. Watches the drop directory (if configured) for new attachment files
  5. Serves the WebSocket dashboard (unless --no-dashboard)

Configuration is read from the config file, environment (FIELDSYNC_*),
and flags. Logs rotate via --log-file.

Example usage:
  fieldsync daemon
  fieldsync daemon --sync-interval 1m --log-file /var/log/fieldsync.log`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noDash, _ := cmd.Flags().GetBool("no-dashboard")
		logFile, _ := cmd.Flags().GetString("log-file")

		var out io.Writer = os.Stderr
		if logFile != "" {
			out = &lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
				Compress:   true,
			}
		}
		logger := log.New(out, "[daemon] ", log.LstdFlags)

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		eng, queue, client, err := newEngine(st, logger)
		if err != nil {
			return err
		}
		orch := newOrchestrator(st, client, logger)

		pipeline := attach.New(st, client, nil, logger, attach.Snappy{}, attach.Config{
			DeleteAfterSync: viper.GetBool("upload.delete_after_sync"),
		})

		var dash *dashboard.Server
		if !noDash {
			dash = dashboard.NewServer(&dashboard.Config{
				Port:   viper.GetInt("dashboard.port"),
				Logger: logger,
			})
			if err := dash.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer dash.Stop()
			fmt.Printf("Dashboard: ws://%s/ws\n", dash.GetAddr())
		}

		d := daemon.New(eng, queue, orch, pipeline, dash, &daemon.Config{
			SyncInterval:   viper.GetDuration("sync.interval"),
			UploadInterval: viper.GetDuration("upload.interval"),
			DropDir:        viper.GetString("upload.drop_dir"),
			Logger:         logger,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("Sync daemon started (every %s). Press Ctrl+C to stop.\n",
			viper.GetDuration("sync.interval"))

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped: %w", err)
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("no-dashboard", false, "disable the WebSocket dashboard")
	daemonCmd.Flags().String("log-file", "", "write rotating logs to this file instead of stderr")
	daemonCmd.Flags().Duration("sync-interval", daemon.DefaultConfig().SyncInterval, "interval between sync passes")
	daemonCmd.Flags().Duration("upload-interval", daemon.DefaultConfig().UploadInterval, "interval between upload rounds")
	daemonCmd.Flags().String("drop-dir", "", "directory watched for new attachment files")

	_ = viper.BindPFlag("sync.interval", daemonCmd.Flags().Lookup("sync-interval"))
	_ = viper.BindPFlag("upload.interval", daemonCmd.Flags().Lookup("upload-interval"))
	_ = viper.BindPFlag("upload.drop_dir", daemonCmd.Flags().Lookup("drop-dir"))

	rootCmd.AddCommand(daemonCmd)
}
