package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/camber-io/fieldsync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the WebSocket sync dashboard standalone",
	Long: `Start the WebSocket dashboard server without the sync daemon.

The dashboard broadcasts sync progress to connected clients. Running it
standalone is mostly useful for wiring up a UI before the daemon is
deployed; normally the daemon hosts it.

WebSocket messages include:
- sync_started / sync_complete / sync_failed: pass lifecycle
- entity_synced: per-entity push/pull counts
- mutation_update: per-mutation outcome (applied, rejected, deferred)
- upload_progress: attachment upload and chunk progress
- stats: queue depths

Example usage:
  fieldsync dashboard              # default port 8382
  fieldsync dashboard --port 9000

Connect with a WebSocket client:
  ws://localhost:8382/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
		})

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			return err
		}
		fmt.Println("Dashboard server stopped")
		return nil
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8382, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
