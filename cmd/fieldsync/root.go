package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/camber-io/fieldsync/internal/checklist"
	"github.com/camber-io/fieldsync/internal/engine"
	"github.com/camber-io/fieldsync/internal/outbox"
	"github.com/camber-io/fieldsync/internal/store"
	"github.com/camber-io/fieldsync/internal/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync engine for field service data",
	Long: `fieldsync keeps a local SQLite replica of field service data (work
orders, checklists, attachments) in sync with the central server.

Local edits are captured in a durable mutation queue and pushed when a
connection is available; server changes are pulled incrementally via
per-entity cursors. The device stays fully usable offline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.fieldsync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the local sync database")
	rootCmd.PersistentFlags().String("server", "", "base URL of the sync server")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the sync server")

	_ = viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("server.token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".fieldsync")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FIELDSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db.path", defaultDBPath())
	viper.SetDefault("sync.interval", "30s")
	viper.SetDefault("sync.scope", "all")
	viper.SetDefault("upload.interval", "15s")
	viper.SetDefault("dashboard.port", 8382)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fieldsync.db"
	}
	return filepath.Join(home, ".fieldsync", "sync.db")
}

// openStore opens the local database, creating it (and its schema) on
// first use.
func openStore() (*store.Store, error) {
	path := viper.GetString("db.path")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func newClient(logger *log.Logger) (*transport.Client, error) {
	base := viper.GetString("server.url")
	if base == "" {
		return nil, fmt.Errorf("no server configured (set server.url or pass --server)")
	}
	client := transport.NewClient(base, logger)
	if token := viper.GetString("server.token"); token != "" {
		client.Token = func(ctx context.Context) (string, error) { return token, nil }
	}
	return client, nil
}

// newEngine wires the full entity sync stack: store, outbox, transport,
// and the standard entity registrations.
func newEngine(st *store.Store, logger *log.Logger) (*engine.Engine, *outbox.Queue, *transport.Client, error) {
	client, err := newClient(logger)
	if err != nil {
		return nil, nil, nil, err
	}
	queue := outbox.New(st, nil, outbox.DefaultConfig())
	eng := engine.New(st, queue, client, nil, logger)
	for _, ec := range engine.DefaultEntities() {
		if err := eng.Register(ec); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to register entity %s: %w", ec.Name, err)
		}
	}
	if scope := viper.GetString("sync.scope"); scope != "" {
		eng.SetScope(transport.Scope(scope))
	}
	return eng, queue, client, nil
}

func newOrchestrator(st *store.Store, client *transport.Client, logger *log.Logger) *checklist.Orchestrator {
	return checklist.New(st, client, nil, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
