// Package cli implements the credit-ledger command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/observability"
	"github.com/warp/credit-ledger/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "credit-ledger",
	Short: "Credit note balance ledger",
	Long: `credit-ledger tracks credit notes (notas de crédito) and every movement
against them: commitments, annulments and balance returns. Each note's
available balance is kept equal to its total minus net commitments and
returns, and its status is derived from that balance.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().String("driver", "", `SQLite driver: "sqlite" (pure Go) or "sqlite3" (cgo)`)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// loadConfig reads --config, the environment and the persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.Path = db
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.Database.Driver = driver
	}
	return cfg, nil
}

// openStore opens (and migrates) the configured database, creating its
// directory when needed.
func openStore(cfg config.Config) (*sqlite.Store, error) {
	if cfg.Database.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Database.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}
	store, err := sqlite.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	return store, nil
}

func newLedger(store *sqlite.Store, logger *slog.Logger) *ledger.Ledger {
	return ledger.New(store,
		ledger.WithObserver(observability.NewRecorder()),
		ledger.WithLogger(logger))
}
