package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/ledger"
)

// Version is set at build time with -ldflags "-X .../cli.Version=...".
var Version = "dev"

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(versionCmd)

	seedCmd.Flags().StringP("scenario", "s", "all",
		"Scenario to load: all, "+strings.Join(api.ScenarioIDs(), ", "))
}

// =============================================================================
// MIGRATE
// =============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema up to date: %s\n", cfg.Database.Path)
	return nil
}

// =============================================================================
// SEED
// =============================================================================

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo data",
	Long: `Load demo sections, credit notes and movements through the ledger.
Scenarios are additive: loading one twice fails on the duplicate note number.`,
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	scenario, _ := cmd.Flags().GetString("scenario")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	l := newLedger(store, cfg.Log.NewLogger())
	if err := api.LoadScenario(cmd.Context(), l, ledger.System, scenario); err != nil {
		return fmt.Errorf("seed %s: %w", scenario, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "loaded scenario %s into %s\n", scenario, cfg.Database.Path)
	return nil
}

// =============================================================================
// VERSION
// =============================================================================

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "credit-ledger %s\n", Version)
	},
}
