package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alantheprice/devosd/pkg/config"
	"github.com/alantheprice/devosd/pkg/preferences"
)

var prefsUser string

// prefsCmd groups the preference management subcommands
var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Inspect and manage learned approval preferences",
	Long: `The daemon remembers approve/deny decisions per user when asked to.
These subcommands inspect, clear, export and import that store while
the daemon is stopped.`,
}

var prefsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show approval statistics for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPrefs()
		if err != nil {
			return err
		}

		stats := store.UserStats(prefsUser)
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var prefsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every learned preference for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPrefs()
		if err != nil {
			return err
		}

		store.ClearUser(prefsUser)
		if err := store.Save(); err != nil {
			return fmt.Errorf("failed to save preferences: %w", err)
		}
		fmt.Printf("Cleared preferences for %s\n", prefsUser)
		return nil
	},
}

var prefsExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export a user's preferences to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPrefs()
		if err != nil {
			return err
		}

		if err := store.ExportUser(prefsUser, args[0]); err != nil {
			return err
		}
		fmt.Printf("Exported preferences for %s to %s\n", prefsUser, args[0])
		return nil
	},
}

var prefsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge a previously exported preference file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPrefs()
		if err != nil {
			return err
		}

		if err := store.ImportUser(args[0]); err != nil {
			return err
		}
		if err := store.Save(); err != nil {
			return fmt.Errorf("failed to save preferences: %w", err)
		}
		fmt.Printf("Imported preferences from %s\n", args[0])
		return nil
	},
}

func openPrefs() (*preferences.Store, error) {
	store := preferences.NewStore(filepath.Join(config.DefaultConfigDir(), "preferences.json"))
	if err := store.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return store, nil
}

func init() {
	prefsCmd.PersistentFlags().StringVar(&prefsUser, "user", "developer",
		"user whose preferences to operate on")

	prefsCmd.AddCommand(prefsStatsCmd)
	prefsCmd.AddCommand(prefsClearCmd)
	prefsCmd.AddCommand(prefsExportCmd)
	prefsCmd.AddCommand(prefsImportCmd)
}
