package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitalsync/vitalsync/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect schema migration state (engine must be stopped)",
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema version and any in-flight migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(kvBackend, dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		version, err := s.SchemaVersion()
		if err != nil {
			return err
		}
		st, err := s.CurrentMigration()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if outputJSON {
			out := map[string]interface{}{"schema_version": version}
			if st != nil {
				out["migration"] = st
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Printf("Schema version: %d\n", version)
		if st == nil {
			fmt.Println("No migration in flight")
			return nil
		}
		fmt.Printf("Migration %s: v%d -> v%d, phase %s (started %s)\n",
			st.MigrationID, st.FromVersion, st.ToVersion, st.Phase, st.StartedAt)
		if st.BackupPath != "" {
			fmt.Printf("Pre-migration backup: %s\n", st.BackupPath)
		}
		if st.Error != "" {
			fmt.Printf("Error: %s\n", st.Error)
		}
		return nil
	},
}

func init() {
	migrateStatusCmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
	addStoreFlags(migrateStatusCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
