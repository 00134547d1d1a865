package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vitalsync/vitalsync/internal/backup"
	"github.com/vitalsync/vitalsync/internal/store"
)

var backupPassword string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export and restore store snapshots (engine must be stopped)",
}

var backupExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Write a snapshot of the durable store to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(kvBackend, dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		if err := backup.Export(s, args[0], backupPassword); err != nil {
			return err
		}
		fmt.Printf("Backup written to %s\n", args[0])
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <path>",
	Short: "Replace queue, conflict and entity state from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(kvBackend, dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		if err := backup.Restore(s, args[0], backupPassword); err != nil {
			return err
		}
		fmt.Printf("Store restored from %s\n", args[0])
		return nil
	},
}

func addStoreFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&dataDir, "data-dir", envOr("VITALSYNC_DATA_DIR", "data"), "Directory for the durable store")
		cmd.Flags().StringVar(&kvBackend, "kv-backend", envOr("VITALSYNC_KV_BACKEND", "badger"), "Durable store backend: badger or pebble")
	}
}

func init() {
	for _, cmd := range []*cobra.Command{backupExportCmd, backupRestoreCmd} {
		cmd.Flags().StringVar(&backupPassword, "password", envOr("VITALSYNC_BACKUP_PASSWORD", ""), "Encrypt/decrypt the snapshot (empty keeps it plaintext)")
	}
	addStoreFlags(backupExportCmd, backupRestoreCmd)
	backupCmd.AddCommand(backupExportCmd, backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}
