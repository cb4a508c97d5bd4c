package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userop/core/backup"
	"github.com/AvaProtocol/ap-userop/core/config"
	"github.com/AvaProtocol/ap-userop/storage"
)

var (
	backupDir   string
	restoreFile string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a full backup of the operation journal",
	Long: `Write a full backup of the journal in db_path to <dir>/<yy-mm-dd-hh-mm>/journal-backup.db.

The journal is locked by a running serve process, stop it first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfig(configPath)
		if err != nil {
			return err
		}
		dir := backupDir
		if dir == "" {
			dir = cfg.BackupDir
		}
		if dir == "" {
			return fmt.Errorf("--dir is required when backup.dir is not configured")
		}

		db, err := storage.NewWithPath(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		file, err := backup.NewService(cfg.Logger, db, dir).PerformBackup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), file)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Load a journal backup into db_path",
	Long: `Load a file written by backup into the journal in db_path.

Stop any running serve process first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewConfig(configPath)
		if err != nil {
			return err
		}

		db, err := storage.NewWithPath(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := backup.NewService(cfg.Logger, db, cfg.BackupDir).Restore(cmd.Context(), restoreFile); err != nil {
			return err
		}
		pending, err := storage.NewJournal(db).CountPending()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored %s, %d pending operations\n", restoreFile, pending)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVar(&backupDir, "dir", "", "backup directory, defaults to backup.dir from the config")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "backup file to restore from")
	_ = restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
