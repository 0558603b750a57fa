package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"pbl4av/quarantine"
)

var (
	flagQuarantineDB     string
	flagQuarantineFolder string
)

func quarantineFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagQuarantineDB, "qdb", "", "Quarantine database path (default $AV_QUARANTINE_DB or client.db)")
	cmd.Flags().StringVar(&flagQuarantineFolder, "qfolder", "", "Quarantine folder path (default $AV_QUARANTINE_FOLDER or quarantine)")
}

func buildQuarantineManager() (*quarantine.Manager, error) {
	dbPath := flagQuarantineDB
	if dbPath == "" {
		dbPath = envOr("AV_QUARANTINE_DB", "client.db")
	}
	folder := flagQuarantineFolder
	if folder == "" {
		folder = envOr("AV_QUARANTINE_FOLDER", "quarantine")
	}
	m, err := quarantine.Open(dbPath, folder, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open quarantine store: %v", err)
	}
	return m, nil
}

func newQuarantineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine <path>",
		Short: "Move a file into the quarantine store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildQuarantineManager()
			if err != nil {
				return err
			}
			defer m.Shutdown()
			fmt.Println(m.Quarantine(args[0]))
			return nil
		},
	}
	quarantineFlags(cmd)
	return cmd
}

func newWhitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist <path>",
		Short: "Add a file's SHA-256 to the quarantine database's whitelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildQuarantineManager()
			if err != nil {
				return err
			}
			defer m.Shutdown()
			fmt.Println(m.Whitelist(args[0]))
			return nil
		},
	}
	quarantineFlags(cmd)
	return cmd
}

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <stored-name-or-path>",
		Short: "Restore a quarantined file to its original location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildQuarantineManager()
			if err != nil {
				return err
			}
			defer m.Shutdown()
			fmt.Println(m.Restore(args[0]))
			return nil
		},
	}
	quarantineFlags(cmd)
	return cmd
}
