package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/incident-sync/internal/config"
	"github.com/tbourn/incident-sync/internal/repo"
)

// newOutboxCmd inspects the persisted outbox without starting the engine.
func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect queued writes in the local database",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "Print queued writes as JSON lines, in delivery order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := repo.OpenSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := repo.AutoMigrate(db); err != nil {
				return err
			}
			items, err := repo.NewOutboxRepo(db).List(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, it := range items {
				if status != "" && string(it.Status) != status {
					continue
				}
				if err := enc.Encode(it); err != nil {
					return err
				}
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "only items with this status (pending|in-flight|failed)")
	cmd.AddCommand(list)
	return cmd
}
