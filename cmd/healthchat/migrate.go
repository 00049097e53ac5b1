package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/healthchat/internal/db"
)

func newMigrateCmd(root *rootFlags) *cobra.Command {
	var rollback bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back the last) database migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			if rollback {
				if err := db.RollbackLast(gdb); err != nil {
					return err
				}
				log.Info("rolled back last migration")
				return nil
			}
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			log.Info("database migrated")
			return nil
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "roll back the most recent migration")
	return cmd
}
