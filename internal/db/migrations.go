package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/suPer8Hu/healthchat/internal/chat"
	"github.com/suPer8Hu/healthchat/internal/models"
)

// Tables lists every model owned by the service, in creation order.
func Tables() []any {
	return []any{
		&models.User{},
		&models.Profile{},
		&models.Session{},
		&models.Message{},
		&models.ActionItem{},
		&models.Insight{},
		&chat.Job{},
	}
}

func GetMigrator(gdb *gorm.DB) *gormigrate.Gormigrate {
	migrator := gormigrate.New(gdb, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "0001_initial",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(Tables()...)
			},
			Rollback: func(tx *gorm.DB) error {
				tables := Tables()
				for i := len(tables) - 1; i >= 0; i-- {
					if err := tx.Migrator().DropTable(tables[i]); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			// client correlation ids became part of the message uniqueness key
			ID: "0002_message_client_id",
			Migrate: func(tx *gorm.DB) error {
				if tx.Migrator().HasIndex(&models.Message{}, "uniq_chat_msg_client") {
					return nil
				}
				return tx.Migrator().CreateIndex(&models.Message{}, "uniq_chat_msg_client")
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropIndex(&models.Message{}, "uniq_chat_msg_client")
			},
		},
	})

	migrator.InitSchema(func(tx *gorm.DB) error {
		log.Info("clean database detected, running full schema initialization")
		return tx.AutoMigrate(Tables()...)
	})
	return migrator
}

func Migrate(gdb *gorm.DB) error {
	if err := GetMigrator(gdb).Migrate(); err != nil {
		return errors.Wrap(err, "migrate database")
	}
	return nil
}

// RollbackLast undoes the most recent migration.
func RollbackLast(gdb *gorm.DB) error {
	if err := GetMigrator(gdb).RollbackLast(); err != nil {
		return errors.Wrap(err, "rollback migration")
	}
	return nil
}
