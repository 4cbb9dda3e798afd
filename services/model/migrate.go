package model

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "202401010001_initial",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(All()...)
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(All()...)
			},
		},
		{
			ID: "202403150001_column_condition_position_index",
			Migrate: func(tx *gorm.DB) error {
				if tx.Migrator().HasIndex(&ColumnConditionPair{}, "idx_ccpair_position") {
					return nil
				}
				return tx.Exec("CREATE INDEX idx_ccpair_position ON column_condition_pairs (action_id, position)").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropIndex(&ColumnConditionPair{}, "idx_ccpair_position")
			},
		},
	}
}

// Migrate brings the metadata schema up to date. A clean database gets the
// full schema in one step.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrations())
	m.InitSchema(func(tx *gorm.DB) error {
		zap.L().Info("[Migrate] clean database detected, running full schema initialization")
		if err := tx.AutoMigrate(All()...); err != nil {
			return err
		}
		return tx.Exec("CREATE INDEX idx_ccpair_position ON column_condition_pairs (action_id, position)").Error
	})
	if err := m.Migrate(); err != nil {
		zap.L().Error("[Migrate] migration failed", zap.Error(err))
		return err
	}
	zap.L().Info("[Migrate] schema is up to date")
	return nil
}
