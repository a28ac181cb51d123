package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Dispatched records one row per pull request handed to the build queues.
// Rows are write-once; the frontend never updates them.
type Dispatched struct {
	ID                int64             `gorm:"type:bigserial;primaryKey"`
	PullRequestNumber int               `gorm:"type:integer;not null;index"`
	State             string            `gorm:"type:text;not null"`
	OfborgEvalURL     string            `gorm:"type:text;not null"`
	NumPackages       datatypes.JSONMap `gorm:"type:jsonb"`
	Ctime             time.Time         `gorm:"type:timestamptz;not null"`
}

func (Dispatched) TableName() string { return "review_dispatched" }

// Finished records the outcome of one build job on one worker.
type Finished struct {
	ID                int64             `gorm:"type:bigserial;primaryKey"`
	BuildElapsed      string            `gorm:"type:interval;not null"`
	Ctime             time.Time         `gorm:"type:timestamptz;not null"`
	PullRequestNumber int               `gorm:"type:integer;not null;index"`
	State             string            `gorm:"type:text;not null"`
	System            string            `gorm:"type:text;not null"`
	InstanceType      string            `gorm:"type:text"`
	InstanceID        string            `gorm:"type:text"`
	Report            datatypes.JSONMap `gorm:"type:jsonb"`
}

func (Finished) TableName() string { return "review_finished" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Dispatched{},
		&Finished{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	for _, model := range []any{&Finished{}, &Dispatched{}} {
		if err := m.DropTable(model); err != nil {
			return err
		}
	}
	return nil
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}
