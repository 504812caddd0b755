// Package postgres implements the Postgres persist.Store backend: a
// schema-migrated, GORM-backed alternative to the embedded BadgerDB store,
// for deployments that already run a shared control-plane database.
package postgres

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/io-engine/io-engine/pkg/ioerr"
	"github.com/io-engine/io-engine/pkg/persist"
)

type replicaPropertyRow struct {
	ReplicaUUID string `gorm:"column:replica_uuid;primaryKey"`
	Key         string `gorm:"column:key;primaryKey"`
	Value       []byte `gorm:"column:value"`
	UpdatedAt   time.Time
}

func (replicaPropertyRow) TableName() string { return "replica_properties" }

type childStateRow struct {
	NexusUUID string `gorm:"column:nexus_uuid;primaryKey"`
	ChildURI  string `gorm:"column:child_uri;primaryKey"`
	NewState  string `gorm:"column:new_state"`
	Reason    string `gorm:"column:reason"`
	UpdatedAt time.Time
}

func (childStateRow) TableName() string { return "nexus_child_states" }

// Store is a persist.Store backed by Postgres via GORM, with schema
// managed by golang-migrate rather than GORM AutoMigrate so the schema
// history is explicit and reviewable.
type Store struct {
	db *gorm.DB
}

// New opens a connection to dsn, runs pending migrations, and returns a
// ready Store.
func New(dsn string) (*Store, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, ioerr.Wrap(ioerr.Internal, err, "persist postgres backend migration failed")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, ioerr.Wrap(ioerr.Internal, err, "failed to connect to postgres persist backend")
	}
	return &Store{db: db}, nil
}

func (s *Store) PutProperty(ctx context.Context, replicaUUID, key string, value []byte) error {
	row := replicaPropertyRow{ReplicaUUID: replicaUUID, Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Save(&row).Error
	if err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "failed to store property %q for replica %s", key, replicaUUID)
	}
	return nil
}

func (s *Store) GetProperty(ctx context.Context, replicaUUID, key string) ([]byte, error) {
	var row replicaPropertyRow
	err := s.db.WithContext(ctx).
		Where("replica_uuid = ? AND key = ?", replicaUUID, key).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ioerr.New(ioerr.NotFound, "property %q not set for replica %s", key, replicaUUID)
	}
	if err != nil {
		return nil, ioerr.Wrap(ioerr.Internal, err, "failed to read property %q for replica %s", key, replicaUUID)
	}
	return row.Value, nil
}

func (s *Store) ListProperties(ctx context.Context, replicaUUID string) (map[string][]byte, error) {
	var rows []replicaPropertyRow
	err := s.db.WithContext(ctx).Where("replica_uuid = ?", replicaUUID).Find(&rows).Error
	if err != nil {
		return nil, ioerr.Wrap(ioerr.Internal, err, "failed to list properties for replica %s", replicaUUID)
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (s *Store) DeleteProperties(ctx context.Context, replicaUUID string) error {
	err := s.db.WithContext(ctx).Where("replica_uuid = ?", replicaUUID).Delete(&replicaPropertyRow{}).Error
	if err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "failed to delete properties for replica %s", replicaUUID)
	}
	return nil
}

func (s *Store) UpdateChildState(ctx context.Context, st persist.ChildState) error {
	row := childStateRow{
		NexusUUID: st.NexusUUID,
		ChildURI:  st.ChildURI,
		NewState:  st.NewState,
		Reason:    st.Reason,
		UpdatedAt: time.Now(),
	}
	err := s.db.WithContext(ctx).Save(&row).Error
	if err != nil {
		return ioerr.Wrap(ioerr.Internal, err, "failed to persist child state for nexus %s", st.NexusUUID)
	}
	return nil
}

func (s *Store) ChildStates(ctx context.Context, nexusUUID string) ([]persist.ChildState, error) {
	var rows []childStateRow
	err := s.db.WithContext(ctx).Where("nexus_uuid = ?", nexusUUID).Find(&rows).Error
	if err != nil {
		return nil, ioerr.Wrap(ioerr.Internal, err, "failed to list child states for nexus %s", nexusUUID)
	}
	out := make([]persist.ChildState, 0, len(rows))
	for _, r := range rows {
		out = append(out, persist.ChildState{
			NexusUUID: r.NexusUUID,
			ChildURI:  r.ChildURI,
			NewState:  r.NewState,
			Reason:    r.Reason,
		})
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
