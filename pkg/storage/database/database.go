// Package database implements the snapshot store on GORM, with sqlite for
// embedded deployments and postgres for production.
package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/moldline/mesmon/pkg/logging"
	"github.com/moldline/mesmon/pkg/storage"
)

// ConnectorFunc injects a database connection method into New, so tests can
// swap in an in-memory sqlite without touching production wiring.
type ConnectorFunc func() (*gorm.DB, error)

// NewSQLiteConnector opens a file-backed sqlite database.
func NewSQLiteConnector(path string) ConnectorFunc {
	return func() (*gorm.DB, error) {
		return gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
	}
}

// NewSQLiteMemoryConnector opens a shared in-memory sqlite database.
func NewSQLiteMemoryConnector() ConnectorFunc {
	return func() (*gorm.DB, error) {
		return gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
	}
}

// NewPostgreSQLConnector builds a postgres connection from MESMON_DB_*
// environment variables.
func NewPostgreSQLConnector(log logging.Logger) ConnectorFunc {
	host := os.Getenv("MESMON_DB_HOST")
	user := os.Getenv("MESMON_DB_USER")
	name := os.Getenv("MESMON_DB_NAME")
	password := os.Getenv("MESMON_DB_PASSWORD")
	sslMode := os.Getenv("MESMON_DB_SSLMODE")
	if sslMode == "" {
		sslMode = "require"
	}

	dsn := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", host, user, name, sslMode, password)

	return func() (*gorm.DB, error) {
		log.Infof("connecting to postgres host %s", host)
		return gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
	}
}

// Store implements storage.Store over GORM.
type Store struct {
	orm *gorm.DB
}

// New connects via the injected connector and migrates the schema.
func New(connect ConnectorFunc) (*Store, error) {
	orm, err := connect()
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	if err := orm.AutoMigrate(&storage.MonitoringRecord{}); err != nil {
		return nil, fmt.Errorf("migrate monitoring_record: %w", err)
	}
	return &Store{orm: orm}, nil
}

// Upsert writes a record; a conflict on (device_code, timestamp) resolves
// into an update of the payload columns.
func (s *Store) Upsert(ctx context.Context, rec storage.MonitoringRecord) error {
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Second)

	return s.orm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_code"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"machine_name", "capacity", "oil_temperature", "power_kwh",
		}),
	}).Create(&rec).Error
}

// Query retrieves records in [Start, End) ordered by timestamp ascending.
func (s *Store) Query(ctx context.Context, req storage.QueryRequest) ([]storage.MonitoringRecord, error) {
	q := s.orm.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", req.Start.UTC(), req.End.UTC()).
		Order("timestamp, device_code")
	if req.DeviceCode != "" {
		q = q.Where("device_code = ?", req.DeviceCode)
	}
	if req.Limit > 0 {
		q = q.Limit(req.Limit)
	}

	var rows []storage.MonitoringRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Timestamp = rows[i].Timestamp.UTC()
	}
	return rows, nil
}

// LatestTimestamp returns the newest persisted timestamp.
func (s *Store) LatestTimestamp(ctx context.Context) (time.Time, bool, error) {
	var rec storage.MonitoringRecord
	err := s.orm.WithContext(ctx).Order("timestamp DESC").First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return rec.Timestamp.UTC(), true, nil
}

// BaselineBefore returns the newest record before the instant with the
// named field non-null.
func (s *Store) BaselineBefore(ctx context.Context, deviceCode string, before time.Time, field storage.ValueField) (*storage.MonitoringRecord, error) {
	column, err := fieldColumn(field)
	if err != nil {
		return nil, err
	}

	var rec storage.MonitoringRecord
	err = s.orm.WithContext(ctx).
		Where("device_code = ? AND timestamp < ?", deviceCode, before.UTC()).
		Where(column + " IS NOT NULL").
		Order("timestamp DESC").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

// Delete removes the rows with exactly the given timestamps.
func (s *Store) Delete(ctx context.Context, deviceCode string, timestamps []time.Time) error {
	if len(timestamps) == 0 {
		return nil
	}
	utc := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		utc = append(utc, ts.UTC().Truncate(time.Second))
	}
	return s.orm.WithContext(ctx).
		Where("device_code = ? AND timestamp IN ?", deviceCode, utc).
		Delete(&storage.MonitoringRecord{}).Error
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	var total int64
	if err := s.orm.WithContext(ctx).Model(&storage.MonitoringRecord{}).Count(&total).Error; err != nil {
		return nil, err
	}
	stats.TotalRecords = uint64(total)
	if total == 0 {
		return stats, nil
	}

	var devices int64
	if err := s.orm.WithContext(ctx).Model(&storage.MonitoringRecord{}).
		Distinct("device_code").Count(&devices).Error; err != nil {
		return nil, err
	}
	stats.Devices = uint64(devices)

	type bounds struct {
		Oldest time.Time
		Newest time.Time
	}
	var b bounds
	if err := s.orm.WithContext(ctx).Model(&storage.MonitoringRecord{}).
		Select("MIN(timestamp) AS oldest, MAX(timestamp) AS newest").
		Scan(&b).Error; err != nil {
		return nil, err
	}
	stats.Oldest = b.Oldest.UTC()
	stats.Newest = b.Newest.UTC()
	return stats, nil
}

// Close closes the underlying SQL connection.
func (s *Store) Close() error {
	sqlDB, err := s.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func fieldColumn(field storage.ValueField) (string, error) {
	switch field {
	case storage.FieldCapacity:
		return "capacity", nil
	case storage.FieldPowerKwh:
		return "power_kwh", nil
	default:
		return "", fmt.Errorf("unknown baseline field %q", field)
	}
}
