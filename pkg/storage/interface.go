package storage

import (
	"context"
	"time"
)

// MonitoringRecord is one aligned telemetry snapshot for a machine. At most
// one row exists per (device_code, timestamp); all payload fields are
// optional but never all null at once.
type MonitoringRecord struct {
	DeviceCode     string    `gorm:"primaryKey;size:64;index:idx_monitoring_device_ts,unique" json:"device_code"`
	Timestamp      time.Time `gorm:"primaryKey;index:idx_monitoring_device_ts,unique;index:idx_monitoring_ts" json:"timestamp"`
	MachineName    string    `gorm:"size:32" json:"machine_name"`
	Capacity       *float64  `json:"capacity"`
	OilTemperature *float64  `json:"oil_temperature"`
	PowerKwh       *float64  `json:"power_kwh"`
}

// TableName pins the GORM table name.
func (MonitoringRecord) TableName() string { return "monitoring_record" }

// Empty reports whether the record carries no payload at all. Such rows are
// never written.
func (r MonitoringRecord) Empty() bool {
	return r.Capacity == nil && r.OilTemperature == nil && r.PowerKwh == nil
}

// ValueField names a nullable payload column for baseline lookups.
type ValueField string

const (
	FieldCapacity ValueField = "capacity"
	FieldPowerKwh ValueField = "power_kwh"
)

// QueryRequest selects records in [Start, End), optionally for one device,
// ordered by timestamp ascending.
type QueryRequest struct {
	DeviceCode string
	Start      time.Time
	End        time.Time
	Limit      int
}

// Stats summarizes store contents for health reporting.
type Stats struct {
	TotalRecords uint64    `json:"total_records"`
	Devices      uint64    `json:"devices"`
	Oldest       time.Time `json:"oldest"`
	Newest       time.Time `json:"newest"`
}

// Store is the snapshot persistence boundary.
// Implementations: memory (testing), database (GORM over sqlite/postgres).
type Store interface {
	// Upsert writes a record, replacing any existing row with the same
	// (device_code, timestamp). Unique-index conflicts resolve as updates.
	Upsert(ctx context.Context, rec MonitoringRecord) error

	// Query retrieves records matching the request.
	Query(ctx context.Context, req QueryRequest) ([]MonitoringRecord, error)

	// LatestTimestamp returns the newest persisted timestamp across all
	// devices; ok is false when the store is empty.
	LatestTimestamp(ctx context.Context) (ts time.Time, ok bool, err error)

	// BaselineBefore returns the newest record for the device strictly
	// before the given instant whose named field is non-null, or nil.
	BaselineBefore(ctx context.Context, deviceCode string, before time.Time, field ValueField) (*MonitoringRecord, error)

	// Delete removes the rows with exactly the given timestamps.
	Delete(ctx context.Context, deviceCode string, timestamps []time.Time) error

	// Stats returns store statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store.
	Close() error
}
