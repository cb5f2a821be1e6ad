// Package memory provides an in-memory snapshot store. Data is lost on
// restart; useful for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moldline/mesmon/pkg/storage"
)

// Store keeps records in a map keyed by (device_code, timestamp), which
// gives upsert semantics for free.
type Store struct {
	mu      sync.RWMutex
	records map[recordKey]storage.MonitoringRecord
}

type recordKey struct {
	deviceCode string
	unix       int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[recordKey]storage.MonitoringRecord)}
}

// Upsert stores or replaces a record.
func (s *Store) Upsert(ctx context.Context, rec storage.MonitoringRecord) error {
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{rec.DeviceCode, rec.Timestamp.Unix()}] = rec
	return nil
}

// Query retrieves records in [Start, End) ordered by timestamp ascending.
func (s *Store) Query(ctx context.Context, req storage.QueryRequest) ([]storage.MonitoringRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []storage.MonitoringRecord
	for _, rec := range s.records {
		if req.DeviceCode != "" && rec.DeviceCode != req.DeviceCode {
			continue
		}
		if rec.Timestamp.Before(req.Start) || !rec.Timestamp.Before(req.End) {
			continue
		}
		results = append(results, rec)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].DeviceCode < results[j].DeviceCode
		}
		return results[i].Timestamp.Before(results[j].Timestamp)
	})

	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// LatestTimestamp returns the newest persisted timestamp.
func (s *Store) LatestTimestamp(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest time.Time
	found := false
	for _, rec := range s.records {
		if !found || rec.Timestamp.After(newest) {
			newest = rec.Timestamp
			found = true
		}
	}
	return newest, found, nil
}

// BaselineBefore returns the newest record before the instant with the
// named field non-null.
func (s *Store) BaselineBefore(ctx context.Context, deviceCode string, before time.Time, field storage.ValueField) (*storage.MonitoringRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *storage.MonitoringRecord
	for key := range s.records {
		rec := s.records[key]
		if rec.DeviceCode != deviceCode || !rec.Timestamp.Before(before) {
			continue
		}
		if !fieldPresent(rec, field) {
			continue
		}
		if best == nil || rec.Timestamp.After(best.Timestamp) {
			cp := rec
			best = &cp
		}
	}
	return best, nil
}

// Delete removes the rows with exactly the given timestamps.
func (s *Store) Delete(ctx context.Context, deviceCode string, timestamps []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ts := range timestamps {
		delete(s.records, recordKey{deviceCode, ts.UTC().Truncate(time.Second).Unix()})
	}
	return nil
}

// Stats returns store statistics.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{TotalRecords: uint64(len(s.records))}
	devices := make(map[string]bool)
	for _, rec := range s.records {
		devices[rec.DeviceCode] = true
		if stats.Oldest.IsZero() || rec.Timestamp.Before(stats.Oldest) {
			stats.Oldest = rec.Timestamp
		}
		if stats.Newest.IsZero() || rec.Timestamp.After(stats.Newest) {
			stats.Newest = rec.Timestamp
		}
	}
	stats.Devices = uint64(len(devices))
	return stats, nil
}

// Close is a no-op for memory storage.
func (s *Store) Close() error { return nil }

func fieldPresent(rec storage.MonitoringRecord, field storage.ValueField) bool {
	switch field {
	case storage.FieldCapacity:
		return rec.Capacity != nil
	case storage.FieldPowerKwh:
		return rec.PowerKwh != nil
	default:
		return false
	}
}
