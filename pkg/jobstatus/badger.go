package jobstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	jobKeyPrefix = "job/"
	latestKey    = "job/latest"
)

// BadgerStore persists job statuses in BadgerDB with per-entry TTL, so
// stale progress disappears on its own after a process restart.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

// BadgerConfig holds the badger-backed store configuration.
type BadgerConfig struct {
	Path     string
	InMemory bool
	TTL      time.Duration
}

// NewBadgerStore opens (or creates) the badger database. The job status
// workload is tiny, so memory knobs are pinned far below badger defaults.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithNumVersionsToKeep(1).
		WithMemTableSize(4 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(2 << 20).
		WithIndexCacheSize(1 << 20).
		WithNumCompactors(1).
		WithValueLogFileSize(16 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job status store: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &BadgerStore{db: db, ttl: ttl}, nil
}

// Put writes a status snapshot with the store TTL.
func (s *BadgerStore) Put(ctx context.Context, st Status) error {
	value, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode job status: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(jobKeyPrefix+st.JobID), value).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
}

// Get returns the status for a job id, or nil when unknown or expired.
func (s *BadgerStore) Get(ctx context.Context, jobID string) (*Status, error) {
	var st *Status
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobKeyPrefix + jobID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded Status
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decode job status: %w", err)
			}
			st = &decoded
			return nil
		})
	})
	return st, err
}

// PutLatest updates the latest_job_id pointer with the store TTL.
func (s *BadgerStore) PutLatest(ctx context.Context, jobID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(latestKey), []byte(jobID)).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
}

// GetLatest returns the most recently started job id, or "".
func (s *BadgerStore) GetLatest(ctx context.Context) (string, error) {
	var jobID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			jobID = string(val)
			return nil
		})
	})
	return jobID, err
}

// Close shuts down badger cleanly.
func (s *BadgerStore) Close() error { return s.db.Close() }
