package jobstatus

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps job statuses in a map with per-entry expiry. Entries
// are reaped lazily on access.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]memoryEntry
	latest  string
	latexp  time.Time
}

type memoryEntry struct {
	status    Status
	expiresAt time.Time
}

// NewMemoryStore creates an in-process store with the given entry TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

// Put writes a status snapshot, resetting its TTL.
func (s *MemoryStore) Put(ctx context.Context, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[st.JobID] = memoryEntry{status: st, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

// Get returns the status for a job id, or nil when unknown or expired.
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Status, error) {
	s.mu.RLock()
	entry, ok := s.entries[jobID]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, jobID)
		s.mu.Unlock()
		return nil, nil
	}
	st := entry.status
	return &st, nil
}

// PutLatest updates the latest_job_id pointer.
func (s *MemoryStore) PutLatest(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = jobID
	s.latexp = time.Now().Add(s.ttl)
	return nil
}

// GetLatest returns the most recently started job id, or "".
func (s *MemoryStore) GetLatest(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == "" || time.Now().After(s.latexp) {
		return "", nil
	}
	return s.latest, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
