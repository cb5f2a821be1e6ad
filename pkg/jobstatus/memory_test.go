package jobstatus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	st, err := s.Get(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, st)

	put := Status{JobID: "j1", State: StateRunning, TotalSteps: 17, CompletedSteps: 3, Percent: 17}
	require.NoError(t, s.Put(ctx, put))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, put, *got)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Status{JobID: "j1", State: StateCompleted}))
	require.NoError(t, s.PutLatest(ctx, "j1"))

	time.Sleep(50 * time.Millisecond)

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, got)

	latest, err := s.GetLatest(ctx)
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestMemoryStoreLatestPointer(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	latest, err := s.GetLatest(ctx)
	require.NoError(t, err)
	assert.Empty(t, latest)

	require.NoError(t, s.PutLatest(ctx, "j1"))
	require.NoError(t, s.PutLatest(ctx, "j2"))

	latest, err = s.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j2", latest)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	s, err := NewBadgerStore(BadgerConfig{InMemory: true, TTL: time.Hour})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	slot := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	put := Status{
		JobID:          "j1",
		State:          StateRunning,
		TotalSteps:     6,
		CompletedSteps: 2,
		Percent:        33,
		StartedAt:      slot,
		LastSlot:       &slot,
	}
	require.NoError(t, s.Put(ctx, put))
	require.NoError(t, s.PutLatest(ctx, "j1"))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, put.State, got.State)
	assert.Equal(t, put.CompletedSteps, got.CompletedSteps)
	require.NotNil(t, got.LastSlot)
	assert.True(t, got.LastSlot.Equal(slot))

	latest, err := s.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", latest)

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
