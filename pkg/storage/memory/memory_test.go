package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moldline/mesmon/pkg/storage"
)

func fptr(v float64) *float64 { return &v }

func seed(t *testing.T, s *Store, device string, ts time.Time, capacity *float64, power *float64) {
	t.Helper()
	require.NoError(t, s.Upsert(context.Background(), storage.MonitoringRecord{
		DeviceCode: device,
		Timestamp:  ts,
		Capacity:   capacity,
		PowerKwh:   power,
	}))
}

func TestUpsertReplacesSameKey(t *testing.T) {
	s := New()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seed(t, s, "850T-1", ts, fptr(100), nil)
	seed(t, s, "850T-1", ts, fptr(150), fptr(12))

	rows, err := s.Query(context.Background(), storage.QueryRequest{
		DeviceCode: "850T-1",
		Start:      ts.Add(-time.Minute),
		End:        ts.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 150.0, *rows[0].Capacity)
	assert.Equal(t, 12.0, *rows[0].PowerKwh)
}

func TestQueryHalfOpenRange(t *testing.T) {
	s := New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		seed(t, s, "850T-1", base.Add(time.Duration(i)*10*time.Minute), fptr(float64(i)), nil)
	}

	rows, err := s.Query(context.Background(), storage.QueryRequest{
		DeviceCode: "850T-1",
		Start:      base,
		End:        base.Add(30 * time.Minute), // excludes the fourth row
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	// Ascending order.
	assert.True(t, rows[0].Timestamp.Before(rows[1].Timestamp))
	assert.True(t, rows[1].Timestamp.Before(rows[2].Timestamp))
}

func TestLatestTimestamp(t *testing.T) {
	s := New()

	_, ok, err := s.LatestTimestamp(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, s, "850T-1", base, fptr(1), nil)
	seed(t, s, "850T-2", base.Add(10*time.Minute), fptr(2), nil)

	ts, ok, err := s.LatestTimestamp(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(10*time.Minute), ts)
}

func TestBaselineBeforePicksFieldSpecificRow(t *testing.T) {
	s := New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seed(t, s, "850T-1", base, fptr(100), fptr(50))
	seed(t, s, "850T-1", base.Add(10*time.Minute), fptr(110), nil) // no power

	cutoff := base.Add(20 * time.Minute)

	capBase, err := s.BaselineBefore(context.Background(), "850T-1", cutoff, storage.FieldCapacity)
	require.NoError(t, err)
	require.NotNil(t, capBase)
	assert.Equal(t, 110.0, *capBase.Capacity)

	// The newest row has no power reading, so the older one is the power
	// baseline.
	powBase, err := s.BaselineBefore(context.Background(), "850T-1", cutoff, storage.FieldPowerKwh)
	require.NoError(t, err)
	require.NotNil(t, powBase)
	assert.Equal(t, 50.0, *powBase.PowerKwh)

	none, err := s.BaselineBefore(context.Background(), "850T-1", base, storage.FieldCapacity)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDeleteExactTimestamps(t *testing.T) {
	s := New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, s, "850T-1", base, fptr(1), nil)
	seed(t, s, "850T-1", base.Add(10*time.Minute), fptr(2), nil)

	require.NoError(t, s.Delete(context.Background(), "850T-1", []time.Time{base}))

	rows, err := s.Query(context.Background(), storage.QueryRequest{
		DeviceCode: "850T-1",
		Start:      base.Add(-time.Hour),
		End:        base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, base.Add(10*time.Minute), rows[0].Timestamp)
}

func TestStats(t *testing.T) {
	s := New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, s, "850T-1", base, fptr(1), nil)
	seed(t, s, "850T-2", base.Add(10*time.Minute), fptr(2), nil)
	seed(t, s, "850T-2", base.Add(20*time.Minute), fptr(3), nil)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalRecords)
	assert.EqualValues(t, 2, stats.Devices)
	assert.Equal(t, base, stats.Oldest)
	assert.Equal(t, base.Add(20*time.Minute), stats.Newest)
}
