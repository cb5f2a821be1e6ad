package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moldline/mesmon/pkg/device"
	"github.com/moldline/mesmon/pkg/logging"
	"github.com/moldline/mesmon/pkg/mes"
	"github.com/moldline/mesmon/pkg/storage"
	"github.com/moldline/mesmon/pkg/storage/memory"
)

// fakeMonitor serves canned records per device and can fail selectively.
type fakeMonitor struct {
	records map[string][]mes.RawRecord
	fail    map[string]error
	// failures counts down; used to exercise transport retry.
	transientFailures int
	calls             int
}

func (f *fakeMonitor) PageMonitoring(ctx context.Context, deviceCode string, begin, end time.Time, opts mes.PageOptions) ([]mes.RawRecord, error) {
	f.calls++
	if f.transientFailures > 0 {
		f.transientFailures--
		return nil, &mes.TransportError{Op: "page monitoring", Err: errors.New("connection reset")}
	}
	if err := f.fail[deviceCode]; err != nil {
		return nil, err
	}
	return f.records[deviceCode], nil
}

func testDevices(t *testing.T, codes ...string) *device.Registry {
	t.Helper()
	m := make(map[int]string, len(codes))
	for i, code := range codes {
		m[i+1] = code
	}
	r, err := device.NewRegistry(m, nil)
	require.NoError(t, err)
	return r
}

func prodRecord(ts time.Time, val float64) mes.RawRecord {
	ms := ts.UnixMilli()
	return mes.RawRecord{ParamName: "production count", RecordTime: &ms, Val: val}
}

func tempRecord(ts time.Time, val float64) mes.RawRecord {
	ms := ts.UnixMilli()
	return mes.RawRecord{ParamName: "oil temperature", RecordTime: &ms, Val: val}
}

func newTestWriter(store storage.Store, mon Monitor, devices *device.Registry) *Writer {
	return NewWriter(store, mon, devices, &mes.Classifier{}, logging.NewNop())
}

func TestWriteSlot_PicksClosestSample(t *testing.T) {
	slot := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	mon := &fakeMonitor{records: map[string][]mes.RawRecord{
		"850T-1": {
			prodRecord(slot.Add(-8*time.Minute), 100),
			prodRecord(slot.Add(-2*time.Minute), 120), // closest
			prodRecord(slot.Add(50*time.Second), 130),
			tempRecord(slot.Add(-30*time.Second), 41.5),
		},
	}}
	store := memory.New()
	w := newTestWriter(store, mon, testDevices(t, "850T-1"))

	require.NoError(t, w.WriteSlot(context.Background(), slot, nil))

	rows, err := store.Query(context.Background(), storage.QueryRequest{
		DeviceCode: "850T-1",
		Start:      slot.Add(-time.Minute),
		End:        slot.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Capacity)
	assert.Equal(t, 130.0, *rows[0].Capacity) // 50s after beats 2m before
	require.NotNil(t, rows[0].OilTemperature)
	assert.Equal(t, 41.5, *rows[0].OilTemperature)
	assert.Nil(t, rows[0].PowerKwh)
	assert.True(t, rows[0].Timestamp.Equal(slot))
}

func TestWriteSlot_TieGoesToAtOrAfter(t *testing.T) {
	slot := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	mon := &fakeMonitor{records: map[string][]mes.RawRecord{
		"850T-1": {
			prodRecord(slot.Add(-45*time.Second), 100),
			prodRecord(slot.Add(45*time.Second), 110),
		},
	}}
	store := memory.New()
	w := newTestWriter(store, mon, testDevices(t, "850T-1"))

	require.NoError(t, w.WriteSlot(context.Background(), slot, nil))

	rows, err := store.Query(context.Background(), storage.QueryRequest{
		DeviceCode: "850T-1",
		Start:      slot.Add(-time.Minute),
		End:        slot.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 110.0, *rows[0].Capacity)
}

func TestWriteSlot_SkipsEmptyPayload(t *testing.T) {
	slot := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	mon := &fakeMonitor{records: map[string][]mes.RawRecord{
		"850T-1": nil, // nothing usable around the slot
	}}
	store := memory.New()
	w := newTestWriter(store, mon, testDevices(t, "850T-1"))

	require.NoError(t, w.WriteSlot(context.Background(), slot, nil))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.TotalRecords)
}

func TestWriteSlot_UpstreamErrorSkipsDeviceOnly(t *testing.T) {
	slot := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	mon := &fakeMonitor{
		records: map[string][]mes.RawRecord{
			"850T-2": {prodRecord(slot, 200)},
		},
		fail: map[string]error{
			"850T-1": &mes.UpstreamError{Code: 500, Message: "device offline"},
		},
	}
	store := memory.New()
	w := newTestWriter(store, mon, testDevices(t, "850T-1", "850T-2"))

	var steps []int
	progress := func(completed, total int, _ time.Time) { steps = append(steps, completed) }

	require.NoError(t, w.WriteSlot(context.Background(), slot, progress))

	// Failed device still counts as a completed step.
	assert.Equal(t, []int{1, 2}, steps)

	rows, err := store.Query(context.Background(), storage.QueryRequest{
		Start: slot.Add(-time.Minute),
		End:   slot.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "850T-2", rows[0].DeviceCode)
}

func TestWriteSlot_AuthErrorAborts(t *testing.T) {
	slot := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	mon := &fakeMonitor{
		fail: map[string]error{
			"850T-1": &mes.AuthError{Code: 401, Message: "invalid credentials"},
		},
	}
	store := memory.New()
	w := newTestWriter(store, mon, testDevices(t, "850T-1", "850T-2"))

	err := w.WriteSlot(context.Background(), slot, nil)
	var authErr *mes.AuthError
	require.ErrorAs(t, err, &authErr)
	// Second device never reached.
	assert.Equal(t, 1, mon.calls)
}

func TestWriteSlot_RetriesTransportFailures(t *testing.T) {
	slot := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	mon := &fakeMonitor{
		transientFailures: 2,
		records: map[string][]mes.RawRecord{
			"850T-1": {prodRecord(slot, 100)},
		},
	}
	store := memory.New()
	w := newTestWriter(store, mon, testDevices(t, "850T-1"))

	require.NoError(t, w.WriteSlot(context.Background(), slot, nil))
	assert.Equal(t, 3, mon.calls)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalRecords)
}

func TestWriteSlots_ProgressPerSlot(t *testing.T) {
	mon := &fakeMonitor{}
	store := memory.New()
	w := newTestWriter(store, mon, testDevices(t, "850T-1"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slots := []time.Time{base, base.Add(10 * time.Minute), base.Add(20 * time.Minute)}

	var steps []int
	progress := func(completed, total int, _ time.Time) {
		assert.Equal(t, 3, total)
		steps = append(steps, completed)
	}
	require.NoError(t, w.WriteSlots(context.Background(), slots, progress))
	assert.Equal(t, []int{1, 2, 3}, steps)
}

func TestFloorCeilSlot(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 34, 56, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), FloorSlot(ts))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 40, 0, 0, time.UTC), CeilSlot(ts))

	aligned := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, aligned, FloorSlot(aligned))
	assert.Equal(t, aligned, CeilSlot(aligned))
}

func TestRecentSlots(t *testing.T) {
	now := time.Date(2026, 3, 1, 14, 34, 0, 0, time.UTC)
	slots := RecentSlots(now, 2)

	require.Len(t, slots, 12)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 40, 0, 0, time.UTC), slots[0])
	assert.Equal(t, time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC), slots[len(slots)-1])
}

func TestBackfillSlots(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 12, 45, 0, 0, time.UTC)

	slots := BackfillSlots(start, end)
	require.Len(t, slots, 4)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC), slots[0])
	assert.Equal(t, time.Date(2026, 3, 1, 12, 40, 0, 0, time.UTC), slots[3])

	assert.Empty(t, BackfillSlots(end, start))
}
