// Package snapshot turns raw MES telemetry into aligned 10-minute
// MonitoringRecord rows.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moldline/mesmon/pkg/config"
	"github.com/moldline/mesmon/pkg/device"
	"github.com/moldline/mesmon/pkg/logging"
	"github.com/moldline/mesmon/pkg/mes"
	"github.com/moldline/mesmon/pkg/storage"
)

// The search window around a slot is asymmetric: samples often arrive a few
// minutes before the slot boundary, but anything after slot+1m belongs to a
// later slot.
const (
	windowBefore = 10 * time.Minute
	windowAfter  = 1 * time.Minute

	fetchRetries = 3
	fetchBackoff = 300 * time.Millisecond
)

// Monitor is the slice of the MES client the writer needs.
type Monitor interface {
	PageMonitoring(ctx context.Context, deviceCode string, begin, end time.Time, opts mes.PageOptions) ([]mes.RawRecord, error)
}

// Progress reports step completion to the job runner.
type Progress func(completed, total int, slot time.Time)

// Writer produces snapshot rows for slot instants. Device-level work within
// one slot is sequential to bound MES load and keep pagination ordered.
type Writer struct {
	store      storage.Store
	mon        Monitor
	devices    *device.Registry
	classifier *mes.Classifier
	log        logging.Logger
}

// NewWriter wires a snapshot writer.
func NewWriter(store storage.Store, mon Monitor, devices *device.Registry, classifier *mes.Classifier, log logging.Logger) *Writer {
	return &Writer{store: store, mon: mon, devices: devices, classifier: classifier, log: log}
}

// DeviceCount returns how many devices one slot write covers.
func (w *Writer) DeviceCount() int { return len(w.devices.Codes()) }

// WriteSlot fetches, classifies and upserts one snapshot per device for the
// given slot. A device that fails upstream is logged and skipped; the step
// still counts. Authentication failures abort the whole slot.
func (w *Writer) WriteSlot(ctx context.Context, slot time.Time, progress Progress) error {
	codes := w.devices.Codes()
	for i, code := range codes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.writeDevice(ctx, code, slot); err != nil {
			var authErr *mes.AuthError
			if errors.As(err, &authErr) {
				return fmt.Errorf("slot %s: %w", slot.Format(time.RFC3339), err)
			}
			w.log.Warnf("device %s skipped for slot %s: %v", code, slot.Format(time.RFC3339), err)
		}
		if progress != nil {
			progress(i+1, len(codes), slot)
		}
	}
	return nil
}

// WriteSlots runs WriteSlot over a batch, reporting progress per slot.
func (w *Writer) WriteSlots(ctx context.Context, slots []time.Time, progress Progress) error {
	for i, slot := range slots {
		if err := w.WriteSlot(ctx, slot, nil); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, len(slots), slot)
		}
	}
	return nil
}

func (w *Writer) writeDevice(ctx context.Context, code string, slot time.Time) error {
	begin := slot.Add(-windowBefore)
	end := slot.Add(windowAfter)

	records, err := w.fetchWithRetry(ctx, code, begin, end)
	if err != nil {
		return err
	}

	streams := w.classifier.Split(records)
	targetMs := slot.UnixMilli()

	rec := storage.MonitoringRecord{
		DeviceCode:  code,
		Timestamp:   slot.UTC().Truncate(time.Second),
		MachineName: w.devices.MachineName(code),
	}
	if s := pickClosest(streams.Production, targetMs); s != nil {
		v := s.Value
		rec.Capacity = &v
	}
	if s := pickClosest(streams.Temperature, targetMs); s != nil {
		v := s.Value
		rec.OilTemperature = &v
	}
	if s := pickClosest(streams.Power, targetMs); s != nil {
		v := s.Value
		rec.PowerKwh = &v
	}

	// Rows with no payload at all are never written.
	if rec.Empty() {
		w.log.Debugf("device %s: no usable samples around slot %s", code, slot.Format(time.RFC3339))
		return nil
	}
	return w.store.Upsert(ctx, rec)
}

// fetchWithRetry retries transport failures with short backoff. Upstream
// envelope errors and auth errors are not retried here.
func (w *Writer) fetchWithRetry(ctx context.Context, code string, begin, end time.Time) ([]mes.RawRecord, error) {
	opts := mes.PageOptions{PageSize: config.MESPageSize, MaxRecords: config.MESMaxRecords}

	var lastErr error
	for attempt := 0; attempt < fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(fetchBackoff * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		records, err := w.mon.PageMonitoring(ctx, code, begin, end, opts)
		if err == nil {
			return records, nil
		}
		if !mes.IsTransport(err) {
			return nil, err
		}
		lastErr = err
		w.log.Warnf("device %s fetch attempt %d/%d: %v", code, attempt+1, fetchRetries, err)
	}
	return nil, lastErr
}

// pickClosest selects the sample minimizing distance to the slot; on an
// exact distance tie the sample at-or-after the slot wins.
func pickClosest(samples []mes.Sample, targetMs int64) *mes.Sample {
	var best *mes.Sample
	for i := range samples {
		s := &samples[i]
		if best == nil || closer(s, best, targetMs) {
			best = s
		}
	}
	return best
}

func closer(a, b *mes.Sample, targetMs int64) bool {
	da := absMs(a.TS - targetMs)
	db := absMs(b.TS - targetMs)
	if da != db {
		return da < db
	}
	return a.TS >= targetMs && b.TS < targetMs
}

func absMs(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}

// FloorSlot rounds an instant down to its 10-minute boundary.
func FloorSlot(t time.Time) time.Time {
	return t.UTC().Truncate(config.SnapshotInterval)
}

// CeilSlot rounds an instant up to the next 10-minute boundary. Already
// aligned instants are returned unchanged.
func CeilSlot(t time.Time) time.Time {
	floored := FloorSlot(t)
	if floored.Equal(t.UTC().Truncate(time.Second)) {
		return floored
	}
	return floored.Add(config.SnapshotInterval)
}

// RecentSlots lists every 10-minute slot covering the last N hours, oldest
// first. The span starts strictly after nowFloor−N hours, so N hours always
// yields exactly 6N slots.
func RecentSlots(now time.Time, hours int) []time.Time {
	end := FloorSlot(now)
	start := end.Add(-time.Duration(hours) * time.Hour)

	var slots []time.Time
	for t := start.Add(config.SnapshotInterval); !t.After(end); t = t.Add(config.SnapshotInterval) {
		slots = append(slots, t)
	}
	return slots
}

// BackfillSlots lists the aligned slots between start (rounded up) and end
// (rounded down), inclusive, oldest first.
func BackfillSlots(start, end time.Time) []time.Time {
	first := CeilSlot(start)
	last := FloorSlot(end)

	var slots []time.Time
	for t := first; !t.After(last); t = t.Add(config.SnapshotInterval) {
		slots = append(slots, t)
	}
	return slots
}
