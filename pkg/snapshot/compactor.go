package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/moldline/mesmon/pkg/device"
	"github.com/moldline/mesmon/pkg/logging"
	"github.com/moldline/mesmon/pkg/storage"
)

// Compactor trims sub-hourly samples past the retention horizon: the most
// recent retention hours keep 10-minute granularity, older hours keep
// exactly one record. Rows older than the compaction window are left for a
// separate archival lifecycle.
type Compactor struct {
	store     storage.Store
	devices   *device.Registry
	retention time.Duration
	log       logging.Logger
}

// NewCompactor wires a compactor with the given retention in hours.
func NewCompactor(store storage.Store, devices *device.Registry, retentionHours int, log logging.Logger) *Compactor {
	return &Compactor{
		store:     store,
		devices:   devices,
		retention: time.Duration(retentionHours) * time.Hour,
		log:       log,
	}
}

// Compact scans [nowFloorHour−retention−window, nowFloorHour−retention) and
// deletes all but the latest record per (device, hour). It must only run
// when no write batch is in flight; the job runner sequences that.
func (c *Compactor) Compact(ctx context.Context, window time.Duration) error {
	nowHour := time.Now().UTC().Truncate(time.Hour)
	end := nowHour.Add(-c.retention)
	start := end.Add(-window)

	var deleted int
	for _, code := range c.devices.Codes() {
		n, err := c.compactDevice(ctx, code, start, end)
		if err != nil {
			return fmt.Errorf("compact device %s: %w", code, err)
		}
		deleted += n
	}
	if deleted > 0 {
		c.log.Infof("compaction removed %d sub-hourly rows in [%s, %s)",
			deleted, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}

func (c *Compactor) compactDevice(ctx context.Context, code string, start, end time.Time) (int, error) {
	rows, err := c.store.Query(ctx, storage.QueryRequest{
		DeviceCode: code,
		Start:      start,
		End:        end,
	})
	if err != nil {
		return 0, err
	}

	// Latest row per hour survives; rows arrive ordered ascending, so the
	// current survivor for an hour is always the newest seen so far.
	survivors := make(map[time.Time]time.Time)
	var victims []time.Time
	for _, row := range rows {
		hour := row.Timestamp.UTC().Truncate(time.Hour)
		if prev, ok := survivors[hour]; ok {
			victims = append(victims, prev)
		}
		survivors[hour] = row.Timestamp
	}

	if len(victims) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, code, victims); err != nil {
		return 0, err
	}
	return len(victims), nil
}
