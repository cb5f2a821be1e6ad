// Package matrix renders persisted snapshots into the machines × time-slots
// production grid.
package matrix

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/moldline/mesmon/pkg/config"
	"github.com/moldline/mesmon/pkg/device"
	"github.com/moldline/mesmon/pkg/logging"
	"github.com/moldline/mesmon/pkg/storage"
)

// Machine is one grid row header.
type Machine struct {
	No         int    `json:"no"`
	Name       string `json:"name"`
	Tonnage    string `json:"tonnage"`
	DeviceCode string `json:"device_code"`
}

// Response is the full production grid.
type Response struct {
	Timestamp                  string      `json:"timestamp"`
	TimeSlots                  []string    `json:"time_slots"`
	IntervalType               string      `json:"interval_type"`
	Columns                    int         `json:"columns"`
	Machines                   []Machine   `json:"machines"`
	CumulativeProductionMatrix [][]float64 `json:"cumulative_production_matrix"`
	ActualProductionMatrix     [][]float64 `json:"actual_production_matrix"`
	OilTemperatureMatrix       [][]float64 `json:"oil_temperature_matrix"`
	PowerKwhMatrix             [][]float64 `json:"power_kwh_matrix"`
	PowerUsageMatrix           [][]float64 `json:"power_usage_matrix"`
	MesSource                  bool        `json:"mes_source"`
}

// Builder reads the snapshot store and renders grids. It never fails on
// missing data: absent cells are zero-filled and no slot is omitted.
type Builder struct {
	store   storage.Store
	devices *device.Registry
	loc     *time.Location
	log     logging.Logger
}

// NewBuilder wires a matrix builder with the display timezone.
func NewBuilder(store storage.Store, devices *device.Registry, loc *time.Location, log logging.Logger) *Builder {
	return &Builder{store: store, devices: devices, loc: loc, log: log}
}

// Matrix builds the grid for an interval and column count. columns == 0
// selects the default width.
func (b *Builder) Matrix(ctx context.Context, interval Interval, columns int) (*Response, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	if columns == 0 {
		columns = config.DefaultMatrixColumns
	}
	if columns < 1 || columns > config.MaxMatrixColumns {
		return nil, fmt.Errorf("columns must be between 1 and %d, got %d", config.MaxMatrixColumns, columns)
	}

	// Reference is the newest persisted record; an empty store renders a
	// zero-filled grid anchored at the current instant.
	ref, ok, err := b.store.LatestTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve reference time: %w", err)
	}
	if !ok {
		ref = time.Now()
	}

	slots := BuildSlots(ref, interval, columns, b.loc)
	windowStart := slots[0].Anchor
	windowEnd := slots[columns-1].Anchor.Add(interval.Step())

	resp := &Response{
		Timestamp:    time.Now().In(b.loc).Format(time.RFC3339),
		TimeSlots:    make([]string, columns),
		IntervalType: string(interval),
		Columns:      columns,
		MesSource:    true,
	}
	for i, slot := range slots {
		resp.TimeSlots[i] = slot.Label
	}

	for _, ordinal := range b.devices.Ordinals() {
		code, _ := b.devices.Code(ordinal)
		resp.Machines = append(resp.Machines, Machine{
			No:         ordinal,
			Name:       fmt.Sprintf("%d호기", ordinal),
			Tonnage:    b.devices.Tonnage(ordinal),
			DeviceCode: code,
		})

		row, err := b.deviceRow(ctx, code, slots, windowStart, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", code, err)
		}
		resp.CumulativeProductionMatrix = append(resp.CumulativeProductionMatrix, row.cumulative)
		resp.ActualProductionMatrix = append(resp.ActualProductionMatrix, row.delta)
		resp.OilTemperatureMatrix = append(resp.OilTemperatureMatrix, row.temperature)
		resp.PowerKwhMatrix = append(resp.PowerKwhMatrix, row.power)
		resp.PowerUsageMatrix = append(resp.PowerUsageMatrix, row.powerDelta)
	}
	return resp, nil
}

type deviceRow struct {
	cumulative  []float64
	delta       []float64
	temperature []float64
	power       []float64
	powerDelta  []float64
}

func (b *Builder) deviceRow(ctx context.Context, code string, slots []Slot, start, end time.Time) (*deviceRow, error) {
	records, err := b.store.Query(ctx, storage.QueryRequest{
		DeviceCode: code,
		Start:      start.UTC(),
		End:        end.UTC(),
	})
	if err != nil {
		return nil, err
	}

	// Bucket each record into the latest slot whose anchor is at or before
	// it; records arrive ascending, so the last record in a bucket wins.
	buckets := make([]*storage.MonitoringRecord, len(slots))
	for i := range records {
		rec := records[i]
		idx := -1
		for j := len(slots) - 1; j >= 0; j-- {
			if !rec.Timestamp.Before(slots[j].Anchor) {
				idx = j
				break
			}
		}
		if idx >= 0 {
			buckets[idx] = &rec
		}
	}

	// Baselines come from the nearest record before the grid, looked up
	// independently per stream so a capacity-only record does not mask an
	// older power reading.
	capBase, err := b.store.BaselineBefore(ctx, code, start.UTC(), storage.FieldCapacity)
	if err != nil {
		return nil, err
	}
	powBase, err := b.store.BaselineBefore(ctx, code, start.UTC(), storage.FieldPowerKwh)
	if err != nil {
		return nil, err
	}

	capacity := newCounterState(capBase, func(r *storage.MonitoringRecord) *float64 { return r.Capacity })
	power := newCounterState(powBase, func(r *storage.MonitoringRecord) *float64 { return r.PowerKwh })

	row := &deviceRow{
		cumulative:  make([]float64, len(slots)),
		delta:       make([]float64, len(slots)),
		temperature: make([]float64, len(slots)),
		power:       make([]float64, len(slots)),
		powerDelta:  make([]float64, len(slots)),
	}

	for i := range slots {
		rec := buckets[i]

		display, delta := capacity.advance(rec)
		row.cumulative[i] = round3(display)
		row.delta[i] = round3(delta)

		pDisplay, pDelta := power.advance(rec)
		row.power[i] = round3(pDisplay)
		row.powerDelta[i] = round3(pDelta)
		if rec != nil && power.decreased {
			b.log.Warnf("device %s: power counter decreased at %s", code, rec.Timestamp.Format(time.RFC3339))
		}

		if rec != nil && rec.OilTemperature != nil {
			row.temperature[i] = round3(*rec.OilTemperature)
		}
	}
	return row, nil
}

// counterState tracks a cumulative stream across slots with two independent
// variables: the carried-forward display value, and the last value that
// came from an actual record. Deltas only ever subtract confirmed values;
// a carried-forward display never participates in delta math.
type counterState struct {
	display       float64
	lastConfirmed *float64
	pick          func(*storage.MonitoringRecord) *float64
	decreased     bool
}

func newCounterState(baseline *storage.MonitoringRecord, pick func(*storage.MonitoringRecord) *float64) *counterState {
	st := &counterState{pick: pick}
	if baseline != nil {
		if v := pick(baseline); v != nil {
			confirmed := *v
			st.lastConfirmed = &confirmed
		}
	}
	return st
}

// advance consumes one slot's record (nil for a hole) and returns the
// display cumulative and the delta. A fresh value below the confirmed
// predecessor is a counter reset: displayed as-is, delta zero, and the
// reset value becomes the new baseline.
func (s *counterState) advance(rec *storage.MonitoringRecord) (display, delta float64) {
	s.decreased = false
	if rec == nil {
		return s.display, 0
	}
	v := s.pick(rec)
	if v == nil {
		return s.display, 0
	}

	fresh := *v
	if s.lastConfirmed != nil && fresh >= *s.lastConfirmed {
		delta = fresh - *s.lastConfirmed
	} else {
		delta = 0
		if s.lastConfirmed != nil && fresh < *s.lastConfirmed {
			s.decreased = true
		}
	}
	s.display = fresh
	confirmed := fresh
	s.lastConfirmed = &confirmed
	return s.display, delta
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
