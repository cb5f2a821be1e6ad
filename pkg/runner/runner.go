// Package runner schedules snapshot writes and executes on-demand update
// jobs with published progress.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moldline/mesmon/pkg/config"
	"github.com/moldline/mesmon/pkg/jobstatus"
	"github.com/moldline/mesmon/pkg/logging"
	"github.com/moldline/mesmon/pkg/snapshot"
)

// Broadcaster pushes live status updates to connected clients. Optional.
type Broadcaster interface {
	Broadcast(data interface{}) error
}

// ErrQueueFull means the worker queue has no room for another job.
// Callers should tell the client to retry later rather than block.
var ErrQueueFull = errors.New("job queue full")

type task func(ctx context.Context)

// Runner owns the 10-minute scheduler and a small worker pool for
// on-demand jobs. Handlers enqueue and return immediately; jobs run to
// completion with no client-side cancellation.
type Runner struct {
	writer    *snapshot.Writer
	compactor *snapshot.Compactor
	jobs      jobstatus.Store
	hub       Broadcaster
	log       logging.Logger

	// writeMu keeps scheduled slot writes and compaction from overlapping.
	writeMu sync.Mutex
	queue   chan task
}

// New wires a runner. hub may be nil.
func New(writer *snapshot.Writer, compactor *snapshot.Compactor, jobs jobstatus.Store, hub Broadcaster, log logging.Logger) *Runner {
	return &Runner{
		writer:    writer,
		compactor: compactor,
		jobs:      jobs,
		hub:       hub,
		log:       log,
		queue:     make(chan task, 16),
	}
}

// Run hosts the scheduler and worker pool until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-r.queue:
					job(ctx)
				}
			}
		}()
	}

	// Phase the scheduler onto the 10-minute raster first, so slot writes
	// land right after their slot boundary instead of at process-start
	// offsets.
	align := time.NewTimer(untilNextTick(time.Now()))
	defer align.Stop()
	select {
	case <-ctx.Done():
		wg.Wait()
		return
	case <-align.C:
		r.scheduledTick(ctx)
	}

	ticker := time.NewTicker(config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			r.scheduledTick(ctx)
		}
	}
}

// untilNextTick returns the wait until the next 10-minute slot boundary.
func untilNextTick(now time.Time) time.Duration {
	next := snapshot.FloorSlot(now).Add(config.SnapshotInterval)
	return next.Sub(now)
}

// scheduledTick writes the current slot and compacts the tick window. A
// tick that fires while the previous one still runs is skipped.
func (r *Runner) scheduledTick(ctx context.Context) {
	if !r.writeMu.TryLock() {
		r.log.Warnf("previous scheduled write still running, skipping tick")
		return
	}
	defer r.writeMu.Unlock()

	slot := snapshot.FloorSlot(time.Now())
	if err := r.writer.WriteSlot(ctx, slot, nil); err != nil {
		r.log.Errorf("scheduled write for slot %s failed: %v", slot.Format(time.RFC3339), err)
		return
	}
	window := time.Duration(config.TickCompactWindowH) * time.Hour
	if err := r.compactor.Compact(ctx, window); err != nil {
		r.log.Errorf("compaction after tick failed: %v", err)
	}
}

// RunLatest enqueues a single write of the current 10-minute slot and
// returns the acknowledgement status immediately.
func (r *Runner) RunLatest(ctx context.Context) (*jobstatus.Status, error) {
	slot := snapshot.FloorSlot(time.Now())
	total := r.writer.DeviceCount()

	st, err := r.begin(ctx, total)
	if err != nil {
		return nil, err
	}

	if err := r.spawn(func(jctx context.Context) {
		err := r.writer.WriteSlot(jctx, slot, r.progress(st))
		r.compactAfter(jctx, config.TickCompactWindowH)
		r.finish(st, err)
	}); err != nil {
		r.finish(st, err)
		return nil, err
	}
	return st, nil
}

// RunRecent enqueues a back-fill of every slot in the last N hours.
func (r *Runner) RunRecent(ctx context.Context, hours int) (*jobstatus.Status, error) {
	if hours < 1 || hours > config.MaxBackfillHours {
		return nil, fmt.Errorf("hours must be between 1 and %d, got %d", config.MaxBackfillHours, hours)
	}

	slots := snapshot.RecentSlots(time.Now(), hours)
	st, err := r.begin(ctx, len(slots))
	if err != nil {
		return nil, err
	}

	if err := r.spawn(func(jctx context.Context) {
		err := r.writer.WriteSlots(jctx, slots, r.progress(st))
		r.compactAfter(jctx, config.BatchCompactWindowH)
		r.finish(st, err)
	}); err != nil {
		r.finish(st, err)
		return nil, err
	}
	return st, nil
}

// begin allocates a job id, persists the initial running status and moves
// the latest pointer. The most recently started job owns the pointer.
func (r *Runner) begin(ctx context.Context, total int) (*jobstatus.Status, error) {
	st := &jobstatus.Status{
		JobID:      uuid.New().String(),
		State:      jobstatus.StateRunning,
		TotalSteps: total,
		StartedAt:  time.Now().UTC(),
	}
	if err := r.jobs.Put(ctx, *st); err != nil {
		return nil, fmt.Errorf("persist job status: %w", err)
	}
	if err := r.jobs.PutLatest(ctx, st.JobID); err != nil {
		return nil, fmt.Errorf("update latest job pointer: %w", err)
	}
	r.publish(*st)
	return st, nil
}

// progress returns the writer callback updating the shared status. The
// status struct is owned by the single job goroutine; the store holds
// immutable snapshots of it.
func (r *Runner) progress(st *jobstatus.Status) snapshot.Progress {
	return func(completed, total int, slot time.Time) {
		st.CompletedSteps = completed
		if total > 0 {
			st.Percent = 100 * completed / total
		}
		slotCopy := slot
		st.LastSlot = &slotCopy
		if err := r.jobs.Put(context.Background(), *st); err != nil {
			r.log.Warnf("job %s: progress update failed: %v", st.JobID, err)
		}
		r.publish(*st)
	}
}

func (r *Runner) finish(st *jobstatus.Status, err error) {
	now := time.Now().UTC()
	st.FinishedAt = &now
	if err != nil {
		st.State = jobstatus.StateFailed
		st.Error = err.Error()
		r.log.Errorf("job %s failed: %v", st.JobID, err)
	} else {
		st.State = jobstatus.StateCompleted
		st.Percent = 100
		st.CompletedSteps = st.TotalSteps
	}
	if perr := r.jobs.Put(context.Background(), *st); perr != nil {
		r.log.Warnf("job %s: final status update failed: %v", st.JobID, perr)
	}
	r.publish(*st)
}

// compactAfter trims old sub-hourly rows once a write batch is done,
// serialized against scheduled writes.
func (r *Runner) compactAfter(ctx context.Context, windowHours int) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.compactor.Compact(ctx, time.Duration(windowHours)*time.Hour); err != nil {
		r.log.Errorf("compaction after batch failed: %v", err)
	}
}

func (r *Runner) spawn(job task) error {
	select {
	case r.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Runner) publish(st jobstatus.Status) {
	if r.hub == nil {
		return
	}
	if err := r.hub.Broadcast(st); err != nil {
		r.log.Debugf("job %s: broadcast failed: %v", st.JobID, err)
	}
}
