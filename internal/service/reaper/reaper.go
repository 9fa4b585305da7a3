// Package reaper destroys sessions: on age, on explicit request, and after a
// page-unload signal that was not withdrawn within the grace window.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"uniconvert/internal/logging"
	"uniconvert/internal/metrics"
	"uniconvert/internal/models"
	"uniconvert/internal/service/session"
	"uniconvert/internal/storage"
)

// Event is a page lifecycle signal sent by the browser.
type Event string

const (
	EventHidden  Event = "hidden"
	EventUnload  Event = "unload"
	EventVisible Event = "visible"
)

// ParseEvent accepts the three known events.
func ParseEvent(s string) (Event, bool) {
	switch e := Event(s); e {
	case EventHidden, EventUnload, EventVisible:
		return e, true
	}
	return "", false
}

// Store is the slice of the session store the reaper drives.
type Store interface {
	Exists(id string) bool
	Touch(id string)
	Snapshot() []models.Session
	Destroy(id string) models.DestroyReport
	SweepOrphans(cutoff time.Time) session.OrphanReport
	Stats() models.StoreStats
}

// Timer is the part of *time.Timer the reaper uses.
type Timer interface {
	Stop() bool
}

type Options struct {
	Store     Store
	Retention time.Duration
	Interval  time.Duration
	Grace     time.Duration
	Journal   *storage.Journal
	Metrics   *metrics.Metrics
	Bus       *Bus
	Logger    *logging.Logger
	// Now and AfterFunc default to the wall clock.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

// SweepReport is the outcome of one sweep run.
type SweepReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Expired    int           `json:"expired"`
	Orphans    int           `json:"orphans"`
	FreedBytes int64         `json:"freed_bytes"`
	ErrorCount int           `json:"error_count"`
	// Errors name workspace paths and are only logged.
	Errors []string `json:"-"`
}

// Stats is what the cleanup stats endpoint reports.
type Stats struct {
	models.StoreStats
	PendingUnloads int          `json:"pending_unloads"`
	Retention      string       `json:"retention"`
	SweepInterval  string       `json:"sweep_interval"`
	UnloadGrace    string       `json:"unload_grace"`
	LastSweep      *SweepReport `json:"last_sweep,omitempty"`
}

type pendingUnload struct {
	timer Timer
	gen   uint64
}

type Reaper struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	grace     time.Duration
	journal   *storage.Journal
	metrics   *metrics.Metrics
	bus       *Bus
	log       *logging.Logger
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer

	mu        sync.Mutex
	pending   map[string]pendingUnload
	gen       uint64
	hooks     []func(models.DestroyReport)
	lastSweep *SweepReport

	sweepMu sync.Mutex
}

func New(opts Options) *Reaper {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Reaper{
		store:     opts.Store,
		retention: opts.Retention,
		interval:  opts.Interval,
		grace:     opts.Grace,
		journal:   opts.Journal,
		metrics:   opts.Metrics,
		bus:       opts.Bus,
		log:       logging.OrDefault(opts.Logger).With("component", "reaper"),
		now:       now,
		afterFunc: afterFunc,
		pending:   make(map[string]pendingUnload),
	}
}

// OnDestroy registers fn to run after every destroy of a live session.
func (r *Reaper) OnDestroy(fn func(models.DestroyReport)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Start runs the sweep loop until ctx is cancelled. With a bus configured it
// also applies unload signals relayed through redis.
func (r *Reaper) Start(ctx context.Context) {
	if r.bus != nil {
		if report, ok := r.bus.loadSweep(ctx); ok {
			r.mu.Lock()
			if r.lastSweep == nil {
				r.lastSweep = &report
			}
			r.mu.Unlock()
		}
		if err := r.bus.listen(ctx, func(msg signalMessage) {
			if ev, ok := ParseEvent(msg.Event); ok {
				r.Signal(msg.SessionID, ev)
			}
		}); err != nil {
			r.log.Warn("signal relay unavailable", "err", err)
		}
	}
	go r.cleanupLoop(ctx)
}

func (r *Reaper) cleanupLoop(ctx context.Context) {
	interval := r.interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.log.Info("sweeper started", "interval", interval, "retention", r.retention)
	for {
		select {
		case <-ctx.Done():
			r.stopPending()
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce destroys every session older than the retention and removes
// orphaned workspaces. Concurrent calls run one after the other.
func (r *Reaper) SweepOnce(ctx context.Context) SweepReport {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	now := r.now()
	report := SweepReport{StartedAt: now}
	for _, sess := range r.store.Snapshot() {
		if now.Sub(sess.CreatedAt) <= r.retention {
			continue
		}
		destroyed := r.destroy(ctx, sess.ID, models.DestroyExpired)
		if !destroyed.Existed {
			continue
		}
		report.Expired++
		report.FreedBytes += destroyed.FreedBytes()
		report.Errors = append(report.Errors, destroyed.Errors...)
	}

	orphans := r.store.SweepOrphans(now.Add(-r.retention))
	report.Orphans = len(orphans.Removed)
	report.Errors = append(report.Errors, orphans.Errors...)
	report.ErrorCount = len(report.Errors)
	report.Duration = r.now().Sub(now)

	r.mu.Lock()
	r.lastSweep = &report
	r.mu.Unlock()
	if r.bus != nil {
		r.bus.storeSweep(ctx, report)
	}
	if report.Expired > 0 || report.Orphans > 0 || len(report.Errors) > 0 {
		r.log.Info("sweep finished", "expired", report.Expired, "orphans", report.Orphans,
			"freed", humanize.Bytes(uint64(report.FreedBytes)), "errors", report.Errors)
	} else {
		r.log.Debug("sweep finished, nothing to remove")
	}
	return report
}

// Delete destroys id right away. Deleting an unknown or already destroyed
// session is a successful no-op.
func (r *Reaper) Delete(ctx context.Context, id string) models.DestroyReport {
	return r.destroy(ctx, id, models.DestroyExplicit)
}

// Signal applies a page lifecycle event. hidden and unload schedule
// destruction after the grace window, visible withdraws it. Unknown sessions
// are ignored.
func (r *Reaper) Signal(id string, ev Event) {
	switch ev {
	case EventVisible:
		r.cancelPending(id)
		r.store.Touch(id)
	case EventHidden, EventUnload:
		if !r.store.Exists(id) {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.pending[id]; ok {
			return
		}
		r.gen++
		gen := r.gen
		timer := r.afterFunc(r.grace, func() { r.fire(id, gen) })
		r.pending[id] = pendingUnload{timer: timer, gen: gen}
		r.log.Debug("unload scheduled", "session", id, "event", ev, "grace", r.grace)
	}
}

// Observe records request activity on id, which withdraws a pending unload.
func (r *Reaper) Observe(id string) {
	r.cancelPending(id)
	r.store.Touch(id)
}

func (r *Reaper) fire(id string, gen uint64) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok || p.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.destroy(ctx, id, models.DestroyUnload)
}

func (r *Reaper) cancelPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(r.pending, id)
	r.log.Debug("unload withdrawn", "session", id)
	return true
}

func (r *Reaper) stopPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
}

func (r *Reaper) destroy(ctx context.Context, id string, reason models.DestroyReason) models.DestroyReport {
	r.cancelPending(id)
	report := r.store.Destroy(id)
	report.Reason = reason
	if !report.Existed {
		return report
	}

	r.mu.Lock()
	hooks := append(([]func(models.DestroyReport))(nil), r.hooks...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(report)
	}

	r.metrics.ObserveDestroy(report)
	if err := r.journal.RecordCleanup(ctx, reason, report.FreedBytes()); err != nil {
		r.log.Warn("journal write failed", "err", err)
	}
	if r.bus != nil {
		r.bus.publishDestroyed(ctx, report, r.now())
	}
	if len(report.Errors) > 0 {
		r.log.Warn("session destroyed with leftovers", "session", id, "reason", reason, "errors", report.Errors)
	} else {
		r.log.Info("session destroyed", "session", id, "reason", reason, "freed", humanize.Bytes(uint64(report.FreedBytes())))
	}
	return report
}

func (r *Reaper) Stats() Stats {
	r.mu.Lock()
	pending := len(r.pending)
	var last *SweepReport
	if r.lastSweep != nil {
		cp := *r.lastSweep
		last = &cp
	}
	r.mu.Unlock()
	return Stats{
		StoreStats:     r.store.Stats(),
		PendingUnloads: pending,
		Retention:      r.retention.String(),
		SweepInterval:  r.interval.String(),
		UnloadGrace:    r.grace.String(),
		LastSweep:      last,
	}
}
