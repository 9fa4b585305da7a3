package reaper

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniconvert/internal/apperr"
	"uniconvert/internal/formats"
	"uniconvert/internal/logging"
	"uniconvert/internal/metrics"
	"uniconvert/internal/models"
	"uniconvert/internal/service/session"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fakeClock drives both the store's clock and the reaper's timers.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	var due []*fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired && !tm.at.After(t) {
			tm.fired = true
			due = append(due, tm)
		}
	}
	c.mu.Unlock()
	for _, tm := range due {
		tm.f()
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

type fixture struct {
	clock   *fakeClock
	fs      afero.Fs
	store   *session.Store
	reaper  *Reaper
	mu      sync.Mutex
	reports []models.DestroyReport
}

func newFixture(t *testing.T, retention, grace time.Duration) *fixture {
	t.Helper()
	f := &fixture{clock: newFakeClock(), fs: afero.NewMemMapFs()}
	f.store = session.New(session.Options{
		Fs:        f.fs,
		UploadDir: "/data/up",
		OutputDir: "/data/out",
		Now:       f.clock.Now,
		Logger:    logging.Discard(),
	})
	f.reaper = New(Options{
		Store:     f.store,
		Retention: retention,
		Interval:  30 * time.Minute,
		Grace:     grace,
		Logger:    logging.Discard(),
		Now:       f.clock.Now,
		AfterFunc: f.clock.AfterFunc,
	})
	f.reaper.OnDestroy(func(r models.DestroyReport) {
		f.mu.Lock()
		f.reports = append(f.reports, r)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) newSession(t *testing.T) string {
	t.Helper()
	id, err := f.store.CreateSession()
	require.NoError(t, err)
	det := formats.Detection{Kind: formats.Kind{Type: formats.TypeDocument, Format: formats.TXT}, MIME: "text/plain"}
	_, err = f.store.Put(id, "notes.txt", det, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	return id
}

func (f *fixture) destroyed() []models.DestroyReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DestroyReport(nil), f.reports...)
}

func TestSweepExpiresAfterRetention(t *testing.T) {
	f := newFixture(t, 120*time.Minute, 10*time.Second)
	t0 := f.clock.Now()
	id := f.newSession(t)

	for _, minute := range []int{30, 60, 90, 120} {
		f.clock.Set(t0.Add(time.Duration(minute) * time.Minute))
		report := f.reaper.SweepOnce(context.Background())
		assert.Zero(t, report.Expired, "minute %d", minute)
		assert.True(t, f.store.Exists(id), "minute %d", minute)
	}

	f.clock.Set(t0.Add(121 * time.Minute))
	report := f.reaper.SweepOnce(context.Background())
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, int64(5), report.FreedBytes)

	f.clock.Set(t0.Add(150 * time.Minute))
	_, err := f.store.Get(id, "notes.txt")
	assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))

	reports := f.destroyed()
	require.Len(t, reports, 1)
	assert.Equal(t, models.DestroyExpired, reports[0].Reason)
	assert.NotNil(t, f.reaper.Stats().LastSweep)
}

func TestSweepRemovesOldOrphans(t *testing.T) {
	f := newFixture(t, time.Hour, time.Second)
	live := f.newSession(t)
	orphan := filepath.Join("/data/out", "5d41402a-bc4b-4a76-b971-9d911017c592")
	require.NoError(t, f.fs.MkdirAll(orphan, 0o755))
	old := f.clock.Now().Add(-2 * time.Hour)
	require.NoError(t, f.fs.Chtimes(orphan, old, old))

	report := f.reaper.SweepOnce(context.Background())
	assert.Equal(t, 1, report.Orphans)
	assert.True(t, f.store.Exists(live))
	exists, err := afero.DirExists(f.fs, orphan)
	require.NoError(t, err)
	assert.False(t, exists)
}

// busyFs fails to remove every path under one root.
type busyFs struct {
	afero.Fs
	root string
}

func (f busyFs) RemoveAll(path string) error {
	if strings.HasPrefix(path, f.root+"/") {
		return errors.New("resource busy")
	}
	return f.Fs.RemoveAll(path)
}

func TestDeleteWithLockedOutputCountsCleanupErrors(t *testing.T) {
	fs := busyFs{Fs: afero.NewMemMapFs(), root: "/data/out"}
	store := session.New(session.Options{Fs: fs, UploadDir: "/data/up", OutputDir: "/data/out", Logger: logging.Discard()})
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	r := New(Options{Store: store, Retention: time.Hour, Interval: time.Hour, Grace: time.Second, Metrics: m, Logger: logging.Discard()})

	id, err := store.CreateSession()
	require.NoError(t, err)
	report := r.Delete(context.Background(), id)
	assert.True(t, report.Existed)
	require.Len(t, report.Errors, 1)
	assert.False(t, store.Exists(id))

	expected := `
# HELP uniconvert_cleanup_errors_total Paths that could not be deleted during cleanup.
# TYPE uniconvert_cleanup_errors_total counter
uniconvert_cleanup_errors_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "uniconvert_cleanup_errors_total"))

	sweep := r.SweepOnce(context.Background())
	assert.Equal(t, 0, sweep.Orphans)
	assert.Equal(t, 0, sweep.ErrorCount, "the abandoned output workspace is not retried")
}

func TestUnloadGraceWindow(t *testing.T) {
	f := newFixture(t, time.Hour, 10*time.Second)
	id := f.newSession(t)

	f.reaper.Signal(id, EventUnload)
	assert.Equal(t, 1, f.reaper.Stats().PendingUnloads)
	f.clock.Advance(5 * time.Second)
	assert.True(t, f.store.Exists(id))

	f.reaper.Signal(id, EventVisible)
	assert.Zero(t, f.reaper.Stats().PendingUnloads)
	f.clock.Advance(time.Minute)
	assert.True(t, f.store.Exists(id), "visible must withdraw the unload")

	f.reaper.Signal(id, EventHidden)
	f.reaper.Observe(id)
	f.clock.Advance(time.Minute)
	assert.True(t, f.store.Exists(id), "request activity must withdraw the unload")

	f.reaper.Signal(id, EventUnload)
	f.clock.Advance(10 * time.Second)
	assert.False(t, f.store.Exists(id))
	reports := f.destroyed()
	require.Len(t, reports, 1)
	assert.Equal(t, models.DestroyUnload, reports[0].Reason)
	assert.Zero(t, f.reaper.Stats().PendingUnloads)
}

func TestSignalIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Hour, 10*time.Second)
	id := f.newSession(t)

	f.reaper.Signal("unknown", EventUnload)
	assert.Zero(t, f.reaper.Stats().PendingUnloads)

	f.reaper.Signal(id, EventUnload)
	f.clock.Advance(4 * time.Second)
	f.reaper.Signal(id, EventHidden)
	assert.Equal(t, 1, f.reaper.Stats().PendingUnloads)

	// a repeated signal does not extend the window
	f.clock.Advance(6 * time.Second)
	assert.False(t, f.store.Exists(id))
	f.clock.Advance(time.Minute)
	assert.Len(t, f.destroyed(), 1)
}

func TestDeleteIsIdempotentAndCancelsUnload(t *testing.T) {
	f := newFixture(t, time.Hour, 10*time.Second)
	id := f.newSession(t)
	f.reaper.Signal(id, EventUnload)

	first := f.reaper.Delete(context.Background(), id)
	assert.True(t, first.Existed)
	assert.Equal(t, models.DestroyExplicit, first.Reason)
	assert.Equal(t, int64(5), first.FreedBytes())
	assert.Zero(t, f.reaper.Stats().PendingUnloads)

	second := f.reaper.Delete(context.Background(), id)
	assert.False(t, second.Existed)

	f.clock.Advance(time.Minute)
	assert.Len(t, f.destroyed(), 1, "hooks run once per live session")
}

func TestParseEvent(t *testing.T) {
	for _, s := range []string{"hidden", "unload", "visible"} {
		_, ok := ParseEvent(s)
		assert.True(t, ok, s)
	}
	_, ok := ParseEvent("pagehide")
	assert.False(t, ok)
}

func TestStartSweepsPeriodically(t *testing.T) {
	store := session.New(session.Options{Fs: afero.NewMemMapFs(), UploadDir: "/up", OutputDir: "/out", Logger: logging.Discard()})
	id, err := store.CreateSession()
	require.NoError(t, err)

	r := New(Options{Store: store, Retention: time.Nanosecond, Interval: 10 * time.Millisecond, Grace: time.Second, Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for store.Exists(id) {
		if time.Now().After(deadline) {
			t.Fatalf("session was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
