// Package convert validates conversion requests, picks a capability and
// publishes the result into the session's output workspace.
package convert

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"uniconvert/internal/apperr"
	"uniconvert/internal/formats"
	"uniconvert/internal/logging"
	"uniconvert/internal/metrics"
	"uniconvert/internal/models"
	"uniconvert/internal/service/session"
	"uniconvert/internal/storage"
	"uniconvert/internal/worker"
)

const defaultBatchConcurrency = 4

var errJobDropped = errors.New("conversion job dropped")

// Store is the slice of the session store conversions need.
type Store interface {
	Exists(id string) bool
	Input(id, name string) (models.FileRecord, error)
	Open(id, path string) (afero.File, error)
	CommitOutput(id, name string, det formats.Detection, write func(io.Writer) error) (models.FileRecord, error)
}

// Pool runs jobs keyed by session. *worker.Dispatcher satisfies it.
type Pool interface {
	Submit(ctx context.Context, job worker.Job) error
	Cancel(key string)
}

type Options struct {
	Registry *formats.Registry
	Store    Store
	Table    *Table
	// Pool is optional; without it conversions run on the caller's goroutine.
	Pool             Pool
	Journal          *storage.Journal
	Metrics          *metrics.Metrics
	Timeout          time.Duration
	BatchConcurrency int
	Logger           *logging.Logger
}

type Dispatcher struct {
	registry *formats.Registry
	store    Store
	table    *Table
	pool     Pool
	journal  *storage.Journal
	metrics  *metrics.Metrics
	timeout  time.Duration
	batch    int
	log      *logging.Logger
}

func New(opts Options) *Dispatcher {
	batch := opts.BatchConcurrency
	if batch <= 0 {
		batch = defaultBatchConcurrency
	}
	return &Dispatcher{
		registry: opts.Registry,
		store:    opts.Store,
		table:    opts.Table,
		pool:     opts.Pool,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		timeout:  opts.Timeout,
		batch:    batch,
		log:      logging.OrDefault(opts.Logger).With("component", "convert"),
	}
}

// DownloadURL is the API path serving an output file.
func DownloadURL(sessionID, filename string) string {
	return "/api/download/" + url.PathEscape(sessionID) + "/" + url.PathEscape(filename)
}

// Capabilities lists the registered capabilities and whether each can run.
func (d *Dispatcher) Capabilities() []CapabilityInfo {
	return d.table.Describe()
}

// CancelSession drops conversions of id still waiting for a worker. Running
// ones notice the destroyed session when they publish their output.
func (d *Dispatcher) CancelSession(id string) {
	if d.pool != nil {
		d.pool.Cancel(id)
	}
}

type outcome struct {
	rec        models.FileRecord
	capability string
	degraded   bool
}

// Convert turns one input file of a session into target. The result always
// describes the outcome; err is the classified failure, if any.
func (d *Dispatcher) Convert(ctx context.Context, id, filename string, target formats.Format) (models.ConversionResult, error) {
	res := models.ConversionResult{SourceFilename: filename, Target: target}
	in, err := d.store.Input(id, filename)
	if err != nil {
		return fail(res, err), err
	}
	src := in.Kind.Format

	start := time.Now()
	out, err := d.convert(ctx, id, in, target)
	elapsed := time.Since(start)
	d.record(src, target, out, err, elapsed)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			d.log.Error("conversion failed", "session", id, "file", filename, "target", target, "err", err)
		} else {
			d.log.Info("conversion rejected", "session", id, "file", filename, "target", target, "err", err)
		}
		return fail(res, err), err
	}

	d.log.Info("conversion finished", "session", id, "file", filename, "output", out.rec.StoredName,
		"capability", out.capability, "degraded", out.degraded, "elapsed", elapsed)
	res.Success = true
	res.Output = &out.rec
	res.DownloadURL = DownloadURL(id, out.rec.StoredName)
	res.Capability = out.capability
	res.Degraded = out.degraded
	return res, nil
}

func (d *Dispatcher) convert(ctx context.Context, id string, in models.FileRecord, target formats.Format) (outcome, error) {
	src := in.Kind.Format
	if !d.registry.ValidTargets(in.Kind.Type, src).Has(target) {
		return outcome{}, apperr.New(apperr.KindUnsupportedConversion, "cannot convert %s to %q", src, target)
	}
	capability, degraded, err := d.table.Select(d.registry, src, target)
	if err != nil {
		return outcome{}, err
	}

	var out outcome
	err = d.run(ctx, id, func(ctx context.Context) error {
		rec, err := d.execute(ctx, id, in, target, capability)
		out = outcome{rec: rec, capability: capability.Name(), degraded: degraded}
		return err
	})
	if errors.Is(err, errJobDropped) {
		if !d.store.Exists(id) {
			return outcome{}, apperr.ErrSessionNotFound
		}
		return outcome{}, apperr.Wrap(apperr.KindInternal, err, "conversion was not run")
	}
	if err != nil {
		return outcome{}, err
	}
	return out, nil
}

// run executes fn on the worker pool under the session's key and waits for it.
func (d *Dispatcher) run(ctx context.Context, id string, fn func(context.Context) error) error {
	if d.pool == nil {
		return fn(ctx)
	}
	done := make(chan error, 1)
	send := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	job := worker.Job{
		Key:  id,
		Run:  func() { send(fn(ctx)) },
		Drop: func() { send(errJobDropped) },
	}
	if err := d.pool.Submit(ctx, job); err != nil {
		if errors.Is(err, worker.ErrStopped) {
			return apperr.Wrap(apperr.KindInternal, err, "service is shutting down")
		}
		return apperr.Wrap(apperr.KindConversionFailed, err, "conversion cancelled")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// a queued job sees the cancelled context and returns at once
		return apperr.Wrap(apperr.KindConversionFailed, ctx.Err(), "conversion cancelled")
	}
}

func (d *Dispatcher) execute(ctx context.Context, id string, in models.FileRecord, target formats.Format, capability Capability) (models.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.FileRecord{}, apperr.Wrap(apperr.KindConversionFailed, err, "conversion cancelled")
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	f, err := d.store.Open(id, in.StoredPath)
	if err != nil {
		return models.FileRecord{}, err
	}
	defer f.Close()

	kind, _ := d.registry.Lookup(target)
	det := formats.Detection{Kind: kind, MIME: d.registry.MIME(target)}
	name := session.Stem(in.StoredName) + "." + string(target)

	rec, err := d.store.CommitOutput(id, name, det, func(w io.Writer) error {
		if err := capability.Convert(ctx, f, in.Kind.Format, target, w); err != nil {
			return &engineError{err: err}
		}
		return nil
	})
	if err == nil {
		return rec, nil
	}
	var ee *engineError
	if !errors.As(err, &ee) {
		return models.FileRecord{}, err
	}
	return models.FileRecord{}, d.classify(ctx, id, ee.err)
}

// engineError marks failures raised by a capability, as opposed to the store.
type engineError struct{ err error }

func (e *engineError) Error() string { return e.err.Error() }
func (e *engineError) Unwrap() error { return e.err }

func (d *Dispatcher) classify(ctx context.Context, id string, err error) error {
	if !d.store.Exists(id) {
		return apperr.ErrSessionNotFound
	}
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindConversionFailed, err, "conversion timed out after %s", d.timeout)
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindConversionFailed, err, "conversion cancelled")
	}
	// engine errors carry temp paths and tool stderr; they stay in Err for the log
	return apperr.Wrap(apperr.KindConversionFailed, err, "conversion failed: the file could not be converted")
}

func (d *Dispatcher) record(src, target formats.Format, out outcome, err error, elapsed time.Duration) {
	result := storage.OutcomeSuccess
	switch {
	case err != nil:
		result = string(apperr.KindOf(err))
	case out.degraded:
		result = storage.OutcomeDegraded
	}
	label := target
	if _, ok := d.registry.Lookup(target); !ok {
		label = "unknown"
	}
	d.metrics.ObserveConversion(string(src), string(label), result, out.capability, elapsed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.journal.RecordConversion(ctx, src, label, result, elapsed); err != nil {
		d.log.Warn("journal write failed", "err", err)
	}
}

// ConvertBatch converts several inputs of one session to the same target,
// concurrently. Results follow the order of filenames; one failure never
// aborts the others.
func (d *Dispatcher) ConvertBatch(ctx context.Context, id string, filenames []string, target formats.Format) ([]models.ConversionResult, error) {
	if !d.store.Exists(id) {
		return nil, apperr.ErrSessionNotFound
	}
	results := make([]models.ConversionResult, len(filenames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.batch)
	for i, name := range filenames {
		g.Go(func() error {
			results[i], _ = d.Convert(gctx, id, name, target)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func fail(res models.ConversionResult, err error) models.ConversionResult {
	e := apperr.As(err)
	res.Success = false
	res.Error = &models.ErrorDescriptor{Kind: string(e.Kind), Message: e.Message}
	return res
}
