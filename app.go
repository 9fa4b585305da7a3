package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"uniconvert/internal/config"
	"uniconvert/internal/engine"
	"uniconvert/internal/formats"
	"uniconvert/internal/logging"
	"uniconvert/internal/metrics"
	"uniconvert/internal/models"
	"uniconvert/internal/redis"
	"uniconvert/internal/service/convert"
	"uniconvert/internal/service/detector"
	"uniconvert/internal/service/reaper"
	"uniconvert/internal/service/session"
	"uniconvert/internal/storage"
	"uniconvert/internal/worker"
)

// app holds the wired service graph shared by the commands.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	db       *sql.DB
	rdb      *redis.Client
	journal  *storage.Journal
	registry *formats.Registry
	store    *session.Store
	detector *detector.Detector
	tools    engine.Tools
	pool     *worker.Dispatcher
	conv     *convert.Dispatcher
	reaper   *reaper.Reaper
	promReg  *prometheus.Registry
}

func newApp(cfg *config.Config, log *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	dbType := os.Getenv("UNICONVERT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Info("opening journal", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	if err := storage.Migrate(db, dbType); err != nil {
		a.close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.journal = storage.NewJournal(db, dbType)

	var bus *reaper.Bus
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.rdb = rdb
		bus = reaper.NewBus(rdb, log)
	}

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.promReg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a.registry = formats.NewRegistry()
	a.store = session.New(session.Options{
		Fs:             afero.NewOsFs(),
		UploadDir:      cfg.UploadDir,
		OutputDir:      cfg.OutputDir,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Logger:         log,
	})
	a.detector = detector.New(a.registry, a.store, log)

	a.tools = engine.Probe(cfg.Engines.Paths)
	if missing := a.tools.Missing(); len(missing) > 0 {
		log.Warn("external tools not found, dependent conversions are disabled", "missing", missing)
	}

	a.pool = worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.Workers.Min,
		MaxWorkers:  cfg.Workers.Max,
		QueueSize:   cfg.Workers.Queue,
		IdleTimeout: cfg.WorkerIdle(),
	})
	a.conv = convert.New(convert.Options{
		Registry:         a.registry,
		Store:            a.store,
		Table: convert.DefaultTable(a.tools, cfg.Engines.OCRLang, engine.Limits{
			MaxImagePixels: cfg.MaxImagePixels(),
			MaxDocxBody:    cfg.MaxDocxBytes(),
		}, engine.NewExecRunner(log)),
		Pool:             a.pool,
		Journal:          a.journal,
		Metrics:          m,
		Timeout:          cfg.ConversionTimeout(),
		BatchConcurrency: cfg.BatchConcurrency,
		Logger:           log,
	})
	a.reaper = reaper.New(reaper.Options{
		Store:     a.store,
		Retention: cfg.Retention(),
		Interval:  cfg.SweepInterval(),
		Grace:     cfg.UnloadGrace(),
		Journal:   a.journal,
		Metrics:   m,
		Bus:       bus,
		Logger:    log,
	})
	a.reaper.OnDestroy(func(r models.DestroyReport) { a.conv.CancelSession(r.SessionID) })

	if err := m.TrackStore(a.store.Stats); err != nil {
		a.close()
		return nil, err
	}
	if err := m.TrackQueue(
		func() int { return a.pool.Stats().Workers },
		func() int { return a.pool.Stats().Queued },
	); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
