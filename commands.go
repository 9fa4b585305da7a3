package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"uniconvert/internal/api"
	"uniconvert/internal/auth"
	"uniconvert/internal/config"
	"uniconvert/internal/engine"
	"uniconvert/internal/formats"
	"uniconvert/internal/logging"
	"uniconvert/internal/redis"
	"uniconvert/internal/service/reaper"
)

const shutdownTimeout = 15 * time.Second

type loader func() (*config.Config, *logging.Logger, error)

func newServeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the session reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.reaper.Start(ctx)

			if !strings.EqualFold(cfg.LogLevel, "debug") {
				gin.SetMode(gin.ReleaseMode)
			}
			router := gin.New()
			router.Use(gin.Recovery(), api.RequestLogger(log))
			handler := api.NewHandler(api.Options{
				Registry:       a.registry,
				Store:          a.store,
				Detector:       a.detector,
				Converter:      a.conv,
				Reaper:         a.reaper,
				Journal:        a.journal,
				Tools:          a.tools,
				Workers:        a.pool.Stats,
				Metrics:        promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}),
				MaxUploadBytes: cfg.MaxUploadBytes(),
				CORSOrigins:    cfg.CORSOrigins,
				Logger:         log,
			})
			handler.RegisterRoutes(router)

			srv := &http.Server{
				Addr:              cfg.ServerAddress,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("listening", "addr", cfg.ServerAddress, "uploads", cfg.UploadDir, "outputs", cfg.OutputDir,
					"retention", cfg.Retention(), "max_upload", humanize.Bytes(uint64(cfg.MaxUploadBytes())))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server stopped: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
}

func newSweepCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove workspaces older than the retention period and exit",
		Long: `Run one cleanup pass over the upload and output directories.

A fresh process owns no live sessions, so every workspace directory older than
the retention period is treated as left over from an earlier run and removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			report := a.reaper.SweepOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions and %d orphaned workspaces, freed %s\n",
				report.Expired, report.Orphans, humanize.Bytes(uint64(report.FreedBytes)))
			for _, e := range report.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "could not remove %s\n", e)
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("%d paths could not be removed", len(report.Errors))
			}
			return nil
		},
	}
}

func newFormatsCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "List supported formats, their targets and the external tools found",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			reg := formats.NewRegistry()
			for _, f := range reg.Formats() {
				kind, _ := reg.Lookup(f)
				fmt.Fprintf(out, "%-5s %-9s -> %s\n", f, kind.Type, strings.Join(reg.ValidTargets(kind.Type, f).Strings(), ", "))
			}
			fmt.Fprintln(out)
			tools := engine.Probe(cfg.Engines.Paths)
			available := tools.Availability()
			for _, name := range slices.Sorted(maps.Keys(available)) {
				state := "missing"
				if available[name] {
					state = tools.Path(name)
				}
				fmt.Fprintf(out, "%-10s %s\n", name, state)
			}
			return nil
		},
	}
}

func newSignalCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "signal <session-id> <hidden|unload|visible>",
		Short: "Relay a page lifecycle event to the running server over redis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return errors.New("redis is disabled; set redis.enabled in the config")
			}
			id, ok := auth.Canonical(args[0])
			if !ok {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			ev, ok := reaper.ParseEvent(strings.ToLower(args[1]))
			if !ok {
				return fmt.Errorf("unknown event %q", args[1])
			}
			rdb, err := redis.NewRedisClient(cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()
			return reaper.NewBus(rdb, log).PublishSignal(cmd.Context(), id, ev)
		},
	}
}
