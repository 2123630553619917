package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/histsync/internal/audit"
	"github.com/basket/histsync/internal/bus"
	"github.com/basket/histsync/internal/config"
	"github.com/basket/histsync/internal/coordinator"
	"github.com/basket/histsync/internal/identity"
	"github.com/basket/histsync/internal/inference"
	otelPkg "github.com/basket/histsync/internal/otel"
	"github.com/basket/histsync/internal/persistence"
	"github.com/basket/histsync/internal/remote"
	"github.com/basket/histsync/internal/syncer"
	"github.com/basket/histsync/internal/telemetry"
)

// startupError carries a stable reason code for the audit trail.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func failStartup(code string, err error) error {
	return &startupError{code: code, err: err}
}

type appOptions struct {
	// quiet keeps logs out of stderr.
	quiet bool
	// coordinator builds the request coordinator and its collaborators.
	coordinator bool
}

// app holds everything a subcommand needs. Close releases it in reverse
// order of construction.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	machine identity.Machine
	bus     *bus.Bus
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	store   *persistence.Store
	syncer  *syncer.Syncer
	coord   *coordinator.Coordinator

	closers []func(context.Context) error
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, failStartup("E_CONFIG_LOAD", err)
	}
	return openAppWith(ctx, cfg, opts)
}

func openAppWith(ctx context.Context, cfg config.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, bus: bus.New()}
	defer func() {
		if err != nil {
			if a.logger != nil {
				a.logger.Error("startup failure", "error", err)
			}
			var se *startupError
			if errors.As(err, &se) {
				audit.Record(ctx, "fatal", "runtime.startup", se.code, se.err.Error())
			}
			_ = a.Close(context.Background())
		}
	}()

	// Audit first so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return a, failStartup("E_AUDIT_INIT", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return audit.Close() })

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return a, failStartup("E_LOGGER_INIT", err)
	}
	a.logger = logger
	a.closers = append(a.closers, func(context.Context) error { return closer.Close() })
	slog.SetDefault(logger)

	a.machine, err = identity.Load(cfg.HomeDir)
	if err != nil {
		return a, failStartup("E_IDENTITY", err)
	}

	a.otel, err = otelPkg.Init(ctx, cfg.Telemetry,
		otelPkg.AttrMachineID.String(a.machine.ID), otelPkg.AttrRole.String("client"))
	if err != nil {
		return a, failStartup("E_OTEL_INIT", err)
	}
	a.closers = append(a.closers, a.otel.Shutdown)
	a.metrics, err = otelPkg.NewMetrics(a.otel.Meter)
	if err != nil {
		return a, failStartup("E_OTEL_INIT", err)
	}

	a.store, err = persistence.Open(cfg.DBPath)
	if err != nil {
		return a, failStartup("E_STORE_OPEN", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	audit.SetDB(a.store.DB())
	a.closers = append(a.closers, func(context.Context) error { audit.SetDB(nil); return nil })

	recovered, err := a.store.RecoverInterrupted(ctx, a.machine.ID)
	if err != nil {
		return a, failStartup("E_RECOVERY_SCAN", err)
	}
	if len(recovered) > 0 {
		audit.Record(ctx, audit.DecisionAllow, audit.ActionRecovery,
			fmt.Sprintf("%d interrupted entries marked error", len(recovered)), a.machine.ID)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"machine_id", a.machine.ID, "recovered", len(recovered))

	if cfg.Remote.Endpoint != "" {
		client, err := remote.NewClient(cfg.Remote.Endpoint, cfg.Remote.Credential,
			time.Duration(cfg.Remote.TimeoutSeconds)*time.Second, remote.WithTracer(a.otel.Tracer))
		if err != nil {
			return a, failStartup("E_REMOTE_CLIENT", err)
		}
		a.syncer = syncer.New(syncer.Config{
			Store:     a.store,
			Remote:    client,
			MachineID: a.machine.ID,
			UserID:    cfg.UserID,
			Policy:    syncPolicy(cfg),
			Bus:       a.bus,
			Logger:    logger,
			Tracer:    a.otel.Tracer,
			Metrics:   a.metrics,
		})
	}

	if opts.coordinator {
		ccfg := coordinator.Config{
			MachineID:        a.machine.ID,
			UserID:           cfg.UserID,
			DefaultScope:     persistence.Scope(cfg.DefaultScope),
			WriteRetries:     cfg.Coordinator.WriteRetries,
			InferenceTimeout: cfg.Inference.Timeout(),
			Bus:              a.bus,
			Logger:           logger,
			Tracer:           a.otel.Tracer,
			Metrics:          a.metrics,
		}
		if len(cfg.Inference.Shortcuts) > 0 {
			m, err := inference.NewShortcutMatcher(cfg.Inference.Shortcuts)
			if err != nil {
				return a, failStartup("E_SHORTCUTS", err)
			}
			ccfg.Matcher = m
		}
		if cfg.Inference.Endpoint != "" {
			ccfg.Inferrer = inference.NewClient(cfg.Inference.Endpoint, cfg.Inference.APIKey,
				cfg.Inference.Model, cfg.Inference.Timeout(), a.otel.Tracer)
		}
		if a.syncer != nil {
			ccfg.Nudger = a.syncer
		}
		a.coord = coordinator.New(a.store, ccfg)
	}
	return a, nil
}

func syncPolicy(cfg config.Config) syncer.Policy {
	return syncer.Policy{
		Interval:      cfg.Sync.Interval(),
		MaxAttempts:   cfg.Sync.MaxAttempts,
		BackoffBase:   cfg.Sync.BackoffBase(),
		BackoffCap:    cfg.Sync.BackoffCap(),
		BatchSize:     cfg.Sync.BatchSize,
		PageSize:      cfg.Sync.PageSize,
		Debounce:      cfg.Sync.Debounce(),
		RemoteTimeout: time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
	}
}

// shutdown cancels in-flight requests and gives queued mutations one last
// chance to reach the remote. Undrained items stay queued for next start.
func (a *app) shutdown(ctx context.Context) {
	if a.coord != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.coord.Close(closeCtx); err != nil {
			a.logger.Warn("coordinator close", "error", err)
		}
		cancel()
	}
	if a.syncer != nil {
		remaining, err := a.syncer.FinalDrain(ctx, a.cfg.Sync.DrainTimeout())
		if err != nil {
			a.logger.Warn("final drain incomplete", "error", err, "remaining", remaining)
		} else if remaining > 0 {
			a.logger.Info("mutations left queued for next start", "remaining", remaining)
		}
	}
	if n := a.bus.Dropped(); n > 0 {
		a.logger.Debug("bus deliveries dropped", "count", n)
	}
	a.bus.Close()
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// reportStartup prints a startup failure for commands that have no logger.
func reportStartup(w io.Writer, err error) int {
	fmt.Fprintf(w, "histsync: %v\n", err)
	return 1
}
