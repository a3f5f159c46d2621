package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/stackrun/pkg/config"
	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/engine/clients"
	"github.com/openfroyo/stackrun/pkg/locks"
	"github.com/openfroyo/stackrun/pkg/policy"
	"github.com/openfroyo/stackrun/pkg/progress"
	"github.com/openfroyo/stackrun/pkg/project"
	"github.com/openfroyo/stackrun/pkg/stores"
	"github.com/openfroyo/stackrun/pkg/synth"
	"github.com/openfroyo/stackrun/pkg/telemetry"
)

// ErrRunFailed is returned when a run ends in the error state. The failure
// itself has already been rendered.
var ErrRunFailed = errors.New("run failed")

// app holds everything one CLI invocation needs to drive runs.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	services project.Services
	history  *stores.History
	out      io.Writer
	in       io.Reader

	closers []func(context.Context) error
}

// newApp loads the configuration and builds the services from it.
func newApp(ctx context.Context, opts *globalOptions, in io.Reader, out io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Telemetry.LogLevel = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryOptions(opts.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel, in: in, out: out}
	a.closers = append(a.closers, tel.Shutdown)

	if err := tel.StartMetricsServer(); err != nil {
		return nil, a.fail(fmt.Errorf("failed to start metrics server: %w", err))
	}

	logger := *tel.Logger.Zerolog()

	serviceOpts := []project.ServiceOption{
		project.WithAnnotationPrinter(synth.NewPrinter(logger)),
	}

	gate, err := policy.NewEngine(logger)
	if err != nil {
		return nil, a.fail(err)
	}
	if paths := cfg.PolicyPaths(); len(paths) > 0 {
		if err := gate.LoadPolicies(ctx, paths); err != nil {
			return nil, a.fail(err)
		}
	}
	serviceOpts = append(serviceOpts, project.WithPlanPolicy(gate))

	locker, err := a.locker(ctx)
	if err != nil {
		return nil, a.fail(err)
	}
	serviceOpts = append(serviceOpts, project.WithLocker(locker))

	if path := cfg.HistoryPath(); path != "" {
		store, err := openStore(ctx, path)
		if err != nil {
			return nil, a.fail(err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.history = stores.NewHistory(store, logger)
	}

	factory := clients.New(cfg.Clients(), logger)
	a.services = project.NewServices(project.ServiceConfig{
		Command:    cfg.App,
		OutDir:     cfg.Output,
		WorkingDir: cfg.Dir,
		LockTTL:    cfg.Lock.TTL,
	}, synth.New(logger, cfg.Environ()...), factory, serviceOpts...)

	return a, nil
}

func (a *app) locker(ctx context.Context) (project.Locker, error) {
	if a.cfg.Lock.RedisAddr == "" {
		return locks.NewMemoryLocker(), nil
	}
	client, err := locks.DialRedis(ctx, a.cfg.Lock.RedisAddr)
	if err != nil {
		return nil, engine.NewExternalError("failed to connect to the lock server", err).
			WithCode(engine.ErrCodeLockHeld)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return locks.NewRedisLocker(client, locks.DefaultPrefix), nil
}

// openStore opens and migrates the history database.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path != stores.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// fail closes whatever was opened so far and returns err.
func (a *app) fail(err error) error {
	if cerr := a.Close(); cerr != nil {
		return multierror.Append(err, cerr)
	}
	return err
}

// Close releases resources in reverse order of creation.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

// run drives one machine run, rendering progress and recording history.
// A run that ends in the error state returns ErrRunFailed.
func (a *app) run(ctx context.Context, start project.StartEvent, r *renderer) (project.Snapshot, error) {
	return a.runTo(ctx, start, r, a.out)
}

// runTo is run with the result summary written to out.
func (a *app) runTo(ctx context.Context, start project.StartEvent, r *renderer, out io.Writer) (project.Snapshot, error) {
	ctx = a.tel.WithContext(ctx)
	runID := uuid.New().String()
	logger := a.tel.Logger.WithRunID(runID)

	pub := progress.NewPublisher(progress.Config{Async: true}, runID)
	pub.Subscribe(r, nil)
	// Engine stderr also goes to the structured log, which may be a file.
	pub.Subscribe(progress.ObserverFunc(func(e progress.Event) {
		logger.Zerolog().Debug().Str("stack", e.StackName).Str("state", e.StateName).Msg(e.Message)
	}), progress.FilterErrors())

	opts := []project.Option{
		project.WithRunID(runID),
		project.WithObserver(pub),
		project.WithLogger(a.tel.Logger),
		project.WithMetrics(a.tel.Metrics),
		project.WithTracer(a.tel.Tracer),
	}

	approver := &promptApprover{in: a.in, out: a.out}
	if a.history != nil {
		if err := a.history.Begin(ctx, runID, start); err != nil {
			logger.Zerolog().Warn().Err(err).Msg("Failed to record run start")
		} else {
			pub.Subscribe(a.history.Observer(runID), nil)
			opts = append(opts, project.WithTransitionHook(a.history.Hook(runID)))
			approver.recorder = func(ctx context.Context, approved bool) {
				if err := a.history.Approval(ctx, runID, currentUser(), approved); err != nil {
					logger.Zerolog().Warn().Err(err).Msg("Failed to record approval")
				}
			}
		}
	}

	snap, runErr := project.Run(ctx, a.services, start, approver, opts...)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Shutdown(shutdownCtx); err != nil {
		logger.Zerolog().Warn().Err(err).Msg("Failed to flush progress events")
	}

	if a.history != nil {
		if err := a.history.Finish(shutdownCtx, runID, snap, runErr); err != nil && !errors.Is(err, stores.ErrNotFound) {
			logger.Zerolog().Warn().Err(err).Msg("Failed to record run result")
		}
	}

	if err := renderResult(out, r.json, runID, snap); err != nil {
		return snap, err
	}
	if runErr != nil {
		return snap, runErr
	}
	if snap.State == project.StateError {
		return snap, ErrRunFailed
	}
	return snap, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
