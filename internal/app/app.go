// Package app assembles the crawler and runs it as a long-lived process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"twicorder/internal/config"
	"twicorder/internal/eventbus"
	"twicorder/internal/expand"
	"twicorder/internal/ratelimit"
	"twicorder/internal/runtime/supervisor"
	"twicorder/internal/sink"
	"twicorder/internal/storage"
	"twicorder/internal/task"
	"twicorder/internal/task/executor"
	"twicorder/internal/task/generators"
	"twicorder/internal/task/scheduler"
	"twicorder/internal/twitter"
	logx "twicorder/pkg/logx"
)

const (
	defaultStoragePath = "appdata/twicorder.db"
	defaultOutDir      = "output"
	defaultTaskFile    = "tasks.yaml"
	defaultRetention   = 336 * time.Hour // twice the search API's 7-day reach
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	logs  *logx.Service
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	limits *ratelimit.Tracker
	client *twitter.Client
	out    *sink.Sink
	exec   *executor.Executor
	sched  *scheduler.Scheduler
	gens   []generators.Generator

	projectDir string
}

// New loads configuration and wires every component. The appdata store is
// not optional: if it cannot be opened the process must not crawl, so the
// error propagates to main and the process exits non-zero.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	projectDir := cfg.ProjectDir
	if projectDir == "" {
		if projectDir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}

	logs, log := logx.New(mapLoggingConfig(cfg.Logging, projectDir))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storePath := cfg.Storage.Path
	if storePath == "" {
		storePath = defaultStoragePath
	}
	if !filepath.IsAbs(storePath) {
		storePath = filepath.Join(projectDir, storePath)
	}
	store, err := storage.Open(storage.Config{
		Path:        storePath,
		BusyTimeout: config.ParseDuration(cfg.Storage.BusyTimeout, 0),
		OpTimeout:   config.ParseDuration(cfg.Storage.OpTimeout, 5*time.Second),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open appdata store: %w", err)
	}

	a := &App{
		cfgm:       cfgm,
		cfg:        cfg,
		logs:       logs,
		log:        log,
		bus:        eventbus.New(),
		store:      store,
		limits:     ratelimit.NewTracker(),
		projectDir: projectDir,
	}
	a.client = twitter.NewClient(cfg.Client, cfg.Credentials, log.With(logx.String("comp", "client")))

	outDir := cfg.OutDir
	if outDir == "" {
		outDir = defaultOutDir
	}
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(projectDir, outDir)
	}
	a.out = sink.New(sink.Config{Root: outDir}, log.With(logx.String("comp", "sink")))

	var expander *expand.Expander
	if cfg.Expansion.Enabled {
		expander = expand.New(
			a.client, store,
			config.ParseDuration(cfg.Expansion.LookupInterval, 15*time.Minute),
			log.With(logx.String("comp", "expand")),
		)
	}

	a.exec = executor.New(
		a.client, store, a.out, a.limits, expander, a.bus,
		executor.Options{
			RetryMax:      cfg.Executor.RetryMax,
			RetryBase:     config.ParseDuration(cfg.Executor.RetryBase, time.Second),
			RetryMaxDelay: config.ParseDuration(cfg.Executor.RetryMaxDelay, 15*time.Minute),
		},
		log.With(logx.String("comp", "executor")),
	)

	a.sched = scheduler.New(a.exec, a.bus, scheduler.Options{
		Concurrency:   cfg.Scheduler.Concurrency,
		TickInterval:  config.ParseDuration(cfg.Scheduler.TickInterval, 15*time.Second),
		ShutdownGrace: config.ParseDuration(cfg.Scheduler.ShutdownGrace, 30*time.Second),
		OnDone:        a.markTaskgenDone,
	}, log.With(logx.String("comp", "scheduler")))

	if err := a.buildGenerators(); err != nil {
		store.Close()
		logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildGenerators() error {
	decls := a.cfg.Generators
	if len(decls) == 0 {
		decls = []config.GeneratorConfig{{Name: "config"}}
	}
	taskFile := a.cfg.TaskFile
	if taskFile == "" {
		taskFile = defaultTaskFile
	}
	deps := generators.Deps{
		Store:      a.store,
		ProjectDir: a.projectDir,
		TaskFile:   taskFile,
		Log:        a.log.With(logx.String("comp", "taskgen")),
	}
	for _, decl := range decls {
		gen, err := generators.New(decl.Name, deps, decl.Kwargs)
		if err != nil {
			return err
		}
		a.gens = append(a.gens, gen)
	}
	return nil
}

// markTaskgenDone records a finished per-user task in the generator
// bookkeeping, so the user is not crawled again in a later session.
func (a *App) markTaskgenDone(spec task.Spec) {
	if spec.Taskgen != "user_timeline" {
		return
	}
	id := spec.Args["user_id"]
	if id == "" {
		id = spec.Args["screen_name"]
	}
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.MarkGeneratorIDs(ctx, spec.Taskgen, []string{id}, time.Now()); err != nil {
		a.log.Warn("record finished taskgen id", logx.String("id", id), logx.Err(err))
	}
}

// refresh runs every generator and admits the produced tasks. A single
// failing generator only warns; refresh errors when no generator produced
// anything and the pool is empty, which means there is nothing to crawl.
func (a *App) refresh(ctx context.Context) error {
	produced := false
	for _, gen := range a.gens {
		specs, err := gen.Generate(ctx)
		if err != nil {
			a.log.Warn("task generator failed",
				logx.String("generator", gen.Name()),
				logx.Err(err),
			)
			continue
		}
		added, err := a.sched.AdmitAll(specs)
		if err != nil {
			return err
		}
		produced = produced || len(specs) > 0
		if added > 0 {
			a.log.Info("tasks admitted",
				logx.String("generator", gen.Name()),
				logx.Int("new", added),
				logx.Int("total", len(specs)),
			)
		}
	}
	if !produced && len(a.sched.Snapshot()) == 0 {
		return errors.New("no tasks to run")
	}
	return nil
}

// Run starts every service and blocks until shutdown. It returns nil on a
// clean stop (signal, or all bounded tasks settled) and an error when a
// component failed.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	if err := a.refresh(sup.Context()); err != nil {
		a.shutdownStores()
		return err
	}

	cr := cron.New()
	if err := a.scheduleMaintenance(cr); err != nil {
		a.shutdownStores()
		return err
	}
	cr.Start()

	sup.Go("scheduler", a.sched.Run)
	sup.GoRestart("config-watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, time.Minute),
	)
	sup.Go0("config-apply", a.applyConfigUpdates)
	sup.Go0("settle-watch", func(ctx context.Context) {
		a.watchSettled(ctx, sup.Cancel)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("twicorder started",
		logx.Int("generators", len(a.gens)),
		logx.Int("tasks", len(a.sched.Snapshot())),
	)

	<-sup.Context().Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := sup.Stop(stopCtx)

	cronCtx := cr.Stop()
	select {
	case <-cronCtx.Done():
	case <-stopCtx.Done():
	}

	a.shutdownStores()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// scheduleMaintenance registers background housekeeping: dedup-store pruning
// and, when configured, periodic task generator refresh.
func (a *App) scheduleMaintenance(cr *cron.Cron) error {
	pruneSpec := a.cfg.Maintenance.PruneSchedule
	if pruneSpec == "" {
		pruneSpec = "@hourly"
	}
	retention := config.ParseDuration(a.cfg.Maintenance.Retention, defaultRetention)
	if _, err := cr.AddFunc(pruneSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := a.store.PruneSeen(ctx, time.Now().Add(-retention))
		if err != nil {
			a.log.Warn("prune seen hashes", logx.Err(err))
			return
		}
		if n > 0 {
			a.log.Info("pruned seen hashes", logx.Int64("removed", n))
		}
	}); err != nil {
		return fmt.Errorf("bad prune schedule %q: %w", pruneSpec, err)
	}

	if spec := a.cfg.Maintenance.RefreshSchedule; spec != "" {
		if _, err := cr.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.refresh(ctx); err != nil {
				a.log.Warn("task refresh", logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("bad refresh schedule %q: %w", spec, err)
		}
	}
	return nil
}

// applyConfigUpdates consumes committed config changes. Only logging applies
// hot; everything else is wiring and takes effect on restart.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(mapLoggingConfig(cfg.Logging, a.projectDir))
			a.log.Info("configuration reloaded; non-logging changes apply on restart")
		}
	}
}

// watchSettled stops the process once every admitted task reached a terminal
// state. Pools with any unbounded task never settle, so a recording daemon
// keeps running.
func (a *App) watchSettled(ctx context.Context, stop func()) {
	interval := config.ParseDuration(a.cfg.Scheduler.TickInterval, 15*time.Second)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if a.sched.AllSettled() {
				a.log.Info("all tasks settled, shutting down")
				stop()
				return
			}
		}
	}
}

func (a *App) shutdownStores() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close appdata store", logx.Err(err))
	}
	a.logs.Close()
}

func mapLoggingConfig(lc config.LoggingConfig, projectDir string) logx.Config {
	path := lc.File.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(projectDir, path)
	}
	return logx.Config{
		Level: lc.Level,
		// Console stays on unless file logging alone was asked for.
		Console: lc.Console || !lc.File.Enabled,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    path,
		},
	}
}

// validateConfig rejects configs the process could not start with. Runs
// before commit on every reload, so a bad edit keeps the last good config.
func validateConfig(ctx context.Context, cfg *config.Config) error {
	if cfg.Scheduler.Concurrency < 0 {
		return errors.New("scheduler.concurrency must not be negative")
	}
	for _, g := range cfg.Generators {
		found := false
		for _, name := range generators.Names() {
			if g.Name == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown task generator %q", g.Name)
		}
	}
	return nil
}
