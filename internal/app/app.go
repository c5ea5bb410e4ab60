// Package app composes the engine: storage, the calculation provider, the
// scheduler and its trigger backend, the periodic refresh and the summary
// projector. The HTTP layer and the CLI only talk to *App.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"prayerd/internal/cache"
	"prayerd/internal/calc"
	"prayerd/internal/config"
	"prayerd/internal/ics"
	"prayerd/internal/kv"
	appLog "prayerd/internal/log"
	"prayerd/internal/model"
	"prayerd/internal/schedule"
	"prayerd/internal/summary"
	"prayerd/internal/trigger"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	path      string
	overrides config.Overrides
	now       func() time.Time

	store       *kv.SQLite
	cache       *cache.Store
	provider    calc.Provider
	coordinator *schedule.Coordinator
	projector   *summary.Projector

	// memory mirrors every registration for inspection.
	memory     *trigger.Memory
	dispatcher *trigger.Dispatcher
	feed       *ics.FeedRegistrar

	mu  sync.RWMutex
	cfg *config.Config

	cronMu sync.Mutex
	cron   *cron.Cron
}

// Option customizes an App.
type Option func(*App)

// WithOverrides keeps command-line overrides in force across reloads and
// configuration updates. They are never saved to the file.
func WithOverrides(o config.Overrides) Option {
	return func(a *App) { a.overrides = o }
}

// New opens storage and builds the trigger backend selected by cfg. path is
// where configuration changes are saved. ctx bounds notifications sent by
// the dispatch backend.
func New(ctx context.Context, path string, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}

	store, err := kv.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &App{
		path:     path,
		now:      time.Now,
		store:    store,
		cache:    cache.New(store),
		provider: calc.NewAstronomical(),
		memory:   trigger.NewMemory(),
		cfg:      cfg.Clone(),
	}
	for _, opt := range opts {
		opt(a)
	}

	registrar, err := a.buildRegistrar(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.coordinator = schedule.NewCoordinator(
		schedule.NewRebuilder(schedule.NewScheduler(a.provider), registrar, a.cache),
	)
	a.projector = summary.New(a.provider, summary.LiveFunc(a.liveSite), store)

	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return a, nil
}

func (a *App) buildRegistrar(ctx context.Context, cfg *config.Config) (trigger.Registrar, error) {
	switch cfg.Triggers.Backend {
	case config.BackendMemory:
		return a.memory, nil

	case config.BackendICS:
		feed, err := ics.NewFeedRegistrar(cfg.Triggers.ICSPath, cfg.Triggers.FeedName)
		if err != nil {
			return nil, fmt.Errorf("ics backend: %w", err)
		}
		a.feed = feed
		return trigger.Mirror{Primary: feed, Record: a.memory}, nil

	case config.BackendDispatch, "":
		var n trigger.Notifier = trigger.LogNotifier{}
		if wp := cfg.WebPush; wp != nil {
			push, err := trigger.NewWebPushNotifier(trigger.WebPushConfig{
				VAPIDPublicKey:  wp.VAPIDPublicKey,
				VAPIDPrivateKey: wp.VAPIDPrivateKey,
				Contact:         wp.Contact,
				TTL:             wp.TTL,
				Subscriptions:   wp.Subscriptions,
			})
			if err != nil {
				return nil, err
			}
			n = push
			appLog.Info("web push delivery enabled", "subscriptions", len(wp.Subscriptions))
		}
		a.dispatcher = trigger.NewDispatcher(ctx, n)
		return trigger.Mirror{Primary: a.dispatcher, Record: a.memory}, nil

	default:
		return nil, fmt.Errorf("unknown trigger backend %q", cfg.Triggers.Backend)
	}
}

// Close releases storage and stops pending in-process timers.
func (a *App) Close() error {
	if a.dispatcher != nil {
		_ = a.dispatcher.CancelAll(context.Background())
	}
	a.stopCron()
	return a.store.Close()
}

// Config returns a deep copy of the active configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Clone()
}

// Request is the scheduling request for the active configuration. Now is
// left zero so each pass resolves the clock when it actually runs.
func (a *App) Request() schedule.Request {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return requestFor(a.cfg)
}

func requestFor(cfg *config.Config) schedule.Request {
	loc, err := cfg.TimeLocation()
	if err != nil {
		loc = time.Local
	}
	return schedule.Request{
		Coords:      cfg.Coordinates(),
		Calc:        cfg.Calc(),
		Notify:      cfg.Notify(),
		HorizonDays: cfg.HorizonDays,
		Location:    loc,
	}
}

func (a *App) liveSite() (summary.Site, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	coords := a.cfg.Coordinates()
	if coords == nil {
		return summary.Site{}, false
	}
	return summary.Site{
		City:     a.cfg.City,
		Coords:   *coords,
		Calc:     a.cfg.Calc(),
		Timezone: a.cfg.Timezone,
	}, true
}

// Run starts the periodic refresh, queues an initial rebuild and serves
// handler (if non-nil) until ctx is done.
func (a *App) Run(ctx context.Context, handler http.Handler) error {
	if err := a.startCron(); err != nil {
		return err
	}
	defer a.stopCron()

	a.coordinator.Trigger(a.Request())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.coordinator.Run(gctx)
	})

	if handler != nil {
		listen := a.Config().Listen
		srv := &http.Server{
			Addr:              listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(appLog.Logger().Handler(), slog.LevelError),
		}
		g.Go(func() error {
			appLog.Info("starting HTTP server", "listen", "http://"+listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Reschedule runs a rebuild pass now and waits for it.
func (a *App) Reschedule(ctx context.Context) (schedule.Result, error) {
	return a.coordinator.RebuildNow(ctx, a.Request())
}

// Preview builds the plan for the active configuration without touching
// the trigger backend.
func (a *App) Preview(ctx context.Context) (schedule.Plan, error) {
	return schedule.NewScheduler(a.provider).Build(ctx, a.Request())
}

// Plan returns the last applied plan and its result.
func (a *App) Plan() (schedule.Plan, schedule.Result, bool) {
	return a.coordinator.Rebuilder().Last()
}

// Triggers lists what is currently registered, in fire order.
func (a *App) Triggers() []trigger.Registration {
	return a.memory.Registered()
}

// Calendar returns the serialized feed when the ics backend is active.
func (a *App) Calendar() (string, bool) {
	if a.feed == nil {
		return "", false
	}
	return a.feed.Serialize(), true
}

// Summary projects the display snapshot for the current instant.
func (a *App) Summary(ctx context.Context) summary.Snapshot {
	return a.projector.Project(ctx, a.now())
}

// Next resolves the upcoming event for the configured location.
func (a *App) Next(_ context.Context) (schedule.Next, error) {
	req := a.Request()
	return schedule.NextEvent(a.provider, req.Coords, req.Calc, a.now().In(req.Location))
}

// Times returns days consecutive event sets starting today, served from the
// cache where possible.
func (a *App) Times(ctx context.Context, days int) (cache.RangeResult, error) {
	req := a.Request()
	if req.Coords == nil || !req.Coords.Valid() {
		return cache.RangeResult{}, model.ErrConfigurationMissing
	}
	from := model.DateOf(a.now().In(req.Location))
	return a.cache.Range(ctx, a.provider, *req.Coords, req.Calc, from, days)
}

// Reload re-reads the configuration file and applies it with the
// environment and command-line overrides on top.
func (a *App) Reload(ctx context.Context) error {
	file, err := config.Load(a.path)
	if err != nil {
		return err
	}
	cfg, err := a.effective(file)
	if err != nil {
		return err
	}
	return a.apply(ctx, cfg)
}

// effective layers the environment and the command-line overrides over a
// file config and validates the result.
func (a *App) effective(file *config.Config) (*config.Config, error) {
	cfg := file.Clone()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	a.overrides.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateConfig validates, persists and applies cfg. Secrets omitted from
// cfg (they are never serialized to API clients) are carried over from the
// file. Fields overridden by the environment or the command line keep their
// file value on disk and their override in the running config.
func (a *App) UpdateConfig(ctx context.Context, cfg *config.Config) error {
	cfg = cfg.Clone()
	cfg.Normalize()

	file, err := config.Load(a.path)
	if err != nil {
		var cerr *config.ConfigError
		if !errors.As(err, &cerr) {
			return fmt.Errorf("read config: %w", err)
		}
		appLog.Warn("config file is unreadable; it will be replaced", "path", a.path, "err", err)
		file = config.DefaultConfig()
	}
	carrySecrets(file, cfg)

	toSave, err := cfg.ForFile(file, a.overrides)
	if err != nil {
		return err
	}
	eff, err := a.effective(toSave)
	if err != nil {
		return err
	}
	if err := config.Save(a.path, toSave); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return a.apply(ctx, eff)
}

func carrySecrets(old, next *config.Config) {
	if old.WebPush != nil && next.WebPush != nil && next.WebPush.VAPIDPrivateKey == "" {
		next.WebPush.VAPIDPrivateKey = old.WebPush.VAPIDPrivateKey
	}
	if old.BasicAuth != nil && next.BasicAuth != nil && next.BasicAuth.Password == "" {
		next.BasicAuth.Password = old.BasicAuth.Password
	}
}

// apply swaps in cfg. Cached days are dropped when the location or the
// calculation settings change; a rebuild is queued when anything affecting
// the trigger set changes.
func (a *App) apply(ctx context.Context, cfg *config.Config) error {
	a.mu.Lock()
	old := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	if old.Triggers != cfg.Triggers {
		appLog.Warn("trigger backend settings changed; restart to apply",
			"backend", cfg.Triggers.Backend)
	}

	oldReq, newReq := requestFor(old), requestFor(cfg)
	if !sameSite(oldReq, newReq) {
		if err := a.cache.Clear(ctx); err != nil {
			appLog.Error("failed to clear prayer times cache", err)
		}
	}
	if schedule.SchedulingChanged(oldReq, newReq) {
		appLog.Info("scheduling inputs changed; queueing rebuild")
		a.coordinator.Trigger(newReq)
	}

	if old.RefreshCron != cfg.RefreshCron || old.Timezone != cfg.Timezone {
		a.stopCron()
		if err := a.startCron(); err != nil {
			return err
		}
	}
	return nil
}

func sameSite(a, b schedule.Request) bool {
	if a.Calc != b.Calc {
		return false
	}
	if a.Coords == nil || b.Coords == nil {
		return a.Coords == nil && b.Coords == nil
	}
	return *a.Coords == *b.Coords
}

// startCron schedules the periodic rebuild in the configured zone so the
// horizon keeps sliding past midnight.
func (a *App) startCron() error {
	cfg := a.Config()
	loc, err := cfg.TimeLocation()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	logger := cron.PrintfLogger(slog.NewLogLogger(appLog.Logger().Handler(), slog.LevelError))
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	if _, err := c.AddFunc(cfg.RefreshCron, func() {
		appLog.Debug("periodic refresh")
		a.coordinator.Trigger(a.Request())
	}); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", cfg.RefreshCron, err)
	}

	a.cronMu.Lock()
	a.cron = c
	a.cronMu.Unlock()

	c.Start()
	appLog.Info("periodic refresh scheduled", "refresh", cfg.RefreshCron, "timezone", loc.String())
	return nil
}

func (a *App) stopCron() {
	a.cronMu.Lock()
	c := a.cron
	a.cron = nil
	a.cronMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
