package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"geodaily/internal/autosolve"
	"geodaily/internal/catalog"
	"geodaily/internal/commands"
	"geodaily/internal/config"
	"geodaily/internal/configstore"
	"geodaily/internal/credentials"
	"geodaily/internal/daily"
	"geodaily/internal/geo"
	"geodaily/internal/notifier"
	"geodaily/internal/observability/metrics"
	"geodaily/internal/observability/ops"
	"geodaily/internal/runtime/supervisor"
	"geodaily/internal/storage"
	"geodaily/internal/transport"
	"geodaily/internal/transport/telegram"
	logx "geodaily/pkg/logx"
)

// App owns every long-lived component and their start/stop order.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	metrics *metrics.Metrics

	store   storage.Store
	configs *configstore.Store
	creds   *credentials.Manager
	remote  *geo.Client
	solver  *autosolve.Solver
	catalog *catalog.Service
	notif   *notifier.Service
	daily   *daily.Service
	adapter *telegram.Adapter
	disp    *commands.Dispatcher
	ops     *ops.Server

	updates chan transport.Update
}

// OpenStorage opens the configured document store. The CLI uses it for
// offline credential management.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// NewCredentials builds the credential manager: reload from storage first,
// then sign in with configured accounts.
func NewCredentials(ctx context.Context, cfg *config.Config, store storage.Store, log logx.Logger) (*credentials.Manager, error) {
	accounts, err := mapAccounts(cfg)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSpace(cfg.Geo.BaseURL)
	if base == "" {
		base = geo.DefaultBaseURL
	}
	auth := credentials.Chain{
		credentials.Reload{Store: store},
		credentials.Signin{BaseURL: base, Accounts: accounts},
	}
	return credentials.NewManager(ctx, store, auth, log)
}

func New(ctx context.Context, cfgPath string) (a *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	// Chat logging needs the adapter, so boot with it off and enable after.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logs, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	m := metrics.New()
	sup := supervisor.New(context.Background(), supervisor.WithLogger(comp("supervisor")))

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
			_ = logs.Close()
		}
	}()
	log.Info("storage opened", logx.String("driver", sc.Driver))

	configs, err := configstore.Open(ctx, store, configstore.Options{Log: comp("configstore"), Detach: sup})
	if err != nil {
		return nil, err
	}

	creds, err := NewCredentials(ctx, cfg, store, comp("credentials"))
	if err != nil {
		return nil, err
	}

	geoCfg, _ := mapGeo(cfg)
	remote, err := geo.New(geoCfg, creds, nil, comp("geo"), m)
	if err != nil {
		return nil, err
	}

	asCfg, _ := mapAutoSolve(cfg)
	solver := autosolve.New(remote, sup, asCfg, comp("autosolve"), m)

	catCfg, _ := mapCatalog(cfg)
	cat := catalog.New(remote, catCfg, comp("catalog"), m)

	tgCfg, _ := mapTelegram(cfg)
	ad, err := telegram.New(tgCfg, comp("telegram"))
	if err != nil {
		return nil, err
	}
	logs.SetSender(ad)
	logs.Apply(logCfg)
	configs.SetChecker(ad)

	nCfg, _ := mapNotifier(cfg)
	notif := notifier.New(nCfg, ad, comp("notifier"), m)

	dCfg, _ := mapDaily(cfg)
	dsvc, err := daily.New(dCfg, configs, remote, solver, notif, comp("daily"), m)
	if err != nil {
		return nil, err
	}

	disp := commands.NewDispatcher(ad, ad, cfg.Telegram.OwnerUserIDs, comp("commands"), m)
	cs, _ := mapCommands(cfg)
	handlers := commands.NewHandlers(commands.Deps{
		Configs:           configs,
		Daily:             dsvc,
		Remote:            remote,
		Maps:              cat,
		Credentials:       creds,
		Audit:             store,
		ChallengeCooldown: cs.Cooldown,
		DefaultTimeLimit:  cs.DefaultTimeLimit,
	}, disp)
	disp.Register(handlers.Commands()...)

	opsCfg, _ := mapOps(cfg)
	opsSrv := ops.New(opsCfg, comp("ops"), m, map[string]ops.Probe{
		"app":      sup.Snapshot,
		"telegram": func() supervisor.Snapshot { return ad.Supervisor().Snapshot() },
	})

	return &App{
		cfgm:    cfgm,
		sup:     sup,
		log:     log,
		logs:    logs,
		metrics: m,
		store:   store,
		configs: configs,
		creds:   creds,
		remote:  remote,
		solver:  solver,
		catalog: cat,
		notif:   notif,
		daily:   dsvc,
		adapter: ad,
		disp:    disp,
		ops:     opsSrv,
		updates: make(chan transport.Update, 256),
	}, nil
}

// Err returns the first fatal error recorded by the app supervisor.
func (a *App) Err() error { return a.sup.Err() }

// Start launches every loop on the app supervisor. Components run until Stop.
func (a *App) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	run := a.sup.Context()
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	if err := a.daily.Start(run); err != nil {
		return err
	}
	a.sup.Go("daily.reconcile", a.daily.RunReconcile)
	a.sup.Go("catalog.refresh", a.catalog.Run)
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.disp.DispatchLoop(c, a.updates)
	})
	a.ops.Reconfigure(run, mustOps(a.cfgm.Get()))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Time("next_alarm", a.daily.Next()))
	return nil
}

func mustOps(cfg *config.Config) ops.Config {
	oc, _ := mapOps(cfg)
	return oc
}

// apply live-applies a validated config. Sections read only at startup are reported.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))
	a.disp.SetOwners(next.Telegram.OwnerUserIDs)
	a.adapter.Apply(next.Telegram.AllowedChats)

	if dc, err := mapDaily(next); err == nil {
		if err := a.daily.Apply(dc); err != nil {
			a.log.Warn("daily config not applied", logx.Err(err))
		}
	}
	if nc, err := mapNotifier(next); err == nil {
		a.notif.Apply(nc)
	}
	a.ops.Reconfigure(ctx, mustOps(next))

	restart := config.RestartRequired(sections)
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		restart = append(restart, "telegram")
	}
	if prev.Daily.ChallengeCooldown != next.Daily.ChallengeCooldown || prev.Daily.DefaultTimeLimit != next.Daily.DefaultTimeLimit {
		restart = append(restart, "daily.commands")
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse dependency order. Every step is bounded
// so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("daily", 3*time.Second, func(c context.Context) error { a.daily.Stop(c); return nil })
	step("ops", time.Second, a.ops.Stop)
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 5*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
