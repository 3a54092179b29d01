package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyhub/internal/auth"
	"notifyhub/internal/cluster"
	"notifyhub/internal/config"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/eventbus"
	"notifyhub/internal/handler"
	"notifyhub/internal/observability/admin"
	"notifyhub/internal/ratelimit"
	"notifyhub/internal/registry"
	rtsup "notifyhub/internal/runtime/supervisor"
	"notifyhub/internal/session"
	"notifyhub/internal/storage"
	"notifyhub/internal/transport/ws"
	"notifyhub/pkg/logx"
)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	serverID string
	session  sessionTiming

	registry   *registry.Registry
	limiter    *ratelimit.Service
	dispatcher *dispatch.Dispatcher
	handlers   *handler.Registry
	auth       auth.Authenticator
	tracker    *session.Tracker
	sweeper    *session.Sweeper
	forwarder  *cluster.Forwarder
	router     *cluster.Router
	ws         *ws.Server
	admin      *admin.Service

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
}

type options struct {
	getenv func(string) string
}

type Option func(*options)

// WithGetenv replaces os.Getenv for NOTIFYHUB_* overrides.
func WithGetenv(fn func(string) string) Option { return func(o *options) { o.getenv = fn } }

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfgm := NewConfigManager(cfgPath, o.getenv)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, store: store}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	a.serverID = strings.TrimSpace(cfg.Server.ServerID)
	if a.serverID == "" {
		a.serverID = uuid.NewString()
	}

	rlc, err := mapRateLimitConfig(cfg)
	if err != nil {
		return err
	}
	a.limiter, err = ratelimit.New(rlc, a.store, a.log)
	if err != nil {
		return err
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.registry = registry.New()
	a.dispatcher = dispatch.New(dc, a.registry, a.limiter, a.log, dispatch.WithBus(a.bus))
	a.handlers = handler.New(a.log)

	a.auth, err = auth.New(mapAuthConfig(cfg))
	if err != nil {
		return err
	}

	if cfg.Session.Enabled {
		if a.session, err = mapSessionConfig(cfg); err != nil {
			return err
		}
		a.tracker = session.New(a.store, a.log)
		a.sweeper = session.NewSweeper(a.store, a.log, a.bus)
	}

	wc, err := mapServerConfig(cfg, a.serverID)
	if err != nil {
		return err
	}
	a.ws = ws.NewServer(wc, ws.Deps{
		Auth:       a.auth,
		Registry:   a.registry,
		Handlers:   a.handlers,
		Tracker:    a.tracker,
		SessionTTL: a.session.TTL,
		Bus:        a.bus,
	}, a.log)

	if cfg.Cluster.Forward {
		rs, ok := a.store.(*storage.Redis)
		if !ok {
			return errors.New("cluster.forward requires store.driver=redis")
		}
		a.forwarder = cluster.NewForwarder(rs.Client(), cfg.Cluster.Channel, a.serverID, a.log)
	}
	if a.tracker != nil {
		a.router = &cluster.Router{
			ServerID:  a.serverID,
			Tracker:   a.tracker,
			Forwarder: a.forwarder,
			IsLocal:   a.ws.IsLocal,
			Local:     a.ws.SendTo,
		}
	}

	a.admin = admin.New(mapAdminConfig(cfg), a.log,
		admin.WithStats(func() any { return a.Stats() }),
		admin.WithHealth(a.Healthy),
	)
	return nil
}

// Dispatcher sends notifications to connected users.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Handlers is where embedders register inbound message types.
func (a *App) Handlers() *handler.Registry { return a.handlers }

func (a *App) Registry() *registry.Registry { return a.registry }

func (a *App) ServerID() string { return a.serverID }

// Addr is the bound listener address once Start has returned.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// SendToClient delivers one frame to a single connection on whichever
// instance owns it. Without session tracking only local connections are
// reachable.
func (a *App) SendToClient(ctx context.Context, clientID, messageType string, payload any) (session.RouteKind, error) {
	frame, err := dispatch.Encode(messageType, payload, time.Now())
	if err != nil {
		return session.RouteUndeliverable, err
	}
	if a.router != nil {
		return a.router.SendToClient(ctx, clientID, frame)
	}
	if !a.ws.IsLocal(clientID) {
		return session.RouteUndeliverable, cluster.ErrUndeliverable
	}
	return session.RouteLocal, a.ws.SendTo(ctx, clientID, frame)
}

// Healthy fails after a fatal supervisor error or when the store is unreachable.
func (a *App) Healthy(ctx context.Context) error {
	if err := a.Err(); err != nil {
		return err
	}
	return a.store.Ping(ctx)
}

type Stats struct {
	ServerID      string         `json:"server_id"`
	Dispatch      dispatch.Stats `json:"dispatch"`
	Forwarder     *cluster.Stats `json:"forwarder,omitempty"`
	EventsDropped uint64         `json:"events_dropped"`
	Supervisor    rtsup.Snapshot `json:"supervisor"`
	Handlers      []string       `json:"handlers"`
}

func (a *App) Stats() Stats {
	st := Stats{
		ServerID:      a.serverID,
		Dispatch:      a.dispatcher.Stats(),
		EventsDropped: a.bus.Dropped(),
		Supervisor:    a.sup.Snapshot(),
		Handlers:      a.handlers.Types(),
	}
	if a.forwarder != nil {
		fs := a.forwarder.Stats()
		st.Forwarder = &fs
	}
	return st
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapRateLimitConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if cfg.Session.Enabled {
			if _, err := mapSessionConfig(cfg); err != nil {
				return err
			}
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	cfg := a.cfgm.Get()
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	srv := &http.Server{Handler: a.ws.Handler(), ReadHeaderTimeout: 10 * time.Second}
	a.mu.Lock()
	a.ln, a.http = ln, srv
	a.mu.Unlock()

	run := a.sup.Context()
	a.dispatcher.Bridge().Start(run)

	if a.tracker != nil {
		a.sup.Go0("session.heartbeat", func(c context.Context) {
			a.tracker.Heartbeat(c, a.registry.IDs, a.serverID, a.session.TTL, a.session.Interval)
		})
		if spec := strings.TrimSpace(cfg.Session.SweepSchedule); spec != "" {
			if err := a.sweeper.Schedule(run, spec); err != nil {
				_ = ln.Close()
				return fmt.Errorf("session.sweep_schedule: %w", err)
			}
		}
	}
	if a.forwarder != nil {
		a.sup.GoRestart("cluster.forward", func(c context.Context) error {
			return a.forwarder.Run(c, a.ws.SendTo)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.admin.Start(run)

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("addr", ln.Addr().String()),
		logx.String("server_id", a.serverID),
		logx.String("rate_limit", a.limiter.Strategy()),
		logx.Bool("session", a.tracker != nil),
		logx.Bool("forward", a.forwarder != nil),
		logx.Int64("max_message_bytes", cfg.Server.MaxMessageBytes),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("sweeper", time.Second, func(c context.Context) error {
		if a.sweeper != nil {
			a.sweeper.Stop(c)
		}
		return nil
	})
	step("http", 2*time.Second, func(c context.Context) error {
		a.mu.Lock()
		srv := a.http
		a.mu.Unlock()
		if srv == nil {
			return nil
		}
		// Hijacked websocket connections are closed by the ws step.
		return srv.Shutdown(c)
	})
	step("ws", 3*time.Second, a.ws.Shutdown)
	step("bridge", 2*time.Second, func(c context.Context) error { a.dispatcher.Bridge().Stop(c); return nil })
	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	ds := a.dispatcher.Stats()
	a.log.Info("stopped",
		logx.Uint64("frames", ds.Frames),
		logx.Uint64("dead_conns", ds.Dead),
		logx.Uint64("events_dropped", a.bus.Dropped()),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
