// Package gateway assembles the subsystems into one process: state,
// events, sessions, services, the router link, and the API listeners.
// It owns the boot order and the phased shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/luminarimud/i3-gateway/internal/auth"
	"github.com/luminarimud/i3-gateway/internal/config"
	"github.com/luminarimud/i3-gateway/internal/events"
	"github.com/luminarimud/i3-gateway/internal/history"
	"github.com/luminarimud/i3-gateway/internal/infra"
	"github.com/luminarimud/i3-gateway/internal/metrics"
	"github.com/luminarimud/i3-gateway/internal/persist"
	"github.com/luminarimud/i3-gateway/internal/ratelimit"
	"github.com/luminarimud/i3-gateway/internal/router"
	"github.com/luminarimud/i3-gateway/internal/rpc"
	"github.com/luminarimud/i3-gateway/internal/services"
	"github.com/luminarimud/i3-gateway/internal/session"
	"github.com/luminarimud/i3-gateway/internal/state"
)

// ForceTimeout caps the whole shutdown sequence. Whatever has not
// drained by then is cut off.
const ForceTimeout = 60 * time.Second

// Gateway is the root object. Build with New, drive with Run.
type Gateway struct {
	cfg     *config.Config
	version string
	log     *log.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	file     *persist.File
	bus      *events.Bus
	store    *state.Store
	history  *history.Log
	histDB   *history.Store
	index    *infra.RedisIndex
	limiter  *ratelimit.Limiter
	sessions *session.Manager
	services *services.Services
	link     *router.Link
	auth     *auth.Authenticator
	server   *rpc.Server

	started  time.Time
	stopOnce sync.Once
	stopping chan struct{}
	reason   string
}

// New wires every subsystem from the configuration. ctx bounds the
// startup probes (postgres, redis); it does not govern Run.
func New(ctx context.Context, cfg *config.Config, version string) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		version:  version,
		log:      log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
		started:  time.Now(),
		stopping: make(chan struct{}),
	}

	file, err := persist.Open(cfg.Persist.File)
	if err != nil {
		return nil, fmt.Errorf("gateway: state file: %w", err)
	}
	g.file = file

	g.registry = prometheus.NewRegistry()
	g.registry.MustRegister(collectors.NewGoCollector())
	g.metrics = metrics.New(g.registry)

	g.bus = events.NewBus(cfg.Events.QueueSize, g.metrics)

	// The store starts from the persisted list ids so re-registration
	// asks the router for deltas instead of full lists.
	g.store = state.NewStore()
	mudlistID, chanlistID := file.ListIDs()
	g.store.SetMudlistID(mudlistID)
	g.store.SetChanlistID(chanlistID)

	if cfg.History.DSN != "" {
		g.histDB, err = history.NewStore(ctx, cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("gateway: channel history: %w", err)
		}
	}
	g.history = history.NewLog(history.NewRing(cfg.History.RingSize), g.histDB)

	g.limiter = ratelimit.New(cfg.RateLimit.Classes, g.metrics)

	var index session.Index
	if cfg.Redis.Addr != "" {
		g.index, err = infra.NewRedisIndex(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, minutes(cfg.Redis.TTLMinutes))
		if err != nil {
			return nil, fmt.Errorf("gateway: session index: %w", err)
		}
		index = g.index
	}

	g.sessions = session.NewManager(session.Config{
		TTL:             minutes(cfg.Sessions.TTLMinutes),
		CleanupInterval: seconds(cfg.Sessions.CleanupSeconds),
		QueueCapacity:   cfg.Sessions.QueueCapacity,
		Bus:             g.bus,
		Limiter:         g.limiter,
		Metrics:         g.metrics,
		Index:           index,
	})

	g.services = services.New(services.Config{
		MudName:      cfg.Mud.Name,
		Store:        g.store,
		Bus:          g.bus,
		Metrics:      g.metrics,
		History:      g.history,
		ReplyTimeout: seconds(cfg.Services.ReplyTimeoutSeconds),
		LocateWindow: seconds(cfg.Services.LocateWindowSeconds),
		OnListIDs:    file.SetListIDs,
	})

	hosts := make([]router.Host, len(cfg.Router.Hosts))
	for i, h := range cfg.Router.Hosts {
		hosts[i] = router.Host{Name: h.Name, Address: h.Address}
	}
	g.link, err = router.New(router.Config{
		MudName:    cfg.Mud.Name,
		Hosts:      hosts,
		PlayerPort: cfg.Mud.Port,
		TCPPort:    cfg.Mud.TCPPort,
		UDPPort:    cfg.Mud.UDPPort,
		Mudlib:     cfg.Mud.Mudlib,
		BaseMudlib: cfg.Mud.BaseMudlib,
		Driver:     cfg.Mud.Driver,
		MudType:    cfg.Mud.MudType,
		OpenStatus: cfg.Mud.OpenStatus,
		AdminEmail: cfg.Mud.AdminEmail,

		ConnectTimeout:    seconds(cfg.Router.ConnectTimeoutSeconds),
		HandshakeTimeout:  seconds(cfg.Router.HandshakeTimeoutSeconds),
		HeartbeatInterval: seconds(cfg.Router.HeartbeatSeconds),
		ReadIdleTimeout:   seconds(cfg.Router.ReadIdleSeconds),
		WriteTimeout:      seconds(cfg.Router.WriteTimeoutSeconds),
		DrainTimeout:      seconds(cfg.Router.DrainTimeoutSeconds),
		MaxAttempts:       cfg.Router.MaxAttempts,
		FailoverThreshold: cfg.Router.FailoverThreshold,
		BackoffBase:       millis(cfg.Router.BackoffBaseMs),
		BackoffCap:        seconds(cfg.Router.BackoffCapSeconds),
		QueueSize:         cfg.Router.QueueSize,
		MaxFrame:          cfg.Router.MaxFrameBytes,

		Store:    g.store,
		Bus:      g.bus,
		Metrics:  g.metrics,
		Handler:  g.services,
		Password: file,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: router link: %w", err)
	}
	g.services.BindSender(g.link)

	g.auth, err = auth.New(cfg.Auth.Keys)
	if err != nil {
		return nil, fmt.Errorf("gateway: api keys: %w", err)
	}

	handler := rpc.NewHandler(rpc.Config{
		MudName:   cfg.Mud.Name,
		Version:   version,
		Auth:      g.auth,
		Sessions:  g.sessions,
		Services:  g.services,
		Limiter:   g.limiter,
		Link:      g.link,
		Metrics:   g.metrics,
		StartedAt: g.started,
		Shutdown:  g.RequestShutdown,
	})
	g.server = rpc.NewServer(rpc.ServerConfig{
		WSAddr:         cfg.API.WSAddr,
		TCPAddr:        cfg.API.TCPAddr,
		HealthAddr:     cfg.API.HealthAddr,
		PingInterval:   seconds(cfg.API.PingIntervalSeconds),
		PingTimeout:    seconds(cfg.API.PingTimeoutSeconds),
		MetricsHandler: promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}),
	}, handler)

	return g, nil
}

// Listen binds the API listeners so port conflicts surface before the
// subsystems start. Run calls it when it has not happened yet.
func (g *Gateway) Listen() error { return g.server.Listen() }

// Bound listener addresses, empty before Listen.

func (g *Gateway) WSAddr() string     { return g.server.WSAddr() }
func (g *Gateway) TCPAddr() string    { return g.server.TCPAddr() }
func (g *Gateway) HealthAddr() string { return g.server.HealthAddr() }

// RequestShutdown starts the phased shutdown. The first reason wins;
// later calls are no-ops. Safe from any goroutine, including the
// shutdown RPC method.
func (g *Gateway) RequestShutdown(reason string) {
	g.stopOnce.Do(func() {
		g.reason = reason
		close(g.stopping)
	})
}

// Run starts every subsystem and blocks until shutdown completes.
// Canceling ctx is equivalent to RequestShutdown("signal").
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Listen(); err != nil {
		return err
	}
	g.log.Printf("%s gateway %s: ws=%s tcp=%s health=%s router=%s (%s)",
		g.cfg.Mud.Name, g.version, g.WSAddr(), g.TCPAddr(), g.HealthAddr(),
		g.cfg.Router.Hosts[0].Name, g.cfg.Router.Hosts[0].Address)

	// Cancellation layers: core carries the bus, store, sessions, and
	// history; the upstream link and the API listeners hang off it with
	// their own cancels so shutdown can stage them. A subsystem failure
	// cancels egCtx and takes the whole tree down.
	eg, egCtx := errgroup.WithContext(context.Background())
	core, stopCore := context.WithCancel(egCtx)
	defer stopCore()
	upstream, stopUpstream := context.WithCancel(core)
	defer stopUpstream()
	api, stopAPI := context.WithCancel(core)
	defer stopAPI()

	eg.Go(func() error { return absorb(g.bus.Run(core)) })
	eg.Go(func() error { return absorb(g.store.Run(core)) })
	eg.Go(func() error { g.sessions.Run(core); return nil })
	eg.Go(func() error { g.history.Run(core); return nil })

	linkDone := make(chan struct{})
	eg.Go(func() error {
		defer close(linkDone)
		return absorb(g.link.Run(upstream))
	})
	apiDone := make(chan struct{})
	eg.Go(func() error {
		defer close(apiDone)
		return absorb(g.server.Run(api))
	})

	select {
	case <-ctx.Done():
		g.RequestShutdown("signal")
	case <-g.stopping:
	case <-egCtx.Done():
		g.RequestShutdown("subsystem failure")
	}
	<-g.stopping
	g.log.Printf("shutting down: %s", g.reason)

	force := time.AfterFunc(ForceTimeout, func() {
		g.log.Printf("force timeout after %s, aborting remaining tasks", ForceTimeout)
		stopCore()
	})
	defer force.Stop()

	// Phase 1: refuse new API connections while existing clients keep
	// getting answers and the link flushes its queue and says goodbye
	// to the router.
	g.server.Drain()
	stopUpstream()
	waitFor(linkDone, g.drainBudget()+5*time.Second)

	// Phase 2: close the API listeners and every remaining client.
	stopAPI()
	waitFor(apiDone, 10*time.Second)

	// Phase 3: final housekeeping while the core is still up.
	g.finalize()

	stopCore()
	err := eg.Wait()
	g.closeBackends()
	g.log.Printf("shutdown complete after %s", time.Since(g.started).Round(time.Second))
	return err
}

// finalize records the state a restart wants back: list ids on disk,
// session records in the index, and a last event in surviving queues.
func (g *Gateway) finalize() {
	g.file.SetListIDs(g.store.MudlistID(), g.store.ChanlistID())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if g.index != nil {
		for _, st := range g.sessions.All() {
			if s, ok := g.sessions.Get(st.ID); ok {
				g.sessions.Sync(ctx, s)
			}
		}
	}

	// Offered directly: the dispatcher is about to stop, and only
	// detached sessions are left to hear it anyway.
	ev := events.New(events.ShutdownComplete, map[string]interface{}{
		"reason":         g.reason,
		"uptime_seconds": int(time.Since(g.started).Seconds()),
	})
	ev.Priority = events.PriorityMax
	ev.Broadcast = true
	for _, st := range g.sessions.All() {
		if s, ok := g.sessions.Get(st.ID); ok {
			s.Offer(ev)
		}
	}
}

func (g *Gateway) closeBackends() {
	if g.histDB != nil {
		if err := g.histDB.Close(); err != nil {
			g.log.Printf("closing history store: %v", err)
		}
	}
	if g.index != nil {
		if err := g.index.Close(); err != nil {
			g.log.Printf("closing session index: %v", err)
		}
	}
}

func (g *Gateway) drainBudget() time.Duration {
	if g.cfg.Router.DrainTimeoutSeconds > 0 {
		return seconds(g.cfg.Router.DrainTimeoutSeconds)
	}
	return router.DefaultDrainTimeout
}

// absorb filters the errors ordinary cancellation produces so staged
// shutdown does not read as failure.
func absorb(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func waitFor(done <-chan struct{}, limit time.Duration) {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
