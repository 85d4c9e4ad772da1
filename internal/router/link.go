// Package router maintains the upstream Intermud-3 connection: the
// MudMode TCP session, the startup-req-3 registration handshake,
// heartbeat re-registration, reconnect with backoff and failover across
// fallback routers, and the bounded priority queue outbound packets are
// written through.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/luminarimud/i3-gateway/internal/circuit"
	"github.com/luminarimud/i3-gateway/internal/events"
	"github.com/luminarimud/i3-gateway/internal/lpc"
	"github.com/luminarimud/i3-gateway/internal/metrics"
	"github.com/luminarimud/i3-gateway/internal/mudmode"
	"github.com/luminarimud/i3-gateway/internal/packet"
	"github.com/luminarimud/i3-gateway/internal/state"
)

// Timing and retry defaults. Config zero values select these.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultReadIdleTimeout   = 180 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
	DefaultMaxAttempts       = 10
	DefaultFailoverThreshold = 3
	DefaultBackoffBase       = time.Second
	DefaultBackoffCap        = 60 * time.Second
)

var (
	// ErrNotConnected rejects sends while the link has no registered
	// session.
	ErrNotConnected = errors.New("router link is not connected")

	// ErrDraining rejects sends once shutdown has begun.
	ErrDraining = errors.New("router link is draining")

	// ErrQueueFull rejects a send the outbound queue could not absorb.
	ErrQueueFull = errors.New("router outbound queue is full")

	// ErrNoHosts rejects a config without router addresses.
	ErrNoHosts = errors.New("no router hosts configured")

	errRouterShutdown  = errors.New("router announced shutdown")
	errManualReconnect = errors.New("reconnect requested")
)

// Host is one router endpoint, primary first in Config.Hosts.
type Host struct {
	Name    string // I3 router name, conventionally "*"-prefixed
	Address string // host:port
}

// InboundHandler consumes decoded packets in arrival order. Calls are
// made from the link's reader and must not block indefinitely.
type InboundHandler interface {
	HandleInbound(ctx context.Context, p packet.Packet)
}

// PasswordStore persists the router-assigned password across restarts.
type PasswordStore interface {
	Password() string
	SetPassword(pw string) error
}

// Config wires a Link. MudName, Hosts, Store, and Handler are required.
type Config struct {
	MudName string
	Hosts   []Host

	// Registration identity sent in startup-req-3.
	PlayerPort int
	TCPPort    int
	UDPPort    int
	Mudlib     string
	BaseMudlib string
	Driver     string
	MudType    string
	OpenStatus string
	AdminEmail string

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReadIdleTimeout   time.Duration
	WriteTimeout      time.Duration
	DrainTimeout      time.Duration
	MaxAttempts       int
	FailoverThreshold int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	QueueSize         int
	MaxFrame          int

	Store    *state.Store
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Handler  InboundHandler
	Password PasswordStore
}

// Link owns the router connection. One reader and one writer goroutine
// exist per session; everything else talks to the link through Send,
// Refresh, and Reconnect.
type Link struct {
	cfg     Config
	machine *machine
	out     *outQueue
	breaker *circuit.Breaker
	backoff *circuit.Backoff

	store   *state.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	handler InboundHandler
	logger  *log.Logger

	kick chan struct{}

	mu            sync.Mutex
	password      string
	current       Host
	hostIdx       int
	hostFails     int
	attempts      int
	registrations int
	regSentAt     time.Time
	connectedAt   time.Time
}

// New builds a Link and restores the persisted password when a store is
// configured.
func New(cfg Config) (*Link, error) {
	if len(cfg.Hosts) == 0 {
		return nil, ErrNoHosts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = DefaultReadIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.FailoverThreshold <= 0 {
		cfg.FailoverThreshold = DefaultFailoverThreshold
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = mudmode.DefaultMaxFrame
	}

	l := &Link{
		cfg:     cfg,
		out:     newOutQueue(cfg.QueueSize),
		store:   cfg.Store,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		handler: cfg.Handler,
		logger:  log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
		kick:    make(chan struct{}, 1),
		current: cfg.Hosts[0],
	}
	l.machine = newMachine(l.stateChanged)
	l.backoff = circuit.NewBackoff(circuit.Exponential, cfg.BackoffBase, cfg.BackoffCap)
	l.backoff.FullJitter = true
	l.breaker = circuit.NewBreaker(&circuit.Config{
		Name:          "router_send",
		Interval:      30 * time.Second,
		OpenTimeout:   15 * time.Second,
		OnStateChange: l.breakerChanged,
	})
	if cfg.Password != nil {
		l.password = cfg.Password.Password()
	}
	return l, nil
}

// ============================================================================
// PUBLIC SURFACE
// ============================================================================

// State returns the link's current position.
func (l *Link) State() LinkState { return l.machine.State() }

// Connected reports whether the link holds a registered session.
func (l *Link) Connected() bool { return l.machine.State() == StateConnected }

// CurrentRouter returns the router the link last dialed.
func (l *Link) CurrentRouter() Host {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Stats is a point-in-time snapshot for the status and stats methods.
type Stats struct {
	State         string    `json:"state"`
	Router        string    `json:"router"`
	Address       string    `json:"address"`
	ConnectedAt   time.Time `json:"connected_at"`
	QueueDepth    int       `json:"queue_depth"`
	Registrations int       `json:"registrations"`
}

// Stats snapshots the link for observability endpoints.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		State:         l.machine.State().String(),
		Router:        l.current.Name,
		Address:       l.current.Address,
		ConnectedAt:   l.connectedAt,
		QueueDepth:    l.out.len(),
		Registrations: l.registrations,
	}
}

// Send queues p for the router, inferring write priority from the packet
// type. It fails fast when the link is not connected; the circuit breaker
// sheds callers after repeated failures.
func (l *Link) Send(ctx context.Context, p packet.Packet) error {
	return l.breaker.Execute(func() error {
		return l.enqueue(p, sendPriority(p.Hdr().Type))
	})
}

// Refresh re-registers with zeroed list ids so the router resends the
// full mudlist and chanlist.
func (l *Link) Refresh(ctx context.Context) error {
	return l.breaker.Execute(func() error {
		l.noteRegistrationSent()
		return l.enqueue(l.startupPacket(0, 0), PriorityRequest)
	})
}

// Reconnect drops the current session, returns to the primary router,
// and dials again. Safe to call from any state.
func (l *Link) Reconnect() {
	l.mu.Lock()
	l.hostIdx = 0
	l.hostFails = 0
	l.attempts = 0
	l.mu.Unlock()

	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// sendPriority maps packet types to outbound queue priorities: replies
// to remote requests go out ahead of locally originated traffic.
func sendPriority(ptype string) int {
	switch ptype {
	case packet.TypeWhoReply, packet.TypeFingerReply, packet.TypeLocateReply,
		packet.TypeChanWhoReply, packet.TypeError:
		return PriorityReply
	default:
		return PriorityRequest
	}
}

func (l *Link) enqueue(p packet.Packet, priority int) error {
	switch {
	case l.machine.is(StateDraining, StateClosed):
		return ErrDraining
	case !l.machine.is(StateConnected):
		return ErrNotConnected
	}

	accepted, evicted := l.out.push(p, priority)
	l.gaugeDepth()

	if evicted != nil || !accepted {
		dropped := evicted
		if !accepted {
			dropped = p
		}
		if l.metrics != nil {
			l.metrics.OutboundDrops.Inc()
		}
		l.logger.Printf("outbound queue full, dropped %s", dropped.Hdr().Type)
		ev := events.New(events.Backpressure, map[string]interface{}{
			"queue":       "router_out",
			"packet_type": dropped.Hdr().Type,
			"depth":       l.out.len(),
		})
		ev.Priority = 2
		l.publish(ev)
	}
	if !accepted {
		return ErrQueueFull
	}
	return nil
}

// ============================================================================
// CONNECTION LIFECYCLE
// ============================================================================

// Run owns the router connection until ctx ends: dial, register, serve,
// and reconnect with backoff and failover. On cancellation it drains the
// outbound queue, sends a shutdown notice, and closes.
func (l *Link) Run(ctx context.Context) error {
	defer func() { _ = l.machine.to(StateClosed) }()

	if err := l.machine.to(StateConnecting); err != nil {
		return err
	}

	for {
		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_ = l.machine.to(StateDisconnected)
			l.logger.Printf("giving up: %v", err)
			ev := events.New(events.RouterUnreachable, map[string]interface{}{
				"attempts": l.cfg.MaxAttempts,
				"routers":  len(l.cfg.Hosts),
			})
			ev.Priority = 8
			ev.Broadcast = true
			l.publish(ev)

			// Hold in Disconnected until a manual reconnect.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.kick:
				l.logger.Printf("manual reconnect requested")
				if err := l.machine.to(StateReconnecting); err != nil {
					return err
				}
				continue
			}
		}

		err = l.session(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errManualReconnect) {
			l.logger.Printf("manual reconnect requested")
		} else {
			l.logger.Printf("router session ended: %v", err)
			l.hostFailed()
			l.pause(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if err := l.machine.to(StateReconnecting); err != nil {
			return err
		}
	}
}

// pause waits one backoff step between sessions, cut short by shutdown
// or a manual reconnect.
func (l *Link) pause(ctx context.Context) {
	timer := time.NewTimer(l.backoff.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-l.kick:
	case <-timer.C:
	}
}

// dial walks the host list until a TCP connection lands, backing off
// between attempts. The attempt counter spans sessions and resets only
// on successful registration.
func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: l.cfg.ConnectTimeout}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempt := l.bumpAttempts()
		if attempt > l.cfg.MaxAttempts {
			return nil, fmt.Errorf("router unreachable after %d attempts", l.cfg.MaxAttempts)
		}
		if l.metrics != nil {
			l.metrics.RouterReconnects.Inc()
		}

		host := l.pickHost()
		conn, err := dialer.DialContext(ctx, "tcp", host.Address)
		if err == nil {
			l.logger.Printf("connected to %s (%s)", host.Name, host.Address)
			return conn, nil
		}

		l.hostFailed()
		l.logger.Printf("dial %s (%s) failed, attempt %d/%d: %v",
			host.Name, host.Address, attempt, l.cfg.MaxAttempts, err)

		timer := time.NewTimer(l.backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-l.kick:
			// Manual reconnect skips the remaining backoff.
			timer.Stop()
		case <-timer.C:
		}
	}
}

// session runs one registered connection: handshake, then reader, writer,
// and heartbeat until something fails or shutdown begins.
func (l *Link) session(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	if err := l.machine.to(StateAuthenticating); err != nil {
		return err
	}

	framer := mudmode.NewFramer(conn, l.cfg.MaxFrame)
	if err := l.authenticate(ctx, conn, framer); err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	if err := l.machine.to(StateConnected); err != nil {
		return err
	}
	l.onRegistered()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() { readErr <- l.readLoop(sessCtx, conn, framer) }()

	writeErr := make(chan error, 1)
	go func() { writeErr <- l.writeLoop(sessCtx, conn) }()

	beats := time.NewTicker(l.cfg.HeartbeatInterval)
	defer beats.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-writeErr
			l.drain(conn)
			conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case err := <-writeErr:
			return err
		case <-beats.C:
			l.heartbeat()
		case <-l.kick:
			return errManualReconnect
		}
	}
}

// authenticate sends startup-req-3 and waits for the router's reply
// within the handshake window. Gossip packets arriving ahead of the
// reply are dispatched normally.
func (l *Link) authenticate(ctx context.Context, conn net.Conn, framer *mudmode.Framer) error {
	req := l.startupPacket(l.listIDs())
	started := time.Now()
	if err := l.writePacket(conn, req); err != nil {
		return err
	}

	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		raw, err := framer.ReadFrame()
		if err != nil {
			return fmt.Errorf("awaiting startup-reply: %w", err)
		}
		p, err := l.decode(raw)
		if err != nil {
			continue
		}
		if l.metrics != nil {
			l.metrics.RecordPacketReceived(p.Hdr().Type)
		}

		switch sp := p.(type) {
		case *packet.StartupReply:
			l.adoptPassword(sp.Password)
			l.notePreferredRouter(sp.Routers)
			l.observeLatency(time.Since(started))
			return nil
		case *packet.ErrorPacket:
			return fmt.Errorf("router rejected registration: %s (%s)", sp.Code, sp.Message)
		default:
			if l.handler != nil {
				l.handler.HandleInbound(ctx, p)
			}
		}
	}
}

// readLoop consumes frames until the connection dies or goes idle past
// the read timeout. Decode failures drop the frame and continue; an
// oversized length prefix leaves the stream unframeable, so the link
// reconnects to resynchronize.
func (l *Link) readLoop(ctx context.Context, conn net.Conn, framer *mudmode.Framer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ReadIdleTimeout)); err != nil {
			return err
		}
		raw, err := framer.ReadFrame()
		if err != nil {
			if errors.Is(err, mudmode.ErrEmptyFrame) {
				l.countError("bad_packet")
				continue
			}
			if errors.Is(err, mudmode.ErrFrameTooLarge) {
				l.countError("frame_too_large")
			}
			return fmt.Errorf("router read: %w", err)
		}

		p, err := l.decode(raw)
		if err != nil {
			continue
		}
		if err := l.inbound(ctx, p); err != nil {
			return err
		}
	}
}

// decode turns a frame into a typed packet, counting each failure kind.
func (l *Link) decode(raw []byte) (packet.Packet, error) {
	v, err := lpc.DecodeLimit(raw, l.cfg.MaxFrame)
	if err != nil {
		l.countError("malformed_lpc")
		l.logger.Printf("dropping frame: %v", err)
		return nil, err
	}
	arr, ok := v.(lpc.Array)
	if !ok || len(arr) < packet.HeaderSize {
		l.countError("bad_packet")
		l.logger.Printf("dropping frame: not a packet array")
		return nil, packet.ErrBadPacket
	}
	if t, ok := arr[0].(string); !ok || !packet.Known(t) {
		l.countError("unknown_type")
		l.logger.Printf("dropping packet of unknown type %v", arr[0])
		return nil, packet.ErrBadPacket
	}
	if ttl, ok := arr[1].(int); ok && ttl <= 0 {
		l.countError("ttl_expired")
		return nil, packet.ErrBadPacket
	}
	p, err := packet.FromLPC(v)
	if err != nil {
		l.countError("bad_packet")
		l.logger.Printf("dropping packet: %v", err)
		return nil, err
	}
	return p, nil
}

// inbound routes one packet: startup-reply and router shutdown are link
// concerns, everything else goes to the handler in arrival order.
func (l *Link) inbound(ctx context.Context, p packet.Packet) error {
	if l.metrics != nil {
		l.metrics.RecordPacketReceived(p.Hdr().Type)
	}

	switch sp := p.(type) {
	case *packet.StartupReply:
		l.completeRegistration(sp)
		return nil
	case *packet.Shutdown:
		if origin := sp.OriginMud; origin == "" || strings.EqualFold(origin, l.CurrentRouter().Name) {
			l.logger.Printf("router announced shutdown, restart delay %ds", sp.RestartDelay)
			return errRouterShutdown
		}
		// A mud's shutdown notice; the mudlist delta will follow.
		return nil
	default:
		if l.handler != nil {
			l.handler.HandleInbound(ctx, p)
		}
		return nil
	}
}

// writeLoop drains the outbound queue onto the connection.
func (l *Link) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.out.ready():
			for {
				p, ok := l.out.pop()
				if !ok {
					break
				}
				l.gaugeDepth()
				if err := l.writePacket(conn, p); err != nil {
					return err
				}
			}
		}
	}
}

// writePacket frames and writes one packet. Encode and size failures
// drop the packet; only transport errors are connection-fatal.
func (l *Link) writePacket(conn net.Conn, p packet.Packet) error {
	raw, err := packet.Encode(p)
	if err != nil {
		l.logger.Printf("dropping outbound %s: %v", p.Hdr().Type, err)
		return nil
	}
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := mudmode.WriteFrameLimit(conn, raw, l.cfg.MaxFrame); err != nil {
		if errors.Is(err, mudmode.ErrFrameTooLarge) || errors.Is(err, mudmode.ErrEmptyFrame) {
			l.logger.Printf("dropping outbound %s: %v", p.Hdr().Type, err)
			return nil
		}
		return fmt.Errorf("router write: %w", err)
	}
	if l.metrics != nil {
		l.metrics.RecordPacketSent(p.Hdr().Type)
	}
	return nil
}

// drain flushes what the queue still holds and sends a graceful shutdown
// notice. The writer goroutine has already stopped.
func (l *Link) drain(conn net.Conn) {
	if err := l.machine.to(StateDraining); err != nil {
		return
	}

	deadline := time.Now().Add(l.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		p, ok := l.out.pop()
		if !ok {
			break
		}
		if err := l.writePacket(conn, p); err != nil {
			l.logger.Printf("drain aborted: %v", err)
			break
		}
	}
	l.gaugeDepth()

	notice := &packet.Shutdown{
		Header: packet.Header{
			Type:      packet.TypeShutdown,
			TTL:       packet.DefaultTTL,
			OriginMud: l.cfg.MudName,
			TargetMud: l.CurrentRouter().Name,
		},
		RestartDelay: 0,
	}
	if err := l.writePacket(conn, notice); err != nil {
		l.logger.Printf("shutdown notice: %v", err)
		return
	}
	l.logger.Printf("sent shutdown notice to %s", l.CurrentRouter().Name)
}

// ============================================================================
// REGISTRATION
// ============================================================================

// startupPacket builds the 20-field registration request. The services
// mapping advertises what this gateway answers for.
func (l *Link) startupPacket(mudlistID, chanlistID int) *packet.StartupReq3 {
	l.mu.Lock()
	pw := l.password
	router := l.current
	l.mu.Unlock()

	return &packet.StartupReq3{
		Header: packet.Header{
			Type:      packet.TypeStartupReq3,
			TTL:       packet.DefaultTTL,
			OriginMud: l.cfg.MudName,
			TargetMud: router.Name,
		},
		Password:      pw,
		OldMudlistID:  mudlistID,
		OldChanlistID: chanlistID,
		PlayerPort:    l.cfg.PlayerPort,
		IMudTCPPort:   l.cfg.TCPPort,
		IMudUDPPort:   l.cfg.UDPPort,
		Mudlib:        l.cfg.Mudlib,
		BaseMudlib:    l.cfg.BaseMudlib,
		Driver:        l.cfg.Driver,
		MudType:       l.cfg.MudType,
		OpenStatus:    l.cfg.OpenStatus,
		AdminEmail:    l.cfg.AdminEmail,
		Services: map[string]int{
			"tell":    1,
			"emoteto": 1,
			"who":     1,
			"finger":  1,
			"locate":  1,
			"channel": 1,
		},
	}
}

func (l *Link) listIDs() (mudlistID, chanlistID int) {
	if l.store == nil {
		return 0, 0
	}
	return l.store.MudlistID(), l.store.ChanlistID()
}

// onRegistered resets the retry state after a successful handshake and,
// on reconnects, announces the new session and re-tunes channels.
func (l *Link) onRegistered() {
	l.backoff.Reset()

	l.mu.Lock()
	l.attempts = 0
	l.hostFails = 0
	l.connectedAt = time.Now()
	l.registrations++
	reconnected := l.registrations > 1
	router := l.current
	l.mu.Unlock()

	l.logger.Printf("registered with %s as %s", router.Name, l.cfg.MudName)

	if reconnected {
		ev := events.NewSticky(events.GatewayReconnect, map[string]interface{}{
			"router": router.Name,
		})
		ev.Priority = 8
		ev.Broadcast = true
		l.publish(ev)
		l.rejoinChannels()
	}
}

// heartbeat re-sends the registration with current list ids. The router
// treats it as idempotent and answers with deltas, which doubles as a
// liveness probe for both sides.
func (l *Link) heartbeat() {
	l.noteRegistrationSent()
	p := l.startupPacket(l.listIDs())
	if err := l.enqueue(p, PriorityHeartbeat); err != nil {
		l.logger.Printf("heartbeat: %v", err)
	}
}

// completeRegistration handles a startup-reply inside an established
// session: a heartbeat or refresh answer.
func (l *Link) completeRegistration(sp *packet.StartupReply) {
	l.mu.Lock()
	sent := l.regSentAt
	l.regSentAt = time.Time{}
	l.mu.Unlock()

	if !sent.IsZero() {
		l.observeLatency(time.Since(sent))
	}
	l.adoptPassword(sp.Password)
	l.notePreferredRouter(sp.Routers)
}

// adoptPassword stores a non-empty router-assigned password, durably
// when a password store is wired.
func (l *Link) adoptPassword(pw string) {
	if pw == "" {
		return
	}
	l.mu.Lock()
	changed := pw != l.password
	l.password = pw
	l.mu.Unlock()

	if !changed || l.cfg.Password == nil {
		return
	}
	if err := l.cfg.Password.SetPassword(pw); err != nil {
		l.logger.Printf("persist router password: %v", err)
	}
}

// notePreferredRouter logs when the reply's router list nominates a
// different primary. The link stays put until an explicit reconnect.
func (l *Link) notePreferredRouter(routers []packet.RouterAddr) {
	if len(routers) == 0 {
		return
	}
	cur := l.CurrentRouter()
	if !strings.EqualFold(routers[0].Name, cur.Name) {
		l.logger.Printf("router list prefers %s (%s), staying on %s",
			routers[0].Name, routers[0].Address, cur.Name)
	}
}

// rejoinChannels re-sends channel-listen for every locally tuned channel;
// routers forget subscriptions across sessions.
func (l *Link) rejoinChannels() {
	if l.store == nil {
		return
	}
	for _, name := range l.store.TunedChannels() {
		p := &packet.ChannelListen{
			Header: packet.Header{
				Type:      packet.TypeChannelListen,
				TTL:       packet.DefaultTTL,
				OriginMud: l.cfg.MudName,
			},
			Channel: name,
			OnOff:   1,
		}
		if err := l.enqueue(p, PriorityRequest); err != nil {
			l.logger.Printf("rejoin %s: %v", name, err)
		}
	}
}

func (l *Link) noteRegistrationSent() {
	l.mu.Lock()
	l.regSentAt = time.Now()
	l.mu.Unlock()
}

// ============================================================================
// FAILOVER AND OBSERVABILITY
// ============================================================================

// pickHost returns the current router, rotating to the next fallback
// after FailoverThreshold consecutive failures against it.
func (l *Link) pickHost() Host {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hostFails >= l.cfg.FailoverThreshold && len(l.cfg.Hosts) > 1 {
		l.hostIdx = (l.hostIdx + 1) % len(l.cfg.Hosts)
		l.hostFails = 0
		l.logger.Printf("failing over to %s (%s)",
			l.cfg.Hosts[l.hostIdx].Name, l.cfg.Hosts[l.hostIdx].Address)
	}
	l.current = l.cfg.Hosts[l.hostIdx]
	return l.current
}

func (l *Link) hostFailed() {
	l.mu.Lock()
	l.hostFails++
	l.mu.Unlock()
}

func (l *Link) bumpAttempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	return l.attempts
}

func (l *Link) stateChanged(from, to LinkState) {
	l.logger.Printf("link %s -> %s", from, to)
	if l.metrics != nil {
		l.metrics.RecordTransition(from.String(), to.String(), to == StateConnected)
	}
	ev := events.New(events.RouterState, map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	})
	ev.Priority = 2
	l.publish(ev)
}

func (l *Link) breakerChanged(name string, from, to circuit.State) {
	l.logger.Printf("breaker %s: %s -> %s", name, from, to)
	if l.metrics != nil {
		l.metrics.RecordBreakerState(name, int(to))
	}
}

func (l *Link) observeLatency(d time.Duration) {
	if l.metrics != nil {
		l.metrics.RecordRouterLatency(d)
	}
	ev := events.New(events.RouterLatency, map[string]interface{}{
		"latency_ms": d.Milliseconds(),
		"router":     l.CurrentRouter().Name,
	})
	ev.Priority = 2
	l.publish(ev)
}

func (l *Link) countError(kind string) {
	if l.metrics != nil {
		l.metrics.RecordPacketError(kind)
	}
}

func (l *Link) gaugeDepth() {
	if l.metrics != nil {
		l.metrics.OutboundDepth.Set(float64(l.out.len()))
	}
}

func (l *Link) publish(ev *events.Event) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ev)
}
