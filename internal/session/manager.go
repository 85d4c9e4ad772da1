package session

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luminarimud/i3-gateway/internal/auth"
	"github.com/luminarimud/i3-gateway/internal/events"
	"github.com/luminarimud/i3-gateway/internal/metrics"
	"github.com/luminarimud/i3-gateway/internal/ratelimit"
)

// Manager defaults.
const (
	DefaultTTL             = time.Hour
	DefaultCleanupInterval = time.Minute
)

var (
	// ErrNotFound means no session with that id exists anywhere.
	ErrNotFound = errors.New("session: not found")
	// ErrExpired means the session existed but aged out.
	ErrExpired = errors.New("session: expired")
)

// Index persists session records outside the process so clients can
// resume across a gateway restart. Implementations must be safe for
// concurrent use.
type Index interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
}

// Record is the durable, transport-free form of a session.
type Record struct {
	ID           string    `json:"id"`
	MudName      string    `json:"mud_name"`
	KeyID        string    `json:"key_id"`
	Permissions  []string  `json:"permissions"`
	Channels     []string  `json:"channels"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Config tunes the manager. Zero values select defaults; Bus, Limiter,
// Metrics, and Index are optional.
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	QueueCapacity   int

	Bus     *events.Bus
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Index   Index
}

// Manager owns the session registry and its lifecycle: creation on
// authenticate, detach on connection loss, resume, and expiry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl      time.Duration
	interval time.Duration
	queueCap int

	bus     *events.Bus
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	index   Index
	logger  *log.Logger
}

// NewManager builds a manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      cfg.TTL,
		interval: cfg.CleanupInterval,
		queueCap: cfg.QueueCapacity,
		bus:      cfg.Bus,
		limiter:  cfg.Limiter,
		metrics:  cfg.Metrics,
		index:    cfg.Index,
		logger:   log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// Create registers a new session for an authenticated key.
func (m *Manager) Create(ctx context.Context, id *auth.Identity) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		MudName:      id.MudName,
		KeyID:        id.KeyID,
		Permissions:  id.Permissions,
		CreatedAt:    now,
		lastActivity: now,
		channels:     make(map[string]bool),
		queue:        NewOfflineQueue(m.queueCap),
	}
	m.adopt(s)
	m.persist(ctx, s)
	m.logger.Printf("created session %s for %s (key %s)", s.ID, s.MudName, s.KeyID)
	return s
}

// adopt installs a session into the registry, bus, and metrics.
func (m *Manager) adopt(s *Session) {
	s.onQueueChange = m.queueObserver()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Subscribe(s.ID, s)
	}
	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
		m.metrics.SessionsTotal.Inc()
	}
}

func (m *Manager) queueObserver() func(delta, dropped int) {
	if m.metrics == nil {
		return nil
	}
	return func(delta, dropped int) {
		if delta != 0 {
			m.metrics.OfflineQueued.Add(float64(delta))
		}
		if dropped > 0 {
			m.metrics.OfflineDropped.Add(float64(dropped))
		}
	}
}

// Get returns a live or detached session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Resume validates a session id for reattachment. Sessions past their
// TTL are closed and reported expired. When an external index is
// configured, sessions unknown to this process are rebuilt from it with
// an empty backlog.
func (m *Manager) Resume(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if ok {
		if time.Since(s.LastActivity()) > m.ttl {
			m.Close(ctx, id, "expired")
			return nil, ErrExpired
		}
		return s, nil
	}

	if m.index == nil {
		return nil, ErrNotFound
	}
	rec, err := m.index.Load(ctx, id)
	if err != nil || rec == nil {
		return nil, ErrNotFound
	}
	if time.Since(rec.LastActivity) > m.ttl {
		_ = m.index.Delete(ctx, id)
		return nil, ErrExpired
	}

	now := time.Now()
	s = &Session{
		ID:           rec.ID,
		MudName:      rec.MudName,
		KeyID:        rec.KeyID,
		Permissions:  auth.NewPermissionSet(rec.Permissions),
		CreatedAt:    rec.CreatedAt,
		lastActivity: now,
		channels:     make(map[string]bool, len(rec.Channels)),
		queue:        NewOfflineQueue(m.queueCap),
	}
	for _, ch := range rec.Channels {
		s.channels[ch] = true
	}
	m.adopt(s)
	m.logger.Printf("restored session %s for %s from index", s.ID, s.MudName)
	return s, nil
}

// Detach marks a session's connection as gone. The session and its
// queue live on until resume or expiry.
func (m *Manager) Detach(id string) {
	if s, ok := m.Get(id); ok {
		s.Detach()
		m.logger.Printf("session %s detached", id)
	}
}

// Close removes a session permanently.
func (m *Manager) Close(ctx context.Context, id, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if m.bus != nil {
		m.bus.Unsubscribe(id)
	}
	if m.limiter != nil {
		m.limiter.RemoveSession(id)
	}
	if m.index != nil {
		_ = m.index.Delete(ctx, id)
	}
	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
		if n := s.QueueLen(); n > 0 {
			m.metrics.OfflineQueued.Sub(float64(n))
		}
	}
	m.logger.Printf("closed session %s (%s)", id, reason)
}

// Sync writes the session's durable record to the external index, if
// one is configured. Call after subscription changes.
func (m *Manager) Sync(ctx context.Context, s *Session) {
	m.persist(ctx, s)
}

func (m *Manager) persist(ctx context.Context, s *Session) {
	if m.index == nil {
		return
	}
	rec := &Record{
		ID:           s.ID,
		MudName:      s.MudName,
		KeyID:        s.KeyID,
		Permissions:  s.Permissions.List(),
		Channels:     s.Channels(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
	if err := m.index.Save(ctx, rec); err != nil {
		m.logger.Printf("index save for %s failed: %v", s.ID, err)
	}
}

// Run expires idle sessions and prunes offline queues until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.RLock()
	var stale []string
	live := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if !s.Connected() && s.LastActivity().Before(cutoff) {
			stale = append(stale, id)
			continue
		}
		live = append(live, s)
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.Close(ctx, id, "expired")
	}
	for _, s := range live {
		s.PruneQueue()
	}
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns stats for every session, ordered by creation time.
func (m *Manager) All() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Stats())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
