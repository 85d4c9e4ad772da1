// Package ratelimit throttles JSON-RPC calls with token buckets keyed by
// (session, method class). Each method belongs to exactly one class, so
// hitting the tell budget never spends the global one.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/luminarimud/i3-gateway/internal/metrics"
)

// GlobalClass is the fallback class for methods without a named budget.
const GlobalClass = "global"

// Class defines one bucket shape.
type Class struct {
	Name      string `yaml:"name"`
	PerMinute int    `yaml:"per_minute"`
	Burst     int    `yaml:"burst"`
}

// DefaultClasses returns the stock budgets.
func DefaultClasses() []Class {
	return []Class{
		{Name: GlobalClass, PerMinute: 100, Burst: 20},
		{Name: "tell", PerMinute: 30, Burst: 30},
		{Name: "channel_send", PerMinute: 50, Burst: 50},
		{Name: "who", PerMinute: 10, Burst: 10},
		{Name: "mudlist", PerMinute: 5, Burst: 5},
	}
}

// defaultMethodClasses maps methods to named classes. Anything absent
// falls back to GlobalClass.
func defaultMethodClasses() map[string]string {
	return map[string]string{
		"tell":             "tell",
		"emoteto":          "tell",
		"channel_send":     "channel_send",
		"channel_emote":    "channel_send",
		"channel_targeted": "channel_send",
		"who":              "who",
		"mudlist":          "mudlist",
	}
}

// Result reports one admission decision.
type Result struct {
	OK         bool
	Class      string
	RetryAfter time.Duration
	Remaining  float64
	// Warn flags a bucket running low (under 20% of burst) so callers
	// can emit a rate_limit_warning event before hard rejection.
	Warn bool
}

type bucketKey struct {
	session string
	class   string
}

// Limiter owns all buckets. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	classes map[string]Class
	methods map[string]string
	buckets map[bucketKey]*rate.Limiter

	metrics *metrics.Metrics
}

// New builds a limiter from class definitions; nil or empty selects the
// defaults. Custom definitions replace same-named defaults.
func New(classes []Class, m *metrics.Metrics) *Limiter {
	l := &Limiter{
		classes: make(map[string]Class),
		methods: defaultMethodClasses(),
		buckets: make(map[bucketKey]*rate.Limiter),
		metrics: m,
	}
	for _, c := range DefaultClasses() {
		l.classes[c.Name] = c
	}
	for _, c := range classes {
		if c.PerMinute <= 0 {
			continue
		}
		if c.Burst <= 0 {
			c.Burst = c.PerMinute
		}
		l.classes[c.Name] = c
	}
	return l
}

// ClassFor resolves the class name a method bills against.
func (l *Limiter) ClassFor(method string) string {
	if class, ok := l.methods[method]; ok {
		if _, defined := l.classes[class]; defined {
			return class
		}
	}
	return GlobalClass
}

// Allow admits or rejects one call for the session. Rejections carry the
// wait until the next token.
func (l *Limiter) Allow(sessionID, method string) Result {
	class := l.ClassFor(method)

	l.mu.Lock()
	def := l.classes[class]
	key := bucketKey{session: sessionID, class: class}
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(def.PerMinute)/60.0), def.Burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	res := Result{Class: class}

	r := bucket.Reserve()
	if delay := r.Delay(); delay > 0 {
		// Not admitting: give the token back.
		r.Cancel()
		res.RetryAfter = delay
		l.metrics.RecordRateLimited(class)
		return res
	}

	res.OK = true
	res.Remaining = bucket.Tokens()
	res.Warn = res.Remaining < float64(def.Burst)*0.2
	return res
}

// RemoveSession drops every bucket owned by a closed session.
func (l *Limiter) RemoveSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.session == sessionID {
			delete(l.buckets, key)
		}
	}
}

// Stats reports bucket counts per class for the stats method.
func (l *Limiter) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int)
	for key := range l.buckets {
		out[key.class]++
	}
	return out
}
