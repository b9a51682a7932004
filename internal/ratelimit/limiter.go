// Package ratelimit provides a fixed-window request limiter keyed by
// client identity, plus the HTTP helpers that apply it.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config sets the window length and how many requests it admits.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Result describes a client's standing after a check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per identifier in fixed windows. A window
// opens on the first request and admits MaxRequests until it expires.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Check counts one request for id and reports whether it is allowed.
// Denied requests are not counted.
func (l *Limiter) Check(id string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[id]
	if !ok || w.resetAt.Before(now) {
		w = &window{count: 1, resetAt: now.Add(l.cfg.Window)}
		l.windows[id] = w
		return Result{Allowed: true, Remaining: l.cfg.MaxRequests - 1, ResetAt: w.resetAt}
	}

	if w.count >= l.cfg.MaxRequests {
		return Result{Allowed: false, Remaining: 0, ResetAt: w.resetAt}
	}

	w.count++
	return Result{Allowed: true, Remaining: l.cfg.MaxRequests - w.count, ResetAt: w.resetAt}
}

// Get reports id's current standing without counting a request. The
// second return is false when id has no live window.
func (l *Limiter) Get(id string) (Result, bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[id]
	if !ok {
		return Result{}, false
	}
	if w.resetAt.Before(now) {
		delete(l.windows, id)
		return Result{}, false
	}
	return Result{
		Allowed:   w.count < l.cfg.MaxRequests,
		Remaining: max(0, l.cfg.MaxRequests-w.count),
		ResetAt:   w.resetAt,
	}, true
}

// Reset forgets id's window.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, id)
}

// Sweep drops expired windows and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.windows {
		if w.resetAt.Before(now) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run sweeps expired windows every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("rate limit windows swept", "removed", n, "remaining", l.Len())
			}
		}
	}
}
