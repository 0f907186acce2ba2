// Package ratelimit implements fixed-window per-client rate limiting over a
// pluggable counter store (Redis for shared state, ristretto for a single
// instance).
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Rule is a limit of Limit requests per Window.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	// ResetAt is when the current window ends.
	ResetAt time.Time
	// RetryAfter is whole seconds until ResetAt, set only when denied.
	RetryAfter int64
}

// Limiter applies a Rule per (client, path) pair.
type Limiter struct {
	store  Store
	rule   Rule
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter. Keys are "{prefix}:{clientID}:{path}".
func NewLimiter(store Store, rule Rule, prefix string, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		rule:   rule,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// Rule returns the configured rule.
func (l *Limiter) Rule() Rule { return l.rule }

// Key builds the store key for a client and path.
func (l *Limiter) Key(clientID, path string) string {
	return l.prefix + ":" + clientID + ":" + path
}

// Check counts one request for clientID on path. A non-nil error means the
// store failed and no decision could be made; what that implies for the
// request is up to the caller.
//
//   - no window, or the window has passed: start a new one at count 1.
//   - count < limit: increment and keep the original reset time.
//   - count >= limit: deny without touching the record.
func (l *Limiter) Check(ctx context.Context, clientID, path string) (*Decision, error) {
	key := l.Key(clientID, path)
	now := l.now()
	nowMs := now.UnixMilli()
	limit := l.rule.Limit

	w, err := l.store.Get(ctx, key)
	if errors.Is(err, ErrCorruptRecord) {
		// An undecodable record is overwritten by a fresh window.
		l.logger.Warn("discarding corrupt rate-limit record", "key", key, "error", err)
		w, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	if w == nil || nowMs >= w.ResetTime {
		fresh := Window{Count: 1, ResetTime: nowMs + l.rule.Window.Milliseconds()}
		if err := l.store.Set(ctx, key, fresh, l.rule.Window); err != nil {
			return nil, err
		}
		return &Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - 1,
			ResetAt:   time.UnixMilli(fresh.ResetTime),
		}, nil
	}

	resetAt := time.UnixMilli(w.ResetTime)
	if w.Count >= limit {
		return &Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: ceilSeconds(w.ResetTime - nowMs),
		}, nil
	}

	w.Count++
	if err := l.store.Set(ctx, key, *w, time.Duration(w.ResetTime-nowMs)*time.Millisecond); err != nil {
		return nil, err
	}
	return &Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.Count,
		ResetAt:   resetAt,
	}, nil
}

// ceilSeconds rounds a positive millisecond span up to whole seconds.
func ceilSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}
