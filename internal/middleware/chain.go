// Package middleware implements the inbound request pipeline for chainproxy:
// request IDs → access log & metrics → panic recovery → timeout →
// authentication → rate limiting → subrequest budget. Each stage is a
// standard func(http.Handler) http.Handler so the set can be installed on a
// chi router with Use, where the matched route pattern is visible after
// routing.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/edgequota/chainproxy/internal/apierror"
	"github.com/edgequota/chainproxy/internal/auth"
	"github.com/edgequota/chainproxy/internal/config"
	"github.com/edgequota/chainproxy/internal/observability"
	"github.com/edgequota/chainproxy/internal/ratelimit"
	iredis "github.com/edgequota/chainproxy/internal/redis"
	"github.com/edgequota/chainproxy/internal/upstream"
)

// Chain holds the state shared by the pipeline stages. Everything read on
// the hot path is behind an atomic so Reload never races with ServeHTTP.
type Chain struct {
	mode    config.Mode
	logger  *slog.Logger
	metrics *observability.Metrics
	store   ratelimit.Store

	authn       *auth.Authenticator
	authEnabled atomic.Bool

	limiter     atomic.Pointer[ratelimit.Limiter]
	keyStrategy atomic.Pointer[ratelimit.KeyStrategy]

	requestTimeout atomic.Int64 // time.Duration
	maxSubrequests atomic.Int64

	now func() time.Time
}

// New builds the chain from cfg. store may be nil when rate limiting is
// disabled; a nil store with rate limiting enabled is an error in production
// and disables limiting (with a warning) in development.
func New(cfg *config.Config, store ratelimit.Store, logger *slog.Logger, metrics *observability.Metrics) (*Chain, error) {
	c := &Chain{
		mode:    cfg.Mode,
		logger:  logger,
		metrics: metrics,
		store:   store,
		authn:   auth.New(cfg.Auth.Header, cfg.Auth.APIKeys),
		now:     time.Now,
	}
	if err := c.apply(cfg); err != nil {
		return nil, err
	}

	lim := c.limiter.Load()
	logger.Info("middleware chain ready",
		"mode", cfg.Mode,
		"auth", cfg.Auth.Enabled,
		"rate_limit", lim != nil,
		"max_subrequests", cfg.Proxy.MaxSubrequests)
	return c, nil
}

// apply installs the reloadable parts of cfg.
func (c *Chain) apply(cfg *config.Config) error {
	ks, err := ratelimit.NewKeyStrategy(cfg.RateLimit.KeyStrategy)
	if err != nil {
		return fmt.Errorf("key strategy: %w", err)
	}

	lim, err := c.buildLimiter(cfg)
	if err != nil {
		return err
	}

	c.keyStrategy.Store(&ks)
	c.limiter.Store(lim)
	c.authn.SetKeys(cfg.Auth.APIKeys)
	c.authEnabled.Store(cfg.Auth.Enabled)
	c.requestTimeout.Store(int64(config.MustParseDuration(cfg.Server.RequestTimeout, 0)))
	c.maxSubrequests.Store(int64(max(cfg.Proxy.MaxSubrequests, 1)))
	return nil
}

func (c *Chain) buildLimiter(cfg *config.Config) (*ratelimit.Limiter, error) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil, nil
	}
	if c.store == nil {
		if !c.mode.IsDevelopment() {
			return nil, errors.New("rate limiting is enabled but no counter store is configured")
		}
		c.logger.Warn("no rate-limit store configured, rate limiting disabled (development mode)")
		return nil, nil
	}
	rule := ratelimit.Rule{
		Limit:  rl.Limit,
		Window: config.MustParseDuration(rl.Window, time.Minute),
	}
	return ratelimit.NewLimiter(c.store, rule, rl.KeyPrefix, c.logger), nil
}

// Reload swaps auth keys, rate-limit parameters, the key strategy, the
// request timeout and the subrequest limit. The store and mode are fixed
// for the lifetime of the chain.
func (c *Chain) Reload(newCfg *config.Config) error {
	if err := c.apply(newCfg); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	c.logger.Info("middleware chain reloaded",
		"limit", newCfg.RateLimit.Limit, "window", newCfg.RateLimit.Window,
		"auth", newCfg.Auth.Enabled, "keys", len(newCfg.Auth.APIKeys))
	return nil
}

// Middlewares returns the pipeline stages in order.
func (c *Chain) Middlewares() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		c.Observe,
		c.Recover,
		c.Timeout,
		c.Authenticate,
		c.RateLimit,
		c.Budget,
	}
}

// Handler wraps next in every pipeline stage. Used where no chi router is
// involved; route labels then fall back to "unmatched".
func (c *Chain) Handler(next http.Handler) http.Handler {
	mws := c.Middlewares()
	for i := len(mws) - 1; i >= 0; i-- {
		next = mws[i](next)
	}
	return next
}

func (c *Chain) errorOptions(r *http.Request) apierror.Options {
	return apierror.Options{Mode: c.mode, RequestID: RequestID(r)}
}

func (c *Chain) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apierror.Write(w, err, c.errorOptions(r))
}

// Observe assigns the request ID, records the request duration histogram
// and writes one access log line per request.
func (c *Chain) Observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := ensureRequestID(w, r)
		rw := acquireRecorder(w)
		defer releaseRecorder(rw)

		next.ServeHTTP(rw, r)

		route := routePattern(r)
		elapsed := time.Since(start)
		c.metrics.ObserveRequest(route, r.Method, rw.status, elapsed)

		level := slog.LevelInfo
		if rw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		c.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", rw.status,
			"bytes", rw.bytes,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", reqID)
	})
}

// routePattern returns the chi route template (e.g.
// "/v1/evm/balances/{address}") so metric labels stay low-cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Recover turns a handler panic into the 500 error contract.
func (c *Chain) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := acquireRecorder(w)
		defer releaseRecorder(rw)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			c.metrics.IncPanics()
			c.logger.Error("panic serving request",
				"panic", fmt.Sprint(rec),
				"path", r.URL.Path,
				"request_id", RequestID(r),
				"stack", string(debug.Stack()))
			if !rw.wroteHeader {
				c.writeError(rw, r, apierror.Wrap(apierror.KindInternal, fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// Timeout bounds the request context by server.request_timeout.
func (c *Chain) Timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := time.Duration(c.requestTimeout.Load())
		if d <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate rejects requests without a valid API key when auth is
// enabled and stores the client identity in the context.
func (c *Chain) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.authEnabled.Load() {
			next.ServeHTTP(w, r)
			return
		}

		_, span := observability.Tracer().Start(r.Context(), "chainproxy.auth")
		id, err := c.authn.Authenticate(r)
		span.End()
		if err != nil {
			c.metrics.IncAuthDenied()
			c.logger.Debug("request unauthenticated", "reason", err, "request_id", RequestID(r))
			w.Header().Set("WWW-Authenticate", `Bearer realm="chainproxy"`)
			c.writeError(w, r, apierror.Wrap(apierror.KindUnauthorized, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// RateLimit enforces the fixed-window limit per (client, path). Store
// failures deny with 500 in production and are let through in development.
func (c *Chain) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lim := c.limiter.Load()
		if lim == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientID, err := (*c.keyStrategy.Load()).Extract(r)
		if err != nil {
			c.logger.Warn("rate-limit key extraction failed", "error", err, "request_id", RequestID(r))
			c.writeError(w, r, apierror.Wrap(apierror.KindInvalidRequest, err).
				WithMessage("Could not identify client"))
			return
		}

		ctx, span := observability.Tracer().Start(r.Context(), "chainproxy.ratelimit")
		d, err := lim.Check(ctx, clientID, r.URL.Path)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store error")
			span.End()
			c.handleStoreError(w, r, next, err)
			return
		}
		span.SetAttributes(
			attribute.Bool("rate_limit.allowed", d.Allowed),
			attribute.Int64("rate_limit.remaining", d.Remaining),
		)
		span.End()

		c.setRateLimitHeaders(w, d)
		c.metrics.ObserveRemaining(d.Remaining)

		if !d.Allowed {
			c.metrics.IncLimited()
			c.serveRateLimited(w, r, lim.Rule(), d)
			return
		}
		c.metrics.IncAllowed()
		next.ServeHTTP(w, r)
	})
}

func (c *Chain) handleStoreError(w http.ResponseWriter, r *http.Request, next http.Handler, err error) {
	c.metrics.IncStoreErrors()
	unreachable := iredis.IsConnectivityErr(err)
	if c.mode.IsDevelopment() {
		c.metrics.IncFailOpen()
		c.logger.Warn("rate-limit store error, allowing request (development mode)",
			"error", err, "unreachable", unreachable, "request_id", RequestID(r))
		next.ServeHTTP(w, r)
		return
	}
	c.logger.Error("rate-limit store error, denying request",
		"error", err, "unreachable", unreachable, "request_id", RequestID(r))
	c.writeError(w, r, apierror.Wrap(apierror.KindRateLimiterInternal, err))
}

// setRateLimitHeaders writes the rate-limit headroom headers on every
// limited response, allowed or denied. Reset is whole seconds until the
// window ends.
func (c *Chain) setRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))

	resetSeconds := int64(math.Ceil(d.ResetAt.Sub(c.now()).Seconds()))
	if resetSeconds < 0 {
		resetSeconds = 0
	}
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetSeconds, 10))
}

func (c *Chain) serveRateLimited(w http.ResponseWriter, r *http.Request, rule ratelimit.Rule, d *ratelimit.Decision) {
	retry := max(d.RetryAfter, 1)
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	c.writeError(w, r, apierror.RateLimited(rule.Window, rule.Limit, d.ResetAt))
}

// Budget attaches a fresh subrequest budget to each inbound request.
func (c *Chain) Budget(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := upstream.NewBudget(int(c.maxSubrequests.Load()))
		next.ServeHTTP(w, r.WithContext(upstream.WithBudget(r.Context(), b)))
	})
}
