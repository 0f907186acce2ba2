package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgequota/chainproxy/internal/auth"
	"github.com/edgequota/chainproxy/internal/config"
	"github.com/edgequota/chainproxy/internal/observability"
	"github.com/edgequota/chainproxy/internal/ratelimit"
	"github.com/edgequota/chainproxy/internal/redis"
	"github.com/edgequota/chainproxy/internal/upstream"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(mode config.Mode) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.RateLimit.Limit = 2
	cfg.RateLimit.Window = "60s"
	cfg.RateLimit.KeyStrategy.Type = config.KeyStrategyClientIP
	return cfg
}

func newRedisStore(t *testing.T) (*ratelimit.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(context.Background(), config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	store := ratelimit.NewRedisStore(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func newTestChain(t *testing.T, cfg *config.Config, store ratelimit.Store) (*Chain, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	c, err := New(cfg, store, testLogger, m)
	require.NoError(t, err)
	return c, m
}

// okHandler answers 200 with the identity and budget it observed.
func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.IdentityFromContext(r.Context())
		w.Header().Set("X-Test-Identity", id)
		if b, ok := upstream.BudgetFrom(r.Context()); ok {
			w.Header().Set("X-Test-Budget", strconv.Itoa(b.Limit()))
		}
		w.WriteHeader(http.StatusOK)
	})
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newRequest(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.7:5000"
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRequestIDPropagation(t *testing.T) {
	cfg := testConfig(config.ModeProduction)
	cfg.RateLimit.Enabled = false
	c, _ := newTestChain(t, cfg, nil)
	h := c.Handler(okHandler())

	t.Run("generated when absent", func(t *testing.T) {
		rec := do(h, newRequest("/x"))
		id := rec.Header().Get(requestIDHeader)
		assert.Len(t, id, 36)
	})

	t.Run("valid inbound id is kept", func(t *testing.T) {
		req := newRequest("/x")
		req.Header.Set(requestIDHeader, "abc-123")
		rec := do(h, req)
		assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
	})

	t.Run("unsafe inbound id is replaced", func(t *testing.T) {
		req := newRequest("/x")
		req.Header.Set(requestIDHeader, "has space")
		rec := do(h, req)
		assert.NotEqual(t, "has space", rec.Header().Get(requestIDHeader))
	})
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("req-1"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID(strings.Repeat("a", maxRequestIDLen+1)))
	assert.False(t, validRequestID("a\r\nb"))
	assert.False(t, validRequestID("é"))
}

func TestAuthenticate(t *testing.T) {
	cfg := testConfig(config.ModeProduction)
	cfg.RateLimit.Enabled = false
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []string{"secret-key"}
	c, m := newTestChain(t, cfg, nil)
	h := c.Handler(okHandler())

	t.Run("missing key", func(t *testing.T) {
		rec := do(h, newRequest("/x"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Unauthorized", decodeBody(t, rec)["error"])
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("invalid key", func(t *testing.T) {
		req := newRequest("/x")
		req.Header.Set("X-Api-Key", "nope")
		rec := do(h, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("header key", func(t *testing.T) {
		req := newRequest("/x")
		req.Header.Set("X-Api-Key", "secret-key")
		rec := do(h, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, auth.Identity("secret-key"), rec.Header().Get("X-Test-Identity"))
	})

	t.Run("bearer token", func(t *testing.T) {
		req := newRequest("/x")
		req.Header.Set("Authorization", "Bearer secret-key")
		rec := do(h, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	assert.Equal(t, int64(2), m.Snapshot().AuthDenied)
}

func TestRateLimit(t *testing.T) {
	store, _ := newRedisStore(t)
	c, m := newTestChain(t, testConfig(config.ModeProduction), store)
	h := c.Handler(okHandler())

	first := do(h, newRequest("/v1/evm/balances/a"))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	reset, err := strconv.Atoi(first.Header().Get("X-RateLimit-Reset"))
	require.NoError(t, err)
	assert.InDelta(t, 60, reset, 1)

	second := do(h, newRequest("/v1/evm/balances/a"))
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	third := do(h, newRequest("/v1/evm/balances/a"))
	require.Equal(t, http.StatusTooManyRequests, third.Code)
	retry, err := strconv.Atoi(third.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retry)
	assert.LessOrEqual(t, retry, 60)

	body := decodeBody(t, third)
	assert.Equal(t, "Rate limit exceeded", body["error"])
	details, ok := body["details"].(map[string]any)
	require.True(t, ok, "rate-limit details are public")
	assert.Equal(t, "1m0s", details["window"])
	assert.Equal(t, float64(2), details["limit"])
	assert.NotEmpty(t, details["reset"])

	t.Run("other paths have their own window", func(t *testing.T) {
		rec := do(h, newRequest("/v1/evm/balances/b"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Allowed)
	assert.Equal(t, int64(1), snap.Limited)
}

// errStore fails every operation.
type errStore struct{}

func (errStore) Get(context.Context, string) (*ratelimit.Window, error) {
	return nil, errors.New("store down")
}

func (errStore) Set(context.Context, string, ratelimit.Window, time.Duration) error {
	return errors.New("store down")
}

func TestRateLimitStoreFailure(t *testing.T) {
	t.Run("production fails closed", func(t *testing.T) {
		c, m := newTestChain(t, testConfig(config.ModeProduction), errStore{})
		rec := do(c.Handler(okHandler()), newRequest("/x"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "Rate limiter unavailable", body["error"])
		assert.NotContains(t, body, "details")
		assert.Equal(t, int64(1), m.Snapshot().StoreErrors)
		assert.Zero(t, m.Snapshot().FailOpen)
	})

	t.Run("development fails open", func(t *testing.T) {
		c, m := newTestChain(t, testConfig(config.ModeDevelopment), errStore{})
		rec := do(c.Handler(okHandler()), newRequest("/x"))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, int64(1), m.Snapshot().FailOpen)
	})

	t.Run("redis outage in production", func(t *testing.T) {
		store, mr := newRedisStore(t)
		c, _ := newTestChain(t, testConfig(config.ModeProduction), store)
		mr.Close()

		rec := do(c.Handler(okHandler()), newRequest("/x"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestNewWithoutStore(t *testing.T) {
	t.Run("production refuses to start", func(t *testing.T) {
		_, err := New(testConfig(config.ModeProduction), nil, testLogger,
			observability.NewMetrics(prometheus.NewRegistry()))
		assert.Error(t, err)
	})

	t.Run("development skips limiting", func(t *testing.T) {
		c, _ := newTestChain(t, testConfig(config.ModeDevelopment), nil)
		h := c.Handler(okHandler())
		for range 5 {
			rec := do(h, newRequest("/x"))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
		}
	})

	t.Run("disabled rate limiting needs no store", func(t *testing.T) {
		cfg := testConfig(config.ModeProduction)
		cfg.RateLimit.Enabled = false
		_, err := New(cfg, nil, testLogger, observability.NewMetrics(prometheus.NewRegistry()))
		assert.NoError(t, err)
	})
}

func TestRecover(t *testing.T) {
	cfg := testConfig(config.ModeProduction)
	cfg.RateLimit.Enabled = false
	c, m := newTestChain(t, cfg, nil)

	t.Run("panic becomes 500", func(t *testing.T) {
		h := c.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rec := do(h, newRequest("/x"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "Failed to proxy request", body["error"])
		assert.Equal(t, rec.Header().Get(requestIDHeader), body["requestId"])
		assert.NotContains(t, body, "details")
		assert.Equal(t, int64(1), m.Snapshot().Panics)
	})

	t.Run("panic after headers keeps the status", func(t *testing.T) {
		h := c.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			panic("late")
		}))
		rec := do(h, newRequest("/x"))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("abort handler is re-raised", func(t *testing.T) {
		h := c.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			do(h, newRequest("/x"))
		})
	})
}

func TestBudgetAndTimeout(t *testing.T) {
	cfg := testConfig(config.ModeProduction)
	cfg.RateLimit.Enabled = false
	cfg.Proxy.MaxSubrequests = 7
	cfg.Server.RequestTimeout = "2s"
	c, _ := newTestChain(t, cfg, nil)

	var deadline time.Time
	var budgets []*upstream.Budget
	h := c.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, _ = r.Context().Deadline()
		b, ok := upstream.BudgetFrom(r.Context())
		require.True(t, ok)
		require.NoError(t, b.Take())
		budgets = append(budgets, b)
	}))

	do(h, newRequest("/x"))
	do(h, newRequest("/x"))

	require.Len(t, budgets, 2)
	assert.Equal(t, 7, budgets[0].Limit())
	assert.NotSame(t, budgets[0], budgets[1], "each request gets its own budget")
	assert.Equal(t, 1, budgets[1].Used())
	assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
}

func TestReload(t *testing.T) {
	store, _ := newRedisStore(t)
	cfg := testConfig(config.ModeProduction)
	cfg.RateLimit.Limit = 1
	c, _ := newTestChain(t, cfg, store)
	h := c.Handler(okHandler())

	require.Equal(t, http.StatusOK, do(h, newRequest("/x")).Code)
	require.Equal(t, http.StatusTooManyRequests, do(h, newRequest("/x")).Code)

	next := testConfig(config.ModeProduction)
	next.RateLimit.Limit = 5
	next.RateLimit.KeyPrefix = "v2"
	next.Auth.Enabled = true
	next.Auth.APIKeys = []string{"k2"}
	next.Proxy.MaxSubrequests = 3
	require.NoError(t, c.Reload(next))

	assert.Equal(t, http.StatusUnauthorized, do(h, newRequest("/x")).Code)

	req := newRequest("/x")
	req.Header.Set("X-Api-Key", "k2")
	rec := do(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "3", rec.Header().Get("X-Test-Budget"))

	t.Run("invalid config keeps the old state", func(t *testing.T) {
		bad := testConfig(config.ModeProduction)
		bad.RateLimit.KeyStrategy = config.KeyStrategyConfig{
			Type:           config.KeyStrategyClientIP,
			TrustedProxies: []string{"not-a-cidr"},
		}
		assert.Error(t, c.Reload(bad))

		req := newRequest("/x")
		req.Header.Set("X-Api-Key", "k2")
		assert.Equal(t, "5", do(h, req).Header().Get("X-RateLimit-Limit"))
	})
}

func TestObserveUsesRoutePattern(t *testing.T) {
	cfg := testConfig(config.ModeProduction)
	cfg.RateLimit.Enabled = false
	c, m := newTestChain(t, cfg, nil)

	r := chi.NewRouter()
	r.Use(c.Middlewares()...)
	r.Get("/v1/evm/balances/{address}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	do(r, newRequest("/v1/evm/balances/0xabc"))
	do(r, newRequest("/v1/evm/balances/0xdef"))
	do(r, newRequest("/nowhere"))

	assert.Equal(t, 2, testutil.CollectAndCount(m.PromRequestDuration))
	assert.Equal(t, uint64(2), histogramCount(t, m, "/v1/evm/balances/{address}", "GET", "200"))
}

func histogramCount(t *testing.T, m *observability.Metrics, labels ...string) uint64 {
	t.Helper()
	obs, err := m.PromRequestDuration.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	h, ok := obs.(prometheus.Histogram)
	require.True(t, ok)
	var out dto.Metric
	require.NoError(t, h.Write(&out))
	return out.GetHistogram().GetSampleCount()
}
