package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/edgequota/chainproxy/internal/config"
	"github.com/edgequota/chainproxy/internal/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestRedisClient(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(context.Background(), config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(store Store, limit int64, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	l := NewLimiter(store, Rule{Limit: limit, Window: window}, "ratelimit", testLogger)
	l.now = clock.now
	return l, clock
}

func TestLimiterCheck(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"redis": func(t *testing.T) Store {
			client, _ := newTestRedisClient(t)
			return NewRedisStore(client)
		},
		"memory": func(t *testing.T) Store {
			s, err := NewMemoryStore(1000)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("first request opens a window", func(t *testing.T) {
				l, clock := newTestLimiter(mk(t), 3, time.Minute)

				d, err := l.Check(context.Background(), "client", "/v1/evm/balances/0xabc")
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.Equal(t, int64(3), d.Limit)
				assert.Equal(t, int64(2), d.Remaining)
				assert.Equal(t, clock.t.Add(time.Minute).UnixMilli(), d.ResetAt.UnixMilli())
				assert.Zero(t, d.RetryAfter)
			})

			t.Run("limit+1 is denied with positive retry-after", func(t *testing.T) {
				l, clock := newTestLimiter(mk(t), 3, time.Minute)
				ctx := context.Background()

				for i := int64(1); i <= 3; i++ {
					d, err := l.Check(ctx, "client", "/p")
					require.NoError(t, err)
					assert.True(t, d.Allowed, "request %d", i)
					assert.Equal(t, 3-i, d.Remaining)
					clock.advance(10 * time.Second)
				}

				d, err := l.Check(ctx, "client", "/p")
				require.NoError(t, err)
				assert.False(t, d.Allowed)
				assert.Equal(t, int64(0), d.Remaining)
				// Window opened 30s ago; 30s remain.
				assert.Equal(t, int64(30), d.RetryAfter)

				clock.advance(500 * time.Millisecond)
				d, err = l.Check(ctx, "client", "/p")
				require.NoError(t, err)
				assert.False(t, d.Allowed)
				assert.Equal(t, int64(30), d.RetryAfter, "partial seconds round up")
			})

			t.Run("request after reset starts a new window", func(t *testing.T) {
				l, clock := newTestLimiter(mk(t), 1, 10*time.Second)
				ctx := context.Background()

				d, err := l.Check(ctx, "client", "/p")
				require.NoError(t, err)
				assert.True(t, d.Allowed)

				d, err = l.Check(ctx, "client", "/p")
				require.NoError(t, err)
				assert.False(t, d.Allowed)

				clock.advance(10 * time.Second)
				d, err = l.Check(ctx, "client", "/p")
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.Equal(t, int64(0), d.Remaining)
			})

			t.Run("clients and paths are independent", func(t *testing.T) {
				l, _ := newTestLimiter(mk(t), 1, time.Minute)
				ctx := context.Background()

				d, _ := l.Check(ctx, "a", "/p")
				assert.True(t, d.Allowed)
				d, _ = l.Check(ctx, "a", "/p")
				assert.False(t, d.Allowed)

				d, _ = l.Check(ctx, "b", "/p")
				assert.True(t, d.Allowed)
				d, _ = l.Check(ctx, "a", "/q")
				assert.True(t, d.Allowed)
			})
		})
	}
}

func TestLimiterRedisRecordFormat(t *testing.T) {
	client, mr := newTestRedisClient(t)
	l, clock := newTestLimiter(NewRedisStore(client), 5, time.Minute)
	ctx := context.Background()

	_, err := l.Check(ctx, "client-1", "/v1/evm/transactions/0xabc")
	require.NoError(t, err)
	clock.advance(15 * time.Second)
	_, err = l.Check(ctx, "client-1", "/v1/evm/transactions/0xabc")
	require.NoError(t, err)

	key := "ratelimit:client-1:/v1/evm/transactions/0xabc"
	raw, err := mr.Get(key)
	require.NoError(t, err)

	var w map[string]int64
	require.NoError(t, json.Unmarshal([]byte(raw), &w))
	assert.Equal(t, int64(2), w["count"])
	assert.Equal(t, int64(1_700_000_000_000+60_000), w["resetTime"])

	// TTL tracks the time left in the window, not the full window.
	assert.Equal(t, 45*time.Second, mr.TTL(key))
}

func TestLimiterDenyDoesNotMutate(t *testing.T) {
	client, mr := newTestRedisClient(t)
	l, _ := newTestLimiter(NewRedisStore(client), 1, time.Minute)
	ctx := context.Background()

	_, err := l.Check(ctx, "c", "/p")
	require.NoError(t, err)
	before, _ := mr.Get("ratelimit:c:/p")

	d, err := l.Check(ctx, "c", "/p")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	after, _ := mr.Get("ratelimit:c:/p")
	assert.Equal(t, before, after)
}

func TestLimiterStoreFailure(t *testing.T) {
	client, mr := newTestRedisClient(t)
	l, _ := newTestLimiter(NewRedisStore(client), 5, time.Minute)
	mr.Close()

	d, err := l.Check(context.Background(), "c", "/p")
	assert.Nil(t, d)
	require.Error(t, err)
	assert.True(t, redis.IsConnectivityErr(err))
}

func TestLimiterCorruptRecordIsReplaced(t *testing.T) {
	client, mr := newTestRedisClient(t)
	l, _ := newTestLimiter(NewRedisStore(client), 5, time.Minute)
	require.NoError(t, mr.Set("ratelimit:c:/p", "not-json"))

	d, err := l.Check(context.Background(), "c", "/p")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Remaining)
}

type failingStore struct{ getErr, setErr error }

func (f failingStore) Get(context.Context, string) (*Window, error) { return nil, f.getErr }
func (f failingStore) Set(context.Context, string, Window, time.Duration) error {
	return f.setErr
}

func TestLimiterSetFailure(t *testing.T) {
	boom := errors.New("write failed")
	l, _ := newTestLimiter(failingStore{setErr: boom}, 5, time.Minute)

	_, err := l.Check(context.Background(), "c", "/p")
	assert.ErrorIs(t, err, boom)
}

func TestCeilSeconds(t *testing.T) {
	assert.Equal(t, int64(0), ceilSeconds(0))
	assert.Equal(t, int64(0), ceilSeconds(-5))
	assert.Equal(t, int64(1), ceilSeconds(1))
	assert.Equal(t, int64(1), ceilSeconds(1000))
	assert.Equal(t, int64(2), ceilSeconds(1001))
}
