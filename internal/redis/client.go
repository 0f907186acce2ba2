// Package redis provides a client factory for the rate-limit counter store
// in single, sentinel and cluster topologies. The Client interface is kept
// to the handful of commands the fixed-window counter needs.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/edgequota/chainproxy/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

// slogRedisLogger adapts slog.Logger to the go-redis internal.Logging interface.
type slogRedisLogger struct {
	logger *slog.Logger
}

func (l *slogRedisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger redirects go-redis internal logs to the given slog.Logger.
// Call once at startup before any Redis client is created.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(&slogRedisLogger{logger: logger})
}

// Client is the subset of go-redis chainproxy uses. *goredis.Client and
// *goredis.ClusterClient both satisfy it.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// ErrNil is returned by Get for a missing key.
var ErrNil = goredis.Nil

// NewClient creates the go-redis client for the configured topology and
// verifies connectivity with an initial Ping.
func NewClient(ctx context.Context, cfg config.RedisConfig) (Client, error) {
	return newClient(ctx, cfg, true)
}

// NewClientWithoutPing creates a client without checking connectivity.
// Commands connect lazily, so a store that is down at startup only
// surfaces on the first request.
func NewClientWithoutPing(cfg config.RedisConfig) (Client, error) {
	return newClient(context.Background(), cfg, false)
}

func newClient(ctx context.Context, cfg config.RedisConfig, ping bool) (Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("redis: no endpoints configured")
	}
	opts, err := universalOptions(cfg)
	if err != nil {
		return nil, err
	}

	mode := cfg.Mode
	if mode == "" {
		mode = config.RedisModeSingle
	}

	var c Client
	var target string
	switch mode {
	case config.RedisModeSingle:
		c = goredis.NewClient(opts.Simple())
		target = cfg.Endpoints[0]
	case config.RedisModeSentinel:
		c = goredis.NewFailoverClient(opts.Failover())
		target = fmt.Sprintf("master %q via %s", cfg.MasterName, strings.Join(cfg.Endpoints, ","))
	case config.RedisModeCluster:
		c = goredis.NewClusterClient(opts.Cluster())
		target = strings.Join(cfg.Endpoints, ",")
	default:
		return nil, fmt.Errorf("unknown redis mode: %s", mode)
	}

	if ping {
		pctx, cancel := context.WithTimeout(ctx, opts.DialTimeout+opts.ReadTimeout)
		defer cancel()
		if err := c.Ping(pctx).Err(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("redis %s: ping %s: %w", mode, target, err)
		}
	}

	return c, nil
}

// IsNil reports whether err is the go-redis "key does not exist" sentinel.
func IsNil(err error) bool { return errors.Is(err, goredis.Nil) }

// connectivityMarkers are substrings of errors that mean the server could
// not be reached or is not serving yet.
var connectivityMarkers = []string{
	"connection refused", "connection reset", "broken pipe",
	"EOF", "no such host", "no route to host",
	"network is unreachable", "i/o timeout",
	"CLUSTERDOWN", "LOADING",
}

// IsConnectivityErr reports whether err means the store is unreachable
// rather than misbehaving. A canceled context is neither.
func IsConnectivityErr(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := err.Error()
	for _, m := range connectivityMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Request-path calls fail fast: the limiter decides what a store failure
// means, so go-redis should not stall a request retrying on its own.
const (
	requestMaxRetries   = 1
	requestMinBackoff   = 8 * time.Millisecond
	requestMaxBackoff   = 100 * time.Millisecond
	defaultPoolSize     = 10
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// universalOptions maps the config onto the go-redis options shared by
// every topology. Simple, Failover and Cluster derive the per-mode options.
func universalOptions(cfg config.RedisConfig) (*goredis.UniversalOptions, error) {
	dial, err := config.ParseDuration(cfg.DialTimeout, defaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}
	read, err := config.ParseDuration(cfg.ReadTimeout, defaultReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}
	write, err := config.ParseDuration(cfg.WriteTimeout, defaultWriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	opts := &goredis.UniversalOptions{
		Addrs:            cfg.Endpoints,
		MasterName:       cfg.MasterName,
		Username:         cfg.Username,
		Password:         cfg.Password.Value(),
		SentinelUsername: cfg.SentinelUsername,
		SentinelPassword: cfg.SentinelPassword.Value(),
		DB:               cfg.DB,
		PoolSize:         poolSize,
		DialTimeout:      dial,
		ReadTimeout:      read,
		WriteTimeout:     write,
		MaxRetries:       requestMaxRetries,
		MinRetryBackoff:  requestMinBackoff,
		MaxRetryBackoff:  requestMaxBackoff,
	}
	if cfg.TLS.Enabled {
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // opt-in, warned at startup
		}
	}
	return opts, nil
}

// WarnInsecureRedis logs a prominent warning if Redis TLS skip verify is enabled.
func WarnInsecureRedis(cfgTLS config.RedisTLSConfig, logger *slog.Logger) {
	if cfgTLS.Enabled && cfgTLS.InsecureSkipVerify {
		logger.Warn("SECURITY WARNING: Redis TLS certificate verification is disabled (insecure_skip_verify=true); " +
			"Redis traffic is open to man-in-the-middle attacks")
	}
}

// Pinger adapts a Client to the error-returning Ping used by health checks.
type Pinger struct{ Client Client }

// Ping issues PING and returns its error.
func (p Pinger) Ping(ctx context.Context) error { return p.Client.Ping(ctx).Err() }
