package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/edgequota/chainproxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientSingle(t *testing.T) {
	t.Run("connects to valid single instance", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewClient(context.Background(), config.RedisConfig{
			Endpoints: []string{mr.Addr()},
			Mode:      config.RedisModeSingle,
		})
		require.NoError(t, err)
		defer client.Close()

		ctx := context.Background()
		require.NoError(t, client.Set(ctx, "k", "v", time.Minute).Err())
		got, err := client.Get(ctx, "k").Result()
		require.NoError(t, err)
		assert.Equal(t, "v", got)

		_, err = client.Get(ctx, "missing").Result()
		assert.True(t, IsNil(err))
		assert.ErrorIs(t, err, ErrNil)
	})

	t.Run("returns error for unreachable address", func(t *testing.T) {
		_, err := NewClient(context.Background(), config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1"},
			Mode:        config.RedisModeSingle,
			DialTimeout: "100ms",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis single: ping 127.0.0.1:1")
	})

	t.Run("without ping succeeds against an unreachable address", func(t *testing.T) {
		client, err := NewClientWithoutPing(config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1"},
			DialTimeout: "100ms",
		})
		require.NoError(t, err)
		defer client.Close()

		err = client.Ping(context.Background()).Err()
		require.Error(t, err)
		assert.True(t, IsConnectivityErr(err))
	})
}

func TestNewClientCluster(t *testing.T) {
	_, err := NewClient(context.Background(), config.RedisConfig{
		Endpoints:   []string{"127.0.0.1:1", "127.0.0.1:2"},
		Mode:        config.RedisModeCluster,
		DialTimeout: "100ms",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis cluster: ping")
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	t.Run("unknown mode", func(t *testing.T) {
		_, err := NewClient(context.Background(), config.RedisConfig{
			Endpoints: []string{"redis:6379"},
			Mode:      "replication",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown redis mode")
	})

	t.Run("no endpoints", func(t *testing.T) {
		_, err := NewClientWithoutPing(config.RedisConfig{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no endpoints")
	})
}

func TestUniversalOptions(t *testing.T) {
	t.Run("applies defaults for empty values", func(t *testing.T) {
		opts, err := universalOptions(config.RedisConfig{Endpoints: []string{"redis:6379"}})
		require.NoError(t, err)

		assert.Equal(t, defaultPoolSize, opts.PoolSize)
		assert.Equal(t, defaultDialTimeout, opts.DialTimeout)
		assert.Equal(t, defaultReadTimeout, opts.ReadTimeout)
		assert.Equal(t, defaultWriteTimeout, opts.WriteTimeout)
		assert.Equal(t, requestMaxRetries, opts.MaxRetries)
		assert.Nil(t, opts.TLSConfig)
		assert.Equal(t, "redis:6379", opts.Simple().Addr)
	})

	t.Run("sentinel settings reach the failover options", func(t *testing.T) {
		opts, err := universalOptions(config.RedisConfig{
			Endpoints:        []string{"s1:26379", "s2:26379"},
			Mode:             config.RedisModeSentinel,
			MasterName:       "mymaster",
			Password:         "pw",
			SentinelPassword: "spw",
			PoolSize:         20,
			DialTimeout:      "10s",
		})
		require.NoError(t, err)
		assert.Equal(t, 20, opts.PoolSize)
		assert.Equal(t, 10*time.Second, opts.DialTimeout)

		fo := opts.Failover()
		assert.Equal(t, "mymaster", fo.MasterName)
		assert.Equal(t, "pw", fo.Password)
		assert.Equal(t, "spw", fo.SentinelPassword)
		assert.Equal(t, []string{"s1:26379", "s2:26379"}, fo.SentinelAddrs)
	})

	t.Run("cluster options keep every seed", func(t *testing.T) {
		opts, err := universalOptions(config.RedisConfig{Endpoints: []string{"c1:6379", "c2:6379", "c3:6379"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"c1:6379", "c2:6379", "c3:6379"}, opts.Cluster().Addrs)
	})

	t.Run("tls skip verify is carried over", func(t *testing.T) {
		opts, err := universalOptions(config.RedisConfig{
			Endpoints: []string{"redis:6379"},
			TLS:       config.RedisTLSConfig{Enabled: true, InsecureSkipVerify: true},
		})
		require.NoError(t, err)
		require.NotNil(t, opts.TLSConfig)
		assert.True(t, opts.TLSConfig.InsecureSkipVerify)
	})

	t.Run("returns error for invalid dial timeout", func(t *testing.T) {
		_, err := universalOptions(config.RedisConfig{DialTimeout: "invalid"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dial_timeout")
	})
}

func TestIsConnectivityErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", fmt.Errorf("dial tcp: connection refused"), true},
		{"eof", fmt.Errorf("read tcp: EOF"), true},
		{"clusterdown", fmt.Errorf("CLUSTERDOWN The cluster is down"), true},
		{"loading", fmt.Errorf("LOADING Redis is loading the dataset in memory"), true},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("test")}, true},
		{"readonly", fmt.Errorf("READONLY You can't write"), false},
		{"other", fmt.Errorf("WRONGTYPE Operation against a key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectivityErr(tt.err))
		})
	}
}

func TestWarnInsecureRedis(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	WarnInsecureRedis(config.RedisTLSConfig{Enabled: true}, logger)
	assert.Empty(t, buf.String())

	WarnInsecureRedis(config.RedisTLSConfig{Enabled: true, InsecureSkipVerify: true}, logger)
	assert.Contains(t, buf.String(), "SECURITY WARNING")
}

func TestPinger(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), config.RedisConfig{Endpoints: []string{mr.Addr()}})
	require.NoError(t, err)
	defer client.Close()

	p := Pinger{Client: client}
	assert.NoError(t, p.Ping(context.Background()))

	mr.Close()
	assert.Error(t, p.Ping(context.Background()))
}
