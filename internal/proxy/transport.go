package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/edgequota/chainproxy/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
)

// NewHTTPClient builds the pooled upstream client. The transport negotiates
// HTTP/2 over TLS and is instrumented so every attempt is its own span.
func NewHTTPClient(cfg config.UpstreamConfig) (*http.Client, error) {
	dialTimeout := config.MustParseDuration(cfg.Transport.DialTimeout, 10*time.Second)
	dialKeepAlive := config.MustParseDuration(cfg.Transport.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout := config.MustParseDuration(cfg.Transport.TLSHandshakeTimeout, 10*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	responseTimeout := config.MustParseDuration(cfg.Timeout, 15*time.Second)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: responseTimeout,
	}
	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		return nil, err
	}
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 15 * time.Second

	return &http.Client{
		Transport: otelhttp.NewTransport(t),
		// Redirects are the upstream's business; surface them as responses.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
