// Package server orchestrates chainproxy's public API server and its admin
// server. The public server exposes the proxied routes behind the middleware
// chain; the admin server exposes health checks, readiness probes and
// Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/edgequota/chainproxy/internal/config"
	"github.com/edgequota/chainproxy/internal/middleware"
	"github.com/edgequota/chainproxy/internal/observability"
	"github.com/edgequota/chainproxy/internal/proxy"
	"github.com/edgequota/chainproxy/internal/ratelimit"
	iredis "github.com/edgequota/chainproxy/internal/redis"
	"github.com/edgequota/chainproxy/internal/routes"
	"github.com/edgequota/chainproxy/internal/schema"
)

// Server is the main chainproxy server.
type Server struct {
	cfg     atomic.Pointer[config.Config]
	logger  *slog.Logger
	level   *slog.LevelVar
	version string

	handler     http.Handler
	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server
	mainAddr    atomic.Value // string, set once the listener binds

	chain           *middleware.Chain
	proxy           *proxy.Proxy
	storeCloser     io.Closer
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error

	// certs and certWatcher are set by Run when TLS is enabled.
	certs       *certHolder
	certWatcher *config.Watcher
}

// Option configures optional Server behavior.
type Option func(*options)

type options struct {
	proxyOpts []proxy.Option
	level     *slog.LevelVar
}

// WithProxyOptions passes options through to the upstream proxy.
func WithProxyOptions(opts ...proxy.Option) Option {
	return func(o *options) { o.proxyOpts = append(o.proxyOpts, opts...) }
}

// WithLevelVar lets config reloads change the level of the logger the
// caller built with lvl.
func WithLevelVar(lvl *slog.LevelVar) Option {
	return func(o *options) { o.level = lvl }
}

// New creates a chainproxy server. It connects to the rate-limit store, so
// ctx bounds startup.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	logger.Info("configuration loaded", "mode", cfg.Mode, "upstream", cfg.Upstream.BaseURL)
	if cfg.Mode.IsDevelopment() {
		logger.Warn("running in development mode: error details are exposed and rate-limit store failures fail open")
	}

	store, closer, err := buildStore(ctx, cfg, logger, health)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:      logger,
		level:       o.level,
		version:     version,
		storeCloser: closer,
		health:      health,
		metrics:     metrics,
	}
	s.cfg.Store(cfg)

	if err := s.buildHandler(cfg, store, o.proxyOpts); err != nil {
		s.closeStore()
		return nil, err
	}
	s.mainServer, s.http3Server = buildMainServer(cfg, s.handler, logger)
	s.adminServer = buildAdminServer(cfg, health, reg, logger)
	return s, nil
}

// buildStore selects the rate-limit counter store. A nil store with a nil
// error means limiting is off or, in development, unavailable.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, health *observability.HealthChecker) (ratelimit.Store, io.Closer, error) {
	rl := cfg.RateLimit
	if !rl.Enabled {
		logger.Info("rate limiting disabled")
		return nil, nil, nil
	}

	if rl.Store == config.StoreMemory {
		ms, err := ratelimit.NewMemoryStore(rl.MemoryMaxKeys)
		if err != nil {
			return nil, nil, fmt.Errorf("memory rate-limit store: %w", err)
		}
		logger.Info("rate limiting with per-instance memory store", "max_keys", rl.MemoryMaxKeys)
		return ms, ms, nil
	}

	if !cfg.Redis.Configured() {
		if cfg.Mode.IsDevelopment() {
			logger.Warn("redis not configured, rate limiting disabled (development mode)")
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("rate limiting requires redis.endpoints in production")
	}

	iredis.InitLogger(logger)
	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	client, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		if !cfg.Mode.IsDevelopment() {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		// Keep a lazy client so limiting resumes once redis comes up; until
		// then every check fails open.
		logger.Warn("redis unreachable at startup, continuing (development mode)", "error", err)
		client, err = iredis.NewClientWithoutPing(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis client: %w", err)
		}
	}

	health.SetCheck("redis", iredis.Pinger{Client: client})
	store := ratelimit.NewRedisStore(client)
	logger.Info("rate limiting with redis store", "mode", cfg.Redis.Mode, "endpoints", cfg.Redis.Endpoints)
	return store, store, nil
}

func (s *Server) buildHandler(cfg *config.Config, store ratelimit.Store, proxyOpts []proxy.Option) error {
	schemas, err := schema.Load()
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}

	opts := append([]proxy.Option{proxy.WithMaxRequestBody(cfg.Server.MaxRequestBodyBytes)}, proxyOpts...)
	p, err := proxy.New(cfg.Upstream, cfg.Proxy, cfg.Mode, s.version, s.metrics, s.logger, opts...)
	if err != nil {
		return fmt.Errorf("create proxy: %w", err)
	}

	chain, err := middleware.New(cfg, store, s.logger, s.metrics)
	if err != nil {
		p.Close()
		return fmt.Errorf("create middleware chain: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chain.Middlewares()...)
	if err := routes.Register(r, p, schemas, cfg.Mode); err != nil {
		p.Close()
		return fmt.Errorf("register routes: %w", err)
	}

	s.proxy = p
	s.chain = chain
	s.handler = otelhttp.NewHandler(r, "chainproxy",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
	return nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // same as the TCP server
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT data is replayable
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

// Handler returns the public API handler (router plus middleware, without
// the h2c and Alt-Svc wrappers).
func (s *Server) Handler() http.Handler { return s.handler }

// AdminHandler returns the admin mux.
func (s *Server) AdminHandler() http.Handler { return s.adminServer.Handler }

// Addr returns the bound address of the public listener, or "" before Run
// has bound it.
func (s *Server) Addr() string {
	a, _ := s.mainAddr.Load().(string)
	return a
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both the main and admin servers and blocks until the context is
// canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Load()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, cfg.TracingSampleRate(), s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has bound, so readiness is
	// never reported before connections can be accepted.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(ctx, errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("chainproxy is ready", "version", s.version, "address", s.Addr())
	case srvErr := <-errCh:
		s.releaseResources(context.Background())
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.adminServer.Addr)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(ctx context.Context, errCh chan<- error, readyCh chan struct{}) {
	cfg := s.cfg.Load()
	s.logger.Info("proxy server starting",
		"address", cfg.Server.Address,
		"upstream", cfg.Upstream.BaseURL,
		"tls", cfg.Server.TLS.Enabled,
		"http3", cfg.Server.TLS.HTTP3Enabled)

	var tlsCfg *tls.Config
	if cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch
		s.watchCerts(ctx, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)

		tlsCfg = &tls.Config{
			MinVersion:     max(tlsMinVersion(cfg), tls.VersionTLS12),
			GetCertificate: ch.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		s.mainServer.TLSConfig = tlsCfg

		// HTTP/3 shares the TLS config so both listeners enforce the same
		// MinVersion and certificate.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}
	}

	// Separate Listen from Serve so readiness is signaled after bind.
	ln, listenErr := net.Listen("tcp", cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("proxy server listen: %w", listenErr)
		return
	}
	s.mainAddr.Store(ln.Addr().String())
	close(readyCh)

	var err error
	if tlsCfg != nil {
		err = s.mainServer.Serve(tls.NewListener(ln, tlsCfg))
	} else {
		err = s.mainServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("proxy server: %w", err)
	}
}

// watchCerts reloads the certificate whenever either file changes on disk
// (including Kubernetes secret symlink swaps).
func (s *Server) watchCerts(ctx context.Context, certFile, keyFile string) {
	s.certWatcher = config.NewWatcher(func() {
		if err := s.certs.Reload(certFile, keyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
			return
		}
		s.logger.Info("TLS certificates reloaded")
	}, s.logger, certFile, keyFile)

	go func() {
		if err := s.certWatcher.Start(ctx); err != nil {
			s.logger.Error("certificate watcher error", "error", err)
		}
	}()
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	cfg := s.cfg.Load()
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload applies a new config. Auth keys, rate-limit parameters, the
// request timeout, the subrequest limit and the log level change in place;
// fields that need a restart are logged and left at their running values.
func (s *Server) Reload(newCfg *config.Config) error {
	old := s.cfg.Load()
	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart and were not applied", "fields", fields)
	}

	if err := s.chain.Reload(newCfg); err != nil {
		return err
	}
	if s.level != nil {
		s.level.Set(observability.ParseLevel(newCfg.Logging.Level))
	}

	s.cfg.Store(newCfg)
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Load().Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.releaseResources(shutdownCtx)
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) releaseResources(ctx context.Context) {
	if s.certWatcher != nil {
		s.certWatcher.Stop()
	}
	s.proxy.Close()
	s.closeStore()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
}

// Close releases the proxy and store without running the servers. Used
// when New succeeded but Run is never called.
func (s *Server) Close() {
	s.proxy.Close()
	s.closeStore()
}

func (s *Server) closeStore() {
	if s.storeCloser == nil {
		return
	}
	if err := s.storeCloser.Close(); err != nil {
		s.logger.Error("rate-limit store close error", "error", err)
	}
	s.storeCloser = nil
}
