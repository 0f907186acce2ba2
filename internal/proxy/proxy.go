// Package proxy executes one upstream call on behalf of an inbound request:
// budget check, in-flight deduplication, header construction, bounded
// retries, a size-capped read and schema validation. Every failure leaves
// as an *apierror.Error.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgequota/chainproxy/internal/apierror"
	"github.com/edgequota/chainproxy/internal/config"
	"github.com/edgequota/chainproxy/internal/observability"
	"github.com/edgequota/chainproxy/internal/schema"
	"github.com/edgequota/chainproxy/internal/upstream"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const requestIDHeader = "X-Request-Id"

const (
	cachePublic  = "public, max-age=3600"
	cachePrivate = "private, no-cache"
)

// Target is what a route hands the proxy: an expanded upstream path, the
// query to forward and the schema a 2xx body must satisfy.
type Target struct {
	Path   string
	Query  url.Values
	Schema *schema.Schema
}

// Response is a proxied upstream response ready to write.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	JSON   any
	// Shared is true when the body came from another request's in-flight call.
	Shared bool
}

// Option configures optional proxy behavior.
type Option func(*Proxy)

// WithClient replaces the upstream HTTP client.
func WithClient(c upstream.Doer) Option {
	return func(p *Proxy) { p.client = c }
}

// WithRegistry replaces the dedup registry.
func WithRegistry(r *upstream.Registry) Option {
	return func(p *Proxy) { p.dedup = r }
}

// WithSleep replaces the retry backoff sleep.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Proxy) { p.policy.Sleep = sleep }
}

// WithMaxRequestBody caps inbound bodies forwarded upstream. 0 is unlimited.
func WithMaxRequestBody(n int64) Option {
	return func(p *Proxy) { p.maxRequestBody = n }
}

// Proxy is the upstream orchestrator. It is safe for concurrent use.
type Proxy struct {
	base           *url.URL
	apiKey         string
	apiKeyHeader   string
	userAgent      string
	maxBytes       int64
	maxSubrequests int
	maxRequestBody int64
	mode           config.Mode

	client  upstream.Doer
	dedup   *upstream.Registry
	policy  upstream.Policy
	sem     *semaphore.Weighted
	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a proxy for the configured upstream.
func New(
	up config.UpstreamConfig,
	pc config.ProxyConfig,
	mode config.Mode,
	version string,
	metrics *observability.Metrics,
	logger *slog.Logger,
	opts ...Option,
) (*Proxy, error) {
	base, err := url.Parse(strings.TrimRight(up.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL %q: %w", up.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q: scheme and host are required", up.BaseURL)
	}

	p := &Proxy{
		base:           base,
		apiKey:         up.APIKey.Value(),
		apiKeyHeader:   up.APIKeyHeader,
		userAgent:      "chainproxy/" + version,
		maxBytes:       up.MaxResponseBytes,
		maxSubrequests: pc.MaxSubrequests,
		mode:           mode,
		metrics:        metrics,
		logger:         logger,
		tracer:         observability.Tracer(),
		policy: upstream.Policy{
			MaxRetries: up.Retry.MaxRetries,
			Backoff: upstream.Backoff{
				Initial:    config.MustParseDuration(up.Retry.InitialDelay, time.Second),
				Max:        config.MustParseDuration(up.Retry.MaxDelay, 10*time.Second),
				Multiplier: up.Retry.Multiplier,
			},
			ShouldRetry: upstream.ProxyShouldRetry,
		},
	}
	if p.apiKeyHeader == "" {
		p.apiKeyHeader = "X-Sim-Api-Key"
	}
	if p.maxSubrequests <= 0 {
		p.maxSubrequests = upstream.DefaultSubrequestLimit
	}
	if up.MaxConcurrent > 0 {
		p.sem = semaphore.NewWeighted(up.MaxConcurrent)
	}
	p.policy.OnRetry = p.onRetry

	for _, o := range opts {
		o(p)
	}

	if p.client == nil {
		c, err := NewHTTPClient(up)
		if err != nil {
			return nil, err
		}
		p.client = c
	}
	if p.dedup == nil {
		p.dedup = upstream.NewRegistry(config.MustParseDuration(pc.DedupWindow, upstream.DefaultDedupWindow))
	}
	if p.dedup.OnShared == nil {
		p.dedup.OnShared = metrics.IncDedupShared
	}
	return p, nil
}

// Close stops the dedup registry's pending timers.
func (p *Proxy) Close() {
	p.dedup.Close()
}

// URL returns the upstream URL for a target.
func (p *Proxy) URL(t Target) string {
	u := *p.base
	u.Path = p.base.Path + "/" + strings.TrimLeft(t.Path, "/")
	u.RawQuery = t.Query.Encode()
	return u.String()
}

// Serve proxies r to t and writes the result or the error contract.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, t Target) {
	resp, err := p.Execute(r.Context(), r, t)
	if err != nil {
		n := apierror.Write(w, err, apierror.Options{Mode: p.mode, RequestID: r.Header.Get(requestIDHeader)})
		if errors.Is(err, context.Canceled) {
			p.logger.Debug("client went away", "path", t.Path)
			return
		}
		p.logger.Warn("proxy request failed",
			"path", t.Path, "kind", n.Kind, "status", n.Status, "cause", n.Cause,
			"request_id", r.Header.Get(requestIDHeader))
		return
	}

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

// Execute performs the upstream call for in against t. in supplies the
// method, body and request id; its context is not used in place of ctx.
func (p *Proxy) Execute(ctx context.Context, in *http.Request, t Target) (*Response, error) {
	target := p.URL(t)
	ctx, span := p.tracer.Start(ctx, "chainproxy.proxy",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", in.Method),
			attribute.String("upstream.path", t.Path),
		))
	defer span.End()

	resp, err := p.execute(ctx, in, t, target)
	if err != nil {
		err = classify(err)
		e, _ := apierror.As(err)
		span.SetStatus(codes.Error, string(e.Kind))
		span.SetAttributes(attribute.String("error.kind", string(e.Kind)))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.Status),
		attribute.Bool("dedup.shared", resp.Shared),
	)
	return resp, nil
}

func (p *Proxy) execute(ctx context.Context, in *http.Request, t Target, target string) (*Response, error) {
	budget, ok := upstream.BudgetFrom(ctx)
	if !ok {
		budget = upstream.NewBudget(p.maxSubrequests)
	}
	if err := budget.Take(); err != nil {
		p.metrics.IncBudgetRejected()
		p.logger.Warn("subrequest budget exhausted",
			"path", t.Path, "limit", budget.Limit(), "used", budget.Used())
		return nil, err
	}

	var body []byte
	if !upstream.Dedupable(in.Method) && in.Body != nil {
		b, err := p.readInbound(in.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	reqID := in.Header.Get(requestIDHeader)
	fetch := func(ctx context.Context) (*upstream.Result, error) {
		return p.fetch(ctx, in.Method, target, body, reqID)
	}

	var res *upstream.Result
	var shared bool
	var err error
	if upstream.Dedupable(in.Method) {
		res, shared, err = p.dedup.Do(ctx, upstream.DedupKey(in.Method, target), fetch)
	} else {
		res, err = fetch(ctx)
	}
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger.Debug("upstream response shared with in-flight request", "path", t.Path)
	}

	raw := res.Payload.Raw
	if res.Status < 200 || res.Status > 299 {
		p.logUpstreamError(t.Path, res)
		if len(raw) == 0 {
			raw = []byte("null")
		}
		return &Response{
			Status: res.Status,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   raw,
			JSON:   res.Payload.JSON,
			Shared: shared,
		}, nil
	}

	if t.Schema != nil && in.Method != http.MethodHead {
		if verr := t.Schema.Validate(res.Payload.JSON); verr != nil {
			p.metrics.IncSchemaViolation(string(t.Schema.Name()))
			p.logger.Warn("upstream response failed schema validation",
				"path", t.Path, "schema", t.Schema.Name(), "error", verr)
			return nil, apierror.InvalidUpstreamSchema(nil, verr)
		}
	}

	p.logger.Debug("upstream request succeeded", "path", t.Path, "status", res.Status, "bytes", res.Payload.Size)
	return &Response{
		Status: res.Status,
		Header: http.Header{
			"Content-Type":  {"application/json"},
			"Cache-Control": {cacheControl(t.Path)},
		},
		Body:   raw,
		JSON:   res.Payload.JSON,
		Shared: shared,
	}, nil
}

// fetch is the single real outbound call that dedup shares.
func (p *Proxy) fetch(ctx context.Context, method, target string, body []byte, reqID string) (*upstream.Result, error) {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer p.sem.Release(1)
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, err)
	}
	if p.apiKey != "" {
		req.Header.Set(p.apiKeyHeader, p.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.userAgent)
	if reqID != "" {
		req.Header.Set(requestIDHeader, reqID)
	}

	resp, err := upstream.FetchWithRetry(ctx, &attemptRecorder{next: p.client, metrics: p.metrics, logger: p.logger}, req, p.policy)
	if err != nil {
		p.logger.Error("upstream request failed", "url", redactURL(req.URL), "error", err)
		return nil, err
	}

	payload, err := upstream.ReadBounded(resp, p.maxBytes)
	if err != nil {
		switch {
		case apierror.IsKind(err, apierror.KindEntityTooLarge):
			p.metrics.IncOversized()
			p.logger.Warn("upstream response too large", "url", redactURL(req.URL), "limit", p.maxBytes)
		case apierror.IsKind(err, apierror.KindBadUpstreamPayload):
			p.metrics.IncBadPayload()
			p.logger.Warn("upstream returned invalid JSON", "url", redactURL(req.URL), "status", resp.StatusCode)
		}
		return nil, err
	}
	return &upstream.Result{Status: resp.StatusCode, Header: resp.Header.Clone(), Payload: payload}, nil
}

func (p *Proxy) readInbound(body io.Reader) ([]byte, error) {
	if p.maxRequestBody <= 0 {
		return io.ReadAll(body)
	}
	b, err := io.ReadAll(io.LimitReader(body, p.maxRequestBody+1))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInvalidRequest, err)
	}
	if int64(len(b)) > p.maxRequestBody {
		return nil, apierror.New(apierror.KindRequestTooLarge).WithDetail("limit", p.maxRequestBody)
	}
	return b, nil
}

func (p *Proxy) onRetry(attempt int, resp *http.Response, err error) {
	p.metrics.IncRetries()
	if err != nil {
		p.logger.Warn("retrying upstream request after transport error", "attempt", attempt, "error", err)
		return
	}
	p.logger.Warn("retrying upstream request", "attempt", attempt, "status", resp.StatusCode)
}

// logUpstreamError logs a non-2xx pass-through. The upstream's own message
// is only extracted in development.
func (p *Proxy) logUpstreamError(path string, res *upstream.Result) {
	attrs := []any{"path", path, "status", res.Status}
	if p.mode.IsDevelopment() {
		for _, field := range []string{"error.message", "error", "message"} {
			if v := gjson.GetBytes(res.Payload.Raw, field); v.Exists() && v.Type == gjson.String {
				attrs = append(attrs, "upstream_message", v.String())
				break
			}
		}
	}
	p.logger.Warn("upstream returned error status", attrs...)
}

// classify turns anything that is not already an *apierror.Error into one.
func classify(err error) error {
	if _, ok := apierror.As(err); ok {
		return err
	}
	return apierror.Wrap(apierror.Normalize(err).Kind, err)
}

func cacheControl(path string) string {
	if strings.Contains(path, "supported-chains") {
		return cachePublic
	}
	return cachePrivate
}

// redactURL drops the query so log lines never carry client filters verbatim.
func redactURL(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.String()
}

// attemptRecorder measures each individual upstream attempt.
type attemptRecorder struct {
	next    upstream.Doer
	metrics *observability.Metrics
	logger  *slog.Logger
}

func (a *attemptRecorder) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := a.next.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	a.metrics.ObserveUpstreamAttempt(status, time.Since(start))
	a.logger.Debug("upstream attempt", "method", req.Method, "url", redactURL(req.URL), "status", status)
	return resp, err
}
