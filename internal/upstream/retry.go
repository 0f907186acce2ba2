// Package upstream holds the building blocks of a single outbound call:
// retry with backoff, a size-bounded body reader, in-flight request
// deduplication and the per-request subrequest budget.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// nonRetryable statuses are definitive; repeating the request cannot help.
var nonRetryable = map[int]struct{}{
	http.StatusBadRequest:              {},
	http.StatusUnauthorized:            {},
	http.StatusForbidden:               {},
	http.StatusNotFound:                {},
	http.StatusMethodNotAllowed:        {},
	http.StatusConflict:                {},
	http.StatusUnprocessableEntity:     {},
	http.StatusNotImplemented:          {},
	http.StatusHTTPVersionNotSupported: {},
}

// DefaultShouldRetry retries 429 and 5xx except the definitive statuses.
func DefaultShouldRetry(resp *http.Response) bool {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return false
	}
	if _, ok := nonRetryable[code]; ok {
		return false
	}
	return code == http.StatusTooManyRequests || code >= 500
}

// ProxyShouldRetry retries 429 and every 5xx except 501 and 505. Nothing
// else is retried.
func ProxyShouldRetry(resp *http.Response) bool {
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusNotImplemented, code == http.StatusHTTPVersionNotSupported:
		return false
	default:
		return code >= 500 && code < 600
	}
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy configures FetchWithRetry.
type Policy struct {
	// MaxRetries is the total number of attempts, not the number of retries
	// after the first.
	MaxRetries  int
	Backoff     Backoff
	ShouldRetry func(resp *http.Response) bool
	// OnRetry is called before each backoff sleep. Exactly one of resp and
	// err is non-nil. resp's body is already closed.
	OnRetry func(attempt int, resp *http.Response, err error)
	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
}

// DefaultPolicy is 3 attempts, 1s doubling to 10s, DefaultShouldRetry.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		Backoff:     DefaultBackoff(),
		ShouldRetry: DefaultShouldRetry,
	}
}

// drainLimit bounds how much of a discarded body is read to allow
// connection reuse.
const drainLimit = 64 << 10

// FetchWithRetry sends req until it gets a response the policy does not
// want retried, or attempts run out.
//
// A transport error on the last attempt is returned as the error. A
// retryable response on the last attempt is returned as-is with a nil
// error; callers must check the status. Once a backoff sleep starts it runs
// to completion, but a canceled ctx stops the loop before the next attempt.
func FetchWithRetry(ctx context.Context, client Doer, req *http.Request, p Policy) (*http.Response, error) {
	if p.MaxRetries < 1 {
		p.MaxRetries = 1
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = DefaultShouldRetry
	}
	if p.Sleep == nil {
		p.Sleep = time.Sleep
	}
	if err := makeReplayable(req); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, errors.Join(lastErr, err)
			}
			return nil, err
		}

		attemptReq, err := cloneRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(attemptReq)
		if err != nil {
			lastErr = err
			if attempt == p.MaxRetries {
				return nil, lastErr
			}
			if p.OnRetry != nil {
				p.OnRetry(attempt, nil, err)
			}
			p.Sleep(p.Backoff.Delay(attempt))
			continue
		}

		if attempt < p.MaxRetries && p.ShouldRetry(resp) {
			discard(resp)
			if p.OnRetry != nil {
				p.OnRetry(attempt, resp, nil)
			}
			p.Sleep(p.Backoff.Delay(attempt))
			continue
		}
		return resp, nil
	}
	// Unreachable: every path through the last attempt returns.
	return nil, lastErr
}

// makeReplayable buffers a one-shot body so each attempt can resend it.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(buf))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	return out, nil
}

func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
	_ = resp.Body.Close()
}
