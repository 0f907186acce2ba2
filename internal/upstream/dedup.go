package upstream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDedupWindow is how long an in-flight entry stays registered.
const DefaultDedupWindow = 500 * time.Millisecond

// Result is the shareable outcome of one outbound call.
type Result struct {
	Status  int
	Header  http.Header
	Payload *Payload
}

// Clone returns a deep copy. Concurrent callers each get their own.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{Status: r.Status, Header: r.Header.Clone()}
	if r.Payload != nil {
		out.Payload = &Payload{
			JSON: cloneJSON(r.Payload.JSON),
			Raw:  append([]byte(nil), r.Payload.Raw...),
			Text: r.Payload.Text,
			Size: r.Payload.Size,
		}
	}
	return out
}

// cloneJSON copies the containers of a decoded JSON value. Scalars are
// immutable and shared.
func cloneJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneJSON(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneJSON(e)
		}
		return s
	default:
		return v
	}
}

// DedupKey is the identity of an outbound request.
func DedupKey(method, url string) string { return method + " " + url }

// Dedupable reports whether requests with method may share a result.
func Dedupable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Factory performs the real outbound call.
type Factory func(ctx context.Context) (*Result, error)

type call struct {
	done chan struct{}
	res  *Result
	err  error
}

// Registry collapses concurrent identical outbound calls into one. An entry
// is evicted a fixed window after it was registered, whether or not its
// call has finished, so the registry never acts as a cache.
type Registry struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]*registered
	closed  bool

	shared atomic.Int64
	// OnShared, if set, is called each time a caller receives another's result.
	OnShared func()
}

type registered struct {
	c     *call
	timer *time.Timer
}

// NewRegistry creates a registry. A non-positive window uses DefaultDedupWindow.
func NewRegistry(window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Registry{window: window, entries: make(map[string]*registered)}
}

// Do returns the result of the in-flight call for key, or starts one with fn.
//
// A caller that joins an in-flight call gets a clone of its result. If that
// call failed, the caller makes exactly one call of its own with fn and
// returns whatever that yields. shared reports whether the result came from
// another caller's call.
func (r *Registry) Do(ctx context.Context, key string, fn Factory) (res *Result, shared bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		res, err = fn(ctx)
		return res, false, err
	}
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return r.wait(ctx, e.c, fn)
	}

	c := &call{done: make(chan struct{})}
	e := &registered{c: c}
	e.timer = time.AfterFunc(r.window, func() { r.evict(key, e) })
	r.entries[key] = e
	r.mu.Unlock()

	r.run(ctx, c, fn)
	return c.res, false, c.err
}

func (r *Registry) wait(ctx context.Context, c *call, fn Factory) (*Result, bool, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	if c.err != nil {
		res, err := fn(ctx)
		return res, false, err
	}
	r.shared.Add(1)
	if r.OnShared != nil {
		r.OnShared()
	}
	return c.res.Clone(), true, nil
}

// run executes fn and publishes its outcome. A panic is published as an
// error to waiters and then re-raised.
func (r *Registry) run(ctx context.Context, c *call, fn Factory) {
	defer func() {
		if p := recover(); p != nil {
			c.err = fmt.Errorf("dedup: in-flight call panicked: %v", p)
			close(c.done)
			panic(p)
		}
		close(c.done)
	}()
	c.res, c.err = fn(ctx)
}

func (r *Registry) evict(key string, e *registered) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shared returns how many callers have received another caller's result.
func (r *Registry) Shared() int64 { return r.shared.Load() }

// Close stops all pending eviction timers and drops every entry. Calls
// already in flight finish normally. After Close, Do no longer deduplicates.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for key, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, key)
	}
}
