package upstream

import (
	"context"
	"sync"

	"github.com/edgequota/chainproxy/internal/apierror"
)

// DefaultSubrequestLimit is the platform ceiling on outbound calls per
// inbound request.
const DefaultSubrequestLimit = 45

// CheckAndIncrement returns current+1, or a KindSubrequestLimit error when
// current has already reached limit.
func CheckAndIncrement(current, limit int) (int, error) {
	if current >= limit {
		return current, apierror.SubrequestLimit(limit, current)
	}
	return current + 1, nil
}

// Budget counts the outbound calls made on behalf of one inbound request.
// It is safe for concurrent use by calls fanned out from that request.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewBudget returns an empty budget capped at limit.
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

// Take reserves one outbound call. On rejection nothing is consumed.
func (b *Budget) Take() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := CheckAndIncrement(b.used, b.limit)
	if err != nil {
		return err
	}
	b.used = next
	return nil
}

// Used returns the number of calls taken so far.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Limit returns the cap.
func (b *Budget) Limit() int { return b.limit }

type budgetKey struct{}

// WithBudget attaches b to ctx.
func WithBudget(ctx context.Context, b *Budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

// BudgetFrom returns the budget attached to ctx, if any.
func BudgetFrom(ctx context.Context) (*Budget, bool) {
	b, ok := ctx.Value(budgetKey{}).(*Budget)
	return b, ok && b != nil
}
