package apierror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// now is swapped in tests.
var now = time.Now

// Normalized is the single internal shape every failure is reduced to
// before it is logged or written.
type Normalized struct {
	Message   string
	Kind      Kind
	Status    int
	Cause     string
	Type      string
	Issues    []Issue
	Details   map[string]any
	Timestamp time.Time
}

// Normalize reduces err to a Normalized value. It never returns nil; a nil
// err normalizes to KindInternal.
func Normalize(err error) *Normalized {
	n := &Normalized{Timestamp: now().UTC()}

	if e, ok := As(err); ok {
		n.Kind = e.Kind
		n.Message = e.Message
		if n.Message == "" {
			n.Message = kindMessage[e.Kind]
		}
		n.Status = e.HTTPStatus()
		n.Details = e.Details
		n.Issues = e.Issues
		if e.Cause != nil {
			n.Cause = e.Cause.Error()
			n.Type = typeName(e.Cause)
			if len(n.Issues) == 0 {
				n.Issues = schemaIssues(e.Cause)
			}
		}
		return n
	}

	var verr *jsonschema.ValidationError
	switch {
	case err == nil:
		n.Kind = KindInternal
	case errors.As(err, &verr):
		n.Kind = KindInvalidUpstreamSchema
		n.Message = "Validation failed"
		n.Issues = flattenIssues(verr)
	case isNetwork(err):
		n.Kind = KindNetwork
	default:
		n.Kind = KindInternal
	}

	if n.Message == "" {
		n.Message = kindMessage[n.Kind]
	}
	n.Status = n.Kind.Status()
	if err != nil {
		n.Cause = err.Error()
		n.Type = typeName(err)
	}
	return n
}

func isNetwork(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// typeName reports the innermost meaningful type of err for diagnostics.
func typeName(err error) string {
	return fmt.Sprintf("%T", err)
}

func schemaIssues(err error) []Issue {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return flattenIssues(verr)
	}
	return nil
}

// flattenIssues collects the leaf causes of a validation error. The root
// error only says "doesn't validate"; the leaves say what is wrong where.
func flattenIssues(verr *jsonschema.ValidationError) []Issue {
	if len(verr.Causes) == 0 {
		path := verr.InstanceLocation
		if path == "" {
			path = "/"
		}
		return []Issue{{Path: path, Message: verr.Message}}
	}
	var out []Issue
	for _, c := range verr.Causes {
		out = append(out, flattenIssues(c)...)
	}
	return out
}
