// Package auth authenticates inbound requests against a static set of API
// keys. A key is read from the configured header (X-Api-Key by default) or
// from an "Authorization: Bearer" token. Keys are held only as SHA-256
// digests, and each client is identified by a short digest prefix so raw
// keys never reach logs, metrics or rate-limit keys.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
)

// ErrMissingKey is returned when a request carries no API key.
var ErrMissingKey = errors.New("missing API key")

// ErrInvalidKey is returned when a request carries an unknown API key.
var ErrInvalidKey = errors.New("invalid API key")

// identityLen is the number of hex characters of the key digest used as the
// client identity.
const identityLen = 12

type keySet struct {
	digests [][sha256.Size]byte
}

// Authenticator validates API keys. Keys can be replaced at runtime with
// SetKeys; in-flight checks see either the old or the new set.
type Authenticator struct {
	header string
	keys   atomic.Pointer[keySet]
}

// New creates an authenticator that reads keys from header (and the
// Authorization bearer token).
func New(header string, keys []string) *Authenticator {
	if header == "" {
		header = "X-Api-Key"
	}
	a := &Authenticator{header: http.CanonicalHeaderKey(header)}
	a.SetKeys(keys)
	return a
}

// SetKeys replaces the accepted key set.
func (a *Authenticator) SetKeys(keys []string) {
	ks := &keySet{digests: make([][sha256.Size]byte, 0, len(keys))}
	for _, k := range keys {
		if k == "" {
			continue
		}
		ks.digests = append(ks.digests, sha256.Sum256([]byte(k)))
	}
	a.keys.Store(ks)
}

// Authenticate returns the identity for the request's API key.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	key := a.extract(r)
	if key == "" {
		return "", ErrMissingKey
	}

	digest := sha256.Sum256([]byte(key))
	matched := 0
	// Every configured key is compared so timing does not reveal which
	// one matched.
	for _, d := range a.keys.Load().digests {
		matched |= subtle.ConstantTimeCompare(digest[:], d[:])
	}
	if matched != 1 {
		return "", ErrInvalidKey
	}
	return Identity(key), nil
}

func (a *Authenticator) extract(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(a.header)); v != "" {
		return v
	}
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// Identity returns the stable, non-secret identifier for a key.
func Identity(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:identityLen]
}

type identityKey struct{}

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}
