package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/edgequota/chainproxy/internal/auth"
	"github.com/edgequota/chainproxy/internal/config"
)

// KeyStrategy extracts the client identifier from an HTTP request.
type KeyStrategy interface {
	Extract(req *http.Request) (string, error)
}

// ClientIPStrategy identifies clients by IP. Proxy headers are honored only
// when the peer is a trusted proxy, or always when no proxies are listed.
type ClientIPStrategy struct {
	trusted []netip.Prefix
	depth   int
}

// NewClientIPStrategy parses the trusted proxy CIDRs.
func NewClientIPStrategy(trustedProxies []string, depth int) (*ClientIPStrategy, error) {
	s := &ClientIPStrategy{depth: depth}
	for _, cidr := range trustedProxies {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		s.trusted = append(s.trusted, p.Masked())
	}
	return s, nil
}

// Extract returns the client IP from X-Forwarded-For, X-Real-IP, then RemoteAddr.
func (s *ClientIPStrategy) Extract(req *http.Request) (string, error) {
	peer := remoteIP(req.RemoteAddr)

	if s.trustsPeer(peer) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := s.pickForwarded(xff); ip != "" {
				return ip, nil
			}
		}
		if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
			return xri, nil
		}
	}

	return peer, nil
}

func (s *ClientIPStrategy) trustsPeer(peer string) bool {
	if len(s.trusted) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// pickForwarded returns the leftmost entry, or the depth-th from the right.
func (s *ClientIPStrategy) pickForwarded(xff string) string {
	parts := strings.Split(xff, ",")
	idx := 0
	if s.depth > 0 {
		idx = len(parts) - s.depth
		if idx < 0 {
			idx = 0
		}
	}
	return strings.TrimSpace(parts[idx])
}

func remoteIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}

// HeaderStrategy extracts a value from a specific request header.
type HeaderStrategy struct {
	HeaderName string
}

// Extract returns the header value, or an error if the header is missing/empty.
func (s *HeaderStrategy) Extract(req *http.Request) (string, error) {
	v := req.Header.Get(s.HeaderName)
	if v == "" {
		return "", fmt.Errorf("header %q is empty or missing", s.HeaderName)
	}
	return v, nil
}

// APIKeyStrategy identifies clients by the authenticated API key identity,
// falling back to client IP for unauthenticated requests.
type APIKeyStrategy struct {
	Fallback KeyStrategy
}

// Extract returns "key:<identity>" or "ip:<addr>".
func (s *APIKeyStrategy) Extract(req *http.Request) (string, error) {
	if id, ok := auth.IdentityFromContext(req.Context()); ok {
		return "key:" + id, nil
	}
	ip, err := s.Fallback.Extract(req)
	if err != nil {
		return "", err
	}
	return "ip:" + ip, nil
}

// NewKeyStrategy creates a KeyStrategy from the configuration.
func NewKeyStrategy(cfg config.KeyStrategyConfig) (KeyStrategy, error) {
	ipStrategy, err := NewClientIPStrategy(cfg.TrustedProxies, cfg.TrustedIPDepth)
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case config.KeyStrategyAPIKey, "":
		return &APIKeyStrategy{Fallback: ipStrategy}, nil
	case config.KeyStrategyClientIP:
		return ipStrategy, nil
	case config.KeyStrategyHeader:
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("header_name is required when type is %q", cfg.Type)
		}
		return &HeaderStrategy{HeaderName: http.CanonicalHeaderKey(cfg.HeaderName)}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy type %q: must be apikey, clientip, or header", cfg.Type)
	}
}
