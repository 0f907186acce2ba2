package routes

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/edgequota/chainproxy/internal/apierror"
)

var (
	evmAddress = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// Bitcoin base58 alphabet: no 0, O, I or l.
	svmAddress = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	uriSegment = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)
	listItem   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

const (
	maxLimit     = 1000
	maxOffsetLen = 512
	maxListItems = 100
)

// ValidateEVMAddress accepts a 0x-prefixed 20-byte hex address.
func ValidateEVMAddress(s string) error {
	if !evmAddress.MatchString(s) {
		return fmt.Errorf("must match %s", evmAddress)
	}
	return nil
}

// ValidateSVMAddress accepts a base58 public key of 32 to 44 characters.
func ValidateSVMAddress(s string) error {
	if len(s) < 32 || len(s) > 44 {
		return fmt.Errorf("must be 32 to 44 characters, got %d", len(s))
	}
	if !svmAddress.MatchString(s) {
		return fmt.Errorf("must be base58")
	}
	return nil
}

// ValidateURISegment accepts a short lowercase path segment.
func ValidateURISegment(s string) error {
	if !uriSegment.MatchString(s) {
		return fmt.Errorf("must match %s", uriSegment)
	}
	return nil
}

// Param describes one accepted query parameter.
type Param struct {
	Name        string
	Description string
	// parse validates a raw value and returns what is forwarded upstream.
	parse func(raw string) (string, error)
}

// BuildQuery keeps only the allowlisted params, validating each. Unknown
// params are dropped.
func BuildQuery(in url.Values, params []Param) (url.Values, error) {
	out := url.Values{}
	for _, p := range params {
		raw, ok := in[p.Name]
		if !ok || len(raw) == 0 {
			continue
		}
		v := strings.TrimSpace(raw[len(raw)-1])
		if v == "" {
			continue
		}
		parsed, err := p.parse(v)
		if err != nil {
			return nil, invalidParam(p.Name, err)
		}
		out.Set(p.Name, parsed)
	}
	return out, nil
}

func invalidParam(name string, err error) error {
	return apierror.New(apierror.KindInvalidRequest).
		WithMessage(fmt.Sprintf("invalid query parameter %q: %v", name, err)).
		WithDetail("param", name)
}

var (
	limitParam = Param{
		Name:        "limit",
		Description: "Page size, 1 to 1000.",
		parse: func(raw string) (string, error) {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxLimit {
				return "", fmt.Errorf("must be an integer between 1 and %d", maxLimit)
			}
			return strconv.Itoa(n), nil
		},
	}
	offsetParam = Param{
		Name:        "offset",
		Description: "Opaque pagination cursor from a previous next_offset.",
		parse: func(raw string) (string, error) {
			if len(raw) > maxOffsetLen {
				return "", fmt.Errorf("must be at most %d characters", maxOffsetLen)
			}
			return raw, nil
		},
	}
	chainIDsParam = Param{
		Name:        "chain_ids",
		Description: "Comma-separated chain ids or tags.",
		parse:       listParser(nil),
	}
	filtersParam = Param{
		Name:        "filters",
		Description: "Token class: erc20 or native.",
		parse:       oneOf("erc20", "native"),
	}
	metadataParam = Param{
		Name:        "metadata",
		Description: "Comma-separated extra fields: url, logo, description, social.",
		parse:       listParser([]string{"url", "logo", "description", "social"}),
	}
	excludeSpamParam = Param{
		Name:        "exclude_spam_tokens",
		Description: "Drop tokens flagged as spam (boolean).",
		parse: func(raw string) (string, error) {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return "", fmt.Errorf("must be a boolean")
			}
			return strconv.FormatBool(b), nil
		},
	}
	chainsParam = Param{
		Name:        "chains",
		Description: `Comma-separated SVM chains, or "all".`,
		parse: func(raw string) (string, error) {
			if raw == "all" {
				return raw, nil
			}
			return listParser(nil)(raw)
		},
	}
)

func oneOf(allowed ...string) func(string) (string, error) {
	return func(raw string) (string, error) {
		v := strings.ToLower(raw)
		for _, a := range allowed {
			if v == a {
				return v, nil
			}
		}
		return "", fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
	}
}

// listParser validates a comma-separated list, optionally against an
// allowlist, and re-joins it without blanks or duplicates.
func listParser(allowed []string) func(string) (string, error) {
	return func(raw string) (string, error) {
		parts := strings.Split(raw, ",")
		if len(parts) > maxListItems {
			return "", fmt.Errorf("must have at most %d entries", maxListItems)
		}
		seen := make(map[string]struct{}, len(parts))
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if allowed != nil {
				p = strings.ToLower(p)
				if !contains(allowed, p) {
					return "", fmt.Errorf("%q is not one of %s", p, strings.Join(allowed, ", "))
				}
			} else if !listItem.MatchString(p) {
				return "", fmt.Errorf("%q is not a valid entry", p)
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
		if len(out) == 0 {
			return "", fmt.Errorf("must not be empty")
		}
		return strings.Join(out, ","), nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
