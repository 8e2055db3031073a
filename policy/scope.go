package policy

import (
	"fmt"
	"strings"
)

// ScopeGlobal is the tracking scope for payments matched only by a
// group's global limit.
const ScopeGlobal = "global"

// normalizeEndpoint canonicalizes an endpoint URL for exact matching:
// protocol-insensitive, case-insensitive host, no trailing slash, no
// query or fragment.
func normalizeEndpoint(raw string) string {
	s := stripScheme(raw)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, "/")

	// Lowercase the host part only; paths stay case-sensitive.
	if i := strings.Index(s, "/"); i >= 0 {
		return strings.ToLower(s[:i]) + s[i:]
	}
	return strings.ToLower(s)
}

// normalizeTarget canonicalizes a perTarget key or recipient domain
// pattern down to its host.
func normalizeTarget(raw string) string {
	s := stripScheme(raw)
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	// Drop an explicit port.
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "]") {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSuffix(s, "."))
}

func stripScheme(s string) string {
	if i := strings.Index(s, "://"); i >= 0 {
		return s[i+3:]
	}
	return s
}

// domainMatch reports whether host falls under the policy pattern:
// exact match or subdomain ("x.example.com" matches "example.com"),
// case-insensitive.
func domainMatch(host, pattern string) bool {
	host = normalizeTarget(host)
	pattern = normalizeTarget(pattern)
	if host == "" || pattern == "" {
		return false
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// recipientRule is a compiled allow/block list entry: either an address
// compared verbatim (case-insensitively, covering EVM hex) or a
// URL/domain pattern matched by domainMatch.
type recipientRule struct {
	raw      string
	isDomain bool
	domain   string
}

func compileRecipient(entry string) (recipientRule, error) {
	if entry == "" {
		return recipientRule{}, fmt.Errorf("empty recipient entry")
	}
	// Anything with URL structure or a dot is a domain pattern; bare
	// tokens (0x…, base58) are addresses.
	if strings.Contains(entry, "://") || strings.Contains(entry, "/") || strings.Contains(entry, ".") {
		domain := normalizeTarget(entry)
		if domain == "" {
			return recipientRule{}, fmt.Errorf("invalid recipient domain %q", entry)
		}
		return recipientRule{raw: entry, isDomain: true, domain: domain}, nil
	}
	return recipientRule{raw: entry}, nil
}

// matches checks the rule against the payment's recipient identity.
func (r recipientRule) matches(p Payment) bool {
	if r.isDomain {
		if p.RecipientDomain != "" && domainMatch(p.RecipientDomain, r.domain) {
			return true
		}
		if p.TargetURL != "" && domainMatch(p.TargetURL, r.domain) {
			return true
		}
		return false
	}
	return p.RecipientAddress != "" && strings.EqualFold(p.RecipientAddress, r.raw)
}

// resolveLimit walks the scope hierarchy from most to least specific and
// returns the first configured limit with the tracking scope key it
// applies under. Returns nil when the group configures no limit for the
// payment.
func (g *compiledGroup) resolveLimit(p Payment) (*compiledLimit, string) {
	if p.EndpointURL != "" {
		if limit, ok := g.perEndpoint[normalizeEndpoint(p.EndpointURL)]; ok {
			return limit, normalizeEndpoint(p.EndpointURL)
		}
	}

	host := p.RecipientDomain
	if host == "" {
		host = p.TargetURL
	}
	if host != "" {
		for _, tl := range g.perTarget {
			// perTarget keys may be domains or URLs; both were reduced to
			// their host at compile time.
			if domainMatch(host, tl.key) {
				return tl.limit, tl.key
			}
		}
	}

	if g.global != nil {
		return g.global, ScopeGlobal
	}
	return nil, ""
}
