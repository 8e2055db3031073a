// Package policy enforces declarative spending, rate, and recipient
// rules on payments before any signature is produced.
//
// Policy is configured as a JSON array of groups. Every configured group
// must allow a payment for it to proceed; groups are evaluated in
// declaration order and the first denial wins. Schema violations are
// fatal at load time, never at evaluation time.
package policy

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"sort"
	"time"
)

// usdDecimals is the fixed decimal count used to convert USD policy
// thresholds to base units (matches USDC). Conversions only ever go from
// USD to base units, never the reverse, so comparison stays integral.
const usdDecimals = 6

// SpendingLimit bounds payments within a scope. MaxPaymentUSD is a
// stateless per-call ceiling; MaxTotalUSD is stateful and consults the
// spending tracker. A zero WindowMS means lifetime accumulation.
type SpendingLimit struct {
	MaxPaymentUSD json.Number `json:"maxPaymentUsd,omitempty"`
	MaxTotalUSD   json.Number `json:"maxTotalUsd,omitempty"`
	WindowMS      uint64      `json:"windowMs,omitempty"`
}

// SpendingLimits holds the scope hierarchy, most specific last-checked
// first: perEndpoint (exact URL), perTarget (domain or URL), global.
type SpendingLimits struct {
	Global      *SpendingLimit           `json:"global,omitempty"`
	PerTarget   map[string]SpendingLimit `json:"perTarget,omitempty"`
	PerEndpoint map[string]SpendingLimit `json:"perEndpoint,omitempty"`
}

// RateLimit bounds payment frequency for a group.
type RateLimit struct {
	MaxPayments uint   `json:"maxPayments"`
	WindowMs    uint64 `json:"windowMs"`
}

// Group is a named unit of enforcement, evaluated independently.
type Group struct {
	// Name is unique across the configuration; it keys tracking state and
	// appears in denial reasons.
	Name string `json:"name"`

	SpendingLimits SpendingLimits `json:"spendingLimits"`

	// AllowedRecipients restricts payments to listed addresses or
	// URL/domain patterns. Empty means no restriction.
	AllowedRecipients []string `json:"allowedRecipients,omitempty"`

	// BlockedRecipients always takes precedence over AllowedRecipients.
	BlockedRecipients []string `json:"blockedRecipients,omitempty"`

	RateLimit *RateLimit `json:"rateLimit,omitempty"`
}

// Load parses and validates a policy configuration document.
// Any schema violation is an error here, not at evaluation time.
func Load(r io.Reader) ([]Group, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var groups []Group
	if err := dec.Decode(&groups); err != nil {
		return nil, fmt.Errorf("policy: parse config: %w", err)
	}

	if _, err := compileGroups(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// LoadFile reads and validates a policy configuration file.
func LoadFile(path string) ([]Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("policy: open config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// compiledLimit carries USD thresholds converted to base units.
type compiledLimit struct {
	maxPayment *big.Int // nil when unset
	maxTotal   *big.Int // nil when unset
	window     time.Duration
}

type targetLimit struct {
	key   string // normalized domain or URL pattern
	limit *compiledLimit
}

type compiledGroup struct {
	name        string
	global      *compiledLimit
	perTarget   []targetLimit // sorted longest-key-first so the most specific pattern wins
	perEndpoint map[string]*compiledLimit
	allowed     []recipientRule
	blocked     []recipientRule
	rate        *RateLimit
}

func compileGroups(groups []Group) ([]compiledGroup, error) {
	seen := make(map[string]bool, len(groups))
	compiled := make([]compiledGroup, 0, len(groups))
	for i := range groups {
		g := &groups[i]
		if g.Name == "" {
			return nil, fmt.Errorf("policy: group %d: name is required", i)
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("policy: duplicate group name %q", g.Name)
		}
		seen[g.Name] = true

		cg, err := compileGroup(g)
		if err != nil {
			return nil, fmt.Errorf("policy: group %q: %w", g.Name, err)
		}
		compiled = append(compiled, cg)
	}
	return compiled, nil
}

func compileGroup(g *Group) (compiledGroup, error) {
	cg := compiledGroup{
		name:        g.Name,
		perEndpoint: make(map[string]*compiledLimit),
		rate:        g.RateLimit,
	}

	if g.RateLimit != nil {
		if g.RateLimit.MaxPayments == 0 {
			return cg, fmt.Errorf("rateLimit.maxPayments must be positive")
		}
		if g.RateLimit.WindowMs == 0 {
			return cg, fmt.Errorf("rateLimit.windowMs must be positive")
		}
	}

	if g.SpendingLimits.Global != nil {
		limit, err := compileLimit(*g.SpendingLimits.Global)
		if err != nil {
			return cg, fmt.Errorf("global limit: %w", err)
		}
		cg.global = limit
	}

	for key, raw := range g.SpendingLimits.PerTarget {
		limit, err := compileLimit(raw)
		if err != nil {
			return cg, fmt.Errorf("perTarget %q: %w", key, err)
		}
		cg.perTarget = append(cg.perTarget, targetLimit{key: normalizeTarget(key), limit: limit})
	}
	sort.Slice(cg.perTarget, func(i, j int) bool {
		if len(cg.perTarget[i].key) != len(cg.perTarget[j].key) {
			return len(cg.perTarget[i].key) > len(cg.perTarget[j].key)
		}
		return cg.perTarget[i].key < cg.perTarget[j].key
	})

	for key, raw := range g.SpendingLimits.PerEndpoint {
		limit, err := compileLimit(raw)
		if err != nil {
			return cg, fmt.Errorf("perEndpoint %q: %w", key, err)
		}
		cg.perEndpoint[normalizeEndpoint(key)] = limit
	}

	for _, entry := range g.AllowedRecipients {
		rule, err := compileRecipient(entry)
		if err != nil {
			return cg, fmt.Errorf("allowedRecipients: %w", err)
		}
		cg.allowed = append(cg.allowed, rule)
	}
	for _, entry := range g.BlockedRecipients {
		rule, err := compileRecipient(entry)
		if err != nil {
			return cg, fmt.Errorf("blockedRecipients: %w", err)
		}
		cg.blocked = append(cg.blocked, rule)
	}

	return cg, nil
}

func compileLimit(raw SpendingLimit) (*compiledLimit, error) {
	limit := &compiledLimit{window: time.Duration(raw.WindowMS) * time.Millisecond}

	if raw.MaxPaymentUSD != "" {
		v, err := usdToBaseUnits(raw.MaxPaymentUSD.String())
		if err != nil {
			return nil, fmt.Errorf("maxPaymentUsd: %w", err)
		}
		limit.maxPayment = v
	}
	if raw.MaxTotalUSD != "" {
		v, err := usdToBaseUnits(raw.MaxTotalUSD.String())
		if err != nil {
			return nil, fmt.Errorf("maxTotalUsd: %w", err)
		}
		limit.maxTotal = v
	}
	if limit.maxPayment == nil && limit.maxTotal == nil {
		return nil, fmt.Errorf("at least one of maxPaymentUsd or maxTotalUsd is required")
	}
	return limit, nil
}

// usdToBaseUnits converts a decimal USD string to base units at 6
// decimals. Thresholds with more precision than the asset carries are a
// configuration error.
func usdToBaseUnits(usd string) (*big.Int, error) {
	value := new(big.Rat)
	if _, ok := value.SetString(usd); !ok {
		return nil, fmt.Errorf("invalid USD amount %q", usd)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("USD amount must not be negative, got %q", usd)
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(usdDecimals), nil))
	value.Mul(value, scale)
	if !value.IsInt() {
		return nil, fmt.Errorf("USD amount %q has more than %d decimal places", usd, usdDecimals)
	}
	return new(big.Int).Set(value.Num()), nil
}

// usdString renders base units as a trimmed USD decimal for denial
// reasons ("15000000" base units prints as "15").
func usdString(baseUnits *big.Int) string {
	if baseUnits == nil {
		return "0"
	}
	rat := new(big.Rat).SetInt(baseUnits)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(usdDecimals), nil))
	rat.Quo(rat, scale)

	s := rat.FloatString(usdDecimals)
	// Trim trailing zeros and a bare decimal point.
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
