package policy

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/meefs/agentpay/track"
)

// Payment is a candidate payment under evaluation.
type Payment struct {
	// TargetURL is the origin being called (scheme://host or bare host).
	TargetURL string

	// EndpointURL is the exact resource URL, when known.
	EndpointURL string

	// RecipientAddress is the on-chain payee (outgoing) or payer
	// counterparty (incoming), when known.
	RecipientAddress string

	// RecipientDomain is the counterparty's domain, when known.
	RecipientDomain string

	// Amount is the payment amount in base units; nil when not yet known
	// (recipient and rate checks still apply).
	Amount *big.Int

	// Direction is outgoing or incoming.
	Direction track.Direction
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	// Allowed reports whether every group allowed the payment.
	Allowed bool

	// Group names the denying group; empty when allowed.
	Group string

	// Reason is a human-readable denial reason carrying the group name
	// and the concrete numbers involved; empty when allowed.
	Reason string
}

var allowed = Decision{Allowed: true}

func denied(group, format string, args ...interface{}) Decision {
	return Decision{
		Allowed: false,
		Group:   group,
		Reason:  fmt.Sprintf("policy group %q: ", group) + fmt.Sprintf(format, args...),
	}
}

// checkRecipient applies the group's block and allow lists, in that
// order: a blocked match always denies, even when also allowed.
func (g *compiledGroup) checkRecipient(p Payment) Decision {
	if p.RecipientAddress == "" && p.RecipientDomain == "" && p.TargetURL == "" {
		return allowed
	}

	for _, rule := range g.blocked {
		if rule.matches(p) {
			return denied(g.name, "recipient %s is blocked", recipientLabel(p))
		}
	}

	if len(g.allowed) > 0 {
		for _, rule := range g.allowed {
			if rule.matches(p) {
				return allowed
			}
		}
		// Address rules cannot be judged before the recipient address is
		// known; the decision is deferred to approval time, where it is.
		if p.RecipientAddress == "" && hasAddressRule(g.allowed) {
			return allowed
		}
		return denied(g.name, "recipient %s not in whitelist", recipientLabel(p))
	}
	return allowed
}

func hasAddressRule(rules []recipientRule) bool {
	for _, rule := range rules {
		if !rule.isDomain {
			return true
		}
	}
	return false
}

func recipientLabel(p Payment) string {
	if p.RecipientAddress != "" {
		return p.RecipientAddress
	}
	if p.RecipientDomain != "" {
		return p.RecipientDomain
	}
	return p.TargetURL
}

// checkPerPayment applies the stateless per-call ceiling.
func (g *compiledGroup) checkPerPayment(p Payment, limit *compiledLimit) Decision {
	if limit == nil || limit.maxPayment == nil || p.Amount == nil {
		return allowed
	}
	if p.Amount.Cmp(limit.maxPayment) > 0 {
		return denied(g.name,
			"Per-request spending limit exceeded: requested %s USD, limit %s USD",
			usdString(p.Amount), usdString(limit.maxPayment))
	}
	return allowed
}

func totalDenial(group string, check track.LimitCheck) Decision {
	return denied(group,
		"Total spending limit exceeded: current %s USD + requested %s USD over limit %s USD",
		usdString(check.Current), usdString(check.Requested), usdString(check.Limit))
}

func rateDenial(group string, check track.RateCheck) Decision {
	return denied(group,
		"Rate limit exceeded: %d payments in the last %s, limit %d",
		check.Count, check.Window, check.Limit)
}

// evaluateGroup runs the group's checks in order (recipient, spending,
// rate), read-only, short-circuiting on the first denial.
func (e *Engine) evaluateGroup(ctx context.Context, g *compiledGroup, p Payment) (Decision, error) {
	if d := g.checkRecipient(p); !d.Allowed {
		return d, nil
	}

	limit, scope := g.resolveLimit(p)
	if d := g.checkPerPayment(p, limit); !d.Allowed {
		return d, nil
	}

	if limit != nil && limit.maxTotal != nil && p.Amount != nil {
		check, err := e.tracker.CheckLimit(ctx, g.name, scope, limit.maxTotal, limit.window, p.Amount)
		if err != nil {
			return Decision{}, err
		}
		if !check.Allowed {
			return totalDenial(g.name, check), nil
		}
	}

	if g.rate != nil {
		window := time.Duration(g.rate.WindowMs) * time.Millisecond
		if check := e.limiter.CheckLimit(g.name, g.rate.MaxPayments, window); !check.Allowed {
			return rateDenial(g.name, check), nil
		}
	}

	return allowed, nil
}

// Evaluate decides allow/deny for a candidate payment. It is idempotent
// and free of side effects: no tracker mutation, no signing, no network
// I/O happens here. With no groups configured every payment is allowed.
func (e *Engine) Evaluate(ctx context.Context, p Payment) (Decision, error) {
	for i := range e.groups {
		d, err := e.evaluateGroup(ctx, &e.groups[i], p)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			e.noteDenial(d)
			return d, nil
		}
	}
	return allowed, nil
}
