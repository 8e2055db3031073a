package policy

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/meefs/agentpay/track"
)

// DeniedError wraps a denial so callers can distinguish "policy says no"
// from infrastructure failure with errors.As.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return "payment denied by policy: " + e.Decision.Reason
}

// Engine binds a compiled policy configuration to its spending tracker
// and rate limiter. It is safe for concurrent use.
type Engine struct {
	groups   []compiledGroup
	tracker  *track.Tracker
	limiter  *track.RateLimiter
	logger   *slog.Logger
	onDenial func(Decision)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTracker sets the spending tracker (default: in-memory).
func WithTracker(t *track.Tracker) EngineOption {
	return func(e *Engine) { e.tracker = t }
}

// WithRateLimiter sets the rate limiter (default: in-memory).
func WithRateLimiter(l *track.RateLimiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// WithLogger sets the logger (default: slog.Default).
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithDenialHook registers a callback invoked on every denial, for
// metrics or auditing. The hook runs synchronously; keep it fast.
func WithDenialHook(hook func(Decision)) EngineOption {
	return func(e *Engine) { e.onDenial = hook }
}

// NewEngine compiles the groups and builds an engine. Compilation
// repeats the Load-time validation, so an engine can also be built from
// programmatically constructed groups.
func NewEngine(groups []Group, opts ...EngineOption) (*Engine, error) {
	compiled, err := compileGroups(groups)
	if err != nil {
		return nil, err
	}

	e := &Engine{groups: compiled}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracker == nil {
		e.tracker = track.NewTracker(nil)
	}
	if e.limiter == nil {
		e.limiter = track.NewRateLimiter()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Tracker exposes the engine's spending tracker.
func (e *Engine) Tracker() *track.Tracker { return e.tracker }

// RateLimiter exposes the engine's rate limiter.
func (e *Engine) RateLimiter() *track.RateLimiter { return e.limiter }

func (e *Engine) noteDenial(d Decision) {
	e.logger.Warn("payment denied by policy", "group", d.Group, "reason", d.Reason)
	if e.onDenial != nil {
		e.onDenial(d)
	}
}

// Approval holds the reservations taken while approving a payment. The
// caller must Commit after confirmed settlement or Release on any other
// outcome; Release is also safe to defer after Commit.
type Approval struct {
	engine       *Engine
	reservations []*track.Reservation
	slots        []*track.Slot
}

// Commit records the settled payment under every reserved key. actual is
// the settled amount in base units; nil falls back to each reservation's
// held amount.
func (a *Approval) Commit(ctx context.Context, actual *big.Int) error {
	var firstErr error
	for _, r := range a.reservations {
		if err := r.Commit(ctx, actual); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range a.slots {
		s.Commit()
	}
	return firstErr
}

// Release drops every reservation without recording anything.
func (a *Approval) Release() {
	for _, r := range a.reservations {
		r.Release()
	}
	for _, s := range a.slots {
		s.Release()
	}
}

// Approve evaluates the payment and, when allowed, atomically reserves
// spend and rate capacity under every qualifying (group, scope) key.
// On denial the returned approval is nil and any reservations taken for
// earlier groups are already released.
//
// This is the mandatory checkpoint before signing: it runs with the
// server's actual demanded amount, so a server demanding more than the
// caller expected is caught here.
func (e *Engine) Approve(ctx context.Context, p Payment) (*Approval, Decision, error) {
	approval := &Approval{engine: e}

	for i := range e.groups {
		g := &e.groups[i]

		if d := g.checkRecipient(p); !d.Allowed {
			approval.Release()
			e.noteDenial(d)
			return nil, d, nil
		}

		limit, scope := g.resolveLimit(p)
		if d := g.checkPerPayment(p, limit); !d.Allowed {
			approval.Release()
			e.noteDenial(d)
			return nil, d, nil
		}

		if limit != nil && p.Amount != nil {
			var maxTotal *big.Int
			if limit.maxTotal != nil {
				maxTotal = limit.maxTotal
			}
			res, check, err := e.tracker.Reserve(ctx, g.name, scope, maxTotal, limit.window, p.Amount)
			if err != nil {
				approval.Release()
				return nil, Decision{}, err
			}
			if res == nil {
				approval.Release()
				d := totalDenial(g.name, check)
				e.noteDenial(d)
				return nil, d, nil
			}
			approval.reservations = append(approval.reservations, res)
		}

		if g.rate != nil {
			window := time.Duration(g.rate.WindowMs) * time.Millisecond
			slot, check := e.limiter.ReserveSlot(g.name, g.rate.MaxPayments, window)
			if slot == nil {
				approval.Release()
				d := rateDenial(g.name, check)
				e.noteDenial(d)
				return nil, d, nil
			}
			approval.slots = append(approval.slots, slot)
		}
	}

	return approval, allowed, nil
}

// RecordIncoming appends a settled incoming payment under every
// qualifying (group, scope) key and stamps rate limiters. Called by the
// serving middleware after settlement confirmation only.
//
// Incoming payments take no reservation: the window between Evaluate
// and RecordIncoming is not serialized, so concurrent settlements on
// the same scope key can jointly land past a window limit before the
// next Evaluate sees them. Outgoing payments use Approve, which does
// reserve.
func (e *Engine) RecordIncoming(ctx context.Context, p Payment) error {
	if p.Amount == nil {
		return nil
	}
	for i := range e.groups {
		g := &e.groups[i]
		if limit, scope := g.resolveLimit(p); limit != nil {
			if err := e.tracker.Record(ctx, g.name, scope, track.Incoming, p.Amount); err != nil {
				return err
			}
		}
		if g.rate != nil {
			e.limiter.RecordPayment(g.name)
		}
	}
	return nil
}
