// Package track records settled payments and answers windowed spend and
// rate queries for policy enforcement.
//
// The spending tracker serializes every check-and-conditional-update
// against the same (group, scope) key, so two concurrent evaluations can
// never both observe a total below a limit and both proceed. Calls
// against different keys do not contend. Durable backends plug in
// through the Store interface; pending reservations are runtime state
// and stay in memory regardless of backend.
package track

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Direction distinguishes money leaving the agent from money received.
type Direction string

const (
	// Outgoing is a payment made by the agent.
	Outgoing Direction = "outgoing"

	// Incoming is a payment received by the agent.
	Incoming Direction = "incoming"
)

// Record is an immutable fact about a settled payment. Records are
// appended only after settlement is confirmed; speculative or failed
// authorizations are never recorded.
type Record struct {
	// ID uniquely identifies the record.
	ID uuid.UUID

	// Group is the policy group name the record is tracked under.
	Group string

	// Scope is the resolved scope key (endpoint URL, target domain, or "global").
	Scope string

	// Direction is incoming or outgoing.
	Direction Direction

	// Amount is the settled amount in the asset's smallest unit.
	Amount *big.Int

	// At is when the payment settled.
	At time.Time
}

// Store persists payment records. Implementations must be safe for
// concurrent use. The tracker holds the per-key mutual exclusion; a
// Store only needs to append and sum.
type Store interface {
	// Append durably adds a record.
	Append(ctx context.Context, rec Record) error

	// SumSince returns the sum of record amounts for (group, scope) with
	// At strictly after since. A zero since means all records.
	SumSince(ctx context.Context, group, scope string, since time.Time) (*big.Int, error)
}
