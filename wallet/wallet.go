// Package wallet abstracts "something that can produce a signature for
// an address", independent of custody model. Connectors back the EVM
// payment signer: a local secp256k1 key, a remote custodial signing
// service, or an externally supplied signing function all satisfy the
// same contract.
package wallet

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the connector could not reach its signing
// backend. The failure is surfaced to the caller as retryable; the
// connector itself never retries silently.
var ErrUnavailable = errors.New("wallet: signing backend unavailable")

// ErrAddressPending indicates a remote connector has not fetched its
// address yet and the fetch failed. This is a transient state, not a
// misconfiguration.
var ErrAddressPending = errors.New("wallet: address not yet available")

// Metadata describes the wallet behind a connector.
type Metadata struct {
	// Address is the wallet's on-chain address.
	Address string `json:"address"`

	// Label is an optional operator-assigned name.
	Label string `json:"label,omitempty"`

	// Networks lists CAIP-2 identifiers the backing key can sign for.
	// Empty means no declared restriction.
	Networks []string `json:"networks,omitempty"`
}

// Connector produces signatures on behalf of one logical wallet. The
// connector owns no payment state; amount and recipient limits live in
// the policy layer, and authorization construction lives in the signer.
//
// SignDigest returns a 65-byte recoverable secp256k1 signature
// (R || S || V with V in {0,1} or {27,28}) over a 32-byte digest.
type Connector interface {
	// Address returns the wallet address. Remote connectors may need a
	// metadata fetch first; ErrAddressPending wraps transient failures.
	Address(ctx context.Context) (string, error)

	// Metadata returns descriptive information about the wallet.
	Metadata(ctx context.Context) (Metadata, error)

	// SignDigest signs a 32-byte digest and returns the raw signature.
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// SupportsNetwork reports whether the connector's metadata declares the
// network. A connector with no declared networks supports everything.
func SupportsNetwork(ctx context.Context, conn Connector, network string) bool {
	md, err := conn.Metadata(ctx)
	if err != nil || len(md.Networks) == 0 {
		return true
	}
	for _, n := range md.Networks {
		if n == network {
			return true
		}
	}
	return false
}
