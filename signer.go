package agentpay

import (
	"context"
	"math/big"
)

// Signer builds and signs payment authorizations for a specific network.
// Implementations handle blockchain-specific authorization formats: EVM
// signers produce EIP-3009 typed-data authorizations through a wallet
// connector, SVM signers produce partially signed Solana transactions.
//
// Sign takes a context because the signature may come from a remote
// wallet service; cancellation and per-signing-call timeouts apply.
type Signer interface {
	// Network returns the CAIP-2 network identifier (e.g., "eip155:8453").
	Network() string

	// Scheme returns the payment scheme identifier (e.g., "exact").
	Scheme() string

	// CanSign checks if this signer can satisfy the given payment requirements.
	// Returns true if the signer supports the required network and has the required token.
	CanSign(requirements *PaymentRequirements) bool

	// Sign creates a signed PaymentPayload for the given requirements.
	// Returns an error if signing fails or if the payment exceeds configured limits.
	Sign(ctx context.Context, requirements *PaymentRequirements) (*PaymentPayload, error)

	// GetPriority returns the signer's priority level.
	// Lower numbers indicate higher priority (1 > 2 > 3).
	GetPriority() int

	// GetTokens returns the list of tokens supported by this signer.
	GetTokens() []TokenConfig

	// GetMaxAmount returns the per-call spending limit, or nil if no limit is set.
	GetMaxAmount() *big.Int
}
