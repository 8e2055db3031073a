// Package facilitator defines the contract for payment verification and
// settlement services.
//
// A facilitator verifies payment authorizations and settles them on the
// blockchain on behalf of resource servers. The runtime itself never
// touches chain state directly; everything settlement-related goes
// through an implementation of Interface.
package facilitator

import (
	"context"

	"github.com/meefs/agentpay"
)

// Interface is the standard facilitator contract.
type Interface interface {
	// Verify checks a payment authorization without executing the transfer.
	// It confirms the payload is well formed, properly signed, and that the
	// payer has sufficient funds.
	Verify(ctx context.Context, payload agentpay.PaymentPayload, requirements agentpay.PaymentRequirements) (*agentpay.VerifyResponse, error)

	// Settle executes a verified payment on the blockchain.
	// Call only after a successful Verify.
	Settle(ctx context.Context, payload agentpay.PaymentPayload, requirements agentpay.PaymentRequirements) (*agentpay.SettleResponse, error)

	// Supported queries the facilitator for supported payment kinds,
	// extensions, and signer addresses.
	Supported(ctx context.Context) (*agentpay.SupportedResponse, error)
}

// VerifyRequest is the request payload sent to POST /verify.
type VerifyRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload agentpay.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements agentpay.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload agentpay.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements agentpay.PaymentRequirements `json:"paymentRequirements"`
}
