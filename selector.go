package agentpay

import (
	"math/big"
	"sort"
	"strings"
)

// PaymentSelector chooses a signer and requirement option for a negotiation.
// Selection is deliberately separate from signing: policy must be able to
// veto the selected candidate before any signature is produced.
type PaymentSelector interface {
	// Select chooses the best signer from the available signers and the
	// requirement option it will satisfy, out of the options offered by
	// the server. It does not sign.
	Select(signers []Signer, requirements []PaymentRequirements) (Signer, *PaymentRequirements, error)
}

// DefaultPaymentSelector implements the standard selection algorithm:
//  1. Ability to satisfy requirements (network and token match)
//  2. Signer priority (lower number = higher priority)
//  3. Token priority within the signer
//  4. Configuration order (for ties)
type DefaultPaymentSelector struct{}

// NewDefaultPaymentSelector creates a new DefaultPaymentSelector.
func NewDefaultPaymentSelector() *DefaultPaymentSelector {
	return &DefaultPaymentSelector{}
}

// Select implements PaymentSelector.
func (s *DefaultPaymentSelector) Select(signers []Signer, requirements []PaymentRequirements) (Signer, *PaymentRequirements, error) {
	if len(signers) == 0 {
		return nil, nil, NewPaymentError(ErrCodeNoValidSigner, "no signers configured", ErrNoValidSigner)
	}

	if len(requirements) == 0 {
		return nil, nil, NewPaymentError(ErrCodeInvalidRequirements, "no payment requirements provided", ErrInvalidRequirements)
	}

	type candidate struct {
		requirement      *PaymentRequirements
		signer           Signer
		signerPriority   int
		tokenPriority    int
		signerIndex      int // configuration order, for deterministic tie-breaking
		requirementIndex int
	}

	var candidates []candidate
	hasValidRequirement := false

	for i := range requirements {
		req := &requirements[i]

		requiredAmount := new(big.Int)
		if _, ok := requiredAmount.SetString(req.Amount, 10); !ok {
			continue
		}

		hasValidRequirement = true

		for signerIndex, signer := range signers {
			if !signer.CanSign(req) {
				continue
			}

			maxAmount := signer.GetMaxAmount()
			if maxAmount != nil && requiredAmount.Cmp(maxAmount) > 0 {
				continue
			}

			tokenPriority := 0
			for _, token := range signer.GetTokens() {
				if strings.EqualFold(token.Address, req.Asset) {
					tokenPriority = token.Priority
					break
				}
			}

			candidates = append(candidates, candidate{
				requirement:      req,
				signer:           signer,
				signerPriority:   signer.GetPriority(),
				tokenPriority:    tokenPriority,
				signerIndex:      signerIndex,
				requirementIndex: i,
			})
		}
	}

	if !hasValidRequirement {
		return nil, nil, NewPaymentError(ErrCodeInvalidRequirements, "invalid amount in requirements", ErrInvalidRequirements)
	}

	if len(candidates) == 0 {
		errorDetails := make([]string, 0, len(requirements))
		for _, req := range requirements {
			errorDetails = append(errorDetails, req.Network+":"+req.Asset)
		}
		return nil, nil, NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy any payment requirement", ErrNoValidSigner).
			WithDetails("options", strings.Join(errorDetails, ", "))
	}

	// Lower priority numbers come first (1 > 2 > 3); configuration order
	// breaks ties.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].signerPriority != candidates[j].signerPriority {
			return candidates[i].signerPriority < candidates[j].signerPriority
		}
		if candidates[i].tokenPriority != candidates[j].tokenPriority {
			return candidates[i].tokenPriority < candidates[j].tokenPriority
		}
		if candidates[i].signerIndex != candidates[j].signerIndex {
			return candidates[i].signerIndex < candidates[j].signerIndex
		}
		return candidates[i].requirementIndex < candidates[j].requirementIndex
	})

	return candidates[0].signer, candidates[0].requirement, nil
}

// FindMatchingRequirement finds a payment requirement that matches the given
// payment's scheme and network. Returns a pointer to the matching requirement,
// or ErrUnsupportedScheme if no match is found.
//
// This is useful both for middleware (verifying incoming payments) and for
// clients (confirming a payment matches one of the server's accepted options).
func FindMatchingRequirement(payment *PaymentPayload, requirements []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range requirements {
		req := &requirements[i]
		if req.Network == payment.Accepted.Network && req.Scheme == payment.Accepted.Scheme {
			return req, nil
		}
	}
	return nil, NewPaymentError(
		ErrCodeUnsupportedScheme,
		"no matching requirement for network and scheme",
		ErrUnsupportedScheme,
	).WithDetails("network", payment.Accepted.Network).WithDetails("scheme", payment.Accepted.Scheme)
}
