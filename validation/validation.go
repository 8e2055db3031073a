// Package validation checks payment data before it goes on the wire:
// addresses, amounts, CAIP-2 networks, and full payment structures.
package validation

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"

	"github.com/meefs/agentpay"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

	// caip2Regex matches CAIP-2 network identifiers (namespace:reference)
	caip2Regex = regexp.MustCompile(`^[a-z0-9]+:[a-zA-Z0-9]+$`)
)

// ValidateAmount validates that an amount string is a valid non-negative
// integer in base units. Zero is allowed for free-with-signature flows.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt := new(big.Int)
	amt, ok := amt.SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative, got: %s", amount)
	}

	return nil
}

// ValidateNetwork validates a CAIP-2 network identifier.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("network cannot be empty")
	}

	if !caip2Regex.MatchString(network) {
		return fmt.Errorf("invalid CAIP-2 network format: %s (expected namespace:reference)", network)
	}

	_, err := agentpay.ValidateNetwork(network)
	return err
}

// ValidateAddress validates an address using rules for the network's type.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	networkType, err := agentpay.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch networkType {
	case agentpay.NetworkTypeEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
		}
		return nil

	case agentpay.NetworkTypeSVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
		}
		return nil

	default:
		return fmt.Errorf("unsupported network type for address validation: %d", networkType)
	}
}

// ValidateResourceInfo validates a ResourceInfo structure. The URL field
// is required and must parse.
func ValidateResourceInfo(resource agentpay.ResourceInfo) error {
	if resource.URL == "" {
		return fmt.Errorf("resource URL cannot be empty")
	}

	if _, err := url.Parse(resource.URL); err != nil {
		return fmt.Errorf("invalid resource URL: %w", err)
	}

	return nil
}

// ValidatePaymentRequirements validates the amount, network, addresses,
// scheme, and timeout of a requirements entry.
func ValidatePaymentRequirements(req agentpay.PaymentRequirements) error {
	if err := ValidateAmount(req.Amount); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateAddress(req.PayTo, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: payTo %w", err)
	}

	if req.Asset == "" {
		return fmt.Errorf("invalid requirements: asset address cannot be empty")
	}

	if err := ValidateAddress(req.Asset, req.Network); err != nil {
		return fmt.Errorf("invalid requirements: asset %w", err)
	}

	switch req.Scheme {
	case "exact":
	case "":
		return fmt.Errorf("invalid requirements: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirements: unsupported scheme %s", req.Scheme)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirements: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	// EIP-3009 domain parameters, when present, must not be blank.
	networkType, _ := agentpay.ValidateNetwork(req.Network)
	if networkType == agentpay.NetworkTypeEVM && req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok {
			if name == "" {
				return fmt.Errorf("invalid requirements: EIP-3009 name cannot be empty")
			}
		}
		if version, ok := req.Extra["version"].(string); ok {
			if version == "" {
				return fmt.Errorf("invalid requirements: EIP-3009 version cannot be empty")
			}
		}
	}

	return nil
}

// ValidatePaymentPayload validates a payment payload structure.
func ValidatePaymentPayload(payload agentpay.PaymentPayload) error {
	if payload.X402Version != agentpay.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", payload.X402Version, agentpay.X402Version)
	}

	if payload.Accepted.Scheme == "" {
		return fmt.Errorf("accepted scheme cannot be empty")
	}

	if payload.Accepted.Network == "" {
		return fmt.Errorf("accepted network cannot be empty")
	}

	if _, err := agentpay.ValidateNetwork(payload.Accepted.Network); err != nil {
		return fmt.Errorf("invalid accepted network: %w", err)
	}

	if payload.Payload == nil {
		return fmt.Errorf("payload cannot be nil")
	}

	if payload.Resource != nil {
		if err := ValidateResourceInfo(*payload.Resource); err != nil {
			return fmt.Errorf("invalid resource: %w", err)
		}
	}

	return nil
}

// ValidatePaymentRequired validates a complete 402 challenge structure.
func ValidatePaymentRequired(pr agentpay.PaymentRequired) error {
	if pr.X402Version != agentpay.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", pr.X402Version, agentpay.X402Version)
	}

	if pr.Resource != nil {
		if err := ValidateResourceInfo(*pr.Resource); err != nil {
			return fmt.Errorf("invalid payment required: %w", err)
		}
	}

	if len(pr.Accepts) == 0 {
		return fmt.Errorf("invalid payment required: accepts cannot be empty")
	}

	for i, req := range pr.Accepts {
		if err := ValidatePaymentRequirements(req); err != nil {
			return fmt.Errorf("invalid payment required: accepts[%d] %w", i, err)
		}
	}

	return nil
}
