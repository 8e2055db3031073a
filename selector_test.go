package agentpay

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

// stubSigner is a minimal Signer for selection tests; Sign is never
// reached because selection stops before signing.
type stubSigner struct {
	network   string
	scheme    string
	priority  int
	maxAmount *big.Int
	tokens    []TokenConfig
}

func (s *stubSigner) Network() string         { return s.network }
func (s *stubSigner) Scheme() string          { return s.scheme }
func (s *stubSigner) GetPriority() int        { return s.priority }
func (s *stubSigner) GetTokens() []TokenConfig { return s.tokens }
func (s *stubSigner) GetMaxAmount() *big.Int  { return s.maxAmount }
func (s *stubSigner) CanSign(req *PaymentRequirements) bool {
	return req.Network == s.network && req.Scheme == s.scheme
}
func (s *stubSigner) Sign(context.Context, *PaymentRequirements) (*PaymentPayload, error) {
	return nil, errors.New("stub signer cannot sign")
}

func baseRequirement(network, asset, amount string) PaymentRequirements {
	return PaymentRequirements{
		Scheme:  "exact",
		Network: network,
		Amount:  amount,
		Asset:   asset,
		PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	}
}

func TestSelectPicksMatchingSigner(t *testing.T) {
	base := &stubSigner{network: NetworkBaseSepolia, scheme: "exact", priority: 1}
	solana := &stubSigner{network: NetworkSolanaDevnet, scheme: "exact", priority: 1}
	selector := NewDefaultPaymentSelector()

	signer, req, err := selector.Select(
		[]Signer{solana, base},
		[]PaymentRequirements{baseRequirement(NetworkBaseSepolia, "0xUSDC", "10000")},
	)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if signer != base {
		t.Error("expected the Base signer to be selected")
	}
	if req.Network != NetworkBaseSepolia {
		t.Errorf("unexpected requirement network %s", req.Network)
	}
}

func TestSelectPrefersLowerPriority(t *testing.T) {
	primary := &stubSigner{network: NetworkBaseSepolia, scheme: "exact", priority: 1}
	backup := &stubSigner{network: NetworkBaseSepolia, scheme: "exact", priority: 5}
	selector := NewDefaultPaymentSelector()

	signer, _, err := selector.Select(
		[]Signer{backup, primary},
		[]PaymentRequirements{baseRequirement(NetworkBaseSepolia, "0xUSDC", "10000")},
	)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if signer != primary {
		t.Error("expected priority 1 signer over priority 5")
	}
}

func TestSelectRespectsMaxAmount(t *testing.T) {
	capped := &stubSigner{network: NetworkBaseSepolia, scheme: "exact", priority: 1, maxAmount: big.NewInt(5000)}
	uncapped := &stubSigner{network: NetworkBaseSepolia, scheme: "exact", priority: 2}
	selector := NewDefaultPaymentSelector()

	signer, _, err := selector.Select(
		[]Signer{capped, uncapped},
		[]PaymentRequirements{baseRequirement(NetworkBaseSepolia, "0xUSDC", "10000")},
	)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if signer != uncapped {
		t.Error("signer with a 5000 cap cannot pay 10000")
	}
}

func TestSelectTokenPriorityBreaksTies(t *testing.T) {
	signer := &stubSigner{
		network:  NetworkBaseSepolia,
		scheme:   "exact",
		priority: 1,
		tokens: []TokenConfig{
			{Address: "0xPreferred", Priority: 1},
			{Address: "0xSecondary", Priority: 2},
		},
	}
	selector := NewDefaultPaymentSelector()

	_, req, err := selector.Select(
		[]Signer{signer},
		[]PaymentRequirements{
			baseRequirement(NetworkBaseSepolia, "0xSecondary", "10000"),
			baseRequirement(NetworkBaseSepolia, "0xPreferred", "10000"),
		},
	)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if req.Asset != "0xPreferred" {
		t.Errorf("expected the priority 1 token, got %s", req.Asset)
	}
}

func TestSelectErrors(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &stubSigner{network: NetworkBaseSepolia, scheme: "exact", priority: 1}

	tests := []struct {
		name         string
		signers      []Signer
		requirements []PaymentRequirements
		sentinel     error
	}{
		{"no signers", nil, []PaymentRequirements{baseRequirement(NetworkBaseSepolia, "0xUSDC", "1")}, ErrNoValidSigner},
		{"no requirements", []Signer{signer}, nil, ErrInvalidRequirements},
		{"bad amount", []Signer{signer}, []PaymentRequirements{baseRequirement(NetworkBaseSepolia, "0xUSDC", "ten")}, ErrInvalidRequirements},
		{"no match", []Signer{signer}, []PaymentRequirements{baseRequirement(NetworkSolanaDevnet, "mint", "1")}, ErrNoValidSigner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := selector.Select(tt.signers, tt.requirements)
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v, got %v", tt.sentinel, err)
			}
		})
	}
}

func TestFindMatchingRequirement(t *testing.T) {
	requirements := []PaymentRequirements{
		baseRequirement(NetworkBaseSepolia, "0xUSDC", "10000"),
		baseRequirement(NetworkSolanaDevnet, "mint", "10000"),
	}

	payment := &PaymentPayload{
		X402Version: X402Version,
		Accepted:    requirements[1],
	}
	req, err := FindMatchingRequirement(payment, requirements)
	if err != nil {
		t.Fatalf("FindMatchingRequirement: %v", err)
	}
	if req.Network != NetworkSolanaDevnet {
		t.Errorf("unexpected match %s", req.Network)
	}

	payment.Accepted.Network = NetworkPolygon
	if _, err := FindMatchingRequirement(payment, requirements); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
}
