package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/meefs/agentpay"
	"github.com/meefs/agentpay/wallet"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - NEVER use in production.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// testAddress is the address derived from testPrivateKey.
const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

var testTokens = []agentpay.TokenConfig{
	{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6},
}

func TestNewSignerFromHex(t *testing.T) {
	network := "eip155:84532"

	signer, err := NewSignerFromHex(network, testPrivateKey, testTokens)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	if signer.Network() != network {
		t.Errorf("Expected network %s, got %s", network, signer.Network())
	}

	addr, err := signer.Wallet().Address(context.Background())
	if err != nil {
		t.Fatalf("Failed to get wallet address: %v", err)
	}
	if addr != testAddress {
		t.Errorf("Expected address %s, got %s", testAddress, addr)
	}
}

func TestNewSignerRequiresTokens(t *testing.T) {
	_, err := NewSignerFromHex("eip155:84532", testPrivateKey, nil)
	if !errors.Is(err, agentpay.ErrNoTokens) {
		t.Errorf("Expected ErrNoTokens, got %v", err)
	}
}

func TestCanSign(t *testing.T) {
	signer, err := NewSignerFromHex("eip155:84532", testPrivateKey, testTokens)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	tests := []struct {
		name         string
		requirements *agentpay.PaymentRequirements
		expected     bool
	}{
		{
			name: "valid requirements",
			requirements: &agentpay.PaymentRequirements{
				Scheme:            "exact",
				Network:           "eip155:84532",
				Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Amount:            "1000000",
				PayTo:             "0x receiver",
				MaxTimeoutSeconds: 300,
			},
			expected: true,
		},
		{
			name: "wrong network",
			requirements: &agentpay.PaymentRequirements{
				Scheme:            "exact",
				Network:           "eip155:1",
				Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Amount:            "1000000",
				PayTo:             "0x receiver",
				MaxTimeoutSeconds: 300,
			},
			expected: false,
		},
		{
			name: "wrong scheme",
			requirements: &agentpay.PaymentRequirements{
				Scheme:            "any",
				Network:           "eip155:84532",
				Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Amount:            "1000000",
				PayTo:             "0x receiver",
				MaxTimeoutSeconds: 300,
			},
			expected: false,
		},
		{
			name: "wrong asset",
			requirements: &agentpay.PaymentRequirements{
				Scheme:            "exact",
				Network:           "eip155:84532",
				Asset:             "0xwrong",
				Amount:            "1000000",
				PayTo:             "0x receiver",
				MaxTimeoutSeconds: 300,
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := signer.CanSign(tt.requirements)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func signRequirements() *agentpay.PaymentRequirements {
	return &agentpay.PaymentRequirements{
		Scheme:            "exact",
		Network:           "eip155:84532",
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Amount:            "1000000",
		PayTo:             "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		MaxTimeoutSeconds: 300,
		Extra: map[string]interface{}{
			"name":    "USD Coin",
			"version": "2",
		},
	}
}

func TestSign(t *testing.T) {
	signer, err := NewSignerFromHex("eip155:84532", testPrivateKey, testTokens)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	payload, err := signer.Sign(context.Background(), signRequirements())
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	if payload.X402Version != 2 {
		t.Errorf("Expected x402 version 2, got %d", payload.X402Version)
	}

	evmPayload, ok := payload.Payload.(agentpay.EVMPayload)
	if !ok {
		t.Fatal("Expected EVMPayload")
	}

	if evmPayload.Signature == "" {
		t.Error("Expected non-empty signature")
	}

	if evmPayload.Authorization.From != testAddress {
		t.Errorf("Expected from %s, got %s", testAddress, evmPayload.Authorization.From)
	}

	// The on-wire signature must carry a normalized recovery id.
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(evmPayload.Signature, "0x"))
	if err != nil {
		t.Fatalf("Failed to decode signature: %v", err)
	}
	if v := sigBytes[64]; v != 27 && v != 28 {
		t.Errorf("Expected v 27 or 28, got %d", v)
	}
}

func TestSignThroughFuncConnector(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}

	conn := wallet.NewFunc(testAddress, "external", func(ctx context.Context, digest []byte) ([]byte, error) {
		return crypto.Sign(digest, key)
	})

	signer, err := NewSigner("eip155:84532", conn, testTokens)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	payload, err := signer.Sign(context.Background(), signRequirements())
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	evmPayload := payload.Payload.(agentpay.EVMPayload)
	if evmPayload.Authorization.From != common.HexToAddress(testAddress).Hex() {
		t.Errorf("Expected from %s, got %s", testAddress, evmPayload.Authorization.From)
	}
}

func TestNewSignerChecksConnectorNetworks(t *testing.T) {
	noop := func(ctx context.Context, digest []byte) ([]byte, error) {
		return nil, errors.New("not reached")
	}

	restricted := wallet.NewFunc(testAddress, "mainnet-only", noop).WithNetworks("eip155:1")
	_, err := NewSigner("eip155:84532", restricted, testTokens)
	if !errors.Is(err, agentpay.ErrInvalidNetwork) {
		t.Errorf("Expected ErrInvalidNetwork for undeclared network, got %v", err)
	}

	matching := wallet.NewFunc(testAddress, "base-sepolia", noop).WithNetworks("eip155:1", "eip155:84532")
	if _, err := NewSigner("eip155:84532", matching, testTokens); err != nil {
		t.Errorf("Expected declared network to pass, got %v", err)
	}

	unrestricted := wallet.NewFunc(testAddress, "any", noop)
	if _, err := NewSigner("eip155:84532", unrestricted, testTokens); err != nil {
		t.Errorf("Expected connector without declared networks to pass, got %v", err)
	}
}

func TestSignAmountExceeded(t *testing.T) {
	signer, err := NewSignerFromHex("eip155:84532", testPrivateKey, testTokens,
		WithMaxAmount(new(big.Int).SetUint64(100000)))
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	req := signRequirements()
	req.Amount = "2000000"

	_, err = signer.Sign(context.Background(), req)
	if !errors.Is(err, agentpay.ErrAmountExceeded) {
		t.Errorf("Expected ErrAmountExceeded, got %v", err)
	}
}

func TestSignWalletUnavailable(t *testing.T) {
	conn := wallet.NewFunc(testAddress, "flaky", func(ctx context.Context, digest []byte) ([]byte, error) {
		return nil, wallet.ErrUnavailable
	})

	signer, err := NewSigner("eip155:84532", conn, testTokens)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	_, err = signer.Sign(context.Background(), signRequirements())
	if !errors.Is(err, agentpay.ErrSigningFailed) {
		t.Errorf("Expected ErrSigningFailed, got %v", err)
	}
}

func TestSignMissingExtra(t *testing.T) {
	signer, err := NewSignerFromHex("eip155:84532", testPrivateKey, testTokens)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	req := signRequirements()
	req.Extra = nil

	if _, err := signer.Sign(context.Background(), req); err == nil {
		t.Error("Expected error for missing EIP-3009 parameters")
	}
}
