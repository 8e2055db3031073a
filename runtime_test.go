package agentpay

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/meefs/agentpay/policy"
	"github.com/meefs/agentpay/wallet"
)

func TestNewRuntimeDefaults(t *testing.T) {
	rt, err := NewRuntime()
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if rt.Timeouts() != DefaultTimeouts {
		t.Error("expected default timeouts")
	}
	if rt.Logger() == nil {
		t.Error("expected a default logger")
	}
	if rt.PolicyEngine() != nil {
		t.Error("expected no policy engine by default")
	}
	if rt.Wallet(WalletRoleAgent) != nil {
		t.Error("expected no wallet by default")
	}
}

func TestNewRuntimeAssembly(t *testing.T) {
	engine, err := policy.NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	conn := wallet.NewFunc("0xAgent", "test", func(context.Context, []byte) ([]byte, error) {
		return make([]byte, 65), nil
	})
	logger := slog.Default().With("component", "test")
	signer := &stubSigner{network: NetworkBaseSepolia, scheme: "exact", priority: 1}

	rt, err := NewRuntime(
		WithSigner(signer),
		WithPolicyEngine(engine),
		WithWallet(WalletRoleAgent, conn),
		WithTimeouts(DefaultTimeouts.WithRequestTimeout(30*time.Second)),
		WithRuntimeLogger(logger),
		WithPaymentCallback(func(PaymentEvent) {}),
	)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	if len(rt.Signers()) != 1 || rt.Signers()[0] != signer {
		t.Error("signer not registered")
	}
	if rt.PolicyEngine() != engine {
		t.Error("policy engine not registered")
	}
	if rt.Wallet(WalletRoleAgent) != conn {
		t.Error("wallet not registered under its role")
	}
	if rt.Wallet(WalletRoleDeveloper) != nil {
		t.Error("unexpected wallet under a different role")
	}
	if rt.Timeouts().RequestTimeout != 30*time.Second {
		t.Error("timeouts not applied")
	}
	if len(rt.Callbacks()) != 1 {
		t.Error("callback not registered")
	}
}

func TestNewRuntimeOptionErrors(t *testing.T) {
	if _, err := NewRuntime(WithSigner(nil)); !errors.Is(err, ErrNoValidSigner) {
		t.Errorf("expected ErrNoValidSigner, got %v", err)
	}
	if _, err := NewRuntime(WithWallet(WalletRoleAgent, nil)); !errors.Is(err, ErrWalletUnavailable) {
		t.Errorf("expected ErrWalletUnavailable, got %v", err)
	}
	if _, err := NewRuntime(WithTimeouts(TimeoutConfig{})); err == nil {
		t.Error("expected validation error for zero timeouts")
	}
}
