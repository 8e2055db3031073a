package validation

import (
	"strings"
	"testing"

	"github.com/meefs/agentpay"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
		errMsg  string
	}{
		{name: "valid positive amount", amount: "1000000"},
		{name: "valid zero amount", amount: "0"},
		{name: "valid large amount", amount: "999999999999999999999999999"},
		{name: "empty amount", amount: "", wantErr: true, errMsg: "cannot be empty"},
		{name: "negative amount", amount: "-100", wantErr: true, errMsg: "cannot be negative"},
		{name: "invalid format - letters", amount: "abc", wantErr: true, errMsg: "invalid amount format"},
		{name: "invalid format - decimal", amount: "1.5", wantErr: true, errMsg: "invalid amount format"},
		{name: "invalid format - hex", amount: "0x100", wantErr: true, errMsg: "invalid amount format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(tt.amount)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAmount() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && err != nil && tt.errMsg != "" {
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateAmount() error = %v, want error containing %q", err, tt.errMsg)
				}
			}
		})
	}
}

func TestValidateNetwork(t *testing.T) {
	tests := []struct {
		name    string
		network string
		wantErr bool
	}{
		{name: "valid EVM mainnet", network: "eip155:8453"},
		{name: "valid EVM testnet", network: "eip155:84532"},
		{name: "valid Solana mainnet", network: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"},
		{name: "valid Solana devnet", network: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"},
		{name: "empty network", network: "", wantErr: true},
		{name: "invalid format - no colon", network: "eip1558453", wantErr: true},
		{name: "invalid format - legacy style", network: "base-sepolia", wantErr: true},
		{name: "unsupported namespace", network: "cosmos:cosmoshub-4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNetwork(tt.network)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNetwork(%q) error = %v, wantErr %v", tt.network, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		network string
		wantErr bool
	}{
		{
			name:    "valid EVM address",
			address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			network: "eip155:8453",
		},
		{
			name:    "valid Solana address",
			address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			network: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		},
		{
			name:    "EVM address on Solana network",
			address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			network: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
			wantErr: true,
		},
		{
			name:    "short EVM address",
			address: "0x1234",
			network: "eip155:8453",
			wantErr: true,
		},
		{
			name:    "base58 with forbidden characters",
			address: "0OIl1111111111111111111111111111111",
			network: "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
			wantErr: true,
		},
		{
			name:    "empty address",
			address: "",
			network: "eip155:8453",
			wantErr: true,
		},
		{
			name:    "invalid network",
			address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			network: "nonsense",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address, tt.network)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q, %q) error = %v, wantErr %v", tt.address, tt.network, err, tt.wantErr)
			}
		})
	}
}

func validRequirements() agentpay.PaymentRequirements {
	return agentpay.PaymentRequirements{
		Scheme:            "exact",
		Network:           "eip155:8453",
		Amount:            "1000000",
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PayTo:             "0x1234567890123456789012345678901234567890",
		MaxTimeoutSeconds: 300,
	}
}

func TestValidatePaymentRequirements(t *testing.T) {
	t.Run("valid requirements", func(t *testing.T) {
		if err := ValidatePaymentRequirements(validRequirements()); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("zero amount is allowed", func(t *testing.T) {
		req := validRequirements()
		req.Amount = "0"
		if err := ValidatePaymentRequirements(req); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	mutations := []struct {
		name   string
		mutate func(*agentpay.PaymentRequirements)
		errMsg string
	}{
		{name: "bad amount", mutate: func(r *agentpay.PaymentRequirements) { r.Amount = "abc" }, errMsg: "invalid amount"},
		{name: "bad network", mutate: func(r *agentpay.PaymentRequirements) { r.Network = "base" }, errMsg: "network"},
		{name: "bad payTo", mutate: func(r *agentpay.PaymentRequirements) { r.PayTo = "0x12" }, errMsg: "payTo"},
		{name: "empty asset", mutate: func(r *agentpay.PaymentRequirements) { r.Asset = "" }, errMsg: "asset"},
		{name: "empty scheme", mutate: func(r *agentpay.PaymentRequirements) { r.Scheme = "" }, errMsg: "scheme"},
		{name: "unknown scheme", mutate: func(r *agentpay.PaymentRequirements) { r.Scheme = "streaming" }, errMsg: "unsupported scheme"},
		{name: "negative timeout", mutate: func(r *agentpay.PaymentRequirements) { r.MaxTimeoutSeconds = -1 }, errMsg: "timeout"},
		{
			name: "blank EIP-3009 name",
			mutate: func(r *agentpay.PaymentRequirements) {
				r.Extra = map[string]interface{}{"name": "", "version": "2"}
			},
			errMsg: "name",
		},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequirements()
			tt.mutate(&req)
			err := ValidatePaymentRequirements(req)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestValidatePaymentPayload(t *testing.T) {
	valid := agentpay.PaymentPayload{
		X402Version: agentpay.X402Version,
		Accepted:    validRequirements(),
		Payload:     map[string]interface{}{"signature": "0xabc"},
	}

	t.Run("valid payload", func(t *testing.T) {
		if err := ValidatePaymentPayload(valid); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("wrong version", func(t *testing.T) {
		p := valid
		p.X402Version = 1
		if err := ValidatePaymentPayload(p); err == nil {
			t.Error("expected error for wrong version")
		}
	})

	t.Run("nil inner payload", func(t *testing.T) {
		p := valid
		p.Payload = nil
		if err := ValidatePaymentPayload(p); err == nil {
			t.Error("expected error for nil payload")
		}
	})

	t.Run("resource without URL", func(t *testing.T) {
		p := valid
		p.Resource = &agentpay.ResourceInfo{Description: "no url"}
		if err := ValidatePaymentPayload(p); err == nil {
			t.Error("expected error for resource without URL")
		}
	})
}

func TestValidatePaymentRequired(t *testing.T) {
	valid := agentpay.PaymentRequired{
		X402Version: agentpay.X402Version,
		Accepts:     []agentpay.PaymentRequirements{validRequirements()},
	}

	t.Run("valid challenge", func(t *testing.T) {
		if err := ValidatePaymentRequired(valid); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("empty accepts", func(t *testing.T) {
		pr := valid
		pr.Accepts = nil
		if err := ValidatePaymentRequired(pr); err == nil {
			t.Error("expected error for empty accepts")
		}
	})

	t.Run("invalid entry reports index", func(t *testing.T) {
		bad := validRequirements()
		bad.Amount = "not-a-number"
		pr := valid
		pr.Accepts = []agentpay.PaymentRequirements{validRequirements(), bad}
		err := ValidatePaymentRequired(pr)
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "accepts[1]") {
			t.Errorf("error = %v, want error naming accepts[1]", err)
		}
	})
}
