package encoding

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/meefs/agentpay"
)

func TestEncodeDecodePayment(t *testing.T) {
	original := agentpay.PaymentPayload{
		X402Version: 2,
		Resource: &agentpay.ResourceInfo{
			URL:         "https://example.com/api",
			Description: "Test API",
		},
		Accepted: agentpay.PaymentRequirements{
			Scheme:            "exact",
			Network:           "eip155:8453",
			Amount:            "1000000",
			Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			PayTo:             "0x1234567890123456789012345678901234567890",
			MaxTimeoutSeconds: 300,
		},
		Payload: map[string]interface{}{
			"signature": "0xabcdef",
		},
	}

	encoded, err := EncodePayment(original)
	if err != nil {
		t.Fatalf("EncodePayment() error = %v", err)
	}

	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Errorf("EncodePayment() result is not valid base64: %v", err)
	}

	decoded, err := DecodePayment(encoded)
	if err != nil {
		t.Fatalf("DecodePayment() error = %v", err)
	}

	if decoded.X402Version != original.X402Version {
		t.Errorf("X402Version = %d; want %d", decoded.X402Version, original.X402Version)
	}
	if decoded.Accepted.Network != original.Accepted.Network {
		t.Errorf("Accepted.Network = %s; want %s", decoded.Accepted.Network, original.Accepted.Network)
	}
	if decoded.Resource == nil {
		t.Error("Resource should not be nil")
	} else if decoded.Resource.URL != original.Resource.URL {
		t.Errorf("Resource.URL = %s; want %s", decoded.Resource.URL, original.Resource.URL)
	}
}

func TestDecodePaymentErrors(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{name: "invalid base64", encoded: "not-valid-base64!!!"},
		{name: "valid base64 but invalid JSON", encoded: base64.StdEncoding.EncodeToString([]byte("not json"))},
		{name: "empty string", encoded: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePayment(tt.encoded); err == nil {
				t.Error("DecodePayment() expected error, got nil")
			}
		})
	}
}

func TestEncodeDecodeSettlement(t *testing.T) {
	original := agentpay.SettleResponse{
		Success:     true,
		Transaction: "0xabcdef1234567890",
		Network:     "eip155:8453",
		Payer:       "0x1234567890123456789012345678901234567890",
		Amount:      "950000",
	}

	encoded, err := EncodeSettlement(original)
	if err != nil {
		t.Fatalf("EncodeSettlement() error = %v", err)
	}

	decoded, err := DecodeSettlement(encoded)
	if err != nil {
		t.Fatalf("DecodeSettlement() error = %v", err)
	}

	if decoded.Success != original.Success {
		t.Errorf("Success = %v; want %v", decoded.Success, original.Success)
	}
	if decoded.Transaction != original.Transaction {
		t.Errorf("Transaction = %s; want %s", decoded.Transaction, original.Transaction)
	}
	if decoded.Amount != original.Amount {
		t.Errorf("Amount = %s; want %s", decoded.Amount, original.Amount)
	}
}

func TestEncodeDecodeSettlementWithError(t *testing.T) {
	original := agentpay.SettleResponse{
		Success:     false,
		ErrorReason: "insufficient funds",
		Network:     "eip155:8453",
	}

	encoded, err := EncodeSettlement(original)
	if err != nil {
		t.Fatalf("EncodeSettlement() error = %v", err)
	}

	decoded, err := DecodeSettlement(encoded)
	if err != nil {
		t.Fatalf("DecodeSettlement() error = %v", err)
	}

	if decoded.Success {
		t.Error("Success should be false")
	}
	if decoded.ErrorReason != original.ErrorReason {
		t.Errorf("ErrorReason = %s; want %s", decoded.ErrorReason, original.ErrorReason)
	}
}

func TestEncodeDecodeRequirements(t *testing.T) {
	original := agentpay.PaymentRequired{
		X402Version: 2,
		Error:       "Payment required",
		Resource: &agentpay.ResourceInfo{
			URL:         "https://example.com/api",
			Description: "Test API",
			MimeType:    "application/json",
		},
		Accepts: []agentpay.PaymentRequirements{
			{
				Scheme:            "exact",
				Network:           "eip155:8453",
				Amount:            "1000000",
				Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				PayTo:             "0x1234567890123456789012345678901234567890",
				MaxTimeoutSeconds: 300,
				Extra: map[string]interface{}{
					"name":    "USD Coin",
					"version": "2",
				},
			},
		},
		Extensions: map[string]agentpay.Extension{
			"budget": {
				Info:   map[string]interface{}{"budgetId": "test-budget"},
				Schema: map[string]interface{}{"type": "object"},
			},
		},
	}

	encoded, err := EncodeRequirements(original)
	if err != nil {
		t.Fatalf("EncodeRequirements() error = %v", err)
	}

	decoded, err := DecodeRequirements(encoded)
	if err != nil {
		t.Fatalf("DecodeRequirements() error = %v", err)
	}

	if decoded.X402Version != original.X402Version {
		t.Errorf("X402Version = %d; want %d", decoded.X402Version, original.X402Version)
	}
	if decoded.Resource.URL != original.Resource.URL {
		t.Errorf("Resource.URL = %s; want %s", decoded.Resource.URL, original.Resource.URL)
	}
	if len(decoded.Accepts) != len(original.Accepts) {
		t.Errorf("len(Accepts) = %d; want %d", len(decoded.Accepts), len(original.Accepts))
	}
	if len(decoded.Extensions) != len(original.Extensions) {
		t.Errorf("len(Extensions) = %d; want %d", len(decoded.Extensions), len(original.Extensions))
	}
}

func TestEncodeDecodeVerifyResponse(t *testing.T) {
	tests := []struct {
		name     string
		response agentpay.VerifyResponse
	}{
		{
			name: "valid response",
			response: agentpay.VerifyResponse{
				IsValid: true,
				Payer:   "0x1234567890123456789012345678901234567890",
			},
		},
		{
			name: "invalid response",
			response: agentpay.VerifyResponse{
				IsValid:       false,
				InvalidReason: "signature verification failed",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeVerifyResponse(tt.response)
			if err != nil {
				t.Fatalf("EncodeVerifyResponse() error = %v", err)
			}

			decoded, err := DecodeVerifyResponse(encoded)
			if err != nil {
				t.Fatalf("DecodeVerifyResponse() error = %v", err)
			}

			if decoded.IsValid != tt.response.IsValid {
				t.Errorf("IsValid = %v; want %v", decoded.IsValid, tt.response.IsValid)
			}
			if decoded.InvalidReason != tt.response.InvalidReason {
				t.Errorf("InvalidReason = %s; want %s", decoded.InvalidReason, tt.response.InvalidReason)
			}
		})
	}
}

func TestEncodedFormatIsValidJSON(t *testing.T) {
	payment := agentpay.PaymentPayload{
		X402Version: 2,
		Accepted: agentpay.PaymentRequirements{
			Scheme:  "exact",
			Network: "eip155:8453",
			Amount:  "1000000",
			Asset:   "0xUSDC",
			PayTo:   "0xrecipient",
		},
		Payload: map[string]interface{}{"test": true},
	}

	encoded, err := EncodePayment(payment)
	if err != nil {
		t.Fatalf("EncodePayment() error = %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("base64.DecodeString() error = %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(decoded, &result); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	if result["x402Version"] != float64(2) {
		t.Errorf("x402Version = %v; want 2", result["x402Version"])
	}

	accepted, ok := result["accepted"].(map[string]interface{})
	if !ok {
		t.Fatal("accepted field not found or not an object")
	}
	if accepted["network"] != "eip155:8453" {
		t.Errorf("accepted.network = %v; want eip155:8453", accepted["network"])
	}
}
