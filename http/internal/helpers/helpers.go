// Package helpers contains internal plumbing shared by the HTTP client
// transport and the serving middleware: header codecs and 402 response
// construction.
package helpers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/meefs/agentpay"
	"github.com/meefs/agentpay/encoding"
)

// Protocol header names.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// ErrNilSettlement is returned when settlement is nil in AddPaymentResponseHeader.
var ErrNilSettlement = errors.New("settlement is nil")

// ErrNilPayment is returned when payment is nil in BuildPaymentHeader.
var ErrNilPayment = errors.New("payment is nil")

// ParsePaymentHeader extracts and decodes a PaymentPayload from the
// X-PAYMENT header. Returns ErrMalformedHeader when the header is absent.
func ParsePaymentHeader(r *http.Request) (*agentpay.PaymentPayload, error) {
	value := r.Header.Get(PaymentHeader)
	if value == "" {
		return nil, agentpay.ErrMalformedHeader
	}

	payment, err := encoding.DecodePayment(value)
	if err != nil {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeInvalidRequirements, "failed to decode payment header", err)
	}

	if payment.X402Version != agentpay.X402Version {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeUnsupportedVersion, "unsupported x402 version", agentpay.ErrUnsupportedVersion)
	}

	return &payment, nil
}

// SendPaymentRequired writes a 402 response carrying the accepted payment
// options. resource may be nil when the server does not describe itself.
func SendPaymentRequired(w http.ResponseWriter, resource *agentpay.ResourceInfo, requirements []agentpay.PaymentRequirements, errMsg string) error {
	response := agentpay.PaymentRequired{
		X402Version: agentpay.X402Version,
		Error:       errMsg,
		Resource:    resource,
		Accepts:     requirements,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		return fmt.Errorf("encoding PaymentRequired response: %w", err)
	}
	return nil
}

// AddPaymentResponseHeader sets the X-PAYMENT-RESPONSE header carrying the
// settlement result. Returns an error if settlement is nil or encoding fails.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *agentpay.SettleResponse) error {
	if settlement == nil {
		return fmt.Errorf("AddPaymentResponseHeader: %w", ErrNilSettlement)
	}
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(PaymentResponseHeader, encoded)
	return nil
}

// ParsePaymentRequirements extracts PaymentRequired from a 402 response
// body. Requirements are parsed fresh for every challenge and never reused
// across negotiations.
func ParsePaymentRequirements(resp *http.Response) (*agentpay.PaymentRequired, error) {
	if resp == nil || resp.Body == nil {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeInvalidRequirements, "missing response or body", agentpay.ErrInvalidRequirements)
	}

	var paymentReq agentpay.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&paymentReq); err != nil {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeInvalidRequirements, "failed to decode payment requirements", err)
	}

	if len(paymentReq.Accepts) == 0 {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeInvalidRequirements, "no payment requirements in response", agentpay.ErrInvalidRequirements)
	}

	return &paymentReq, nil
}

// ParseSettlement decodes the X-PAYMENT-RESPONSE header value. Returns nil
// when the header is empty or does not decode; settlement info is advisory
// on the client side.
func ParseSettlement(headerValue string) *agentpay.SettleResponse {
	if headerValue == "" {
		return nil
	}

	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}

	return &settlement
}

// BuildPaymentHeader produces the X-PAYMENT header value for a signed
// payment. Returns an error if payment is nil or encoding fails.
func BuildPaymentHeader(payment *agentpay.PaymentPayload) (string, error) {
	if payment == nil {
		return "", fmt.Errorf("BuildPaymentHeader: %w", ErrNilPayment)
	}
	encoded, err := encoding.EncodePayment(*payment)
	if err != nil {
		return "", fmt.Errorf("BuildPaymentHeader: encode payment: %w", err)
	}
	return encoded, nil
}

// BuildResourceURL reconstructs the full URL of the protected resource
// from an incoming request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}
