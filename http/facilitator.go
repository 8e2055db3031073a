// Package http provides the client transport and serving middleware for
// policy-gated x402 payments over HTTP.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/meefs/agentpay"
	"github.com/meefs/agentpay/facilitator"
)

// AuthorizationProvider returns an Authorization header value for a
// facilitator request. Useful for rotating tokens (JWT refresh) where a
// static string would go stale.
//
// The provider is called on every request, including retries, so it must
// be safe for concurrent use if it touches shared state.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc runs before a verify or settle operation. Returning an
// error aborts the operation.
type OnBeforeFunc func(context.Context, agentpay.PaymentPayload, agentpay.PaymentRequirements) error

// OnAfterVerifyFunc runs after a Verify completes, success or failure.
type OnAfterVerifyFunc func(context.Context, agentpay.PaymentPayload, agentpay.PaymentRequirements, *agentpay.VerifyResponse, error)

// OnAfterSettleFunc runs after a Settle completes, success or failure.
type OnAfterSettleFunc func(context.Context, agentpay.PaymentPayload, agentpay.PaymentRequirements, *agentpay.SettleResponse, error)

// FacilitatorClient talks to an x402 facilitator service over HTTP.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g., "https://facilitator.x402.org").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts contains timeout configuration for payment operations.
	Timeouts agentpay.TimeoutConfig

	// MaxRetries is the number of retry attempts after a failed request
	// (default: 0, no retries). Only transport-level failures are retried;
	// a facilitator that answered is never asked twice.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default: 100ms).
	// Exponential backoff is applied.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value.
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider supplies the Authorization header per request.
	// Takes precedence over the static Authorization field.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeVerify is called before Verify starts.
	// If it returns an error, the operation is aborted.
	OnBeforeVerify OnBeforeFunc

	// OnAfterVerify is called after Verify completes.
	OnAfterVerify OnAfterVerifyFunc

	// OnBeforeSettle is called before Settle starts.
	// If it returns an error, the operation is aborted.
	OnBeforeSettle OnBeforeFunc

	// OnAfterSettle is called after Settle completes.
	OnAfterSettle OnAfterSettleFunc
}

var _ facilitator.Interface = (*FacilitatorClient)(nil)

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// setAuthorizationHeader applies the configured auth to a request. The
// provider wins over the static value when both are set.
func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

// doWithRetry runs fn under this client's retry policy: exponential
// backoff starting at RetryDelay, retrying only while the facilitator is
// unreachable. A facilitator that answered is never asked twice.
func (c *FacilitatorClient) doWithRetry(ctx context.Context, fn func() error) error {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	attempts := c.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.MaxDelay(delay*8),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, agentpay.ErrFacilitatorUnavailable)
		}),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
	)
	return r.Do(fn)
}

// opCtx applies the per-operation timeout only when the caller's context
// carries no deadline of its own.
func opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

// Verify checks a payment authorization without executing the transfer.
func (c *FacilitatorClient) Verify(ctx context.Context, payload agentpay.PaymentPayload, requirements agentpay.PaymentRequirements) (*agentpay.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	req := facilitator.VerifyRequest{
		X402Version:         agentpay.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var verifyResp *agentpay.VerifyResponse
	resultErr := c.doWithRetry(ctx, func() error {
		reqCtx, cancel := opCtx(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()

		body, err := c.post(reqCtx, "/verify", data, agentpay.ErrVerificationFailed)
		if err != nil {
			return err
		}

		var parsed agentpay.VerifyResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("failed to decode verify response: %w", err)
		}
		if parsed.Payer == "" {
			parsed.Payer = extractPayer(payload)
		}
		verifyResp = &parsed
		return nil
	})
	if resultErr != nil {
		verifyResp = nil
	}

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payload, requirements, verifyResp, resultErr)
	}

	return verifyResp, resultErr
}

// Settle executes a verified payment on the blockchain.
func (c *FacilitatorClient) Settle(ctx context.Context, payload agentpay.PaymentPayload, requirements agentpay.PaymentRequirements) (*agentpay.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	req := facilitator.SettleRequest{
		X402Version:         agentpay.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var settleResp *agentpay.SettleResponse
	resultErr := c.doWithRetry(ctx, func() error {
		reqCtx, cancel := opCtx(ctx, c.Timeouts.SettleTimeout)
		defer cancel()

		body, err := c.post(reqCtx, "/settle", data, agentpay.ErrSettlementFailed)
		if err != nil {
			return err
		}

		var parsed agentpay.SettleResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("failed to decode settle response: %w", err)
		}
		settleResp = &parsed
		return nil
	})
	if resultErr != nil {
		settleResp = nil
	}

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirements, settleResp, resultErr)
	}

	return settleResp, resultErr
}

// post sends one JSON request and returns the response body, mapping
// transport failures to ErrFacilitatorUnavailable and non-200 statuses
// to baseErr with any reason the facilitator supplied.
func (c *FacilitatorClient) post(ctx context.Context, path string, data []byte, baseErr error) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(httpResp, baseErr)
	}

	return io.ReadAll(httpResp.Body)
}

// Supported queries the facilitator for supported payment kinds.
func (c *FacilitatorClient) Supported(ctx context.Context) (*agentpay.SupportedResponse, error) {
	reqCtx, cancel := opCtx(ctx, c.Timeouts.VerifyTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp agentpay.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

// EnrichRequirements merges network-specific data the facilitator
// advertises (feePayer for SVM networks, token metadata) into the given
// requirements. Values already present are never overwritten.
func (c *FacilitatorClient) EnrichRequirements(ctx context.Context, requirements []agentpay.PaymentRequirements) ([]agentpay.PaymentRequirements, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment types: %w", err)
	}

	supportedMap := make(map[string]agentpay.SupportedKind)
	for _, kind := range supported.Kinds {
		supportedMap[kind.Network+"-"+kind.Scheme] = kind
	}

	enriched := make([]agentpay.PaymentRequirements, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := supportedMap[req.Network+"-"+req.Scheme]
		if !ok || kind.Extra == nil {
			continue
		}
		if enriched[i].Extra == nil {
			enriched[i].Extra = make(map[string]interface{})
		}
		for k, v := range kind.Extra {
			if _, exists := enriched[i].Extra[k]; !exists {
				enriched[i].Extra[k] = v
			}
		}
	}

	return enriched, nil
}

// parseErrorResponse extracts error details from a non-200 response.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(resp.Body)

	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if reason, ok := errBody["invalidReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
		if reason, ok := errBody["errorReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}

	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

// extractPayer pulls the payer address out of an EVM payment payload.
// SVM payloads carry the payer inside the transaction; the facilitator
// reports it in its responses instead.
func extractPayer(payload agentpay.PaymentPayload) string {
	if evmPayload, ok := payload.Payload.(map[string]interface{}); ok {
		if auth, ok := evmPayload["authorization"].(map[string]interface{}); ok {
			if from, ok := auth["from"].(string); ok {
				return from
			}
		}
	}
	return ""
}
