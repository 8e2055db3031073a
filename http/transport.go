package http

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/meefs/agentpay"
	"github.com/meefs/agentpay/http/internal/helpers"
	"github.com/meefs/agentpay/policy"
	"github.com/meefs/agentpay/track"
)

// PriceResolver supplies the expected price of a request before the
// server has been asked. When present, the transport runs an optimistic
// policy check against the expected amount and refuses locally, without
// any network I/O, when the payment could never be approved.
type PriceResolver interface {
	// ExpectedPrice returns the expected amount in base units for the
	// request, or nil when no expectation is known.
	ExpectedPrice(req *http.Request) *big.Int
}

// PriceResolverFunc adapts a function to the PriceResolver interface.
type PriceResolverFunc func(req *http.Request) *big.Int

// ExpectedPrice implements PriceResolver.
func (f PriceResolverFunc) ExpectedPrice(req *http.Request) *big.Int { return f(req) }

// Transport is an http.RoundTripper that negotiates x402 payments. It
// wraps a base transport and handles 402 challenges: parse the server's
// accepted options, select a signer, clear the payment with the policy
// engine, sign, and retry exactly once with the X-PAYMENT header.
//
// Requirements are parsed fresh on every challenge. Nothing from a prior
// negotiation is reused; servers may rotate nonces and terms between
// calls.
type Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signers is the list of available payment signers.
	Signers []agentpay.Signer

	// Selector chooses the signer and requirement option for a challenge.
	Selector agentpay.PaymentSelector

	// Engine is the policy engine gating every payment. When nil, no
	// policy is enforced and every payment the signers can make is made.
	Engine *policy.Engine

	// Prices supplies expected amounts for the optimistic pre-check.
	// Optional; without it the first policy decision happens at the 402.
	Prices PriceResolver

	// Timeouts bounds the negotiation: SigningTimeout covers each signing
	// call and RequestTimeout covers the whole exchange, body read
	// included. Zero values disable the corresponding bound.
	Timeouts agentpay.TimeoutConfig

	// Logger receives negotiation diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt agentpay.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess agentpay.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure agentpay.PaymentCallback
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) selector() agentpay.PaymentSelector {
	if t.Selector != nil {
		return t.Selector
	}
	return agentpay.NewDefaultPaymentSelector()
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// candidateFor builds the policy view of a payment for the given request.
func candidateFor(req *http.Request, recipient string, amount *big.Int) policy.Payment {
	return policy.Payment{
		TargetURL:        req.URL.Scheme + "://" + req.URL.Host,
		EndpointURL:      req.URL.String(),
		RecipientAddress: recipient,
		RecipientDomain:  req.URL.Hostname(),
		Amount:           amount,
		Direction:        track.Outgoing,
	}
}

// RoundTrip implements http.RoundTripper. When Timeouts.RequestTimeout
// is set it bounds the whole negotiation, including reading the body of
// the returned response, like http.Client.Timeout does.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	cancel := context.CancelFunc(func() {})
	if t.Timeouts.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.Timeouts.RequestTimeout)
	}

	resp, err := t.roundTrip(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	// The timer keeps running until the caller finishes with the body.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (t *Transport) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Optimistic pre-check: a payment the policy would deny at the
	// expected price is refused before the server is ever contacted.
	if t.Engine != nil {
		var expected *big.Int
		if t.Prices != nil {
			expected = t.Prices.ExpectedPrice(req)
		}
		decision, err := t.Engine.Evaluate(ctx, candidateFor(req, "", expected))
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, &policy.DeniedError{Decision: decision}
		}
	}

	reqCopy := req.Clone(ctx)

	resp, err := t.base().RoundTrip(reqCopy)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	paymentReq, err := helpers.ParsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeInvalidRequirements, "failed to parse payment requirements", err)
	}

	signer, requirement, err := t.selector().Select(t.Signers, paymentReq.Accepts)
	if err != nil {
		return nil, err
	}

	// Mandatory checkpoint: the policy clears the server's actual demanded
	// amount and recipient, and reserves spend and rate capacity so that
	// concurrent payments cannot overshoot a shared budget.
	demanded, ok := new(big.Int).SetString(requirement.Amount, 10)
	if !ok {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeInvalidRequirements, "invalid amount in selected requirement", agentpay.ErrInvalidAmount)
	}

	var approval *policy.Approval
	if t.Engine != nil {
		var decision policy.Decision
		approval, decision, err = t.Engine.Approve(ctx, candidateFor(req, requirement.PayTo, demanded))
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, &policy.DeniedError{Decision: decision}
		}
	}
	release := func() {
		if approval != nil {
			approval.Release()
		}
	}

	startTime := time.Now()
	t.emitAttempt(req, requirement, startTime)

	payment, err := t.sign(ctx, signer, requirement)
	if err != nil {
		release()
		t.emitFailure(req, requirement, err, startTime)
		return nil, err
	}

	paymentHeader, err := helpers.BuildPaymentHeader(payment)
	if err != nil {
		release()
		perr := agentpay.NewPaymentError(agentpay.ErrCodeSigningFailed, "failed to build payment header", err)
		t.emitFailure(req, requirement, perr, startTime)
		return nil, perr
	}

	reqRetry := req.Clone(ctx)
	reqRetry.Header.Set(helpers.PaymentHeader, paymentHeader)

	// The challenge request consumed the original body. Replayable
	// bodies are rewound for the paid retry; a request without GetBody
	// retries with whatever is left, which for GET is nothing.
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			release()
			t.emitFailure(req, requirement, err, startTime)
			return nil, err
		}
		reqRetry.Body = body
	}

	respRetry, err := t.base().RoundTrip(reqRetry)
	if err != nil {
		release()
		t.emitFailure(req, requirement, err, startTime)
		return nil, err
	}

	// A second 402 after a valid authorization was attached means the
	// server is misbehaving. There is no second retry.
	if respRetry.StatusCode == http.StatusPaymentRequired {
		release()
		drain(respRetry)
		perr := agentpay.NewPaymentError(agentpay.ErrCodeProtocolViolation, "payment required again after authorization was attached", agentpay.ErrProtocolViolation)
		t.emitFailure(req, requirement, perr, startTime)
		return nil, perr
	}

	settlement := helpers.ParseSettlement(respRetry.Header.Get(helpers.PaymentResponseHeader))

	// A settlement confirmation that reports failure overrides the HTTP
	// status: the payment failed and no spend is recorded.
	if settlement != nil && !settlement.Success {
		release()
		drain(respRetry)
		perr := agentpay.NewPaymentError(agentpay.ErrCodeSettlementFailed, "settlement reported failure", agentpay.ErrSettlementFailed).
			WithDetails("errorReason", settlement.ErrorReason)
		t.emitFailure(req, requirement, perr, startTime)
		return nil, perr
	}

	if approval != nil {
		// Commit survives a caller cancelling right after the response
		// lands; the spend happened either way.
		actual := settledAmount(settlement)
		if err := approval.Commit(context.WithoutCancel(ctx), actual); err != nil {
			t.logger().Warn("failed to record settled payment", "url", req.URL.String(), "error", err)
		}
	}

	t.emitSuccess(req, requirement, settlement, startTime)

	return respRetry, nil
}

// sign produces the payment payload under the configured signing timeout.
func (t *Transport) sign(ctx context.Context, signer agentpay.Signer, requirement *agentpay.PaymentRequirements) (*agentpay.PaymentPayload, error) {
	if t.Timeouts.SigningTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeouts.SigningTimeout)
		defer cancel()
	}
	payment, err := signer.Sign(ctx, requirement)
	if err != nil {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeSigningFailed, "failed to sign payment", err)
	}
	return payment, nil
}

// settledAmount extracts the actual settled amount when the facilitator
// echoed one; nil falls back to the reserved amount at commit time.
func settledAmount(settlement *agentpay.SettleResponse) *big.Int {
	if settlement == nil || settlement.Amount == "" {
		return nil
	}
	actual, ok := new(big.Int).SetString(settlement.Amount, 10)
	if !ok {
		return nil
	}
	return actual
}

// cancelBody ties a negotiation deadline timer to the response body, so
// the body read stays bounded and the timer is stopped once the caller
// is done.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil {
		b.cancel()
	}
	return n, err
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}
}

func (t *Transport) emitAttempt(req *http.Request, requirement *agentpay.PaymentRequirements, startTime time.Time) {
	if t.OnPaymentAttempt == nil {
		return
	}
	t.OnPaymentAttempt(agentpay.PaymentEvent{
		Type:      agentpay.PaymentEventAttempt,
		Timestamp: startTime,
		URL:       req.URL.String(),
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Amount:    requirement.Amount,
		Asset:     requirement.Asset,
		Recipient: requirement.PayTo,
	})
}

func (t *Transport) emitFailure(req *http.Request, requirement *agentpay.PaymentRequirements, err error, startTime time.Time) {
	if t.OnPaymentFailure == nil {
		return
	}
	event := agentpay.PaymentEvent{
		Type:      agentpay.PaymentEventFailure,
		Timestamp: time.Now(),
		URL:       req.URL.String(),
		Error:     err,
		Duration:  time.Since(startTime),
	}
	if requirement != nil {
		event.Network = requirement.Network
		event.Scheme = requirement.Scheme
		event.Amount = requirement.Amount
		event.Asset = requirement.Asset
		event.Recipient = requirement.PayTo
	}
	t.OnPaymentFailure(event)
}

func (t *Transport) emitSuccess(req *http.Request, requirement *agentpay.PaymentRequirements, settlement *agentpay.SettleResponse, startTime time.Time) {
	if t.OnPaymentSuccess == nil {
		return
	}
	event := agentpay.PaymentEvent{
		Type:      agentpay.PaymentEventSuccess,
		Timestamp: time.Now(),
		URL:       req.URL.String(),
		Network:   requirement.Network,
		Scheme:    requirement.Scheme,
		Amount:    requirement.Amount,
		Asset:     requirement.Asset,
		Recipient: requirement.PayTo,
		Duration:  time.Since(startTime),
	}
	if settlement != nil {
		event.Transaction = settlement.Transaction
		event.Payer = settlement.Payer
		if settlement.Amount != "" {
			event.Amount = settlement.Amount
		}
	}
	t.OnPaymentSuccess(event)
}
