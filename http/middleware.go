package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"net/http"

	"github.com/meefs/agentpay"
	"github.com/meefs/agentpay/http/internal/helpers"
	"github.com/meefs/agentpay/policy"
	"github.com/meefs/agentpay/track"
)

// Config holds the configuration for the payment middleware.
type Config struct {
	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is the optional backup facilitator, tried
	// when the primary fails.
	FallbackFacilitatorURL string

	// Resource describes the protected resource.
	Resource agentpay.ResourceInfo

	// PaymentRequirements defines the accepted payment options.
	PaymentRequirements []agentpay.PaymentRequirements

	// Engine optionally gates inbound payments by policy. Denied payers
	// receive 403 before any facilitator call is made.
	Engine *policy.Engine

	// VerifyOnly skips settlement if true (only verifies payments).
	VerifyOnly bool

	// Timeouts bounds facilitator operations. Zero value uses defaults.
	Timeouts agentpay.TimeoutConfig

	// Logger receives middleware diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// FacilitatorAuthorization is a static Authorization header value
	// for the primary facilitator.
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider supplies the Authorization header
	// per request. Takes precedence over FacilitatorAuthorization.
	FacilitatorAuthorizationProvider AuthorizationProvider

	// Facilitator hooks around verify and settle operations.
	FacilitatorOnBeforeVerify OnBeforeFunc
	FacilitatorOnAfterVerify  OnAfterVerifyFunc
	FacilitatorOnBeforeSettle OnBeforeFunc
	FacilitatorOnAfterSettle  OnAfterSettleFunc

	// FallbackFacilitatorAuthorization is a static Authorization header
	// value for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider supplies the Authorization
	// header for the fallback facilitator per request.
	FallbackFacilitatorAuthorizationProvider AuthorizationProvider

	// Fallback facilitator hooks around verify and settle operations.
	FallbackFacilitatorOnBeforeVerify OnBeforeFunc
	FallbackFacilitatorOnAfterVerify  OnAfterVerifyFunc
	FallbackFacilitatorOnBeforeSettle OnBeforeFunc
	FallbackFacilitatorOnAfterSettle  OnAfterSettleFunc
}

// contextKey is a private type so middleware context values cannot collide.
type contextKey string

// PaymentContextKey is the context key under which the verified payment
// is stored for handler access.
const PaymentContextKey = contextKey("agentpay_payment")

func (c Config) timeouts() agentpay.TimeoutConfig {
	zero := agentpay.TimeoutConfig{}
	if c.Timeouts == zero {
		return agentpay.DefaultTimeouts
	}
	return c.Timeouts
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// NewPaymentMiddleware wraps HTTP handlers with payment gating: requests
// without a valid X-PAYMENT header receive a 402 challenge, payments are
// verified with the facilitator before the handler runs, and settlement
// is deferred until the handler commits a success status.
//
// Network-specific requirement data (like feePayer for SVM chains) is
// fetched once from the facilitator's /supported endpoint at
// construction time; a failed fetch logs a warning and the original
// requirements are served as-is.
func NewPaymentMiddleware(config Config) func(http.Handler) http.Handler {
	timeouts := config.timeouts()
	logger := config.logger()

	primary := &FacilitatorClient{
		BaseURL:               config.FacilitatorURL,
		Client:                &http.Client{Timeout: timeouts.RequestTimeout},
		Timeouts:              timeouts,
		Authorization:         config.FacilitatorAuthorization,
		AuthorizationProvider: config.FacilitatorAuthorizationProvider,
		OnBeforeVerify:        config.FacilitatorOnBeforeVerify,
		OnAfterVerify:         config.FacilitatorOnAfterVerify,
		OnBeforeSettle:        config.FacilitatorOnBeforeSettle,
		OnAfterSettle:         config.FacilitatorOnAfterSettle,
	}

	var fallback *FacilitatorClient
	if config.FallbackFacilitatorURL != "" {
		fallback = &FacilitatorClient{
			BaseURL:               config.FallbackFacilitatorURL,
			Client:                &http.Client{Timeout: timeouts.RequestTimeout},
			Timeouts:              timeouts,
			Authorization:         config.FallbackFacilitatorAuthorization,
			AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
			OnBeforeVerify:        config.FallbackFacilitatorOnBeforeVerify,
			OnAfterVerify:         config.FallbackFacilitatorOnAfterVerify,
			OnBeforeSettle:        config.FallbackFacilitatorOnBeforeSettle,
			OnAfterSettle:         config.FallbackFacilitatorOnAfterSettle,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.RequestTimeout)
	defer cancel()
	requirements, err := primary.EnrichRequirements(ctx, config.PaymentRequirements)
	if err != nil {
		logger.Warn("failed to enrich payment requirements from facilitator", "error", err)
		requirements = config.PaymentRequirements
	} else {
		logger.Info("payment requirements enriched from facilitator", "count", len(requirements))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resource := config.Resource
			if resource.URL == "" {
				resource.URL = helpers.BuildResourceURL(r)
			}
			if resource.Description == "" {
				resource.Description = "Payment required for " + r.URL.Path
			}

			if r.Header.Get(helpers.PaymentHeader) == "" {
				logger.Info("no payment header provided", "path", r.URL.Path)
				if err := helpers.SendPaymentRequired(w, &resource, requirements, "Payment required"); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			payment, err := helpers.ParsePaymentHeader(r)
			if err != nil {
				logger.Warn("invalid payment header", "error", err)
				http.Error(w, "Invalid payment header", http.StatusBadRequest)
				return
			}

			requirement, err := agentpay.FindMatchingRequirement(payment, requirements)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				if err := helpers.SendPaymentRequired(w, &resource, requirements, "No matching payment requirement"); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			payer := extractPayer(*payment)

			// Inbound policy check: blocked or over-budget payers are
			// refused before the facilitator sees the payment.
			if config.Engine != nil {
				candidate := incomingCandidate(r, payer, requirement)
				decision, err := config.Engine.Evaluate(r.Context(), candidate)
				if err != nil {
					logger.Error("inbound policy evaluation failed", "error", err)
					http.Error(w, "Payment policy unavailable", http.StatusServiceUnavailable)
					return
				}
				if !decision.Allowed {
					logger.Warn("inbound payment denied by policy", "payer", payer, "reason", decision.Reason)
					writePolicyDenied(w, decision)
					return
				}
			}

			logger.Info("verifying payment", "scheme", payment.Accepted.Scheme, "network", payment.Accepted.Network)
			verifyResp, err := primary.Verify(r.Context(), *payment, *requirement)
			if err != nil && fallback != nil {
				logger.Warn("primary facilitator failed, trying fallback", "error", err)
				verifyResp, err = fallback.Verify(r.Context(), *payment, *requirement)
			}
			if err != nil {
				logger.Error("facilitator verification failed", "error", err)
				http.Error(w, "Payment verification failed", http.StatusServiceUnavailable)
				return
			}

			if !verifyResp.IsValid {
				logger.Warn("payment verification failed", "reason", verifyResp.InvalidReason)
				if err := helpers.SendPaymentRequired(w, &resource, requirements, verifyResp.InvalidReason); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			logger.Info("payment verified", "payer", verifyResp.Payer)

			r = r.WithContext(context.WithValue(r.Context(), PaymentContextKey, verifyResp))

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					if config.VerifyOnly {
						return true
					}

					logger.Info("settling payment", "payer", verifyResp.Payer)
					settlementResp, err := primary.Settle(r.Context(), *payment, *requirement)
					if err != nil && fallback != nil {
						logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
						settlementResp, err = fallback.Settle(r.Context(), *payment, *requirement)
					}
					if err != nil {
						logger.Error("settlement failed", "error", err)
						http.Error(w, "Payment settlement failed", http.StatusServiceUnavailable)
						return false
					}

					if !settlementResp.Success {
						logger.Warn("settlement unsuccessful", "reason", settlementResp.ErrorReason)
						if err := helpers.SendPaymentRequired(w, &resource, requirements, settlementResp.ErrorReason); err != nil {
							logger.Error("failed to send payment required response", "error", err)
						}
						return false
					}

					logger.Info("payment settled", "transaction", settlementResp.Transaction)

					// Incoming spend is recorded only after the chain
					// confirmed; verified-but-unsettled payments never
					// touch the books.
					if config.Engine != nil {
						candidate := incomingCandidate(r, settledPayer(verifyResp, settlementResp), requirement)
						if amount := settledAmount(settlementResp); amount != nil {
							candidate.Amount = amount
						}
						if err := config.Engine.RecordIncoming(context.WithoutCancel(r.Context()), candidate); err != nil {
							logger.Warn("failed to record incoming payment", "error", err)
						}
					}

					if err := helpers.AddPaymentResponseHeader(w, settlementResp); err != nil {
						logger.Warn("failed to add payment response header", "error", err)
					}
					return true
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// incomingCandidate builds the policy view of an inbound payment.
func incomingCandidate(r *http.Request, payer string, requirement *agentpay.PaymentRequirements) policy.Payment {
	amount, ok := new(big.Int).SetString(requirement.Amount, 10)
	if !ok {
		amount = nil
	}
	return policy.Payment{
		EndpointURL:      helpers.BuildResourceURL(r),
		RecipientAddress: payer,
		Amount:           amount,
		Direction:        track.Incoming,
	}
}

func settledPayer(verify *agentpay.VerifyResponse, settle *agentpay.SettleResponse) string {
	if settle != nil && settle.Payer != "" {
		return settle.Payer
	}
	return verify.Payer
}

// writePolicyDenied emits the 403 denial body. The reason carries the
// denying group and the concrete numbers involved.
func writePolicyDenied(w http.ResponseWriter, decision policy.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  map[string]string{"message": "payment denied by policy"},
		"reason": decision.Reason,
	})
}

// settlementInterceptor wraps the ResponseWriter so settlement happens at
// the moment the handler commits a success status, not before. A handler
// that fails owes nothing; a settlement that fails replaces the handler's
// response.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc performs settlement; false means it already wrote an error.
	settleFunc func() bool
	// onFailure logs the skip when a handler errors out.
	onFailure func(statusCode int)
	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK, which is the commit point.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// After a failed settlement the error response is already on the
	// wire; the handler's payload is discarded to avoid a mixed body.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through untouched; no settlement is attempted.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.hijacked = true
		return
	}

	// Settlement succeeded and X-PAYMENT-RESPONSE is set; the handler's
	// status proceeds.
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker. Settlement runs before the connection
// is handed over (WebSocket upgrades).
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		if !i.committed {
			i.committed = true
			if !i.settleFunc() {
				i.hijacked = true
				return nil, nil, errors.New("payment settlement failed")
			}
		}
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// GetPaymentFromContext extracts the verified payment from the request
// context. Returns nil when no payment was verified.
func GetPaymentFromContext(ctx context.Context) *agentpay.VerifyResponse {
	value := ctx.Value(PaymentContextKey)
	if value == nil {
		return nil
	}
	resp, ok := value.(*agentpay.VerifyResponse)
	if !ok {
		return nil
	}
	return resp
}
