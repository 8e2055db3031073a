// Package gin adapts the payment middleware to Gin. It translates
// gin.Context to stdlib http patterns and delegates verification,
// settlement, and policy checks to the http package.
package gin

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meefs/agentpay"
	agentpayhttp "github.com/meefs/agentpay/http"
	"github.com/meefs/agentpay/http/internal/helpers"
	"github.com/meefs/agentpay/policy"
	"github.com/meefs/agentpay/track"
)

// Config is an alias for the http package's middleware Config.
type Config = agentpayhttp.Config

// PaymentContextKey is the gin context key for the verified payment.
const PaymentContextKey = "agentpay_payment"

// NewPaymentMiddleware returns a Gin middleware that gates handlers
// behind payment. Requests without a valid X-PAYMENT header receive a
// 402 challenge; verified and settled payments proceed with the
// verification result stored under PaymentContextKey.
//
// Unlike the stdlib middleware, settlement happens before the handler
// runs: Gin's handler chain has no equivalent of the deferred commit
// point, so a handler error after settlement does not refund the payer.
func NewPaymentMiddleware(config Config) gin.HandlerFunc {
	timeouts := config.Timeouts
	if timeouts == (agentpay.TimeoutConfig{}) {
		timeouts = agentpay.DefaultTimeouts
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	primary := &agentpayhttp.FacilitatorClient{
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

	var fallback *agentpayhttp.FacilitatorClient
	if config.FallbackFacilitatorURL != "" {
		fallback = &agentpayhttp.FacilitatorClient{
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

	return func(c *gin.Context) {
		resource := config.Resource
		if resource.URL == "" {
			resource.URL = helpers.BuildResourceURL(c.Request)
		}
		if resource.Description == "" {
			resource.Description = "Payment required for " + c.Request.URL.Path
		}

		if c.GetHeader(helpers.PaymentHeader) == "" {
			logger.Info("no payment header provided", "path", c.Request.URL.Path)
			sendPaymentRequired(c, resource, requirements, "Payment required")
			return
		}

		payment, err := helpers.ParsePaymentHeader(c.Request)
		if err != nil {
			logger.Warn("invalid payment header", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"x402Version": agentpay.X402Version,
				"error":       "Invalid payment header",
			})
			return
		}

		requirement, err := agentpay.FindMatchingRequirement(payment, requirements)
		if err != nil {
			logger.Warn("no matching requirement", "error", err)
			sendPaymentRequired(c, resource, requirements, "No matching payment requirement")
			return
		}

		if config.Engine != nil {
			amount, ok := new(big.Int).SetString(requirement.Amount, 10)
			if !ok {
				amount = nil
			}
			decision, err := config.Engine.Evaluate(c.Request.Context(), policy.Payment{
				EndpointURL: helpers.BuildResourceURL(c.Request),
				Amount:      amount,
				Direction:   track.Incoming,
			})
			if err != nil {
				logger.Error("inbound policy evaluation failed", "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"x402Version": agentpay.X402Version,
					"error":       "Payment policy unavailable",
				})
				return
			}
			if !decision.Allowed {
				logger.Warn("inbound payment denied by policy", "reason", decision.Reason)
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":  gin.H{"message": "payment denied by policy"},
					"reason": decision.Reason,
				})
				return
			}
		}

		logger.Info("verifying payment", "scheme", payment.Accepted.Scheme, "network", payment.Accepted.Network)
		verifyResp, err := primary.Verify(c.Request.Context(), *payment, *requirement)
		if err != nil && fallback != nil {
			logger.Warn("primary facilitator failed, trying fallback", "error", err)
			verifyResp, err = fallback.Verify(c.Request.Context(), *payment, *requirement)
		}
		if err != nil {
			logger.Error("facilitator verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"x402Version": agentpay.X402Version,
				"error":       "Payment verification failed",
			})
			return
		}

		if !verifyResp.IsValid {
			logger.Warn("payment verification failed", "reason", verifyResp.InvalidReason)
			sendPaymentRequired(c, resource, requirements, verifyResp.InvalidReason)
			return
		}

		logger.Info("payment verified", "payer", verifyResp.Payer)

		if !config.VerifyOnly {
			logger.Info("settling payment", "payer", verifyResp.Payer)
			settlementResp, err := primary.Settle(c.Request.Context(), *payment, *requirement)
			if err != nil && fallback != nil {
				logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
				settlementResp, err = fallback.Settle(c.Request.Context(), *payment, *requirement)
			}
			if err != nil {
				logger.Error("settlement failed", "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"x402Version": agentpay.X402Version,
					"error":       "Payment settlement failed",
				})
				return
			}

			if !settlementResp.Success {
				logger.Warn("settlement unsuccessful", "reason", settlementResp.ErrorReason)
				sendPaymentRequired(c, resource, requirements, settlementResp.ErrorReason)
				return
			}

			logger.Info("payment settled", "transaction", settlementResp.Transaction)

			if config.Engine != nil {
				amount, ok := new(big.Int).SetString(requirement.Amount, 10)
				if ok {
					if settlementResp.Amount != "" {
						if settled, ok := new(big.Int).SetString(settlementResp.Amount, 10); ok {
							amount = settled
						}
					}
					record := policy.Payment{
						EndpointURL:      helpers.BuildResourceURL(c.Request),
						RecipientAddress: verifyResp.Payer,
						Amount:           amount,
						Direction:        track.Incoming,
					}
					if err := config.Engine.RecordIncoming(context.WithoutCancel(c.Request.Context()), record); err != nil {
						logger.Warn("failed to record incoming payment", "error", err)
					}
				}
			}

			if err := helpers.AddPaymentResponseHeader(c.Writer, settlementResp); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
			}
		}

		c.Set(PaymentContextKey, verifyResp)

		// Also store in the stdlib context so http package helpers work.
		ctx := context.WithValue(c.Request.Context(), agentpayhttp.PaymentContextKey, verifyResp)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// sendPaymentRequired aborts the chain with a 402 carrying the accepted
// payment options.
func sendPaymentRequired(c *gin.Context, resource agentpay.ResourceInfo, requirements []agentpay.PaymentRequirements, errMsg string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, agentpay.PaymentRequired{
		X402Version: agentpay.X402Version,
		Error:       errMsg,
		Resource:    &resource,
		Accepts:     requirements,
	})
}

// GetPaymentFromContext extracts the verified payment from the Gin
// context. Returns nil when no payment was verified.
func GetPaymentFromContext(c *gin.Context) *agentpay.VerifyResponse {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	resp, ok := value.(*agentpay.VerifyResponse)
	if !ok {
		return nil
	}
	return resp
}
