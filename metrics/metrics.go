// Package metrics exposes Prometheus instrumentation for payment
// activity. The Recorder plugs into the payment event callbacks and the
// policy engine's denial hook; nothing in the payment path depends on
// it.
package metrics

import (
	"errors"
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meefs/agentpay"
	"github.com/meefs/agentpay/policy"
)

// Recorder holds the payment metric instruments.
type Recorder struct {
	// Traffic: payment lifecycle events by outcome.
	PaymentsTotal *prometheus.CounterVec

	// Volume: settled amount in the asset's base units.
	SettledBaseUnits *prometheus.CounterVec

	// Errors: policy denials by denying group.
	PolicyDenials *prometheus.CounterVec

	// Errors: failed payments by error code.
	PaymentErrors *prometheus.CounterVec
}

// NewRecorder registers the payment instruments with reg. A nil reg
// registers against a throwaway registry, so a Recorder is always safe
// to use.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Recorder{
		PaymentsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_payments_total",
			Help: "Total number of payment lifecycle events.",
		}, []string{"type", "network", "scheme"}),

		SettledBaseUnits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_settled_base_units_total",
			Help: "Total settled payment volume in asset base units.",
		}, []string{"network", "asset"}),

		PolicyDenials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_policy_denials_total",
			Help: "Total payments denied by policy, by denying group.",
		}, []string{"group"}),

		PaymentErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentpay_payment_errors_total",
			Help: "Total failed payments by error code.",
		}, []string{"code"}),
	}
}

// PaymentCallback adapts the Recorder to the payment event hooks. Wire
// the same callback to attempt, success, and failure events.
func (r *Recorder) PaymentCallback() agentpay.PaymentCallback {
	return func(event agentpay.PaymentEvent) {
		r.PaymentsTotal.WithLabelValues(string(event.Type), event.Network, event.Scheme).Inc()

		switch event.Type {
		case agentpay.PaymentEventSuccess:
			if amount, ok := new(big.Float).SetString(event.Amount); ok {
				v, _ := amount.Float64()
				r.SettledBaseUnits.WithLabelValues(event.Network, event.Asset).Add(v)
			}
		case agentpay.PaymentEventFailure:
			code := "unknown"
			var payErr *agentpay.PaymentError
			if errors.As(event.Error, &payErr) {
				code = string(payErr.Code)
			}
			r.PaymentErrors.WithLabelValues(code).Inc()
		}
	}
}

// DenialHook adapts the Recorder to policy.WithDenialHook.
func (r *Recorder) DenialHook() func(policy.Decision) {
	return func(decision policy.Decision) {
		r.PolicyDenials.WithLabelValues(decision.Group).Inc()
	}
}
