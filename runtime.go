package agentpay

import (
	"log/slog"

	"github.com/meefs/agentpay/policy"
	"github.com/meefs/agentpay/wallet"
)

// WalletRole identifies which party's funds a wallet holds.
type WalletRole string

const (
	// WalletRoleAgent is the wallet spending on behalf of the agent.
	WalletRoleAgent WalletRole = "agent"

	// WalletRoleDeveloper is the wallet owned by the application developer,
	// typically receiving funds or covering sponsored operations.
	WalletRoleDeveloper WalletRole = "developer"
)

// Runtime holds the assembled payment dependencies: signers, an optional
// policy engine, wallet connectors keyed by role, timeouts, and logging.
// All composition is explicit; there is no global registry.
type Runtime struct {
	signers   []Signer
	engine    *policy.Engine
	wallets   map[WalletRole]wallet.Connector
	timeouts  TimeoutConfig
	logger    *slog.Logger
	callbacks []PaymentCallback
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime) error

// WithSigner registers a payment signer. May be given multiple times;
// selection between signers is the selector's job.
func WithSigner(s Signer) RuntimeOption {
	return func(r *Runtime) error {
		if s == nil {
			return ErrNoValidSigner
		}
		r.signers = append(r.signers, s)
		return nil
	}
}

// WithPolicyEngine attaches a policy engine. Without one, every payment
// is allowed.
func WithPolicyEngine(engine *policy.Engine) RuntimeOption {
	return func(r *Runtime) error {
		r.engine = engine
		return nil
	}
}

// WithWallet registers a wallet connector under a role. Registering the
// same role twice replaces the earlier connector.
func WithWallet(role WalletRole, conn wallet.Connector) RuntimeOption {
	return func(r *Runtime) error {
		if conn == nil {
			return ErrWalletUnavailable
		}
		r.wallets[role] = conn
		return nil
	}
}

// WithTimeouts overrides the default timeout configuration.
func WithTimeouts(tc TimeoutConfig) RuntimeOption {
	return func(r *Runtime) error {
		if err := tc.Validate(); err != nil {
			return err
		}
		r.timeouts = tc
		return nil
	}
}

// WithRuntimeLogger sets the structured logger.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) error {
		r.logger = logger
		return nil
	}
}

// WithPaymentCallback registers a payment event callback.
func WithPaymentCallback(cb PaymentCallback) RuntimeOption {
	return func(r *Runtime) error {
		if cb != nil {
			r.callbacks = append(r.callbacks, cb)
		}
		return nil
	}
}

// NewRuntime assembles a Runtime from options.
func NewRuntime(opts ...RuntimeOption) (*Runtime, error) {
	r := &Runtime{
		wallets:  make(map[WalletRole]wallet.Connector),
		timeouts: DefaultTimeouts,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Signers returns the registered signers in registration order.
func (r *Runtime) Signers() []Signer {
	return r.signers
}

// PolicyEngine returns the attached policy engine, or nil.
func (r *Runtime) PolicyEngine() *policy.Engine {
	return r.engine
}

// Wallet returns the connector registered for the role, or nil.
func (r *Runtime) Wallet(role WalletRole) wallet.Connector {
	return r.wallets[role]
}

// Timeouts returns the runtime's timeout configuration.
func (r *Runtime) Timeouts() TimeoutConfig {
	return r.timeouts
}

// Logger returns the runtime's structured logger.
func (r *Runtime) Logger() *slog.Logger {
	return r.logger
}

// Callbacks returns the registered payment event callbacks.
func (r *Runtime) Callbacks() []PaymentCallback {
	return r.callbacks
}
