package http

import (
	"fmt"
	"net/http"

	"github.com/meefs/agentpay"
	"github.com/meefs/agentpay/http/internal/helpers"
	"github.com/meefs/agentpay/policy"
)

// Client is an HTTP client that negotiates x402 payments transparently.
// It wraps a standard http.Client; callers use Get/Post/Do as usual and
// 402 challenges are paid, within policy, behind the scenes.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a payment-enabled HTTP client.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{},
	}
	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithSigner adds a payment signer. Multiple signers can be added; the
// selector picks the best match per challenge.
func WithSigner(signer agentpay.Signer) ClientOption {
	return func(c *Client) error {
		if signer == nil {
			return agentpay.ErrNoValidSigner
		}
		transport := getOrCreateTransport(c)
		transport.Signers = append(transport.Signers, signer)
		return nil
	}
}

// WithSelector sets a custom payment selector.
func WithSelector(selector agentpay.PaymentSelector) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Selector = selector
		return nil
	}
}

// WithPolicyEngine gates every payment this client makes behind the
// engine. Denials surface as *policy.DeniedError from the request.
func WithPolicyEngine(engine *policy.Engine) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Engine = engine
		return nil
	}
}

// WithPriceResolver enables the optimistic pre-check: requests whose
// expected price the policy would deny fail before any network I/O.
func WithPriceResolver(resolver PriceResolver) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Prices = resolver
		return nil
	}
}

// WithTimeouts sets the negotiation timeout configuration.
func WithTimeouts(timeouts agentpay.TimeoutConfig) ClientOption {
	return func(c *Client) error {
		if err := timeouts.Validate(); err != nil {
			return err
		}
		getOrCreateTransport(c).Timeouts = timeouts
		return nil
	}
}

// WithRuntime wires the client from an assembled runtime: its signers,
// policy engine, timeouts, logger, and payment callbacks.
func WithRuntime(rt *agentpay.Runtime) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		transport.Signers = append(transport.Signers, rt.Signers()...)
		transport.Engine = rt.PolicyEngine()
		transport.Timeouts = rt.Timeouts()
		transport.Logger = rt.Logger()
		if callbacks := rt.Callbacks(); len(callbacks) > 0 {
			fanout := func(event agentpay.PaymentEvent) {
				for _, cb := range callbacks {
					cb(event)
				}
			}
			transport.OnPaymentAttempt = fanout
			transport.OnPaymentSuccess = fanout
			transport.OnPaymentFailure = fanout
		}
		return nil
	}
}

// WithPaymentCallback sets a callback for one payment event type.
func WithPaymentCallback(eventType agentpay.PaymentEventType, callback agentpay.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		switch eventType {
		case agentpay.PaymentEventAttempt:
			transport.OnPaymentAttempt = callback
		case agentpay.PaymentEventSuccess:
			transport.OnPaymentSuccess = callback
		case agentpay.PaymentEventFailure:
			transport.OnPaymentFailure = callback
		default:
			return fmt.Errorf("unknown payment event type: %s", eventType)
		}

		return nil
	}
}

// WithPaymentCallbacks sets all payment callbacks at once.
// Pass nil for any callback you don't want to set.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure agentpay.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		if onAttempt != nil {
			transport.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			transport.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			transport.OnPaymentFailure = onFailure
		}

		return nil
	}
}

// getOrCreateTransport wraps the client's transport in a payment
// Transport exactly once.
func getOrCreateTransport(c *Client) *Transport {
	transport, ok := c.Transport.(*Transport)
	if !ok {
		transport = &Transport{
			Base:     c.Transport,
			Selector: agentpay.NewDefaultPaymentSelector(),
			Timeouts: agentpay.DefaultTimeouts,
		}
		c.Transport = transport
	}
	return transport
}

// GetSettlement extracts settlement information from an HTTP response.
// Returns nil if no settlement header is present or it fails to parse.
func GetSettlement(resp *http.Response) *agentpay.SettleResponse {
	return helpers.ParseSettlement(resp.Header.Get(helpers.PaymentResponseHeader))
}
