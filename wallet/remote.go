package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"
)

// tokenRefreshLeeway is how close to expiry a cached bearer token is
// still considered usable.
const tokenRefreshLeeway = 30 * time.Second

// TokenSource supplies a bearer token for the signing service. It is
// called whenever the cached token is missing or about to expire.
type TokenSource func(ctx context.Context) (string, error)

// Remote is a connector that delegates signing to a custodial wallet
// API. Calls go through a circuit breaker; failures (including timeouts)
// are wrapped in ErrUnavailable and surfaced to the caller, which owns
// the retry decision.
//
// The API contract: GET /v1/wallet returns Metadata; POST /v1/sign with
// {"digest":"0x…"} returns {"signature":"0x…"}.
type Remote struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	token       string // static bearer token
	tokenSource TokenSource

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
	metadata    *Metadata
}

// RemoteOption configures a Remote connector.
type RemoteOption func(*Remote)

// WithHTTPClient sets the HTTP client (default: 10s timeout).
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *Remote) { r.client = client }
}

// WithBearerToken sets a static bearer token.
func WithBearerToken(token string) RemoteOption {
	return func(r *Remote) { r.token = token }
}

// WithTokenSource sets a dynamic token source. Tokens that parse as JWTs
// are refreshed shortly before their exp claim; opaque tokens are cached
// for the connector's lifetime. Takes precedence over WithBearerToken.
func WithTokenSource(source TokenSource) RemoteOption {
	return func(r *Remote) { r.tokenSource = source }
}

// NewRemote creates a connector for a remote signing service.
func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "wallet-remote",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// bearer returns a usable token, refreshing through the token source
// when the cached one is missing or near its JWT expiry.
func (r *Remote) bearer(ctx context.Context) (string, error) {
	if r.tokenSource == nil {
		return r.token, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cachedToken != "" && (r.tokenExpiry.IsZero() || time.Until(r.tokenExpiry) > tokenRefreshLeeway) {
		return r.cachedToken, nil
	}

	token, err := r.tokenSource(ctx)
	if err != nil {
		return "", fmt.Errorf("wallet: refresh bearer token: %w", err)
	}

	r.cachedToken = token
	r.tokenExpiry = time.Time{}
	// Opaque tokens simply skip expiry caching.
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil && claims.ExpiresAt != nil {
		r.tokenExpiry = claims.ExpiresAt.Time
	}
	return token, nil
}

func (r *Remote) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		var reqBody *bytes.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reqBody = bytes.NewReader(data)
		} else {
			reqBody = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		token, err := r.bearer(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: signing service returned status %d", ErrUnavailable, resp.StatusCode)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("wallet: decode signing service response: %w", err)
			}
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// fetchMetadata fetches and caches wallet metadata.
func (r *Remote) fetchMetadata(ctx context.Context) (Metadata, error) {
	r.mu.Lock()
	if r.metadata != nil {
		md := *r.metadata
		r.mu.Unlock()
		return md, nil
	}
	r.mu.Unlock()

	var md Metadata
	if err := r.do(ctx, http.MethodGet, "/v1/wallet", nil, &md); err != nil {
		return Metadata{}, err
	}

	r.mu.Lock()
	r.metadata = &md
	r.mu.Unlock()
	return md, nil
}

// Address implements Connector. The address is unknown until the first
// successful metadata fetch; transient fetch failures wrap
// ErrAddressPending.
func (r *Remote) Address(ctx context.Context) (string, error) {
	md, err := r.fetchMetadata(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressPending, err)
	}
	return md.Address, nil
}

// Metadata implements Connector.
func (r *Remote) Metadata(ctx context.Context) (Metadata, error) {
	return r.fetchMetadata(ctx)
}

type signRequest struct {
	Digest string `json:"digest"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// SignDigest implements Connector.
func (r *Remote) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("wallet: digest must be 32 bytes, got %d", len(digest))
	}

	var resp signResponse
	if err := r.do(ctx, http.MethodPost, "/v1/sign", signRequest{Digest: "0x" + hex.EncodeToString(digest)}, &resp); err != nil {
		return nil, err
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(resp.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: malformed signature from signing service: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("wallet: signing service returned %d-byte signature, want 65", len(sig))
	}
	return sig, nil
}
