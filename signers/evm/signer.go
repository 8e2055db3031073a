// Package evm signs exact-scheme payments on EIP-155 networks using
// EIP-3009 transfer authorizations.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meefs/agentpay"
	"github.com/meefs/agentpay/internal/eip3009"
	"github.com/meefs/agentpay/wallet"
)

// Signer produces EIP-3009 payment payloads. Key custody lives behind
// the wallet connector, so the same signer works with a local key, a
// remote signing service, or a caller-supplied signing function.
type Signer struct {
	conn      wallet.Connector
	network   string
	chainID   int64
	tokens    []agentpay.TokenConfig
	priority  int
	maxAmount *big.Int
}

type Option func(*Signer) error

// NewSigner creates a signer for the given CAIP-2 network backed by a
// wallet connector.
func NewSigner(network string, conn wallet.Connector, tokens []agentpay.TokenConfig, opts ...Option) (*Signer, error) {
	if len(tokens) == 0 {
		return nil, agentpay.ErrNoTokens
	}

	s := &Signer{
		conn:    conn,
		network: network,
		tokens:  tokens,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	chainID, err := agentpay.GetChainID(network)
	if err != nil {
		return nil, err
	}
	s.chainID = chainID

	// A connector that declares its networks must declare this one.
	// Metadata fetch failures pass; remote connectors resolve lazily.
	if !wallet.SupportsNetwork(context.Background(), conn, network) {
		return nil, fmt.Errorf("%w: connector does not support network %s", agentpay.ErrInvalidNetwork, network)
	}

	return s, nil
}

// NewSignerFromHex creates a signer holding the private key in process.
func NewSignerFromHex(network string, privateKeyHex string, tokens []agentpay.TokenConfig, opts ...Option) (*Signer, error) {
	conn, err := wallet.NewLocalKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return NewSigner(network, conn, tokens, opts...)
}

func WithPriority(priority int) Option {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		s.maxAmount = amount
		return nil
	}
}

func (s *Signer) Network() string {
	return s.network
}

func (s *Signer) Scheme() string {
	return "exact"
}

func (s *Signer) CanSign(requirements *agentpay.PaymentRequirements) bool {
	if requirements.Scheme != "exact" {
		return false
	}

	if requirements.Network != s.network {
		return false
	}

	for _, token := range s.tokens {
		if strings.EqualFold(token.Address, requirements.Asset) {
			return true
		}
	}

	return false
}

func (s *Signer) Sign(ctx context.Context, requirements *agentpay.PaymentRequirements) (*agentpay.PaymentPayload, error) {
	if !s.CanSign(requirements) {
		return nil, agentpay.ErrNoValidSigner
	}

	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, agentpay.ErrInvalidAmount
	}

	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, agentpay.ErrAmountExceeded
	}

	var tokenAddress common.Address
	for _, token := range s.tokens {
		if strings.EqualFold(token.Address, requirements.Asset) {
			tokenAddress = common.HexToAddress(token.Address)
			break
		}
	}

	name, version, err := extractEIP3009Params(requirements)
	if err != nil {
		return nil, err
	}

	from, err := s.conn.Address(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrWalletUnavailable, err)
	}

	auth, err := eip3009.CreateAuthorization(
		common.HexToAddress(from),
		common.HexToAddress(requirements.PayTo),
		amount,
		requirements.MaxTimeoutSeconds,
	)
	if err != nil {
		return nil, err
	}

	digest, err := eip3009.Digest(tokenAddress, big.NewInt(s.chainID), auth, name, version)
	if err != nil {
		return nil, err
	}

	rawSig, err := s.conn.SignDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrSigningFailed, err)
	}

	signature, err := eip3009.EncodeSignature(rawSig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrSigningFailed, err)
	}

	payload := &agentpay.PaymentPayload{
		X402Version: 2,
		Accepted:    *requirements,
		Payload: agentpay.EVMPayload{
			Signature: signature,
			Authorization: agentpay.EVMAuthorization{
				From:        auth.From.Hex(),
				To:          auth.To.Hex(),
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.String(),
				ValidBefore: auth.ValidBefore.String(),
				Nonce:       common.BytesToHash(auth.Nonce[:]).Hex(),
			},
		},
	}

	return payload, nil
}

func (s *Signer) GetPriority() int {
	return s.priority
}

func (s *Signer) GetTokens() []agentpay.TokenConfig {
	return s.tokens
}

func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

// Wallet exposes the underlying connector.
func (s *Signer) Wallet() wallet.Connector {
	return s.conn
}

func extractEIP3009Params(requirements *agentpay.PaymentRequirements) (name, version string, err error) {
	if requirements.Extra == nil {
		return "", "", fmt.Errorf("missing EIP-3009 parameters: Extra field is nil")
	}

	nameVal, ok := requirements.Extra["name"]
	if !ok {
		return "", "", fmt.Errorf("missing EIP-3009 parameter: name")
	}
	name, ok = nameVal.(string)
	if !ok {
		return "", "", fmt.Errorf("invalid EIP-3009 parameter: name is not a string")
	}

	versionVal, ok := requirements.Extra["version"]
	if !ok {
		return "", "", fmt.Errorf("missing EIP-3009 parameter: version")
	}
	version, ok = versionVal.(string)
	if !ok {
		return "", "", fmt.Errorf("invalid EIP-3009 parameter: version is not a string")
	}

	return name, version, nil
}
