// Package svm signs exact-scheme payments on Solana networks with
// partially signed SPL token transfers.
package svm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/meefs/agentpay"
	solutil "github.com/meefs/agentpay/internal/solana"
)

// RPCClient is the subset of Solana RPC operations the signer needs.
// Injectable for testing.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// Signer produces partially signed Solana transactions. The fee payer
// signature slot is left empty for the facilitator to fill.
type Signer struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	network    string // CAIP-2, e.g. "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	tokens     []agentpay.TokenConfig
	priority   int
	maxAmount  *big.Int
	rpcClient  RPCClient
}

// Option configures a Signer.
type Option func(*Signer) error

// NewSigner creates a Solana signer from a base58-encoded private key.
func NewSigner(network string, privateKeyBase58 string, tokens []agentpay.TokenConfig, opts ...Option) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, agentpay.ErrInvalidKey
	}

	return NewSignerFromKey(network, privateKey, tokens, opts...)
}

// NewSignerFromKey creates a Solana signer from an existing private key.
func NewSignerFromKey(network string, key solana.PrivateKey, tokens []agentpay.TokenConfig, opts ...Option) (*Signer, error) {
	networkType, err := agentpay.ValidateNetwork(network)
	if err != nil {
		return nil, err
	}
	if networkType != agentpay.NetworkTypeSVM {
		return nil, fmt.Errorf("%w: expected Solana network, got %s", agentpay.ErrInvalidNetwork, network)
	}

	if len(tokens) == 0 {
		return nil, agentpay.ErrNoTokens
	}

	s := &Signer{
		privateKey: key,
		publicKey:  key.PublicKey(),
		network:    network,
		tokens:     tokens,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// NewSignerFromKeygenFile creates a Solana signer from a solana-keygen
// JSON file (an array of 64 bytes holding the ed25519 private key).
func NewSignerFromKeygenFile(network string, path string, tokens []agentpay.TokenConfig, opts ...Option) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrInvalidKey, err)
	}

	var keyBytes []byte
	if err := json.Unmarshal(data, &keyBytes); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", agentpay.ErrInvalidKey)
	}

	if len(keyBytes) != 64 {
		return nil, fmt.Errorf("%w: invalid key length (expected 64 bytes)", agentpay.ErrInvalidKey)
	}

	return NewSignerFromKey(network, solana.PrivateKey(keyBytes), tokens, opts...)
}

// WithMaxAmount sets the maximum amount per payment call.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		s.maxAmount = amount
		return nil
	}
}

// WithPriority sets the signer priority.
func WithPriority(priority int) Option {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithRPCClient sets a custom RPC client.
func WithRPCClient(client RPCClient) Option {
	return func(s *Signer) error {
		s.rpcClient = client
		return nil
	}
}

// Network returns the CAIP-2 network identifier.
func (s *Signer) Network() string {
	return s.network
}

// Scheme returns the payment scheme identifier.
func (s *Signer) Scheme() string {
	return "exact"
}

// CanSign reports whether this signer can satisfy the given requirements.
func (s *Signer) CanSign(requirements *agentpay.PaymentRequirements) bool {
	if requirements == nil {
		return false
	}

	if requirements.Scheme != "exact" {
		return false
	}

	if requirements.Network != s.network {
		return false
	}

	// Base58 mint addresses are case-sensitive.
	for _, token := range s.tokens {
		if token.Address == requirements.Asset {
			return true
		}
	}

	return false
}

// Sign creates a signed PaymentPayload for the given requirements. The
// recent blockhash is fetched over RPC, so the context bounds network I/O.
func (s *Signer) Sign(ctx context.Context, requirements *agentpay.PaymentRequirements) (*agentpay.PaymentPayload, error) {
	if !s.CanSign(requirements) {
		return nil, agentpay.ErrNoValidSigner
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(requirements.Amount, 10); !ok {
		return nil, agentpay.ErrInvalidAmount
	}
	if amount.Sign() <= 0 {
		return nil, agentpay.ErrInvalidAmount
	}

	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, agentpay.ErrAmountExceeded
	}

	// SPL amounts are u64 on chain.
	maxUint64 := new(big.Int).SetUint64(^uint64(0))
	if amount.Cmp(maxUint64) > 0 {
		return nil, agentpay.ErrAmountExceeded
	}

	mintAddress, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address: %w", err)
	}

	recipient, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	var decimals uint8
	var found bool
	for _, token := range s.tokens {
		if token.Address == requirements.Asset {
			if token.Decimals < 0 || token.Decimals > 255 {
				return nil, fmt.Errorf("%w: invalid token decimals %d", agentpay.ErrInvalidToken, token.Decimals)
			}
			decimals = uint8(token.Decimals)
			found = true
			break
		}
	}
	if !found {
		return nil, agentpay.ErrInvalidToken
	}

	feePayer, err := extractFeePayer(requirements)
	if err != nil {
		return nil, fmt.Errorf("invalid fee payer: %w", err)
	}

	client := s.rpcClient
	if client == nil {
		rpcURL, err := solutil.GetRPCURL(s.network)
		if err != nil {
			return nil, fmt.Errorf("failed to get RPC URL: %w", err)
		}
		client = rpc.New(rpcURL)
	}

	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	txBase64, err := buildPartiallySignedTransfer(
		s.privateKey,
		s.publicKey,
		mintAddress,
		recipient,
		amount.Uint64(),
		decimals,
		feePayer,
		recent.Value.Blockhash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	payload := &agentpay.PaymentPayload{
		X402Version: agentpay.X402Version,
		Accepted:    *requirements,
		Payload: agentpay.SVMPayload{
			Transaction: txBase64,
		},
	}

	return payload, nil
}

// GetPriority returns the signer's priority level.
func (s *Signer) GetPriority() int {
	return s.priority
}

// GetTokens returns the list of tokens supported by this signer.
func (s *Signer) GetTokens() []agentpay.TokenConfig {
	return s.tokens
}

// GetMaxAmount returns the per-call spending limit, or nil if unset.
func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

// Address returns the signer's public key.
func (s *Signer) Address() solana.PublicKey {
	return s.publicKey
}

// extractFeePayer reads the sponsoring account from
// requirements.Extra["feePayer"], per the exact_svm scheme.
func extractFeePayer(requirements *agentpay.PaymentRequirements) (solana.PublicKey, error) {
	if requirements.Extra == nil {
		return solana.PublicKey{}, fmt.Errorf("missing extra field in requirements")
	}

	feePayerStr, ok := requirements.Extra["feePayer"].(string)
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("feePayer not found or not a string in extra field")
	}

	feePayer, err := solana.PublicKeyFromBase58(feePayerStr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid feePayer address: %w", err)
	}

	return feePayer, nil
}

// buildPartiallySignedTransfer creates an SPL token transfer signed only
// with the client key. The facilitator adds the fee payer signature
// before submission.
func buildPartiallySignedTransfer(
	clientPrivateKey solana.PrivateKey,
	clientPublicKey solana.PublicKey,
	mint solana.PublicKey,
	recipient solana.PublicKey,
	amount uint64,
	decimals uint8,
	feePayer solana.PublicKey,
	blockhash solana.Hash,
) (string, error) {
	sourceATA, err := solutil.DeriveAssociatedTokenAddress(clientPublicKey, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find source ATA: %w", err)
	}

	destATA, err := solutil.DeriveAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to find destination ATA: %w", err)
	}

	// Idempotent so an existing destination ATA does not fail the
	// transaction. The feePayer sponsors the rent-exempt balance.
	createATAInstruction, err := solutil.BuildCreateIdempotentATAInstruction(feePayer, recipient, mint)
	if err != nil {
		return "", fmt.Errorf("failed to build ATA creation instruction: %w", err)
	}

	// Instruction order follows the exact_svm scheme: compute budget
	// first, then ATA creation, then the transfer.
	instructions := []solana.Instruction{
		solutil.BuildSetComputeUnitLimitInstruction(solutil.DefaultComputeUnits),
		solutil.BuildSetComputeUnitPriceInstruction(solutil.DefaultComputeUnitPrice),
		createATAInstruction,
		solutil.BuildTransferCheckedInstruction(sourceATA, mint, destATA, clientPublicKey, amount, decimals),
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	// Sign only with the client key, leaving the fee payer slot empty.
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(clientPublicKey) {
			return &clientPrivateKey
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}

	return base64.StdEncoding.EncodeToString(txBytes), nil
}
