package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// LocalKey is a connector holding secp256k1 key material directly.
type LocalKey struct {
	key     *ecdsa.PrivateKey
	address string
	label   string
}

// LocalOption configures a LocalKey connector.
type LocalOption func(*LocalKey)

// WithLabel sets an operator-assigned name for the wallet.
func WithLabel(label string) LocalOption {
	return func(l *LocalKey) { l.label = label }
}

// NewLocalKey creates a connector from a hex-encoded private key.
func NewLocalKey(privateKeyHex string, opts ...LocalOption) (*LocalKey, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid private key: %w", err)
	}
	return NewLocalKeyFromKey(key, opts...), nil
}

// NewLocalKeyFromKey creates a connector from an existing key.
func NewLocalKeyFromKey(key *ecdsa.PrivateKey, opts ...LocalOption) *LocalKey {
	l := &LocalKey{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Address implements Connector.
func (l *LocalKey) Address(context.Context) (string, error) {
	return l.address, nil
}

// Metadata implements Connector.
func (l *LocalKey) Metadata(context.Context) (Metadata, error) {
	return Metadata{Address: l.address, Label: l.label}, nil
}

// SignDigest implements Connector.
func (l *LocalKey) SignDigest(_ context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("wallet: digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, l.key)
}
