package wallet

import "context"

// SignFunc signs a 32-byte digest and returns a 65-byte recoverable
// signature.
type SignFunc func(ctx context.Context, digest []byte) ([]byte, error)

// Func adapts an externally supplied signing function into a Connector.
// Useful for hardware wallets or key managers that expose only a raw
// signing primitive.
type Func struct {
	address  string
	label    string
	networks []string
	sign     SignFunc
}

// NewFunc creates a Connector backed by fn. The address must be the
// account the function signs for.
func NewFunc(address, label string, fn SignFunc) *Func {
	return &Func{address: address, label: label, sign: fn}
}

// WithNetworks restricts the connector to the given CAIP-2 networks.
func (f *Func) WithNetworks(networks ...string) *Func {
	f.networks = networks
	return f
}

// Address implements Connector.
func (f *Func) Address(ctx context.Context) (string, error) {
	return f.address, nil
}

// Metadata implements Connector.
func (f *Func) Metadata(ctx context.Context) (Metadata, error) {
	return Metadata{Address: f.address, Label: f.label, Networks: f.networks}, nil
}

// SignDigest implements Connector.
func (f *Func) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	return f.sign(ctx, digest)
}
