package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "0000000000000000000000000000000000000000000000000000000000000001"

func TestLocalKeyAddress(t *testing.T) {
	conn, err := NewLocalKey(testKeyHex)
	if err != nil {
		t.Fatalf("NewLocalKey() error = %v", err)
	}

	addr, err := conn.Address(context.Background())
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	// Well-known address for private key 0x...01.
	want := "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
	if addr != want {
		t.Errorf("Address() = %s, want %s", addr, want)
	}
}

func TestLocalKeySignDigest(t *testing.T) {
	conn, err := NewLocalKey(testKeyHex)
	if err != nil {
		t.Fatalf("NewLocalKey() error = %v", err)
	}

	digest := crypto.Keccak256([]byte("payload"))
	sig, err := conn.SignDigest(context.Background(), digest)
	if err != nil {
		t.Fatalf("SignDigest() error = %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("SignDigest() returned %d bytes, want 65", len(sig))
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("SigToPub() error = %v", err)
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()
	addr, _ := conn.Address(context.Background())
	if recovered != addr {
		t.Errorf("recovered address = %s, want %s", recovered, addr)
	}
}

func TestLocalKeySignDigestRejectsBadLength(t *testing.T) {
	conn, err := NewLocalKey(testKeyHex)
	if err != nil {
		t.Fatalf("NewLocalKey() error = %v", err)
	}
	if _, err := conn.SignDigest(context.Background(), []byte("short")); err == nil {
		t.Error("SignDigest() with short digest should fail")
	}
}

func TestFuncConnector(t *testing.T) {
	called := false
	conn := NewFunc("0xabc", "hardware", func(ctx context.Context, digest []byte) ([]byte, error) {
		called = true
		return make([]byte, 65), nil
	})

	addr, err := conn.Address(context.Background())
	if err != nil || addr != "0xabc" {
		t.Errorf("Address() = %s, %v", addr, err)
	}

	md, err := conn.Metadata(context.Background())
	if err != nil || md.Label != "hardware" {
		t.Errorf("Metadata() = %+v, %v", md, err)
	}

	if _, err := conn.SignDigest(context.Background(), make([]byte, 32)); err != nil {
		t.Fatalf("SignDigest() error = %v", err)
	}
	if !called {
		t.Error("signing function was not invoked")
	}
}

func TestSupportsNetwork(t *testing.T) {
	ctx := context.Background()
	conn := NewFunc("0xabc", "", nil).WithNetworks("eip155:8453", "eip155:137")
	if !SupportsNetwork(ctx, conn, "eip155:8453") {
		t.Error("expected eip155:8453 to be supported")
	}
	if SupportsNetwork(ctx, conn, "solana:mainnet") {
		t.Error("solana:mainnet should not be supported")
	}
	// Empty network list means no restriction.
	if !SupportsNetwork(ctx, NewFunc("0xabc", "", nil), "eip155:8453") {
		t.Error("empty network list should allow any network")
	}
}

func newSigningService(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/wallet":
			json.NewEncoder(w).Encode(Metadata{
				Address:  "0x1111111111111111111111111111111111111111",
				Label:    "custodial",
				Networks: []string{"eip155:8453"},
			})
		case "/v1/sign":
			var req struct {
				Digest string `json:"digest"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if !strings.HasPrefix(req.Digest, "0x") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{
				"signature": "0x" + strings.Repeat("ab", 65),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestRemoteMetadataAndAddress(t *testing.T) {
	server := newSigningService(t)
	defer server.Close()

	conn := NewRemote(server.URL)
	ctx := context.Background()

	addr, err := conn.Address(ctx)
	if err != nil {
		t.Fatalf("Address() error = %v", err)
	}
	if addr != "0x1111111111111111111111111111111111111111" {
		t.Errorf("Address() = %s", addr)
	}

	md, err := conn.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if md.Label != "custodial" {
		t.Errorf("Metadata().Label = %s, want custodial", md.Label)
	}
}

func TestRemoteSignDigest(t *testing.T) {
	server := newSigningService(t)
	defer server.Close()

	conn := NewRemote(server.URL)
	sig, err := conn.SignDigest(context.Background(), make([]byte, 32))
	if err != nil {
		t.Fatalf("SignDigest() error = %v", err)
	}
	want, _ := hex.DecodeString(strings.Repeat("ab", 65))
	if len(sig) != 65 || sig[0] != want[0] {
		t.Errorf("SignDigest() = %d bytes", len(sig))
	}
}

func TestRemoteBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(Metadata{Address: "0x1"})
	}))
	defer server.Close()

	conn := NewRemote(server.URL, WithBearerToken("secret"))
	if _, err := conn.Metadata(context.Background()); err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", gotAuth)
	}
}

func TestRemoteTokenSourceCachesOpaqueTokenPerCall(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Metadata{Address: "0x1"})
	}))
	defer server.Close()

	conn := NewRemote(server.URL, WithTokenSource(func(ctx context.Context) (string, error) {
		calls++
		return "opaque-token", nil
	}))

	ctx := context.Background()
	if _, err := conn.Metadata(ctx); err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("token source called %d times, want 1", calls)
	}
	// Cached metadata avoids a second HTTP round trip, so force a sign.
	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"signature": "0x" + strings.Repeat("cd", 65)})
	})
	if _, err := conn.SignDigest(ctx, make([]byte, 32)); err != nil {
		t.Fatalf("SignDigest() error = %v", err)
	}
	// Opaque token has no parsable expiry; cached copy is reused.
	if calls != 1 {
		t.Errorf("token source called %d times after second request, want 1", calls)
	}
}

func TestRemoteUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	conn := NewRemote(server.URL)
	_, err := conn.SignDigest(context.Background(), make([]byte, 32))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("SignDigest() error = %v, want ErrUnavailable", err)
	}

	_, err = conn.Address(context.Background())
	if !errors.Is(err, ErrAddressPending) {
		t.Errorf("Address() error = %v, want ErrAddressPending", err)
	}
}
