package jwks

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/osvaldoandrade/ramguard/pkg/auth"
)

type testIssuer struct {
	t       *testing.T
	server  *httptest.Server
	fetches atomic.Int32

	mu      sync.Mutex
	keys    map[string]*rsa.PrivateKey
	status  []int // status codes served before the key set, consumed in order
	arrived chan struct{}
	release chan struct{}
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	ti := &testIssuer{t: t, keys: map[string]*rsa.PrivateKey{}}
	ti.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+JWKSPath {
			http.NotFound(w, r)
			return
		}
		ti.fetches.Add(1)
		ti.mu.Lock()
		arrived, release := ti.arrived, ti.release
		ti.mu.Unlock()
		if release != nil {
			arrived <- struct{}{}
			<-release
		}
		ti.mu.Lock()
		defer ti.mu.Unlock()
		if len(ti.status) > 0 {
			code := ti.status[0]
			ti.status = ti.status[1:]
			w.WriteHeader(code)
			return
		}
		keys := make([]map[string]any, 0, len(ti.keys))
		for kid, pk := range ti.keys {
			keys = append(keys, map[string]any{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pk.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pk.PublicKey.E)).Bytes()),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(ti.server.Close)
	return ti
}

func (ti *testIssuer) addKey(kid string) *rsa.PrivateKey {
	ti.t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		ti.t.Fatalf("failed to generate key: %v", err)
	}
	ti.mu.Lock()
	ti.keys[kid] = pk
	ti.mu.Unlock()
	return pk
}

// hold makes key set requests block until the returned release func runs.
// Each request signals arrived first.
func (ti *testIssuer) hold() (arrived <-chan struct{}, release func()) {
	a := make(chan struct{}, 8)
	r := make(chan struct{})
	ti.mu.Lock()
	ti.arrived, ti.release = a, r
	ti.mu.Unlock()
	var once sync.Once
	release = func() { once.Do(func() { close(r) }) }
	ti.t.Cleanup(release)
	return a, release
}

func (ti *testIssuer) failNext(codes ...int) {
	ti.mu.Lock()
	ti.status = append(ti.status, codes...)
	ti.mu.Unlock()
}

// issuer is the value tokens carry in "iss".
func (ti *testIssuer) issuer() string { return ti.server.URL + "/" }

func (ti *testIssuer) verifier(t *testing.T, mutate ...func(*auth.Config)) *Verifier {
	t.Helper()
	cfg := auth.Config{
		Endpoint:    ti.server.URL,
		Algorithms:  []string{"RS256"},
		HTTPTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	v, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	return v
}

func (ti *testIssuer) baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   ti.issuer(),
		"sub":   "user-1",
		"aud":   "cms",
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"jti":   "token-1",
		"email": "user@example.com",
		"scope": "read write",
		"ram":   []any{map[string]any{"Effect": "allow", "Action": []any{"option.create"}}},
	}
}

func signRS256(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}
