package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// OIDCProvider holds the parts of the identity provider's discovery
// document the ED needs to validate staff tokens.
type OIDCProvider struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// DiscoverOIDC fetches .well-known/openid-configuration for issuerURL. The
// document must name the same issuer and carry a jwks_uri.
func DiscoverOIDC(ctx context.Context, client *http.Client, issuerURL string) (*OIDCProvider, error) {
	issuerURL = strings.TrimRight(issuerURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuerURL+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("building OIDC discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding OIDC discovery document: %w", err)
	}
	if p.JWKSURI == "" {
		return nil, errors.New("OIDC discovery document missing jwks_uri")
	}
	if p.Issuer != "" && strings.TrimRight(p.Issuer, "/") != issuerURL {
		return nil, fmt.Errorf("OIDC issuer mismatch: discovered %q, configured %q", p.Issuer, issuerURL)
	}
	return &p, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) rsaKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("invalid RSA key parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// KeySet resolves RSA signing keys by kid from a JWKS endpoint. When only an
// issuer is known, the endpoint is discovered on first use. Keys expire after
// the TTL; an unknown kid triggers at most one refetch per refresh interval.
type KeySet struct {
	issuer string
	client *http.Client
	keys   *cache.Cache

	mu         sync.Mutex
	jwksURL    string
	lastFetch  time.Time
	minRefresh time.Duration
}

const defaultJWKSCacheTTL = 5 * time.Minute

func NewKeySet(jwksURL, issuer string, ttl time.Duration) *KeySet {
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	minRefresh := 30 * time.Second
	if ttl < minRefresh {
		minRefresh = ttl
	}
	return &KeySet{
		issuer:     issuer,
		jwksURL:    jwksURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		keys:       cache.New(ttl, 2*ttl),
		minRefresh: minRefresh,
	}
}

// Key returns the public key for kid.
func (s *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if k, ok := s.keys.Get(kid); ok {
		return k.(*rsa.PublicKey), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys.Get(kid); ok {
		return k.(*rsa.PublicKey), nil
	}
	if !s.lastFetch.IsZero() && time.Since(s.lastFetch) < s.minRefresh {
		return nil, fmt.Errorf("signing key %q not found", kid)
	}
	if err := s.refresh(ctx); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}
	if k, ok := s.keys.Get(kid); ok {
		return k.(*rsa.PublicKey), nil
	}
	return nil, fmt.Errorf("signing key %q not found", kid)
}

// refresh must be called with s.mu held.
func (s *KeySet) refresh(ctx context.Context) error {
	s.lastFetch = time.Now()
	if s.jwksURL == "" {
		if s.issuer == "" {
			return errors.New("no JWKS URL or issuer configured")
		}
		p, err := DiscoverOIDC(ctx, s.client, s.issuer)
		if err != nil {
			return err
		}
		s.jwksURL = p.JWKSURI
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", s.jwksURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.rsaKey()
		if err != nil {
			continue
		}
		s.keys.SetDefault(k.Kid, pub)
	}
	return nil
}
