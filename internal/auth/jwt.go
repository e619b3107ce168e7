package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// TenantIDKey carries the authenticated tenant on the request context.
const TenantIDKey contextKey = "tenant_id"

// TenantHeader is set by a trusted proxy that already authenticated the caller.
const TenantHeader = "x-tenant-id"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the token body the jwks-server issues.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// KeySource resolves the verification key for a token by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// JWTValidator validates RS256 tokens and extracts the tenant.
type JWTValidator struct {
	keys     KeySource
	issuer   string
	audience string
}

// NewJWTValidator builds a validator from a PEM encoded RSA public key.
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewValidator(StaticKey{PublicKey: key}, issuer, audience), nil
}

// NewValidator builds a validator over any key source (static key or JWKS).
func NewValidator(keys KeySource, issuer, audience string) *JWTValidator {
	return &JWTValidator{keys: keys, issuer: issuer, audience: audience}
}

// ParsePublicKey accepts PKCS1 or PKIX PEM.
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// ValidateToken returns the tenant id carried by a valid token.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TenantID == "" {
		return "", fmt.Errorf("%w: missing tenant_id claim", ErrInvalidToken)
	}
	return claims.TenantID, nil
}

// Authenticator resolves the tenant for an admin API request.
type Authenticator struct {
	validator          *JWTValidator
	trustTenantHeader  bool
	unauthenticatedFor map[string]bool
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTrustedTenantHeader accepts x-tenant-id from an upstream proxy. With no
// validator configured this is the only way a tenant is resolved.
func WithTrustedTenantHeader() Option {
	return func(a *Authenticator) { a.trustTenantHeader = true }
}

// WithPublicPaths lists paths served without a tenant (health, metrics).
func WithPublicPaths(paths ...string) Option {
	return func(a *Authenticator) {
		for _, p := range paths {
			a.unauthenticatedFor[p] = true
		}
	}
}

// NewAuthenticator returns an Authenticator. validator may be nil when auth is
// disabled.
func NewAuthenticator(validator *JWTValidator, opts ...Option) *Authenticator {
	a := &Authenticator{validator: validator, unauthenticatedFor: map[string]bool{}}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Tenant resolves the tenant from a request.
func (a *Authenticator) Tenant(r *http.Request) (string, error) {
	if a.trustTenantHeader {
		if tenantID := strings.TrimSpace(r.Header.Get(TenantHeader)); tenantID != "" {
			return tenantID, nil
		}
	}
	if a.validator == nil {
		return "", ErrMissingToken
	}
	authHeader := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return "", ErrMissingToken
	}
	return a.validator.ValidateToken(r.Context(), tokenString)
}

// HTTPMiddleware rejects requests without a resolvable tenant.
func (a *Authenticator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.unauthenticatedFor[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		tenantID, err := a.Tenant(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="callhook"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

// WithTenant stores a tenant on ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantIDFromContext extracts tenant ID from context
func GetTenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}

// StaticKey is a KeySource with a single key that ignores kid.
type StaticKey struct {
	PublicKey *rsa.PublicKey
}

func (s StaticKey) Key(context.Context, string) (*rsa.PublicKey, error) {
	return s.PublicKey, nil
}

// JSONWebKeySet represents a JWKS response
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a single key in JWKS
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJSONWebKey encodes an RSA public key.
func NewJSONWebKey(kid string, key *rsa.PublicKey) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Alg: jwt.SigningMethodRS256.Alg(),
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

// PublicKey decodes the modulus and exponent.
func (k JSONWebKey) PublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// FetchJWKS fetches and decodes a key set.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURL string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys found in JWKS")
	}
	return keys, nil
}

// JWKSCache is a KeySource backed by a remote JWKS endpoint. An unknown kid
// triggers a refetch, rate limited to one per minRefresh.
type JWKSCache struct {
	url        string
	client     *http.Client
	minRefresh time.Duration

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewJWKSCache returns a cache for url.
func NewJWKSCache(url string, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKSCache{url: url, client: client, minRefresh: time.Minute}
}

func (c *JWKSCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key := c.lookup(kid); key != nil {
		return key, nil
	}
	if c.keys != nil && time.Since(c.fetched) < c.minRefresh {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	keys, err := FetchJWKS(ctx, c.client, c.url)
	if err != nil {
		return nil, err
	}
	c.keys, c.fetched = keys, time.Now()
	if key := c.lookup(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

// lookup with an empty kid only succeeds when the set has a single key.
func (c *JWKSCache) lookup(kid string) *rsa.PublicKey {
	if kid == "" && len(c.keys) == 1 {
		for _, k := range c.keys {
			return k
		}
	}
	return c.keys[kid]
}
