// Command jwks-server issues development tokens and publishes the key set
// the ingest API verifies them against.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/callhook/internal/auth"
	"github.com/austindbirch/callhook/internal/config"
	"github.com/austindbirch/callhook/internal/logging"
)

const (
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

type issuer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses a PKCS#1 or PKCS#8 RSA private key, or generates one when pemKey is empty.
func loadKey(pemKey string) (*rsa.PrivateKey, error) {
	if pemKey == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return k, nil
}

// jwksHandler serves the JWKS endpoint
func (is *issuer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{
		Keys: []auth.JSONWebKey{auth.NewJSONWebKey(is.kid, &is.key.PublicKey)},
	})
}

// createTokenHandler handles token creation requests
func (is *issuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TenantID string `json:"tenant_id"`
		TTL      int    `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = min(time.Duration(req.TTL)*time.Second, maxTTL)
	}

	now := is.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
		TenantID: req.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    is.issuer,
			Audience:  jwt.ClaimStrings{is.audience},
			Subject:   req.TenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	token.Header["kid"] = is.kid

	signed, err := token.SignedString(is.key)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      signed,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (is *issuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", is.jwksHandler)
	mux.HandleFunc("/token", is.createTokenHandler)
	mux.HandleFunc("/healthz", healthHandler)
	return mux
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("callhook-jwks-server")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key")
	}
	is := &issuer{
		key:      key,
		kid:      getenv("JWT_KEY_ID", "callhook-key-1"),
		issuer:   cfg.Auth.Issuer,
		audience: cfg.Auth.Audience,
		now:      time.Now,
	}

	addr := ":" + getenv("PORT", "8082")
	logger.Plain().WithFields(map[string]any{"addr": addr, "kid": is.kid, "issuer": is.issuer}).Info("JWKS server starting")
	srv := &http.Server{Addr: addr, Handler: is.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("server failed")
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
