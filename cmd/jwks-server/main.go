// Command jwks-server is a development token issuer. It publishes its RSA
// key as a JWKS and mints tokens that harbortrace serve accepts when started
// with JWT_ENABLED and JWT_JWKS_URL pointing here.
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

	"github.com/austindbirch/harbor_trace/internal/auth"
	"github.com/austindbirch/harbor_trace/internal/config"
	"github.com/austindbirch/harbor_trace/internal/logging"
)

const (
	keyID      = "harbortrace-key-1"
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

type tokenRequest struct {
	Subject    string `json:"subject"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// loadKey parses a PEM RSA private key, or generates one when pemData is empty.
func loadKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

func (i *issuer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", i.handleJWKS)
	mux.HandleFunc("POST /token", i.handleToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (i *issuer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, auth.JSONWebKeySet{
		Keys: []auth.JSONWebKey{auth.NewJSONWebKey(i.kid, &i.key.PublicKey)},
	})
}

func (i *issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl > maxTTL {
		http.Error(w, "ttl_seconds exceeds 24h", http.StatusBadRequest)
		return
	}

	token, err := i.mint(req.Subject, ttl)
	if err != nil {
		logging.Plain().WithError(err).Error("sign token")
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresIn: int(ttl.Seconds()),
		TokenType: "Bearer",
	})
}

func (i *issuer) mint(subject string, ttl time.Duration) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	token.Header["kid"] = i.kid
	return token.SignedString(i.key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	logging.SetDefaultService("jwks-server")
	cfg := config.FromEnv()

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logging.Plain().WithError(err).Fatal("load signing key")
	}
	i := &issuer{key: key, kid: keyID, issuer: cfg.Auth.Issuer, audience: cfg.Auth.Audience, now: time.Now}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	logging.Plain().WithFields(map[string]any{
		"port":     port,
		"issuer":   i.issuer,
		"audience": i.audience,
	}).Info("jwks-server listening")

	srv := &http.Server{Addr: ":" + port, Handler: i.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logging.Plain().WithError(err).Fatal("jwks-server serve")
	}
}
