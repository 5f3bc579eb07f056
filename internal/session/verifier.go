package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// tokenClaims mirrors the claims the auth service puts in its JWTs.
type tokenClaims struct {
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies tokens locally against the shared HMAC secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a local verifier for HS256 tokens.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("token has no subject: %w", ErrInvalidToken)
	}

	return Identity{
		UserID:      claims.Subject,
		Name:        claims.Name,
		Email:       claims.Email,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}

// RemoteVerifier asks the upstream auth service to validate a token the
// gateway did not issue itself.
type RemoteVerifier struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewRemoteVerifier creates a verifier backed by the auth service.
func NewRemoteVerifier(baseURL string, timeout time.Duration, log *zap.Logger) *RemoteVerifier {
	return &RemoteVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.With(zap.String("component", "auth-client")),
	}
}

type verifyResponse struct {
	Valid   bool `json:"valid"`
	Usuario struct {
		ID     string `json:"id"`
		Nombre string `json:"nombre"`
		Email  string `json:"email"`
		Rol    string `json:"rol"`
	} `json:"usuario"`
	Permisos []string `json:"permisos"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return Identity{}, fmt.Errorf("encoding verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/api/v1/auth/verify", bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("building verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("calling auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("auth service returned %d: %w", resp.StatusCode, ErrInvalidToken)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Identity{}, fmt.Errorf("decoding verify response: %w", err)
	}
	if !vr.Valid {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID:      vr.Usuario.ID,
		Name:        vr.Usuario.Nombre,
		Email:       vr.Usuario.Email,
		Role:        vr.Usuario.Rol,
		Permissions: vr.Permisos,
	}, nil
}

// ChainVerifier tries local verification first and falls back to the
// remote auth service for tokens issued elsewhere.
type ChainVerifier struct {
	verifiers []Verifier
}

// NewChainVerifier chains verifiers in order.
func NewChainVerifier(verifiers ...Verifier) *ChainVerifier {
	return &ChainVerifier{verifiers: verifiers}
}

func (c *ChainVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	var lastErr error
	for _, v := range c.verifiers {
		ident, err := v.Verify(ctx, token)
		if err == nil {
			return ident, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrInvalidToken
	}
	return Identity{}, lastErr
}
