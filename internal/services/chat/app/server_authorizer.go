package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/chatveil/internal/platform/errors"
	"github.com/louisbranch/chatveil/internal/platform/timeouts"
)

// wsAuthorizer resolves the user behind a websocket access token.
type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// newAuthorizer prefers connect grants when a grant key is configured and
// falls back to token introspection. It returns nil when neither is set.
func newAuthorizer(cfg Config) (wsAuthorizer, error) {
	if cfg.Grant.configured() {
		if err := cfg.Grant.validate(); err != nil {
			return nil, err
		}
		return &grantAuthorizer{config: cfg.Grant}, nil
	}
	if introspection := newIntrospectionAuthorizer(cfg); introspection != nil {
		return introspection, nil
	}
	return nil, nil
}

type introspectionAuthorizer struct {
	authBaseURL         string
	oauthResourceSecret string
	httpClient          *http.Client
}

type authIntrospectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
}

func newIntrospectionAuthorizer(cfg Config) *introspectionAuthorizer {
	authBaseURL := strings.TrimSpace(cfg.AuthBaseURL)
	resourceSecret := strings.TrimSpace(cfg.OAuthResourceSecret)
	if authBaseURL == "" || resourceSecret == "" {
		return nil
	}
	return &introspectionAuthorizer{
		authBaseURL:         authBaseURL,
		oauthResourceSecret: resourceSecret,
		httpClient:          &http.Client{Timeout: 5 * time.Second},
	}
}

func (a *introspectionAuthorizer) Authenticate(ctx context.Context, accessToken string) (string, error) {
	if a == nil || a.httpClient == nil {
		return "", apperrors.New(apperrors.CodeUnavailable, "auth is not configured")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "access token is required")
	}

	endpoint := strings.TrimRight(a.authBaseURL, "/") + "/introspect"
	authCtx, cancel := context.WithTimeout(ctx, timeouts.AuthIntrospection)
	defer cancel()

	req, err := http.NewRequestWithContext(authCtx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Resource-Secret", a.oauthResourceSecret)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnavailable, "call auth introspection", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.New(apperrors.CodeUnavailable, fmt.Sprintf("auth introspection status %d", resp.StatusCode))
	}

	var payload authIntrospectResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode introspection response: %w", err)
	}
	if !payload.Active {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "inactive access token")
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "introspection returned empty user id")
	}
	return userID, nil
}

// GrantConfig defines how connect grants are verified.
type GrantConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

func (c GrantConfig) configured() bool {
	return len(c.Key) > 0
}

func (c GrantConfig) validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return errors.New("connect grant issuer is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return errors.New("connect grant audience is required")
	}
	if len(c.Key) != ed25519.PublicKeySize {
		return fmt.Errorf("connect grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	return nil
}

// ParseGrantPublicKey decodes a base64 Ed25519 public key. Blank input
// returns a nil key, which leaves grants disabled.
func ParseGrantPublicKey(value string) (ed25519.PublicKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("decode connect grant public key: %w", err)
		}
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("connect grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}

type connectGrantClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

type grantAuthorizer struct {
	config GrantConfig
}

func (a *grantAuthorizer) Authenticate(_ context.Context, grant string) (string, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return "", apperrors.New(apperrors.CodeGrantInvalid, "connect grant is required")
	}
	cfg := a.config
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	var parsed connectGrantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(*jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return "", apperrors.WithMetadata(apperrors.CodeGrantMismatch, "connect grant issuer mismatch", map[string]string{"Field": "issuer"})
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return "", apperrors.WithMetadata(apperrors.CodeGrantMismatch, "connect grant audience mismatch", map[string]string{"Field": "audience"})
	}
	if parsed.ExpiresAt == nil {
		return "", apperrors.New(apperrors.CodeGrantInvalid, "connect grant exp is required")
	}
	now := cfg.Now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return "", apperrors.New(apperrors.CodeGrantExpired, "connect grant is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return "", apperrors.New(apperrors.CodeGrantInvalid, "connect grant not active yet")
	}

	userID := strings.TrimSpace(parsed.UserID)
	if userID == "" {
		return "", apperrors.WithMetadata(apperrors.CodeGrantInvalid, "connect grant user is required", map[string]string{"Field": "user_id"})
	}
	return userID, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.Wrap(apperrors.CodeGrantInvalid, "connect grant signature is invalid", err)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.Wrap(apperrors.CodeGrantInvalid, "connect grant alg is invalid", err)
	}
	return apperrors.Wrap(apperrors.CodeGrantInvalid, "connect grant is invalid", err)
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}
