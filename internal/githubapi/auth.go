package githubapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the bearer token for API requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource around a fixed personal access token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// AppAuth exchanges a GitHub App private key for short-lived installation
// tokens. Tokens are cached until shortly before expiry.
type AppAuth struct {
	appID          string
	installationID string
	key            *rsa.PrivateKey
	baseURL        string
	httpc          *http.Client
	now            func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAppAuth parses the PEM-encoded private key and returns an AppAuth.
func NewAppAuth(baseURL, appID, installationID string, privateKeyPEM []byte) (*AppAuth, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}
	return &AppAuth{
		appID:          appID,
		installationID: installationID,
		key:            key,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		httpc:          &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
	}, nil
}

// Token returns a valid installation token, exchanging a fresh app JWT
// when the cached one is within a minute of expiry.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.expires.Add(-time.Minute)) {
		return a.token, nil
	}

	appJWT, err := a.signJWT()
	if err != nil {
		return "", fmt.Errorf("signing app JWT: %w", err)
	}
	token, expires, err := a.exchange(ctx, appJWT)
	if err != nil {
		return "", err
	}
	a.token, a.expires = token, expires
	return a.token, nil
}

func (a *AppAuth) signJWT() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer: a.appID,
		// Backdate against clock drift between us and the API.
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
}

func (a *AppAuth) exchange(ctx context.Context, appJWT string) (string, time.Time, error) {
	u := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.baseURL, a.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("exchanging installation token: %v: %w", err, ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		// Deliberately omit the body here; some deployments echo
		// credential material in auth errors.
		return "", time.Time{}, fmt.Errorf("installation token exchange failed: status %d", resp.StatusCode)
	}

	var tr struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.Token == "" {
		return "", time.Time{}, fmt.Errorf("installation token exchange returned an empty token")
	}
	return tr.Token, tr.ExpiresAt, nil
}
