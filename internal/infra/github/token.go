// Package github provides installation tokens for pushing commits and opening
// pull requests on behalf of the GitHub App.
package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"appforge/internal/domain/ports/adapter"
)

var _ adapter.GitHubTokenProvider = (*AppTokenProvider)(nil)

// AppTokenProvider exchanges a short-lived App JWT for an installation access
// token and caches it until shortly before expiry. Installation tokens live
// for an hour; the refresh margin keeps a token handed to a long build from
// dying mid-push.
type AppTokenProvider struct {
	appID          string
	installationID string
	key            *rsa.PrivateKey
	apiBase        string
	httpc          *http.Client
	log            *zerolog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

const refreshMargin = 5 * time.Minute

func NewAppTokenProvider(appID, installationID, privateKeyPath string, logger *zerolog.Logger) (*AppTokenProvider, error) {
	pem, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	l := logger.With().Str("component", "github_tokens").Logger()
	return &AppTokenProvider{
		appID:          appID,
		installationID: installationID,
		key:            key,
		apiBase:        "https://api.github.com",
		httpc:          &http.Client{Timeout: 30 * time.Second},
		log:            &l,
	}, nil
}

func (p *AppTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Until(p.expiresAt) > refreshMargin {
		return p.token, nil
	}

	appJWT, err := p.signAppJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", p.apiBase, p.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("request installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("installation token: unexpected status %d", resp.StatusCode)
	}

	var decoded struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode installation token: %w", err)
	}

	p.token = decoded.Token
	p.expiresAt = decoded.ExpiresAt
	p.log.Debug().Time("expires_at", p.expiresAt).Msg("installation token refreshed")
	return p.token, nil
}

// signAppJWT builds the App authentication JWT. Issued slightly in the past to
// absorb clock skew, valid for the maximum GitHub allows.
func (p *AppTokenProvider) signAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// StaticTokenProvider serves a fixed personal access token. Used in
// development where no GitHub App is configured.
type StaticTokenProvider struct {
	token string
}

var _ adapter.GitHubTokenProvider = (*StaticTokenProvider)(nil)

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(context.Context) (string, error) {
	return p.token, nil
}
