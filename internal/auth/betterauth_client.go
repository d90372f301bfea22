package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// BetterAuthClient fetches provider tokens from a BetterAuth token broker
// instead of refreshing them locally. Requests are authenticated with a
// short-lived service token naming the tenant.
type BetterAuthClient struct {
	baseURL string
	signer  *HMACSigner
	client  *http.Client
}

// NewBetterAuthClient creates a broker client for authServerURL
func NewBetterAuthClient(authServerURL string, signer *HMACSigner) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL: authServerURL,
		signer:  signer,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the current token of an account. The broker handles
// storage and refresh.
func (c *BetterAuthClient) GetToken(ctx context.Context, acct *mail.Account) (*oauth2.Token, error) {
	serviceToken, err := c.signer.Sign("mailsync", Claims{TenantID: acct.TenantID, Email: acct.Email, Provider: string(acct.Provider)}, time.Minute)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/auth/accounts/%s/token?email=%s", c.baseURL, url.PathEscape(string(acct.Provider)), url.QueryEscape(acct.Email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+serviceToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no %s account connected for %s: %w", acct.Provider, acct.Email, mail.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

// TokenSource returns a source that asks the broker whenever the cached
// token expired
func (c *BetterAuthClient) TokenSource(ctx context.Context, acct *mail.Account) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(acct.Token, &brokerSource{ctx: ctx, client: c, acct: *acct})
}

type brokerSource struct {
	ctx    context.Context
	client *BetterAuthClient
	acct   mail.Account
}

func (s *brokerSource) Token() (*oauth2.Token, error) {
	return s.client.GetToken(s.ctx, &s.acct)
}
