package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
)

type tokenSaver interface {
	SaveToken(ctx context.Context, id string, tok *oauth2.Token) error
}

type cachedConnector struct {
	provider    MailProvider
	fingerprint string
}

// Connectors caches one connector per account so rate limiters and breaker
// state survive between runs
type Connectors struct {
	dialer Dialer
	saver  tokenSaver
	cache  *lru.Cache[string, cachedConnector]
}

// NewConnectors creates a cache holding at most size connectors
func NewConnectors(dialer Dialer, saver tokenSaver, size int) (*Connectors, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, cachedConnector](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector cache: %w", err)
	}
	return &Connectors{dialer: dialer, saver: saver, cache: cache}, nil
}

// Get returns the account's connector, building a new one when none is
// cached or the stored credentials changed since it was built
func (c *Connectors) Get(ctx context.Context, acct *mail.Account) (MailProvider, error) {
	fp := fingerprint(acct)
	if cached, ok := c.cache.Get(acct.ID); ok && cached.fingerprint == fp {
		return cached.provider, nil
	}

	// connectors outlive the run that built them
	ctx = context.WithoutCancel(ctx)
	base, err := c.dialer.TokenSource(ctx, acct)
	if err != nil {
		return nil, err
	}
	ts := &persistingTokenSource{base: base, accountID: acct.ID, saver: c.saver, last: acct.Token}

	p, err := c.dialer.NewConnector(ctx, acct, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connector: %w", acct.Provider, err)
	}
	c.cache.Add(acct.ID, cachedConnector{provider: p, fingerprint: fp})
	return p, nil
}

// Evict drops the account's connector
func (c *Connectors) Evict(accountID string) {
	c.cache.Remove(accountID)
}

// Len returns the number of cached connectors
func (c *Connectors) Len() int {
	return c.cache.Len()
}

// fingerprint identifies the credentials a connector was built with. The
// access token is left out because refreshes persist a new one.
func fingerprint(acct *mail.Account) string {
	h := sha256.New()
	h.Write([]byte(acct.Provider))
	h.Write([]byte{0})
	if acct.Token != nil {
		h.Write([]byte(acct.Token.RefreshToken))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// persistingTokenSource writes refreshed tokens back to the account row
type persistingTokenSource struct {
	base      oauth2.TokenSource
	accountID string
	saver     tokenSaver

	mu   sync.Mutex
	last *oauth2.Token
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last != nil && p.last.AccessToken == tok.AccessToken {
		return tok, nil
	}
	// keep the refresh token when the provider did not rotate it
	if tok.RefreshToken == "" && p.last != nil {
		rotated := *tok
		rotated.RefreshToken = p.last.RefreshToken
		tok = &rotated
	}
	p.last = tok

	if p.saver != nil {
		if err := p.saver.SaveToken(context.Background(), p.accountID, tok); err != nil {
			log.Error().Err(err).Str("account_id", p.accountID).Msg("failed to persist refreshed token")
		}
	}
	return tok, nil
}
