package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/queue"
)

type providerView struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Scopes      []string `json:"scopes"`
}

func (s *Server) listProviders(c *gin.Context) {
	out := make([]providerView, 0)
	for _, name := range s.providers.Names() {
		d, err := s.providers.Get(name)
		if err != nil {
			continue
		}
		out = append(out, providerView{Name: name, DisplayName: d.DisplayName, Scopes: d.OAuth.Scopes})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

// oauthAuthorize returns the provider consent URL. The state parameter is
// a short-lived signed token naming the caller's tenant and the provider.
func (s *Server) oauthAuthorize(c *gin.Context) {
	p := principalFrom(c)
	name := c.Param("provider")
	if _, err := s.providers.Get(name); err != nil {
		respondError(c, err)
		return
	}

	state, err := s.state.Sign(p.UserID, auth.Claims{TenantID: p.TenantID, Provider: name}, s.stateTTL)
	if err != nil {
		respondError(c, err)
		return
	}
	url, err := s.providers.AuthorizeURL(name, state)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// oauthCallback completes the connect flow: it exchanges the code, reads
// the mailbox profile, stores the account and queues its first full sync
func (s *Server) oauthCallback(c *gin.Context) {
	name := c.Param("provider")
	if msg := c.Query("error"); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("authorization denied: %s", msg)})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	claims, err := s.state.Parse(c.Query("state"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}
	if claims.Provider != name || claims.TenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state does not match provider"})
		return
	}

	ctx := c.Request.Context()
	tok, err := s.providers.Exchange(ctx, name, code)
	if err != nil {
		s.connectFailed(c, name, claims.TenantID, err)
		return
	}
	if tok.RefreshToken == "" {
		log.Warn().Str("provider", name).Str("tenant_id", claims.TenantID).Msg("provider issued no refresh token")
	}

	conn, err := s.providers.Dial(ctx, name, tok)
	if err != nil {
		s.connectFailed(c, name, claims.TenantID, err)
		return
	}
	profile, err := conn.Profile(ctx)
	if err != nil {
		s.connectFailed(c, name, claims.TenantID, err)
		return
	}

	d, err := s.providers.Get(name)
	if err != nil {
		respondError(c, err)
		return
	}
	acct, err := s.store.CreateAccount(ctx, mail.Account{
		TenantID:    claims.TenantID,
		Provider:    d.Name,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		Token:       tok,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.syncer.Enqueue(ctx, acct, queue.KindFullSync); err != nil {
		respondError(c, err)
		return
	}

	log.Info().
		Str("account_id", acct.ID).
		Str("tenant_id", acct.TenantID).
		Str("provider", name).
		Msg("account connected")
	c.JSON(http.StatusCreated, newAccountView(acct))
}

// connectFailed reports a provider-side failure of the connect flow
func (s *Server) connectFailed(c *gin.Context, provider, tenantID string, err error) {
	if errors.Is(err, providers.ErrUnknownProvider) {
		respondError(c, err)
		return
	}
	log.Error().Err(err).Str("provider", provider).Str("tenant_id", tenantID).Msg("connect failed")
	c.JSON(http.StatusBadGateway, gin.H{"error": "provider rejected the connection"})
}
