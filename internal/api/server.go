// Package api serves the tenant-facing HTTP API: provider connect flows,
// account management and read access to synced mail.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Store is the persistence the API reads and writes
type Store interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, a mail.Account) (*mail.Account, error)
	GetTenantAccount(ctx context.Context, tenantID, id string) (*mail.Account, error)
	ListAccounts(ctx context.Context, tenantID string) ([]mail.Account, error)
	SetStatus(ctx context.Context, id string, to mail.Status, errMsg string) (mail.Status, error)
	RequestResync(ctx context.Context, id string) (*mail.Account, error)
	ListFolders(ctx context.Context, accountID string) ([]mail.Folder, error)
	ListMessages(ctx context.Context, accountID string, f store.MessageFilter) ([]store.MessageRecord, error)
	CountMessages(ctx context.Context, accountID, folderID string) (int64, error)
	GetMessage(ctx context.Context, accountID, remoteID string) (*store.MessageRecord, error)
}

// Syncer schedules and stops account syncs
type Syncer interface {
	Enqueue(ctx context.Context, acct *mail.Account, kind queue.TaskKind) error
	Disconnect(accountID string)
}

// Providers is the provider registry as seen by the connect flow
type Providers interface {
	Names() []string
	Get(name string) (*providers.Descriptor, error)
	AuthorizeURL(name, state string) (string, error)
	Exchange(ctx context.Context, name, code string) (*oauth2.Token, error)
	Dial(ctx context.Context, name string, tok *oauth2.Token) (mailsync.MailProvider, error)
}

// Server wires the handlers to their dependencies
type Server struct {
	store     Store
	syncer    Syncer
	providers Providers
	verifier  auth.Verifier
	state     *auth.HMACSigner
	stateTTL  time.Duration
	cfg       config.HTTPConfig
}

// NewServer creates the API server. verifier authenticates callers and
// state signs the OAuth state parameter.
func NewServer(cfg config.HTTPConfig, st Store, syncer Syncer, reg Providers, verifier auth.Verifier, state *auth.HMACSigner, stateTTL time.Duration) *Server {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &Server{
		store:     st,
		syncer:    syncer,
		providers: reg,
		verifier:  verifier,
		state:     state,
		stateTTL:  stateTTL,
		cfg:       cfg,
	}
}

// Router builds the gin engine with every route mounted
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(), recovery())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The provider redirects the browser here without our bearer token; the
	// signed state carries the tenant instead.
	r.GET("/v1/oauth/:provider/callback", s.oauthCallback)

	v1 := r.Group("/v1")
	v1.Use(authenticate(s.verifier))
	{
		v1.GET("/providers", s.listProviders)
		v1.GET("/oauth/:provider/authorize", s.oauthAuthorize)

		v1.GET("/accounts", s.listAccounts)
		v1.GET("/accounts/:id", s.getAccount)
		v1.POST("/accounts/:id/sync", s.syncAccount)
		v1.POST("/accounts/:id/disable", s.disableAccount)
		v1.POST("/accounts/:id/enable", s.enableAccount)

		v1.GET("/accounts/:id/folders", s.listFolders)
		v1.GET("/accounts/:id/messages", s.listMessages)
		v1.GET("/accounts/:id/messages/:messageID", s.getMessage)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps domain errors onto status codes
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mail.ErrNotFound), errors.Is(err, providers.ErrUnknownProvider):
		status = http.StatusNotFound
	case errors.Is(err, mail.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrUnauthenticated):
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
