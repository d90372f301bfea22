package providers

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/batch"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/providers/apicall"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const userInfoEmailScope = "https://www.googleapis.com/auth/userinfo.email"

var (
	_ mailsync.Dialer       = (*Registry)(nil)
	_ mailsync.MailProvider = (*gmail.Connector)(nil)
	_ mailsync.MailProvider = (*outlook.Connector)(nil)
)

// New creates a registry holding every provider configured in cfg
func New(cfg *config.Config, broker TokenBroker) *Registry {
	r := NewRegistry(broker)
	r.Register(Gmail(cfg.OAuth.Google, cfg.Sync))
	r.Register(Outlook(cfg.OAuth.Microsoft, cfg.Sync))
	return r
}

// Gmail describes the Gmail provider
func Gmail(c config.OAuthClient, sc config.SyncConfig) *Descriptor {
	return &Descriptor{
		Name:        mail.ProviderGmail,
		DisplayName: "Gmail",
		OAuth: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmailapi.GmailReadonlyScope, userInfoEmailScope},
		},
		NewConnector: func(ctx context.Context, acct *mail.Account, ts oauth2.TokenSource) (mailsync.MailProvider, error) {
			api, err := gmail.NewAPI(ctx, ts)
			if err != nil {
				return nil, err
			}
			return gmail.New(api, newGuard(acct, sc), batchOptions(sc)), nil
		},
	}
}

// Outlook describes the Microsoft Graph mail provider
func Outlook(c config.OAuthClient, sc config.SyncConfig) *Descriptor {
	tenant := c.Tenant
	if tenant == "" {
		tenant = "common"
	}
	return &Descriptor{
		Name:        mail.ProviderOutlook,
		DisplayName: "Outlook",
		OAuth: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			Scopes:       []string{"offline_access", "Mail.Read", "User.Read"},
		},
		NewConnector: func(ctx context.Context, acct *mail.Account, ts oauth2.TokenSource) (mailsync.MailProvider, error) {
			api, err := outlook.NewAPI(ts)
			if err != nil {
				return nil, err
			}
			return outlook.New(api, newGuard(acct, sc), batchOptions(sc)), nil
		},
	}
}

// newGuard names the guard after the account so each mailbox gets its own
// limiter and breaker
func newGuard(acct *mail.Account, sc config.SyncConfig) *apicall.Guard {
	name := acct.ID
	if name == "" {
		name = "connect"
	}
	return apicall.New(string(acct.Provider), name, apicall.Config{RequestsPerSecond: sc.RequestsPerSecond})
}

func batchOptions(sc config.SyncConfig) batch.Options {
	return batch.Options{Concurrency: sc.Concurrency, MaxSize: sc.BatchSize}
}
