// Package providers maps provider names to their OAuth configuration and
// connector constructors. The registry is the sync engine's Dialer.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// ErrUnknownProvider is returned for names with no registered descriptor
var ErrUnknownProvider = errors.New("unknown provider")

// ConnectorFunc builds a connector for one account
type ConnectorFunc func(ctx context.Context, acct *mail.Account, ts oauth2.TokenSource) (mailsync.MailProvider, error)

// Descriptor describes one supported provider
type Descriptor struct {
	Name         mail.ProviderName
	DisplayName  string
	OAuth        *oauth2.Config
	NewConnector ConnectorFunc
}

// TokenBroker hands out tokens managed by an external auth server
type TokenBroker interface {
	TokenSource(ctx context.Context, acct *mail.Account) oauth2.TokenSource
}

// Registry manages the configured providers
type Registry struct {
	descriptors map[mail.ProviderName]*Descriptor
	broker      TokenBroker
}

// NewRegistry creates an empty registry. A non-nil broker supplies account
// tokens instead of refreshing them with the provider's OAuth config.
func NewRegistry(broker TokenBroker) *Registry {
	return &Registry{
		descriptors: make(map[mail.ProviderName]*Descriptor),
		broker:      broker,
	}
}

// Register adds a descriptor. Descriptors without OAuth client credentials
// are ignored and reported as false.
func (r *Registry) Register(d *Descriptor) bool {
	if d == nil || d.OAuth == nil || d.OAuth.ClientID == "" || d.OAuth.ClientSecret == "" {
		return false
	}
	r.descriptors[d.Name] = d
	return true
}

// Get returns the descriptor registered under name
func (r *Registry) Get(name string) (*Descriptor, error) {
	d, ok := r.descriptors[mail.ProviderName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return d, nil
}

// Names returns the registered provider names in order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

// AuthorizeURL returns the consent page URL for a provider. Offline access
// and a forced consent prompt make the provider issue a refresh token on
// every connect.
func (r *Registry) AuthorizeURL(name, state string) (string, error) {
	d, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return d.OAuth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// Exchange trades an authorization code for a token
func (r *Registry) Exchange(ctx context.Context, name, code string) (*oauth2.Token, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	tok, err := d.OAuth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange %s code: %w", name, err)
	}
	return tok, nil
}

// Dial builds a connector from a freshly exchanged token, before an account
// row exists
func (r *Registry) Dial(ctx context.Context, name string, tok *oauth2.Token) (mailsync.MailProvider, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	acct := &mail.Account{Provider: d.Name, Token: tok}
	return d.NewConnector(ctx, acct, d.OAuth.TokenSource(ctx, tok))
}

// TokenSource returns the account's token source, from the broker when one
// is configured
func (r *Registry) TokenSource(ctx context.Context, acct *mail.Account) (oauth2.TokenSource, error) {
	d, err := r.Get(string(acct.Provider))
	if err != nil {
		return nil, err
	}
	if r.broker != nil {
		return r.broker.TokenSource(ctx, acct), nil
	}
	if acct.Token == nil {
		return nil, fmt.Errorf("account %s has no stored token", acct.ID)
	}
	return d.OAuth.TokenSource(ctx, acct.Token), nil
}

// NewConnector builds the provider connector of an account
func (r *Registry) NewConnector(ctx context.Context, acct *mail.Account, ts oauth2.TokenSource) (mailsync.MailProvider, error) {
	d, err := r.Get(string(acct.Provider))
	if err != nil {
		return nil, err
	}
	return d.NewConnector(ctx, acct, ts)
}
