package gmail

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/mail"
)

const (
	me           = "me"
	listPageSize = 500
)

// API is the part of the Gmail REST API the connector calls
type API interface {
	GetProfile(ctx context.Context) (*gmail.Profile, error)
	ListLabels(ctx context.Context) ([]*gmail.Label, error)
	GetLabel(ctx context.Context, id string) (*gmail.Label, error)
	ListMessages(ctx context.Context, pageToken string) (*gmail.ListMessagesResponse, error)
	GetMessage(ctx context.Context, id, format string) (*gmail.Message, error)
	ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmail.ListHistoryResponse, error)
}

// Message formats accepted by GetMessage
const (
	FormatRaw     = "raw"
	FormatMinimal = "minimal"
)

type serviceAPI struct {
	svc *gmail.Service
}

// NewAPI creates a Gmail client authorised by ts
func NewAPI(ctx context.Context, ts oauth2.TokenSource) (API, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &serviceAPI{svc: svc}, nil
}

func (a *serviceAPI) GetProfile(ctx context.Context) (*gmail.Profile, error) {
	return a.svc.Users.GetProfile(me).Context(ctx).Do()
}

func (a *serviceAPI) ListLabels(ctx context.Context) ([]*gmail.Label, error) {
	resp, err := a.svc.Users.Labels.List(me).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Labels, nil
}

func (a *serviceAPI) GetLabel(ctx context.Context, id string) (*gmail.Label, error) {
	return a.svc.Users.Labels.Get(me, id).Context(ctx).Do()
}

func (a *serviceAPI) ListMessages(ctx context.Context, pageToken string) (*gmail.ListMessagesResponse, error) {
	call := a.svc.Users.Messages.List(me).IncludeSpamTrash(true).MaxResults(listPageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Context(ctx).Do()
}

func (a *serviceAPI) GetMessage(ctx context.Context, id, format string) (*gmail.Message, error) {
	return a.svc.Users.Messages.Get(me, id).Format(format).Context(ctx).Do()
}

func (a *serviceAPI) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmail.ListHistoryResponse, error) {
	call := a.svc.Users.History.List(me).StartHistoryId(startHistoryID).MaxResults(listPageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Context(ctx).Do()
}

// statusCode extracts the HTTP status of a Gmail API error
func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// tripsBreaker reports whether err means Gmail itself is failing: 5xx, 429
// and transport errors. Client errors and cancellation do not count.
func tripsBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code := statusCode(err); code != 0 {
		return code >= 500 || code == 429
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed)
}

// notFound maps a 404 onto mail.ErrNotFound
func notFound(err error) error {
	if statusCode(err) == 404 {
		return fmt.Errorf("%w: %v", mail.ErrNotFound, err)
	}
	return err
}
