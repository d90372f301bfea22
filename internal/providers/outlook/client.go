package outlook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
)

const (
	graphScope = "https://graph.microsoft.com/.default"
	pageSize   = 100

	// immutable ids keep a message id stable when it moves between folders
	preferHeader = `odata.maxpagesize=100, IdType="ImmutableId"`
)

var (
	stateFields = []string{"id", "conversationId", "parentFolderId", "isRead", "isDraft", "flag"}
	fullFields  = []string{
		"id", "conversationId", "parentFolderId", "internetMessageId", "subject", "bodyPreview",
		"body", "from", "toRecipients", "ccRecipients", "bccRecipients", "replyTo",
		"hasAttachments", "isRead", "isDraft", "flag", "sentDateTime", "receivedDateTime",
		"internetMessageHeaders",
	}
)

// DeltaPage is one page of a folder message delta
type DeltaPage struct {
	Messages  []models.Messageable
	NextLink  string
	DeltaLink string
}

// API is the part of Microsoft Graph the connector calls
type API interface {
	Me(ctx context.Context) (models.Userable, error)
	// ListFolders returns every page of the folders under parentID, or the
	// top-level folders when parentID is empty
	ListFolders(ctx context.Context, parentID string) ([]models.MailFolderable, error)
	GetFolder(ctx context.Context, id string) (models.MailFolderable, error)
	// Delta starts a delta round for folderID when link is empty and follows
	// link otherwise
	Delta(ctx context.Context, folderID, link string) (*DeltaPage, error)
	GetMessage(ctx context.Context, id string, full bool) (models.Messageable, error)
}

type graphAPI struct {
	client *msgraphsdk.GraphServiceClient
}

// NewAPI creates a Graph client authorised by ts
func NewAPI(ts oauth2.TokenSource) (API, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenCredential{ts: ts}, []string{graphScope})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &graphAPI{client: client}, nil
}

func preferHeaders() *abstractions.RequestHeaders {
	h := abstractions.NewRequestHeaders()
	h.Add("Prefer", preferHeader)
	return h
}

func (a *graphAPI) Me(ctx context.Context) (models.Userable, error) {
	return a.client.Me().Get(ctx, nil)
}

func (a *graphAPI) ListFolders(ctx context.Context, parentID string) ([]models.MailFolderable, error) {
	top := int32(pageSize)
	var (
		out  []models.MailFolderable
		resp models.MailFolderCollectionResponseable
		err  error
	)

	if parentID == "" {
		resp, err = a.client.Me().MailFolders().Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{Top: &top},
		})
	} else {
		resp, err = a.client.Me().MailFolders().ByMailFolderId(parentID).ChildFolders().Get(ctx, &users.ItemMailFoldersItemChildFoldersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemChildFoldersRequestBuilderGetQueryParameters{Top: &top},
		})
	}
	for {
		if err != nil {
			return nil, err
		}
		out = append(out, resp.GetValue()...)
		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return out, nil
		}
		if parentID == "" {
			resp, err = a.client.Me().MailFolders().WithUrl(*next).Get(ctx, nil)
		} else {
			resp, err = a.client.Me().MailFolders().ByMailFolderId(parentID).ChildFolders().WithUrl(*next).Get(ctx, nil)
		}
	}
}

func (a *graphAPI) GetFolder(ctx context.Context, id string) (models.MailFolderable, error) {
	return a.client.Me().MailFolders().ByMailFolderId(id).Get(ctx, nil)
}

func (a *graphAPI) Delta(ctx context.Context, folderID, link string) (*DeltaPage, error) {
	builder := a.client.Me().MailFolders().ByMailFolderId(folderID).Messages().Delta()
	cfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{Headers: preferHeaders()}
	if link != "" {
		builder = builder.WithUrl(link)
	} else {
		cfg.QueryParameters = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{Select: stateFields}
	}

	resp, err := builder.GetAsDeltaGetResponse(ctx, cfg)
	if err != nil {
		return nil, err
	}
	page := &DeltaPage{Messages: resp.GetValue()}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextLink = *next
	}
	if delta := resp.GetOdataDeltaLink(); delta != nil {
		page.DeltaLink = *delta
	}
	return page, nil
}

func (a *graphAPI) GetMessage(ctx context.Context, id string, full bool) (models.Messageable, error) {
	fields := stateFields
	if full {
		fields = fullFields
	}
	return a.client.Me().Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		Headers:         preferHeaders(),
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{Select: fields},
	})
}

// tokenCredential adapts an oauth2 token source to the azcore credential
// the Graph SDK expects. Refreshing is left to the token source.
type tokenCredential struct {
	ts oauth2.TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("outlook token: %w", err)
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

// graphError extracts the HTTP status and OData error code of a Graph error
func graphError(err error) (int, string) {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return 0, ""
	}
	code := ""
	if main := odataErr.GetErrorEscaped(); main != nil && main.GetCode() != nil {
		code = *main.GetCode()
	}
	return odataErr.ResponseStatusCode, code
}

// cursorExpired reports whether Graph rejected a delta link
func cursorExpired(err error) bool {
	status, code := graphError(err)
	switch code {
	case "syncStateNotFound", "syncStateInvalid", "resyncRequired":
		return true
	}
	return status == 410
}

// tripsBreaker reports whether err means Graph itself is failing
func tripsBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if status, _ := graphError(err); status != 0 {
		return status >= 500 || status == 429
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed)
}

// notFound maps a 404 onto mail.ErrNotFound
func notFound(err error) error {
	if status, code := graphError(err); status == 404 || code == "ErrorItemNotFound" {
		return fmt.Errorf("%w: %v", mail.ErrNotFound, err)
	}
	return err
}
