package outlook

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/batch"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/providers/apicall"
)

func ptr[T any](v T) *T { return &v }

func graphErr(status int, code string) error {
	main := odataerrors.NewMainError()
	main.SetCode(ptr(code))
	e := odataerrors.NewODataError()
	e.SetErrorEscaped(main)
	e.ResponseStatusCode = status
	return e
}

func folder(id, name, parent string, children int32) models.MailFolderable {
	f := models.NewMailFolder()
	f.SetId(ptr(id))
	f.SetDisplayName(ptr(name))
	f.SetParentFolderId(ptr(parent))
	f.SetChildFolderCount(ptr(children))
	f.SetTotalItemCount(ptr(int32(3)))
	f.SetUnreadItemCount(ptr(int32(1)))
	return f
}

func stateMsg(id, folderID string, read bool) models.Messageable {
	m := models.NewMessage()
	m.SetId(ptr(id))
	m.SetParentFolderId(ptr(folderID))
	m.SetIsRead(ptr(read))
	m.SetIsDraft(ptr(false))
	return m
}

func removedMsg(id, reason string) models.Messageable {
	m := models.NewMessage()
	m.SetId(ptr(id))
	m.SetAdditionalData(map[string]any{"@removed": map[string]any{"reason": reason}})
	return m
}

func recipient(name, addr string) models.Recipientable {
	ea := models.NewEmailAddress()
	ea.SetName(ptr(name))
	ea.SetAddress(ptr(addr))
	r := models.NewRecipient()
	r.SetEmailAddress(ea)
	return r
}

type fakeAPI struct {
	folders  map[string][]models.MailFolderable // parent -> children
	known    map[string]models.MailFolderable   // well-known name -> folder
	deltas   map[string][]*DeltaPage            // folder + link -> pages
	messages map[string]models.Messageable
	deltaErr map[string]error
}

func (f *fakeAPI) Me(ctx context.Context) (models.Userable, error) {
	u := models.NewUser()
	u.SetUserPrincipalName(ptr("Alice@Contoso.com"))
	u.SetDisplayName(ptr("Alice"))
	return u, nil
}

func (f *fakeAPI) ListFolders(ctx context.Context, parentID string) ([]models.MailFolderable, error) {
	return f.folders[parentID], nil
}

func (f *fakeAPI) GetFolder(ctx context.Context, id string) (models.MailFolderable, error) {
	if fl, ok := f.known[id]; ok {
		return fl, nil
	}
	return nil, graphErr(http.StatusNotFound, "ErrorFolderNotFound")
}

func (f *fakeAPI) Delta(ctx context.Context, folderID, link string) (*DeltaPage, error) {
	key := folderID + "|" + link
	if err := f.deltaErr[key]; err != nil {
		return nil, err
	}
	pages := f.deltas[key]
	if len(pages) == 0 {
		return &DeltaPage{DeltaLink: "delta-" + folderID + "-empty"}, nil
	}
	page := pages[0]
	f.deltas[key] = pages[1:]
	if page.NextLink != "" {
		f.deltas[folderID+"|"+page.NextLink] = pages[1:]
	}
	return page, nil
}

func (f *fakeAPI) GetMessage(ctx context.Context, id string, full bool) (models.Messageable, error) {
	if m, ok := f.messages[id]; ok {
		return m, nil
	}
	return nil, graphErr(http.StatusNotFound, "ErrorItemNotFound")
}

func newTestConnector(api API) *Connector {
	return New(api, apicall.New("outlook", "test", apicall.Config{RequestsPerSecond: 1000}), batch.Options{Concurrency: 4})
}

func TestParseMessage(t *testing.T) {
	sent := time.Date(2024, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	m := models.NewMessage()
	m.SetId(ptr("AAMk1"))
	m.SetConversationId(ptr("conv-1"))
	m.SetInternetMessageId(ptr("<id-1@contoso.com>"))
	m.SetSubject(ptr("Budget"))
	m.SetBodyPreview(ptr("Numbers attached"))
	m.SetFrom(recipient("Bob", "Bob@Contoso.com"))
	m.SetToRecipients([]models.Recipientable{recipient("", "alice@contoso.com"), recipient("x", "")})
	m.SetSentDateTime(&sent)
	m.SetReceivedDateTime(&sent)
	m.SetHasAttachments(ptr(true))
	m.SetParentFolderId(ptr("inbox-id"))
	m.SetIsRead(ptr(false))
	flag := models.NewFollowupFlag()
	flag.SetFlagStatus(ptr(models.FLAGGED_FOLLOWUPFLAGSTATUS))
	m.SetFlag(flag)
	body := models.NewItemBody()
	body.SetContentType(ptr(models.HTML_BODYTYPE))
	body.SetContent(ptr("<p>hi</p>"))
	m.SetBody(body)
	header := models.NewInternetMessageHeader()
	header.SetName(ptr("In-Reply-To"))
	header.SetValue(ptr("<parent@contoso.com>"))
	m.SetInternetMessageHeaders([]models.InternetMessageHeaderable{header})

	got := ParseMessage(m)
	assert.Equal(t, "AAMk1", got.RemoteID)
	assert.Equal(t, "conv-1", got.ThreadID)
	assert.Equal(t, "id-1@contoso.com", got.InternetMessageID)
	assert.Equal(t, "parent@contoso.com", got.InReplyTo)
	assert.Equal(t, mail.Address{Name: "Bob", Address: "bob@contoso.com"}, got.From)
	assert.Equal(t, []mail.Address{{Address: "alice@contoso.com"}}, got.To)
	assert.Equal(t, "<p>hi</p>", got.BodyHTML)
	assert.Empty(t, got.BodyText)
	assert.True(t, got.HasAttachments)
	assert.Equal(t, time.UTC, got.SentAt.Location())
	assert.Equal(t, mail.MessageState{RemoteID: "AAMk1", FolderIDs: []string{"inbox-id"}, Starred: true}, got.State)
}

func TestParseFoldersDropsHiddenRoot(t *testing.T) {
	folders := ParseFolders([]models.MailFolderable{
		folder("inbox-id", "Inbox", "root", 1),
		folder("child", "Projects", "inbox-id", 0),
	}, map[string]string{"inbox-id": mail.RoleInbox})

	require.Len(t, folders, 2)
	assert.Equal(t, "child", folders[0].RemoteID)
	assert.Equal(t, "inbox-id", folders[0].ParentRemoteID)
	assert.Equal(t, mail.FolderUser, folders[0].Type)
	assert.Equal(t, "", folders[1].ParentRemoteID)
	assert.Equal(t, mail.FolderSystem, folders[1].Type)
	assert.Equal(t, mail.RoleInbox, folders[1].Role)
	assert.Equal(t, int64(3), folders[1].TotalCount)
}

func TestDeltaItemsChangeSet(t *testing.T) {
	items := NewDeltaItems()
	items.Add(stateMsg("moved", "archive-id", true))
	items.Add(removedMsg("moved", "changed"))
	items.Add(removedMsg("gone", "deleted"))
	items.Add(removedMsg("left", "changed"))
	items.Add(stateMsg("flagged", "inbox-id", true))
	draft := stateMsg("draft", "drafts-id", true)
	draft.SetIsDraft(ptr(true))
	items.Add(draft)

	cs := items.ChangeSet("c")
	assert.Equal(t, []string{"draft"}, cs.Upserted)
	assert.Equal(t, []string{"flagged", "left", "moved"}, cs.Relabeled)
	assert.Equal(t, []string{"gone"}, cs.Deleted)
	assert.Equal(t, "c", cs.Cursor)
}

func TestDecodeCursor(t *testing.T) {
	c, err := DecodeCursor(`{"inbox":"https://graph/delta?token=1"}`)
	require.NoError(t, err)
	assert.Equal(t, "https://graph/delta?token=1", c["inbox"])

	_, err = DecodeCursor("12345")
	assert.ErrorIs(t, err, mail.ErrCursorExpired)
	_, err = DecodeCursor("{}")
	assert.ErrorIs(t, err, mail.ErrCursorExpired)
}

func newMailbox() *fakeAPI {
	return &fakeAPI{
		folders: map[string][]models.MailFolderable{
			"":         {folder("inbox-id", "Inbox", "root", 1), folder("sent-id", "Sent Items", "root", 0)},
			"inbox-id": {folder("sub-id", "Receipts", "inbox-id", 0)},
		},
		known: map[string]models.MailFolderable{
			"inbox":     folder("inbox-id", "Inbox", "root", 1),
			"sentitems": folder("sent-id", "Sent Items", "root", 0),
		},
		deltas:   map[string][]*DeltaPage{},
		messages: map[string]models.Messageable{},
		deltaErr: map[string]error{},
	}
}

func TestProfile(t *testing.T) {
	p, err := newTestConnector(newMailbox()).Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice@contoso.com", p.Email)
	assert.Equal(t, "Alice", p.DisplayName)
}

func TestListFoldersWalksChildrenAndRoles(t *testing.T) {
	folders, err := newTestConnector(newMailbox()).ListFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 3)

	byID := map[string]mail.Folder{}
	for _, f := range folders {
		byID[f.RemoteID] = f
	}
	assert.Equal(t, mail.RoleInbox, byID["inbox-id"].Role)
	assert.Equal(t, mail.RoleSent, byID["sent-id"].Role)
	assert.Equal(t, "inbox-id", byID["sub-id"].ParentRemoteID)
	assert.Equal(t, mail.FolderUser, byID["sub-id"].Type)
}

func TestListMessagesBuildsCursor(t *testing.T) {
	api := newMailbox()
	api.deltas["inbox-id|"] = []*DeltaPage{
		{Messages: []models.Messageable{stateMsg("m1", "inbox-id", true), stateMsg("m2", "inbox-id", false)}, NextLink: "inbox-next"},
		{Messages: []models.Messageable{stateMsg("m3", "inbox-id", true), removedMsg("old", "deleted")}, DeltaLink: "inbox-delta"},
	}
	api.deltas["sent-id|"] = []*DeltaPage{{Messages: []models.Messageable{stateMsg("s1", "sent-id", true)}, DeltaLink: "sent-delta"}}

	var ids []string
	cursor, err := newTestConnector(api).ListMessages(context.Background(), func(refs []mail.MessageRef) error {
		for _, r := range refs {
			ids = append(ids, r.RemoteID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "s1"}, ids)

	var links map[string]string
	require.NoError(t, json.Unmarshal([]byte(cursor), &links))
	assert.Equal(t, map[string]string{
		"inbox-id": "inbox-delta",
		"sent-id":  "sent-delta",
		"sub-id":   "delta-sub-id-empty",
	}, links)
}

func TestChangesMergesFolders(t *testing.T) {
	api := newMailbox()
	api.deltas["inbox-id|inbox-delta"] = []*DeltaPage{{Messages: []models.Messageable{removedMsg("m1", "changed"), removedMsg("m2", "deleted")}, DeltaLink: "inbox-delta-2"}}
	api.deltas["sent-id|sent-delta"] = []*DeltaPage{{Messages: []models.Messageable{stateMsg("m1", "sent-id", true)}, DeltaLink: "sent-delta-2"}}

	cs, err := newTestConnector(api).Changes(context.Background(), `{"inbox-id":"inbox-delta","sent-id":"sent-delta","deleted-folder":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, cs.Relabeled)
	assert.Equal(t, []string{"m2"}, cs.Deleted)

	var links map[string]string
	require.NoError(t, json.Unmarshal([]byte(cs.Cursor), &links))
	assert.Equal(t, "inbox-delta-2", links["inbox-id"])
	assert.Equal(t, "sent-delta-2", links["sent-id"])
	assert.Equal(t, "delta-sub-id-empty", links["sub-id"])
	assert.NotContains(t, links, "deleted-folder")
}

func TestChangesCursorExpired(t *testing.T) {
	api := newMailbox()
	api.deltaErr["inbox-id|inbox-delta"] = graphErr(http.StatusGone, "syncStateNotFound")

	_, err := newTestConnector(api).Changes(context.Background(), `{"inbox-id":"inbox-delta"}`)
	assert.ErrorIs(t, err, mail.ErrCursorExpired)
}

func TestFetchMessagesReportsMissing(t *testing.T) {
	api := newMailbox()
	api.messages["m1"] = stateMsg("m1", "inbox-id", true)

	var got []string
	err := newTestConnector(api).FetchMessages(context.Background(), []string{"m1", "m2"}, func(m mail.Message) error {
		got = append(got, m.RemoteID)
		return nil
	})
	assert.Equal(t, []string{"m1"}, got)

	be, ok := batch.AsError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"m2"}, be.Keys())
	assert.ErrorIs(t, err, mail.ErrNotFound)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, cursorExpired(graphErr(http.StatusGone, "")))
	assert.True(t, cursorExpired(graphErr(http.StatusBadRequest, "resyncRequired")))
	assert.False(t, cursorExpired(graphErr(http.StatusNotFound, "")))

	assert.True(t, tripsBreaker(graphErr(http.StatusServiceUnavailable, "")))
	assert.True(t, tripsBreaker(graphErr(http.StatusTooManyRequests, "")))
	assert.False(t, tripsBreaker(graphErr(http.StatusForbidden, "")))
}
