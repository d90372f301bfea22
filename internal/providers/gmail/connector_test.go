package gmail

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync/internal/batch"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/providers/apicall"
)

type fakeAPI struct {
	mu         sync.Mutex
	historyID  uint64
	labels     []*gmail.Label
	pages      [][]string
	messages   map[string]*gmail.Message
	history    []*gmail.ListHistoryResponse
	historyErr error
	gets       []string
}

func (f *fakeAPI) GetProfile(ctx context.Context) (*gmail.Profile, error) {
	return &gmail.Profile{EmailAddress: "Alice@Example.com", HistoryId: f.historyID, MessagesTotal: 3}, nil
}

func (f *fakeAPI) ListLabels(ctx context.Context) ([]*gmail.Label, error) {
	out := make([]*gmail.Label, len(f.labels))
	for i, l := range f.labels {
		out[i] = &gmail.Label{Id: l.Id, Name: l.Name, Type: l.Type}
	}
	return out, nil
}

func (f *fakeAPI) GetLabel(ctx context.Context, id string) (*gmail.Label, error) {
	for _, l := range f.labels {
		if l.Id == id {
			return l, nil
		}
	}
	return nil, &googleapi.Error{Code: http.StatusNotFound}
}

func (f *fakeAPI) ListMessages(ctx context.Context, pageToken string) (*gmail.ListMessagesResponse, error) {
	page := 0
	if pageToken != "" {
		page = int(pageToken[0] - '0')
	}
	resp := &gmail.ListMessagesResponse{}
	for _, id := range f.pages[page] {
		resp.Messages = append(resp.Messages, &gmail.Message{Id: id, ThreadId: "t-" + id})
	}
	if page+1 < len(f.pages) {
		resp.NextPageToken = string(rune('0' + page + 1))
	}
	return resp, nil
}

func (f *fakeAPI) GetMessage(ctx context.Context, id, format string) (*gmail.Message, error) {
	f.mu.Lock()
	f.gets = append(f.gets, format+":"+id)
	f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "Requested entity was not found."}
	}
	return m, nil
}

func (f *fakeAPI) ListHistory(ctx context.Context, start uint64, pageToken string) (*gmail.ListHistoryResponse, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	page := 0
	if pageToken != "" {
		page = int(pageToken[0] - '0')
	}
	return f.history[page], nil
}

func newTestConnector(api API) *Connector {
	return New(api, apicall.New("gmail", "test", apicall.Config{RequestsPerSecond: 1000}), batch.Options{Concurrency: 4})
}

func TestListMessagesPagesAndCursor(t *testing.T) {
	api := &fakeAPI{historyID: 555, pages: [][]string{{"a", "b"}, {"c"}}}
	c := newTestConnector(api)

	var got []string
	cursor, err := c.ListMessages(context.Background(), func(refs []mail.MessageRef) error {
		for _, r := range refs {
			got = append(got, r.RemoteID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "555", cursor)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestFetchMessagesReportsMissing(t *testing.T) {
	api := &fakeAPI{messages: map[string]*gmail.Message{
		"a": {Id: "a", LabelIds: []string{"INBOX"}, Snippet: "one"},
		"c": {Id: "c", LabelIds: []string{"INBOX", "UNREAD"}, Snippet: "three"},
	}}
	c := newTestConnector(api)

	var fetched []string
	err := c.FetchMessages(context.Background(), []string{"a", "b", "c"}, func(m mail.Message) error {
		fetched = append(fetched, m.RemoteID)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, []string{"a", "c"}, fetched)

	be, ok := batch.AsError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, be.Keys())
	assert.ErrorIs(t, be.Failures["b"], mail.ErrNotFound)

	sort.Strings(api.gets)
	assert.Equal(t, []string{"raw:a", "raw:b", "raw:c"}, api.gets)
}

func TestFetchStates(t *testing.T) {
	api := &fakeAPI{messages: map[string]*gmail.Message{
		"a": {Id: "a", LabelIds: []string{"INBOX", "UNREAD", "STARRED"}},
	}}
	c := newTestConnector(api)

	var states []mail.MessageState
	require.NoError(t, c.FetchStates(context.Background(), []string{"a"}, func(s mail.MessageState) error {
		states = append(states, s)
		return nil
	}))
	require.Len(t, states, 1)
	assert.False(t, states[0].Read)
	assert.True(t, states[0].Starred)
	assert.Equal(t, []string{"minimal:a"}, api.gets)
}

func TestListFoldersFetchesCounts(t *testing.T) {
	api := &fakeAPI{labels: []*gmail.Label{
		{Id: "INBOX", Name: "INBOX", Type: "system", MessagesTotal: 4, MessagesUnread: 1},
		{Id: "UNREAD", Name: "UNREAD", Type: "system"},
		{Id: "Label_1", Name: "Work", Type: "user", MessagesTotal: 2},
	}}
	c := newTestConnector(api)

	folders, err := c.ListFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, int64(4), folders[0].TotalCount)
	assert.Equal(t, int64(2), folders[1].TotalCount)
}

func TestChanges(t *testing.T) {
	api := &fakeAPI{history: []*gmail.ListHistoryResponse{
		{History: []*gmail.History{{Id: 11, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "n"}}}}}, NextPageToken: "1", HistoryId: 12},
		{History: []*gmail.History{{Id: 12, MessagesDeleted: []*gmail.HistoryMessageDeleted{{Message: &gmail.Message{Id: "o"}}}}}, HistoryId: 13},
	}}
	c := newTestConnector(api)

	cs, err := c.Changes(context.Background(), "10")
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, cs.Upserted)
	assert.Equal(t, []string{"o"}, cs.Deleted)
	assert.Equal(t, "13", cs.Cursor)
}

func TestChangesCursorExpired(t *testing.T) {
	c := newTestConnector(&fakeAPI{historyErr: &googleapi.Error{Code: http.StatusNotFound}})
	_, err := c.Changes(context.Background(), "10")
	assert.ErrorIs(t, err, mail.ErrCursorExpired)

	_, err = c.Changes(context.Background(), "not-a-number")
	assert.ErrorIs(t, err, mail.ErrCursorExpired)
}

func TestTripsBreaker(t *testing.T) {
	assert.True(t, tripsBreaker(&googleapi.Error{Code: 503}))
	assert.True(t, tripsBreaker(&googleapi.Error{Code: 429}))
	assert.False(t, tripsBreaker(&googleapi.Error{Code: 404}))
	assert.False(t, tripsBreaker(context.Canceled))
	assert.False(t, tripsBreaker(errors.New("plain")))
}
