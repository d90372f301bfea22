package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/reconcile"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSyncer struct {
	mu           sync.Mutex
	tasks        []queue.Task
	disconnected []string
}

func (r *recordingSyncer) Enqueue(ctx context.Context, acct *mail.Account, kind queue.TaskKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, queue.Task{Kind: kind, TenantID: acct.TenantID, AccountID: acct.ID})
	return nil
}

func (r *recordingSyncer) Disconnect(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, accountID)
}

type profileOnly struct {
	mailsync.MailProvider
	profile mail.Profile
}

func (p profileOnly) Profile(ctx context.Context) (mail.Profile, error) {
	return p.profile, nil
}

type testEnv struct {
	store  *store.Store
	syncer *recordingSyncer
	signer *auth.HMACSigner
	router *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(config.DatabaseConfig{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "api.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate())

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access",
			"refresh_token": "refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(tokenSrv.Close)

	reg := providers.NewRegistry(nil)
	reg.Register(&providers.Descriptor{
		Name:        mail.ProviderGmail,
		DisplayName: "Gmail",
		OAuth: &oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://accounts.example.com/auth",
				TokenURL:  tokenSrv.URL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"mail.read"},
		},
		NewConnector: func(ctx context.Context, acct *mail.Account, ts oauth2.TokenSource) (mailsync.MailProvider, error) {
			return profileOnly{profile: mail.Profile{Email: "Alice@Example.com", DisplayName: "Alice"}}, nil
		},
	})

	signer, err := auth.NewHMACSigner(testSecret, "mailsync")
	require.NoError(t, err)

	syncer := &recordingSyncer{}
	srv := NewServer(config.HTTPConfig{}, st, syncer, reg, signer, signer, time.Minute)
	return &testEnv{store: st, syncer: syncer, signer: signer, router: srv.Router()}
}

func (e *testEnv) token(t *testing.T, tenant string) string {
	t.Helper()
	tok, err := e.signer.Sign("user-1", auth.Claims{TenantID: tenant}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, target, tenant string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if tenant != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, tenant))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) account(t *testing.T, tenant string) *mail.Account {
	t.Helper()
	a, err := e.store.CreateAccount(context.Background(), mail.Account{
		TenantID: tenant,
		Provider: mail.ProviderGmail,
		Email:    "bob@example.com",
		Token:    &oauth2.Token{AccessToken: "a", RefreshToken: "r"},
	})
	require.NoError(t, err)
	return a
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodGet, "/healthz", "")
	w := e.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mailsync_http_requests_total")
}

func TestRequiresAuthentication(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/v1/accounts", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListProviders(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/v1/providers", "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Providers []providerView `json:"providers"`
	}
	decode(t, w, &body)
	require.Len(t, body.Providers, 1)
	assert.Equal(t, "gmail", body.Providers[0].Name)
	assert.Equal(t, "Gmail", body.Providers[0].DisplayName)
}

func TestOAuthConnectFlow(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/v1/oauth/outlook/authorize", "tenant-1")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/v1/oauth/gmail/authorize", "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		URL string `json:"url"`
	}
	decode(t, w, &body)
	u, err := url.Parse(body.URL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	assert.Equal(t, "offline", u.Query().Get("access_type"))

	w = e.do(t, http.MethodGet, "/v1/oauth/gmail/callback?code=abc&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var acct accountView
	decode(t, w, &acct)
	assert.Equal(t, "alice@example.com", acct.Email)
	assert.Equal(t, "Alice", acct.DisplayName)
	assert.Equal(t, string(mail.StatusNew), acct.Status)

	stored, err := e.store.GetTenantAccount(context.Background(), "tenant-1", acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh", stored.Token.RefreshToken)

	require.Len(t, e.syncer.tasks, 1)
	assert.Equal(t, queue.KindFullSync, e.syncer.tasks[0].Kind)
	assert.Equal(t, acct.ID, e.syncer.tasks[0].AccountID)
}

func TestOAuthCallbackRejectsBadState(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/v1/oauth/gmail/callback?code=abc&state=forged", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/v1/oauth/gmail/callback?state=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/v1/oauth/gmail/callback?error=access_denied", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	other, err := e.signer.Sign("user-1", auth.Claims{TenantID: "tenant-1", Provider: "outlook"}, time.Minute)
	require.NoError(t, err)
	w = e.do(t, http.MethodGet, "/v1/oauth/gmail/callback?code=abc&state="+url.QueryEscape(other), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, e.syncer.tasks)
}

func TestAccountsAreTenantScoped(t *testing.T) {
	e := newTestEnv(t)
	a := e.account(t, "tenant-1")
	e.account(t, "tenant-2")

	w := e.do(t, http.MethodGet, "/v1/accounts", "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Accounts []accountView `json:"accounts"`
	}
	decode(t, w, &list)
	require.Len(t, list.Accounts, 1)
	assert.Equal(t, a.ID, list.Accounts[0].ID)
	assert.NotContains(t, w.Body.String(), "refresh")

	w = e.do(t, http.MethodGet, "/v1/accounts/"+a.ID, "tenant-1")
	assert.Equal(t, http.StatusOK, w.Code)

	for _, path := range []string{"", "/folders", "/messages", "/messages/m1"} {
		w = e.do(t, http.MethodGet, "/v1/accounts/"+a.ID+path, "tenant-2")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w = e.do(t, http.MethodPost, "/v1/accounts/"+a.ID+"/disable", "tenant-2")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncAccount(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	a := e.account(t, "tenant-1")

	_, err := e.store.SetStatus(ctx, a.ID, mail.StatusSyncing, "")
	require.NoError(t, err)
	_, err = e.store.SetStatus(ctx, a.ID, mail.StatusIdle, "")
	require.NoError(t, err)
	require.NoError(t, e.store.SaveCursor(ctx, a.ID, "100"))

	w := e.do(t, http.MethodPost, "/v1/accounts/"+a.ID+"/sync", "tenant-1")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, e.syncer.tasks, 1)
	assert.Equal(t, queue.KindIncrementalSync, e.syncer.tasks[0].Kind)

	w = e.do(t, http.MethodPost, "/v1/accounts/"+a.ID+"/sync?full=true", "tenant-1")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, e.syncer.tasks, 2)
	assert.Equal(t, queue.KindFullSync, e.syncer.tasks[1].Kind)

	stored, err := e.store.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Cursor)
	assert.NotNil(t, stored.ResyncRequestedAt)

	// the request holds even after a running sync writes its cursor back
	require.NoError(t, e.store.SaveCursor(ctx, a.ID, "200"))
	w = e.do(t, http.MethodGet, "/v1/accounts/"+a.ID, "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)
	var view accountView
	decode(t, w, &view)
	assert.NotNil(t, view.ResyncRequestedAt)

	w = e.do(t, http.MethodPost, "/v1/accounts/"+a.ID+"/sync", "tenant-1")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, e.syncer.tasks, 3)
	assert.Equal(t, queue.KindFullSync, e.syncer.tasks[2].Kind)
}

func TestDisableAndEnable(t *testing.T) {
	e := newTestEnv(t)
	a := e.account(t, "tenant-1")

	w := e.do(t, http.MethodPost, "/v1/accounts/"+a.ID+"/disable", "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)
	var view accountView
	decode(t, w, &view)
	assert.Equal(t, string(mail.StatusDisabled), view.Status)
	assert.Equal(t, []string{a.ID}, e.syncer.disconnected)

	w = e.do(t, http.MethodPost, "/v1/accounts/"+a.ID+"/disable", "tenant-1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/v1/accounts/"+a.ID+"/sync", "tenant-1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, e.syncer.tasks)

	w = e.do(t, http.MethodPost, "/v1/accounts/"+a.ID+"/enable", "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &view)
	assert.Equal(t, string(mail.StatusNew), view.Status)
	require.Len(t, e.syncer.tasks, 1)
	assert.Equal(t, queue.KindFullSync, e.syncer.tasks[0].Kind)

	w = e.do(t, http.MethodPost, "/v1/accounts/"+a.ID+"/enable", "tenant-1")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFoldersAndMessages(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	a := e.account(t, "tenant-1")

	received := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	msg := func(id string, folders ...string) mail.Message {
		return mail.Message{
			RemoteID:   id,
			ThreadID:   "t-" + id,
			Subject:    "subject " + id,
			From:       mail.Address{Name: "Carol", Address: "carol@example.com"},
			To:         []mail.Address{{Address: "bob@example.com"}},
			BodyText:   "body " + id,
			ReceivedAt: received,
			State:      mail.MessageState{RemoteID: id, FolderIDs: folders},
		}
	}
	_, err := e.store.ApplyPlan(ctx, a, reconcile.Plan{
		Folders: reconcile.FolderPlan{Create: []mail.Folder{
			{RemoteID: "INBOX", Name: "INBOX", Type: mail.FolderSystem, Role: mail.RoleInbox},
			{RemoteID: "Label_1", Name: "Work", Type: mail.FolderUser},
		}},
		Upsert: []mail.Message{msg("m1", "INBOX"), msg("m2", "INBOX", "Label_1")},
	})
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/v1/accounts/"+a.ID+"/folders", "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)
	var folders struct {
		Folders []mail.Folder `json:"folders"`
	}
	decode(t, w, &folders)
	assert.Len(t, folders.Folders, 2)

	w = e.do(t, http.MethodGet, "/v1/accounts/"+a.ID+"/messages?folder=Label_1", "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Messages []messageView `json:"messages"`
		Total    int64         `json:"total"`
	}
	decode(t, w, &list)
	require.Len(t, list.Messages, 1)
	assert.Equal(t, int64(1), list.Total)
	assert.Equal(t, "m2", list.Messages[0].RemoteID)
	assert.Equal(t, []string{"INBOX", "Label_1"}, list.Messages[0].FolderIDs)
	assert.Empty(t, list.Messages[0].BodyText)

	w = e.do(t, http.MethodGet, "/v1/accounts/"+a.ID+"/messages?limit=1&offset=1", "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	assert.Len(t, list.Messages, 1)
	assert.Equal(t, int64(2), list.Total)

	w = e.do(t, http.MethodGet, "/v1/accounts/"+a.ID+"/messages?limit=lots", "tenant-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/v1/accounts/"+a.ID+"/messages/m1", "tenant-1")
	require.Equal(t, http.StatusOK, w.Code)
	var one messageView
	decode(t, w, &one)
	assert.Equal(t, "body m1", one.BodyText)
	assert.Equal(t, "Carol", one.From.Name)
	require.Len(t, one.To, 1)
	require.NotNil(t, one.ReceivedAt)
	assert.True(t, received.Equal(*one.ReceivedAt))
	assert.Nil(t, one.SentAt)

	w = e.do(t, http.MethodGet, "/v1/accounts/"+a.ID+"/messages/missing", "tenant-1")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "not found"))
}
