package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// accountView is the public shape of an account. Tokens and cursors stay
// server side.
type accountView struct {
	ID                string     `json:"id"`
	Provider          string     `json:"provider"`
	Email             string     `json:"email"`
	DisplayName       string     `json:"display_name"`
	Status            string     `json:"status"`
	LastError         string     `json:"last_error,omitempty"`
	RetryCount        int        `json:"retry_count"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	ResyncRequestedAt *time.Time `json:"resync_requested_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newAccountView(a *mail.Account) accountView {
	return accountView{
		ID:                a.ID,
		Provider:          string(a.Provider),
		Email:             a.Email,
		DisplayName:       a.DisplayName,
		Status:            string(a.Status),
		LastError:         a.LastError,
		RetryCount:        a.RetryCount,
		LastSyncedAt:      a.LastSyncedAt,
		ResyncRequestedAt: a.ResyncRequestedAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

// tenantAccount loads the :id account of the caller's tenant
func (s *Server) tenantAccount(c *gin.Context) (*mail.Account, bool) {
	acct, err := s.store.GetTenantAccount(c.Request.Context(), principalFrom(c).TenantID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return acct, true
}

func (s *Server) listAccounts(c *gin.Context) {
	accts, err := s.store.ListAccounts(c.Request.Context(), principalFrom(c).TenantID)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]accountView, 0, len(accts))
	for i := range accts {
		out = append(out, newAccountView(&accts[i]))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *Server) getAccount(c *gin.Context) {
	acct, ok := s.tenantAccount(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newAccountView(acct))
}

// syncAccount queues a sync. full=true records a resync request so the
// worker rebuilds the mailbox from scratch even if a sync is already running.
func (s *Server) syncAccount(c *gin.Context) {
	acct, ok := s.tenantAccount(c)
	if !ok {
		return
	}
	if acct.Status == mail.StatusDisabled {
		c.JSON(http.StatusConflict, gin.H{"error": "account is disabled"})
		return
	}

	ctx := c.Request.Context()
	full, _ := strconv.ParseBool(c.Query("full"))
	if full {
		var err error
		if acct, err = s.store.RequestResync(ctx, acct.ID); err != nil {
			respondError(c, err)
			return
		}
	}

	kind := mailsync.TaskKindFor(acct)
	if err := s.syncer.Enqueue(ctx, acct, kind); err != nil {
		respondError(c, err)
		return
	}
	log.Info().Str("account_id", acct.ID).Str("tenant_id", acct.TenantID).Str("task", string(kind)).Msg("sync requested")
	c.JSON(http.StatusAccepted, gin.H{"account_id": acct.ID, "kind": kind})
}

func (s *Server) disableAccount(c *gin.Context) {
	acct, ok := s.tenantAccount(c)
	if !ok {
		return
	}
	if _, err := s.store.SetStatus(c.Request.Context(), acct.ID, mail.StatusDisabled, ""); err != nil {
		respondError(c, err)
		return
	}
	s.syncer.Disconnect(acct.ID)
	log.Info().Str("account_id", acct.ID).Str("tenant_id", acct.TenantID).Msg("account disabled")
	s.respondAccount(c, acct.TenantID, acct.ID, http.StatusOK)
}

func (s *Server) enableAccount(c *gin.Context) {
	acct, ok := s.tenantAccount(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.SetStatus(ctx, acct.ID, mail.StatusNew, ""); err != nil {
		respondError(c, err)
		return
	}
	acct.Status = mail.StatusNew
	if err := s.syncer.Enqueue(ctx, acct, queue.KindFullSync); err != nil {
		respondError(c, err)
		return
	}
	s.respondAccount(c, acct.TenantID, acct.ID, http.StatusOK)
}

func (s *Server) respondAccount(c *gin.Context, tenantID, id string, status int) {
	acct, err := s.store.GetTenantAccount(c.Request.Context(), tenantID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, newAccountView(acct))
}

func (s *Server) listFolders(c *gin.Context) {
	acct, ok := s.tenantAccount(c)
	if !ok {
		return
	}
	folders, err := s.store.ListFolders(c.Request.Context(), acct.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if folders == nil {
		folders = []mail.Folder{}
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

// messageView is a stored message as returned by the API
type messageView struct {
	ID                string         `json:"id"`
	RemoteID          string         `json:"remote_id"`
	ThreadID          string         `json:"thread_id,omitempty"`
	InternetMessageID string         `json:"internet_message_id,omitempty"`
	InReplyTo         string         `json:"in_reply_to,omitempty"`
	Subject           string         `json:"subject"`
	Snippet           string         `json:"snippet"`
	From              mail.Address   `json:"from"`
	To                []mail.Address `json:"to,omitempty"`
	Cc                []mail.Address `json:"cc,omitempty"`
	Bcc               []mail.Address `json:"bcc,omitempty"`
	ReplyTo           []mail.Address `json:"reply_to,omitempty"`
	BodyText          string         `json:"body_text,omitempty"`
	BodyHTML          string         `json:"body_html,omitempty"`
	HasAttachments    bool           `json:"has_attachments"`
	Size              int64          `json:"size"`
	FolderIDs         []string       `json:"folder_ids"`
	Read              bool           `json:"read"`
	Starred           bool           `json:"starred"`
	Draft             bool           `json:"draft"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	ReceivedAt        *time.Time     `json:"received_at,omitempty"`
	Version           int64          `json:"version"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func newMessageView(m *store.MessageRecord) messageView {
	folders := m.State.FolderIDs
	if folders == nil {
		folders = []string{}
	}
	return messageView{
		ID:                m.ID,
		RemoteID:          m.RemoteID,
		ThreadID:          m.ThreadID,
		InternetMessageID: m.InternetMessageID,
		InReplyTo:         m.InReplyTo,
		Subject:           m.Subject,
		Snippet:           m.Snippet,
		From:              m.From,
		To:                m.To,
		Cc:                m.Cc,
		Bcc:               m.Bcc,
		ReplyTo:           m.ReplyTo,
		BodyText:          m.BodyText,
		BodyHTML:          m.BodyHTML,
		HasAttachments:    m.HasAttachments,
		Size:              m.Size,
		FolderIDs:         folders,
		Read:              m.State.Read,
		Starred:           m.State.Starred,
		Draft:             m.State.Draft,
		SentAt:            optionalTime(m.SentAt),
		ReceivedAt:        optionalTime(m.ReceivedAt),
		Version:           m.Version,
		UpdatedAt:         m.UpdatedAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) listMessages(c *gin.Context) {
	acct, ok := s.tenantAccount(c)
	if !ok {
		return
	}

	filter := store.MessageFilter{FolderID: c.Query("folder")}
	var err error
	if v := c.Query("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
			return
		}
	}
	if v := c.Query("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a number"})
			return
		}
	}

	ctx := c.Request.Context()
	msgs, err := s.store.ListMessages(ctx, acct.ID, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	total, err := s.store.CountMessages(ctx, acct.ID, filter.FolderID)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]messageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, newMessageView(&msgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out, "total": total})
}

func (s *Server) getMessage(c *gin.Context) {
	acct, ok := s.tenantAccount(c)
	if !ok {
		return
	}
	msg, err := s.store.GetMessage(c.Request.Context(), acct.ID, c.Param("messageID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newMessageView(msg))
}
