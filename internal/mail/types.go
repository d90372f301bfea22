// Package mail holds the provider-neutral mailbox model shared by the
// connectors, the reconciler and the store.
package mail

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ProviderName identifies an upstream mail provider
type ProviderName string

const (
	ProviderGmail   ProviderName = "gmail"
	ProviderOutlook ProviderName = "outlook"
)

// Account is a connected mailbox owned by a tenant
type Account struct {
	ID                string
	TenantID          string
	Provider          ProviderName
	Email             string
	DisplayName       string
	Status            Status
	Cursor            string // Gmail: history id; Outlook: JSON map of folder id -> delta link
	LastError         string
	RetryCount        int
	LastSyncedAt      *time.Time
	ResyncRequestedAt *time.Time // pending full resync, cleared by the full sync that honours it
	Token             *oauth2.Token
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Profile is the provider's view of the authenticated mailbox
type Profile struct {
	Email         string
	DisplayName   string
	MessagesTotal int64
}

// FolderType distinguishes provider-managed folders from user-created ones
type FolderType string

const (
	FolderSystem FolderType = "system"
	FolderUser   FolderType = "user"
)

// Well-known folder roles
const (
	RoleInbox   = "inbox"
	RoleSent    = "sent"
	RoleDrafts  = "drafts"
	RoleTrash   = "trash"
	RoleSpam    = "spam"
	RoleArchive = "archive"
	RoleStarred = "starred"
)

// Folder is a Gmail label or an Outlook mail folder
type Folder struct {
	RemoteID       string     `json:"remote_id"`
	Name           string     `json:"name"`
	ParentRemoteID string     `json:"parent_remote_id,omitempty"`
	Type           FolderType `json:"type"`
	Role           string     `json:"role,omitempty"`
	TotalCount     int64      `json:"total_count"`
	UnreadCount    int64      `json:"unread_count"`
}

// SameAs reports whether two folders carry identical synced attributes
func (f Folder) SameAs(o Folder) bool {
	return f.RemoteID == o.RemoteID &&
		f.Name == o.Name &&
		f.ParentRemoteID == o.ParentRemoteID &&
		f.Type == o.Type &&
		f.Role == o.Role &&
		f.TotalCount == o.TotalCount &&
		f.UnreadCount == o.UnreadCount
}

// Address is a parsed mailbox address
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// RecipientKind is the header an address came from
type RecipientKind string

const (
	RecipientFrom    RecipientKind = "from"
	RecipientTo      RecipientKind = "to"
	RecipientCc      RecipientKind = "cc"
	RecipientBcc     RecipientKind = "bcc"
	RecipientReplyTo RecipientKind = "reply_to"
)

// MessageState is the mutable part of a message: folder membership and flags
type MessageState struct {
	RemoteID  string
	FolderIDs []string // remote folder ids
	Read      bool
	Starred   bool
	Draft     bool
}

// Normalize returns a copy with folder ids sorted and de-duplicated
func (s MessageState) Normalize() MessageState {
	if len(s.FolderIDs) == 0 {
		s.FolderIDs = nil
		return s
	}
	ids := make([]string, 0, len(s.FolderIDs))
	seen := make(map[string]struct{}, len(s.FolderIDs))
	for _, id := range s.FolderIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.FolderIDs = ids
	return s
}

// Equal compares two states after normalization
func (s MessageState) Equal(o MessageState) bool {
	a, b := s.Normalize(), o.Normalize()
	if a.RemoteID != b.RemoteID || a.Read != b.Read || a.Starred != b.Starred || a.Draft != b.Draft {
		return false
	}
	if len(a.FolderIDs) != len(b.FolderIDs) {
		return false
	}
	for i := range a.FolderIDs {
		if a.FolderIDs[i] != b.FolderIDs[i] {
			return false
		}
	}
	return true
}

// Message is a fully fetched email
type Message struct {
	RemoteID          string
	ThreadID          string
	InternetMessageID string
	InReplyTo         string
	Subject           string
	Snippet           string
	From              Address
	To                []Address
	Cc                []Address
	Bcc               []Address
	ReplyTo           []Address
	BodyText          string
	BodyHTML          string
	HasAttachments    bool
	SentAt            time.Time
	ReceivedAt        time.Time
	Size              int64
	State             MessageState
}

// Recipients flattens every address on the message with its kind
func (m Message) Recipients() []Recipient {
	var out []Recipient
	if m.From.Address != "" {
		out = append(out, Recipient{Kind: RecipientFrom, Address: m.From})
	}
	add := func(kind RecipientKind, addrs []Address) {
		for _, a := range addrs {
			if a.Address == "" {
				continue
			}
			out = append(out, Recipient{Kind: kind, Address: a})
		}
	}
	add(RecipientTo, m.To)
	add(RecipientCc, m.Cc)
	add(RecipientBcc, m.Bcc)
	add(RecipientReplyTo, m.ReplyTo)
	return out
}

// Recipient pairs an address with the header it came from
type Recipient struct {
	Kind    RecipientKind
	Address Address
}

// MessageRef is a message id as returned by list endpoints
type MessageRef struct {
	RemoteID string
	ThreadID string
}

// ChangeSet is the normalized result of replaying a history or delta cursor
type ChangeSet struct {
	Upserted  []string // new messages or messages whose content must be refetched
	Relabeled []string // messages whose folders or flags changed
	Deleted   []string
	Cursor    string
}

// Empty reports whether the change set carries no message changes
func (c ChangeSet) Empty() bool {
	return len(c.Upserted) == 0 && len(c.Relabeled) == 0 && len(c.Deleted) == 0
}

// NormalizeAddress lower-cases and trims an email address
func NormalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}
