package outlook

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/microsoft/kiota-abstractions-go/serialization"
	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// Well-known folder names resolved to ids when folders are listed
var wellKnownRoles = map[string]string{
	"inbox":        mail.RoleInbox,
	"sentitems":    mail.RoleSent,
	"drafts":       mail.RoleDrafts,
	"deleteditems": mail.RoleTrash,
	"junkemail":    mail.RoleSpam,
	"archive":      mail.RoleArchive,
}

const removedAnnotation = "@removed"

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func boolean(p *bool) bool {
	return p != nil && *p
}

func count(p *int32) int64 {
	if p == nil {
		return 0
	}
	return int64(*p)
}

// ParseFolder converts a mail folder. roles maps folder ids to well-known
// roles; folders with a role are system folders.
func ParseFolder(f models.MailFolderable, roles map[string]string) mail.Folder {
	id := str(f.GetId())
	out := mail.Folder{
		RemoteID:       id,
		Name:           str(f.GetDisplayName()),
		ParentRemoteID: str(f.GetParentFolderId()),
		Type:           mail.FolderUser,
		TotalCount:     count(f.GetTotalItemCount()),
		UnreadCount:    count(f.GetUnreadItemCount()),
	}
	if role, ok := roles[id]; ok {
		out.Role = role
		out.Type = mail.FolderSystem
	}
	return out
}

// ParseFolders converts folders, dropping parents that are not part of the
// listing (the hidden mailbox root) so top-level folders have no parent.
func ParseFolders(folders []models.MailFolderable, roles map[string]string) []mail.Folder {
	known := make(map[string]struct{}, len(folders))
	for _, f := range folders {
		if f != nil && f.GetId() != nil {
			known[*f.GetId()] = struct{}{}
		}
	}

	out := make([]mail.Folder, 0, len(folders))
	for _, f := range folders {
		if f == nil || str(f.GetId()) == "" {
			continue
		}
		parsed := ParseFolder(f, roles)
		if _, ok := known[parsed.ParentRemoteID]; !ok {
			parsed.ParentRemoteID = ""
		}
		out = append(out, parsed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// StateFromMessage reads folder membership and flags. An Outlook message
// lives in exactly one folder.
func StateFromMessage(m models.Messageable) mail.MessageState {
	st := mail.MessageState{
		RemoteID: str(m.GetId()),
		Read:     boolean(m.GetIsRead()),
		Draft:    boolean(m.GetIsDraft()),
	}
	if parent := str(m.GetParentFolderId()); parent != "" {
		st.FolderIDs = []string{parent}
	}
	if flag := m.GetFlag(); flag != nil && flag.GetFlagStatus() != nil {
		st.Starred = *flag.GetFlagStatus() == models.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	return st.Normalize()
}

// ParseMessage converts a fully selected message
func ParseMessage(m models.Messageable) mail.Message {
	out := mail.Message{
		RemoteID:          str(m.GetId()),
		ThreadID:          str(m.GetConversationId()),
		InternetMessageID: strings.Trim(str(m.GetInternetMessageId()), "<>"),
		Subject:           str(m.GetSubject()),
		Snippet:           str(m.GetBodyPreview()),
		To:                addresses(m.GetToRecipients()),
		Cc:                addresses(m.GetCcRecipients()),
		Bcc:               addresses(m.GetBccRecipients()),
		ReplyTo:           addresses(m.GetReplyTo()),
		HasAttachments:    boolean(m.GetHasAttachments()),
		State:             StateFromMessage(m),
	}
	if from := addresses([]models.Recipientable{m.GetFrom()}); len(from) > 0 {
		out.From = from[0]
	}
	if t := m.GetSentDateTime(); t != nil {
		out.SentAt = t.UTC()
	}
	if t := m.GetReceivedDateTime(); t != nil {
		out.ReceivedAt = t.UTC()
	}
	if body := m.GetBody(); body != nil {
		content := str(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			out.BodyHTML = content
		} else {
			out.BodyText = content
		}
	}
	for _, h := range m.GetInternetMessageHeaders() {
		if h != nil && strings.EqualFold(str(h.GetName()), "In-Reply-To") {
			out.InReplyTo = strings.Trim(strings.TrimSpace(str(h.GetValue())), "<>")
		}
	}
	out.Size = int64(len(out.BodyText) + len(out.BodyHTML))
	return out
}

func addresses(recipients []models.Recipientable) []mail.Address {
	var out []mail.Address
	for _, r := range recipients {
		if r == nil || r.GetEmailAddress() == nil {
			continue
		}
		addr := mail.NormalizeAddress(str(r.GetEmailAddress().GetAddress()))
		if addr == "" {
			continue
		}
		out = append(out, mail.Address{Name: str(r.GetEmailAddress().GetName()), Address: addr})
	}
	return out
}

// Removal is the reason Graph gives in a delta item's @removed annotation
type Removal string

const (
	// RemovalDeleted means the message was deleted
	RemovalDeleted Removal = "deleted"
	// RemovalChanged means the message left the folder, usually by a move
	RemovalChanged Removal = "changed"
)

// Removed reads a delta item's @removed annotation
func Removed(m models.Messageable) (Removal, bool) {
	data := m.GetAdditionalData()
	if data == nil {
		return "", false
	}
	v, ok := data[removedAnnotation]
	if !ok {
		return "", false
	}
	switch obj := v.(type) {
	case map[string]any:
		if reason, ok := obj["reason"].(string); ok && reason != "" {
			return Removal(reason), true
		}
	case *serialization.UntypedObject:
		if reason, ok := obj.GetValue()["reason"].(*serialization.UntypedString); ok && reason.GetValue() != nil {
			return Removal(*reason.GetValue()), true
		}
	}
	// an unreadable reason is treated as a move
	return RemovalChanged, true
}

// DeltaItems accumulates delta items from every folder of one round
type DeltaItems struct {
	present map[string]bool // id -> draft
	removed map[string]Removal
}

// NewDeltaItems returns an empty accumulator
func NewDeltaItems() *DeltaItems {
	return &DeltaItems{present: make(map[string]bool), removed: make(map[string]Removal)}
}

// Add records one delta item
func (d *DeltaItems) Add(m models.Messageable) {
	id := str(m.GetId())
	if id == "" {
		return
	}
	if reason, ok := Removed(m); ok {
		if d.removed[id] != RemovalDeleted {
			d.removed[id] = reason
		}
		return
	}
	d.present[id] = boolean(m.GetIsDraft())
}

// ChangeSet folds the items into a change set. A message removed from one
// folder but present in another was moved and only needs its state
// refreshed. Drafts are refetched because their content can change. Other
// present items are state changes; ResolveChanges promotes unknown ids to
// fetches.
func (d *DeltaItems) ChangeSet(cursor string) mail.ChangeSet {
	cs := mail.ChangeSet{Cursor: cursor}
	for id, draft := range d.present {
		if draft {
			cs.Upserted = append(cs.Upserted, id)
		} else {
			cs.Relabeled = append(cs.Relabeled, id)
		}
	}
	for id, reason := range d.removed {
		if _, ok := d.present[id]; ok {
			continue
		}
		if reason == RemovalDeleted {
			cs.Deleted = append(cs.Deleted, id)
		} else {
			cs.Relabeled = append(cs.Relabeled, id)
		}
	}
	sort.Strings(cs.Upserted)
	sort.Strings(cs.Relabeled)
	sort.Strings(cs.Deleted)
	return cs
}

// Cursor holds the delta link of every synced folder
type Cursor map[string]string

// Encode serialises the cursor for the account row
func (c Cursor) Encode() (string, error) {
	b, err := json.Marshal(map[string]string(c))
	if err != nil {
		return "", fmt.Errorf("encode outlook cursor: %w", err)
	}
	return string(b), nil
}

// DecodeCursor parses a stored cursor. A cursor that does not parse is
// reported as expired so the account is fully resynced.
func DecodeCursor(s string) (Cursor, error) {
	var c Cursor
	if err := json.Unmarshal([]byte(s), &c); err != nil || len(c) == 0 {
		return nil, fmt.Errorf("%w: unreadable outlook cursor", mail.ErrCursorExpired)
	}
	return c, nil
}
