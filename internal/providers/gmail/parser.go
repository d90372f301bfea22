package gmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// System label ids
const (
	LabelInbox   = "INBOX"
	LabelSent    = "SENT"
	LabelDraft   = "DRAFT"
	LabelTrash   = "TRASH"
	LabelSpam    = "SPAM"
	LabelStarred = "STARRED"
	LabelUnread  = "UNREAD"
)

var labelRoles = map[string]string{
	LabelInbox:   mail.RoleInbox,
	LabelSent:    mail.RoleSent,
	LabelDraft:   mail.RoleDrafts,
	LabelTrash:   mail.RoleTrash,
	LabelSpam:    mail.RoleSpam,
	LabelStarred: mail.RoleStarred,
}

// maxBodySize caps how much of each text part is kept
const maxBodySize = 1 << 20

// ParseLabels converts labels into folders. UNREAD is a flag, not a folder,
// and nested user labels ("a/b") get their parent's id.
func ParseLabels(labels []*gmail.Label) []mail.Folder {
	byName := make(map[string]string, len(labels))
	for _, l := range labels {
		if l != nil && l.Id != "" {
			byName[l.Name] = l.Id
		}
	}

	out := make([]mail.Folder, 0, len(labels))
	for _, l := range labels {
		if l == nil || l.Id == "" || l.Id == LabelUnread {
			continue
		}
		f := mail.Folder{
			RemoteID:    l.Id,
			Name:        l.Name,
			Type:        mail.FolderUser,
			Role:        labelRoles[l.Id],
			TotalCount:  l.MessagesTotal,
			UnreadCount: l.MessagesUnread,
		}
		if l.Type == "system" {
			f.Type = mail.FolderSystem
		}
		if i := strings.LastIndex(l.Name, "/"); i > 0 {
			f.ParentRemoteID = byName[l.Name[:i]]
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// StateFromLabels derives folder membership and flags from label ids
func StateFromLabels(id string, labelIDs []string) mail.MessageState {
	st := mail.MessageState{RemoteID: id, Read: true}
	for _, l := range labelIDs {
		switch l {
		case LabelUnread:
			st.Read = false
			continue
		case LabelStarred:
			st.Starred = true
		case LabelDraft:
			st.Draft = true
		}
		st.FolderIDs = append(st.FolderIDs, l)
	}
	return st.Normalize()
}

// ParseMessage builds a message from a format=raw response
func ParseMessage(m *gmail.Message) (mail.Message, error) {
	out := mail.Message{
		RemoteID: m.Id,
		ThreadID: m.ThreadId,
		Snippet:  m.Snippet,
		Size:     m.SizeEstimate,
		State:    StateFromLabels(m.Id, m.LabelIds),
	}
	if m.InternalDate > 0 {
		out.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	if m.Raw == "" {
		return out, nil
	}

	raw, err := decodeRaw(m.Raw)
	if err != nil {
		return out, fmt.Errorf("message %s: decode raw: %w", m.Id, err)
	}
	if out.Size == 0 {
		out.Size = int64(len(raw))
	}
	if err := parseRFC822(raw, &out); err != nil {
		return out, fmt.Errorf("message %s: %w", m.Id, err)
	}
	return out, nil
}

func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// parseRFC822 fills envelope and body fields from a raw message. Unknown
// charsets are tolerated; the undecoded text is kept.
func parseRFC822(raw []byte, out *mail.Message) error {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil {
		out.InternetMessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		out.SentAt = date.UTC()
	}
	if from := addressList(h, "From"); len(from) > 0 {
		out.From = from[0]
	}
	out.To = addressList(h, "To")
	out.Cc = addressList(h, "Cc")
	out.Bcc = addressList(h, "Bcc")
	out.ReplyTo = addressList(h, "Reply-To")

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			return fmt.Errorf("read part: %w", err)
		}

		switch ph := p.Header.(type) {
		case *gomail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, _ := io.ReadAll(io.LimitReader(p.Body, maxBodySize))
			switch ct {
			case "text/plain":
				if out.BodyText == "" {
					out.BodyText = string(body)
				}
			case "text/html":
				if out.BodyHTML == "" {
					out.BodyHTML = string(body)
				}
			}
		case *gomail.AttachmentHeader:
			out.HasAttachments = true
		}
	}
	return nil
}

func addressList(h gomail.Header, key string) []mail.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]mail.Address, 0, len(list))
	for _, a := range list {
		if a == nil || a.Address == "" {
			continue
		}
		out = append(out, mail.Address{Name: a.Name, Address: mail.NormalizeAddress(a.Address)})
	}
	return out
}

type historyOp int

const (
	opRelabel historyOp = iota + 1
	opUpsert
	opDelete
)

// ParseHistory replays history records in order into a change set. The last
// operation per message wins, a deletion overrides earlier adds and label
// changes on a deleted message are dropped. The cursor is the highest
// history id seen, or responseHistoryID when that is higher.
func ParseHistory(records []*gmail.History, responseHistoryID uint64) mail.ChangeSet {
	ops := make(map[string]historyOp)
	maxID := responseHistoryID

	relabel := func(m *gmail.Message) {
		if m == nil || m.Id == "" {
			return
		}
		switch ops[m.Id] {
		case opDelete, opUpsert:
			return
		}
		ops[m.Id] = opRelabel
	}

	for _, h := range records {
		if h == nil {
			continue
		}
		if h.Id > maxID {
			maxID = h.Id
		}
		for _, a := range h.MessagesAdded {
			if a != nil && a.Message != nil && a.Message.Id != "" {
				ops[a.Message.Id] = opUpsert
			}
		}
		for _, d := range h.MessagesDeleted {
			if d != nil && d.Message != nil && d.Message.Id != "" {
				ops[d.Message.Id] = opDelete
			}
		}
		for _, l := range h.LabelsAdded {
			if l != nil {
				relabel(l.Message)
			}
		}
		for _, l := range h.LabelsRemoved {
			if l != nil {
				relabel(l.Message)
			}
		}
	}

	var cs mail.ChangeSet
	for id, op := range ops {
		switch op {
		case opUpsert:
			cs.Upserted = append(cs.Upserted, id)
		case opRelabel:
			cs.Relabeled = append(cs.Relabeled, id)
		case opDelete:
			cs.Deleted = append(cs.Deleted, id)
		}
	}
	sort.Strings(cs.Upserted)
	sort.Strings(cs.Relabeled)
	sort.Strings(cs.Deleted)
	if maxID > 0 {
		cs.Cursor = fmt.Sprintf("%d", maxID)
	}
	return cs
}
