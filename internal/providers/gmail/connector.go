// Package gmail syncs a Gmail mailbox through the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/batch"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/providers/apicall"
)

// Connector implements sync.MailProvider for one Gmail account
type Connector struct {
	api   API
	guard *apicall.Guard
	batch batch.Options
}

// New creates a connector. The guard's limiter paces every call.
func New(api API, guard *apicall.Guard, opts batch.Options) *Connector {
	opts.Limiter = guard.Limiter()
	return &Connector{api: api, guard: guard, batch: opts}
}

// call runs a single paced, breaker-protected request
func (c *Connector) call(ctx context.Context, op string, fn func() error) error {
	if err := c.guard.Wait(ctx); err != nil {
		return err
	}
	return c.guard.Do(op, tripsBreaker, fn)
}

// Profile returns the mailbox address and message count
func (c *Connector) Profile(ctx context.Context) (mail.Profile, error) {
	p, err := c.profile(ctx)
	if err != nil {
		return mail.Profile{}, err
	}
	return mail.Profile{Email: mail.NormalizeAddress(p.EmailAddress), MessagesTotal: p.MessagesTotal}, nil
}

func (c *Connector) profile(ctx context.Context) (*gmail.Profile, error) {
	var p *gmail.Profile
	err := c.call(ctx, "profile", func() error {
		var err error
		p, err = c.api.GetProfile(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gmail profile: %w", err)
	}
	return p, nil
}

// ListFolders lists every label. labels.list omits counters, so each label
// is fetched again through a batch.
func (c *Connector) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	var labels []*gmail.Label
	err := c.call(ctx, "labels.list", func() error {
		var err error
		labels, err = c.api.ListLabels(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gmail labels: %w", err)
	}

	b := batch.New[*gmail.Label](c.batch)
	promises := make([]*batch.Promise[*gmail.Label], 0, len(labels))
	for _, l := range labels {
		if l == nil || l.Id == "" || l.Id == LabelUnread {
			continue
		}
		promises = append(promises, b.Add(l.Id, func(ctx context.Context) (*gmail.Label, error) {
			var full *gmail.Label
			err := c.guard.Do("labels.get", tripsBreaker, func() error {
				var err error
				full, err = c.api.GetLabel(ctx, l.Id)
				return notFound(err)
			})
			return full, err
		}))
	}

	if err := b.Execute(ctx); err != nil {
		if !onlyNotFound(err) {
			return nil, fmt.Errorf("gmail labels: %w", err)
		}
	}

	full := make([]*gmail.Label, 0, len(promises))
	for _, p := range promises {
		l, err := p.Get()
		if err != nil {
			// label deleted between list and get
			continue
		}
		full = append(full, l)
	}
	return ParseLabels(full), nil
}

// ListMessages pages through every message id, spam and trash included.
// The history id is read before listing so changes made while listing are
// replayed by the next incremental sync.
func (c *Connector) ListMessages(ctx context.Context, fn func([]mail.MessageRef) error) (string, error) {
	p, err := c.profile(ctx)
	if err != nil {
		return "", err
	}
	cursor := strconv.FormatUint(p.HistoryId, 10)

	pageToken := ""
	for {
		var resp *gmail.ListMessagesResponse
		err := c.call(ctx, "messages.list", func() error {
			var err error
			resp, err = c.api.ListMessages(ctx, pageToken)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("gmail list messages: %w", err)
		}

		refs := make([]mail.MessageRef, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			if m != nil && m.Id != "" {
				refs = append(refs, mail.MessageRef{RemoteID: m.Id, ThreadID: m.ThreadId})
			}
		}
		if len(refs) > 0 {
			if err := fn(refs); err != nil {
				return "", err
			}
		}

		if resp.NextPageToken == "" {
			return cursor, nil
		}
		pageToken = resp.NextPageToken
	}
}

// FetchMessages fetches full raw messages. Messages Gmail no longer has are
// reported through a *batch.Error wrapping mail.ErrNotFound.
func (c *Connector) FetchMessages(ctx context.Context, ids []string, fn func(mail.Message) error) error {
	b := batch.New[*gmail.Message](c.batch)
	promises := c.queueGets(b, ids, FormatRaw)
	execErr := b.Execute(ctx)
	if execErr != nil {
		if _, ok := batch.AsError(execErr); !ok {
			return execErr
		}
	}

	for _, p := range promises {
		m, err := p.Get()
		if err != nil {
			continue
		}
		parsed, err := ParseMessage(m)
		if err != nil {
			log.Warn().Err(err).Str("message_id", m.Id).Msg("gmail message parsed partially")
		}
		if err := fn(parsed); err != nil {
			return err
		}
	}
	return execErr
}

// FetchStates fetches label ids only
func (c *Connector) FetchStates(ctx context.Context, ids []string, fn func(mail.MessageState) error) error {
	b := batch.New[*gmail.Message](c.batch)
	promises := c.queueGets(b, ids, FormatMinimal)
	execErr := b.Execute(ctx)
	if execErr != nil {
		if _, ok := batch.AsError(execErr); !ok {
			return execErr
		}
	}

	for _, p := range promises {
		m, err := p.Get()
		if err != nil {
			continue
		}
		if err := fn(StateFromLabels(m.Id, m.LabelIds)); err != nil {
			return err
		}
	}
	return execErr
}

func (c *Connector) queueGets(b *batch.Batch[*gmail.Message], ids []string, format string) []*batch.Promise[*gmail.Message] {
	op := "messages.get." + format
	promises := make([]*batch.Promise[*gmail.Message], 0, len(ids))
	for _, id := range ids {
		promises = append(promises, b.Add(id, func(ctx context.Context) (*gmail.Message, error) {
			var m *gmail.Message
			err := c.guard.Do(op, tripsBreaker, func() error {
				var err error
				m, err = c.api.GetMessage(ctx, id, format)
				return notFound(err)
			})
			return m, err
		}))
	}
	return promises
}

// Changes replays history since cursor. Gmail answers 404 once the start
// history id is too old, which surfaces as mail.ErrCursorExpired.
func (c *Connector) Changes(ctx context.Context, cursor string) (*mail.ChangeSet, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil || start == 0 {
		return nil, fmt.Errorf("%w: invalid history id %q", mail.ErrCursorExpired, cursor)
	}

	var (
		records   []*gmail.History
		latest    uint64
		pageToken string
	)
	for {
		var resp *gmail.ListHistoryResponse
		err := c.call(ctx, "history.list", func() error {
			var err error
			resp, err = c.api.ListHistory(ctx, start, pageToken)
			return err
		})
		if err != nil {
			if statusCode(err) == 404 {
				return nil, fmt.Errorf("%w: %v", mail.ErrCursorExpired, err)
			}
			return nil, fmt.Errorf("gmail history: %w", err)
		}

		records = append(records, resp.History...)
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	cs := ParseHistory(records, max(latest, start))
	return &cs, nil
}

// onlyNotFound reports whether every failure in a batch error is a 404
func onlyNotFound(err error) bool {
	be, ok := batch.AsError(err)
	if !ok {
		return false
	}
	for _, f := range be.Failures {
		if !errors.Is(f, mail.ErrNotFound) {
			return false
		}
	}
	return true
}
