// Package outlook syncs an Outlook / Office 365 mailbox through Microsoft
// Graph. Incremental sync follows one message delta link per folder.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/batch"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/providers/apicall"
)

// Connector implements sync.MailProvider for one Outlook account
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

func (c *Connector) call(ctx context.Context, op string, fn func() error) error {
	if err := c.guard.Wait(ctx); err != nil {
		return err
	}
	return c.guard.Do(op, tripsBreaker, fn)
}

// Profile returns the signed-in mailbox
func (c *Connector) Profile(ctx context.Context) (mail.Profile, error) {
	var u models.Userable
	err := c.call(ctx, "me", func() error {
		var err error
		u, err = c.api.Me(ctx)
		return err
	})
	if err != nil {
		return mail.Profile{}, fmt.Errorf("outlook profile: %w", err)
	}

	email := str(u.GetMail())
	if email == "" {
		email = str(u.GetUserPrincipalName())
	}
	return mail.Profile{Email: mail.NormalizeAddress(email), DisplayName: str(u.GetDisplayName())}, nil
}

// ListFolders lists every folder including nested child folders
func (c *Connector) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	folders, err := c.allFolders(ctx)
	if err != nil {
		return nil, err
	}
	roles, err := c.roles(ctx)
	if err != nil {
		return nil, err
	}
	return ParseFolders(folders, roles), nil
}

// allFolders walks the folder tree breadth first
func (c *Connector) allFolders(ctx context.Context) ([]models.MailFolderable, error) {
	var out []models.MailFolderable
	parents := []string{""}
	for len(parents) > 0 {
		parent := parents[0]
		parents = parents[1:]

		var folders []models.MailFolderable
		err := c.call(ctx, "folders.list", func() error {
			var err error
			folders, err = c.api.ListFolders(ctx, parent)
			return notFound(err)
		})
		if err != nil {
			if parent != "" && errors.Is(err, mail.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("outlook folders: %w", err)
		}

		for _, f := range folders {
			if f == nil || str(f.GetId()) == "" {
				continue
			}
			out = append(out, f)
			if count(f.GetChildFolderCount()) > 0 {
				parents = append(parents, *f.GetId())
			}
		}
	}
	return out, nil
}

// roles resolves well-known folder names to folder ids
func (c *Connector) roles(ctx context.Context) (map[string]string, error) {
	names := make([]string, 0, len(wellKnownRoles))
	for name := range wellKnownRoles {
		names = append(names, name)
	}
	sort.Strings(names)

	b := batch.New[models.MailFolderable](c.batch)
	promises := make([]*batch.Promise[models.MailFolderable], 0, len(names))
	for _, name := range names {
		promises = append(promises, b.Add(name, func(ctx context.Context) (models.MailFolderable, error) {
			var f models.MailFolderable
			err := c.guard.Do("folders.get", tripsBreaker, func() error {
				var err error
				f, err = c.api.GetFolder(ctx, name)
				return notFound(err)
			})
			return f, err
		}))
	}
	if err := b.Execute(ctx); err != nil && !onlyNotFound(err) {
		return nil, fmt.Errorf("outlook well-known folders: %w", err)
	}

	roles := make(map[string]string, len(names))
	for _, p := range promises {
		f, err := p.Get()
		if err != nil || f == nil || str(f.GetId()) == "" {
			// mailboxes without an archive folder answer 404
			continue
		}
		roles[*f.GetId()] = wellKnownRoles[p.Key()]
	}
	return roles, nil
}

// ListMessages runs an initial delta round on every folder. The returned
// cursor is the JSON encoded delta link of each folder.
func (c *Connector) ListMessages(ctx context.Context, fn func([]mail.MessageRef) error) (string, error) {
	folders, err := c.allFolders(ctx)
	if err != nil {
		return "", err
	}

	cursor := make(Cursor, len(folders))
	for _, f := range folders {
		id := *f.GetId()
		link, err := c.deltaRound(ctx, id, "", func(page []models.Messageable) error {
			refs := make([]mail.MessageRef, 0, len(page))
			for _, m := range page {
				if _, removed := Removed(m); removed || str(m.GetId()) == "" {
					continue
				}
				refs = append(refs, mail.MessageRef{RemoteID: *m.GetId(), ThreadID: str(m.GetConversationId())})
			}
			if len(refs) == 0 {
				return nil
			}
			return fn(refs)
		})
		if errors.Is(err, mail.ErrNotFound) {
			log.Debug().Str("folder_id", id).Msg("outlook folder vanished while listing")
			continue
		}
		if err != nil {
			return "", err
		}
		cursor[id] = link
	}
	return cursor.Encode()
}

// deltaRound follows a folder's delta pages until Graph hands out the next
// delta link. An empty link starts a new round.
func (c *Connector) deltaRound(ctx context.Context, folderID, link string, fn func([]models.Messageable) error) (string, error) {
	for {
		var page *DeltaPage
		err := c.call(ctx, "messages.delta", func() error {
			var err error
			page, err = c.api.Delta(ctx, folderID, link)
			if err != nil && cursorExpired(err) {
				return fmt.Errorf("%w: %v", mail.ErrCursorExpired, err)
			}
			return notFound(err)
		})
		if err != nil {
			if errors.Is(err, mail.ErrCursorExpired) || errors.Is(err, mail.ErrNotFound) {
				return "", err
			}
			return "", fmt.Errorf("outlook delta %s: %w", folderID, err)
		}

		if err := fn(page.Messages); err != nil {
			return "", err
		}
		switch {
		case page.NextLink != "":
			link = page.NextLink
		case page.DeltaLink != "":
			return page.DeltaLink, nil
		default:
			return "", fmt.Errorf("outlook delta %s: response carried no next or delta link", folderID)
		}
	}
}

// FetchMessages fetches full messages. Messages Graph no longer has are
// reported through a *batch.Error wrapping mail.ErrNotFound.
func (c *Connector) FetchMessages(ctx context.Context, ids []string, fn func(mail.Message) error) error {
	b := batch.New[models.Messageable](c.batch)
	promises := c.queueGets(b, ids, true)
	execErr := b.Execute(ctx)
	if execErr != nil {
		if _, ok := batch.AsError(execErr); !ok {
			return execErr
		}
	}

	for _, p := range promises {
		m, err := p.Get()
		if err != nil || m == nil {
			continue
		}
		if err := fn(ParseMessage(m)); err != nil {
			return err
		}
	}
	return execErr
}

// FetchStates fetches folder and flag fields only
func (c *Connector) FetchStates(ctx context.Context, ids []string, fn func(mail.MessageState) error) error {
	b := batch.New[models.Messageable](c.batch)
	promises := c.queueGets(b, ids, false)
	execErr := b.Execute(ctx)
	if execErr != nil {
		if _, ok := batch.AsError(execErr); !ok {
			return execErr
		}
	}

	for _, p := range promises {
		m, err := p.Get()
		if err != nil || m == nil {
			continue
		}
		if err := fn(StateFromMessage(m)); err != nil {
			return err
		}
	}
	return execErr
}

func (c *Connector) queueGets(b *batch.Batch[models.Messageable], ids []string, full bool) []*batch.Promise[models.Messageable] {
	op := "messages.get.state"
	if full {
		op = "messages.get.full"
	}
	promises := make([]*batch.Promise[models.Messageable], 0, len(ids))
	for _, id := range ids {
		promises = append(promises, b.Add(id, func(ctx context.Context) (models.Messageable, error) {
			var m models.Messageable
			err := c.guard.Do(op, tripsBreaker, func() error {
				var err error
				m, err = c.api.GetMessage(ctx, id, full)
				return notFound(err)
			})
			return m, err
		}))
	}
	return promises
}

// Changes follows the delta link of every folder in the cursor. Folders
// created since the last round start a fresh delta, folders that no longer
// exist are dropped from the cursor.
func (c *Connector) Changes(ctx context.Context, cursor string) (*mail.ChangeSet, error) {
	links, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	folders, err := c.allFolders(ctx)
	if err != nil {
		return nil, err
	}

	items := NewDeltaItems()
	next := make(Cursor, len(folders))
	for _, f := range folders {
		id := *f.GetId()
		link, err := c.deltaRound(ctx, id, links[id], func(page []models.Messageable) error {
			for _, m := range page {
				if m != nil {
					items.Add(m)
				}
			}
			return nil
		})
		if errors.Is(err, mail.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		next[id] = link
	}

	encoded, err := next.Encode()
	if err != nil {
		return nil, err
	}
	cs := items.ChangeSet(encoded)
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
