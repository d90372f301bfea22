package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/batch"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/reconcile"
)

// Result describes one finished sync run
type Result struct {
	Kind     queue.TaskKind
	Stats    reconcile.Stats
	Cursor   string
	Duration time.Duration
}

// Runner executes a single sync of one account
type Runner struct {
	store     Store
	batchSize int
}

// NewRunner creates a runner that fetches and writes in pages of batchSize
func NewRunner(store Store, batchSize int) *Runner {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Runner{store: store, batchSize: batchSize}
}

// Run syncs acct. A full sync runs when kind asks for one, when the account
// has no usable cursor or when a resync was requested. The account ends IDLE
// on success, RESYNC when the cursor expired (the returned error wraps
// mail.ErrCursorExpired) and ERROR otherwise.
func (r *Runner) Run(ctx context.Context, acct *mail.Account, p MailProvider, kind queue.TaskKind) (*Result, error) {
	if TaskKindFor(acct) == queue.KindFullSync {
		kind = queue.KindFullSync
	}
	logger := log.With().
		Str("account_id", acct.ID).
		Str("tenant_id", acct.TenantID).
		Str("provider", string(acct.Provider)).
		Str("task", string(kind)).
		Logger()

	if err := r.begin(ctx, acct); err != nil {
		return nil, err
	}

	start := time.Now()
	res := &Result{Kind: kind}
	var err error
	if kind == queue.KindFullSync {
		err = r.fullSync(ctx, acct, p, res)
	} else {
		err = r.incrementalSync(ctx, acct, p, res)
	}
	res.Duration = time.Since(start)

	provider := string(acct.Provider)
	metrics.SyncDuration.WithLabelValues(provider, string(kind)).Observe(res.Duration.Seconds())
	recordStats(provider, res.Stats)

	// status writes must land even when the run was cancelled
	statusCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if _, serr := r.store.SetStatus(statusCtx, acct.ID, mail.StatusIdle, ""); serr != nil {
			return res, fmt.Errorf("failed to mark account idle: %w", serr)
		}
		metrics.SyncRuns.WithLabelValues(provider, string(kind), "ok").Inc()
		logger.Info().
			Dur("duration", res.Duration).
			Int("created", res.Stats.MessagesCreated).
			Int("updated", res.Stats.MessagesUpdated).
			Int("deleted", res.Stats.MessagesDeleted).
			Msg("sync complete")
		return res, nil

	case errors.Is(err, mail.ErrCursorExpired):
		if _, serr := r.store.SetStatus(statusCtx, acct.ID, mail.StatusResync, err.Error()); serr != nil {
			logger.Error().Err(serr).Msg("failed to mark account for resync")
		}
		metrics.SyncRuns.WithLabelValues(provider, string(kind), "resync").Inc()
		logger.Warn().Err(err).Msg("sync cursor expired, full sync required")
		return res, err

	default:
		if _, serr := r.store.SetStatus(statusCtx, acct.ID, mail.StatusError, err.Error()); serr != nil {
			logger.Error().Err(serr).Msg("failed to record sync error")
		}
		metrics.SyncRuns.WithLabelValues(provider, string(kind), "error").Inc()
		logger.Error().Err(err).Dur("duration", res.Duration).Msg("sync failed")
		return res, err
	}
}

// begin moves the account to SYNCING. An account still SYNCING belongs to a
// run that died without releasing it; the caller holds the account lock, so
// this run takes it over without counting a retry.
func (r *Runner) begin(ctx context.Context, acct *mail.Account) error {
	if acct.Status == mail.StatusSyncing {
		log.Warn().Str("account_id", acct.ID).Msg("taking over interrupted sync")
		return r.store.RestartSync(ctx, acct.ID, "previous sync was interrupted")
	}
	if _, err := r.store.SetStatus(ctx, acct.ID, mail.StatusSyncing, ""); err != nil {
		return err
	}
	acct.Status = mail.StatusSyncing
	return nil
}

func (r *Runner) syncFolders(ctx context.Context, acct *mail.Account, p MailProvider, res *Result) error {
	remote, err := p.ListFolders(ctx)
	if err != nil {
		return err
	}
	local, err := r.store.ListFolders(ctx, acct.ID)
	if err != nil {
		return err
	}
	stats, err := r.store.ApplyPlan(ctx, acct, reconcile.Plan{Folders: reconcile.DiffFolders(remote, local)})
	if err != nil {
		return err
	}
	res.Stats.Add(stats)
	return nil
}

// fullSync enumerates the whole mailbox. New messages are fetched in full,
// known ones only get their state refreshed and locals the provider no
// longer lists are deleted once listing finished.
func (r *Runner) fullSync(ctx context.Context, acct *mail.Account, p MailProvider, res *Result) error {
	profile, err := p.Profile(ctx)
	if err != nil {
		return err
	}
	if profile.Email != "" && profile.Email != acct.Email {
		log.Warn().Str("account_id", acct.ID).Str("profile_email", profile.Email).Msg("provider profile does not match account email")
	}

	if err := r.syncFolders(ctx, acct, p, res); err != nil {
		return err
	}

	localIDs, err := r.store.MessageIDs(ctx, acct.ID)
	if err != nil {
		return err
	}
	local := make(map[string]struct{}, len(localIDs))
	for _, id := range localIDs {
		local[id] = struct{}{}
	}

	seen := make(map[string]struct{})
	cursor, err := p.ListMessages(ctx, func(refs []mail.MessageRef) error {
		ids := make([]string, 0, len(refs))
		for _, ref := range refs {
			if _, dup := seen[ref.RemoteID]; dup {
				continue
			}
			seen[ref.RemoteID] = struct{}{}
			ids = append(ids, ref.RemoteID)
		}

		for start := 0; start < len(ids); start += r.batchSize {
			page := ids[start:min(start+r.batchSize, len(ids))]
			var known []string
			for _, id := range page {
				if _, ok := local[id]; ok {
					known = append(known, id)
				}
			}
			diff := reconcile.DiffMessageIDs(page, known)
			if err := r.applyPage(ctx, acct, p, diff.Create, diff.Keep, nil, res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var gone []string
	for _, id := range localIDs {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	for start := 0; start < len(gone); start += r.batchSize {
		stats, err := r.store.ApplyPlan(ctx, acct, reconcile.Plan{Delete: gone[start:min(start+r.batchSize, len(gone))]})
		if err != nil {
			return err
		}
		res.Stats.Add(stats)
	}

	res.Cursor = cursor
	if err := r.store.SaveCursor(ctx, acct.ID, cursor); err != nil {
		return err
	}
	if acct.ResyncRequestedAt != nil {
		return r.store.ClearResync(ctx, acct.ID, *acct.ResyncRequestedAt)
	}
	return nil
}

// incrementalSync replays the stored cursor
func (r *Runner) incrementalSync(ctx context.Context, acct *mail.Account, p MailProvider, res *Result) error {
	if err := r.syncFolders(ctx, acct, p, res); err != nil {
		return err
	}

	cs, err := p.Changes(ctx, acct.Cursor)
	if err != nil {
		return err
	}
	res.Cursor = cs.Cursor

	if !cs.Empty() {
		touched := make([]string, 0, len(cs.Upserted)+len(cs.Relabeled)+len(cs.Deleted))
		touched = append(touched, cs.Upserted...)
		touched = append(touched, cs.Relabeled...)
		touched = append(touched, cs.Deleted...)
		states, err := r.store.MessageStates(ctx, acct.ID, touched)
		if err != nil {
			return err
		}

		resolved := reconcile.ResolveChanges(*cs, func(id string) bool {
			_, ok := states[id]
			return ok
		})

		for start := 0; start < len(resolved.Fetch); start += r.batchSize {
			page := resolved.Fetch[start:min(start+r.batchSize, len(resolved.Fetch))]
			if err := r.applyPage(ctx, acct, p, page, nil, states, res); err != nil {
				return err
			}
		}
		for start := 0; start < len(resolved.Refresh); start += r.batchSize {
			page := resolved.Refresh[start:min(start+r.batchSize, len(resolved.Refresh))]
			if err := r.applyPage(ctx, acct, p, nil, page, states, res); err != nil {
				return err
			}
		}
		for start := 0; start < len(resolved.Delete); start += r.batchSize {
			stats, err := r.store.ApplyPlan(ctx, acct, reconcile.Plan{Delete: resolved.Delete[start:min(start+r.batchSize, len(resolved.Delete))]})
			if err != nil {
				return err
			}
			res.Stats.Add(stats)
		}
	}

	if cs.Cursor == "" || cs.Cursor == acct.Cursor {
		return nil
	}
	return r.store.SaveCursor(ctx, acct.ID, cs.Cursor)
}

// applyPage fetches full messages for fetch and states for refresh, then
// writes one plan. Messages the provider no longer has are deleted. states
// holds the stored state of refresh ids when the caller already loaded it.
func (r *Runner) applyPage(ctx context.Context, acct *mail.Account, p MailProvider, fetch, refresh []string, states map[string]mail.MessageState, res *Result) error {
	var plan reconcile.Plan

	if len(fetch) > 0 {
		err := p.FetchMessages(ctx, fetch, func(m mail.Message) error {
			plan.Upsert = append(plan.Upsert, m)
			return nil
		})
		missing, err := missingKeys(err)
		if err != nil {
			return err
		}
		plan.Delete = append(plan.Delete, missing...)
	}

	if len(refresh) > 0 {
		var remote []mail.MessageState
		err := p.FetchStates(ctx, refresh, func(st mail.MessageState) error {
			remote = append(remote, st)
			return nil
		})
		missing, err := missingKeys(err)
		if err != nil {
			return err
		}
		plan.Delete = append(plan.Delete, missing...)

		if states == nil {
			states, err = r.store.MessageStates(ctx, acct.ID, refresh)
			if err != nil {
				return err
			}
		}
		plan.Update = reconcile.DiffStates(remote, states)
	}

	stats, err := r.store.ApplyPlan(ctx, acct, plan)
	if err != nil {
		return err
	}
	res.Stats.Add(stats)
	return nil
}

// missingKeys splits a fetch error into the ids the provider reported as
// not found. Any other failure is returned as is.
func missingKeys(err error) ([]string, error) {
	if err == nil {
		return nil, nil
	}
	be, ok := batch.AsError(err)
	if !ok {
		return nil, err
	}
	missing := make([]string, 0, len(be.Failures))
	for _, key := range be.Keys() {
		if !errors.Is(be.Failures[key], mail.ErrNotFound) {
			return nil, fmt.Errorf("fetch %s: %w", key, err)
		}
		missing = append(missing, key)
	}
	return missing, nil
}

func recordStats(provider string, s reconcile.Stats) {
	metrics.MessagesSynced.WithLabelValues(provider, "created").Add(float64(s.MessagesCreated))
	metrics.MessagesSynced.WithLabelValues(provider, "updated").Add(float64(s.MessagesUpdated))
	metrics.MessagesSynced.WithLabelValues(provider, "deleted").Add(float64(s.MessagesDeleted))
	metrics.FoldersSynced.WithLabelValues(provider, "created").Add(float64(s.FoldersCreated))
	metrics.FoldersSynced.WithLabelValues(provider, "updated").Add(float64(s.FoldersUpdated))
	metrics.FoldersSynced.WithLabelValues(provider, "deleted").Add(float64(s.FoldersDeleted))
}
