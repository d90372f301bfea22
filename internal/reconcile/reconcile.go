// Package reconcile computes create/update/delete batches by diffing the
// remote view of a mailbox against what is stored locally.
package reconcile

import (
	"sort"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// FolderPlan lists the folder writes needed to mirror the remote folder set
type FolderPlan struct {
	Create []mail.Folder
	Update []mail.Folder
	Delete []string // remote ids
}

// Empty reports whether the plan has no writes
func (p FolderPlan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// DiffFolders compares remote folders against local ones by remote id
func DiffFolders(remote, local []mail.Folder) FolderPlan {
	localByID := make(map[string]mail.Folder, len(local))
	for _, f := range local {
		localByID[f.RemoteID] = f
	}

	var plan FolderPlan
	seen := make(map[string]struct{}, len(remote))
	for _, f := range remote {
		if f.RemoteID == "" {
			continue
		}
		if _, dup := seen[f.RemoteID]; dup {
			continue
		}
		seen[f.RemoteID] = struct{}{}

		existing, ok := localByID[f.RemoteID]
		switch {
		case !ok:
			plan.Create = append(plan.Create, f)
		case !existing.SameAs(f):
			plan.Update = append(plan.Update, f)
		}
	}

	for _, f := range local {
		if _, ok := seen[f.RemoteID]; !ok {
			plan.Delete = append(plan.Delete, f.RemoteID)
		}
	}

	sort.Slice(plan.Create, func(i, j int) bool { return plan.Create[i].RemoteID < plan.Create[j].RemoteID })
	sort.Slice(plan.Update, func(i, j int) bool { return plan.Update[i].RemoteID < plan.Update[j].RemoteID })
	sort.Strings(plan.Delete)
	return plan
}

// IDDiff splits two id sets into remote-only, shared and local-only ids
type IDDiff struct {
	Create []string
	Keep   []string
	Delete []string
}

// DiffMessageIDs is a set difference of remote and local ids. Output slices are sorted.
func DiffMessageIDs(remote, local []string) IDDiff {
	localSet := toSet(local)
	remoteSet := toSet(remote)

	var d IDDiff
	for id := range remoteSet {
		if _, ok := localSet[id]; ok {
			d.Keep = append(d.Keep, id)
		} else {
			d.Create = append(d.Create, id)
		}
	}
	for id := range localSet {
		if _, ok := remoteSet[id]; !ok {
			d.Delete = append(d.Delete, id)
		}
	}

	sort.Strings(d.Create)
	sort.Strings(d.Keep)
	sort.Strings(d.Delete)
	return d
}

// DiffStates returns the remote states that differ from the stored ones.
// States with no local counterpart are skipped.
func DiffStates(remote []mail.MessageState, local map[string]mail.MessageState) []mail.MessageState {
	var out []mail.MessageState
	for _, r := range remote {
		l, ok := local[r.RemoteID]
		if !ok {
			continue
		}
		if !r.Equal(l) {
			out = append(out, r.Normalize())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Resolution is the fetch/refresh/delete work derived from a change set
type Resolution struct {
	Fetch   []string // full fetch then upsert
	Refresh []string // state-only fetch then update
	Delete  []string
}

// ResolveChanges maps a provider change set onto local state. Upserts are always
// fully fetched; relabels of messages we never stored are promoted to fetches;
// deletions win over any other change for the same id and are limited to
// messages that exist locally.
func ResolveChanges(cs mail.ChangeSet, exists func(remoteID string) bool) Resolution {
	deleted := toSet(cs.Deleted)

	var res Resolution
	fetch := make(map[string]struct{})
	for _, id := range cs.Upserted {
		if _, gone := deleted[id]; gone {
			continue
		}
		fetch[id] = struct{}{}
	}

	refresh := make(map[string]struct{})
	for _, id := range cs.Relabeled {
		if _, gone := deleted[id]; gone {
			continue
		}
		if _, ok := fetch[id]; ok {
			continue
		}
		if exists(id) {
			refresh[id] = struct{}{}
		} else {
			fetch[id] = struct{}{}
		}
	}

	for id := range deleted {
		if exists(id) {
			res.Delete = append(res.Delete, id)
		}
	}
	for id := range fetch {
		res.Fetch = append(res.Fetch, id)
	}
	for id := range refresh {
		res.Refresh = append(res.Refresh, id)
	}

	sort.Strings(res.Fetch)
	sort.Strings(res.Refresh)
	sort.Strings(res.Delete)
	return res
}

// Plan is one atomic unit of writes against an account
type Plan struct {
	Folders FolderPlan
	Upsert  []mail.Message
	Update  []mail.MessageState
	Delete  []string
}

// Empty reports whether the plan has no writes
func (p Plan) Empty() bool {
	return p.Folders.Empty() && len(p.Upsert) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// Stats summarises what a plan changed
type Stats struct {
	FoldersCreated  int
	FoldersUpdated  int
	FoldersDeleted  int
	MessagesCreated int
	MessagesUpdated int
	MessagesDeleted int
}

// Add accumulates another set of stats
func (s *Stats) Add(o Stats) {
	s.FoldersCreated += o.FoldersCreated
	s.FoldersUpdated += o.FoldersUpdated
	s.FoldersDeleted += o.FoldersDeleted
	s.MessagesCreated += o.MessagesCreated
	s.MessagesUpdated += o.MessagesUpdated
	s.MessagesDeleted += o.MessagesDeleted
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}
