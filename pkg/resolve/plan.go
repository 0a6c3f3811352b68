package resolve

import (
	"github.com/sidkik/mcsync/pkg/manifest"
)

// Side identifies one of the two devices in an exchange.
type Side int

const (
	Local Side = iota
	Remote
)

func (s Side) String() string {
	if s == Local {
		return "local"
	}
	return "remote"
}

// ActionKind is the type of file operation.
type ActionKind int

const (
	// Copy writes Record's contents to Path on the target side.
	Copy ActionKind = iota

	// Delete removes Path on the target side.
	Delete
)

func (k ActionKind) String() string {
	if k == Copy {
		return "copy"
	}
	return "delete"
}

// Action is a single file operation on one of the devices.
type Action struct {
	Kind   ActionKind
	Target Side
	Path   string

	// Source and SourcePath identify where the contents for a Copy are read
	// from. The contents must hash to Record.ContentHash.
	Source     Side
	SourcePath string

	// Record describes the file as it should exist at Path once the action
	// is applied.
	Record manifest.FileRecord

	// Previous is the content hash that Path had on the target side when
	// the plan was made, or manifest.NoFile if it didn't exist. The action
	// must not be applied if the target changed since.
	Previous string

	// Requires is the path of a local Copy that must have been applied
	// successfully before this action may run. It's used to make sure the
	// losing version of a keep-both conflict is preserved before the winner
	// overwrites it.
	Requires string
}

// Plan is the ordered set of actions for one exchange. Local actions are
// applied first, then remote ones, so remote copies may read files that
// were just written locally.
type Plan struct {
	Local  []Action
	Remote []Action
}

// Empty returns whether the worlds are already consistent.
func (p Plan) Empty() bool {
	return len(p.Local) == 0 && len(p.Remote) == 0
}

// Len returns the total number of actions.
func (p Plan) Len() int {
	return len(p.Local) + len(p.Remote)
}

// BuildPlan converts conflict records into file operations.
func BuildPlan(records []ConflictRecord) Plan {
	var plan Plan
	for _, r := range records {
		p := r.RelativePath
		localHash, remoteHash := manifest.HashOf(r.Local), manifest.HashOf(r.Remote)
		switch {
		case r.Resolution == TakeLocal && r.Deleted:
			plan.Remote = append(plan.Remote, deleteAction(Remote, p, remoteHash))

		case r.Resolution == TakeRemote && r.Deleted:
			plan.Local = append(plan.Local, deleteAction(Local, p, localHash))

		case r.Resolution == TakeLocal:
			plan.Remote = append(plan.Remote,
				copyAction(Remote, p, Local, p, *r.Local, remoteHash, ""))

		case r.Resolution == TakeRemote:
			plan.Local = append(plan.Local,
				copyAction(Local, p, Remote, p, *r.Remote, localHash, ""))

		case r.Resolution == KeepBoth && r.LocalWins():
			c := r.ConflictCopyPath
			loser := withPath(*r.Remote, c)
			plan.Local = append(plan.Local, copyAction(Local, c, Remote, p, loser, manifest.NoFile, ""))
			plan.Remote = append(plan.Remote,
				copyAction(Remote, c, Local, c, loser, manifest.NoFile, c),
				copyAction(Remote, p, Local, p, *r.Local, remoteHash, c))

		case r.Resolution == KeepBoth:
			c := r.ConflictCopyPath
			loser := withPath(*r.Local, c)
			plan.Local = append(plan.Local,
				copyAction(Local, c, Local, p, loser, manifest.NoFile, ""),
				copyAction(Local, p, Remote, p, *r.Remote, localHash, c))
			plan.Remote = append(plan.Remote, copyAction(Remote, c, Local, c, loser, manifest.NoFile, c))
		}
	}
	return plan
}

func copyAction(target Side, dst string, source Side, src string,
	record manifest.FileRecord, previous, requires string) Action {
	return Action{
		Kind:       Copy,
		Target:     target,
		Path:       dst,
		Source:     source,
		SourcePath: src,
		Record:     withPath(record, dst),
		Previous:   previous,
		Requires:   requires,
	}
}

func deleteAction(target Side, p, previous string) Action {
	return Action{Kind: Delete, Target: target, Path: p, Previous: previous}
}

func withPath(f manifest.FileRecord, p string) manifest.FileRecord {
	f.RelativePath = p
	return f
}

// Settle returns the base manifest for the next exchange: every file whose
// contents both devices agree on once the plan has been applied. `failed`
// holds the paths whose actions failed on either side. Failed paths keep
// their previous base entry so they are retried with the same knowledge.
func Settle(local, remote, base manifest.Manifest, records []ConflictRecord,
	failed map[string]bool) manifest.Manifest {

	byPath := map[string]ConflictRecord{}
	for _, r := range records {
		byPath[r.RelativePath] = r
	}

	next := manifest.New(local.WorldID, local.GeneratedAt)
	keepBase := func(p string) {
		if f, ok := base.Get(p); ok {
			next.Add(f)
		}
	}

	for _, p := range unionPaths(local, remote) {
		r, changed := byPath[p]
		if !changed {
			// Identical on both sides.
			f, _ := local.Get(p)
			next.Add(f)
			continue
		}

		if failed[p] {
			keepBase(p)
			continue
		}

		switch {
		case r.Deleted:
		case r.Resolution == TakeLocal:
			next.Add(*r.Local)
		case r.Resolution == TakeRemote:
			next.Add(*r.Remote)
		case r.Resolution == KeepBoth:
			winner, loser := *r.Remote, *r.Local
			if r.LocalWins() {
				winner, loser = *r.Local, *r.Remote
			}
			next.Add(winner)

			if failed[r.ConflictCopyPath] {
				keepBase(r.ConflictCopyPath)
			} else {
				next.Add(withPath(loser, r.ConflictCopyPath))
			}
		}
	}
	return next
}
