// Package resolve decides how to reconcile two devices' copies of a world.
//
// Resolution is a pure function of the manifests involved. Both devices
// would compute the same outcome from the same inputs, so neither side has
// to trust the other's announcement of a winner, and repeated attempts
// always give the same answer.
package resolve

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sidkik/mcsync/pkg/manifest"
)

// SkewTolerance is how far in the future a remote modification time may be,
// relative to when the local manifest was built, before it's flagged as a
// likely clock skew between the two devices.
const SkewTolerance = 5 * time.Minute

// Resolution is the outcome for a single path.
type Resolution int

const (
	// TakeLocal means the local version wins and is sent to the remote.
	TakeLocal Resolution = iota

	// TakeRemote means the remote version wins and is fetched.
	TakeRemote

	// KeepBoth means the winner is propagated, and the loser is kept as a
	// conflict copy on both devices.
	KeepBoth
)

func (r Resolution) String() string {
	switch r {
	case TakeLocal:
		return "TakeLocal"
	case TakeRemote:
		return "TakeRemote"
	case KeepBoth:
		return "KeepBoth"
	}
	return fmt.Sprintf("Resolution(%d)", int(r))
}

// ConflictRecord describes how one path is reconciled. Local and Remote are
// nil when the file doesn't exist on that side.
type ConflictRecord struct {
	RelativePath string
	Local        *manifest.FileRecord
	Remote       *manifest.FileRecord
	Resolution   Resolution

	// Deleted is set when the resolution propagates a deletion rather than
	// contents. TakeLocal with Deleted set means the file is deleted on the
	// remote.
	Deleted bool

	// Reason is a short description of the rule that decided the outcome.
	Reason string

	// ConflictCopyPath is the path of the preserved losing version for
	// KeepBoth resolutions.
	ConflictCopyPath string

	// ClockSkewSuspect is set when the remote modification time is too far
	// in the future to be trusted.
	ClockSkewSuspect bool
}

// Reasons recorded in ConflictRecord.Reason.
const (
	ReasonOnlyLocal      = "only-local"
	ReasonOnlyRemote     = "only-remote"
	ReasonDeletedLocal   = "deleted-locally"
	ReasonDeletedRemote  = "deleted-remotely"
	ReasonFastForward    = "fast-forward"
	ReasonNewer          = "newer"
	ReasonLarger         = "larger"
	ReasonHashTieBreak   = "hash-tie-break"
	ReasonModifiedDelete = "modified-after-delete"
)

// Resolve compares two manifests of the same world and returns a record for
// every path whose contents differ. Paths with identical contents on both
// sides are omitted.
func Resolve(local, remote manifest.Manifest, policy Policy) []ConflictRecord {
	return ResolveWithBase(local, remote, manifest.Manifest{}, policy)
}

// ResolveWithBase is like Resolve, but also takes the base manifest: the
// records both devices agreed on at the end of their last successful
// exchange. The base makes it possible to tell a file that was deleted on
// one device apart from a file that was created on the other, and to tell
// which side changed a file that differs.
func ResolveWithBase(local, remote, base manifest.Manifest, policy Policy) []ConflictRecord {
	var records []ConflictRecord
	for _, p := range unionPaths(local, remote) {
		localFile, inLocal := local.Get(p)
		remoteFile, inRemote := remote.Get(p)
		baseFile, inBase := base.Get(p)

		record := ConflictRecord{RelativePath: p}
		if inLocal {
			record.Local = &localFile
		}
		if inRemote {
			record.Remote = &remoteFile
			record.ClockSkewSuspect = isSkewSuspect(local, remoteFile)
		}

		switch {
		case inLocal && !inRemote:
			switch {
			case inBase && baseFile.SameContent(localFile):
				record.Resolution = TakeRemote
				record.Deleted = true
				record.Reason = ReasonDeletedRemote
			case inBase:
				record.Resolution = TakeLocal
				record.Reason = ReasonModifiedDelete
			default:
				record.Resolution = TakeLocal
				record.Reason = ReasonOnlyLocal
			}

		case !inLocal && inRemote:
			switch {
			case inBase && baseFile.SameContent(remoteFile):
				record.Resolution = TakeLocal
				record.Deleted = true
				record.Reason = ReasonDeletedLocal
			case inBase:
				record.Resolution = TakeRemote
				record.Reason = ReasonModifiedDelete
			default:
				record.Resolution = TakeRemote
				record.Reason = ReasonOnlyRemote
			}

		case localFile.SameContent(remoteFile):
			continue

		case inBase && baseFile.SameContent(localFile):
			record.Resolution = TakeRemote
			record.Reason = ReasonFastForward

		case inBase && baseFile.SameContent(remoteFile):
			record.Resolution = TakeLocal
			record.Reason = ReasonFastForward

		default:
			localWins, reason := compareNewest(localFile, remoteFile)
			record.Reason = reason
			switch {
			case policy == PolicyKeepBoth:
				record.Resolution = KeepBoth
				loser := remoteFile
				if !localWins {
					loser = localFile
				}
				record.ConflictCopyPath = ConflictCopyPath(p, loser.ContentHash)
			case localWins:
				record.Resolution = TakeLocal
			default:
				record.Resolution = TakeRemote
			}
		}
		records = append(records, record)
	}
	return records
}

// LocalWins returns whether the local version is the winner of a KeepBoth
// record. It's only meaningful when both versions exist.
func (r ConflictRecord) LocalWins() bool {
	if r.Local == nil || r.Remote == nil {
		return r.Local != nil
	}
	localWins, _ := compareNewest(*r.Local, *r.Remote)
	return localWins
}

// compareNewest returns whether `a` wins against `b` under the newest
// policy. Ties on the modification time go to the larger file, and ties on
// the size go to the larger hash, so the result never depends on which
// side is local.
func compareNewest(a, b manifest.FileRecord) (aWins bool, reason string) {
	switch {
	case !a.ModifiedAt.Equal(b.ModifiedAt):
		return a.ModifiedAt.After(b.ModifiedAt), ReasonNewer
	case a.SizeBytes != b.SizeBytes:
		return a.SizeBytes > b.SizeBytes, ReasonLarger
	default:
		// Hashes are lowercase hex of the same length, so comparing the
		// strings orders them the same way as comparing the raw bytes.
		return a.ContentHash > b.ContentHash, ReasonHashTieBreak
	}
}

func isSkewSuspect(local manifest.Manifest, remoteFile manifest.FileRecord) bool {
	if local.GeneratedAt.IsZero() {
		return false
	}
	return remoteFile.ModifiedAt.After(local.GeneratedAt.Add(SkewTolerance))
}

// ConflictCopyPath returns the path the losing version of `relPath` is
// preserved under. The name only depends on the loser's contents, so both
// devices agree on it.
//
// For example, "db/000005.ldb" becomes "db/000005 (conflict 1a2b3c4d).ldb".
func ConflictCopyPath(relPath, loserHash string) string {
	dir, file := path.Split(relPath)
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	if stem == "" {
		// Dotfiles such as ".gitignore" have no stem.
		stem, ext = file, ""
	}

	short := loserHash
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s%s (conflict %s)%s", dir, stem, short, ext)
}

func unionPaths(a, b manifest.Manifest) []string {
	var paths []string
	for p := range a.Files {
		paths = append(paths, p)
	}
	for p := range b.Files {
		if _, ok := a.Files[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}
