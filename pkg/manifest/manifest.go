// Package manifest builds content fingerprints of world directories.
//
// A Manifest records, for every regular file in a world, its path relative
// to the world directory, its size, its modification time and the sha256 of
// its contents. Files are compared by content hash only: a file that was
// rewritten with identical bytes but a new timestamp is unchanged, and two
// files with the same size and timestamp but different bytes differ.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/sidkik/mcsync/pkg/errors"
)

// Mocked out for unit testing.
var (
	fs  = afero.NewOsFs()
	now = time.Now
)

// ReservedPrefix marks files and directories owned by mcsync itself, such as
// the staging area used by transfers. Reserved paths are never synced.
const ReservedPrefix = ".mcsync"

// NoFile stands in for a content hash when a path doesn't exist.
const NoFile = "none"

// hashBufferSize bounds the memory used when hashing a file. World databases
// can be hundreds of megabytes, so files are never read into memory whole.
const hashBufferSize = 64 * 1024

// FileRecord is an immutable snapshot of a single file.
type FileRecord struct {
	// RelativePath is the slash-separated path of the file relative to the
	// world directory.
	RelativePath string

	SizeBytes int64

	// ModifiedAt is the modification time in UTC.
	ModifiedAt time.Time

	// ContentHash is the hex encoded sha256 of the file contents.
	ContentHash string
}

// HashOf returns the content hash of `f`, or NoFile if `f` is nil.
func HashOf(f *FileRecord) string {
	if f == nil {
		return NoFile
	}
	return f.ContentHash
}

// SameContent returns whether the two records describe identical contents.
func (f FileRecord) SameContent(other FileRecord) bool {
	return f.ContentHash == other.ContentHash
}

// Manifest is a snapshot of every file in a world at a point in time.
type Manifest struct {
	WorldID     string
	GeneratedAt time.Time
	Files       map[string]FileRecord
}

// New returns an empty manifest for the given world.
func New(worldID string, generatedAt time.Time) Manifest {
	return Manifest{
		WorldID:     worldID,
		GeneratedAt: generatedAt.UTC(),
		Files:       map[string]FileRecord{},
	}
}

// Add adds or replaces the record for f.RelativePath.
func (m Manifest) Add(f FileRecord) {
	m.Files[f.RelativePath] = f
}

// Get returns the record for the given path.
func (m Manifest) Get(relativePath string) (FileRecord, bool) {
	f, ok := m.Files[relativePath]
	return f, ok
}

// Len returns the number of files in the manifest.
func (m Manifest) Len() int {
	return len(m.Files)
}

// Paths returns the paths in the manifest in sorted order.
func (m Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Records returns the records in the manifest ordered by path.
func (m Manifest) Records() []FileRecord {
	var records []FileRecord
	for _, p := range m.Paths() {
		records = append(records, m.Files[p])
	}
	return records
}

// TotalBytes returns the combined size of all files.
func (m Manifest) TotalBytes() (total int64) {
	for _, f := range m.Files {
		total += f.SizeBytes
	}
	return total
}

// Version returns a string that changes whenever the set of paths or their
// contents change. Timestamps aren't part of the version.
func (m Manifest) Version() string {
	hasher := sha256.New()
	for _, f := range m.Records() {
		fmt.Fprintf(hasher, "%s: %s\n", f.RelativePath, f.ContentHash)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Copy returns a deep copy of the manifest.
func (m Manifest) Copy() Manifest {
	copied := New(m.WorldID, m.GeneratedAt)
	for p, f := range m.Files {
		copied.Files[p] = f
	}
	return copied
}

// Build walks `dir` and returns the manifest of every regular file within
// it. The result only depends on the state of the directory, apart from
// GeneratedAt.
func Build(worldID, dir string) (Manifest, error) {
	m := New(worldID, now())

	fi, err := fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, errors.FileNotFound{Path: dir}
		}
		return Manifest{}, errors.FilesystemError{Op: "stat", Path: dir, Err: err}
	}
	if !fi.IsDir() {
		return Manifest{}, errors.Errorf("%s is not a directory", dir)
	}

	err = afero.Walk(fs, dir, func(fullPath string, fi os.FileInfo, err error) error {
		if err != nil {
			// The file was removed between listing its directory and
			// statting it. It'll show up as removed in the next manifest.
			if os.IsNotExist(err) {
				return nil
			}
			return errors.FilesystemError{Op: "walk", Path: fullPath, Err: err}
		}

		relPath, err := filepath.Rel(dir, fullPath)
		if err != nil || strings.HasPrefix(relPath, "..") {
			return errors.WithContext(err, "normalize path")
		}
		if relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if IsReserved(relPath) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks, sockets and such aren't part of a world.
		if !fi.Mode().IsRegular() {
			return nil
		}

		contentHash, err := HashFile(fullPath)
		if err != nil {
			if os.IsNotExist(errors.RootCause(err)) {
				return nil
			}
			return err
		}

		m.Add(FileRecord{
			RelativePath: relPath,
			SizeBytes:    fi.Size(),
			ModifiedAt:   fi.ModTime().UTC(),
			ContentHash:  contentHash,
		})
		return nil
	})
	if err != nil {
		return Manifest{}, errors.WithContext(err, "walk world")
	}
	return m, nil
}

// HashFile returns the hex encoded sha256 of the file at the given path.
func HashFile(path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return "", errors.FilesystemError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	contentHash, err := HashReader(f)
	if err != nil {
		return "", errors.FilesystemError{Op: "read", Path: path, Err: err}
	}
	return contentHash, nil
}

// HashReader returns the hex encoded sha256 of everything read from r.
func HashReader(r io.Reader) (string, error) {
	hasher := sha256.New()
	buf := make([]byte, hashBufferSize)
	if _, err := io.CopyBuffer(hasher, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsReserved returns whether any element of the slash-separated path is
// owned by mcsync.
func IsReserved(relPath string) bool {
	for _, elem := range strings.Split(relPath, "/") {
		if strings.HasPrefix(elem, ReservedPrefix) {
			return true
		}
	}
	return false
}

// ValidatePath checks that a relative path received from a peer stays
// within the world directory.
func ValidatePath(relPath string) error {
	switch {
	case relPath == "":
		return errors.ProtocolError{Reason: "empty path"}
	case strings.Contains(relPath, "\\"):
		return errors.ProtocolError{Reason: fmt.Sprintf("path %q contains a backslash", relPath)}
	case path.IsAbs(relPath) || filepath.IsAbs(relPath):
		return errors.ProtocolError{Reason: fmt.Sprintf("path %q is absolute", relPath)}
	case path.Clean(relPath) != relPath:
		return errors.ProtocolError{Reason: fmt.Sprintf("path %q isn't clean", relPath)}
	case relPath == ".." || strings.HasPrefix(relPath, "../"):
		return errors.ProtocolError{Reason: fmt.Sprintf("path %q escapes the world", relPath)}
	case IsReserved(relPath):
		return errors.ProtocolError{Reason: fmt.Sprintf("path %q is reserved", relPath)}
	}
	return nil
}

// Join returns the OS path of relPath within dir.
func Join(dir, relPath string) string {
	return filepath.Join(dir, filepath.FromSlash(relPath))
}
