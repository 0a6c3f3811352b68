// Package transfer applies a set of file operations to a world directory.
//
// Writes are staged: each incoming file is written to a temporary file in
// the world's staging directory, flushed to disk, and verified against its
// advertised hash before anything in the world itself is touched. Only once
// every write has been staged are the staged files renamed into place, and
// deletions are applied last. A file that fails at any point is reported
// and skipped without affecting the rest of the batch.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
)

// Variables mocked for unit testing.
var (
	fs         = afero.NewOsFs()
	rename     = func(src, dst string) error { return fs.Rename(src, dst) }
	retryDelay = 200 * time.Millisecond
)

// StagingDir is the directory within each world where incoming files are
// staged. Staging inside the world keeps the final rename on the same
// filesystem, which is what makes it atomic.
const StagingDir = manifest.ReservedPrefix + "-staging"

// renameAttempts is the number of times a rename is attempted when the
// destination is locked. Minecraft holds world files open while the world
// is loaded.
const renameAttempts = 3

const copyBufferSize = 32 * 1024

// Opener returns the contents of a file being written.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Write describes a file to write into the world.
type Write struct {
	// Record is the expected result. Record.RelativePath is the destination,
	// and the contents must hash to Record.ContentHash.
	Record manifest.FileRecord

	Open Opener

	// Previous, if set, is the content hash the destination must still have
	// when the write is committed, or manifest.NoFile if it must not exist.
	// The write fails with ErrFileChanged otherwise, unless the destination
	// already has the new contents.
	Previous string

	// Requires is the path of another write in the same session that must
	// be committed before this one.
	Requires string
}

// Observer is notified right before the session modifies a path in the
// world, so that file watchers can ignore the resulting events. An empty
// hash means the path is being removed or created as a directory.
type Observer interface {
	Expect(relPath, contentHash string)
}

// Failure is a single failed operation.
type Failure struct {
	Path string
	Err  error
}

// ApplyReport summarizes the outcome of a session.
type ApplyReport struct {
	Applied []string
	Failed  []Failure
}

// FailedPaths returns the paths that failed, in order.
func (r ApplyReport) FailedPaths() (paths []string) {
	for _, f := range r.Failed {
		paths = append(paths, f.Path)
	}
	return paths
}

// HasFailures returns whether any operation failed.
func (r ApplyReport) HasFailures() bool {
	return len(r.Failed) != 0
}

type stagedFile struct {
	tempPath string
	write    Write
}

type deletion struct {
	path     string
	previous string
}

// Session applies one batch of operations to a world directory. The caller
// must hold the world's write lock while calling Commit.
type Session struct {
	dir      string
	observer Observer

	staged  []stagedFile
	deletes []deletion
	report  ApplyReport
	done    bool
}

// NewSession creates a session for the world at `dir`. `observer` may be
// nil.
func NewSession(dir string, observer Observer) *Session {
	return &Session{dir: dir, observer: observer}
}

// Apply stages every write, then commits them together with the deletions.
func Apply(ctx context.Context, dir string, writes []Write, deletes []string,
	observer Observer) ApplyReport {

	s := NewSession(dir, observer)
	for _, w := range writes {
		// Stage failures are recorded in the report.
		_ = s.Stage(ctx, w)
	}
	for _, p := range deletes {
		s.Delete(p, "")
	}
	return s.Commit()
}

// Stage writes the contents of `w` to a temporary file and verifies them.
// The world itself isn't modified until Commit. If staging fails, the error
// is both returned and recorded in the report.
func (s *Session) Stage(ctx context.Context, w Write) error {
	tempPath, err := s.stage(ctx, w)
	if err != nil {
		s.fail(w.Record.RelativePath, err)
		return err
	}
	s.staged = append(s.staged, stagedFile{tempPath: tempPath, write: w})
	return nil
}

// Delete queues `relPath` for removal after all writes are committed.
// `previous` works like Write.Previous: if set, the file is only removed if
// it still has those contents.
func (s *Session) Delete(relPath, previous string) {
	s.deletes = append(s.deletes, deletion{path: relPath, previous: previous})
}

// Pending returns the number of staged writes and queued deletions.
func (s *Session) Pending() int {
	return len(s.staged) + len(s.deletes)
}

func (s *Session) stage(ctx context.Context, w Write) (string, error) {
	if err := manifest.ValidatePath(w.Record.RelativePath); err != nil {
		return "", err
	}

	stagingDir := filepath.Join(s.dir, StagingDir)
	if err := fs.MkdirAll(stagingDir, 0755); err != nil {
		return "", errors.FilesystemError{Op: "create staging directory", Path: stagingDir, Err: err}
	}

	src, err := w.Open(ctx)
	if err != nil {
		return "", errors.WithContext(err, "open source")
	}
	defer src.Close()

	tempPath := filepath.Join(stagingDir, uuid.New().String())
	if err := writeVerified(ctx, tempPath, src, w.Record); err != nil {
		if removeErr := fs.Remove(tempPath); removeErr != nil && !os.IsNotExist(removeErr) {
			log.WithError(removeErr).WithField("path", tempPath).Warn(
				"Failed to remove temporary file")
		}
		return "", err
	}
	return tempPath, nil
}

// writeVerified copies `src` into a new file at `dst`, flushes it to disk,
// and checks its size and hash against `expected`.
func writeVerified(ctx context.Context, dst string, src io.Reader,
	expected manifest.FileRecord) error {

	f, err := fs.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.FilesystemError{Op: "create", Path: dst, Err: err}
	}

	hasher := sha256.New()
	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(io.MultiWriter(f, hasher), ctxReader{ctx, src}, buf)
	if err != nil {
		f.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.WithContext(err, "copy contents")
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return errors.FilesystemError{Op: "flush", Path: dst, Err: err}
	}
	if err := f.Close(); err != nil {
		return errors.FilesystemError{Op: "close", Path: dst, Err: err}
	}

	actualHash := hex.EncodeToString(hasher.Sum(nil))
	if actualHash != expected.ContentHash || n != expected.SizeBytes {
		return errors.VerificationFailure{
			Path:     expected.RelativePath,
			Expected: expected.ContentHash,
			Actual:   actualHash,
		}
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations.
	if !expected.ModifiedAt.IsZero() {
		if err := fs.Chtimes(dst, time.Now(), expected.ModifiedAt); err != nil {
			return errors.FilesystemError{Op: "set modtime", Path: dst, Err: err}
		}
	}
	return nil
}

// Commit moves every staged file into place, and then applies the queued
// deletions. Deletions are skipped if any write in the session failed, so
// that a partially applied batch never removes more than it adds. They'll
// be retried in the next exchange.
func (s *Session) Commit() ApplyReport {
	if s.done {
		return s.report
	}
	s.done = true

	for _, staged := range s.staged {
		relPath := staged.write.Record.RelativePath
		if req := staged.write.Requires; req != "" && !s.applied(req) {
			s.discard(staged.tempPath)
			s.fail(relPath, errors.Errorf("skipped because %s wasn't preserved", req))
			continue
		}

		err := s.checkPrevious(relPath, staged.write.Previous, staged.write.Record.ContentHash)
		if err == nil {
			err = s.install(staged.tempPath, relPath, staged.write.Record.ContentHash)
		}
		if err != nil {
			s.discard(staged.tempPath)
			s.fail(relPath, err)
			continue
		}
		s.report.Applied = append(s.report.Applied, relPath)
	}

	if s.report.HasFailures() {
		for _, d := range s.deletes {
			s.fail(d.path, errors.New("deletion deferred because other files failed to sync"))
		}
	} else {
		for _, d := range s.deletes {
			err := s.checkPrevious(d.path, d.previous, manifest.NoFile)
			if err == nil {
				err = s.remove(d.path)
			}
			if err != nil {
				s.fail(d.path, err)
				continue
			}
			s.report.Applied = append(s.report.Applied, d.path)
		}
	}

	s.cleanupStagingDir()
	return s.report
}

// Abort discards all staged files without touching the world.
func (s *Session) Abort() {
	if s.done {
		return
	}
	s.done = true

	for _, staged := range s.staged {
		s.discard(staged.tempPath)
	}
	s.staged = nil
	s.deletes = nil
	s.cleanupStagingDir()
}

func (s *Session) install(tempPath, relPath, contentHash string) error {
	dst := manifest.Join(s.dir, relPath)
	if err := s.makeParents(relPath); err != nil {
		return err
	}

	s.expect(relPath, contentHash)

	var err error
	for attempt := 0; attempt < renameAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}

		err = rename(tempPath, dst)
		if err == nil {
			return nil
		}

		if isCrossDevice(err) {
			return copyReplace(tempPath, dst, contentHash)
		}

		fsErr := errors.FilesystemError{Op: "rename", Path: relPath, Err: err}
		if !fsErr.Retryable() {
			return fsErr
		}
	}
	return errors.FilesystemError{Op: "rename", Path: relPath, Err: err}
}

// checkPrevious returns ErrFileChanged if `relPath` no longer has the
// contents `previous` that the operation was planned against. A destination
// that already has the contents `want` passes as well.
func (s *Session) checkPrevious(relPath, previous, want string) error {
	if previous == "" {
		return nil
	}

	current, err := s.currentHash(relPath)
	if err != nil {
		return err
	}
	if current == previous || current == want {
		return nil
	}

	log.WithFields(log.Fields{
		"path":     relPath,
		"expected": previous,
		"actual":   current,
	}).Debug("File changed since the sync was planned")
	return errors.WithContext(errors.ErrFileChanged, relPath)
}

func (s *Session) currentHash(relPath string) (string, error) {
	if err := manifest.ValidatePath(relPath); err != nil {
		return "", err
	}

	f, err := fs.Open(manifest.Join(s.dir, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return manifest.NoFile, nil
		}
		return "", errors.FilesystemError{Op: "open", Path: relPath, Err: err}
	}
	defer f.Close()

	hash, err := manifest.HashReader(f)
	if err != nil {
		return "", errors.FilesystemError{Op: "hash", Path: relPath, Err: err}
	}
	return hash, nil
}

func (s *Session) makeParents(relPath string) error {
	// Announce each directory that's about to be created, from the top.
	var missing []string
	for dir := path.Dir(relPath); dir != "."; dir = path.Dir(dir) {
		exists, err := afero.DirExists(fs, manifest.Join(s.dir, dir))
		if err != nil {
			return errors.FilesystemError{Op: "stat", Path: dir, Err: err}
		}
		if exists {
			break
		}
		missing = append(missing, dir)
	}
	if len(missing) == 0 {
		return nil
	}

	for i := len(missing) - 1; i >= 0; i-- {
		s.expect(missing[i], "")
	}
	parent := manifest.Join(s.dir, path.Dir(relPath))
	if err := fs.MkdirAll(parent, 0755); err != nil {
		return errors.FilesystemError{Op: "make parent", Path: parent, Err: err}
	}
	return nil
}

func (s *Session) remove(relPath string) error {
	if err := manifest.ValidatePath(relPath); err != nil {
		return err
	}

	s.expect(relPath, "")
	err := fs.Remove(manifest.Join(s.dir, relPath))
	// The file is already gone, which is what we wanted.
	if err != nil && !os.IsNotExist(err) {
		return errors.FilesystemError{Op: "remove", Path: relPath, Err: err}
	}
	s.removeEmptyParents(relPath)
	return nil
}

// removeEmptyParents removes directories left empty by a deletion. Empty
// directories aren't part of a manifest, so they'd otherwise linger.
func (s *Session) removeEmptyParents(relPath string) {
	for dir := path.Dir(relPath); dir != "."; dir = path.Dir(dir) {
		full := manifest.Join(s.dir, dir)
		empty, err := afero.IsEmpty(fs, full)
		if err != nil || !empty {
			return
		}
		s.expect(dir, "")
		if err := fs.Remove(full); err != nil {
			return
		}
	}
}

func (s *Session) applied(relPath string) bool {
	for _, p := range s.report.Applied {
		if p == relPath {
			return true
		}
	}
	return false
}

func (s *Session) expect(relPath, contentHash string) {
	if s.observer != nil {
		s.observer.Expect(relPath, contentHash)
	}
}

func (s *Session) fail(relPath string, err error) {
	log.WithError(err).WithField("path", relPath).Debug("Transfer failed")
	s.report.Failed = append(s.report.Failed, Failure{Path: relPath, Err: err})
}

func (s *Session) discard(tempPath string) {
	if err := fs.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", tempPath).Warn(
			"Failed to clean up staged file. This won't affect future syncs.")
	}
}

func (s *Session) cleanupStagingDir() {
	stagingDir := filepath.Join(s.dir, StagingDir)
	if empty, err := afero.IsEmpty(fs, stagingDir); err == nil && empty {
		_ = fs.Remove(stagingDir)
	}
}

// copyReplace is used instead of a rename when the staged file and its
// destination are on different filesystems. The contents are copied next
// to the destination, verified, and then renamed over it, so the
// destination is still replaced atomically.
func copyReplace(src, dst, contentHash string) error {
	in, err := fs.Open(src)
	if err != nil {
		return errors.FilesystemError{Op: "open staged file", Path: src, Err: err}
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return errors.FilesystemError{Op: "stat staged file", Path: src, Err: err}
	}

	sibling := filepath.Join(filepath.Dir(dst),
		fmt.Sprintf("%s-%s", manifest.ReservedPrefix, uuid.New().String()))
	expected := manifest.FileRecord{
		RelativePath: filepath.Base(dst),
		SizeBytes:    fi.Size(),
		ModifiedAt:   fi.ModTime(),
		ContentHash:  contentHash,
	}
	if err := writeVerified(context.Background(), sibling, in, expected); err != nil {
		_ = fs.Remove(sibling)
		return errors.WithContext(err, "copy across filesystems")
	}

	if err := rename(sibling, dst); err != nil {
		_ = fs.Remove(sibling)
		return errors.FilesystemError{Op: "replace", Path: dst, Err: err}
	}
	return fs.Remove(src)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV) ||
		strings.Contains(err.Error(), "cross-device link")
}

// ctxReader aborts reads once the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// LocalFile returns an Opener for a file within a world directory.
func LocalFile(dir, relPath string) Opener {
	return func(context.Context) (io.ReadCloser, error) {
		f, err := fs.Open(manifest.Join(dir, relPath))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.ErrFileChanged
			}
			return nil, errors.FilesystemError{Op: "open", Path: relPath, Err: err}
		}
		return f, nil
	}
}
