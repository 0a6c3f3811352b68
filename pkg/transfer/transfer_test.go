package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
)

const worldDir = "/worlds/abc"

var modTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type expectation struct {
	path, hash string
}

type recordingObserver struct {
	expected []expectation
}

func (o *recordingObserver) Expect(relPath, contentHash string) {
	o.expected = append(o.expected, expectation{relPath, contentHash})
}

func sha(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

func newWrite(relPath, contents string) Write {
	return Write{
		Record: manifest.FileRecord{
			RelativePath: relPath,
			SizeBytes:    int64(len(contents)),
			ModifiedAt:   modTime,
			ContentHash:  sha(contents),
		},
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(contents)), nil
		},
	}
}

func setup(t *testing.T, files map[string]string) {
	fs = afero.NewMemMapFs()
	rename = func(src, dst string) error { return fs.Rename(src, dst) }
	retryDelay = 0
	for relPath, contents := range files {
		require.NoError(t, afero.WriteFile(fs, manifest.Join(worldDir, relPath),
			[]byte(contents), 0644))
	}
}

func readWorld(t *testing.T) map[string]string {
	contents := map[string]string{}
	err := afero.Walk(fs, worldDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		b, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		contents[strings.TrimPrefix(path, worldDir+"/")] = string(b)
		return nil
	})
	require.NoError(t, err)
	return contents
}

func TestApply(t *testing.T) {
	setup(t, map[string]string{
		"level.dat": "old level",
		"stale.dat": "stale",
	})

	observer := &recordingObserver{}
	report := Apply(context.Background(), worldDir,
		[]Write{newWrite("level.dat", "new level"), newWrite("db/000005.ldb", "chunks")},
		[]string{"stale.dat"}, observer)

	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"level.dat", "db/000005.ldb", "stale.dat"}, report.Applied)
	assert.Equal(t, map[string]string{
		"level.dat":     "new level",
		"db/000005.ldb": "chunks",
	}, readWorld(t))

	fi, err := fs.Stat(manifest.Join(worldDir, "db/000005.ldb"))
	require.NoError(t, err)
	assert.True(t, modTime.Equal(fi.ModTime()))

	assert.Equal(t, []expectation{
		{"level.dat", sha("new level")},
		{"db", ""},
		{"db/000005.ldb", sha("chunks")},
		{"stale.dat", ""},
	}, observer.expected)

	exists, err := afero.DirExists(fs, manifest.Join(worldDir, StagingDir))
	require.NoError(t, err)
	assert.False(t, exists, "the staging directory should be cleaned up")
}

func TestApplyVerificationFailure(t *testing.T) {
	setup(t, map[string]string{"level.dat": "old level"})

	corrupt := newWrite("level.dat", "new level")
	corrupt.Open = func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("corrupted")), nil
	}

	report := Apply(context.Background(), worldDir,
		[]Write{corrupt, newWrite("levelname.txt", "My World")}, nil, nil)

	assert.Equal(t, []string{"levelname.txt"}, report.Applied)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "level.dat", report.Failed[0].Path)
	var verifyErr errors.VerificationFailure
	assert.True(t, errors.As(report.Failed[0].Err, &verifyErr))

	assert.Equal(t, map[string]string{
		"level.dat":     "old level",
		"levelname.txt": "My World",
	}, readWorld(t))
}

func TestApplyRenameFailureLeavesOriginal(t *testing.T) {
	setup(t, map[string]string{
		"level.dat": "old level",
		"stale.dat": "stale",
	})
	rename = func(src, dst string) error {
		if strings.HasSuffix(dst, "level.dat") {
			return &os.PathError{Op: "rename", Path: dst, Err: os.ErrInvalid}
		}
		return fs.Rename(src, dst)
	}

	report := Apply(context.Background(), worldDir,
		[]Write{newWrite("level.dat", "new level"), newWrite("levelname.txt", "name")},
		[]string{"stale.dat"}, nil)

	assert.Equal(t, []string{"levelname.txt"}, report.Applied)
	assert.Equal(t, []string{"level.dat", "stale.dat"}, report.FailedPaths())

	// The destination holds the complete old contents, and the deletion is
	// deferred because a write failed.
	assert.Equal(t, map[string]string{
		"level.dat":     "old level",
		"levelname.txt": "name",
		"stale.dat":     "stale",
	}, readWorld(t))
}

func TestApplyRetriesLockedFiles(t *testing.T) {
	setup(t, map[string]string{"level.dat": "old level"})

	var attempts int
	rename = func(src, dst string) error {
		attempts++
		if attempts < renameAttempts {
			return &os.PathError{Op: "rename", Path: dst, Err: os.ErrPermission}
		}
		return fs.Rename(src, dst)
	}

	report := Apply(context.Background(), worldDir,
		[]Write{newWrite("level.dat", "new level")}, nil, nil)
	assert.Empty(t, report.Failed)
	assert.Equal(t, renameAttempts, attempts)
	assert.Equal(t, map[string]string{"level.dat": "new level"}, readWorld(t))
}

func TestApplyCrossDevice(t *testing.T) {
	setup(t, map[string]string{"level.dat": "old level"})

	rename = func(src, dst string) error {
		if strings.Contains(src, StagingDir) {
			return &os.LinkError{Op: "rename", Old: src, New: dst, Err: syscall.EXDEV}
		}
		return fs.Rename(src, dst)
	}

	report := Apply(context.Background(), worldDir,
		[]Write{newWrite("level.dat", "new level")}, nil, nil)
	assert.Empty(t, report.Failed)
	assert.Equal(t, map[string]string{"level.dat": "new level"}, readWorld(t))
}

func TestCommitRequires(t *testing.T) {
	setup(t, map[string]string{"level.dat": "mine"})

	// The conflict copy must be preserved before the original is
	// overwritten.
	copyName := "level (conflict 1234abcd).dat"
	preserve := newWrite(copyName, "mine")
	preserve.Open = func(context.Context) (io.ReadCloser, error) {
		return nil, errors.ErrFileChanged
	}
	overwrite := newWrite("level.dat", "theirs")
	overwrite.Requires = copyName

	s := NewSession(worldDir, nil)
	assert.Error(t, s.Stage(context.Background(), preserve))
	assert.NoError(t, s.Stage(context.Background(), overwrite))
	report := s.Commit()

	assert.Empty(t, report.Applied)
	assert.Equal(t, []string{copyName, "level.dat"}, report.FailedPaths())
	assert.Equal(t, map[string]string{"level.dat": "mine"}, readWorld(t))
}

func TestCommitPrevious(t *testing.T) {
	tests := []struct {
		name string

		// The world before staging, and the change a second writer makes
		// after staging but before the commit.
		files      map[string]string
		concurrent map[string]string

		write      *Write
		deletePath string
		previous   string

		expApplied []string
		expFailed  []string
		expWorld   map[string]string
	}{
		{
			name:       "Write with unchanged destination",
			files:      map[string]string{"level.dat": "v1"},
			write:      writePtr(newWrite("level.dat", "v2")),
			previous:   sha("v1"),
			expApplied: []string{"level.dat"},
			expWorld:   map[string]string{"level.dat": "v2"},
		},
		{
			name:       "Write with changed destination",
			files:      map[string]string{"level.dat": "v1"},
			concurrent: map[string]string{"level.dat": "v3 from the game"},
			write:      writePtr(newWrite("level.dat", "v2")),
			previous:   sha("v1"),
			expFailed:  []string{"level.dat"},
			expWorld:   map[string]string{"level.dat": "v3 from the game"},
		},
		{
			name:       "Write of new file that appeared",
			concurrent: map[string]string{"level.dat": "created meanwhile"},
			write:      writePtr(newWrite("level.dat", "v2")),
			previous:   manifest.NoFile,
			expFailed:  []string{"level.dat"},
			expWorld:   map[string]string{"level.dat": "created meanwhile"},
		},
		{
			name:       "Write already in place",
			files:      map[string]string{"level.dat": "v1"},
			concurrent: map[string]string{"level.dat": "v2"},
			write:      writePtr(newWrite("level.dat", "v2")),
			previous:   sha("v1"),
			expApplied: []string{"level.dat"},
			expWorld:   map[string]string{"level.dat": "v2"},
		},
		{
			name:       "Delete of unchanged file",
			files:      map[string]string{"stale.dat": "v1", "keep.dat": "keep"},
			deletePath: "stale.dat",
			previous:   sha("v1"),
			expApplied: []string{"stale.dat"},
			expWorld:   map[string]string{"keep.dat": "keep"},
		},
		{
			name:       "Delete of changed file",
			files:      map[string]string{"stale.dat": "v1"},
			concurrent: map[string]string{"stale.dat": "v2 from gamma"},
			deletePath: "stale.dat",
			previous:   sha("v1"),
			expFailed:  []string{"stale.dat"},
			expWorld:   map[string]string{"stale.dat": "v2 from gamma"},
		},
		{
			name:       "Delete of file that's already gone",
			files:      map[string]string{"keep.dat": "keep"},
			deletePath: "stale.dat",
			previous:   sha("v1"),
			expApplied: []string{"stale.dat"},
			expWorld:   map[string]string{"keep.dat": "keep"},
		},
	}

	for _, test := range tests {
		setup(t, test.files)

		s := NewSession(worldDir, nil)
		if test.write != nil {
			w := *test.write
			w.Previous = test.previous
			require.NoError(t, s.Stage(context.Background(), w), test.name)
		}
		if test.deletePath != "" {
			s.Delete(test.deletePath, test.previous)
		}

		for relPath, contents := range test.concurrent {
			require.NoError(t, afero.WriteFile(fs, manifest.Join(worldDir, relPath),
				[]byte(contents), 0644), test.name)
		}

		report := s.Commit()
		assert.Equal(t, test.expApplied, report.Applied, test.name)
		assert.Equal(t, test.expFailed, report.FailedPaths(), test.name)
		for _, failure := range report.Failed {
			assert.True(t, errors.Is(failure.Err, errors.ErrFileChanged), test.name)
		}
		assert.Equal(t, test.expWorld, readWorld(t), test.name)
	}
}

func writePtr(w Write) *Write {
	return &w
}

func TestAbort(t *testing.T) {
	setup(t, map[string]string{"level.dat": "old level"})

	s := NewSession(worldDir, nil)
	require.NoError(t, s.Stage(context.Background(), newWrite("level.dat", "new level")))
	s.Delete("level.dat", "")
	assert.Equal(t, 2, s.Pending())

	s.Abort()
	assert.Equal(t, map[string]string{"level.dat": "old level"}, readWorld(t))

	// Committing after an abort is a no-op.
	report := s.Commit()
	assert.Empty(t, report.Applied)
	assert.Equal(t, map[string]string{"level.dat": "old level"}, readWorld(t))
}

func TestStageCancelled(t *testing.T) {
	setup(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSession(worldDir, nil)
	err := s.Stage(ctx, newWrite("level.dat", "new level"))
	assert.Equal(t, context.Canceled, err)
	s.Commit()
	assert.Empty(t, readWorld(t))
}

func TestDeleteRemovesEmptyParents(t *testing.T) {
	setup(t, map[string]string{
		"db/old/000001.ldb": "chunks",
		"db/CURRENT":        "current",
	})

	observer := &recordingObserver{}
	report := Apply(context.Background(), worldDir, nil,
		[]string{"db/old/000001.ldb", "missing.dat"}, observer)
	assert.Empty(t, report.Failed)

	exists, err := afero.DirExists(fs, manifest.Join(worldDir, "db/old"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, map[string]string{"db/CURRENT": "current"}, readWorld(t))
	assert.Equal(t, []expectation{
		{"db/old/000001.ldb", ""},
		{"db/old", ""},
		{"missing.dat", ""},
	}, observer.expected)
}

func TestLocalFile(t *testing.T) {
	setup(t, map[string]string{"level.dat": "level"})

	r, err := LocalFile(worldDir, "level.dat")(context.Background())
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "level", string(b))
	require.NoError(t, r.Close())

	_, err = LocalFile(worldDir, "missing.dat")(context.Background())
	assert.Equal(t, errors.ErrFileChanged, err)
}
