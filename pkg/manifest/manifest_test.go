package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/proto/mcsync"
)

type mockFile struct {
	path     string
	contents string
	modTime  time.Time
}

func (f mockFile) writeToFs(t *testing.T) {
	require.NoError(t, afero.WriteFile(fs, f.path, []byte(f.contents), 0644))
	if !f.modTime.IsZero() {
		require.NoError(t, fs.Chtimes(f.path, f.modTime, f.modTime))
	}
}

func sha(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

func TestBuild(t *testing.T) {
	fs = afero.NewMemMapFs()
	generatedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return generatedAt }
	defer func() { now = time.Now }()

	modTime := time.Date(2024, 2, 1, 8, 30, 0, 0, time.UTC)
	files := []mockFile{
		{path: "/worlds/abc/level.dat", contents: "level", modTime: modTime},
		{path: "/worlds/abc/levelname.txt", contents: "My World", modTime: modTime},
		{path: "/worlds/abc/db/000005.ldb", contents: "chunks", modTime: modTime},
		{path: "/worlds/abc/.mcsync-staging/tmp-1", contents: "partial", modTime: modTime},
		{path: "/worlds/abc/db/.mcsync-tmp", contents: "partial", modTime: modTime},
		{path: "/worlds/other/level.dat", contents: "other", modTime: modTime},
	}
	for _, f := range files {
		f.writeToFs(t)
	}

	m, err := Build("abc", "/worlds/abc")
	require.NoError(t, err)

	exp := Manifest{
		WorldID:     "abc",
		GeneratedAt: generatedAt,
		Files: map[string]FileRecord{
			"level.dat": {
				RelativePath: "level.dat", SizeBytes: 5,
				ModifiedAt: modTime, ContentHash: sha("level"),
			},
			"levelname.txt": {
				RelativePath: "levelname.txt", SizeBytes: 8,
				ModifiedAt: modTime, ContentHash: sha("My World"),
			},
			"db/000005.ldb": {
				RelativePath: "db/000005.ldb", SizeBytes: 6,
				ModifiedAt: modTime, ContentHash: sha("chunks"),
			},
		},
	}
	assert.Equal(t, exp, m)
	assert.Equal(t, []string{"db/000005.ldb", "level.dat", "levelname.txt"}, m.Paths())
	assert.Equal(t, int64(19), m.TotalBytes())
}

func TestBuildMissingDirectory(t *testing.T) {
	fs = afero.NewMemMapFs()
	_, err := Build("abc", "/worlds/abc")
	assert.Equal(t, errors.FileNotFound{Path: "/worlds/abc"}, err)
}

func TestBuildDetectsContentChanges(t *testing.T) {
	fs = afero.NewMemMapFs()
	modTime := time.Date(2024, 2, 1, 8, 30, 0, 0, time.UTC)

	mockFile{path: "/w/a.dat", contents: "aaaa", modTime: modTime}.writeToFs(t)
	before, err := Build("w", "/w")
	require.NoError(t, err)

	// Same bytes, new timestamp: unchanged.
	mockFile{path: "/w/a.dat", contents: "aaaa", modTime: modTime.Add(time.Hour)}.writeToFs(t)
	retimestamped, err := Build("w", "/w")
	require.NoError(t, err)
	assert.True(t, before.Files["a.dat"].SameContent(retimestamped.Files["a.dat"]))
	assert.Equal(t, before.Version(), retimestamped.Version())

	// Same size and timestamp, different bytes: changed.
	mockFile{path: "/w/a.dat", contents: "bbbb", modTime: modTime}.writeToFs(t)
	rewritten, err := Build("w", "/w")
	require.NoError(t, err)
	assert.Equal(t, before.Files["a.dat"].SizeBytes, rewritten.Files["a.dat"].SizeBytes)
	assert.False(t, before.Files["a.dat"].SameContent(rewritten.Files["a.dat"]))
	assert.NotEqual(t, before.Version(), rewritten.Version())
}

func TestHashReaderLargeInput(t *testing.T) {
	contents := strings.Repeat("minecraft", 100000)
	actual, err := HashReader(strings.NewReader(contents))
	require.NoError(t, err)
	assert.Equal(t, sha(contents), actual)
}

func TestValidatePath(t *testing.T) {
	valid := []string{"level.dat", "db/000005.ldb", "resource_packs/x/manifest.json"}
	for _, p := range valid {
		assert.NoError(t, ValidatePath(p), p)
	}

	invalid := []string{"", "/etc/passwd", "../escape", "db/../../escape", "./level.dat",
		"db//x", `db\x`, ".mcsync-staging/x", "db/"}
	for _, p := range invalid {
		err := ValidatePath(p)
		var protoErr errors.ProtocolError
		assert.True(t, errors.As(err, &protoErr), p)
	}
}

func TestUnmarshal(t *testing.T) {
	modTime := time.Date(2024, 2, 1, 8, 30, 0, 0, time.UTC)
	m := New("abc", modTime)
	m.Add(FileRecord{RelativePath: "b", SizeBytes: 1, ModifiedAt: modTime, ContentHash: sha("b")})
	m.Add(FileRecord{RelativePath: "a", SizeBytes: 1, ModifiedAt: modTime, ContentHash: sha("a")})

	pb := m.Marshal()
	assert.Equal(t, "a", pb.Files[0].Path, "files are ordered by path")

	parsed, err := Unmarshal(pb)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)

	pb.Files = append(pb.Files, mcsync.FileRecord{Path: "../../x", Hash: sha("x")})
	_, err = Unmarshal(pb)
	assert.Error(t, err)

	_, err = Unmarshal(mcsync.Manifest{Files: []mcsync.FileRecord{
		{Path: "a", Hash: sha("a")}, {Path: "a", Hash: sha("a")},
	}})
	assert.Error(t, err)

	_, err = Unmarshal(mcsync.Manifest{Files: []mcsync.FileRecord{{Path: "a", Hash: "short"}}})
	assert.Error(t, err)
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved(".mcsync"))
	assert.True(t, IsReserved("db/.mcsync-tmp-123"))
	assert.False(t, IsReserved("db/mcsync"))
}
