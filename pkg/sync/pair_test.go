package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mcsync/pkg/config"
	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
	"github.com/sidkik/mcsync/pkg/resolve"
	"github.com/sidkik/mcsync/pkg/store"
	"github.com/sidkik/mcsync/pkg/sync/client"
	"github.com/sidkik/mcsync/pkg/sync/client/mocks"
	"github.com/sidkik/mcsync/pkg/transfer"
	"github.com/sidkik/mcsync/pkg/worlds"
)

var (
	oldTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	newTime = time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
)

type testDevice struct {
	root     string
	registry *worlds.Registry
	store    *store.Store
	peers    *Peers
	clock    clockwork.FakeClock
}

func newTestDevice(t *testing.T, peers ...string) *testDevice {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var devices []config.Device
	for _, name := range peers {
		devices = append(devices, config.Device{Name: name, Address: name + ":8080"})
	}

	clock := clockwork.NewFakeClock()
	peerSet, err := NewPeers(devices, st, clock)
	require.NoError(t, err)

	root := t.TempDir()
	return &testDevice{
		root:     root,
		registry: worlds.NewRegistry(root),
		store:    st,
		peers:    peerSet,
		clock:    clock,
	}
}

func (d *testDevice) coordinator(policy resolve.Policy, dial Dialer) *Coordinator {
	return NewCoordinator(Options{
		DeviceName:   "alpha",
		Policy:       policy,
		Interval:     time.Hour,
		MaxBackoff:   time.Minute,
		Worlds:       d.registry,
		Peers:        d.peers,
		Store:        d.store,
		Clock:        d.clock,
		Dial:         dial,
		DisableWatch: true,
	})
}

func (d *testDevice) writeFile(t *testing.T, worldID, relPath, contents string, modTime time.Time) {
	path := filepath.Join(d.root, worldID, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func (d *testDevice) readFile(t *testing.T, worldID, relPath string) string {
	contents, err := os.ReadFile(filepath.Join(d.root, worldID, filepath.FromSlash(relPath)))
	require.NoError(t, err)
	return string(contents)
}

func (d *testDevice) world(t *testing.T, id string) worlds.World {
	world, err := d.registry.Ensure(id)
	require.NoError(t, err)
	return world
}

func sha(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

func record(relPath, contents string, modTime time.Time) manifest.FileRecord {
	return manifest.FileRecord{
		RelativePath: relPath,
		SizeBytes:    int64(len(contents)),
		ModifiedAt:   modTime,
		ContentHash:  sha(contents),
	}
}

func remoteManifest(worldID string, records ...manifest.FileRecord) manifest.Manifest {
	m := manifest.New(worldID, newTime)
	for _, r := range records {
		m.Add(r)
	}
	return m
}

func dialMock(c client.Client) Dialer {
	return func(string) (client.Client, error) {
		return c, nil
	}
}

func expectHandshake(c *mocks.Client, peer string) {
	c.On("Hello", mock.Anything, "alpha").Return(peer, nil)
	c.On("Close").Return(nil)
}

func TestSyncOncePushesNewerLocalFile(t *testing.T) {
	device := newTestDevice(t, "beta")
	world := device.world(t, "world")
	device.writeFile(t, "world", "a.dat", "local", newTime)

	remote := record("a.dat", "remote", oldTime)
	local := record("a.dat", "local", newTime)

	mockClient := new(mocks.Client)
	expectHandshake(mockClient, "beta")
	mockClient.On("GetManifest", mock.Anything, "world").Return(
		remoteManifest("world", remote), true, nil)
	mockClient.On("Push", mock.Anything, "world", local, sha("remote"), mock.Anything).Return(nil).Run(
		func(args mock.Arguments) {
			contents, err := io.ReadAll(args.Get(4).(io.Reader))
			require.NoError(t, err)
			assert.Equal(t, "local", string(contents))
		})
	mockClient.On("Done", mock.Anything, "world", client.DoneReport{}).Return(
		client.DoneReport{AppliedCount: 1}, nil)

	c := device.coordinator(resolve.PolicyNewest, dialMock(mockClient))
	p := newPair(c, world, config.Device{Name: "beta", Address: "beta:8080"})
	require.NoError(t, p.syncOnce(context.Background()))
	mockClient.AssertExpectations(t)

	base, err := device.store.LoadBase("world", "beta")
	require.NoError(t, err)
	agreed, ok := base.Get("a.dat")
	require.True(t, ok)
	assert.Equal(t, local.ContentHash, agreed.ContentHash)

	state := device.peers.Get("beta")
	assert.Equal(t, store.HealthOK, state.ConnectionHealth)
	assert.Equal(t, remoteManifest("world", remote).Version(),
		state.LastKnownManifestVersion["world"])
}

func TestSyncOnceFetchesNewerRemoteFile(t *testing.T) {
	device := newTestDevice(t, "beta")
	world := device.world(t, "world")
	device.writeFile(t, "world", "a.dat", "local", oldTime)

	remote := record("a.dat", "remote", newTime)

	mockClient := new(mocks.Client)
	expectHandshake(mockClient, "beta")
	mockClient.On("GetManifest", mock.Anything, "world").Return(
		remoteManifest("world", remote), true, nil)
	mockClient.On("Fetch", mock.Anything, "world", remote).Return(
		io.NopCloser(strings.NewReader("remote")), nil)
	mockClient.On("Done", mock.Anything, "world", client.DoneReport{AppliedCount: 1}).Return(
		client.DoneReport{}, nil)

	c := device.coordinator(resolve.PolicyNewest, dialMock(mockClient))
	p := newPair(c, world, config.Device{Name: "beta", Address: "beta:8080"})
	require.NoError(t, p.syncOnce(context.Background()))
	mockClient.AssertExpectations(t)

	assert.Equal(t, "remote", device.readFile(t, "world", "a.dat"))
	fi, err := os.Stat(filepath.Join(world.Dir, "a.dat"))
	require.NoError(t, err)
	assert.True(t, newTime.Equal(fi.ModTime()))

	// The write was announced so that the watcher ignores it.
	assert.NotZero(t, c.suppressors.For("world").Pending())
}

func TestSyncOnceAbortsWhenPeerDisappears(t *testing.T) {
	device := newTestDevice(t, "beta")
	world := device.world(t, "world")
	device.writeFile(t, "world", "a.dat", "local", oldTime)

	mockClient := new(mocks.Client)
	expectHandshake(mockClient, "beta")
	mockClient.On("GetManifest", mock.Anything, "world").Return(remoteManifest("world",
		record("a.dat", "remote", newTime),
		record("b.dat", "remote b", newTime),
	), true, nil)
	mockClient.On("Fetch", mock.Anything, "world", mock.Anything).Return(
		nil, errors.TransientNetworkError{Op: "rpc", Err: errors.New("connection reset")})

	c := device.coordinator(resolve.PolicyNewest, dialMock(mockClient))
	p := newPair(c, world, config.Device{Name: "beta", Address: "beta:8080"})
	err := p.syncOnce(context.Background())
	assert.True(t, errors.IsTransient(err), "unexpected error: %v", err)

	// The world is untouched, and no staged files are left behind.
	assert.Equal(t, "local", device.readFile(t, "world", "a.dat"))
	_, err = os.Stat(filepath.Join(world.Dir, "b.dat"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(world.Dir, transfer.StagingDir))
	assert.True(t, os.IsNotExist(err))
	mockClient.AssertNotCalled(t, "Done", mock.Anything, mock.Anything, mock.Anything)

	base, err := device.store.LoadBase("world", "beta")
	require.NoError(t, err)
	assert.Zero(t, base.Len())
}

func TestSyncOnceRetriesFailedPaths(t *testing.T) {
	device := newTestDevice(t, "beta")
	world := device.world(t, "world")
	device.writeFile(t, "world", "a.dat", "local a", newTime)
	device.writeFile(t, "world", "b.dat", "local b", newTime)

	mockClient := new(mocks.Client)
	expectHandshake(mockClient, "beta")
	mockClient.On("GetManifest", mock.Anything, "world").Return(
		manifest.Manifest{}, false, nil)
	mockClient.On("Push", mock.Anything, "world", mock.Anything, manifest.NoFile,
		mock.Anything).Return(nil)
	mockClient.On("Done", mock.Anything, "world", client.DoneReport{}).Return(
		client.DoneReport{AppliedCount: 1, FailedPaths: []string{"b.dat"}}, nil)

	c := device.coordinator(resolve.PolicyNewest, dialMock(mockClient))
	p := newPair(c, world, config.Device{Name: "beta", Address: "beta:8080"})
	require.NoError(t, p.syncOnce(context.Background()))
	mockClient.AssertNumberOfCalls(t, "Push", 2)

	// Only the file that the peer applied is part of the agreed state.
	base, err := device.store.LoadBase("world", "beta")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.dat"}, base.Paths())
}

func TestSyncOnceFutureRemoteOnlyFile(t *testing.T) {
	device := newTestDevice(t, "beta")
	world := device.world(t, "world")

	// The file only exists on the peer, and its clock is a day ahead.
	remote := record("a.dat", "remote", time.Now().Add(24*time.Hour))

	mockClient := new(mocks.Client)
	expectHandshake(mockClient, "beta")
	mockClient.On("GetManifest", mock.Anything, "world").Return(
		remoteManifest("world", remote), true, nil)
	mockClient.On("Fetch", mock.Anything, "world", remote).Return(
		io.NopCloser(strings.NewReader("remote")), nil)
	mockClient.On("Done", mock.Anything, "world", client.DoneReport{AppliedCount: 1}).Return(
		client.DoneReport{}, nil)

	c := device.coordinator(resolve.PolicyNewest, dialMock(mockClient))
	p := newPair(c, world, config.Device{Name: "beta", Address: "beta:8080"})
	require.NoError(t, p.syncOnce(context.Background()))
	mockClient.AssertExpectations(t)
	assert.Equal(t, "remote", device.readFile(t, "world", "a.dat"))
}

func TestSyncOnceKeepsFileChangedDuringExchange(t *testing.T) {
	device := newTestDevice(t, "beta")
	world := device.world(t, "world")
	device.writeFile(t, "world", "x.dat", "v1", oldTime)

	// Both devices had x.dat at the end of the last exchange, and the peer
	// has deleted it since.
	base := remoteManifest("world", record("x.dat", "v1", oldTime))
	require.NoError(t, device.store.SaveBase("world", "beta", base))

	mockClient := new(mocks.Client)
	expectHandshake(mockClient, "beta")
	mockClient.On("GetManifest", mock.Anything, "world").Return(
		remoteManifest("world"), true, nil).Run(
		func(mock.Arguments) {
			// Another exchange writes a new version after the local
			// manifest was built.
			device.writeFile(t, "world", "x.dat", "v2 from gamma", newTime)
		})
	mockClient.On("Done", mock.Anything, "world",
		client.DoneReport{FailedPaths: []string{"x.dat"}}).Return(client.DoneReport{}, nil)

	c := device.coordinator(resolve.PolicyNewest, dialMock(mockClient))
	p := newPair(c, world, config.Device{Name: "beta", Address: "beta:8080"})
	require.NoError(t, p.syncOnce(context.Background()))
	mockClient.AssertExpectations(t)

	assert.Equal(t, "v2 from gamma", device.readFile(t, "world", "x.dat"))

	// The deletion wasn't agreed on, so the next exchange resolves x.dat
	// against the old base again.
	agreed, err := device.store.LoadBase("world", "beta")
	require.NoError(t, err)
	f, ok := agreed.Get("x.dat")
	require.True(t, ok)
	assert.Equal(t, sha("v1"), f.ContentHash)
}

func TestSyncOnceProtocolError(t *testing.T) {
	device := newTestDevice(t, "beta")
	world := device.world(t, "world")

	mismatch := errors.VersionMismatch{Local: "1.0.0", Remote: "2.0.0"}
	mockClient := new(mocks.Client)
	mockClient.On("Hello", mock.Anything, "alpha").Return("", mismatch)
	mockClient.On("Close").Return(nil)

	c := device.coordinator(resolve.PolicyNewest, dialMock(mockClient))
	p := newPair(c, world, config.Device{Name: "beta", Address: "beta:8080"})

	// Protocol errors aren't retried until the next interval.
	p.syncUntilReachable(context.Background())
	assert.Equal(t, Idle, p.State())
	mockClient.AssertNumberOfCalls(t, "Hello", 1)

	state := device.peers.Get("beta")
	assert.Equal(t, store.HealthIncompatible, state.ConnectionHealth)
	assert.Equal(t, 1, state.ConsecutiveFailures)
}

func TestUnreachablePeerBacksOff(t *testing.T) {
	device := newTestDevice(t, "beta", "gamma")
	device.world(t, "world")
	device.writeFile(t, "world", "level.dat", "level", oldTime)

	gamma := new(mocks.Client)
	expectHandshake(gamma, "gamma")
	gamma.On("GetManifest", mock.Anything, "world").Return(remoteManifest("world",
		record("level.dat", "level", oldTime)), true, nil)
	gamma.On("Done", mock.Anything, "world", client.DoneReport{}).Return(client.DoneReport{}, nil)

	dial := func(address string) (client.Client, error) {
		if address == "beta:8080" {
			return nil, errors.New("connection refused")
		}
		return gamma, nil
	}

	c := device.coordinator(resolve.PolicyNewest, dial)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, c.Run(ctx))
		close(done)
	}()

	assert.Eventually(t, func() bool {
		states := c.States()
		return states["world/beta"] == Backoff && states["world/gamma"] == Idle &&
			device.peers.Get("gamma").ConnectionHealth == store.HealthOK
	}, 5*time.Second, 10*time.Millisecond)

	beta := device.peers.Get("beta")
	assert.Equal(t, store.HealthUnreachable, beta.ConnectionHealth)
	assert.Equal(t, 1, beta.ConsecutiveFailures)

	// The retry happens once the backoff delay passes.
	assert.Eventually(t, func() bool {
		device.clock.Advance(minRetryDelay)
		return device.peers.Get("beta").ConsecutiveFailures >= 2
	}, 5*time.Second, 10*time.Millisecond)
	gamma.AssertNumberOfCalls(t, "Hello", 1)

	cancel()
	<-done
}

func TestResponderNotifies(t *testing.T) {
	device := newTestDevice(t, "aardvark")
	world := device.world(t, "world")

	notified := make(chan struct{}, 2)
	mockClient := new(mocks.Client)
	mockClient.On("Notify", mock.Anything, "alpha", "world").Return(nil).Run(
		func(mock.Arguments) {
			notified <- struct{}{}
		})
	mockClient.On("Close").Return(nil)

	c := device.coordinator(resolve.PolicyNewest, dialMock(mockClient))
	p := newPair(c, world, config.Device{Name: "aardvark", Address: "aardvark:8080"})
	assert.False(t, p.initiator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	waitForNotify := func(msg string) {
		select {
		case <-notified:
		case <-time.After(5 * time.Second):
			t.Fatal(msg)
		}
	}

	// The peer may not know about the world yet, so it's told at startup.
	waitForNotify("Peer wasn't notified at startup")

	p.Trigger()
	waitForNotify("Peer wasn't notified of changes")
	mockClient.AssertNotCalled(t, "Hello", mock.Anything, mock.Anything)
}

func TestResponderRetriesNotify(t *testing.T) {
	device := newTestDevice(t, "aardvark")
	world := device.world(t, "world")

	notified := make(chan struct{}, 1)
	mockClient := new(mocks.Client)
	mockClient.On("Notify", mock.Anything, "alpha", "world").Return(
		errors.TransientNetworkError{Op: "rpc", Err: errors.New("connection refused")}).Once()
	mockClient.On("Notify", mock.Anything, "alpha", "world").Return(nil).Run(
		func(mock.Arguments) {
			notified <- struct{}{}
		})
	mockClient.On("Close").Return(nil)

	c := device.coordinator(resolve.PolicyNewest, dialMock(mockClient))
	p := newPair(c, world, config.Device{Name: "aardvark", Address: "aardvark:8080"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx)

	// The failed notification is retried on the next tick.
	device.clock.BlockUntil(1)
	device.clock.Advance(time.Hour)
	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("Notification wasn't retried")
	}
}

func TestLogFileFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expLevel log.Level
	}{
		{
			name:     "Changed during the exchange",
			err:      errors.WithContext(errors.ErrFileChanged, "x.dat"),
			expLevel: log.WarnLevel,
		},
		{
			name: "Open in the game",
			err: errors.FilesystemError{Op: "rename", Path: "level.dat",
				Err: &os.PathError{Op: "rename", Path: "level.dat", Err: os.ErrPermission}},
			expLevel: log.WarnLevel,
		},
		{
			name:     "Disk full",
			err:      errors.FilesystemError{Op: "write", Path: "level.dat", Err: errors.New("no space left on device")},
			expLevel: log.ErrorLevel,
		},
		{
			name:     "Rejected by the peer",
			err:      errors.ProtocolError{Reason: "invalid path"},
			expLevel: log.ErrorLevel,
		},
	}

	device := newTestDevice(t, "beta")
	c := device.coordinator(resolve.PolicyNewest, dialMock(new(mocks.Client)))
	p := newPair(c, device.world(t, "world"), config.Device{Name: "beta", Address: "beta:8080"})
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			hook := logrusTest.NewGlobal()
			p.logFileFailure(test.err, "level.dat", "Failed to sync file")
			if assert.Len(t, hook.Entries, 1) {
				assert.Equal(t, test.expLevel, hook.LastEntry().Level)
				assert.Equal(t, "level.dat", hook.LastEntry().Data["path"])
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		max      time.Duration
		exp      time.Duration
	}{
		{"FirstFailure", 1, time.Minute, 2 * time.Second},
		{"Doubles", 3, time.Minute, 8 * time.Second},
		{"Capped", 10, time.Minute, time.Minute},
		{"SmallCap", 1, time.Second, time.Second},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, retryDelay(test.failures, test.max))
		})
	}
}
