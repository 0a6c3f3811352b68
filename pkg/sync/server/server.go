// Package server answers the sync protocol on behalf of the local device.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"os"
	goSync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"google.golang.org/grpc"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
	"github.com/sidkik/mcsync/pkg/proto/mcsync"
	"github.com/sidkik/mcsync/pkg/sync"
	"github.com/sidkik/mcsync/pkg/transfer"
	"github.com/sidkik/mcsync/pkg/version"
	"github.com/sidkik/mcsync/pkg/worlds"

	_ "google.golang.org/grpc/encoding/gzip" // Install the gzip compressor
)

const (
	// DefaultSessionTimeout is how long a session may go without a request
	// before its staged files are discarded.
	DefaultSessionTimeout = 5 * time.Minute

	chunkSize = 32 * 1024
)

// Variables mocked for unit testing.
var (
	fs            = afero.NewOsFs()
	buildManifest = manifest.Build
)

// Options configures the server.
type Options struct {
	DeviceName  string
	Worlds      *worlds.Registry
	Locks       *sync.WorldLocks
	Suppressors *sync.Suppressors

	// OnNotify is called when a peer reports that one of its worlds
	// changed. It may be nil.
	OnNotify func(peer, worldID string) error

	SessionTimeout time.Duration
	Clock          clockwork.Clock
}

type server struct {
	opts Options

	sessionsLock goSync.Mutex
	sessions     map[string]*session
}

// session holds the state of one exchange with a peer.
type session struct {
	peer string

	// lock is held while a request of the session is being handled.
	lock       goSync.Mutex
	lastActive time.Time
	transfers  map[string]*transfer.Session
}

// New creates the sync service.
func New(opts Options) mcsync.SyncServer {
	return newServer(opts)
}

func newServer(opts Options) *server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Locks == nil {
		opts.Locks = sync.NewWorldLocks()
	}
	if opts.Suppressors == nil {
		opts.Suppressors = sync.NewSuppressors(opts.Clock)
	}
	return &server{opts: opts, sessions: map[string]*session{}}
}

// Run listens for peers on `address` until the context is cancelled.
func Run(ctx context.Context, address string, opts Options) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.WithContext(err, "listen")
	}
	return Serve(ctx, lis, opts)
}

// Serve answers peers on `lis` until the context is cancelled.
func Serve(ctx context.Context, lis net.Listener, opts Options) error {
	s := newServer(opts)
	grpcServer := grpc.NewServer()
	mcsync.RegisterSyncServer(grpcServer, s)

	go s.expireSessions(ctx)
	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	log.WithField("address", lis.Addr().String()).Info("Sync server is ready")
	if err := grpcServer.Serve(lis); err != nil {
		return errors.WithContext(err, "serve")
	}
	return nil
}

func (s *server) Hello(ctx context.Context, req *mcsync.HelloRequest) (*mcsync.HelloResponse, error) {
	resp := &mcsync.HelloResponse{
		DeviceName:      s.opts.DeviceName,
		ProtocolVersion: version.ProtocolVersion,
	}

	if err := version.CheckCompatible(req.ProtocolVersion); err != nil {
		log.WithError(err).WithField("peer", req.DeviceName).Warn(
			"Rejected peer with an incompatible protocol version")
		resp.Error = errors.Marshal(err)
		return resp, nil
	}

	id := uuid.New().String()
	s.sessionsLock.Lock()
	s.sessions[id] = &session{
		peer:       req.DeviceName,
		lastActive: s.opts.Clock.Now(),
		transfers:  map[string]*transfer.Session{},
	}
	s.sessionsLock.Unlock()

	log.WithFields(log.Fields{
		"peer":    req.DeviceName,
		"session": id,
	}).Debug("Started session")
	resp.SessionID = id
	return resp, nil
}

func (s *server) GetManifest(ctx context.Context, req *mcsync.ManifestRequest) (
	*mcsync.ManifestResponse, error) {

	sess, err := s.acquire(req.SessionID)
	if err != nil {
		return &mcsync.ManifestResponse{Error: errors.Marshal(err)}, nil
	}
	defer s.release(sess)

	world, err := s.findWorld(req.WorldID)
	if err != nil {
		return &mcsync.ManifestResponse{Error: errors.Marshal(err)}, nil
	}

	unlock := s.opts.Locks.Read(world.ID)
	m, err := buildManifest(world.ID, world.Dir)
	unlock()
	if err != nil {
		return &mcsync.ManifestResponse{
			Error: errors.Marshal(errors.WithContext(err, "build manifest")),
		}, nil
	}

	pbManifest := m.Marshal()
	return &mcsync.ManifestResponse{Manifest: &pbManifest}, nil
}

func (s *server) Fetch(req *mcsync.FetchRequest, stream mcsync.Sync_FetchServer) error {
	// Send any error in the final message of the stream rather than at the
	// transport level. This lets clients better handle errors.
	finish := func(err error) error {
		if err := stream.Send(&mcsync.FetchChunk{Error: errors.Marshal(err)}); err != nil {
			return errors.WithContext(err, "send error")
		}
		return nil
	}

	sess, err := s.acquire(req.SessionID)
	if err != nil {
		return finish(err)
	}
	defer s.release(sess)

	world, err := s.findWorld(req.WorldID)
	if err != nil {
		return finish(err)
	}
	if err := manifest.ValidatePath(req.Path); err != nil {
		return finish(err)
	}

	unlock := s.opts.Locks.Read(world.ID)
	defer unlock()

	f, err := fs.Open(manifest.Join(world.Dir, req.Path))
	if err != nil {
		if os.IsNotExist(err) {
			return finish(errors.ErrFileChanged)
		}
		return finish(errors.FilesystemError{Op: "open", Path: req.Path, Err: err})
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	var size int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = hasher.Write(buf[:n])
			size += int64(n)
			if err := stream.Send(&mcsync.FetchChunk{Chunk: buf[:n]}); err != nil {
				return errors.WithContext(err, "send chunk")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return finish(errors.FilesystemError{Op: "read", Path: req.Path, Err: err})
		}
	}

	return stream.Send(&mcsync.FetchChunk{Trailer: &mcsync.FetchTrailer{
		Hash: hex.EncodeToString(hasher.Sum(nil)),
		Size: size,
	}})
}

func (s *server) Push(stream mcsync.Sync_PushServer) error {
	finish := func(err error) error {
		msg := &mcsync.PushResponse{Error: errors.Marshal(err)}
		if err := stream.SendAndClose(msg); err != nil {
			return errors.WithContext(err, "close stream")
		}
		return nil
	}

	// The first message in the stream says what file the chunks are for.
	headerMsg, err := stream.Recv()
	if err != nil {
		return errors.WithContext(err, "read header")
	}
	header := headerMsg.Header
	if header == nil {
		return finish(errors.ProtocolError{Reason: "push is missing its header"})
	}

	record, err := manifest.UnmarshalRecord(header.Record)
	if err != nil {
		return finish(err)
	}

	sess, err := s.acquire(header.SessionID)
	if err != nil {
		return finish(err)
	}
	defer s.release(sess)

	// Worlds that only exist on the peer are created by the first push.
	world, err := s.opts.Worlds.Ensure(header.WorldID)
	if err != nil {
		return finish(err)
	}

	tx := s.transferFor(sess, world)
	err = tx.Stage(stream.Context(), transfer.Write{
		Record: record,
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(&pushReader{stream: stream}), nil
		},
		Previous: header.Previous,
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer":  sess.peer,
			"world": world.ID,
			"path":  record.RelativePath,
		}).Warn("Failed to receive file")
	}
	return finish(err)
}

type pushReader struct {
	stream mcsync.Sync_PushServer
	buf    []byte
}

func (r *pushReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		msg, err := r.stream.Recv()
		if err == io.EOF {
			return 0, io.EOF
		}
		if err != nil {
			return 0, errors.TransientNetworkError{Op: "receive chunk", Err: err}
		}
		r.buf = msg.Chunk
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (s *server) Delete(ctx context.Context, req *mcsync.DeleteRequest) (*mcsync.DeleteResponse, error) {
	sess, err := s.acquire(req.SessionID)
	if err != nil {
		return &mcsync.DeleteResponse{Error: errors.Marshal(err)}, nil
	}
	defer s.release(sess)

	if err := manifest.ValidatePath(req.Path); err != nil {
		return &mcsync.DeleteResponse{Error: errors.Marshal(err)}, nil
	}

	world, err := s.findWorld(req.WorldID)
	if err != nil {
		return &mcsync.DeleteResponse{Error: errors.Marshal(err)}, nil
	}

	s.transferFor(sess, world).Delete(req.Path, req.Previous)
	return &mcsync.DeleteResponse{}, nil
}

func (s *server) Done(ctx context.Context, req *mcsync.DoneRequest) (*mcsync.DoneResponse, error) {
	sess, err := s.acquire(req.SessionID)
	if err != nil {
		return &mcsync.DoneResponse{Error: errors.Marshal(err)}, nil
	}
	defer s.release(sess)

	logger := log.WithFields(log.Fields{
		"peer":  sess.peer,
		"world": req.WorldID,
	})
	if len(req.FailedPaths) != 0 {
		logger.WithField("paths", req.FailedPaths).Info("Peer failed to apply some files")
	}

	tx, ok := sess.transfers[req.WorldID]
	if !ok {
		return &mcsync.DoneResponse{}, nil
	}
	delete(sess.transfers, req.WorldID)

	unlock := s.opts.Locks.Write(req.WorldID)
	report := tx.Commit()
	unlock()

	if len(report.Applied) != 0 || report.HasFailures() {
		logger.WithFields(log.Fields{
			"applied": len(report.Applied),
			"failed":  len(report.Failed),
		}).Info("Applied changes from peer")
	}
	return &mcsync.DoneResponse{
		AppliedCount: len(report.Applied),
		FailedPaths:  report.FailedPaths(),
	}, nil
}

func (s *server) Notify(ctx context.Context, req *mcsync.NotifyRequest) (*mcsync.NotifyResponse, error) {
	if !worlds.IsValidID(req.WorldID) {
		return &mcsync.NotifyResponse{Error: errors.Marshal(
			errors.ProtocolError{Reason: "invalid world id " + req.WorldID})}, nil
	}

	log.WithFields(log.Fields{
		"peer":  req.DeviceName,
		"world": req.WorldID,
	}).Debug("Peer reported changes")
	if s.opts.OnNotify == nil {
		return &mcsync.NotifyResponse{}, nil
	}
	return &mcsync.NotifyResponse{Error: errors.Marshal(s.opts.OnNotify(req.DeviceName, req.WorldID))}, nil
}

// acquire locks the session for the duration of a request.
func (s *server) acquire(id string) (*session, error) {
	s.sessionsLock.Lock()
	sess, ok := s.sessions[id]
	s.sessionsLock.Unlock()
	if !ok {
		return nil, errors.ProtocolError{Reason: "unknown session. Hello must be called first"}
	}

	sess.lock.Lock()
	sess.lastActive = s.opts.Clock.Now()
	return sess, nil
}

func (s *server) release(sess *session) {
	sess.lastActive = s.opts.Clock.Now()
	sess.lock.Unlock()
}

func (s *server) findWorld(worldID string) (worlds.World, error) {
	if world, ok := s.opts.Worlds.Get(worldID); ok {
		return world, nil
	}

	// The world may have been created since the last scan.
	if _, err := s.opts.Worlds.Scan(); err != nil {
		return worlds.World{}, errors.WithContext(err, "scan worlds")
	}
	if world, ok := s.opts.Worlds.Get(worldID); ok {
		return world, nil
	}
	return worlds.World{}, errors.WorldNotFound{WorldID: worldID}
}

// transferFor returns the transfer session that stages the session's
// changes to the world. Must be called with the session locked.
func (s *server) transferFor(sess *session, world worlds.World) *transfer.Session {
	tx, ok := sess.transfers[world.ID]
	if !ok {
		tx = transfer.NewSession(world.Dir, s.opts.Suppressors.For(world.ID))
		sess.transfers[world.ID] = tx
	}
	return tx
}

// expireSessions discards the staged changes of sessions that were
// abandoned by their peer.
func (s *server) expireSessions(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(s.opts.SessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.expireSessionsOnce(time.Time{})
			return
		case <-ticker.Chan():
			s.expireSessionsOnce(s.opts.Clock.Now().Add(-s.opts.SessionTimeout))
		}
	}
}

// expireSessionsOnce aborts the sessions that have been idle since before
// `cutoff`. A zero cutoff aborts every idle session.
func (s *server) expireSessionsOnce(cutoff time.Time) {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()

	for id, sess := range s.sessions {
		// Sessions in the middle of a request are still in use.
		if !sess.lock.TryLock() {
			continue
		}

		if cutoff.IsZero() || sess.lastActive.Before(cutoff) {
			for worldID, tx := range sess.transfers {
				if tx.Pending() != 0 {
					log.WithFields(log.Fields{
						"peer":  sess.peer,
						"world": worldID,
					}).Info("Discarding changes from an abandoned session")
				}
				tx.Abort()
			}
			delete(s.sessions, id)
		}
		sess.lock.Unlock()
	}
}
