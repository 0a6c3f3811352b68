package client

//go:generate mockery -name Client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
	"github.com/sidkik/mcsync/pkg/proto/mcsync"
	"github.com/sidkik/mcsync/pkg/version"
)

const (
	// DefaultCallTimeout bounds each request that isn't a file transfer.
	DefaultCallTimeout = 30 * time.Second

	// DefaultStallTimeout is how long a file transfer may go without making
	// progress before it's aborted.
	DefaultStallTimeout = 30 * time.Second

	chunkSize = 32 * 1024
)

// Client is the interface for exchanging a world with a peer. A Client
// represents one session: Hello must be called before any other method.
type Client interface {
	// Hello performs the handshake, and returns the peer's device name.
	Hello(ctx context.Context, deviceName string) (string, error)

	// GetManifest returns the peer's manifest for the world. The boolean is
	// false if the peer doesn't have the world yet.
	GetManifest(ctx context.Context, worldID string) (manifest.Manifest, bool, error)

	// Fetch returns the contents of a file on the peer. Reading returns
	// errors.ErrFileChanged if the contents no longer match `record`.
	Fetch(ctx context.Context, worldID string, record manifest.FileRecord) (io.ReadCloser, error)

	// Push stages a file on the peer. The peer applies pushed files when
	// Done is called, as long as the file still has the contents `previous`
	// on the peer.
	Push(ctx context.Context, worldID string, record manifest.FileRecord,
		previous string, contents io.Reader) error

	// Delete queues the removal of a file on the peer. Like Push, the file is
	// only removed if it still has the contents `previous`.
	Delete(ctx context.Context, worldID, relPath, previous string) error

	// Done ends the exchange for the world. The peer applies the pushed
	// files and deletions, and reports which failed.
	Done(ctx context.Context, worldID string, report DoneReport) (DoneReport, error)

	// Notify tells the peer that a world changed on this device.
	Notify(ctx context.Context, deviceName, worldID string) error

	Close() error
}

// DoneReport summarizes what one side applied during an exchange.
type DoneReport struct {
	AppliedCount int
	FailedPaths  []string
}

// Options configures a Client.
type Options struct {
	CallTimeout  time.Duration
	StallTimeout time.Duration
	Clock        clockwork.Clock

	// DialOptions are passed to the gRPC client in addition to the
	// defaults.
	DialOptions []grpc.DialOption
}

type client struct {
	pbClient mcsync.SyncClient
	grpcConn *grpc.ClientConn

	sessionID    string
	callTimeout  time.Duration
	stallTimeout time.Duration
	clock        clockwork.Clock
}

// New returns a Client for the peer at `address`. The connection is
// established lazily by the first call.
func New(address string, opts Options) (Client, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.UseCompressor(gzip.Name),
			grpc.CallContentSubtype(mcsync.CodecName),
		),
	}, opts.DialOptions...)

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}

	return &client{
		pbClient:     mcsync.NewSyncClient(conn),
		grpcConn:     conn,
		callTimeout:  opts.CallTimeout,
		stallTimeout: opts.StallTimeout,
		clock:        opts.Clock,
	}, nil
}

func (c *client) Hello(ctx context.Context, deviceName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.pbClient.Hello(ctx, &mcsync.HelloRequest{
		DeviceName:      deviceName,
		ProtocolVersion: version.ProtocolVersion,
	})
	if err := errors.Unmarshal(err, resp.GetError()); err != nil {
		return "", err
	}

	if err := version.CheckCompatible(resp.ProtocolVersion); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", errors.ProtocolError{Reason: "missing session id"}
	}

	c.sessionID = resp.SessionID
	return resp.DeviceName, nil
}

func (c *client) GetManifest(ctx context.Context, worldID string) (manifest.Manifest, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.pbClient.GetManifest(ctx, &mcsync.ManifestRequest{
		SessionID: c.sessionID,
		WorldID:   worldID,
	})
	err = errors.Unmarshal(err, resp.GetError())
	if err != nil {
		var notFound errors.WorldNotFound
		if errors.As(err, &notFound) {
			return manifest.Manifest{}, false, nil
		}
		return manifest.Manifest{}, false, err
	}

	pbManifest := resp.GetManifest()
	if pbManifest == nil {
		return manifest.Manifest{}, false, errors.ProtocolError{Reason: "empty manifest response"}
	}
	if pbManifest.WorldID != worldID {
		return manifest.Manifest{}, false, errors.ProtocolError{
			Reason: "manifest is for world " + pbManifest.WorldID}
	}

	m, err := manifest.Unmarshal(*pbManifest)
	if err != nil {
		return manifest.Manifest{}, false, errors.WithContext(err, "parse manifest")
	}
	return m, true, nil
}

func (c *client) Fetch(ctx context.Context, worldID string, record manifest.FileRecord) (
	io.ReadCloser, error) {

	ctx, cancel := context.WithCancel(ctx)
	watchdog := newWatchdog(c.clock, c.stallTimeout, cancel)
	stream, err := c.pbClient.Fetch(ctx, &mcsync.FetchRequest{
		SessionID: c.sessionID,
		WorldID:   worldID,
		Path:      record.RelativePath,
	})
	if err != nil {
		watchdog.stop()
		cancel()
		return nil, errors.Unmarshal(err, nil)
	}

	return &fetchReader{
		stream:   stream,
		expected: record,
		hasher:   sha256.New(),
		watchdog: watchdog,
		cancel:   cancel,
	}, nil
}

func (c *client) Push(ctx context.Context, worldID string, record manifest.FileRecord,
	previous string, contents io.Reader) error {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := newWatchdog(c.clock, c.stallTimeout, cancel)
	defer watchdog.stop()

	stream, err := c.pbClient.Push(ctx)
	if err != nil {
		return errors.Unmarshal(err, nil)
	}

	// Inform the peer what file we're staging in the first message.
	err = stream.Send(&mcsync.PushMessage{Header: &mcsync.PushHeader{
		SessionID: c.sessionID,
		WorldID:   worldID,
		Record:    record.Marshal(),
		Previous:  previous,
	}})
	if err != nil {
		return c.pushFailed(stream, watchdog, err, "send header")
	}

	// Send the contents of the file to the peer in `chunkSize` increments.
	buf := make([]byte, chunkSize)
	for {
		n, err := contents.Read(buf)
		if n > 0 {
			if sendErr := stream.Send(&mcsync.PushMessage{Chunk: buf[:n]}); sendErr != nil {
				return c.pushFailed(stream, watchdog, sendErr, "send file chunk")
			}
			watchdog.reset()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithContext(err, "read file")
		}
	}

	resp, err := stream.CloseAndRecv()
	if watchdog.fired() {
		return stalled("push")
	}
	return errors.Unmarshal(err, resp.GetError())
}

// pushFailed returns the reason that a push stream broke. If the peer closed
// the stream, it's likely because of an error while processing the stream,
// so the last message from the peer is read to discover the error.
func (c *client) pushFailed(stream mcsync.Sync_PushClient, w *watchdog, err error,
	context string) error {

	if w.fired() {
		return stalled("push")
	}
	if err == io.EOF {
		resp := &mcsync.PushResponse{}
		recvErr := stream.RecvMsg(resp)
		return errors.WithContext(errors.Unmarshal(recvErr, resp.GetError()), context)
	}
	return errors.WithContext(errors.Unmarshal(err, nil), context)
}

func (c *client) Delete(ctx context.Context, worldID, relPath, previous string) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.pbClient.Delete(ctx, &mcsync.DeleteRequest{
		SessionID: c.sessionID,
		WorldID:   worldID,
		Path:      relPath,
		Previous:  previous,
	})
	return errors.Unmarshal(err, resp.GetError())
}

func (c *client) Done(ctx context.Context, worldID string, report DoneReport) (DoneReport, error) {
	// The peer commits every pushed file before responding, which can take
	// a while for large worlds.
	ctx, cancel := context.WithTimeout(ctx, 2*c.callTimeout)
	defer cancel()

	resp, err := c.pbClient.Done(ctx, &mcsync.DoneRequest{
		SessionID:    c.sessionID,
		WorldID:      worldID,
		AppliedCount: report.AppliedCount,
		FailedPaths:  report.FailedPaths,
	})
	if err := errors.Unmarshal(err, resp.GetError()); err != nil {
		return DoneReport{}, err
	}
	return DoneReport{AppliedCount: resp.AppliedCount, FailedPaths: resp.FailedPaths}, nil
}

func (c *client) Notify(ctx context.Context, deviceName, worldID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := c.pbClient.Notify(ctx, &mcsync.NotifyRequest{
		DeviceName: deviceName,
		WorldID:    worldID,
	})
	return errors.Unmarshal(err, resp.GetError())
}

func (c *client) Close() error {
	return c.grpcConn.Close()
}

type fetchReader struct {
	stream   mcsync.Sync_FetchClient
	expected manifest.FileRecord
	hasher   hashWriter
	size     int64
	buf      []byte
	err      error

	watchdog *watchdog
	cancel   context.CancelFunc
}

type hashWriter interface {
	io.Writer
	Sum([]byte) []byte
}

func (r *fetchReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.err = r.recv()
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// recv reads the next message into the buffer. It returns io.EOF once the
// trailer has been received and the contents verified.
func (r *fetchReader) recv() error {
	msg, err := r.stream.Recv()
	if r.watchdog.fired() {
		return stalled("fetch")
	}
	if err == io.EOF {
		return errors.ProtocolError{Reason: "fetch stream ended without a trailer"}
	}
	if err := errors.Unmarshal(err, msg.GetError()); err != nil {
		return err
	}
	r.watchdog.reset()

	if msg.Trailer == nil {
		r.buf = msg.Chunk
		r.size += int64(len(msg.Chunk))
		_, _ = r.hasher.Write(msg.Chunk)
		return nil
	}

	// The peer's file changed since it sent its manifest.
	if msg.Trailer.Hash != r.expected.ContentHash {
		return errors.ErrFileChanged
	}

	actual := hex.EncodeToString(r.hasher.Sum(nil))
	if actual != msg.Trailer.Hash || r.size != msg.Trailer.Size {
		return errors.VerificationFailure{
			Path:     r.expected.RelativePath,
			Expected: msg.Trailer.Hash,
			Actual:   actual,
		}
	}
	return io.EOF
}

func (r *fetchReader) Close() error {
	r.watchdog.stop()
	r.cancel()
	return nil
}

func stalled(op string) error {
	return errors.TransientNetworkError{Op: op, Err: errors.New("transfer stalled")}
}
