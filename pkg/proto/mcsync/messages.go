// Package mcsync contains the wire messages and gRPC bindings for the
// device-to-device sync protocol.
//
// One exchange is one logical conversation:
//
//	Hello -> GetManifest -> (Fetch | Push | Delete)* -> Done
//
// Messages are encoded with msgpack (see codec.go) rather than protobuf, so
// the service descriptor in service.go is maintained by hand.
package mcsync

// Error kinds carried in Error.Kind.
const (
	ErrorKindUnknown         = "unknown"
	ErrorKindTransient       = "transient"
	ErrorKindProtocol        = "protocol"
	ErrorKindVersionMismatch = "version_mismatch"
	ErrorKindWorldNotFound   = "world_not_found"
	ErrorKindVerification    = "verification"
	ErrorKindFilesystem      = "filesystem"
	ErrorKindFileNotFound    = "file_not_found"
	ErrorKindFileChanged     = "file_changed"
)

// Error is an application level error returned in a response message.
type Error struct {
	Kind    string `msgpack:"kind"`
	Message string `msgpack:"message"`
	Path    string `msgpack:"path,omitempty"`
	WorldID string `msgpack:"world,omitempty"`

	// Local and Remote are only set for version mismatches.
	Local  string `msgpack:"local,omitempty"`
	Remote string `msgpack:"remote,omitempty"`
}

// FileRecord is the wire form of a manifest entry.
type FileRecord struct {
	Path    string `msgpack:"path"`
	Size    int64  `msgpack:"size"`
	ModTime int64  `msgpack:"mtime"` // Unix nanoseconds, UTC.
	Hash    string `msgpack:"hash"`
}

// Manifest is the wire form of a world manifest. Files are ordered by path.
type Manifest struct {
	WorldID     string       `msgpack:"world"`
	GeneratedAt int64        `msgpack:"generated"`
	Files       []FileRecord `msgpack:"files"`
}

type HelloRequest struct {
	DeviceName      string `msgpack:"device"`
	ProtocolVersion string `msgpack:"protocol"`
}

type HelloResponse struct {
	DeviceName      string `msgpack:"device"`
	ProtocolVersion string `msgpack:"protocol"`
	SessionID       string `msgpack:"session"`
	Error           *Error `msgpack:"error,omitempty"`
}

func (m *HelloResponse) GetError() *Error {
	if m == nil {
		return nil
	}
	return m.Error
}

type ManifestRequest struct {
	SessionID string `msgpack:"session"`
	WorldID   string `msgpack:"world"`
}

type ManifestResponse struct {
	Manifest *Manifest `msgpack:"manifest,omitempty"`
	Error    *Error    `msgpack:"error,omitempty"`
}

func (m *ManifestResponse) GetError() *Error {
	if m == nil {
		return nil
	}
	return m.Error
}

func (m *ManifestResponse) GetManifest() *Manifest {
	if m == nil {
		return nil
	}
	return m.Manifest
}

type FetchRequest struct {
	SessionID string `msgpack:"session"`
	WorldID   string `msgpack:"world"`
	Path      string `msgpack:"path"`
}

// FetchChunk is one message of the Fetch response stream. Every message but
// the last carries file contents. The last message carries either the
// trailer with the hash of everything that was sent, or an error.
type FetchChunk struct {
	Chunk   []byte        `msgpack:"chunk,omitempty"`
	Trailer *FetchTrailer `msgpack:"trailer,omitempty"`
	Error   *Error        `msgpack:"error,omitempty"`
}

type FetchTrailer struct {
	Hash string `msgpack:"hash"`
	Size int64  `msgpack:"size"`
}

func (m *FetchChunk) GetError() *Error {
	if m == nil {
		return nil
	}
	return m.Error
}

// PushMessage is one message of the Push request stream. The first message
// carries the header, and the rest carry the file contents.
type PushMessage struct {
	Header *PushHeader `msgpack:"header,omitempty"`
	Chunk  []byte      `msgpack:"chunk,omitempty"`
}

type PushHeader struct {
	SessionID string     `msgpack:"session"`
	WorldID   string     `msgpack:"world"`
	Record    FileRecord `msgpack:"record"`

	// Previous is the hash the file had on the receiver when the sender
	// planned the push, or "none" if it didn't exist. Empty skips the check.
	Previous string `msgpack:"previous,omitempty"`
}

type PushResponse struct {
	Error *Error `msgpack:"error,omitempty"`
}

func (m *PushResponse) GetError() *Error {
	if m == nil {
		return nil
	}
	return m.Error
}

type DeleteRequest struct {
	SessionID string `msgpack:"session"`
	WorldID   string `msgpack:"world"`
	Path      string `msgpack:"path"`
	Previous  string `msgpack:"previous,omitempty"`
}

type DeleteResponse struct {
	Error *Error `msgpack:"error,omitempty"`
}

func (m *DeleteResponse) GetError() *Error {
	if m == nil {
		return nil
	}
	return m.Error
}

// DoneRequest ends the exchange for a world. The counts describe what the
// initiator applied locally, and are only used for logging by the peer.
type DoneRequest struct {
	SessionID    string   `msgpack:"session"`
	WorldID      string   `msgpack:"world"`
	AppliedCount int      `msgpack:"applied"`
	FailedPaths  []string `msgpack:"failed,omitempty"`
}

// DoneResponse reports what the peer applied when committing the pushed
// files and deletions.
type DoneResponse struct {
	AppliedCount int      `msgpack:"applied"`
	FailedPaths  []string `msgpack:"failed,omitempty"`
	Error        *Error   `msgpack:"error,omitempty"`
}

func (m *DoneResponse) GetError() *Error {
	if m == nil {
		return nil
	}
	return m.Error
}

// NotifyRequest tells the initiating device that a world changed.
type NotifyRequest struct {
	DeviceName string `msgpack:"device"`
	WorldID    string `msgpack:"world"`
}

type NotifyResponse struct {
	Error *Error `msgpack:"error,omitempty"`
}

func (m *NotifyResponse) GetError() *Error {
	if m == nil {
		return nil
	}
	return m.Error
}
