package errors

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sidkik/mcsync/pkg/proto/mcsync"
)

// Marshal converts err into the form sent in response messages. Errors are
// sent in the final message of a call rather than at the gRPC transport
// level so that the receiver can tell peer-side failures apart from network
// failures.
func Marshal(err error) *mcsync.Error {
	if err == nil {
		return nil
	}

	pbErr := &mcsync.Error{Kind: mcsync.ErrorKindUnknown, Message: err.Error()}

	var versionErr VersionMismatch
	var protoErr ProtocolError
	var worldErr WorldNotFound
	var verifyErr VerificationFailure
	var fsErr FilesystemError
	var notFoundErr FileNotFound
	var netErr TransientNetworkError
	switch {
	case As(err, &versionErr):
		pbErr.Kind = mcsync.ErrorKindVersionMismatch
		pbErr.Local = versionErr.Local
		pbErr.Remote = versionErr.Remote
	case As(err, &protoErr):
		pbErr.Kind = mcsync.ErrorKindProtocol
		pbErr.Message = protoErr.Reason
	case As(err, &worldErr):
		pbErr.Kind = mcsync.ErrorKindWorldNotFound
		pbErr.WorldID = worldErr.WorldID
	case As(err, &verifyErr):
		pbErr.Kind = mcsync.ErrorKindVerification
		pbErr.Path = verifyErr.Path
	case As(err, &notFoundErr):
		pbErr.Kind = mcsync.ErrorKindFileNotFound
		pbErr.Path = notFoundErr.Path
	case As(err, &fsErr):
		pbErr.Kind = mcsync.ErrorKindFilesystem
		pbErr.Path = fsErr.Path
	case Is(err, ErrFileChanged):
		pbErr.Kind = mcsync.ErrorKindFileChanged
	case As(err, &netErr):
		pbErr.Kind = mcsync.ErrorKindTransient
	}
	return pbErr
}

// Unmarshal converts the result of an RPC into a Go error. `transportErr` is
// the error returned by the gRPC call itself, and `pbErr` is the error
// embedded in the response message, if any.
func Unmarshal(transportErr error, pbErr *mcsync.Error) error {
	if transportErr != nil {
		return fromTransport(transportErr)
	}
	if pbErr == nil {
		return nil
	}

	switch pbErr.Kind {
	case mcsync.ErrorKindVersionMismatch:
		return VersionMismatch{Local: pbErr.Local, Remote: pbErr.Remote}
	case mcsync.ErrorKindProtocol:
		return ProtocolError{Reason: "peer: " + pbErr.Message}
	case mcsync.ErrorKindWorldNotFound:
		return WorldNotFound{WorldID: pbErr.WorldID}
	case mcsync.ErrorKindVerification:
		return VerificationFailure{Path: pbErr.Path}
	case mcsync.ErrorKindFileNotFound:
		return FileNotFound{Path: pbErr.Path}
	case mcsync.ErrorKindFilesystem:
		return FilesystemError{Op: "peer", Path: pbErr.Path, Err: New(pbErr.Message)}
	case mcsync.ErrorKindFileChanged:
		return ErrFileChanged
	case mcsync.ErrorKindTransient:
		return TransientNetworkError{Op: "peer", Err: New(pbErr.Message)}
	}
	return New(pbErr.Message)
}

func fromTransport(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return TransientNetworkError{Op: "rpc", Err: err}
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled,
		codes.Aborted, codes.ResourceExhausted:
		return TransientNetworkError{Op: "rpc", Err: err}
	case codes.Unimplemented, codes.Internal, codes.InvalidArgument:
		return ProtocolError{Reason: st.Message()}
	}
	return err
}
