package errors

import (
	"fmt"
	"os"
	"syscall"
)

var ErrFileChanged = New("file contents changed during sync")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// TransientNetworkError is returned when a peer couldn't be reached, or
// stopped responding. The operation should be retried later.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (err TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: peer unreachable: %s", err.Op, err.Err)
}

func (err TransientNetworkError) Unwrap() error {
	return err.Err
}

// ProtocolError represents a malformed or unexpected message from a peer.
type ProtocolError struct {
	Reason string
}

func (err ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", err.Reason)
}

// VersionMismatch is returned during the handshake when the two devices
// speak incompatible protocol versions.
type VersionMismatch struct {
	Local, Remote string
}

func (err VersionMismatch) Error() string {
	return fmt.Sprintf("incompatible protocol version: local %s, remote %s",
		err.Local, err.Remote)
}

// WorldNotFound is returned by a peer that has no copy of the requested
// world yet.
type WorldNotFound struct {
	WorldID string
}

func (err WorldNotFound) Error() string {
	return fmt.Sprintf("world %q not found", err.WorldID)
}

// VerificationFailure is returned when transferred contents don't match the
// advertised hash.
type VerificationFailure struct {
	Path     string
	Expected string
	Actual   string
}

func (err VerificationFailure) Error() string {
	return fmt.Sprintf("verify %s: expected hash %s, got %s",
		err.Path, shortHash(err.Expected), shortHash(err.Actual))
}

// FilesystemError is a failure to read or write a world file.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (err FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %s", err.Op, err.Path, err.Err)
}

func (err FilesystemError) Unwrap() error {
	return err.Err
}

// Retryable returns whether the failure is likely to go away on its own.
// Minecraft keeps world files open while the world is being played, so
// permission and sharing errors are expected and only mean "try later".
func (err FilesystemError) Retryable() bool {
	return os.IsPermission(err.Err) ||
		Is(err.Err, syscall.EBUSY) ||
		Is(err.Err, syscall.ETXTBSY) ||
		Is(err.Err, syscall.EAGAIN) ||
		isLockViolation(err.Err)
}

// IsTransient returns whether err was caused by a peer being unreachable.
func IsTransient(err error) bool {
	var netErr TransientNetworkError
	return As(err, &netErr)
}

// IsRetryable returns whether the operation that caused err should simply be
// retried on the next cycle.
func IsRetryable(err error) bool {
	if IsTransient(err) {
		return true
	}

	var verifyErr VerificationFailure
	if As(err, &verifyErr) {
		return true
	}

	var fsErr FilesystemError
	if As(err, &fsErr) {
		return fsErr.Retryable()
	}
	return Is(err, ErrFileChanged)
}

// IsProtocol returns whether err is a protocol violation by the peer.
func IsProtocol(err error) bool {
	var protoErr ProtocolError
	var versionErr VersionMismatch
	return As(err, &protoErr) || As(err, &versionErr)
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
