//go:build windows

package errors

import (
	"golang.org/x/sys/windows"
)

// isLockViolation returns whether err means another process has the file
// open. Windows reports these instead of EBUSY.
func isLockViolation(err error) bool {
	return Is(err, windows.ERROR_SHARING_VIOLATION) ||
		Is(err, windows.ERROR_LOCK_VIOLATION)
}
