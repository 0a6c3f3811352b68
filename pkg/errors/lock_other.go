//go:build !windows

package errors

func isLockViolation(error) bool {
	return false
}
