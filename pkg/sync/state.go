package sync

import (
	"time"
)

// State is the position of a (world, peer) pair in the sync cycle.
type State int

const (
	// Idle pairs are waiting for a change or for the sync interval.
	Idle State = iota

	// Exchanging pairs are shaking hands and trading manifests.
	Exchanging

	// Resolving pairs are computing the actions that reconcile the
	// manifests.
	Resolving

	// Transferring pairs are moving files between the devices.
	Transferring

	// Backoff pairs failed to reach the peer, and are waiting to retry.
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Exchanging:
		return "exchanging"
	case Resolving:
		return "resolving"
	case Transferring:
		return "transferring"
	case Backoff:
		return "backoff"
	}
	return "unknown"
}

const (
	minRetryDelay = 2 * time.Second

	// DefaultExchangeTimeout bounds the handshake and manifest exchange.
	DefaultExchangeTimeout = time.Minute
)

// retryDelay returns how long to wait after `failures` consecutive failed
// attempts to reach a peer.
func retryDelay(failures int, max time.Duration) time.Duration {
	delay := minRetryDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
