package fswatch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultMarkerTTL is how long a marker waits to be observed before it
	// expires.
	DefaultMarkerTTL = 30 * time.Second

	// markerGrace is how long a marker keeps matching events after it was
	// first observed. A single write usually produces several events.
	markerGrace = 2 * time.Second
)

type marker struct {
	hash     string
	expires  time.Time
	observed bool
}

// Suppressor tracks the writes that the sync engine is about to make to a
// world, so that the watcher doesn't report them as changes.
type Suppressor struct {
	clock clockwork.Clock
	ttl   time.Duration

	lock    sync.Mutex
	markers map[string]marker
}

// NewSuppressor creates a Suppressor whose markers expire after `ttl` if
// they're never observed.
func NewSuppressor(clock clockwork.Clock, ttl time.Duration) *Suppressor {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return &Suppressor{
		clock:   clock,
		ttl:     ttl,
		markers: map[string]marker{},
	}
}

// Expect registers that `relPath` is about to be written with contents
// hashing to `contentHash`. An empty hash matches any event for the path,
// and is used for removals and directory creation.
func (s *Suppressor) Expect(relPath, contentHash string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.markers[relPath] = marker{
		hash:    contentHash,
		expires: s.clock.Now().Add(s.ttl),
	}
}

// Pending returns the number of markers that haven't expired.
func (s *Suppressor) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.expireLocked()
	return len(s.markers)
}

// Suppress returns whether an event for `relPath` was caused by the sync
// engine. `currentHash` is only called if a marker with a hash exists for
// the path, and without holding the lock, since hashing a large file is
// slow. A marker that doesn't match is left in place so that it can still
// match the expected write.
func (s *Suppressor) Suppress(relPath string, currentHash func() (string, error)) bool {
	m, ok := s.lookup(relPath)
	if !ok {
		return false
	}

	if m.hash != "" {
		hash, err := currentHash()
		if err != nil || hash != m.hash {
			return false
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	// The marker may have been replaced or expired while hashing.
	s.expireLocked()
	current, ok := s.markers[relPath]
	if !ok || current.hash != m.hash {
		return false
	}

	if !current.observed {
		current.observed = true
		if graceExpiry := s.clock.Now().Add(markerGrace); graceExpiry.Before(current.expires) {
			current.expires = graceExpiry
		}
		s.markers[relPath] = current
	}
	return true
}

func (s *Suppressor) lookup(relPath string) (marker, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.expireLocked()
	m, ok := s.markers[relPath]
	return m, ok
}

func (s *Suppressor) expireLocked() {
	now := s.clock.Now()
	for path, m := range s.markers {
		if !now.Before(m.expires) {
			delete(s.markers, path)
		}
	}
}
