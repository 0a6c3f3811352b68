package sync

import (
	goSync "sync"

	"github.com/jonboulle/clockwork"

	"github.com/sidkik/mcsync/pkg/fswatch"
)

// WorldLocks serializes access to world directories. Any number of readers
// may hash or send a world's files at once, but writes to a world are
// applied by one transfer session at a time.
type WorldLocks struct {
	lock   goSync.Mutex
	worlds map[string]*goSync.RWMutex
}

// NewWorldLocks creates an empty set of locks.
func NewWorldLocks() *WorldLocks {
	return &WorldLocks{worlds: map[string]*goSync.RWMutex{}}
}

func (l *WorldLocks) get(worldID string) *goSync.RWMutex {
	l.lock.Lock()
	defer l.lock.Unlock()

	worldLock, ok := l.worlds[worldID]
	if !ok {
		worldLock = &goSync.RWMutex{}
		l.worlds[worldID] = worldLock
	}
	return worldLock
}

// Read acquires a read lock on the world, and returns the function that
// releases it.
func (l *WorldLocks) Read(worldID string) (unlock func()) {
	worldLock := l.get(worldID)
	worldLock.RLock()
	return worldLock.RUnlock
}

// Write acquires the write lock on the world, and returns the function that
// releases it.
func (l *WorldLocks) Write(worldID string) (unlock func()) {
	worldLock := l.get(worldID)
	worldLock.Lock()
	return worldLock.Unlock
}

// Suppressors holds the self-write suppressor of each world. The same
// suppressor is shared by the world's watcher and by every transfer session
// that writes to the world.
type Suppressors struct {
	clock clockwork.Clock

	lock        goSync.Mutex
	suppressors map[string]*fswatch.Suppressor
}

// NewSuppressors creates an empty set of suppressors.
func NewSuppressors(clock clockwork.Clock) *Suppressors {
	return &Suppressors{
		clock:       clock,
		suppressors: map[string]*fswatch.Suppressor{},
	}
}

// For returns the suppressor of the world.
func (s *Suppressors) For(worldID string) *fswatch.Suppressor {
	s.lock.Lock()
	defer s.lock.Unlock()

	suppressor, ok := s.suppressors[worldID]
	if !ok {
		suppressor = fswatch.NewSuppressor(s.clock, fswatch.DefaultMarkerTTL)
		s.suppressors[worldID] = suppressor
	}
	return suppressor
}
