// Package store persists sync state between runs: the base manifest agreed
// with each peer, and each peer's health.
package store

import (
	"time"

	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
	"github.com/sidkik/mcsync/pkg/proto/mcsync"
)

const (
	basePrefix = "base/"
	peerPrefix = "peer/"
)

// Health describes how reachable a peer was during the last exchange.
type Health string

const (
	HealthUnknown      Health = ""
	HealthOK           Health = "ok"
	HealthUnreachable  Health = "unreachable"
	HealthIncompatible Health = "incompatible"
)

// PeerState is what's known about a configured device.
type PeerState struct {
	Address                  string    `msgpack:"address"`
	LastSuccessfulExchangeAt time.Time `msgpack:"lastSuccessfulExchangeAt"`

	// LastKnownManifestVersion maps world IDs to the version of the peer's
	// manifest in the last successful exchange.
	LastKnownManifestVersion map[string]string `msgpack:"lastKnownManifestVersion"`

	ConnectionHealth    Health `msgpack:"connectionHealth"`
	ConsecutiveFailures int    `msgpack:"consecutiveFailures"`
	LastError           string `msgpack:"lastError,omitempty"`
}

// Store is a badger database of sync state.
type Store struct {
	db *badger.DB
}

// Open opens the database in `dir`, creating it if necessary.
func Open(dir string) (*Store, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens a database that isn't persisted.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	opts = opts.WithLogger(badgerLogger{log.WithField("component", "store")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithContext(err, "open state database")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadBase returns the manifest that this device and `peer` last agreed on
// for `worldID`. If they've never synced the world, the manifest is empty.
func (s *Store) LoadBase(worldID, peer string) (manifest.Manifest, error) {
	var pb mcsync.Manifest
	found, err := s.get(baseKey(worldID, peer), &pb)
	if err != nil {
		return manifest.Manifest{}, errors.WithContext(err, "load base manifest")
	}
	if !found {
		return manifest.New(worldID, time.Time{}), nil
	}

	m, err := manifest.Unmarshal(pb)
	if err != nil {
		return manifest.Manifest{}, errors.WithContext(err, "parse base manifest")
	}
	return m, nil
}

// SaveBase records the manifest that this device and `peer` agreed on.
func (s *Store) SaveBase(worldID, peer string, m manifest.Manifest) error {
	return errors.WithContext(s.set(baseKey(worldID, peer), m.Marshal()),
		"save base manifest")
}

// DeleteBases removes the base manifests for every world synced with
// `peer`, so that the next exchange is treated as a first sync.
func (s *Store) DeleteBases(peer string) error {
	suffix := "/" + peer
	var keys [][]byte
	err := s.scan(basePrefix, func(key, _ []byte) error {
		if len(key) > len(suffix) && string(key[len(key)-len(suffix):]) == suffix {
			keys = append(keys, append([]byte{}, key...))
		}
		return nil
	})
	if err != nil {
		return errors.WithContext(err, "list base manifests")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPeerState returns the stored state of `peer`.
func (s *Store) LoadPeerState(peer string) (PeerState, bool, error) {
	var state PeerState
	found, err := s.get([]byte(peerPrefix+peer), &state)
	if err != nil {
		return PeerState{}, false, errors.WithContext(err, "load peer state")
	}
	return state, found, nil
}

// SavePeerState stores the state of `peer`.
func (s *Store) SavePeerState(peer string, state PeerState) error {
	return errors.WithContext(s.set([]byte(peerPrefix+peer), state), "save peer state")
}

// DeletePeerState removes the stored state of `peer`.
func (s *Store) DeletePeerState(peer string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(peerPrefix + peer))
	})
	return errors.WithContext(err, "delete peer state")
}

// PeerStates returns the stored state of every peer, keyed by device name.
func (s *Store) PeerStates() (map[string]PeerState, error) {
	states := map[string]PeerState{}
	err := s.scan(peerPrefix, func(key, val []byte) error {
		var state PeerState
		if err := msgpack.Unmarshal(val, &state); err != nil {
			return errors.WithContext(err, "parse "+string(key))
		}
		states[string(key[len(peerPrefix):])] = state
		return nil
	})
	return states, err
}

func (s *Store) get(key []byte, val interface{}) (found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			return msgpack.Unmarshal(b, val)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) set(key []byte, val interface{}) error {
	b, err := msgpack.Marshal(val)
	if err != nil {
		return errors.WithContext(err, "encode")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, b)
	})
}

func (s *Store) scan(prefix string, fn func(key, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func baseKey(worldID, peer string) []byte {
	return []byte(basePrefix + worldID + "/" + peer)
}

// badgerLogger routes badger's logs through logrus. Badger is chatty at the
// info level, so those messages are demoted to debug.
type badgerLogger struct {
	log.FieldLogger
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.FieldLogger.Debugf(format, args...)
}
