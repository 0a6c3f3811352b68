package sync

import (
	goSync "sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mcsync/pkg/config"
	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
	"github.com/sidkik/mcsync/pkg/store"
)

// StateStore persists sync state across restarts.
type StateStore interface {
	LoadBase(worldID, peer string) (manifest.Manifest, error)
	SaveBase(worldID, peer string, m manifest.Manifest) error
	LoadPeerState(peer string) (store.PeerState, bool, error)
	SavePeerState(peer string, state store.PeerState) error
}

// Peers is the set of configured devices, and what's known about each of
// them. It's shared by every pair task.
type Peers struct {
	store StateStore
	clock clockwork.Clock

	lock    goSync.Mutex
	devices []config.Device
	states  map[string]store.PeerState
}

// NewPeers creates the peer set, restoring the state saved by previous runs.
func NewPeers(devices []config.Device, stateStore StateStore, clock clockwork.Clock) (*Peers, error) {
	p := &Peers{
		store:   stateStore,
		clock:   clock,
		devices: devices,
		states:  map[string]store.PeerState{},
	}

	for _, device := range devices {
		state, _, err := stateStore.LoadPeerState(device.Name)
		if err != nil {
			return nil, errors.WithContext(err, "load "+device.Name)
		}

		// The address may have been changed in the config.
		state.Address = device.Address
		p.states[device.Name] = state
	}
	return p, nil
}

// Devices returns the configured peers.
func (p *Peers) Devices() []config.Device {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]config.Device{}, p.devices...)
}

// Lookup returns the configured peer with the given name.
func (p *Peers) Lookup(name string) (config.Device, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, device := range p.devices {
		if device.Name == name {
			return device, true
		}
	}
	return config.Device{}, false
}

// Get returns the state of the peer.
func (p *Peers) Get(name string) store.PeerState {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.states[name]
}

// RecordSuccess updates the peer's state after a successful exchange of
// the world.
func (p *Peers) RecordSuccess(name, worldID, manifestVersion string) {
	p.update(name, func(state *store.PeerState) {
		state.LastSuccessfulExchangeAt = p.clock.Now().UTC()
		if state.LastKnownManifestVersion == nil {
			state.LastKnownManifestVersion = map[string]string{}
		}
		state.LastKnownManifestVersion[worldID] = manifestVersion
		state.ConnectionHealth = store.HealthOK
		state.ConsecutiveFailures = 0
		state.LastError = ""
	})
}

// RecordFailure updates the peer's state after a failed exchange.
func (p *Peers) RecordFailure(name string, err error) {
	p.update(name, func(state *store.PeerState) {
		var versionErr errors.VersionMismatch
		switch {
		case errors.As(err, &versionErr):
			state.ConnectionHealth = store.HealthIncompatible
		case errors.IsTransient(err):
			state.ConnectionHealth = store.HealthUnreachable
		}
		state.ConsecutiveFailures++
		state.LastError = err.Error()
	})
}

func (p *Peers) update(name string, fn func(*store.PeerState)) {
	p.lock.Lock()
	state := p.states[name]
	fn(&state)
	p.states[name] = state
	p.lock.Unlock()

	if err := p.store.SavePeerState(name, state); err != nil {
		log.WithError(err).WithField("peer", name).Warn("Failed to save peer state")
	}
}
