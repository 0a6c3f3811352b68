package sync

import (
	"context"
	"fmt"
	"sort"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mcsync/pkg/config"
	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/fswatch"
	"github.com/sidkik/mcsync/pkg/resolve"
	"github.com/sidkik/mcsync/pkg/sync/client"
	"github.com/sidkik/mcsync/pkg/worlds"
)

// Mocked out for unit testing.
var watch = fswatch.Watch

// Dialer connects to a peer.
type Dialer func(address string) (client.Client, error)

// Options configures the Coordinator.
type Options struct {
	DeviceName string
	Policy     resolve.Policy

	// Interval is how often every pair is synced, even if no changes were
	// noticed.
	Interval time.Duration

	// Debounce is the quiet period before local changes trigger a sync.
	Debounce time.Duration

	// MaxBackoff caps the delay between attempts to reach an unreachable
	// peer.
	MaxBackoff time.Duration

	// ExchangeTimeout bounds the handshake and manifest exchange.
	ExchangeTimeout time.Duration

	Worlds      *worlds.Registry
	Peers       *Peers
	Store       StateStore
	Locks       *WorldLocks
	Suppressors *Suppressors
	Clock       clockwork.Clock
	Dial        Dialer

	// DisableWatch turns off the filesystem watchers, so that worlds are
	// only synced on the interval or when a peer asks.
	DisableWatch bool
}

// Coordinator runs a sync task for every (world, peer) pair, and a watcher
// for every world.
type Coordinator struct {
	deviceName      string
	policy          resolve.Policy
	interval        time.Duration
	debounce        time.Duration
	maxBackoff      time.Duration
	exchangeTimeout time.Duration
	watchEnabled    bool

	worlds      *worlds.Registry
	peers       *Peers
	store       StateStore
	locks       *WorldLocks
	suppressors *Suppressors
	clock       clockwork.Clock
	dial        Dialer

	lock  goSync.Mutex
	pairs map[string]*pair
	ctx   context.Context
	wg    goSync.WaitGroup
}

// NewCoordinator creates a Coordinator. Zero options are replaced with their
// defaults.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Policy == "" {
		opts.Policy = resolve.DefaultPolicy
	}
	if opts.Interval == 0 {
		opts.Interval = time.Duration(config.DefaultSyncInterval) * time.Second
	}
	if opts.Debounce == 0 {
		opts.Debounce = fswatch.MinDebounce
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = time.Minute
	}
	if opts.ExchangeTimeout == 0 {
		opts.ExchangeTimeout = DefaultExchangeTimeout
	}
	if opts.Locks == nil {
		opts.Locks = NewWorldLocks()
	}
	if opts.Suppressors == nil {
		opts.Suppressors = NewSuppressors(opts.Clock)
	}
	if opts.Dial == nil {
		opts.Dial = func(address string) (client.Client, error) {
			return client.New(address, client.Options{Clock: opts.Clock})
		}
	}

	return &Coordinator{
		deviceName:      opts.DeviceName,
		policy:          opts.Policy,
		interval:        opts.Interval,
		debounce:        opts.Debounce,
		maxBackoff:      opts.MaxBackoff,
		exchangeTimeout: opts.ExchangeTimeout,
		watchEnabled:    !opts.DisableWatch,
		worlds:          opts.Worlds,
		peers:           opts.Peers,
		store:           opts.Store,
		locks:           opts.Locks,
		suppressors:     opts.Suppressors,
		clock:           opts.Clock,
		dial:            opts.Dial,
		pairs:           map[string]*pair{},
	}
}

// Run starts syncing every world, and blocks until the context is
// cancelled. Worlds that are added to the worlds directory are picked up on
// each sync interval.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.worlds.Scan(); err != nil {
		return errors.WithContext(err, "scan worlds")
	}

	c.lock.Lock()
	c.ctx = ctx
	c.lock.Unlock()

	for _, world := range c.worlds.List() {
		c.startWorld(world)
	}

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return nil
		case <-ticker.Chan():
			c.startNewWorlds()
		}
	}
}

// startNewWorlds starts syncing worlds that were added to the worlds
// directory, either by the player or by a peer.
func (c *Coordinator) startNewWorlds() {
	if _, err := c.worlds.Scan(); err != nil {
		log.WithError(err).Warn("Failed to scan for new worlds")
		return
	}

	for _, world := range c.worlds.List() {
		if c.startWorld(world) {
			log.WithField("world", world.ID).Info("Started syncing world")
		}
	}
}

// Notify triggers an exchange of the world with the peer. It's called when
// the peer tells us that it has changes.
func (c *Coordinator) Notify(peerName, worldID string) error {
	if _, ok := c.peers.Lookup(peerName); !ok {
		return errors.ProtocolError{Reason: fmt.Sprintf("unknown device %q", peerName)}
	}

	world, err := c.worlds.Ensure(worldID)
	if err != nil {
		return err
	}

	// Newly started pairs sync right away.
	started := c.startWorld(world)
	p, ok := c.getPair(world.ID, peerName)
	if ok && !started && p.initiator {
		p.Trigger()
	}
	return nil
}

// States returns the state of each pair, keyed by "<world>/<peer>".
func (c *Coordinator) States() map[string]State {
	c.lock.Lock()
	defer c.lock.Unlock()

	states := map[string]State{}
	for key, p := range c.pairs {
		states[key] = p.State()
	}
	return states
}

// Pairs returns the keys of the running pairs in sorted order.
func (c *Coordinator) Pairs() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	var keys []string
	for key := range c.pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func pairKey(worldID, peerName string) string {
	return worldID + "/" + peerName
}

func (c *Coordinator) getPair(worldID, peerName string) (*pair, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	p, ok := c.pairs[pairKey(worldID, peerName)]
	return p, ok
}

// startWorld starts the pairs and the watcher of the world, if they aren't
// running already. It returns whether anything was started.
func (c *Coordinator) startWorld(world worlds.World) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.ctx == nil || c.ctx.Err() != nil {
		return false
	}

	var worldPairs []*pair
	for _, peer := range c.peers.Devices() {
		key := pairKey(world.ID, peer.Name)
		if _, ok := c.pairs[key]; ok {
			continue
		}

		p := newPair(c, world, peer)
		c.pairs[key] = p
		worldPairs = append(worldPairs, p)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			p.run(c.ctx)
		}()
	}

	if len(worldPairs) == 0 {
		return false
	}

	if c.watchEnabled {
		changes := watch(c.ctx, world.ID, world.Dir, fswatch.Options{
			Debounce:   c.debounce,
			Suppressor: c.suppressors.For(world.ID),
			Clock:      c.clock,
		})

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			forwardChanges(changes, worldPairs)
		}()
	}
	return true
}

func forwardChanges(changes <-chan fswatch.ChangeBatch, pairs []*pair) {
	for batch := range changes {
		log.WithFields(log.Fields{
			"world": batch.WorldID,
			"paths": len(batch.Paths),
		}).Debug("World changed locally")
		for _, p := range pairs {
			p.Trigger()
		}
	}
}
