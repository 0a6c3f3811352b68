package sync

import (
	"context"
	"fmt"
	"io"
	goSync "sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mcsync/pkg/config"
	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
	"github.com/sidkik/mcsync/pkg/resolve"
	"github.com/sidkik/mcsync/pkg/sync/client"
	"github.com/sidkik/mcsync/pkg/transfer"
	"github.com/sidkik/mcsync/pkg/worlds"
)

// Mocked out for unit testing.
var buildManifest = manifest.Build

// pair syncs one world with one peer. At most one exchange per pair is in
// flight at a time, since all of a pair's exchanges run on its own
// goroutine.
type pair struct {
	world worlds.World
	peer  config.Device
	c     *Coordinator
	log   log.FieldLogger

	// initiator is set if this device starts the exchanges with the peer.
	initiator bool

	// trigger is signalled when the world changed locally, or the peer
	// asked for an exchange. Signals that arrive while an exchange is
	// running are combined into one.
	trigger chan struct{}

	stateLock goSync.Mutex
	state     State
}

func newPair(c *Coordinator, world worlds.World, peer config.Device) *pair {
	return &pair{
		world:     world,
		peer:      peer,
		c:         c,
		initiator: c.deviceName < peer.Name,
		trigger:   make(chan struct{}, 1),
		log: log.WithFields(log.Fields{
			"world": world.ID,
			"peer":  peer.Name,
		}),
	}
}

func (p *pair) State() State {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	return p.state
}

func (p *pair) setState(state State) {
	p.stateLock.Lock()
	old := p.state
	p.state = state
	p.stateLock.Unlock()

	if old != state {
		p.log.WithField("state", state).Debug("Pair changed state")
	}
}

// Trigger requests an exchange.
func (p *pair) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *pair) run(ctx context.Context) {
	if !p.initiator {
		p.runResponder(ctx)
		return
	}

	ticker := p.c.clock.NewTicker(p.c.interval)
	defer ticker.Stop()

	// Sync once at startup.
	p.Trigger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
		case <-ticker.Chan():
		}
		p.syncUntilReachable(ctx)
	}
}

// runResponder forwards local changes to the peer, which initiates the
// exchange. The peer is also notified at startup, since it may not know
// about the world yet. Notifications that fail are retried on each tick.
func (p *pair) runResponder(ctx context.Context) {
	ticker := p.c.clock.NewTicker(p.c.interval)
	defer ticker.Stop()

	pending := true
	for {
		if pending {
			err := p.notify(ctx)
			if ctx.Err() != nil {
				return
			}
			pending = err != nil
			if err != nil {
				p.log.WithError(err).Info("Failed to notify peer of changes. " +
					"Will retry on the next sync interval.")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
			pending = true
		case <-ticker.Chan():
		}
	}
}

func (p *pair) notify(ctx context.Context) error {
	sc, err := p.c.dial(p.peer.Address)
	if err != nil {
		return errors.TransientNetworkError{Op: "dial", Err: err}
	}
	defer sc.Close()
	return sc.Notify(ctx, p.c.deviceName, p.world.ID)
}

// syncUntilReachable runs an exchange. If the peer can't be reached, it
// retries with exponential backoff until the exchange succeeds. Other
// failures are logged and left for the next scheduled exchange.
func (p *pair) syncUntilReachable(ctx context.Context) {
	for failures := 0; ; {
		err := p.syncOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			p.setState(Idle)
			return
		}

		p.c.peers.RecordFailure(p.peer.Name, err)
		if !errors.IsTransient(err) {
			p.setState(Idle)
			p.log.WithError(err).Error("Sync failed. Will retry on the next sync interval.")
			return
		}

		failures++
		delay := retryDelay(failures, p.c.maxBackoff)
		p.setState(Backoff)
		p.log.WithError(err).WithField("retryIn", delay).Warn("Peer unreachable")

		select {
		case <-p.c.clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// syncOnce runs one exchange of the world with the peer.
func (p *pair) syncOnce(ctx context.Context) error {
	p.setState(Exchanging)
	worldID := p.world.ID

	sc, err := p.c.dial(p.peer.Address)
	if err != nil {
		return errors.TransientNetworkError{Op: "dial", Err: err}
	}
	defer sc.Close()

	local, remote, err := p.exchangeManifests(ctx, sc)
	if err != nil {
		return err
	}

	base, err := p.c.store.LoadBase(worldID, p.peer.Name)
	if err != nil {
		return errors.WithContext(err, "load base manifest")
	}

	p.setState(Resolving)
	records := resolve.ResolveWithBase(local, remote, base, p.c.policy)
	p.logResolutions(records)
	plan := resolve.BuildPlan(records)

	failed := map[string]bool{}
	var localReport transfer.ApplyReport
	if !plan.Empty() {
		p.setState(Transferring)

		localReport, err = p.applyLocal(ctx, sc, plan.Local)
		if err != nil {
			return err
		}
		for _, f := range localReport.Failed {
			failed[f.Path] = true
			p.logFileFailure(f.Err, f.Path, "Failed to sync file")
		}

		if err := p.applyRemote(ctx, sc, plan.Remote, localReport, failed); err != nil {
			return err
		}
	}

	remoteReport, err := sc.Done(ctx, worldID, client.DoneReport{
		AppliedCount: len(localReport.Applied),
		FailedPaths:  localReport.FailedPaths(),
	})
	if err != nil {
		return errors.WithContext(err, "finish exchange")
	}
	for _, path := range remoteReport.FailedPaths {
		failed[path] = true
		p.log.WithField("path", path).Warn(
			"Peer failed to apply file. Will retry on the next sync.")
	}

	next := resolve.Settle(local, remote, base, records, failed)
	if err := p.c.store.SaveBase(worldID, p.peer.Name, next); err != nil {
		return errors.WithContext(err, "save base manifest")
	}
	p.c.peers.RecordSuccess(p.peer.Name, worldID, remote.Version())

	if !plan.Empty() {
		p.log.WithFields(log.Fields{
			"pulled":  len(localReport.Applied),
			"pushed":  remoteReport.AppliedCount,
			"failed":  len(failed),
			"actions": plan.Len(),
		}).Info("Synced world")
	}
	return nil
}

func (p *pair) exchangeManifests(ctx context.Context, sc client.Client) (
	local, remote manifest.Manifest, err error) {

	ctx, cancel := context.WithTimeout(ctx, p.c.exchangeTimeout)
	defer cancel()

	remoteName, err := sc.Hello(ctx, p.c.deviceName)
	if err != nil {
		return local, remote, errors.WithContext(err, "hello")
	}
	if remoteName != p.peer.Name {
		p.log.WithField("remoteName", remoteName).Warn(
			"Peer identifies itself with a different device name than configured")
	}

	unlock := p.c.locks.Read(p.world.ID)
	local, err = buildManifest(p.world.ID, p.world.Dir)
	unlock()
	if err != nil {
		return local, remote, errors.WithContext(err, "build local manifest")
	}

	remote, found, err := sc.GetManifest(ctx, p.world.ID)
	if err != nil {
		return local, remote, errors.WithContext(err, "get peer manifest")
	}
	if !found {
		p.log.Info("Peer doesn't have the world yet. Sending a full copy.")
		remote = manifest.New(p.world.ID, time.Time{})
	}
	return local, remote, nil
}

// applyLocal stages every file owed to this device, then commits them while
// holding the world's write lock. If the peer becomes unreachable while
// staging, the staged files are discarded and the world is left untouched.
func (p *pair) applyLocal(ctx context.Context, sc client.Client, actions []resolve.Action) (
	transfer.ApplyReport, error) {

	if len(actions) == 0 {
		return transfer.ApplyReport{}, nil
	}

	session := transfer.NewSession(p.world.Dir, p.c.suppressors.For(p.world.ID))
	for _, action := range actions {
		if action.Kind == resolve.Delete {
			session.Delete(action.Path, action.Previous)
			continue
		}

		write := transfer.Write{
			Record:   action.Record,
			Requires: action.Requires,
			Previous: action.Previous,
		}
		if action.Source == resolve.Remote {
			write.Open = fetchFrom(sc, p.world.ID, action)
		} else {
			write.Open = transfer.LocalFile(p.world.Dir, action.SourcePath)
		}

		if err := session.Stage(ctx, write); err != nil && (errors.IsTransient(err) || ctx.Err() != nil) {
			session.Abort()
			return transfer.ApplyReport{}, errors.WithContext(err, "fetch "+action.SourcePath)
		}
	}

	unlock := p.c.locks.Write(p.world.ID)
	defer unlock()
	return session.Commit(), nil
}

func fetchFrom(sc client.Client, worldID string, action resolve.Action) transfer.Opener {
	record := action.Record
	record.RelativePath = action.SourcePath
	return func(ctx context.Context) (io.ReadCloser, error) {
		return sc.Fetch(ctx, worldID, record)
	}
}

// applyRemote pushes the files owed to the peer, and queues the deletions.
// Failed paths are added to `failed`.
func (p *pair) applyRemote(ctx context.Context, sc client.Client, actions []resolve.Action,
	localReport transfer.ApplyReport, failed map[string]bool) error {

	applied := map[string]bool{}
	for _, path := range localReport.Applied {
		applied[path] = true
	}

	for _, action := range actions {
		if action.Requires != "" && !applied[action.Requires] {
			failed[action.Path] = true
			continue
		}

		var err error
		if action.Kind == resolve.Delete {
			err = sc.Delete(ctx, p.world.ID, action.Path, action.Previous)
		} else {
			err = p.push(ctx, sc, action)
		}

		if err != nil {
			if errors.IsTransient(err) || ctx.Err() != nil {
				return errors.WithContext(err, fmt.Sprintf("%s %s", action.Kind, action.Path))
			}
			failed[action.Path] = true
			p.logFileFailure(err, action.Path, "Failed to send file to peer")
		}
	}
	return nil
}

func (p *pair) push(ctx context.Context, sc client.Client, action resolve.Action) error {
	unlock := p.c.locks.Read(p.world.ID)
	defer unlock()

	f, err := transfer.LocalFile(p.world.Dir, action.SourcePath)(ctx)
	if err != nil {
		return err
	}
	defer f.Close()
	return sc.Push(ctx, p.world.ID, action.Record, action.Previous, f)
}

// logFileFailure logs a file that failed to sync. The file is retried on the
// next sync either way, but failures that won't go away on their own are
// logged as errors.
func (p *pair) logFileFailure(err error, path, msg string) {
	logger := p.log.WithError(err).WithField("path", path)
	if errors.IsRetryable(err) {
		logger.Warn(msg + ". Will retry on the next sync.")
		return
	}
	logger.Error(msg + ". Retrying on the next sync, but this may need attention.")
}

func (p *pair) logResolutions(records []resolve.ConflictRecord) {
	for _, r := range records {
		if r.ClockSkewSuspect {
			fields := log.Fields{"path": r.RelativePath}
			if r.Remote != nil {
				fields["remoteMtime"] = r.Remote.ModifiedAt
			}
			if r.Local != nil {
				fields["localMtime"] = r.Local.ModifiedAt
			}
			p.log.WithFields(fields).Warn(
				"Peer's modification time is in the future. Its clock may be wrong.")
		}

		if r.Local == nil || r.Remote == nil || r.Reason == resolve.ReasonFastForward {
			continue
		}
		p.log.WithFields(log.Fields{
			"path":       r.RelativePath,
			"resolution": r.Resolution,
			"reason":     r.Reason,
			"copy":       r.ConflictCopyPath,
		}).Info("Resolved conflict")
	}
}
