package run

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcsync/cmd/util"
	"github.com/sidkik/mcsync/pkg/config"
	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/store"
	"github.com/sidkik/mcsync/pkg/sync"
	"github.com/sidkik/mcsync/pkg/sync/server"
	"github.com/sidkik/mcsync/pkg/synclog"
	"github.com/sidkik/mcsync/pkg/version"
	"github.com/sidkik/mcsync/pkg/worlds"
)

// New creates a new `run` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync worlds with the configured devices until interrupted.",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, err := config.Load(configPath)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load config"))
			}

			ctx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := Run(ctx, cfg); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath,
		"The path to the mcsync config file.")
	return cmd
}

// Run syncs the worlds described by `cfg` until the context is cancelled.
func Run(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(filepath.Join(cfg.Paths.StateDir, "state"))
	if err != nil {
		return errors.WithContext(err, "open state")
	}
	defer st.Close()

	hook, err := synclog.NewHook(synclog.Path(cfg.Paths.StateDir), cfg.Sync.DeviceName)
	if err != nil {
		log.WithError(err).Warn("Failed to open sync log")
	} else {
		log.AddHook(hook)
		defer hook.Close()
	}

	if err := forgetRemovedDevices(st, cfg.Sync.Devices); err != nil {
		log.WithError(err).Warn("Failed to clean up state of removed devices")
	}

	clock := clockwork.NewRealClock()
	registry := worlds.NewRegistry(cfg.Paths.MinecraftWorlds)
	peers, err := sync.NewPeers(cfg.Sync.Devices, st, clock)
	if err != nil {
		return errors.WithContext(err, "load peers")
	}

	locks := sync.NewWorldLocks()
	suppressors := sync.NewSuppressors(clock)
	coordinator := sync.NewCoordinator(sync.Options{
		DeviceName:  cfg.Sync.DeviceName,
		Policy:      cfg.Policy(),
		Interval:    cfg.Interval(),
		Debounce:    cfg.DebounceWindow(),
		MaxBackoff:  cfg.MaxBackoff(),
		Worlds:      registry,
		Peers:       peers,
		Store:       st,
		Locks:       locks,
		Suppressors: suppressors,
		Clock:       clock,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		defer util.HandlePanic()
		serverErr <- server.Run(ctx, cfg.ServerAddress(), server.Options{
			DeviceName:  cfg.Sync.DeviceName,
			Worlds:      registry,
			Locks:       locks,
			Suppressors: suppressors,
			OnNotify:    coordinator.Notify,
			Clock:       clock,
		})
	}()

	log.WithFields(log.Fields{
		"device":   cfg.Sync.DeviceName,
		"worlds":   cfg.Paths.MinecraftWorlds,
		"peers":    len(cfg.Sync.Devices),
		"policy":   cfg.Policy(),
		"version":  version.Version,
		"protocol": version.ProtocolVersion,
	}).Info("Starting mcsync")

	coordinatorErr := make(chan error, 1)
	go func() {
		defer util.HandlePanic()
		coordinatorErr <- coordinator.Run(ctx)
	}()

	// Stop everything as soon as either half stops.
	select {
	case err = <-serverErr:
		cancel()
		<-coordinatorErr
		err = errors.WithContext(err, "sync server")
	case err = <-coordinatorErr:
		cancel()
		<-serverErr
		err = errors.WithContext(err, "coordinator")
	}

	log.Info("Stopped mcsync")
	return err
}

// forgetRemovedDevices deletes the sync state of devices that are no longer
// configured, so that a device that's re-added later starts from scratch.
func forgetRemovedDevices(st *store.Store, devices []config.Device) error {
	states, err := st.PeerStates()
	if err != nil {
		return errors.WithContext(err, "list peers")
	}

	configured := map[string]bool{}
	for _, device := range devices {
		configured[device.Name] = true
	}

	for name := range states {
		if configured[name] {
			continue
		}

		log.WithField("peer", name).Info("Forgetting device that was removed from the config")
		if err := st.DeleteBases(name); err != nil {
			return errors.WithContext(err, "delete "+name)
		}
		if err := st.DeletePeerState(name); err != nil {
			return errors.WithContext(err, "delete "+name)
		}
	}
	return nil
}
