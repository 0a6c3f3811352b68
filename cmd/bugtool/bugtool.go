package bugtool

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcsync/cmd/util"
	"github.com/sidkik/mcsync/pkg/config"
	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
	"github.com/sidkik/mcsync/pkg/store"
	"github.com/sidkik/mcsync/pkg/synclog"
	"github.com/sidkik/mcsync/pkg/version"
	"github.com/sidkik/mcsync/pkg/worlds"
)

// Mocked out for unit testing.
var (
	fs            = afero.NewOsFs()
	buildManifest = manifest.Build
	openStore     = store.Open
)

// New creates a new `bug-tool` command.
func New() *cobra.Command {
	var out, configPath string
	cmd := &cobra.Command{
		Use:   "bug-tool",
		Short: "Generate an archive for debugging mcsync",
		Run:   func(_ *cobra.Command, _ []string) { main(configPath, out) },
	}
	cmd.Flags().StringVar(&out, "out", "", "path for archive")
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath,
		"The path to the mcsync config file.")
	return cmd
}

func main(configPath, out string) {
	tmpdir, err := afero.TempDir(fs, "", "mcsync-bug-tool")
	if err != nil {
		err = errors.NewFriendlyError("Failed to create out directory:\n%s", err)
		util.HandleFatalError(err)
	}

	// Wrap defer in a function to handle errors from fs.RemoveAll().
	defer func() {
		err := fs.RemoveAll(tmpdir)
		if err != nil {
			util.HandleFatalError(err)
		}
	}()

	setupInfo(tmpdir, configPath)

	if out == "" {
		out = fmt.Sprintf("mcsync-bug-info-%s.tar.gz",
			time.Now().Format("Jan_02_2006-15-04-05"))
	}
	if err := tarDirectory(tmpdir, out); err != nil {
		err = errors.NewFriendlyError("Failed to tar:\n%s", err)
		util.HandleFatalError(err)
	}

	msg := `Created bug information archive at '%s'.
You may want to edit the archive before sharing it, since it lists the files
in your worlds and the addresses of your devices.
The archive contains:
 * The version of mcsync and of its sync protocol.
 * The effective configuration.
 * The sync log.
 * The manifest of every world.
 * The last known state of every configured device.
`
	fmt.Printf(msg, out)
}

func setupInfo(root, configPath string) {
	if err := setupVersion(filepath.Join(root, "version")); err != nil {
		log.WithError(err).Warn("Failed to setup version info")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load config")
		return
	}

	if err := setupConfig(filepath.Join(root, "config.yaml"), cfg); err != nil {
		log.WithError(err).Warn("Failed to setup config")
	}

	if err := setupSyncLog(root, cfg.Paths.StateDir); err != nil {
		log.WithError(err).Warn("Failed to setup sync log")
	}

	registry := worlds.NewRegistry(cfg.Paths.MinecraftWorlds)
	if _, err := registry.Scan(); err != nil {
		log.WithError(err).Warn("Failed to list worlds")
	} else if err := setupManifests(filepath.Join(root, "manifests"), registry.List()); err != nil {
		log.WithError(err).Warn("Failed to setup manifests")
	}

	// The state database can only be opened by one process, so this fails
	// while `mcsync run` is running.
	st, err := openStore(filepath.Join(cfg.Paths.StateDir, "state"))
	if err != nil {
		log.WithError(err).Warn("Failed to open sync state. " +
			"Stop `mcsync run` to include device state in the archive.")
		return
	}
	defer st.Close()

	states, err := st.PeerStates()
	if err != nil {
		log.WithError(err).Warn("Failed to read device state")
		return
	}
	if err := setupPeerStates(filepath.Join(root, "devices.yaml"), states); err != nil {
		log.WithError(err).Warn("Failed to setup device state")
	}
}

func setupVersion(path string) error {
	out, err := fs.Create(path)
	if err != nil {
		return errors.WithContext(err, "create")
	}
	defer out.Close()

	_, err = fmt.Fprintf(out, "version:  %s\nprotocol: %s\n",
		version.Version, version.ProtocolVersion)
	return err
}

func setupConfig(path string, cfg config.Config) error {
	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, cfgBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func setupSyncLog(root, stateDir string) error {
	if stateDir == "" {
		return errors.New("no state directory defined in config")
	}

	logFile, err := fs.Open(synclog.Path(stateDir))
	if err != nil {
		return errors.WithContext(err, "open log")
	}
	defer logFile.Close()

	outFile, err := fs.Create(filepath.Join(root, synclog.FileName))
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, logFile); err != nil {
		return errors.WithContext(err, "copy")
	}
	return nil
}

type fileInfo struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Hash       string    `json:"hash"`
}

type worldInfo struct {
	Version string     `json:"version"`
	Files   []fileInfo `json:"files"`
}

func setupManifests(outdir string, ws []worlds.World) error {
	if err := fs.Mkdir(outdir, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	for _, world := range ws {
		m, err := buildManifest(world.ID, world.Dir)
		if err != nil {
			log.WithError(err).WithField("world", world.ID).Warn("Failed to build manifest")
			continue
		}

		info := worldInfo{Version: m.Version(), Files: []fileInfo{}}
		for _, f := range m.Records() {
			info.Files = append(info.Files, fileInfo{
				Path:       f.RelativePath,
				Size:       f.SizeBytes,
				ModifiedAt: f.ModifiedAt,
				Hash:       f.ContentHash,
			})
		}

		infoBytes, err := yaml.Marshal(info)
		if err != nil {
			log.WithError(err).WithField("world", world.ID).Warn("Failed to marshal manifest")
			infoBytes = []byte(fmt.Sprintf("%+v\n", info))
		}

		path := filepath.Join(outdir, world.ID+".yaml")
		if err := afero.WriteFile(fs, path, infoBytes, 0644); err != nil {
			return errors.WithContext(err, "write")
		}
	}
	return nil
}

type deviceInfo struct {
	Name                     string            `json:"name"`
	Address                  string            `json:"address"`
	Health                   string            `json:"health"`
	ConsecutiveFailures      int               `json:"consecutive_failures"`
	LastError                string            `json:"last_error,omitempty"`
	LastSuccessfulExchangeAt time.Time         `json:"last_successful_exchange_at"`
	ManifestVersions         map[string]string `json:"manifest_versions,omitempty"`
}

func setupPeerStates(path string, states map[string]store.PeerState) error {
	var names []string
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	devices := []deviceInfo{}
	for _, name := range names {
		state := states[name]
		devices = append(devices, deviceInfo{
			Name:                     name,
			Address:                  state.Address,
			Health:                   string(state.ConnectionHealth),
			ConsecutiveFailures:      state.ConsecutiveFailures,
			LastError:                state.LastError,
			LastSuccessfulExchangeAt: state.LastSuccessfulExchangeAt,
			ManifestVersions:         state.LastKnownManifestVersion,
		})
	}

	devicesBytes, err := yaml.Marshal(devices)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, devicesBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func tarDirectory(src, outPath string) error {
	out, err := fs.Create(outPath)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return afero.Walk(fs, src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("make header %s", file))
		}

		relPath, err := filepath.Rel(src, file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get relative path of %s to %s", file, src))
		}

		header.Name = filepath.ToSlash(filepath.Join("mcsync-bug-info", relPath))
		if err := tw.WriteHeader(header); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s header", file))
		}

		// Only write contents if it's a file (i.e. not a directory).
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("open %s", file))
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", file))
		}
		return nil
	})
}
