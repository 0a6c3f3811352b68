// Package config loads the mcsync configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/resolve"
)

const (
	// DefaultPath is where the configuration is read from if no path is
	// given.
	DefaultPath = "config.json"

	// EnvPrefix is the prefix of environment variables that override
	// fields in the configuration file.
	EnvPrefix = "MCSYNC_"

	DefaultHost         = "0.0.0.0"
	DefaultPort         = 8080
	DefaultSyncInterval = 30
	DefaultStateDir     = "~/.mcsync"

	minDebounce = 2 * time.Second
	minBackoff  = time.Minute
)

// parseConfigErrTemplate is a template for when the configuration file can't
// be parsed. This can happen for a multitude of reasons, including
// extraneous fields and incorrect field types. However, the yaml library
// constructs errors in a way that loses context, and so we can only pass the
// error message on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

// Mocked out for unit testing.
var (
	fs            = afero.NewOsFs()
	homedirExpand = homedir.Expand
	hostname      = os.Hostname
	environ       = func() map[string]string { return env.ToMap(os.Environ()) }
)

// Config is the configuration of one device.
type Config struct {
	Server Server `json:"server" envPrefix:"SERVER_"`
	Sync   Sync   `json:"sync" envPrefix:"SYNC_"`
	Paths  Paths  `json:"paths" envPrefix:"PATHS_"`
}

// Server configures the address that peers connect to.
type Server struct {
	Host string `json:"host" env:"HOST"`
	Port int    `json:"port" env:"PORT"`
}

// Sync configures which devices to sync with, and how.
type Sync struct {
	// DeviceName identifies this device to its peers. It defaults to the
	// hostname.
	DeviceName string `json:"device_name,omitempty" env:"DEVICE_NAME"`

	Devices []Device `json:"devices" envPrefix:"DEVICES_"`

	// ConflictResolution is the name of the policy used when a file changed
	// on both devices.
	ConflictResolution string `json:"conflict_resolution" env:"CONFLICT_RESOLUTION"`

	// SyncInterval is the number of seconds between periodic syncs.
	SyncInterval int `json:"sync_interval" env:"INTERVAL"`
}

// Device is a peer to sync with.
type Device struct {
	Name    string `json:"name" env:"NAME"`
	Address string `json:"address" env:"ADDRESS"`
}

// Paths configures where worlds and sync state are stored.
type Paths struct {
	MinecraftWorlds string `json:"minecraft_worlds" env:"MINECRAFT_WORLDS"`
	StateDir        string `json:"state_dir,omitempty" env:"STATE_DIR"`
}

// Default returns the configuration used for fields that aren't set.
func Default() Config {
	return Config{
		Server: Server{Host: DefaultHost, Port: DefaultPort},
		Sync: Sync{
			ConflictResolution: string(resolve.DefaultPolicy),
			SyncInterval:       DefaultSyncInterval,
		},
		Paths: Paths{StateDir: DefaultStateDir},
	}
}

// Load reads the configuration at `path`, applies overrides from the
// environment, and validates the result.
func Load(path string) (Config, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	cfg := Default()
	if err := parseConfig(path, &cfg); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Config{}, errors.NewFriendlyError("The mcsync config "+
				"file doesn't exist at %q. Please create it, or pass the "+
				"path to an existing config with --config.", path)
		}
		return Config{}, errors.WithContext(err, "parse")
	}

	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ(),
	}); err != nil {
		return Config{}, errors.WithContext(err, "read environment")
	}

	if cfg.Sync.DeviceName == "" {
		cfg.Sync.DeviceName, err = hostname()
		if err != nil {
			return Config{}, errors.WithContext(err, "get hostname")
		}
	}

	cfg.Paths.MinecraftWorlds, err = homedirExpand(cfg.Paths.MinecraftWorlds)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand worlds path")
	}
	cfg.Paths.StateDir, err = homedirExpand(cfg.Paths.StateDir)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand state path")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read parses the configuration file at `path` on top of the defaults,
// without applying the environment or validating the result.
func Read(path string) (Config, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	cfg := Default()
	if err := parseConfig(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write saves the configuration to `path`. Paths ending in .yaml or .yml
// are written as YAML, and everything else as JSON.
func Write(path string, cfg Config) error {
	path, err := homedirExpand(path)
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	var configBytes []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		configBytes, err = yaml.Marshal(cfg)
	default:
		configBytes, err = json.MarshalIndent(cfg, "", "  ")
		configBytes = append(configBytes, '\n')
	}
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return errors.WithContext(err, "create directory")
		}
	}
	if err := afero.WriteFile(fs, path, configBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func parseConfig(path string, cfg *Config) error {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	err = yaml.Unmarshal(configBytes, cfg)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	// Do a strict unmarshal to check for any extra fields. We do a non-strict
	// unmarshal first so that type errors are reported before errors on
	// extra fields.
	err = yaml.UnmarshalStrict(configBytes, cfg, yaml.DisallowUnknownFields)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}

// Validate checks that the configuration can be used to sync.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.NewFriendlyError("Invalid server port %d.", c.Server.Port)
	}
	if _, err := resolve.ParsePolicy(c.Sync.ConflictResolution); err != nil {
		return errors.NewFriendlyError("Unknown conflict_resolution %q. "+
			"Supported policies are %v.", c.Sync.ConflictResolution, resolve.AllPolicies())
	}
	if c.Sync.SyncInterval <= 0 {
		return errors.NewFriendlyError("sync_interval must be a positive "+
			"number of seconds, but got %d.", c.Sync.SyncInterval)
	}
	if c.Paths.MinecraftWorlds == "" {
		return errors.MissingFieldError{Field: "paths.minecraft_worlds"}
	}
	if c.Paths.StateDir == "" {
		return errors.MissingFieldError{Field: "paths.state_dir"}
	}

	// Device names decide which side of a pair starts exchanges, so they
	// must be distinct.
	seen := map[string]bool{c.Sync.DeviceName: true}
	for i, device := range c.Sync.Devices {
		if device.Name == "" {
			return errors.MissingFieldError{Field: fmt.Sprintf("sync.devices[%d].name", i)}
		}
		if device.Address == "" {
			return errors.MissingFieldError{Field: fmt.Sprintf("sync.devices[%d].address", i)}
		}
		if seen[device.Name] {
			return errors.NewFriendlyError("Device name %q is used more than "+
				"once. Every device, including this one (%q), needs a unique name.",
				device.Name, c.Sync.DeviceName)
		}
		seen[device.Name] = true
	}
	return nil
}

// ServerAddress returns the address to listen on.
func (c Config) ServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Policy returns the conflict resolution policy.
func (c Config) Policy() resolve.Policy {
	policy, err := resolve.ParsePolicy(c.Sync.ConflictResolution)
	if err != nil {
		return resolve.DefaultPolicy
	}
	return policy
}

// Interval returns the time between periodic syncs.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Sync.SyncInterval) * time.Second
}

// DebounceWindow returns how long a world must be quiet before its changes
// are synced.
func (c Config) DebounceWindow() time.Duration {
	if window := c.Interval() / 10; window > minDebounce {
		return window
	}
	return minDebounce
}

// MaxBackoff returns the longest wait before retrying an unreachable peer.
func (c Config) MaxBackoff() time.Duration {
	if backoff := c.Interval() * 4; backoff > minBackoff {
		return backoff
	}
	return minBackoff
}
