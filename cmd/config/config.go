package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcsync/cmd/util"
	"github.com/sidkik/mcsync/pkg/config"
	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/resolve"
)

// Mocked for unit testing.
var (
	stdout        io.Writer = os.Stdout
	stdin         io.Reader = os.Stdin
	guessDefaults           = guessDefaultsImpl
	readConfig              = config.Read
	writeConfig             = config.Write
	loadConfig              = config.Load
	stat                    = os.Stat
	hostname                = os.Hostname
	getenv                  = os.Getenv
	goos                    = runtime.GOOS
)

// New creates a new `config` command.
func New() *cobra.Command {
	var path string
	var cliOpts config.Config
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the mcsync configuration for this device",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(path, cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&path, "config", "c", config.DefaultPath,
		"The path to the mcsync config file.")
	cmd.Flags().StringVar(&cliOpts.Sync.DeviceName, "device-name", "",
		"Set the name of this device. "+
			"Optional: If not set, `mcsync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Paths.MinecraftWorlds, "worlds", "",
		"Set the path to the minecraftWorlds directory. "+
			"Optional: If not set, `mcsync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Sync.ConflictResolution, "conflict-resolution", "",
		"Set the conflict resolution policy. "+
			"Optional: If not set, `mcsync config` will interactively prompt.")

	// Setup the commands for querying the contents of the config.
	type getterSpec struct {
		use, short string
		fn         func(config.Config) string
	}

	getters := []getterSpec{
		{
			use:   "get-device-name",
			short: "Get the name of this device",
			fn:    func(cfg config.Config) string { return cfg.Sync.DeviceName },
		},
		{
			use:   "get-worlds",
			short: "Get the path to the synced minecraftWorlds directory",
			fn:    func(cfg config.Config) string { return cfg.Paths.MinecraftWorlds },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := loadConfig(path)
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults and environment overrides",
		Run: func(_ *cobra.Command, _ []string) {
			if err := showConfig(path); err != nil {
				util.HandleFatalError(err)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add-device NAME ADDRESS",
		Short: "Add a device to sync with, or change its address",
		Args:  cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if err := addDevice(path, config.Device{Name: args[0], Address: args[1]}); err != nil {
				util.HandleFatalError(err)
			}
		},
	})

	return cmd
}

// SetupConfig prompts for any settings that weren't passed on the command
// line, and writes the result to `path`.
func SetupConfig(path string, cliOpts config.Config) error {
	cfg, err := generateConfig(path, cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeConfig(path, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func showConfig(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	_, err = fmt.Fprint(stdout, string(cfgBytes))
	return err
}

func addDevice(path string, device config.Device) error {
	cfg, err := readConfig(path)
	if err != nil {
		return errors.WithContext(err, "read config")
	}

	if msg, ok := deviceNameValidationFn(device.Name); !ok {
		return errors.NewFriendlyError("%s", msg)
	}

	replaced := false
	for i, existing := range cfg.Sync.Devices {
		if existing.Name == device.Name {
			cfg.Sync.Devices[i] = device
			replaced = true
		}
	}
	if !replaced {
		cfg.Sync.Devices = append(cfg.Sync.Devices, device)
	}

	if err := writeConfig(path, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}
	fmt.Fprintf(stdout, "Added %s (%s) to %s\n", device.Name, device.Address, path)
	return nil
}

func deviceNameValidationFn(name string) (string, bool) {
	// Device names are compared against each other to decide which device
	// starts an exchange, so they're kept simple.
	if name == "" || strings.TrimSpace(name) != name {
		return "The device name must not be empty, or start or end with spaces. " +
			"Please pick another name.", false
	}
	if strings.ContainsAny(name, "/\\") {
		return "The device name must not contain slashes. " +
			"Please pick another name.", false
	}
	return "", true
}

func policyValidationFn(policy string) (string, bool) {
	if _, err := resolve.ParsePolicy(policy); err != nil {
		return fmt.Sprintf("Unknown policy %q. Please pick one of %v.",
			policy, resolve.AllPolicies()), false
	}
	return "", true
}

func worldsValidationFn(path string) (string, bool) {
	if strings.TrimSpace(path) == "" {
		return "The worlds directory is required.", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
// It makes best guesses at reasonable defaults, and allows users to explicitly
// override them if desired.
func generateConfig(path string, cliOpts config.Config) (config.Config, error) {
	defaults := guessDefaults()
	currConfig, err := readConfig(path)
	if err != nil {
		currConfig = config.Default()
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := currConfig
	var prompts []prompt
	if cliOpts.Sync.DeviceName == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter a name for this device.\n" +
				"Other devices use the name in their list of devices to sync with.",
			prompt:        "Device name",
			defaultAnswer: defaults.Sync.DeviceName,
			currAnswer:    currConfig.Sync.DeviceName,
			field:         &cfg.Sync.DeviceName,
			validationFn:  deviceNameValidationFn,
		})
	} else {
		cfg.Sync.DeviceName = cliOpts.Sync.DeviceName
	}

	if cliOpts.Paths.MinecraftWorlds == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the path to the minecraftWorlds directory.\n" +
				"Every world in it is synced with the other devices.",
			prompt:        "Worlds directory",
			defaultAnswer: defaults.Paths.MinecraftWorlds,
			currAnswer:    currConfig.Paths.MinecraftWorlds,
			field:         &cfg.Paths.MinecraftWorlds,
			validationFn:  worldsValidationFn,
		})
	} else {
		cfg.Paths.MinecraftWorlds = cliOpts.Paths.MinecraftWorlds
	}

	if cliOpts.Sync.ConflictResolution == "" {
		prompts = append(prompts, prompt{
			helpString: "Choose what happens when a file changed on two devices.\n" +
				"`newest` keeps the most recently modified version, and\n" +
				"`keep-both` also keeps the other version as a conflict copy.",
			prompt:        "Conflict resolution",
			defaultAnswer: defaults.Sync.ConflictResolution,
			currAnswer:    currConfig.Sync.ConflictResolution,
			field:         &cfg.Sync.ConflictResolution,
			validationFn:  policyValidationFn,
		})
	} else {
		if msg, ok := policyValidationFn(cliOpts.Sync.ConflictResolution); !ok {
			return config.Config{}, errors.NewFriendlyError("%s", msg)
		}
		cfg.Sync.ConflictResolution = cliOpts.Sync.ConflictResolution
	}

	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.Config{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	return cfg, nil
}

// guessDefaults tries to guess reasonable defaults for the fields in the
// config.
func guessDefaultsImpl() (cfg config.Config) {
	cfg = config.Default()
	if name, err := hostname(); err == nil {
		cfg.Sync.DeviceName = name
	} else {
		log.WithError(err).Info("Failed to guess device name")
	}

	if dir, err := guessWorldsDir(); err == nil {
		cfg.Paths.MinecraftWorlds = dir
	} else {
		log.WithError(err).Info("Failed to guess worlds directory")
	}
	return cfg
}

// guessWorldsDir returns the path where Bedrock stores worlds on this
// platform, if it exists.
func guessWorldsDir() (string, error) {
	var candidates []string
	switch goos {
	case "windows":
		if appData := getenv("LOCALAPPDATA"); appData != "" {
			candidates = append(candidates, filepath.Join(appData, "Packages",
				"Microsoft.MinecraftUWP_8wekyb3d8bbwe", "LocalState", "games",
				"com.mojang", "minecraftWorlds"))
		}
		if appData := getenv("APPDATA"); appData != "" {
			candidates = append(candidates, filepath.Join(appData,
				"Minecraft Bedrock", "Users", "Shared", "games", "com.mojang",
				"minecraftWorlds"))
		}
	default:
		candidates = append(candidates,
			"~/.local/share/mcpelauncher/games/com.mojang/minecraftWorlds",
			"~/.var/app/io.mrarm.mcpelauncher/data/mcpelauncher/games/com.mojang/minecraftWorlds")
	}

	for _, candidate := range candidates {
		expanded := candidate
		if strings.HasPrefix(candidate, "~/") {
			if home := getenv("HOME"); home != "" {
				expanded = filepath.Join(home, candidate[2:])
			}
		}

		if _, err := stat(expanded); err == nil {
			return candidate, nil
		} else if !os.IsNotExist(err) {
			return "", errors.WithContext(err, "stat")
		}
	}
	return "", nil
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")
	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		// defaultAnswer or currAnswer exists.
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil && !(err == io.EOF && resp != "") {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
