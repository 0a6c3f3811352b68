package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mcsync/pkg/config"
	"github.com/sidkik/mcsync/pkg/errors"
)

func TestPromptUser(t *testing.T) {
	tests := []struct {
		name                                                 string
		helpString, prompt, defaultAnswer, currAnswer, stdin string
		expPrompt, expResult                                 string
	}{
		{
			name:          "No default or current answer",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "",
			currAnswer:    "",
			stdin:         "user input\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "Default answer only, chose default answer",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			stdin:         "\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "default answer",
		},
		{
			name:          "Default and current answer, chose current answer",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			currAnswer:    "current answer",
			stdin:         "2\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. current answer\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "current answer",
		},
		{
			name:          "Invalid choice, then enter manually",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			stdin: "7\n" +
				"2\n" +
				"user input",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please choose one [1-2]: " +
				"Please enter manually: \n",
			expResult: "user input",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			out := bytes.NewBuffer(nil)
			stdout = out
			stdin = strings.NewReader(test.stdin)

			res, err := promptUser(test.helpString, test.prompt,
				test.defaultAnswer, test.currAnswer)
			assert.NoError(t, err)
			assert.Equal(t, test.expResult, res)
			assert.Equal(t, test.expPrompt, out.String())
		})
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name  string
		fn    func(string) (string, bool)
		input string
		expOK bool
	}{
		{"DeviceName", deviceNameValidationFn, "desk", true},
		{"DeviceNameWithSpaces", deviceNameValidationFn, "Steve's Laptop", true},
		{"EmptyDeviceName", deviceNameValidationFn, "", false},
		{"PaddedDeviceName", deviceNameValidationFn, " desk", false},
		{"DeviceNameWithSlash", deviceNameValidationFn, "desk/1", false},
		{"Newest", policyValidationFn, "newest", true},
		{"KeepBoth", policyValidationFn, "keep-both", true},
		{"UnknownPolicy", policyValidationFn, "oldest", false},
		{"Worlds", worldsValidationFn, "~/minecraftWorlds", true},
		{"EmptyWorlds", worldsValidationFn, "", false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			msg, ok := test.fn(test.input)
			assert.Equal(t, test.expOK, ok)
			assert.Equal(t, test.expOK, msg == "")
		})
	}
}

func TestGenerateConfig(t *testing.T) {
	defaults := config.Default()
	defaults.Sync.DeviceName = "desk"
	defaults.Paths.MinecraftWorlds = "~/games/minecraftWorlds"

	existing := config.Default()
	existing.Sync.DeviceName = "old-name"
	existing.Sync.Devices = []config.Device{{Name: "laptop", Address: "laptop:8080"}}
	existing.Paths.MinecraftWorlds = "~/games/minecraftWorlds"
	existing.Sync.ConflictResolution = "keep-both"

	tests := []struct {
		name       string
		cliOpts    config.Config
		readConfig func(string) (config.Config, error)
		inputs     []string
		expConfig  config.Config
	}{
		{
			name: "Initial setup",
			readConfig: func(string) (config.Config, error) {
				return config.Config{}, errors.FileNotFound{Path: "config.json"}
			},
			inputs: []string{"1\n", "1\n", "1\n"},
			expConfig: func() config.Config {
				cfg := config.Default()
				cfg.Sync.DeviceName = "desk"
				cfg.Paths.MinecraftWorlds = "~/games/minecraftWorlds"
				return cfg
			}(),
		},
		{
			name: "Keeps existing devices and current answers",
			readConfig: func(string) (config.Config, error) {
				return existing, nil
			},
			inputs:    []string{"2\n", "1\n", "2\n"},
			expConfig: existing,
		},
		{
			name: "Invalid manual answer is asked again",
			cliOpts: config.Config{
				Paths: config.Paths{MinecraftWorlds: "/worlds"},
				Sync:  config.Sync{ConflictResolution: "newest"},
			},
			readConfig: func(string) (config.Config, error) {
				return config.Default(), nil
			},
			inputs: []string{"2\n", "bad/name\n", "2\n", "good-name\n"},
			expConfig: func() config.Config {
				cfg := config.Default()
				cfg.Sync.DeviceName = "good-name"
				cfg.Paths.MinecraftWorlds = "/worlds"
				return cfg
			}(),
		},
	}

	type generateConfigResult struct {
		cfg config.Config
		err error
	}

	for _, test := range tests {
		test := test

		// Setup mocks.
		out := bytes.NewBuffer(nil)
		stdinReader, stdinWriter := io.Pipe()
		stdout = out
		stdin = stdinReader
		guessDefaults = func() config.Config { return defaults }
		readConfig = test.readConfig

		// Start the generateConfig function.
		resultChan := make(chan generateConfigResult)
		go func() {
			resp, err := generateConfig("config.json", test.cliOpts)
			resultChan <- generateConfigResult{resp, err}
		}()

		// Provide the user input.
		for _, input := range test.inputs {
			fmt.Fprint(stdinWriter, input)
		}

		result := <-resultChan
		assert.NoError(t, result.err, test.name)
		assert.Equal(t, test.expConfig, result.cfg, test.name)
	}
}

func TestGenerateConfigInvalidPolicyFlag(t *testing.T) {
	guessDefaults = func() config.Config { return config.Default() }
	readConfig = func(string) (config.Config, error) { return config.Default(), nil }

	_, err := generateConfig("config.json", config.Config{
		Sync:  config.Sync{DeviceName: "desk", ConflictResolution: "oldest"},
		Paths: config.Paths{MinecraftWorlds: "/worlds"},
	})
	assert.Error(t, err)
}

func TestAddDevice(t *testing.T) {
	current := config.Default()
	current.Sync.DeviceName = "desk"
	current.Sync.Devices = []config.Device{{Name: "laptop", Address: "10.0.0.2:8080"}}

	var written config.Config
	readConfig = func(string) (config.Config, error) { return current, nil }
	writeConfig = func(_ string, cfg config.Config) error {
		written = cfg
		return nil
	}
	stdout = bytes.NewBuffer(nil)

	require.NoError(t, addDevice("config.json", config.Device{Name: "phone", Address: "10.0.0.3:8080"}))
	assert.Equal(t, []config.Device{
		{Name: "laptop", Address: "10.0.0.2:8080"},
		{Name: "phone", Address: "10.0.0.3:8080"},
	}, written.Sync.Devices)

	// Adding a device that's already configured updates its address.
	current = written
	require.NoError(t, addDevice("config.json", config.Device{Name: "laptop", Address: "10.0.0.9:8080"}))
	assert.Equal(t, []config.Device{
		{Name: "laptop", Address: "10.0.0.9:8080"},
		{Name: "phone", Address: "10.0.0.3:8080"},
	}, written.Sync.Devices)

	assert.Error(t, addDevice("config.json", config.Device{Name: "", Address: "10.0.0.4:8080"}))
}

func TestGuessWorldsDir(t *testing.T) {
	tests := []struct {
		name     string
		goos     string
		env      map[string]string
		existing string
		exp      string
	}{
		{
			name:     "Windows",
			goos:     "windows",
			env:      map[string]string{"LOCALAPPDATA": `C:\Users\steve\AppData\Local`},
			existing: "minecraftWorlds",
			exp: `C:\Users\steve\AppData\Local/Packages/Microsoft.MinecraftUWP_8wekyb3d8bbwe/` +
				"LocalState/games/com.mojang/minecraftWorlds",
		},
		{
			name:     "Linux",
			goos:     "linux",
			env:      map[string]string{"HOME": "/home/steve"},
			existing: "/home/steve/.local/share/mcpelauncher/games/com.mojang/minecraftWorlds",
			exp:      "~/.local/share/mcpelauncher/games/com.mojang/minecraftWorlds",
		},
		{
			name: "NotInstalled",
			goos: "linux",
			env:  map[string]string{"HOME": "/home/steve"},
			exp:  "",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			goos = test.goos
			getenv = func(key string) string { return test.env[key] }
			stat = func(path string) (os.FileInfo, error) {
				if test.existing != "" && strings.HasSuffix(path, test.existing) {
					return mockFileInfo{}, nil
				}
				return nil, os.ErrNotExist
			}

			dir, err := guessWorldsDir()
			assert.NoError(t, err)
			assert.Equal(t, test.exp, dir)
		})
	}
}

type mockFileInfo struct {
	os.FileInfo
}

func (mockFileInfo) ModTime() time.Time { return time.Time{} }
