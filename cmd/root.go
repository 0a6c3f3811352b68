package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcsync/cmd/bugtool"
	configCmd "github.com/sidkik/mcsync/cmd/config"
	manifestCmd "github.com/sidkik/mcsync/cmd/manifest"
	"github.com/sidkik/mcsync/cmd/run"
	"github.com/sidkik/mcsync/cmd/util"
	"github.com/sidkik/mcsync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "MCSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	var verbose bool
	rootCmd := &cobra.Command{
		Use:          "mcsync",
		Short:        "Keep Minecraft Bedrock worlds in sync between devices.",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Log debug messages. Can also be enabled by setting "+verboseLogKey+"=true.")

	rootCmd.AddCommand(
		bugtool.New(),
		configCmd.New(),
		manifestCmd.New(),
		run.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
