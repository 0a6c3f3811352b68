package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/mcsync/pkg/version"
)

// Mocked out for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of mcsync.",
		Long: "Print the version of mcsync, and the version of the sync protocol\n" +
			"it speaks. Devices can sync if their protocol major versions match.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "version:  %s\n", version.Version)
			fmt.Fprintf(stdout, "protocol: %s\n", version.ProtocolVersion)
		},
	}
}
