package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/cobra"

	"github.com/sidkik/mcsync/cmd/util"
	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
)

// Mocked out for unit testing.
var stdout io.Writer = os.Stdout

type fileOutput struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Hash       string    `json:"hash"`
}

type manifestOutput struct {
	World      string       `json:"world"`
	Version    string       `json:"version"`
	TotalBytes int64        `json:"total_bytes"`
	Files      []fileOutput `json:"files"`
}

// New creates a new `manifest` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest WORLD_DIRECTORY",
		Short: "Print the manifest of a world directory.",
		Long: "Print the manifest that would be sent to peers for a world:\n" +
			"every synced file, with its size, modification time, and hash.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := printManifest(args[0]); err != nil {
				util.HandleFatalError(errors.WithContext(err, "build manifest"))
			}
		},
	}
}

func printManifest(dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return errors.WithContext(err, "get absolute path")
	}

	m, err := manifest.Build(filepath.Base(dir), dir)
	if err != nil {
		return err
	}

	out := manifestOutput{
		World:      m.WorldID,
		Version:    m.Version(),
		TotalBytes: m.TotalBytes(),
		Files:      []fileOutput{},
	}
	for _, f := range m.Records() {
		out.Files = append(out.Files, fileOutput{
			Path:       f.RelativePath,
			Size:       f.SizeBytes,
			ModifiedAt: f.ModifiedAt,
			Hash:       f.ContentHash,
		})
	}

	outBytes, err := yaml.Marshal(out)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	_, err = fmt.Fprint(stdout, string(outBytes))
	return err
}
