package synclog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	goSync "sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/version"
)

// FileName is the name of the sync log within the state directory.
const FileName = "mcsync.log"

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// formatter writes one JSON object per line.
var formatter = &logrus.JSONFormatter{
	FieldMap: logrus.FieldMap{
		logrus.FieldKeyTime:  "timestamp",
		logrus.FieldKeyLevel: "status",
		logrus.FieldKeyMsg:   "message",
	},
}

// Hook appends log entries to the sync log so that the history of a
// long-running `mcsync run` survives after its terminal output is gone.
type Hook struct {
	device string

	lock goSync.Mutex
	out  io.WriteCloser
}

// Path returns the path of the sync log within `stateDir`.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// NewHook opens the sync log at `path` for appending. Entries are tagged with
// `device`.
func NewHook(path, device string) (*Hook, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.WithContext(err, "create state directory")
	}

	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.WithContext(err, "open")
	}
	return &Hook{device: device, out: f}, nil
}

// Levels returns the levels that are written to the sync log. Debug messages
// are only shown in the terminal.
func (h *Hook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

// Fire writes `entry` to the sync log.
func (h *Hook) Fire(entry *logrus.Entry) error {
	dataCopy := logrus.Fields{
		"device":  h.device,
		"version": version.Version,
	}
	for k, v := range entry.Data {
		dataCopy[k] = v
	}

	// Copy the entry so that the fields added above don't show up in other
	// hooks or the terminal.
	entryCopy := *entry
	entryCopy.Data = dataCopy

	jsonBytes, err := formatter.Format(&entryCopy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to format sync log entry: %s\n", err)
		return nil
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	if h.out == nil {
		return nil
	}

	// Never return an error because logrus prints it directly to stderr on
	// every log call.
	if _, err := h.out.Write(jsonBytes); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write sync log: %s\n", err)
	}
	return nil
}

// Close closes the sync log. Entries fired afterwards are dropped.
func (h *Hook) Close() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.out == nil {
		return nil
	}

	err := h.out.Close()
	h.out = nil
	return err
}
