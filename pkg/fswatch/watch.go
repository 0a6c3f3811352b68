// Package fswatch reports changes to the files in a world directory.
package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
)

const (
	// MinDebounce is the shortest quiet period accepted by Watch.
	MinDebounce = 2 * time.Second

	restartBaseDelay = 200 * time.Millisecond
	maxRestartDelay  = 30 * time.Second
)

// Mocked out for unit testing.
var (
	fs         = afero.NewOsFs()
	newWatcher = newFsnotifyWatcher
	hashFile   = manifest.HashFile
)

// ChangeBatch is a set of changes to a world that happened close together.
type ChangeBatch struct {
	WorldID string

	// Paths are the changed files, relative to the world directory and in
	// sorted order.
	Paths []string
}

// Options configures Watch.
type Options struct {
	// Debounce is the quiet period after the last event before a batch is
	// emitted. Values shorter than MinDebounce are raised to it.
	Debounce time.Duration

	// Suppressor filters out changes made by the sync engine itself. It may
	// be nil.
	Suppressor *Suppressor

	Clock clockwork.Clock
}

type eventSource interface {
	Add(path string) error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Close() error
}

type fsnotifyWatcher struct {
	*fsnotify.Watcher
}

func newFsnotifyWatcher() (eventSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return fsnotifyWatcher{w}, nil
}

func (w fsnotifyWatcher) Events() <-chan fsnotify.Event {
	return w.Watcher.Events
}

func (w fsnotifyWatcher) Errors() <-chan error {
	return w.Watcher.Errors
}

type watcher struct {
	worldID  string
	dir      string
	debounce time.Duration
	suppress *Suppressor
	clock    clockwork.Clock
	log      log.FieldLogger
}

// Watch watches the world at `dir` until the context is cancelled. Changes
// are sent on the returned channel once there haven't been any new events
// for the debounce window. If the underlying watch fails, it's re-created
// with exponential backoff. The channel is closed after the context is
// cancelled.
func Watch(ctx context.Context, worldID, dir string, opts Options) <-chan ChangeBatch {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Debounce < MinDebounce {
		opts.Debounce = MinDebounce
	}

	w := watcher{
		worldID:  worldID,
		dir:      dir,
		debounce: opts.Debounce,
		suppress: opts.Suppressor,
		clock:    opts.Clock,
		log:      log.WithField("world", worldID),
	}

	out := make(chan ChangeBatch, 1)
	go func() {
		defer close(out)
		w.run(ctx, out)
	}()
	return out
}

func (w watcher) run(ctx context.Context, out chan<- ChangeBatch) {
	var pending []string
	for attempt := 0; ; attempt++ {
		src, err := w.subscribe()
		if err == nil {
			attempt = 0
			pending, err = w.consume(ctx, src, pending, out)
			if closeErr := src.Close(); closeErr != nil {
				w.log.WithError(closeErr).Debug("Failed to close file watcher")
			}
		}

		if ctx.Err() != nil {
			return
		}

		delay := restartDelay(attempt)
		w.log.WithError(err).WithField("retryIn", delay).Warn(
			"File watcher failed. Changes will still be picked up by the periodic sync.")
		select {
		case <-w.clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func restartDelay(attempt int) time.Duration {
	if attempt > 10 {
		return maxRestartDelay
	}
	delay := restartBaseDelay * time.Duration(1<<attempt)
	if delay > maxRestartDelay {
		return maxRestartDelay
	}
	return delay
}

func (w watcher) subscribe() (eventSource, error) {
	paths, err := getPathsToWatch(w.dir)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	src, err := newWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range paths {
		if err := src.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := src.Close(); err != nil {
				w.log.WithError(err).Warn("Failed to close file watcher")
			}
			return nil, errors.WithContext(err, "watch "+path)
		}
	}
	return src, nil
}

// consume processes events until the context is cancelled or the source
// fails. Changes that haven't been sent yet are returned so that they
// survive a restart.
func (w watcher) consume(ctx context.Context, src eventSource, pending []string,
	out chan<- ChangeBatch) ([]string, error) {

	changed := map[string]struct{}{}
	for _, path := range pending {
		changed[path] = struct{}{}
	}

	var timer clockwork.Timer
	var timerC <-chan time.Time
	resetTimer := func() {
		if timer == nil {
			timer = w.clock.NewTimer(w.debounce)
		} else {
			timer.Stop()
			timer.Reset(w.debounce)
		}
		timerC = timer.Chan()
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	if len(changed) != 0 {
		resetTimer()
	}

	// `ready` holds a batch waiting for the consumer. Sends are only
	// attempted while it's non-nil, so a slow consumer never blocks event
	// processing.
	var ready *ChangeBatch
	for {
		var sendC chan<- ChangeBatch
		var toSend ChangeBatch
		if ready != nil {
			sendC = out
			toSend = *ready
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case sendC <- toSend:
			ready = nil
		case event, ok := <-src.Events():
			if !ok {
				return w.unsent(changed, ready), errors.New("event stream closed")
			}
			if paths := w.handleEvent(src, event); len(paths) != 0 {
				for _, path := range paths {
					changed[path] = struct{}{}
				}
				resetTimer()
			}
		case err, ok := <-src.Errors():
			if !ok {
				err = errors.New("error stream closed")
			}
			return w.unsent(changed, ready), err
		case <-timerC:
			timerC = nil
			if len(changed) == 0 {
				continue
			}
			ready = merge(ready, w.worldID, changed)
			changed = map[string]struct{}{}
		}
	}
}

func (w watcher) unsent(changed map[string]struct{}, ready *ChangeBatch) []string {
	merged := merge(ready, w.worldID, changed)
	return merged.Paths
}

func merge(batch *ChangeBatch, worldID string, changed map[string]struct{}) *ChangeBatch {
	if batch != nil {
		for _, path := range batch.Paths {
			changed[path] = struct{}{}
		}
	}

	paths := make([]string, 0, len(changed))
	for path := range changed {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return &ChangeBatch{WorldID: worldID, Paths: paths}
}

// handleEvent returns the world paths changed by `event`, after dropping
// events caused by the sync engine and events on reserved paths.
func (w watcher) handleEvent(src eventSource, event fsnotify.Event) []string {
	// Attribute changes don't change file contents.
	if event.Op == fsnotify.Chmod {
		return nil
	}

	relPath, ok := w.relativePath(event.Name)
	if !ok || manifest.IsReserved(relPath) {
		return nil
	}

	if w.suppress != nil && w.suppress.Suppress(relPath, func() (string, error) {
		return hashFile(event.Name)
	}) {
		w.log.WithField("path", relPath).Debug("Ignoring change made by sync")
		return nil
	}

	if !event.Has(fsnotify.Create) {
		return []string{relPath}
	}

	fi, err := fs.Stat(event.Name)
	if err != nil || !fi.IsDir() {
		return []string{relPath}
	}

	// fsnotify doesn't watch directories recursively, so new directories
	// have to be added. Files created in the directory before the watch was
	// added would otherwise be missed.
	paths, err := getPathsToWatch(event.Name)
	if err != nil {
		w.log.WithError(err).WithField("path", relPath).Warn("Failed to watch new directory")
	}
	for _, path := range paths {
		if err := src.Add(path); err != nil {
			w.log.WithError(err).WithField("path", path).Warn("Failed to watch new directory")
		}
	}

	files, err := getFiles(event.Name)
	if err != nil {
		w.log.WithError(err).WithField("path", relPath).Warn("Failed to list new directory")
	}
	var changed []string
	for _, file := range files {
		if rel, ok := w.relativePath(file); ok && !manifest.IsReserved(rel) {
			changed = append(changed, rel)
		}
	}
	return changed
}

func (w watcher) relativePath(path string) (string, bool) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// getPathsToWatch returns `dir` and all directories beneath it, except for
// the sync engine's own directories.
func getPathsToWatch(dir string) (paths []string, err error) {
	fi, err := fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: dir}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("%s is not a directory", dir)
	}

	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			// The directory was removed while we were walking it.
			if os.IsNotExist(err) {
				return nil
			}
			return errors.WithContext(err, "walk error")
		}

		if !fi.IsDir() {
			return nil
		}
		if path != dir && manifest.IsReserved(fi.Name()) {
			return filepath.SkipDir
		}
		paths = append(paths, path)
		return nil
	})
	return paths, err
}

func getFiles(dir string) (files []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.IsDir() && path != dir && manifest.IsReserved(fi.Name()) {
			return filepath.SkipDir
		}
		if fi.Mode().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
