// Package worlds finds the worlds in the worlds root directory.
package worlds

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/sidkik/mcsync/pkg/errors"
	"github.com/sidkik/mcsync/pkg/manifest"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// World is a synced world directory.
type World struct {
	ID  string
	Dir string
}

// Registry tracks the worlds under a root directory. Each immediate
// subdirectory of the root is a world, identified by its directory name.
type Registry struct {
	root string

	lock   sync.Mutex
	worlds map[string]World
}

// NewRegistry creates a registry for the worlds under `root`. Call Scan to
// populate it.
func NewRegistry(root string) *Registry {
	return &Registry{root: root, worlds: map[string]World{}}
}

// Root returns the worlds root directory.
func (r *Registry) Root() string {
	return r.root
}

// Scan re-reads the worlds root, and returns the worlds that weren't known
// before. Worlds that were removed from disk are kept, since a removed world
// is synced like any other change.
func (r *Registry) Scan() ([]World, error) {
	entries, err := afero.ReadDir(fs, r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: r.root}
		}
		return nil, errors.FilesystemError{Op: "list worlds", Path: r.root, Err: err}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	var added []World
	for _, entry := range entries {
		if !entry.IsDir() || !IsValidID(entry.Name()) {
			continue
		}
		if _, ok := r.worlds[entry.Name()]; ok {
			continue
		}

		world := World{ID: entry.Name(), Dir: filepath.Join(r.root, entry.Name())}
		r.worlds[world.ID] = world
		added = append(added, world)
	}
	return added, nil
}

// Get returns the world with the given ID.
func (r *Registry) Get(id string) (World, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	world, ok := r.worlds[id]
	return world, ok
}

// List returns all known worlds, sorted by ID.
func (r *Registry) List() []World {
	r.lock.Lock()
	defer r.lock.Unlock()

	var worlds []World
	for _, world := range r.worlds {
		worlds = append(worlds, world)
	}
	sort.Slice(worlds, func(i, j int) bool {
		return worlds[i].ID < worlds[j].ID
	})
	return worlds
}

// Ensure returns the world with the given ID, creating its directory if it
// doesn't exist yet. It's used when a peer sends a world this device has
// never seen.
func (r *Registry) Ensure(id string) (World, error) {
	if !IsValidID(id) {
		return World{}, errors.ProtocolError{Reason: "invalid world id " + id}
	}

	if world, ok := r.Get(id); ok {
		return world, nil
	}

	world := World{ID: id, Dir: filepath.Join(r.root, id)}
	if err := fs.MkdirAll(world.Dir, 0755); err != nil {
		return World{}, errors.FilesystemError{Op: "create world", Path: world.Dir, Err: err}
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if existing, ok := r.worlds[id]; ok {
		return existing, nil
	}
	r.worlds[id] = world
	return world, nil
}

// IsValidID returns whether `id` can name a world directory.
func IsValidID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		filepath.Base(id) == id &&
		filepath.ToSlash(id) == id &&
		!manifest.IsReserved(id)
}
