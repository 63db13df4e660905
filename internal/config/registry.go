package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// Registry holds the current snapshot of agent descriptors loaded from a
// directory of YAML files. Reload replaces the whole snapshot atomically;
// readers never observe a partially-updated map.
type Registry struct {
	mu      sync.RWMutex
	dir     string
	byName  map[string]*AgentDescriptor
	loadErr map[string]error

	loadGroup singleflight.Group
}

// NewRegistry constructs an empty registry rooted at dir. Call Load to
// populate it.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:     dir,
		byName:  map[string]*AgentDescriptor{},
		loadErr: map[string]error{},
	}
}

// Load discovers every *.yaml/*.yml file directly under the registry's
// directory, parses and validates each as an AgentDescriptor, resolves its
// secrets, and installs the result as the new snapshot. A descriptor that
// fails to parse or validate does not abort the load; it is recorded under
// Errors() keyed by file path, and any previously-loaded descriptor with
// that name is dropped from the snapshot.
//
// Concurrent callers (the fsnotify watcher's debounced reload racing an
// operator-triggered manual reload) are coalesced via singleflight so the
// directory is only walked once per settled burst; every caller in the
// group observes the same resulting snapshot.
func (r *Registry) Load() error {
	_, err, _ := r.loadGroup.Do("load", func() (any, error) {
		return nil, r.load()
	})
	return err
}

func (r *Registry) load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("config: read dir %s: %w", r.dir, err)
	}

	byName := map[string]*AgentDescriptor{}
	loadErr := map[string]error{}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		d, err := loadDescriptorFile(path)
		if err != nil {
			loadErr[path] = err
			continue
		}
		if _, dup := byName[d.Name]; dup {
			loadErr[path] = fmt.Errorf("agent %q: duplicate name (also defined in another file)", d.Name)
			continue
		}
		byName[d.Name] = d
	}

	r.mu.Lock()
	r.byName = byName
	r.loadErr = loadErr
	r.mu.Unlock()
	return nil
}

func loadDescriptorFile(path string) (*AgentDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var d AgentDescriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	d.SourceFile = path
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := resolveSecrets(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Get returns the named descriptor and whether it exists.
func (r *Registry) Get(name string) (*AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// List returns every currently-loaded descriptor, sorted by name.
func (r *Registry) List() []*AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentDescriptor, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListByMode returns every currently-loaded descriptor with the given mode,
// sorted by name.
func (r *Registry) ListByMode(mode Mode) []*AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentDescriptor, 0)
	for _, d := range r.byName {
		if d.Mode == mode {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListEnabled is an alias of List: every descriptor present in the
// snapshot is, by construction, the enabled set (a descriptor that failed
// validation never enters byName).
func (r *Registry) ListEnabled() []*AgentDescriptor {
	return r.List()
}

// Errors returns the per-file load/validation errors from the most recent
// Load, keyed by source file path.
func (r *Registry) Errors() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.loadErr))
	for k, v := range r.loadErr {
		out[k] = v
	}
	return out
}
