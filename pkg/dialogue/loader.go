package dialogue

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const fixedStatesPrefix = "fixed_states"

// Loader loads and optionally hot-reloads dialogue state definitions
// from a directory of YAML files.
type Loader struct {
	dir string

	mu      sync.RWMutex
	catalog *Catalog
}

// NewLoader creates a loader for the given definitions directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// LoadAll loads every .yaml file from the configured directory and
// validates the result. Files named fixed_states*.yaml contribute
// single-formulation terminal states; all other files contribute one
// regular state each.
func (l *Loader) LoadAll() (*Catalog, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read states dir %q: %w", l.dir, err)
	}

	states := make(map[string]*State)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())

		if strings.HasPrefix(entry.Name(), fixedStatesPrefix) {
			fixed, err := loadFixedStatesFile(path)
			if err != nil {
				return nil, fmt.Errorf("load %q: %w", path, err)
			}
			for name, s := range fixed {
				states[name] = s
			}
			continue
		}

		s, err := loadStateFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", path, err)
		}
		if _, exists := states[s.Name()]; exists {
			slog.Warn("overwriting dialogue state", slog.String("state", s.Name()))
		}
		states[s.Name()] = s
	}

	catalog := NewCatalog(states)
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("validate dialogue states: %w", err)
	}

	l.mu.Lock()
	l.catalog = catalog
	l.mu.Unlock()

	slog.Debug("dialogue states loaded", slog.Int("count", catalog.Len()))
	return catalog, nil
}

// Catalog returns the most recently loaded catalog, or nil before the
// first successful LoadAll.
func (l *Loader) Catalog() *Catalog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.catalog
}

func loadStateFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var def StateDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("state definition missing name")
	}
	// A missing probability map is synthesized as empty so every state
	// is structurally uniform for the engine.
	if def.TransitionProbabilities == nil {
		def.TransitionProbabilities = map[string]float64{}
	}

	s := NewState(def)
	if len(s.Formulations()) == 0 {
		slog.Warn("no formulations found in state", slog.String("state", s.Name()))
	}
	return s, nil
}

func loadFixedStatesFile(path string) (map[string]*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var defs fixedStatesFile
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	states := make(map[string]*State, len(defs))
	for name, formulation := range defs {
		states[name] = NewFixedState(name, formulation)
	}
	return states, nil
}

// WatchAndReload watches the definitions directory for changes and
// reloads on write/create. Blocks until the done channel is closed.
// A reload that fails validation keeps the previous catalog.
func (l *Loader) WatchAndReload(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", l.dir, err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if filepath.Ext(event.Name) == ".yaml" {
					if _, err := l.LoadAll(); err != nil {
						slog.Warn("dialogue state reload failed",
							slog.String("error", err.Error()))
					}
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
