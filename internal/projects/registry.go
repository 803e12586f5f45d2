// Package projects implements the read-only project registry the core looks
// up projects through. The registry itself is an external collaborator's
// concern (spec.md treats project scaffolding as out of scope); the core
// only needs a name-keyed lookup of path/description/tags, which this
// package loads from projects.yml and optionally augments by scanning a
// directory for marker files.
package projects

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Project is a named local source tree the core may spawn agents against.
type Project struct {
	Name        string   `yaml:"name" json:"name"`
	Path        string   `yaml:"path" json:"path"`
	Description string   `yaml:"description" json:"description"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Discovered  bool     `yaml:"-" json:"discovered"`
}

// Config is the root of projects.yml.
type Config struct {
	ScanPath string    `yaml:"scan_path"`
	Projects []Project `yaml:"projects"`
}

// markerFile is the heuristic signal used to recognize an auto-discoverable
// project directory during a scan_path sweep.
const markerFile = "CLAUDE.md"

// Load reads projects.yml and merges in anything found under its scan_path.
// Explicit entries always win over discovered ones with the same path.
func Load(configPath string) (*Registry, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	reg := &Registry{byName: make(map[string]*Project)}
	seenPaths := make(map[string]bool)

	for i := range cfg.Projects {
		p := cfg.Projects[i]
		reg.byName[p.Name] = &p
		seenPaths[p.Path] = true
	}

	if cfg.ScanPath != "" {
		discovered, err := discover(cfg.ScanPath)
		if err == nil {
			for _, d := range discovered {
				if !seenPaths[d.Path] {
					dp := d
					reg.byName[dp.Name] = &dp
				}
			}
		}
	}

	return reg, nil
}

func discover(scanPath string) ([]Project, error) {
	entries, err := os.ReadDir(scanPath)
	if err != nil {
		return nil, err
	}

	var found []Project
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(scanPath, entry.Name())
		if _, err := os.Stat(filepath.Join(path, markerFile)); err == nil {
			found = append(found, Project{
				Name:        entry.Name(),
				Path:        path,
				Description: "auto-discovered",
				Discovered:  true,
			})
		}
	}
	return found, nil
}

// Registry is the core's read-only, name-keyed view of the project set.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Project
}

// NewRegistry builds an empty registry, useful for tests.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Project)}
}

// Get looks up a project by name.
func (r *Registry) Get(name string) (*Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// List returns every known project, sorted by no particular order.
func (r *Registry) List() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Project, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, p)
	}
	return out
}

// Put registers or overwrites a project — used by tests and by an admin
// endpoint that lets an operator register a project without editing YAML.
func (r *Registry) Put(p Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[p.Name] = &p
}

// Validate checks that path is a usable project directory: absolute,
// existing, a directory, and recognizable as a project (has .git or the
// marker file).
func Validate(path string) error {
	if !filepath.IsAbs(path) {
		return &ValidationError{Path: path, Reason: "path must be absolute"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &ValidationError{Path: path, Reason: "path does not exist"}
	}
	if !info.IsDir() {
		return &ValidationError{Path: path, Reason: "path is not a directory"}
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		if _, err := os.Stat(filepath.Join(path, markerFile)); err != nil {
			return &ValidationError{Path: path, Reason: "not a recognizable project (no .git or CLAUDE.md)"}
		}
	}
	return nil
}

// ValidationError reports why a candidate project path was rejected.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid project path %s: %s", e.Path, e.Reason)
}
