// Package profile holds the animal profiles authored outside the controller.
package profile

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gwillem/homecage/pkg/device"
)

// Profile describes one animal.
type Profile struct {
	Tag        string      `yaml:"rfid"`
	Name       string      `yaml:"name"`
	Side       device.Side `yaml:"arm"`
	Difficulty int         `yaml:"difficulty"`
}

// file is the top-level YAML structure.
type file struct {
	Animals []Profile `yaml:"animals"`
}

// Registry holds loaded profiles keyed by tag. It is safe for concurrent use
// and can be reloaded while the controller runs.
type Registry struct {
	path string
	log  *zap.Logger

	mu    sync.RWMutex
	byTag map[string]Profile
}

// Load reads the profiles file at path.
func Load(path string, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{path: path, log: log.Named("profile")}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRegistry returns a registry holding profiles, without a backing file.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{log: zap.NewNop(), byTag: make(map[string]Profile)}
	for _, p := range profiles {
		r.byTag[normalizeTag(p.Tag)] = p
	}
	return r
}

// Reload re-reads the profiles file. Invalid entries are skipped with a
// warning; a file that cannot be parsed leaves the current profiles intact.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse profiles %s: %w", r.path, err)
	}

	byTag := make(map[string]Profile, len(f.Animals))
	for _, p := range f.Animals {
		p.Tag = normalizeTag(p.Tag)
		p.Side = device.Side(strings.ToLower(string(p.Side)))
		if err := p.validate(); err != nil {
			r.log.Warn("skipping profile", zap.String("tag", p.Tag), zap.Error(err))
			continue
		}
		if _, dup := byTag[p.Tag]; dup {
			r.log.Warn("duplicate profile tag, keeping first", zap.String("tag", p.Tag))
			continue
		}
		byTag[p.Tag] = p
	}

	r.mu.Lock()
	r.byTag = byTag
	r.mu.Unlock()

	r.log.Info("profiles loaded", zap.String("path", r.path), zap.Int("count", len(byTag)))
	return nil
}

func (p Profile) validate() error {
	if p.Tag == "" {
		return fmt.Errorf("missing rfid")
	}
	if !p.Side.Valid() {
		return fmt.Errorf("arm %q is neither left nor right", p.Side)
	}
	return nil
}

// Lookup returns the profile for tag.
func (r *Registry) Lookup(tag string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byTag[normalizeTag(tag)]
	return p, ok
}

// All returns all profiles sorted by tag.
func (r *Registry) All() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Profile, 0, len(r.byTag))
	for _, p := range r.byTag {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Tag < all[j].Tag })
	return all
}

func normalizeTag(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}
