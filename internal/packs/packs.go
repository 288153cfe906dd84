// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package packs loads declarative config packs from a directory of
// YAML files, resolving single inheritance and caching parsed packs
// by file modification time.
package packs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

var logger = loggo.GetLogger("homelabcmd.packs")

// FileItem declares one managed file on the host.
type FileItem struct {
	Path        string `yaml:"path" json:"path"`
	Mode        string `yaml:"mode" json:"mode"`
	Template    string `yaml:"template,omitempty" json:"template,omitempty"`
	ContentHash string `yaml:"content_hash,omitempty" json:"content_hash,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// PackageItem declares one required package.
type PackageItem struct {
	Name        string `yaml:"name" json:"name"`
	MinVersion  string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// SettingItem declares one environment variable expectation.
type SettingItem struct {
	Key         string `yaml:"key" json:"key"`
	Expected    string `yaml:"expected" json:"expected"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Items groups a pack's declared state by category.
type Items struct {
	Files    []FileItem    `yaml:"files" json:"files"`
	Packages []PackageItem `yaml:"packages" json:"packages"`
	Settings []SettingItem `yaml:"settings" json:"settings"`
}

// Total counts declared items across categories.
func (i Items) Total() int {
	return len(i.Files) + len(i.Packages) + len(i.Settings)
}

// Pack is a loaded, inheritance-resolved config pack. Immutable
// after load.
type Pack struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Extends     string `yaml:"extends,omitempty"`
	Items       Items  `yaml:"items"`
}

type cacheEntry struct {
	pack    Pack
	modTime int64
}

// Registry loads and caches packs from a directory.
type Registry struct {
	dir string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewRegistry returns a Registry over the given packs directory.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, cache: make(map[string]cacheEntry)}
}

// Load returns the named pack with inheritance applied.
func (r *Registry) Load(name string) (Pack, error) {
	return r.load(name, set.NewStrings())
}

// Names lists the packs available in the directory.
func (r *Registry) Names() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, errors.Annotate(err, "reading packs directory")
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name()[:len(entry.Name())-len(ext)])
	}
	return names, nil
}

func (r *Registry) load(name string, seen set.Strings) (Pack, error) {
	if seen.Contains(name) {
		return Pack{}, errors.NotValidf("pack inheritance cycle through %q", name)
	}
	seen.Add(name)

	pack, err := r.parse(name)
	if err != nil {
		return Pack{}, errors.Trace(err)
	}
	if pack.Extends == "" {
		return pack, nil
	}

	parent, err := r.load(pack.Extends, seen)
	if err != nil {
		return Pack{}, errors.Annotatef(err, "loading parent of %q", name)
	}
	pack.Items = mergeItems(parent.Items, pack.Items)
	return pack, nil
}

func (r *Registry) parse(name string) (Pack, error) {
	path, info, err := r.resolve(name)
	if err != nil {
		return Pack{}, errors.Trace(err)
	}

	r.mu.Lock()
	entry, hit := r.cache[name]
	r.mu.Unlock()
	if hit && entry.modTime == info.ModTime().UnixNano() {
		return entry.pack, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Pack{}, errors.Trace(err)
	}
	var pack Pack
	if err := yaml.Unmarshal(raw, &pack); err != nil {
		return Pack{}, errors.Annotatef(err, "parsing pack %q", name)
	}
	if pack.Name == "" {
		pack.Name = name
	}
	if err := r.validate(pack); err != nil {
		return Pack{}, errors.Trace(err)
	}

	r.mu.Lock()
	r.cache[name] = cacheEntry{pack: pack, modTime: info.ModTime().UnixNano()}
	r.mu.Unlock()
	logger.Debugf("loaded pack %q (%d items)", name, pack.Items.Total())
	return pack, nil
}

func (r *Registry) resolve(name string) (string, os.FileInfo, error) {
	if name != filepath.Base(name) {
		return "", nil, errors.NotValidf("pack name %q", name)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(r.dir, name+ext)
		info, err := os.Stat(path)
		if err == nil {
			return path, info, nil
		}
		if !os.IsNotExist(err) {
			return "", nil, errors.Trace(err)
		}
	}
	return "", nil, errors.NotFoundf("pack %q", name)
}

func (r *Registry) validate(pack Pack) error {
	for _, file := range pack.Items.Files {
		if file.Path == "" {
			return errors.NotValidf("pack %q: file item with empty path", pack.Name)
		}
		if file.Template == "" {
			continue
		}
		templatePath := filepath.Join(r.dir, "templates", file.Template)
		if _, err := os.Stat(templatePath); err != nil {
			return errors.NotFoundf("pack %q: template %q", pack.Name, file.Template)
		}
	}
	for _, pkg := range pack.Items.Packages {
		if pkg.Name == "" {
			return errors.NotValidf("pack %q: package item with empty name", pack.Name)
		}
	}
	for _, setting := range pack.Items.Settings {
		if setting.Key == "" {
			return errors.NotValidf("pack %q: setting item with empty key", pack.Name)
		}
	}
	return nil
}

// TemplateContent returns the body of a pack file template.
func (r *Registry) TemplateContent(name string) ([]byte, error) {
	if name != filepath.Base(name) {
		return nil, errors.NotValidf("template name %q", name)
	}
	raw, err := os.ReadFile(filepath.Join(r.dir, "templates", name))
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("template %q", name)
	}
	return raw, errors.Trace(err)
}

// mergeItems overlays child items on the parent's, keyed by path,
// name or key per category. Child entries win.
func mergeItems(parent, child Items) Items {
	var merged Items

	files := make(map[string]int)
	for _, item := range parent.Files {
		files[item.Path] = len(merged.Files)
		merged.Files = append(merged.Files, item)
	}
	for _, item := range child.Files {
		if i, ok := files[item.Path]; ok {
			merged.Files[i] = item
			continue
		}
		merged.Files = append(merged.Files, item)
	}

	packages := make(map[string]int)
	for _, item := range parent.Packages {
		packages[item.Name] = len(merged.Packages)
		merged.Packages = append(merged.Packages, item)
	}
	for _, item := range child.Packages {
		if i, ok := packages[item.Name]; ok {
			merged.Packages[i] = item
			continue
		}
		merged.Packages = append(merged.Packages, item)
	}

	settings := make(map[string]int)
	for _, item := range parent.Settings {
		settings[item.Key] = len(merged.Settings)
		merged.Settings = append(merged.Settings, item)
	}
	for _, item := range child.Settings {
		if i, ok := settings[item.Key]; ok {
			merged.Settings[i] = item
			continue
		}
		merged.Settings = append(merged.Settings, item)
	}

	return merged
}
