// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apply reconciles a host to a config pack over SSH: file
// writes, package installs and env-var upserts, plus the reverse
// removal operation. The engine executes one item at a time so the
// caller can persist progress between items.
package apply

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/kballard/go-shellquote"

	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/internal/packs"
	"github.com/DarrenBenson/homelabcmd/internal/sshexec"
	"github.com/DarrenBenson/homelabcmd/state"
)

var logger = loggo.GetLogger("homelabcmd.apply")

// BackupSuffix is appended to files during removal instead of
// deleting them.
const BackupSuffix = ".homelabcmd.bak"

// Item categories, matching the mismatch taxonomy's groupings.
const (
	CategoryFile    = "file"
	CategoryPackage = "package"
	CategorySetting = "setting"
)

// Item is one unit of apply work.
type Item struct {
	Category string
	Name     string

	file    *packs.FileItem
	pkg     *packs.PackageItem
	setting *packs.SettingItem
}

// PreviewAction is one proposed action in a dry run.
type PreviewAction struct {
	Item        string `json:"item"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// Preview is the grouped dry-run output.
type Preview struct {
	Files      []PreviewAction `json:"files"`
	Packages   []PreviewAction `json:"packages"`
	Settings   []PreviewAction `json:"settings"`
	TotalItems int             `json:"total_items"`
}

// Items flattens a pack into ordered apply work: files, then
// packages, then settings.
func Items(pack packs.Pack) []Item {
	var items []Item
	for i := range pack.Items.Files {
		f := &pack.Items.Files[i]
		items = append(items, Item{Category: CategoryFile, Name: f.Path, file: f})
	}
	for i := range pack.Items.Packages {
		p := &pack.Items.Packages[i]
		items = append(items, Item{Category: CategoryPackage, Name: p.Name, pkg: p})
	}
	for i := range pack.Items.Settings {
		s := &pack.Items.Settings[i]
		items = append(items, Item{Category: CategorySetting, Name: s.Key, setting: s})
	}
	return items
}

// BuildPreview produces the dry-run listing for applying a pack.
func BuildPreview(pack packs.Pack) Preview {
	var p Preview
	for _, f := range pack.Items.Files {
		p.Files = append(p.Files, PreviewAction{
			Item:        f.Path,
			Action:      fmt.Sprintf("write file (mode %s)", f.Mode),
			Description: f.Description,
		})
	}
	for _, pkg := range pack.Items.Packages {
		action := "install package"
		if pkg.MinVersion != "" {
			action = fmt.Sprintf("install package (>= %s)", pkg.MinVersion)
		}
		p.Packages = append(p.Packages, PreviewAction{
			Item: pkg.Name, Action: action, Description: pkg.Description,
		})
	}
	for _, s := range pack.Items.Settings {
		p.Settings = append(p.Settings, PreviewAction{
			Item:        s.Key,
			Action:      fmt.Sprintf("set %s=%s", s.Key, s.Expected),
			Description: s.Description,
		})
	}
	p.TotalItems = pack.Items.Total()
	return p
}

// BuildRemovePreview produces the dry-run listing for removing a
// pack. Packages are deliberately left installed.
func BuildRemovePreview(pack packs.Pack) Preview {
	var p Preview
	for _, f := range pack.Items.Files {
		p.Files = append(p.Files, PreviewAction{
			Item:   f.Path,
			Action: fmt.Sprintf("rename to %s%s", f.Path, BackupSuffix),
		})
	}
	for _, pkg := range pack.Items.Packages {
		p.Packages = append(p.Packages, PreviewAction{
			Item: pkg.Name, Action: "leave installed",
		})
	}
	for _, s := range pack.Items.Settings {
		p.Settings = append(p.Settings, PreviewAction{
			Item: s.Key, Action: "remove from shell rc",
		})
	}
	p.TotalItems = pack.Items.Total()
	return p
}

// Engine executes apply and remove items on hosts.
type Engine struct {
	registry *packs.Registry
	executor *sshexec.Executor
}

// NewEngine returns an Engine.
func NewEngine(registry *packs.Registry, executor *sshexec.Executor) *Engine {
	return &Engine{registry: registry, executor: executor}
}

// Registry exposes the pack registry the engine applies from.
func (e *Engine) Registry() *packs.Registry {
	return e.registry
}

func configUser(srv *fleet.Server) string {
	if srv.ConfigUser != "" {
		return srv.ConfigUser
	}
	return "root"
}

func configHome(srv *fleet.Server) string {
	user := configUser(srv)
	if user == "root" {
		return "/root"
	}
	return "/home/" + user
}

func expandPath(srv *fleet.Server, p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		return configHome(srv) + strings.TrimPrefix(p, "~")
	}
	return p
}

// rcFile is where setting items land: the config user's bashrc.
func rcFile(srv *fleet.Server) string {
	return configHome(srv) + "/.bashrc"
}

// ApplyItem applies one item to the server. A non-zero exit from the
// remote command is an item failure, not a transport error.
func (e *Engine) ApplyItem(ctx context.Context, srv *fleet.Server, item Item) error {
	switch item.Category {
	case CategoryFile:
		return errors.Trace(e.applyFile(ctx, srv, *item.file))
	case CategoryPackage:
		return errors.Trace(e.applyPackage(ctx, srv, *item.pkg))
	case CategorySetting:
		return errors.Trace(e.applySetting(ctx, srv, *item.setting))
	}
	return errors.NotValidf("apply item category %q", item.Category)
}

// RemoveItem reverses one item: files are backed up, settings removed
// from the rc file, packages intentionally left alone.
func (e *Engine) RemoveItem(ctx context.Context, srv *fleet.Server, item Item) error {
	switch item.Category {
	case CategoryFile:
		return errors.Trace(e.removeFile(ctx, srv, *item.file))
	case CategoryPackage:
		return nil
	case CategorySetting:
		return errors.Trace(e.removeSetting(ctx, srv, *item.setting))
	}
	return errors.NotValidf("remove item category %q", item.Category)
}

func (e *Engine) applyFile(ctx context.Context, srv *fleet.Server, f packs.FileItem) error {
	var content []byte
	if f.Template != "" {
		var err error
		content, err = e.registry.TemplateContent(f.Template)
		if err != nil {
			return errors.Trace(err)
		}
	}

	target := expandPath(srv, f.Path)
	quoted := shellquote.Join(target)
	mode := f.Mode
	if mode == "" {
		mode = "0644"
	}

	var script strings.Builder
	fmt.Fprintf(&script, "mkdir -p %s && ", shellquote.Join(path.Dir(target)))
	if f.Template == "" {
		// No template means the pack only asserts existence and mode.
		fmt.Fprintf(&script, "touch %s\n", quoted)
	} else {
		// A unique sentinel keeps file content that itself contains EOF
		// markers from terminating the heredoc early.
		sentinel := "HLC_" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
		fmt.Fprintf(&script, "cat > %s <<'%s'\n%s", quoted, sentinel, string(content))
		if len(content) > 0 && content[len(content)-1] != '\n' {
			script.WriteByte('\n')
		}
		fmt.Fprintf(&script, "%s\n", sentinel)
	}
	fmt.Fprintf(&script, "chmod %s %s", shellquote.Join(mode), quoted)

	res, err := e.executor.Run(ctx, srv, script.String(), 0)
	if err != nil {
		return errors.Trace(err)
	}
	if res.ExitCode != 0 {
		return errors.Errorf("writing %s: exit %d: %s", f.Path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	logger.Debugf("wrote %s on %s", target, srv.ID)
	return nil
}

func (e *Engine) applyPackage(ctx context.Context, srv *fleet.Server, p packs.PackageItem) error {
	command := "sudo apt-get install -y " + shellquote.Join(p.Name)
	res, err := e.executor.Run(ctx, srv, command, 0)
	if err != nil {
		return errors.Trace(err)
	}
	if res.ExitCode != 0 {
		return errors.Errorf("installing %s: exit %d: %s", p.Name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (e *Engine) applySetting(ctx context.Context, srv *fleet.Server, s packs.SettingItem) error {
	rc := shellquote.Join(rcFile(srv))
	export := fmt.Sprintf("export %s=%s", s.Key, shellquote.Join(s.Expected))
	// Replace an existing export line in place, or append one.
	script := fmt.Sprintf(
		"touch %s && if grep -q '^export %s=' %s; then sed -i 's|^export %s=.*|%s|' %s; else printf '%%s\\n' %s >> %s; fi",
		rc, s.Key, rc, s.Key, export, rc, shellquote.Join(export), rc)

	res, err := e.executor.Run(ctx, srv, script, 0)
	if err != nil {
		return errors.Trace(err)
	}
	if res.ExitCode != 0 {
		return errors.Errorf("setting %s: exit %d: %s", s.Key, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (e *Engine) removeFile(ctx context.Context, srv *fleet.Server, f packs.FileItem) error {
	target := expandPath(srv, f.Path)
	quoted := shellquote.Join(target)
	backup := shellquote.Join(target + BackupSuffix)
	script := fmt.Sprintf("if test -e %s; then mv %s %s; fi", quoted, quoted, backup)

	res, err := e.executor.Run(ctx, srv, script, 0)
	if err != nil {
		return errors.Trace(err)
	}
	if res.ExitCode != 0 {
		return errors.Errorf("backing up %s: exit %d: %s", f.Path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (e *Engine) removeSetting(ctx context.Context, srv *fleet.Server, s packs.SettingItem) error {
	rc := shellquote.Join(rcFile(srv))
	script := fmt.Sprintf("if test -e %s; then sed -i '/^export %s=/d' %s; fi", rc, s.Key, rc)

	res, err := e.executor.Run(ctx, srv, script, 0)
	if err != nil {
		return errors.Trace(err)
	}
	if res.ExitCode != 0 {
		return errors.Errorf("removing %s: exit %d: %s", s.Key, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// OutcomeStatus derives the terminal status from per-item results:
// completed when anything succeeded, failed when nothing did.
func OutcomeStatus(results []state.ItemResult) state.ApplyStatus {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	if succeeded == 0 && len(results) > 0 {
		return state.ApplyFailed
	}
	return state.ApplyCompleted
}
