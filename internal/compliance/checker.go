// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package compliance diffs a server's observed state against a config
// pack over SSH: file existence, mode and hash; installed package
// versions; environment variables in the config user's shell.
package compliance

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/kballard/go-shellquote"

	"github.com/DarrenBenson/homelabcmd/core/fleet"
	"github.com/DarrenBenson/homelabcmd/internal/packs"
	"github.com/DarrenBenson/homelabcmd/internal/sshexec"
	"github.com/DarrenBenson/homelabcmd/state"
)

var logger = loggo.GetLogger("homelabcmd.compliance")

// ErrSSHUnavailable collapses every SSH transport failure for the
// API surface, which maps it to 503.
const ErrSSHUnavailable = errors.ConstError("ssh unavailable")

// Checker runs pack compliance checks against live hosts.
type Checker struct {
	registry *packs.Registry
	executor *sshexec.Executor
	clock    clock.Clock
}

// NewChecker returns a Checker.
func NewChecker(registry *packs.Registry, executor *sshexec.Executor, clk clock.Clock) *Checker {
	return &Checker{registry: registry, executor: executor, clock: clk}
}

// Check diffs the server against the named pack and returns the
// result ready for persistence. An empty pack is trivially compliant.
func (c *Checker) Check(ctx context.Context, srv *fleet.Server, packName string) (state.ConfigCheck, error) {
	start := c.clock.Now()
	pack, err := c.registry.Load(packName)
	if err != nil {
		return state.ConfigCheck{}, errors.Trace(err)
	}

	result := state.ConfigCheck{
		ServerID:  srv.ID,
		PackName:  packName,
		CheckedAt: start.UTC(),
	}
	if pack.Items.Total() == 0 {
		result.IsCompliant = true
		return result, nil
	}

	var mismatches []state.Mismatch
	probes := []func(context.Context, *fleet.Server, packs.Pack) ([]state.Mismatch, error){
		c.checkFiles,
		c.checkPackages,
		c.checkSettings,
	}
	for _, probe := range probes {
		found, err := probe(ctx, srv, pack)
		if err != nil {
			if sshexec.IsUnavailable(err) {
				return state.ConfigCheck{}, errors.WithType(err, ErrSSHUnavailable)
			}
			return state.ConfigCheck{}, errors.Trace(err)
		}
		mismatches = append(mismatches, found...)
	}

	result.Mismatches = mismatches
	result.IsCompliant = len(mismatches) == 0
	result.CheckDurationMS = c.clock.Now().Sub(start).Milliseconds()
	if result.CheckDurationMS < 0 {
		result.CheckDurationMS = 0
	}
	logger.Infof("compliance check %s/%s: %d mismatches in %dms",
		srv.ID, packName, len(mismatches), result.CheckDurationMS)
	return result, nil
}

// configHome returns the home directory "~" expands to on the host.
func configHome(srv *fleet.Server) string {
	user := srv.ConfigUser
	if user == "" || user == "root" {
		return "/root"
	}
	return "/home/" + user
}

func expandPath(srv *fleet.Server, path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		return configHome(srv) + strings.TrimPrefix(path, "~")
	}
	return path
}

// sudoPrefix escalates probes when the SSH user is not the config
// user; sudo -n keeps a missing sudoers entry from hanging the probe.
func sudoPrefix(srv *fleet.Server) string {
	sshUser := srv.SSHUsername
	if sshUser == "" {
		sshUser = "root"
	}
	configUser := srv.ConfigUser
	if configUser == "" {
		configUser = "root"
	}
	if sshUser == configUser {
		return ""
	}
	return "sudo -n "
}

// checkFiles emits one batched probe per pack producing
// "path|EXISTS|mode|sha256" or "path|MISSING||" lines.
func (c *Checker) checkFiles(ctx context.Context, srv *fleet.Server, pack packs.Pack) ([]state.Mismatch, error) {
	if len(pack.Items.Files) == 0 {
		return nil, nil
	}

	sudo := sudoPrefix(srv)
	var script strings.Builder
	for _, file := range pack.Items.Files {
		path := expandPath(srv, file.Path)
		quoted := shellquote.Join(path)
		fmt.Fprintf(&script,
			`if %stest -e %s; then printf '%%s|EXISTS|%%s|%%s\n' %s "$(%sstat -c %%a %s)" "$(%ssha256sum %s | cut -d' ' -f1)"; else printf '%%s|MISSING||\n' %s; fi; `,
			sudo, quoted, quoted, sudo, quoted, sudo, quoted, quoted)
	}

	res, err := c.executor.Run(ctx, srv, script.String(), 0)
	if err != nil {
		return nil, errors.Trace(err)
	}

	observed := make(map[string][]string)
	for _, line := range strings.Split(res.Stdout, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) == 4 {
			observed[parts[0]] = parts
		}
	}

	var mismatches []state.Mismatch
	for _, file := range pack.Items.Files {
		path := expandPath(srv, file.Path)
		parts, ok := observed[path]
		if !ok || parts[1] == "MISSING" {
			mismatches = append(mismatches, state.Mismatch{
				Category: state.MismatchMissingFile,
				Item:     file.Path,
				Expected: "present",
				Actual:   "missing",
			})
			continue
		}
		mode, hash := parts[2], parts[3]
		// Mode 777 is how the probe reports symlinks; skip the
		// permission comparison rather than flag every link. Real
		// 0777 files slip through this heuristic.
		if file.Mode != "" && mode != "777" && !modeEqual(file.Mode, mode) {
			mismatches = append(mismatches, state.Mismatch{
				Category: state.MismatchWrongPermissions,
				Item:     file.Path,
				Expected: file.Mode,
				Actual:   mode,
			})
		}
		if file.ContentHash != "" && !strings.EqualFold(file.ContentHash, hash) {
			mismatches = append(mismatches, state.Mismatch{
				Category: state.MismatchWrongContent,
				Item:     file.Path,
				Expected: file.ContentHash,
				Actual:   hash,
			})
		}
	}
	return mismatches, nil
}

// modeEqual compares declared ("0644") against stat output ("644").
func modeEqual(declared, actual string) bool {
	return strings.TrimLeft(declared, "0") == strings.TrimLeft(actual, "0") ||
		declared == actual
}

// checkPackages runs one dpkg-query for all declared packages.
func (c *Checker) checkPackages(ctx context.Context, srv *fleet.Server, pack packs.Pack) ([]state.Mismatch, error) {
	if len(pack.Items.Packages) == 0 {
		return nil, nil
	}

	names := make([]string, len(pack.Items.Packages))
	for i, pkg := range pack.Items.Packages {
		names[i] = pkg.Name
	}
	command := fmt.Sprintf(
		`dpkg-query -W -f='${Package}\t${Version}\t${db:Status-Status}\n' %s 2>/dev/null`,
		shellquote.Join(names...))

	res, err := c.executor.Run(ctx, srv, command, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}

	type pkgInfo struct {
		version   string
		installed bool
	}
	observed := make(map[string]pkgInfo)
	for _, line := range strings.Split(res.Stdout, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "\t")
		if len(parts) == 3 {
			observed[parts[0]] = pkgInfo{version: parts[1], installed: parts[2] == "installed"}
		}
	}

	var mismatches []state.Mismatch
	for _, pkg := range pack.Items.Packages {
		info, ok := observed[pkg.Name]
		if !ok || !info.installed {
			mismatches = append(mismatches, state.Mismatch{
				Category: state.MismatchMissingPackage,
				Item:     pkg.Name,
				Expected: "installed",
				Actual:   "missing",
			})
			continue
		}
		if pkg.MinVersion != "" && compareVersions(info.version, pkg.MinVersion) < 0 {
			mismatches = append(mismatches, state.Mismatch{
				Category: state.MismatchWrongVersion,
				Item:     pkg.Name,
				Expected: ">= " + pkg.MinVersion,
				Actual:   info.version,
			})
		}
	}
	return mismatches, nil
}

// checkSettings echoes every expected env var in one login shell for
// the config user.
func (c *Checker) checkSettings(ctx context.Context, srv *fleet.Server, pack packs.Pack) ([]state.Mismatch, error) {
	if len(pack.Items.Settings) == 0 {
		return nil, nil
	}

	var script strings.Builder
	for _, setting := range pack.Items.Settings {
		fmt.Fprintf(&script, `printf '%s=%%s\n' "${%s}"; `, setting.Key, setting.Key)
	}
	command := script.String()
	if sudo := sudoPrefix(srv); sudo != "" {
		configUser := srv.ConfigUser
		if configUser == "" {
			configUser = "root"
		}
		command = fmt.Sprintf("sudo -n -u %s bash -lc %s",
			shellquote.Join(configUser), shellquote.Join(command))
	} else {
		command = "bash -lc " + shellquote.Join(command)
	}

	res, err := c.executor.Run(ctx, srv, command, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}

	observed := make(map[string]string)
	for _, line := range strings.Split(res.Stdout, "\n") {
		if key, value, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			observed[key] = value
		}
	}

	var mismatches []state.Mismatch
	for _, setting := range pack.Items.Settings {
		actual := observed[setting.Key]
		if actual != setting.Expected {
			mismatches = append(mismatches, state.Mismatch{
				Category: state.MismatchWrongSetting,
				Item:     setting.Key,
				Expected: setting.Expected,
				Actual:   actual,
			})
		}
	}
	return mismatches, nil
}
