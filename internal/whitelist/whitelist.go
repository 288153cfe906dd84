// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package whitelist is the single authoriser for remote command
// execution. A command runs only if its action type is registered,
// its text matches the registered pattern, every extracted parameter
// validates, and no shell metacharacters appear anywhere.
package whitelist

import (
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("homelabcmd.whitelist")

// ErrNotAllowed is returned for any command that fails validation.
const ErrNotAllowed = errors.ConstError("command not allowed")

var shellMetacharacters = []string{";", "|", "&", "`", "$(", ">", "<"}

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// entry is one registered action type: a command pattern with {name}
// placeholders and a validator per parameter.
type entry struct {
	pattern    string
	validators map[string]*regexp.Regexp
}

var registry = map[string]entry{
	"restart_service": {
		pattern:    "sudo systemctl restart {service}",
		validators: map[string]*regexp.Regexp{"service": serviceNamePattern},
	},
	"apply_updates": {
		pattern: "sudo apt-get upgrade -y",
	},
	"clear_logs": {
		pattern:    "sudo journalctl --vacuum-time={retention}",
		validators: map[string]*regexp.Regexp{"retention": regexp.MustCompile(`^[0-9]{1,3}[dhm]$`)},
	},
}

// placeholderPattern matches {name} slots in registered patterns.
var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Validate authorises command for actionType, returning the extracted
// parameters. Every rejection is logged with the command, the action
// type and the reason.
func Validate(actionType, command string) (map[string]string, error) {
	ent, ok := registry[actionType]
	if !ok {
		return nil, reject(actionType, command, "unknown action type")
	}

	// The metacharacter scan runs before pattern matching so a
	// malicious suffix is reported as such, not as a shape mismatch.
	for _, meta := range shellMetacharacters {
		if strings.Contains(command, meta) {
			return nil, reject(actionType, command, "shell metacharacter "+meta)
		}
	}

	params, ok := match(ent.pattern, command)
	if !ok {
		return nil, reject(actionType, command, "command does not match pattern")
	}
	for name, value := range params {
		validator, ok := ent.validators[name]
		if !ok {
			return nil, reject(actionType, command, "no validator for parameter "+name)
		}
		if !validator.MatchString(value) {
			return nil, reject(actionType, command, "invalid parameter "+name)
		}
	}
	return params, nil
}

// Build renders the registered pattern for actionType with the given
// parameters and validates the result, so callers construct commands
// from the same source of truth that authorises them.
func Build(actionType string, parameters map[string]string) (string, error) {
	ent, ok := registry[actionType]
	if !ok {
		return "", reject(actionType, "", "unknown action type")
	}
	command := ent.pattern
	for _, name := range placeholderPattern.FindAllStringSubmatch(ent.pattern, -1) {
		value, ok := parameters[name[1]]
		if !ok {
			return "", reject(actionType, command, "missing parameter "+name[1])
		}
		command = strings.Replace(command, name[0], value, 1)
	}
	if _, err := Validate(actionType, command); err != nil {
		return "", errors.Trace(err)
	}
	return command, nil
}

// ActionTypes returns the registered action type names.
func ActionTypes() []string {
	result := make([]string, 0, len(registry))
	for name := range registry {
		result = append(result, name)
	}
	return result
}

// match extracts {name} parameters by converting the pattern into an
// anchored regexp with one non-greedy group per placeholder.
func match(pattern, command string) (map[string]string, bool) {
	names := placeholderPattern.FindAllStringSubmatch(pattern, -1)
	expr := regexp.QuoteMeta(pattern)
	for _, name := range names {
		quoted := regexp.QuoteMeta(name[0])
		expr = strings.Replace(expr, quoted, `(\S+)`, 1)
	}
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, false
	}
	groups := re.FindStringSubmatch(command)
	if groups == nil {
		return nil, false
	}
	params := make(map[string]string, len(names))
	for i, name := range names {
		params[name[1]] = groups[i+1]
	}
	return params, true
}

func reject(actionType, command, reason string) error {
	logger.Warningf("rejected command %q (action type %q): %s", command, actionType, reason)
	return errors.WithType(errors.Errorf("command rejected: %s", reason), ErrNotAllowed)
}
