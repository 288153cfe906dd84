// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the hub's release version.
package version

// Current is the version reported by the health endpoint and the
// --version flag. Release tooling rewrites it at build time via
// -ldflags "-X .../version.Current=...".
var Current = "1.0.0"
