// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package compliance

import (
	"strconv"
	"strings"
)

// normalizeVersion strips a Debian epoch ("2:1.2.3") and revision
// ("1.2.3-4ubuntu1"), leaving the upstream version.
func normalizeVersion(v string) string {
	if i := strings.Index(v, ":"); i >= 0 {
		if _, err := strconv.Atoi(v[:i]); err == nil {
			v = v[i+1:]
		}
	}
	if i := strings.Index(v, "-"); i >= 0 {
		v = v[:i]
	}
	return v
}

// compareVersions returns -1, 0 or 1 comparing normalized versions.
// Tilde marks a pre-release, sorting below the bare version
// (1.0~rc1 < 1.0); the remaining segments compare numerically where
// possible, lexically otherwise.
func compareVersions(a, b string) int {
	at := strings.Split(normalizeVersion(a), "~")
	bt := strings.Split(normalizeVersion(b), "~")
	for i := 0; i < len(at) || i < len(bt); i++ {
		if i >= len(at) {
			return 1
		}
		if i >= len(bt) {
			return -1
		}
		if cmp := compareSegments(at[i], bt[i]); cmp != 0 {
			return cmp
		}
	}
	return 0
}

func compareSegments(a, b string) int {
	as := strings.FieldsFunc(a, versionSeparator)
	bs := strings.FieldsFunc(b, versionSeparator)
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionSeparator(r rune) bool {
	return r == '.' || r == '+'
}
