// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fleet

import (
	"regexp"
	"strings"
)

// MachineType partitions the fleet into always-on servers and
// machines that are expected to go away (laptops, desktops).
// Offline alerting only applies to servers.
type MachineType string

const (
	MachineTypeServer      MachineType = "server"
	MachineTypeWorkstation MachineType = "workstation"
)

// IsValid reports whether t is a known machine type.
func (t MachineType) IsValid() bool {
	switch t {
	case MachineTypeServer, MachineTypeWorkstation:
		return true
	}
	return false
}

// MachineCategory is the hardware taxonomy used for display grouping
// and idle/TDP wattage defaults.
type MachineCategory string

const (
	CategoryRackServer    MachineCategory = "rack_server"
	CategoryTowerServer   MachineCategory = "tower_server"
	CategoryMiniPC        MachineCategory = "mini_pc"
	CategorySBC           MachineCategory = "sbc"
	CategoryNAS           MachineCategory = "nas"
	CategoryWorkstation   MachineCategory = "workstation"
	CategoryOfficeDesktop MachineCategory = "office_desktop"
	CategoryOfficeLaptop  MachineCategory = "office_laptop"
	CategoryVirtual       MachineCategory = "virtual"
)

// CategorySource records whether the category was inferred from CPU
// facts or pinned by the operator. A user-set category is never
// overwritten by inference.
type CategorySource string

const (
	CategorySourceAuto CategorySource = "auto"
	CategorySourceUser CategorySource = "user"
)

var (
	armArchitectures = map[string]bool{
		"aarch64": true,
		"armv6l":  true,
		"armv7l":  true,
		"arm64":   true,
	}

	// Intel desktop parts carry a bare model number; mobile parts end
	// in U, P, H or Y.
	intelDesktopHigh = regexp.MustCompile(`\bi[79]-\d{4,5}[A-TV-Z]*\b`)
	intelDesktopLow  = regexp.MustCompile(`\bi[35]-\d{4,5}[A-TV-Z]*\b`)
	intelMobile      = regexp.MustCompile(`\bi[3579]-\d{4,5}G?\d?[UPHY]`)
	ryzenHigh        = regexp.MustCompile(`Ryzen\s+[79]\b`)
	ryzenLow         = regexp.MustCompile(`Ryzen\s+[35]\b`)
	ryzenMobile      = regexp.MustCompile(`Ryzen.*(\d{3,4}U\b|PRO\s+U|Mobile)`)
	intelNSeries     = regexp.MustCompile(`\bN\d{3,4}\b`)
)

// InferCategory derives a machine category from CPU facts. The rules
// are ordered and the first match wins; a Ryzen 7 mobile part is
// therefore classified as a workstation, matching the higher-priority
// rule. An empty return means no rule matched and the category is
// left unset.
func InferCategory(cpuModel, architecture string) MachineCategory {
	if armArchitectures[strings.ToLower(architecture)] {
		return CategorySBC
	}
	if cpuModel == "" {
		return ""
	}

	switch {
	case strings.Contains(cpuModel, "Xeon"), strings.Contains(cpuModel, "EPYC"):
		return CategoryRackServer
	case strings.Contains(cpuModel, "Threadripper"):
		return CategoryWorkstation
	case isIntelDesktop(cpuModel, intelDesktopHigh), ryzenHigh.MatchString(cpuModel):
		return CategoryWorkstation
	case isIntelDesktop(cpuModel, intelDesktopLow), ryzenLow.MatchString(cpuModel):
		return CategoryOfficeDesktop
	case isMobileCPU(cpuModel):
		return CategoryOfficeLaptop
	case intelNSeries.MatchString(cpuModel),
		strings.Contains(cpuModel, "Celeron"),
		strings.Contains(cpuModel, "Atom"),
		strings.Contains(cpuModel, "Pentium"):
		return CategoryMiniPC
	}
	return ""
}

func isIntelDesktop(model string, pattern *regexp.Regexp) bool {
	return pattern.MatchString(model) && !intelMobile.MatchString(model)
}

func isMobileCPU(model string) bool {
	if intelMobile.MatchString(model) {
		return true
	}
	if ryzenMobile.MatchString(model) {
		return true
	}
	return strings.HasPrefix(model, "Apple M")
}
