// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"bufio"
	"fmt"
	"os/exec"
	"strings"
)

// Capability is a piece of the trust chain the engine requires on the host.
type Capability int

const (
	// CapValidator is the firmware-trusted first-stage loader (shim).
	CapValidator Capability = iota
	// CapKeyEnrollmentTool is the pre-boot MOK enrollment utility (MokManager).
	CapKeyEnrollmentTool
	// CapBootEntryTool is the operator-facing NVRAM entry tool (efibootmgr).
	CapBootEntryTool
	// CapSigningTool signs EFI binaries with the local key (sbsign).
	CapSigningTool
	// CapBootManagerPackage is the second-stage boot manager (rEFInd).
	CapBootManagerPackage
)

func (c Capability) String() string {
	switch c {
	case CapValidator:
		return "validator"
	case CapKeyEnrollmentTool:
		return "key-enrollment-tool"
	case CapBootEntryTool:
		return "boot-entry-tool"
	case CapSigningTool:
		return "signing-tool"
	case CapBootManagerPackage:
		return "boot-manager"
	default:
		return fmt.Sprintf("capability-%d", int(c))
	}
}

// AllCapabilities is the full set the engine provisions, in install order.
var AllCapabilities = []Capability{
	CapValidator,
	CapKeyEnrollmentTool,
	CapBootEntryTool,
	CapSigningTool,
	CapBootManagerPackage,
}

// PlatformProfile maps the detected platform identity to a package manager and
// to distro-specific artifact path conventions. It is immutable once resolved.
type PlatformProfile struct {
	OSID           string
	PackageManager string
	// InstallCommand is the argv prefix package names get appended to.
	InstallCommand []string
	// Packages maps each capability to the package providing it.
	Packages map[Capability]string

	// Ordered search paths for the shim binary to deploy.
	ValidatorSearchPaths []string
	// Ordered search paths for the MokManager binary to deploy.
	MokManagerSearchPaths []string
	// Ordered search paths for the unsigned boot manager binary.
	BootManagerSearchPaths []string
	// Optional icon/resource tree shipped by the boot manager package.
	IconsPath string

	ESPMount string

	// DebShimPackage enables the dpkg shim minimum-version gate when set.
	DebShimPackage string
}

// Swappable for tests.
var (
	osReleasePath = "/etc/os-release"
	execLookPath  = exec.LookPath
)

// shimMinDebVersion is the oldest shim with usable MOK support on
// Debian-family systems.
const shimMinDebVersion = "15"

func debianProfile(osID, arch string) *PlatformProfile {
	return &PlatformProfile{
		OSID:           osID,
		PackageManager: "apt-get",
		InstallCommand: []string{"apt-get", "install", "-y"},
		Packages: map[Capability]string{
			CapValidator:          "shim-signed",
			CapKeyEnrollmentTool:  "shim-signed",
			CapBootEntryTool:      "efibootmgr",
			CapSigningTool:        "sbsigntool",
			CapBootManagerPackage: "refind",
		},
		ValidatorSearchPaths: []string{
			"/usr/lib/shim/shim" + arch + ".efi.signed",
			"/usr/lib/shim/shim" + arch + ".efi",
		},
		MokManagerSearchPaths: []string{
			"/usr/lib/shim/mm" + arch + ".efi.signed",
			"/usr/lib/shim/mm" + arch + ".efi",
		},
		BootManagerSearchPaths: []string{
			"/usr/share/refind/refind/refind_" + arch + ".efi",
		},
		IconsPath:      "/usr/share/refind/refind/icons",
		ESPMount:       "/boot/efi",
		DebShimPackage: "shim-signed",
	}
}

func fedoraProfile(osID, arch string) *PlatformProfile {
	return &PlatformProfile{
		OSID:           osID,
		PackageManager: "dnf",
		InstallCommand: []string{"dnf", "install", "-y"},
		Packages: map[Capability]string{
			CapValidator:          "shim-" + arch,
			CapKeyEnrollmentTool:  "shim-" + arch,
			CapBootEntryTool:      "efibootmgr",
			CapSigningTool:        "sbsigntools",
			CapBootManagerPackage: "refind",
		},
		ValidatorSearchPaths: []string{
			"/boot/efi/EFI/fedora/shim" + arch + ".efi",
			"/usr/share/shim/shim" + arch + ".efi",
		},
		MokManagerSearchPaths: []string{
			"/boot/efi/EFI/fedora/mm" + arch + ".efi",
			"/usr/share/shim/mm" + arch + ".efi",
		},
		BootManagerSearchPaths: []string{
			"/usr/share/refind/refind/refind_" + arch + ".efi",
		},
		IconsPath: "/usr/share/refind/refind/icons",
		ESPMount:  "/boot/efi",
	}
}

func archProfile(osID, arch string) *PlatformProfile {
	return &PlatformProfile{
		OSID:           osID,
		PackageManager: "pacman",
		InstallCommand: []string{"pacman", "-S", "--needed", "--noconfirm"},
		Packages: map[Capability]string{
			CapValidator:          "shim-signed",
			CapKeyEnrollmentTool:  "shim-signed",
			CapBootEntryTool:      "efibootmgr",
			CapSigningTool:        "sbsigntools",
			CapBootManagerPackage: "refind",
		},
		ValidatorSearchPaths: []string{
			"/usr/share/shim-signed/shim" + arch + ".efi",
		},
		MokManagerSearchPaths: []string{
			"/usr/share/shim-signed/mm" + arch + ".efi",
		},
		BootManagerSearchPaths: []string{
			"/usr/share/refind/refind_" + arch + ".efi",
		},
		IconsPath: "/usr/share/refind/icons",
		ESPMount:  "/boot/efi",
	}
}

func suseProfile(osID, arch string) *PlatformProfile {
	return &PlatformProfile{
		OSID:           osID,
		PackageManager: "zypper",
		InstallCommand: []string{"zypper", "--non-interactive", "install"},
		Packages: map[Capability]string{
			CapValidator:          "shim",
			CapKeyEnrollmentTool:  "shim",
			CapBootEntryTool:      "efibootmgr",
			CapSigningTool:        "sbsigntools",
			CapBootManagerPackage: "refind",
		},
		ValidatorSearchPaths: []string{
			"/usr/share/efi/x86_64/shim.efi",
			"/usr/lib64/efi/shim.efi",
		},
		MokManagerSearchPaths: []string{
			"/usr/share/efi/x86_64/MokManager.efi",
			"/usr/lib64/efi/MokManager.efi",
		},
		BootManagerSearchPaths: []string{
			"/usr/share/refind/refind/refind_" + arch + ".efi",
		},
		IconsPath: "/usr/share/refind/refind/icons",
		ESPMount:  "/boot/efi",
	}
}

// profileForID returns the profile for an os-release ID, or nil.
func profileForID(id, arch string) *PlatformProfile {
	switch id {
	case "debian", "ubuntu", "linuxmint", "pop":
		return debianProfile(id, arch)
	case "fedora", "rhel", "centos", "rocky", "almalinux":
		return fedoraProfile(id, arch)
	case "arch", "manjaro", "endeavouros":
		return archProfile(id, arch)
	case "opensuse", "opensuse-leap", "opensuse-tumbleweed", "sles":
		return suseProfile(id, arch)
	}
	return nil
}

// parseOSRelease extracts ID and ID_LIKE from os-release content.
func parseOSRelease(content string) (id string, idLike []string) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			id = value
		case "ID_LIKE":
			idLike = strings.Fields(value)
		}
	}
	return id, idLike
}

// ResolvePlatform maps the running system to a PlatformProfile. Resolution
// order: os-release ID, then ID_LIKE entries, then package-manager binary
// presence; first match wins. No network access, no side effects.
func ResolvePlatform() (*PlatformProfile, error) {
	arch := GetEfiArchitecture()
	if arch == "" {
		return nil, &UnsupportedPlatformError{}
	}

	var osID string
	if data, err := ReadFileBytes(osReleasePath); err == nil {
		id, idLike := parseOSRelease(string(data))
		osID = id
		if profile := profileForID(id, arch); profile != nil {
			return profile, nil
		}
		for _, like := range idLike {
			if profile := profileForID(like, arch); profile != nil {
				profile.OSID = id
				return profile, nil
			}
		}
	}

	// Fall back to probing for a known package manager.
	for _, candidate := range []struct {
		binary  string
		profile func(string, string) *PlatformProfile
	}{
		{"apt-get", debianProfile},
		{"dnf", fedoraProfile},
		{"pacman", archProfile},
		{"zypper", suseProfile},
	} {
		if _, err := execLookPath(candidate.binary); err == nil {
			return candidate.profile(osID, arch), nil
		}
	}

	return nil, &UnsupportedPlatformError{OSID: osID}
}

// FirstExisting returns the first path in candidates that exists, or "".
func FirstExisting(candidates []string) string {
	for _, p := range candidates {
		if FileExists(p) {
			return p
		}
	}
	return ""
}

// CapabilitySatisfied runs the existence check for a capability. Installation
// success is defined by this check, never by package manager exit status.
func (p *PlatformProfile) CapabilitySatisfied(c Capability) bool {
	switch c {
	case CapValidator:
		return FirstExisting(p.ValidatorSearchPaths) != ""
	case CapKeyEnrollmentTool:
		return FirstExisting(p.MokManagerSearchPaths) != ""
	case CapBootEntryTool:
		_, err := execLookPath("efibootmgr")
		return err == nil
	case CapSigningTool:
		_, err := execLookPath("sbsign")
		return err == nil
	case CapBootManagerPackage:
		return FirstExisting(p.BootManagerSearchPaths) != ""
	}
	return false
}
