// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"

	debVersion "github.com/knqyf263/go-deb-version"
)

// CommandRunner executes external commands. The engine treats every external
// tool as a synchronous, blocking call with no internal timeout.
type CommandRunner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (ExecRunner) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// CapabilityStatus is the per-capability outcome of a provisioning pass.
type CapabilityStatus int

const (
	// CapabilityPresent means the existence check passed without installing.
	CapabilityPresent CapabilityStatus = iota
	// CapabilityInstalled means installation ran and the check now passes.
	CapabilityInstalled
	// CapabilityFailed means the check still fails after installation.
	CapabilityFailed
)

func (s CapabilityStatus) String() string {
	switch s {
	case CapabilityPresent:
		return "present"
	case CapabilityInstalled:
		return "installed"
	case CapabilityFailed:
		return "failed"
	default:
		return fmt.Sprintf("status-%d", int(s))
	}
}

// CapabilityReport records the outcome for every required capability.
type CapabilityReport map[Capability]CapabilityStatus

// Failed returns the capabilities that ended up failed, in stable order.
func (r CapabilityReport) Failed() []Capability {
	var out []Capability
	for c, s := range r {
		if s == CapabilityFailed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PackageProvisioner installs missing capabilities through the platform's
// package manager and verifies each is actually usable afterwards.
type PackageProvisioner struct {
	profile *PlatformProfile
	runner  CommandRunner
	log     *slog.Logger

	// SkipInstall marks unsatisfied capabilities failed without invoking the
	// package manager.
	SkipInstall bool
}

// NewPackageProvisioner returns a provisioner for the resolved platform.
func NewPackageProvisioner(profile *PlatformProfile, runner CommandRunner, log *slog.Logger) *PackageProvisioner {
	return &PackageProvisioner{profile: profile, runner: runner, log: log}
}

// Ensure checks every required capability and installs the missing ones in one
// batched package-manager invocation. A capability whose existence check still
// fails afterwards is reported failed; the call then returns
// DependencyUnavailableError naming all of them, not just the first.
func (p *PackageProvisioner) Ensure(capabilities []Capability) (CapabilityReport, error) {
	report := make(CapabilityReport, len(capabilities))

	var missing []Capability
	for _, c := range capabilities {
		if p.profile.CapabilitySatisfied(c) && p.versionGatePasses(c) {
			report[c] = CapabilityPresent
			continue
		}
		missing = append(missing, c)
	}

	if len(missing) > 0 && !p.SkipInstall {
		// Batch the install: one package may provide several capabilities,
		// and concurrent or repeated package-manager runs are the expensive
		// part.
		seen := make(map[string]bool)
		var packages []string
		for _, c := range missing {
			name := p.profile.Packages[c]
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			packages = append(packages, name)
		}
		argv := append(append([]string(nil), p.profile.InstallCommand...), packages...)
		p.log.Info("installing packages", "manager", p.profile.PackageManager, "packages", packages)
		if err := p.runner.Run(argv[0], argv[1:]...); err != nil {
			p.log.Warn("package installation reported failure", "err", err)
		}
	}

	for _, c := range missing {
		if p.profile.CapabilitySatisfied(c) && p.versionGatePasses(c) {
			report[c] = CapabilityInstalled
			continue
		}
		report[c] = CapabilityFailed
	}

	if failed := report.Failed(); len(failed) > 0 {
		return report, &DependencyUnavailableError{Capabilities: failed}
	}
	return report, nil
}

// versionGatePasses applies the Debian-family shim minimum version gate. Shim
// packages older than 15 lack usable MOK support, so an installed-but-ancient
// shim does not satisfy the validator or enrollment-tool capabilities.
func (p *PackageProvisioner) versionGatePasses(c Capability) bool {
	if p.profile.DebShimPackage == "" {
		return true
	}
	if c != CapValidator && c != CapKeyEnrollmentTool {
		return true
	}
	out, err := p.runner.Output("dpkg-query", "-W", "-f=${Version}", p.profile.DebShimPackage)
	if err != nil {
		// Not installed via dpkg or dpkg unavailable; the file existence
		// check already decided presence.
		return true
	}
	installed, err := debVersion.NewVersion(strings.TrimSpace(string(out)))
	if err != nil {
		return true
	}
	minimum, err := debVersion.NewVersion(shimMinDebVersion)
	if err != nil {
		return true
	}
	if installed.LessThan(minimum) {
		p.log.Warn("installed shim is too old for MOK enrollment",
			"package", p.profile.DebShimPackage, "version", installed.String(), "minimum", shimMinDebVersion)
		return false
	}
	return true
}
