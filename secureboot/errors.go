// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyRunning is returned when another provisioning run holds the
// process-level lock.
var ErrAlreadyRunning = errors.New("another provisioning run is already in progress")

// UnsupportedPlatformError indicates that no known package manager could be
// resolved for the running system.
type UnsupportedPlatformError struct {
	OSID string
}

func (e *UnsupportedPlatformError) Error() string {
	if e.OSID == "" {
		return "unsupported platform: no known package manager found"
	}
	return fmt.Sprintf("unsupported platform %q: no known package manager found", e.OSID)
}

// DependencyUnavailableError names every capability that still failed its
// existence check after installation was attempted.
type DependencyUnavailableError struct {
	Capabilities []Capability
}

func (e *DependencyUnavailableError) Error() string {
	names := make([]string, 0, len(e.Capabilities))
	for _, c := range e.Capabilities {
		names = append(names, c.String())
	}
	return fmt.Sprintf("dependencies unavailable: %s", strings.Join(names, ", "))
}

// CorruptKeyStateError indicates that exactly one half of the signing key pair
// exists on disk. Nothing is written in this state: regenerating could
// invalidate a certificate already enrolled in firmware.
type CorruptKeyStateError struct {
	KeyPath   string
	CertPath  string
	KeyExists bool
}

func (e *CorruptKeyStateError) Error() string {
	present, missing := e.KeyPath, e.CertPath
	if !e.KeyExists {
		present, missing = e.CertPath, e.KeyPath
	}
	return fmt.Sprintf("corrupt key state: %s exists but %s does not", present, missing)
}

// SigningToolUnavailableError is a hard failure: signing is mandatory for the
// current policy but the signing tool cannot be found.
type SigningToolUnavailableError struct {
	Tool string
}

func (e *SigningToolUnavailableError) Error() string {
	return fmt.Sprintf("signing tool %q unavailable and signing is mandatory", e.Tool)
}

// ArtifactMissingError names every artifact whose source could not be located
// during ESP deployment.
type ArtifactMissingError struct {
	Names []string
}

func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf("cannot locate artifacts: %s", strings.Join(e.Names, ", "))
}

// EntryCreationFailedError wraps a failure to register the NVRAM boot entry.
type EntryCreationFailedError struct {
	Label string
	Err   error
}

func (e *EntryCreationFailedError) Error() string {
	return fmt.Sprintf("cannot create boot entry %q: %v", e.Label, e.Err)
}

func (e *EntryCreationFailedError) Unwrap() error { return e.Err }

// ConfigWriteError wraps a failure to persist the boot manager configuration.
type ConfigWriteError struct {
	Path string
	Err  error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("cannot write configuration %s: %v", e.Path, e.Err)
}

func (e *ConfigWriteError) Unwrap() error { return e.Err }

// StageError reports which provisioning stage failed and why. The engine
// surfaces the first hard failure without reinterpreting it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
