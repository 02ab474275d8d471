// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

// Stage identifies how far a provisioning run has progressed. Each stage's
// postcondition is the next stage's precondition.
type Stage int

const (
	StageStart Stage = iota
	StagePlatformResolved
	StageDependenciesSatisfied
	StageKeysReady
	StageArtifactsDeployed
	StageBinarySigned
	StageConfigUpdated
	StageBootEntryReady
	StageAdvised
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StagePlatformResolved:
		return "platform-resolved"
	case StageDependenciesSatisfied:
		return "dependencies-satisfied"
	case StageKeysReady:
		return "keys-ready"
	case StageArtifactsDeployed:
		return "artifacts-deployed"
	case StageBinarySigned:
		return "binary-signed"
	case StageConfigUpdated:
		return "config-updated"
	case StageBootEntryReady:
		return "boot-entry-ready"
	case StageAdvised:
		return "advised"
	default:
		return "unknown"
	}
}

// ProvisioningState is the aggregate record threaded through the stages. It is
// constructed fresh at the start of each run and never persisted: durability
// comes entirely from the filesystem side effects each stage produces, so a
// re-run reconstructs state by re-probing rather than loading a save file.
type ProvisioningState struct {
	Stage Stage

	SecureBoot SecureBootState
	SetupMode  bool
	// ShortCircuited is set when Secure Boot was already enabled and the run
	// ended after the probe without further mutation.
	ShortCircuited bool

	Profile      *PlatformProfile
	Capabilities CapabilityReport
	KeyPair      *KeyPair
	// KeyPairCreated distinguishes a freshly generated pair from a reused one.
	KeyPairCreated bool
	Deployed       *DeployResult
	Signing        SignResult

	ConfigChanged bool
	ConfigBackup  string

	BootEntry       *BootEntry
	BootEntryResult EnsureEntryResult
	BootEntryNumber int

	Plan *EnrollmentPlan
}
