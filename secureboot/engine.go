// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

// Package secureboot provisions a UEFI Secure Boot trust chain for the rEFInd
// boot manager: a local signing key hierarchy, the shim validator and its
// MokManager companion on the EFI System Partition, a signed boot manager, an
// idempotently maintained configuration, and a firmware boot entry.
package secureboot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// DefaultBootEntryLabel names the firmware boot entry the engine maintains.
const DefaultBootEntryLabel = "rEFInd Boot Manager"

// DefaultKeysDir holds the local signing key hierarchy.
const DefaultKeysDir = "/etc/refind.d/keys"

// DefaultPlanPath is the well-known location of the enrollment plan artifact.
const DefaultPlanPath = "/run/sbprov/enrollment-plan.json"

// DefaultLockPath is the engine's self-exclusion lock file.
const DefaultLockPath = "/run/sbprov.lock"

// Options configures a provisioning run.
type Options struct {
	// ESP overrides the platform's ESP mount path when non-empty.
	ESP string
	// KeysDir overrides DefaultKeysDir when non-empty.
	KeysDir string
	// Label overrides DefaultBootEntryLabel when non-empty.
	Label string
	// PlanPath overrides DefaultPlanPath when non-empty.
	PlanPath string
	// LockPath overrides DefaultLockPath when non-empty.
	LockPath string
	// DisableLock skips the self-exclusion lock entirely.
	DisableLock bool

	// SkipInstall marks missing dependencies failed instead of installing.
	SkipInstall bool
	// SigningPolicy selects best-effort (default) or mandatory signing.
	SigningPolicy SigningPolicy

	Logger *slog.Logger
	Runner CommandRunner
	Issuer CertIssuer
	Signer SigningTool
}

// Engine is the Secure Boot provisioning state machine. It is strictly
// sequential: each stage's postcondition is the next stage's precondition, and
// every stage is individually re-runnable, so a failed run is recovered by
// running the engine again.
type Engine struct {
	opts Options
	log  *slog.Logger
}

// NewEngine returns an engine with unset options defaulted.
func NewEngine(opts Options) *Engine {
	if opts.KeysDir == "" {
		opts.KeysDir = DefaultKeysDir
	}
	if opts.Label == "" {
		opts.Label = DefaultBootEntryLabel
	}
	if opts.PlanPath == "" {
		opts.PlanPath = DefaultPlanPath
	}
	if opts.LockPath == "" {
		opts.LockPath = DefaultLockPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Issuer == nil {
		opts.Issuer = OpenSSLIssuer{Runner: opts.Runner}
	}
	if opts.Signer == nil {
		opts.Signer = SBSignTool{Runner: opts.Runner}
	}
	return &Engine{opts: opts, log: opts.Logger}
}

// Probe reads the firmware Secure Boot state and resolves the platform,
// without mutating anything.
func (e *Engine) Probe() (SecureBootState, bool, *PlatformProfile, error) {
	profile, err := ResolvePlatform()
	return ReadSecureBootState(), InSetupMode(), profile, err
}

// Run executes the full provisioning flow. On failure it returns the state
// reached so far together with a StageError naming the failing stage; nothing
// is rolled back, since completed stages' artifacts remain valid for a re-run.
func (e *Engine) Run(ctx context.Context) (*ProvisioningState, error) {
	state := &ProvisioningState{Stage: StageStart}

	if !e.opts.DisableLock {
		lock, err := acquireRunLock(e.opts.LockPath)
		if err != nil {
			return state, &StageError{Stage: StageStart, Err: err}
		}
		defer lock.release()
	}

	state.SecureBoot = ReadSecureBootState()
	state.SetupMode = InSetupMode()
	e.log.Info("probed secure boot state", "state", state.SecureBoot.String(), "setup_mode", state.SetupMode)

	if state.SecureBoot == SecureBootEnabled {
		// The trust chain is in use; re-provisioning under an enabled policy
		// could replace artifacts the firmware has already verified.
		state.ShortCircuited = true
		return e.advise(state)
	}

	type stage struct {
		target Stage
		run    func(*ProvisioningState) error
	}
	stages := []stage{
		{StagePlatformResolved, e.resolvePlatform},
		{StageDependenciesSatisfied, e.ensureDependencies},
		{StageKeysReady, e.ensureKeys},
		{StageArtifactsDeployed, e.deployArtifacts},
		{StageBinarySigned, e.signBootManager},
		{StageConfigUpdated, e.updateConfig},
		{StageBootEntryReady, e.ensureBootEntry},
	}

	for _, s := range stages {
		// Cancellation is honored between stages only; interrupting a stage
		// partway through risks inconsistent artifacts.
		if err := ctx.Err(); err != nil {
			return state, &StageError{Stage: s.target, Err: err}
		}
		if err := s.run(state); err != nil {
			return state, &StageError{Stage: s.target, Err: err}
		}
		state.Stage = s.target
		e.log.Debug("stage complete", "stage", s.target.String())
	}

	return e.advise(state)
}

func (e *Engine) esp(state *ProvisioningState) string {
	if e.opts.ESP != "" {
		return e.opts.ESP
	}
	if state.Profile != nil {
		return state.Profile.ESPMount
	}
	return "/boot/efi"
}

func (e *Engine) resolvePlatform(state *ProvisioningState) error {
	profile, err := ResolvePlatform()
	if err != nil {
		return err
	}
	state.Profile = profile
	e.log.Info("resolved platform", "os", profile.OSID, "package_manager", profile.PackageManager)
	return nil
}

func (e *Engine) ensureDependencies(state *ProvisioningState) error {
	provisioner := NewPackageProvisioner(state.Profile, e.opts.Runner, e.log)
	provisioner.SkipInstall = e.opts.SkipInstall
	report, err := provisioner.Ensure(AllCapabilities)
	state.Capabilities = report
	if err != nil {
		// A missing signing tool is tolerable under best-effort policy; the
		// signing stage will record the skip.
		if dep, ok := err.(*DependencyUnavailableError); ok &&
			e.opts.SigningPolicy == SigningBestEffort && onlySigningTool(dep.Capabilities) {
			e.log.Warn("signing tool unavailable, continuing under best-effort signing policy")
			return nil
		}
		return err
	}
	return nil
}

func onlySigningTool(caps []Capability) bool {
	return len(caps) == 1 && caps[0] == CapSigningTool
}

func (e *Engine) ensureKeys(state *ProvisioningState) error {
	ks := NewKeyStore(e.opts.KeysDir, e.opts.Issuer, e.log)
	pair, created, err := ks.EnsureKeyPair()
	if err != nil {
		return err
	}
	state.KeyPair = pair
	state.KeyPairCreated = created
	return nil
}

func (e *Engine) deployArtifacts(state *ProvisioningState) error {
	deployer := NewESPDeployer(e.esp(state), state.Profile, e.opts.Label, e.log)
	result, err := deployer.Deploy()
	if err != nil {
		return err
	}
	state.Deployed = result
	return nil
}

func (e *Engine) signBootManager(state *ProvisioningState) error {
	service := NewSigningService(e.opts.Signer, e.opts.SigningPolicy, e.log)
	target := state.Deployed.BootManagerBinary
	if target == "" {
		target = filepath.Join(e.esp(state), "EFI", bootManagerDirName, "refind_"+GetEfiArchitecture()+".efi")
	}
	result, err := service.Sign(target, state.KeyPair)
	if err != nil {
		return err
	}
	state.Signing = result
	return nil
}

func (e *Engine) updateConfig(state *ProvisioningState) error {
	arch := GetEfiArchitecture()
	confPath := filepath.Join(e.esp(state), "EFI", bootManagerDirName, "refind.conf")
	doc, err := LoadConfigDocument(confPath)
	if err != nil {
		return &ConfigWriteError{Path: confPath, Err: err}
	}

	keys := map[string]string{
		"use_nvram":       "false",
		"dont_scan_files": strings.Join([]string{"shim.efi", "shim" + arch + ".efi", "mm" + arch + ".efi"}, ","),
	}
	blocks := []ManagedBlock{
		MenuEntryBlock("Enroll MOK certificate", "/EFI/"+bootManagerDirName+"/mm"+arch+".efi"),
	}

	if !doc.Apply(keys, blocks) {
		e.log.Info("configuration already up to date", "path", confPath)
		return nil
	}
	backup, err := doc.Backup()
	if err != nil {
		return err
	}
	if err := doc.Save(); err != nil {
		return err
	}
	state.ConfigChanged = true
	state.ConfigBackup = backup
	e.log.Info("updated configuration", "path", confPath, "backup", backup)
	return nil
}

func (e *Engine) ensureBootEntry(state *ProvisioningState) error {
	esp := e.esp(state)
	arch := GetEfiArchitecture()
	entry := BootEntry{
		Label:      e.opts.Label,
		LoaderPath: "/EFI/" + bootManagerDirName + "/shim" + arch + ".efi",
	}
	// Device and partition are report-only; NewFileDevicePath resolves the
	// backing device on its own when the entry is created.
	if device, partition, err := ResolveESPDevice(esp); err == nil {
		entry.Device = device
		entry.Partition = partition
	} else {
		e.log.Debug("cannot resolve ESP backing device for the report", "err", err)
	}

	bm, err := NewBootManagerFromSystem()
	if err != nil {
		return &EntryCreationFailedError{Label: entry.Label, Err: err}
	}
	result, num, err := bm.EnsureEntry(entry, esp)
	if err != nil {
		return &EntryCreationFailedError{Label: entry.Label, Err: err}
	}
	state.BootEntry = &entry
	state.BootEntryResult = result
	state.BootEntryNumber = num
	e.log.Info("boot entry ready", "result", result.String(), "number", fmt.Sprintf("Boot%04X", num))
	return nil
}

func (e *Engine) advise(state *ProvisioningState) (*ProvisioningState, error) {
	plan := Advise(state)
	state.Plan = &plan
	if err := WriteEnrollmentPlan(e.opts.PlanPath, plan); err != nil {
		return state, &StageError{Stage: StageAdvised, Err: err}
	}
	state.Stage = StageAdvised
	e.log.Info("provisioning advised", "plan", e.opts.PlanPath, "steps", len(plan.Steps))
	return state, nil
}
