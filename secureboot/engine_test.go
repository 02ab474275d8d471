// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	efi "github.com/canonical/go-efilib"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineFixture is a complete fake Debian host: package artifacts on disk,
// a mock firmware with one foreign boot entry, and fake external tools.
type engineFixture struct {
	memFs  afero.Fs
	vars   *MockEFIVariables
	runner *fakeRunner
	issuer *fakeIssuer
	signer *fakeSignTool
	engine *Engine
}

func newEngineFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()
	memFs := afero.NewMemMapFs()
	setupDebianHost(memFs)
	afero.WriteFile(memFs, "/etc/os-release", []byte("ID=ubuntu\n"), 0644)
	afero.WriteFile(memFs, "/usr/share/refind/refind/icons/os_linux.png", []byte("png"), 0644)
	afero.WriteFile(memFs, "/proc/self/mounts", []byte("/dev/sda1 /boot/efi vfat rw 0 0\n"), 0644)

	vars := &MockEFIVariables{esp: "/boot/efi"}
	vars.setVar(efi.GlobalVariable, "SecureBoot", []byte{0}, bootVarAttrs)
	vars.setVar(efi.GlobalVariable, "SetupMode", []byte{0}, bootVarAttrs)
	vars.setVar(efi.GlobalVariable, "Boot0000",
		mustLoadOptionBytes(t, "Windows Boot Manager", "\\EFI\\Microsoft\\Boot\\bootmgfw.efi"), bootVarAttrs)
	vars.setVar(efi.GlobalVariable, "BootOrder", bootOrderBytes(0), bootVarAttrs)
	appEFIVars = vars

	keyPEM, certPEM := testKeyPairPEM(t)
	f := &engineFixture{
		memFs:  memFs,
		vars:   vars,
		runner: &fakeRunner{outputs: dpkgShimQuery("15+1533136590.3beb971-0ubuntu4")},
		issuer: &fakeIssuer{keyPEM: keyPEM, certPEM: certPEM},
		signer: &fakeSignTool{},
	}
	opts.Logger = discardLogger()
	opts.Runner = f.runner
	opts.Issuer = f.issuer
	opts.Signer = f.signer
	// The in-memory host has no place for a real flock.
	opts.DisableLock = true
	f.engine = NewEngine(opts)
	return f
}

func TestNewEngine_lockOnByDefault(t *testing.T) {
	e := NewEngine(Options{})
	assert.Equal(t, DefaultLockPath, e.opts.LockPath)
	assert.False(t, e.opts.DisableLock)

	e = NewEngine(Options{LockPath: "/run/other.lock"})
	assert.Equal(t, "/run/other.lock", e.opts.LockPath)

	// Opting out is explicit, not a side effect of an unset path.
	e = NewEngine(Options{DisableLock: true})
	assert.True(t, e.opts.DisableLock)
}

// Two engines sharing a lock path must exclude each other even when every
// other collaborator is faked.
func TestEngineRun_lockExcludesConcurrentRun(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "sbprov.lock")

	lock, err := acquireRunLock(lockPath)
	require.NoError(t, err)
	defer lock.release()

	f := newEngineFixture(t, Options{})
	f.engine.opts.DisableLock = false
	f.engine.opts.LockPath = lockPath

	state, err := f.engine.Run(context.Background())
	var stage *StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, StageStart, stage.Stage)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.Equal(t, 0, f.issuer.calls)
	assert.Equal(t, StageStart, state.Stage)
}

func (f *engineFixture) fileContent(t *testing.T, path string) string {
	t.Helper()
	data, err := afero.ReadFile(f.memFs, path)
	require.NoError(t, err, path)
	return string(data)
}

func TestEngineRun_freshMachine(t *testing.T) {
	f := newEngineFixture(t, Options{})

	state, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageAdvised, state.Stage)
	assert.Equal(t, SecureBootDisabled, state.SecureBoot)
	assert.False(t, state.ShortCircuited)

	// Platform and dependencies.
	require.NotNil(t, state.Profile)
	assert.Equal(t, "ubuntu", state.Profile.OSID)
	for _, c := range AllCapabilities {
		assert.Equal(t, CapabilityPresent, state.Capabilities[c], c.String())
	}

	// Key pair generated under the default directory.
	assert.True(t, state.KeyPairCreated)
	require.NotNil(t, state.KeyPair)
	assert.Equal(t, "/etc/refind.d/keys/refind_local.crt", state.KeyPair.CertPath)
	assert.Equal(t, 1, f.issuer.calls)

	// Artifacts in both ESP locations.
	for _, path := range []string{
		"/boot/efi/EFI/BOOT/BOOTX64.EFI",
		"/boot/efi/EFI/BOOT/mmx64.efi",
		"/boot/efi/EFI/refind/BOOTX64.CSV",
		"/boot/efi/EFI/refind/shimx64.efi",
		"/boot/efi/EFI/refind/mmx64.efi",
		"/boot/efi/EFI/refind/icons/os_linux.png",
	} {
		exists, _ := afero.Exists(f.memFs, path)
		assert.True(t, exists, path)
	}

	// Boot manager signed in place.
	assert.True(t, state.Signing.Signed)
	assert.Equal(t, "refind+sig", f.fileContent(t, "/boot/efi/EFI/refind/refind_x64.efi"))

	// Configuration written with the managed settings and menu entry.
	conf := f.fileContent(t, "/boot/efi/EFI/refind/refind.conf")
	assert.True(t, state.ConfigChanged)
	assert.Empty(t, state.ConfigBackup)
	assert.Contains(t, conf, "use_nvram false")
	assert.Contains(t, conf, "dont_scan_files shim.efi,shimx64.efi,mmx64.efi")
	assert.Contains(t, conf, `menuentry "Enroll MOK certificate" {`)

	// Boot entry created and prepended, foreign entry untouched.
	assert.Equal(t, EntryCreated, state.BootEntryResult)
	assert.Equal(t, 1, state.BootEntryNumber)
	order, _, err := f.vars.GetVariable(efi.GlobalVariable, "BootOrder")
	require.NoError(t, err)
	assert.Equal(t, bootOrderBytes(1, 0), order)
	_, _, err = f.vars.GetVariable(efi.GlobalVariable, "Boot0000")
	assert.NoError(t, err)

	// Enrollment plan on disk and in the state.
	require.NotNil(t, state.Plan)
	actions := stepActions(*state.Plan)
	assert.Equal(t, []string{"reboot", "enable-secure-boot", "enroll-certificate", "select-boot-entry"}, actions)
	exists, _ := afero.Exists(f.memFs, "/run/sbprov/enrollment-plan.json")
	assert.True(t, exists)
}

func TestEngineRun_rerunIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, Options{})

	_, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	confBefore := f.fileContent(t, "/boot/efi/EFI/refind/refind.conf")

	state, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageAdvised, state.Stage)

	assert.False(t, state.KeyPairCreated)
	assert.Equal(t, 1, f.issuer.calls)

	// Only the boot manager binary is rewritten, because signing modified the
	// deployed copy; shim, MokManager, CSV and icons are untouched.
	assert.Equal(t, []string{"/boot/efi/EFI/refind/refind_x64.efi"}, state.Deployed.Updated)

	assert.False(t, state.ConfigChanged)
	assert.Equal(t, confBefore, f.fileContent(t, "/boot/efi/EFI/refind/refind.conf"))

	assert.Equal(t, EntryPresent, state.BootEntryResult)
	assert.Equal(t, 1, state.BootEntryNumber)
	order, _, err := f.vars.GetVariable(efi.GlobalVariable, "BootOrder")
	require.NoError(t, err)
	assert.Equal(t, bootOrderBytes(1, 0), order)
}

func TestEngineRun_shortCircuitWhenEnabled(t *testing.T) {
	f := newEngineFixture(t, Options{})
	f.vars.setVar(efi.GlobalVariable, "SecureBoot", []byte{1}, bootVarAttrs)

	state, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, state.ShortCircuited)
	assert.Equal(t, StageAdvised, state.Stage)

	// Nothing was provisioned.
	assert.Equal(t, 0, f.issuer.calls)
	exists, _ := afero.Exists(f.memFs, "/boot/efi/EFI/BOOT")
	assert.False(t, exists)

	require.NotNil(t, state.Plan)
	require.Len(t, state.Plan.Steps, 1)
	assert.Equal(t, "none", state.Plan.Steps[0].Action)
	exists, _ = afero.Exists(f.memFs, "/run/sbprov/enrollment-plan.json")
	assert.True(t, exists)
}

func TestEngineRun_mandatorySigningMissingTool(t *testing.T) {
	f := newEngineFixture(t, Options{SigningPolicy: SigningMandatory, SkipInstall: true})
	execLookPath = func(name string) (string, error) {
		if name == "efibootmgr" {
			return "/usr/bin/efibootmgr", nil
		}
		return "", fmt.Errorf("%s not found", name)
	}

	state, err := f.engine.Run(context.Background())
	var stage *StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, StageDependenciesSatisfied, stage.Stage)

	var dep *DependencyUnavailableError
	require.ErrorAs(t, err, &dep)
	assert.Equal(t, []Capability{CapSigningTool}, dep.Capabilities)

	// The run stopped before touching keys or the ESP.
	assert.Equal(t, StagePlatformResolved, state.Stage)
	assert.Equal(t, 0, f.issuer.calls)
	exists, _ := afero.Exists(f.memFs, "/etc/refind.d/keys")
	assert.False(t, exists)
}

func TestEngineRun_bestEffortSigningMissingTool(t *testing.T) {
	f := newEngineFixture(t, Options{SkipInstall: true})
	execLookPath = func(name string) (string, error) {
		if name == "efibootmgr" {
			return "/usr/bin/efibootmgr", nil
		}
		return "", fmt.Errorf("%s not found", name)
	}
	f.signer.unavailable = true

	state, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageAdvised, state.Stage)
	assert.Equal(t, CapabilityFailed, state.Capabilities[CapSigningTool])
	assert.False(t, state.Signing.Signed)
	assert.Equal(t, "signing tool unavailable", state.Signing.SkippedReason)
	assert.Equal(t, "refind", f.fileContent(t, "/boot/efi/EFI/refind/refind_x64.efi"))
}

func TestEngineRun_unresolvableESPDevice(t *testing.T) {
	f := newEngineFixture(t, Options{})
	require.NoError(t, f.memFs.Remove("/proc/self/mounts"))

	// The mount-table lookup only feeds the report; entry creation must not
	// depend on it.
	state, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageAdvised, state.Stage)
	assert.Equal(t, EntryCreated, state.BootEntryResult)
	require.NotNil(t, state.BootEntry)
	assert.Empty(t, state.BootEntry.Device)
	assert.Zero(t, state.BootEntry.Partition)
}

func TestEngineRun_cancelledContext(t *testing.T) {
	f := newEngineFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state, err := f.engine.Run(ctx)
	var stage *StageError
	require.ErrorAs(t, err, &stage)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StageStart, state.Stage)
}

func TestEngineProbe(t *testing.T) {
	f := newEngineFixture(t, Options{})

	sbState, setupMode, profile, err := f.engine.Probe()
	require.NoError(t, err)
	assert.Equal(t, SecureBootDisabled, sbState)
	assert.False(t, setupMode)
	require.NotNil(t, profile)
	assert.Equal(t, "ubuntu", profile.OSID)
}
