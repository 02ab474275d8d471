// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	fallbackDirName    = "BOOT"
	bootManagerDirName = "refind"
)

// ESPArtifact is one (source, destination) pair that must exist on the ESP
// after deployment.
type ESPArtifact struct {
	Name     string
	Source   string
	Dest     string
	Optional bool
}

// DeployResult records what the deployer did.
type DeployResult struct {
	// Updated lists destinations whose content changed this run.
	Updated []string
	// BootManagerBinary is the on-ESP path of the boot manager, if deployed
	// or already present.
	BootManagerBinary string
}

// ESPDeployer copies the validator and key-enrollment binaries into the
// firmware fallback directory and the boot-manager directory, plus resources.
type ESPDeployer struct {
	esp     string
	profile *PlatformProfile
	label   string
	log     *slog.Logger
}

// NewESPDeployer returns a deployer writing under the given ESP mount.
func NewESPDeployer(esp string, profile *PlatformProfile, label string, log *slog.Logger) *ESPDeployer {
	return &ESPDeployer{esp: esp, profile: profile, label: label, log: log}
}

// FallbackDir returns the removable-media fallback directory on the ESP.
func (d *ESPDeployer) FallbackDir() string {
	return filepath.Join(d.esp, "EFI", fallbackDirName)
}

// BootManagerDir returns the boot-manager directory on the ESP.
func (d *ESPDeployer) BootManagerDir() string {
	return filepath.Join(d.esp, "EFI", bootManagerDirName)
}

// ArtifactSet resolves the full set of artifacts to deploy. Sources that
// cannot be located are aggregated into a single ArtifactMissingError naming
// every missing artifact, so the operator gets a complete picture in one pass.
func (d *ESPDeployer) ArtifactSet() ([]ESPArtifact, error) {
	arch := GetEfiArchitecture()
	fallback := d.FallbackDir()
	bmdir := d.BootManagerDir()

	var artifacts []ESPArtifact
	var missing []string

	shim := FirstExisting(d.profile.ValidatorSearchPaths)
	if shim == "" {
		missing = append(missing, "validator")
	} else {
		artifacts = append(artifacts,
			ESPArtifact{Name: "validator (fallback)", Source: shim, Dest: filepath.Join(fallback, "BOOT"+strings.ToUpper(arch)+".EFI")},
			ESPArtifact{Name: "validator", Source: shim, Dest: filepath.Join(bmdir, "shim"+arch+".efi")})
	}

	mm := FirstExisting(d.profile.MokManagerSearchPaths)
	if mm == "" {
		missing = append(missing, "key-enrollment tool")
	} else {
		artifacts = append(artifacts,
			ESPArtifact{Name: "key-enrollment tool (fallback)", Source: mm, Dest: filepath.Join(fallback, "mm"+arch+".efi")},
			ESPArtifact{Name: "key-enrollment tool", Source: mm, Dest: filepath.Join(bmdir, "mm"+arch+".efi")})
	}

	// The boot manager binary and icons ship with the package; signing skips
	// gracefully if the binary never appears, so these are optional.
	if bm := FirstExisting(d.profile.BootManagerSearchPaths); bm != "" {
		artifacts = append(artifacts, ESPArtifact{
			Name:     "boot manager",
			Source:   bm,
			Dest:     filepath.Join(bmdir, "refind_"+arch+".efi"),
			Optional: true,
		})
	}

	if len(missing) > 0 {
		return nil, &ArtifactMissingError{Names: missing}
	}
	return artifacts, nil
}

// Deploy copies every artifact in the set onto the ESP. Copies are
// hash-compared first, so redeploying identical content is a no-op and the
// whole operation is safely re-runnable.
func (d *ESPDeployer) Deploy() (*DeployResult, error) {
	artifacts, err := d.ArtifactSet()
	if err != nil {
		return nil, err
	}

	result := &DeployResult{}
	for _, dir := range []string{d.FallbackDir(), d.BootManagerDir()} {
		if err := appFs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}

	for _, a := range artifacts {
		updated, err := MaybeUpdateFile(a.Dest, a.Source)
		if err != nil {
			if a.Optional {
				d.log.Warn("skipping optional artifact", "artifact", a.Name, "err", err)
				continue
			}
			return nil, fmt.Errorf("cannot deploy %s: %w", a.Name, err)
		}
		if updated {
			d.log.Info("deployed artifact", "artifact", a.Name, "dest", a.Dest)
			result.Updated = append(result.Updated, a.Dest)
		}
		if a.Name == "boot manager" {
			result.BootManagerBinary = a.Dest
		}
	}

	if result.BootManagerBinary == "" {
		// The package may have dropped the binary on the ESP already.
		candidate := filepath.Join(d.BootManagerDir(), "refind_"+GetEfiArchitecture()+".efi")
		if FileExists(candidate) {
			result.BootManagerBinary = candidate
		}
	}

	if err := d.deployIcons(result); err != nil {
		return nil, err
	}

	if err := d.writeFallbackCSV(result); err != nil {
		return nil, err
	}

	return result, nil
}

// deployIcons copies the boot manager's icon tree when the platform ships one.
func (d *ESPDeployer) deployIcons(result *DeployResult) error {
	src := d.profile.IconsPath
	if src == "" || !FileExists(src) {
		return nil
	}
	return d.copyTree(src, filepath.Join(d.BootManagerDir(), "icons"), result)
}

func (d *ESPDeployer) copyTree(src, dst string, result *DeployResult) error {
	entries, err := appFs.ReadDir(src)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", src, err)
	}
	if err := appFs.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dst, err)
	}
	for _, entry := range entries {
		s := filepath.Join(src, entry.Name())
		t := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := d.copyTree(s, t, result); err != nil {
				return err
			}
			continue
		}
		updated, err := MaybeUpdateFile(t, s)
		if err != nil {
			return fmt.Errorf("cannot copy %s: %w", s, err)
		}
		if updated {
			result.Updated = append(result.Updated, t)
		}
	}
	return nil
}

// writeFallbackCSV writes the shim fallback directive into the boot-manager
// directory next to the deployed validator. Shim's fallback loader restores
// lost NVRAM entries by scanning the vendor directories for BOOT<ARCH>.CSV; it
// never reads the EFI/BOOT directory it runs from, so the directive must live
// beside the shim binary it names.
func (d *ESPDeployer) writeFallbackCSV(result *DeployResult) error {
	arch := GetEfiArchitecture()
	csvPath := filepath.Join(d.BootManagerDir(), "BOOT"+strings.ToUpper(arch)+".CSV")
	entry := FallbackEntry{
		Filename:    "shim" + arch + ".efi",
		Label:       d.label,
		Options:     "",
		Description: "Boot entry for " + d.label,
	}

	var buf strings.Builder
	if err := WriteFallbackDirective(&buf, []FallbackEntry{entry}); err != nil {
		return err
	}
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, _, err := transform.Bytes(encoder, []byte(buf.String()))
	if err != nil {
		return fmt.Errorf("cannot encode fallback directive: %w", err)
	}

	existing, err := ReadFileBytes(csvPath)
	if err == nil && string(existing) == string(encoded) {
		return nil
	}
	if err := WriteFileAtomic(csvPath, encoded); err != nil {
		return err
	}
	result.Updated = append(result.Updated, csvPath)
	return nil
}

// FallbackEntry is one line of a shim fallback BOOT CSV.
type FallbackEntry struct {
	Filename    string
	Label       string
	Options     string
	Description string
}

// WriteFallbackDirective writes out a BOOT*.CSV for the shim fallback loader
// to the specified writer. The output of this function is unencoded, use a
// transformed UTF-16 writer.
func WriteFallbackDirective(w io.Writer, entries []FallbackEntry) error {
	for _, entry := range entries {
		if strings.Contains(entry.Filename, ",") ||
			strings.Contains(entry.Label, ",") ||
			strings.Contains(entry.Options, ",") ||
			strings.Contains(entry.Description, ",") {
			return fmt.Errorf("entry '%s' contains ',' in one of the attributes, this is not supported", entry.Label)
		}

		_, err := fmt.Fprintf(w, "%s,%s,%s,%s\n", entry.Filename, entry.Label, entry.Options, entry.Description)
		if err != nil {
			return fmt.Errorf("Could not write entry '%s' to file: %w", entry.Label, err)
		}
	}

	return nil
}
