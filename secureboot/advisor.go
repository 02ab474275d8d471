// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// EnrollmentStep is one manual action remaining after provisioning.
type EnrollmentStep struct {
	Order  int    `json:"order"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// EnrollmentPlan is a deterministic, machine-readable description of the
// manual steps remaining once provisioning artifacts are in place.
type EnrollmentPlan struct {
	SecureBootState string           `json:"secure_boot_state"`
	SetupMode       bool             `json:"setup_mode,omitempty"`
	Steps           []EnrollmentStep `json:"steps"`
	CertificatePath string           `json:"certificate_path,omitempty"`
	BootEntryLabel  string           `json:"boot_entry_label,omitempty"`
}

// Advise derives the enrollment plan from the final provisioning state. Pure
// function: no I/O beyond returning structured data.
func Advise(state *ProvisioningState) EnrollmentPlan {
	plan := EnrollmentPlan{
		SecureBootState: state.SecureBoot.String(),
		SetupMode:       state.SetupMode,
	}
	if state.BootEntry != nil {
		plan.BootEntryLabel = state.BootEntry.Label
	}

	if state.SecureBoot == SecureBootEnabled && state.ShortCircuited {
		plan.Steps = []EnrollmentStep{
			{Order: 1, Action: "none", Detail: "Secure Boot is enabled and the trust chain is already provisioned"},
		}
		return plan
	}

	order := 1
	add := func(action, detail string) {
		plan.Steps = append(plan.Steps, EnrollmentStep{Order: order, Action: action, Detail: detail})
		order++
	}

	add("reboot", "Reboot the machine")
	if state.SecureBoot != SecureBootEnabled {
		detail := "Enter firmware setup and enable Secure Boot"
		if state.SecureBoot == SecureBootIndeterminate {
			detail += " (firmware did not report a Secure Boot status; verify this is a UEFI boot)"
		}
		add("enable-secure-boot", detail)
	}
	if state.KeyPair != nil {
		plan.CertificatePath = state.KeyPair.CertPath
		add("enroll-certificate", fmt.Sprintf("When the key-enrollment tool prompts, enroll %s", filepath.Base(state.KeyPair.CertPath)))
	}
	add("select-boot-entry", "Select the new boot entry and verify the boot manager menu appears")

	return plan
}

// WriteEnrollmentPlan renders the plan as JSON at path.
func WriteEnrollmentPlan(path string, plan EnrollmentPlan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	if err := appFs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return WriteFileAtomic(path, append(data, '\n'))
}
