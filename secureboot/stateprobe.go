// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	efi "github.com/canonical/go-efilib"
)

// SecureBootState is the firmware's reported Secure Boot status.
type SecureBootState int

const (
	// SecureBootIndeterminate covers both "not a UEFI system" and "variable
	// unreadable". The engine gates on it like Disabled but flags the
	// ambiguity in its final report.
	SecureBootIndeterminate SecureBootState = iota
	SecureBootDisabled
	SecureBootEnabled
)

func (s SecureBootState) String() string {
	switch s {
	case SecureBootEnabled:
		return "enabled"
	case SecureBootDisabled:
		return "disabled"
	default:
		return "indeterminate"
	}
}

// ReadSecureBootState reads the SecureBoot global variable. A value of 1 means
// enabled; 0 means disabled; anything else, or an unreadable variable, is
// indeterminate. This never fails the run: the goal is to leave artifacts
// ready for when Secure Boot is later enabled.
func ReadSecureBootState() SecureBootState {
	data, _, err := GetVariable(efi.GlobalVariable, "SecureBoot")
	if err != nil || len(data) != 1 {
		return SecureBootIndeterminate
	}
	switch data[0] {
	case 1:
		return SecureBootEnabled
	case 0:
		return SecureBootDisabled
	default:
		return SecureBootIndeterminate
	}
}

// InSetupMode reports whether the firmware is in setup mode, where no platform
// key is enrolled and secure boot cannot be enabled. Informational only.
func InSetupMode() bool {
	data, _, err := GetVariable(efi.GlobalVariable, "SetupMode")
	return err == nil && len(data) == 1 && data[0] == 1
}
