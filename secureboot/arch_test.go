// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import "testing"

func TestGetEfiArchitecture_override(t *testing.T) {
	appArchitecture = "aa64"
	if got := GetEfiArchitecture(); got != "aa64" {
		t.Errorf("Expected aa64, got %q", got)
	}
	appArchitecture = "x64"
}
