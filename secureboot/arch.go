// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import "runtime"

// appArchitecture caches the EFI architecture suffix; tests override it.
var appArchitecture = ""

// GetEfiArchitecture returns the EFI architecture suffix used in artifact
// names, for example "x64" in shimx64.efi, or "" if the architecture is
// unknown.
func GetEfiArchitecture() string {
	if appArchitecture != "" {
		return appArchitecture
	}
	switch runtime.GOARCH {
	case "amd64":
		appArchitecture = "x64"
	case "386":
		appArchitecture = "ia32"
	case "arm64":
		appArchitecture = "aa64"
	case "arm":
		appArchitecture = "arm"
	}
	return appArchitecture
}
