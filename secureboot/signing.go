// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"fmt"
	"log/slog"
)

// SigningPolicy decides whether an unsignable boot manager is an error.
type SigningPolicy int

const (
	// SigningBestEffort skips signing with a warning when the tool or the
	// target binary is unavailable.
	SigningBestEffort SigningPolicy = iota
	// SigningMandatory fails the run when signing cannot be performed.
	SigningMandatory
)

// SigningTool signs an EFI binary with a key/certificate pair.
type SigningTool interface {
	Sign(keyPath, certPath, inputPath, outputPath string) error
	// Available reports whether the tool can be invoked at all.
	Available() bool
}

// SBSignTool signs with the sbsign binary.
type SBSignTool struct {
	Runner CommandRunner
}

func (t SBSignTool) Sign(keyPath, certPath, inputPath, outputPath string) error {
	return t.Runner.Run("sbsign", "--key", keyPath, "--cert", certPath,
		"--output", outputPath, inputPath)
}

func (t SBSignTool) Available() bool {
	_, err := execLookPath("sbsign")
	return err == nil
}

// SignResult reports the outcome of a signing attempt. A skipped signing is a
// success with an annotation, distinguished from a hard failure.
type SignResult struct {
	Signed        bool
	SkippedReason string
}

// SigningService signs the boot manager binary in place with the local key.
type SigningService struct {
	tool   SigningTool
	policy SigningPolicy
	log    *slog.Logger
}

// NewSigningService returns a service with the given tool and policy.
func NewSigningService(tool SigningTool, policy SigningPolicy, log *slog.Logger) *SigningService {
	return &SigningService{tool: tool, policy: policy, log: log}
}

// Sign signs binaryPath in place. The binary not existing yet is not an error
// under either policy: the boot manager package may not have placed it, or the
// firmware-provided validator may trust it unsigned. A missing signing tool or
// key pair is an error only under SigningMandatory.
func (s *SigningService) Sign(binaryPath string, keypair *KeyPair) (SignResult, error) {
	if keypair == nil {
		if s.policy == SigningMandatory {
			return SignResult{}, fmt.Errorf("signing is mandatory but no key pair is available")
		}
		s.log.Warn("skipping signing: no local key pair")
		return SignResult{SkippedReason: "no local key pair"}, nil
	}

	if !FileExists(binaryPath) {
		s.log.Warn("skipping signing: target binary not present", "path", binaryPath)
		return SignResult{SkippedReason: fmt.Sprintf("target binary %s not present", binaryPath)}, nil
	}

	if !s.tool.Available() {
		if s.policy == SigningMandatory {
			return SignResult{}, &SigningToolUnavailableError{Tool: "sbsign"}
		}
		s.log.Warn("skipping signing: signing tool unavailable")
		return SignResult{SkippedReason: "signing tool unavailable"}, nil
	}

	// Sign to a sibling and rename so an interrupted run cannot leave a
	// truncated boot manager binary.
	signed := binaryPath + ".signed"
	if err := s.tool.Sign(keypair.KeyPath, keypair.CertPath, binaryPath, signed); err != nil {
		return SignResult{}, fmt.Errorf("cannot sign %s: %w", binaryPath, err)
	}
	if err := appFs.Rename(signed, binaryPath); err != nil {
		return SignResult{}, fmt.Errorf("cannot move signed binary into place: %w", err)
	}
	s.log.Info("signed boot manager binary", "path", binaryPath)
	return SignResult{Signed: true}, nil
}
