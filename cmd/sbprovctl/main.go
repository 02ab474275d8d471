// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/bootkit/sbprov/secureboot"
)

var flagESP = &cli.StringFlag{
	Name:  "esp",
	Value: "",
	Usage: "ESP mount path (default: platform convention)",
}
var flagKeysDir = &cli.StringFlag{
	Name:  "keys-dir",
	Value: secureboot.DefaultKeysDir,
	Usage: "directory holding the local signing key pair",
}
var flagLabel = &cli.StringFlag{
	Name:  "label",
	Value: secureboot.DefaultBootEntryLabel,
	Usage: "label of the firmware boot entry",
}
var flagSkipInstall = &cli.BoolFlag{
	Name:  "skip-install",
	Value: false,
	Usage: "do not invoke the package manager; missing dependencies fail",
}
var flagRequireSigning = &cli.BoolFlag{
	Name:  "require-signing",
	Value: false,
	Usage: "treat an unsignable boot manager as a hard failure",
}
var flagLogJSON = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var flagLogDebug = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

func setupLogger(cCtx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cCtx.Bool(flagLogDebug.Name) {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cCtx.Bool(flagLogJSON.Name) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	app := &cli.App{
		Name:  "sbprovctl",
		Usage: "provision a UEFI Secure Boot trust chain for the rEFInd boot manager",
		Commands: []*cli.Command{
			{
				Name:  "provision",
				Usage: "run the full provisioning flow",
				Flags: []cli.Flag{
					flagESP, flagKeysDir, flagLabel,
					flagSkipInstall, flagRequireSigning,
					flagLogJSON, flagLogDebug,
				},
				Action: runProvision,
			},
			{
				Name:  "status",
				Usage: "probe the firmware Secure Boot state only",
				Flags: []cli.Flag{flagLogJSON, flagLogDebug},
				Action: runStatus,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runProvision(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	policy := secureboot.SigningBestEffort
	if cCtx.Bool(flagRequireSigning.Name) {
		policy = secureboot.SigningMandatory
	}

	engine := secureboot.NewEngine(secureboot.Options{
		ESP:           cCtx.String(flagESP.Name),
		KeysDir:       cCtx.String(flagKeysDir.Name),
		Label:         cCtx.String(flagLabel.Name),
		SkipInstall:   cCtx.Bool(flagSkipInstall.Name),
		SigningPolicy: policy,
		Logger:        logger,
	})

	// Interrupts take effect between stages; a mid-stage kill risks
	// inconsistent artifacts.
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := engine.Run(ctx)
	if err != nil {
		logger.Error("provisioning failed", "err", err, "last_completed_stage", state.Stage.String())
		return cli.Exit(err.Error(), 1)
	}

	for _, step := range state.Plan.Steps {
		fmt.Printf("%d. %s\n", step.Order, step.Detail)
	}
	if state.Plan.CertificatePath != "" {
		fmt.Printf("Certificate to enroll: %s\n", state.Plan.CertificatePath)
	}
	return nil
}

func runStatus(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	engine := secureboot.NewEngine(secureboot.Options{Logger: logger})
	state, setupMode, profile, err := engine.Probe()

	fmt.Printf("Secure Boot: %s\n", state)
	if setupMode {
		fmt.Println("Firmware is in setup mode (no platform key enrolled)")
	}
	if err != nil {
		logger.Warn("cannot resolve platform", "err", err)
		return nil
	}
	fmt.Printf("Platform: %s (%s)\n", profile.OSID, profile.PackageManager)
	return nil
}
