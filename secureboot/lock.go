// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// runLock is the engine's process-level self-exclusion lock. Concurrent runs
// on the same host would race on the package database, the key pair and the
// configuration document.
type runLock struct {
	file *os.File
}

// acquireRunLock takes an exclusive flock on path, failing fast with
// ErrAlreadyRunning if another process holds it.
func acquireRunLock(path string) (*runLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("cannot lock %s: %w", path, err)
	}
	return &runLock{file: f}, nil
}

func (l *runLock) release() {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
}
