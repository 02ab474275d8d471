// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"os"
	"sort"
	"strings"
	"time"
)

// timeNow is swappable for tests.
var timeNow = time.Now

const backupTimeFormat = "20060102-150405"

// ManagedBlock is a multi-line menu entry the engine owns, identified by its
// title marker. An existing block with the same title is never overwritten:
// operators customize menu entries.
type ManagedBlock struct {
	Title string
	Lines []string
}

// MenuEntryBlock renders the standard managed menu entry shape.
func MenuEntryBlock(title, loader string) ManagedBlock {
	return ManagedBlock{
		Title: title,
		Lines: []string{
			`menuentry "` + title + `" {`,
			"    loader " + loader,
			"}",
		},
	}
}

// ConfigDocument is the boot manager's text configuration as an ordered line
// sequence. Mutations happen in memory; Save persists atomically.
type ConfigDocument struct {
	path     string
	lines    []string
	original []byte
	existed  bool
	backedUp bool
}

// LoadConfigDocument reads the configuration at path. A missing file yields an
// empty document.
func LoadConfigDocument(path string) (*ConfigDocument, error) {
	doc := &ConfigDocument{path: path}
	data, err := ReadFileBytes(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, err
	}
	doc.existed = true
	doc.original = data
	content := strings.TrimSuffix(string(data), "\n")
	if content != "" {
		doc.lines = strings.Split(content, "\n")
	}
	return doc, nil
}

// Path returns the document's on-disk location.
func (d *ConfigDocument) Path() string { return d.path }

// Lines returns a copy of the current line sequence.
func (d *ConfigDocument) Lines() []string {
	return append([]string(nil), d.lines...)
}

// Apply mutates the document: every existing line for a managed key is
// removed and the key re-appended with the latest value, while managed blocks
// are appended only when no block with the same title exists. The asymmetry
// is deliberate: settings must reflect the latest policy, hand-authored menu
// entries must not be clobbered. Returns whether the document changed.
func (d *ConfigDocument) Apply(keys map[string]string, blocks []ManagedBlock) bool {
	insertAt := -1
	var out []string
	for _, line := range d.lines {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			if _, managed := keys[fields[0]]; managed {
				if insertAt < 0 {
					insertAt = len(out)
				}
				continue
			}
		}
		out = append(out, line)
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	rendered := make([]string, 0, len(names))
	for _, k := range names {
		rendered = append(rendered, k+" "+keys[k])
	}
	// Re-insert where the first managed key used to live, so a re-run leaves
	// an already-correct document untouched.
	if insertAt < 0 {
		insertAt = len(out)
	}
	out = append(out[:insertAt], append(append([]string(nil), rendered...), out[insertAt:]...)...)

	for _, block := range blocks {
		if hasBlockTitled(out, block.Title) {
			continue
		}
		if len(out) > 0 {
			out = append(out, "")
		}
		out = append(out, block.Lines...)
	}

	changed := !equalLines(d.lines, out)
	d.lines = out
	return changed
}

func hasBlockTitled(lines []string, title string) bool {
	marker := `"` + title + `"`
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "menuentry") && strings.Contains(trimmed, marker) {
			return true
		}
	}
	return false
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Backup writes a dated copy of the original document, once per run. It is a
// no-op if the document never existed on disk.
func (d *ConfigDocument) Backup() (string, error) {
	if !d.existed || d.backedUp {
		return "", nil
	}
	backupPath := d.path + ".backup-" + timeNow().Format(backupTimeFormat)
	if err := WriteFileAtomic(backupPath, d.original); err != nil {
		return "", &ConfigWriteError{Path: backupPath, Err: err}
	}
	d.backedUp = true
	return backupPath, nil
}

// Save persists the current line sequence atomically: the new content is
// written to a temporary sibling and renamed over the original, so a crash
// mid-write cannot leave a truncated configuration.
func (d *ConfigDocument) Save() error {
	content := strings.Join(d.lines, "\n")
	if content != "" {
		content += "\n"
	}
	if err := WriteFileAtomic(d.path, []byte(content)); err != nil {
		return &ConfigWriteError{Path: d.path, Err: err}
	}
	return nil
}
