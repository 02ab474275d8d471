// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"time"

	"github.com/spf13/afero"
	"gopkg.in/check.v1"
)

type configSuite struct {
	fs afero.Fs
}

var _ = check.Suite(&configSuite{})

func (s *configSuite) SetUpTest(c *check.C) {
	s.fs = afero.NewMemMapFs()
	appFs = MapFS{s.fs}
	timeNow = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
}

func (s *configSuite) TearDownTest(c *check.C) {
	timeNow = time.Now
}

var testKeys = map[string]string{
	"use_nvram":       "false",
	"dont_scan_files": "shim.efi,shimx64.efi,mmx64.efi",
}

var testBlocks = []ManagedBlock{
	MenuEntryBlock("Enroll MOK certificate", "/EFI/refind/mmx64.efi"),
}

func (s *configSuite) TestApplyFreshDocument(c *check.C) {
	doc, err := LoadConfigDocument("/esp/EFI/refind/refind.conf")
	c.Assert(err, check.IsNil)

	changed := doc.Apply(testKeys, testBlocks)
	c.Check(changed, check.Equals, true)
	c.Assert(doc.Save(), check.IsNil)

	data, err := afero.ReadFile(s.fs, "/esp/EFI/refind/refind.conf")
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, `dont_scan_files shim.efi,shimx64.efi,mmx64.efi
use_nvram false

menuentry "Enroll MOK certificate" {
    loader /EFI/refind/mmx64.efi
}
`)
}

func (s *configSuite) TestApplyReplacesDuplicateKeys(c *check.C) {
	afero.WriteFile(s.fs, "/refind.conf", []byte(`timeout 5
use_nvram true
scanfor manual,internal
use_nvram maybe
`), 0644)
	doc, err := LoadConfigDocument("/refind.conf")
	c.Assert(err, check.IsNil)

	changed := doc.Apply(testKeys, nil)
	c.Check(changed, check.Equals, true)
	c.Assert(doc.Save(), check.IsNil)

	data, err := afero.ReadFile(s.fs, "/refind.conf")
	c.Assert(err, check.IsNil)
	// Both duplicates collapse into one directive at the first position.
	c.Check(string(data), check.Equals, `timeout 5
dont_scan_files shim.efi,shimx64.efi,mmx64.efi
use_nvram false
scanfor manual,internal
`)
}

func (s *configSuite) TestApplyPreservesCustomizedBlock(c *check.C) {
	custom := `menuentry "Enroll MOK certificate" {
    loader /EFI/custom/mok.efi
    icon /EFI/refind/icons/custom.png
}
`
	afero.WriteFile(s.fs, "/refind.conf", []byte(custom), 0644)
	doc, err := LoadConfigDocument("/refind.conf")
	c.Assert(err, check.IsNil)

	doc.Apply(testKeys, testBlocks)
	c.Assert(doc.Save(), check.IsNil)

	data, err := afero.ReadFile(s.fs, "/refind.conf")
	c.Assert(err, check.IsNil)
	// The hand-edited body survives and no duplicate block is appended.
	c.Check(string(data), check.Equals, custom+`dont_scan_files shim.efi,shimx64.efi,mmx64.efi
use_nvram false
`)
}

func (s *configSuite) TestApplySecondRunNoChange(c *check.C) {
	doc, err := LoadConfigDocument("/refind.conf")
	c.Assert(err, check.IsNil)
	doc.Apply(testKeys, testBlocks)
	c.Assert(doc.Save(), check.IsNil)

	doc2, err := LoadConfigDocument("/refind.conf")
	c.Assert(err, check.IsNil)
	c.Check(doc2.Apply(testKeys, testBlocks), check.Equals, false)
}

func (s *configSuite) TestBackupOncePerRun(c *check.C) {
	afero.WriteFile(s.fs, "/refind.conf", []byte("timeout 5\n"), 0644)
	doc, err := LoadConfigDocument("/refind.conf")
	c.Assert(err, check.IsNil)

	backup, err := doc.Backup()
	c.Assert(err, check.IsNil)
	c.Check(backup, check.Equals, "/refind.conf.backup-20250601-120000")

	data, err := afero.ReadFile(s.fs, backup)
	c.Assert(err, check.IsNil)
	c.Check(string(data), check.Equals, "timeout 5\n")

	// A second call in the same run is a no-op.
	backup2, err := doc.Backup()
	c.Assert(err, check.IsNil)
	c.Check(backup2, check.Equals, "")
}

func (s *configSuite) TestBackupMissingOriginal(c *check.C) {
	doc, err := LoadConfigDocument("/refind.conf")
	c.Assert(err, check.IsNil)
	backup, err := doc.Backup()
	c.Assert(err, check.IsNil)
	c.Check(backup, check.Equals, "")
	exists, _ := afero.Exists(s.fs, "/refind.conf.backup-20250601-120000")
	c.Check(exists, check.Equals, false)
}

func (s *configSuite) TestLoadMissingFile(c *check.C) {
	doc, err := LoadConfigDocument("/nonexistent.conf")
	c.Assert(err, check.IsNil)
	c.Check(doc.Lines(), check.HasLen, 0)
}
