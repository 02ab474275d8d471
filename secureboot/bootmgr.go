// This file is part of sbprov
// Copyright 2025 The sbprov authors
// SPDX-License-Identifier: GPL-3.0-only

package secureboot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	efi "github.com/canonical/go-efilib"
	efi_linux "github.com/canonical/go-efilib/linux"
)

const (
	maxBootEntries = 65535 // Maximum number of boot entries we can hold
)

// BootEntry describes the firmware boot entry the engine maintains.
type BootEntry struct {
	Label string
	// LoaderPath is ESP-relative, forward slashes, leading slash.
	LoaderPath string
	// Device and Partition are informational, recorded for the final report
	// and logs. Entry creation resolves the backing device itself from the
	// loader path, so these may stay empty.
	Device    string
	Partition int
}

// EnsureEntryResult distinguishes a confirmed entry from a created one.
type EnsureEntryResult int

const (
	// EntryPresent means an entry with the same label and loader path already
	// existed; nothing was written.
	EntryPresent EnsureEntryResult = iota
	// EntryCreated means a new Boot#### variable was written.
	EntryCreated
)

func (r EnsureEntryResult) String() string {
	if r == EntryCreated {
		return "created"
	}
	return "present"
}

// BootEntryVariable defines a boot entry variable
type BootEntryVariable struct {
	BootNumber int                    // number of the Boot variable, for example, for Boot0004 this is 4
	Data       []byte                 // the data of the variable
	Attributes efi.VariableAttributes // any attributes set on the variable
	LoadOption *efi.LoadOption        // the data parsed as a load option, nil if invalid
}

// BootManager manages the boot device selection menu entries (Boot0000...BootFFFF).
type BootManager struct {
	entries        map[int]BootEntryVariable // The Boot<number> variables
	bootOrder      []int                     // The BootOrder variable, parsed
	bootOrderAttrs efi.VariableAttributes    // The attributes of BootOrder variable
}

// NewBootManagerFromSystem returns a new BootManager object, initialized with the system state.
func NewBootManagerFromSystem() (BootManager, error) {
	var err error
	bm := BootManager{}

	if !VariablesSupported() {
		return BootManager{}, fmt.Errorf("EFI variables not supported")
	}

	bootOrderBytes, bootOrderAttrs, err := GetVariable(efi.GlobalVariable, "BootOrder")
	if err != nil {
		return BootManager{}, fmt.Errorf("cannot read BootOrder variable: %v", err)
	}
	bm.bootOrder = make([]int, len(bootOrderBytes)/2)
	bm.bootOrderAttrs = bootOrderAttrs
	for i := 0; i < len(bootOrderBytes); i += 2 {
		bm.bootOrder[i/2] = int(binary.LittleEndian.Uint16(bootOrderBytes[i : i+2]))
	}

	bm.entries = make(map[int]BootEntryVariable)
	names, err := GetVariableNames(efi.GlobalVariable)
	if err != nil {
		return BootManager{}, fmt.Errorf("cannot obtain list of global variables: %v", err)
	}
	for _, name := range names {
		var entry BootEntryVariable
		if parsed, err := fmt.Sscanf(name, "Boot%04X", &entry.BootNumber); len(name) != 8 || parsed != 1 || err != nil {
			continue
		}
		entry.Data, entry.Attributes, err = GetVariable(efi.GlobalVariable, name)
		if err != nil {
			return BootManager{}, fmt.Errorf("cannot read %s: %v", name, err)
		}
		// Foreign entries may not parse; keep them in the map so their slots
		// and order positions are respected.
		entry.LoadOption, _ = efi.ReadLoadOption(bytes.NewReader(entry.Data))

		bm.entries[entry.BootNumber] = entry
	}

	return bm, nil
}

// NextFreeEntry returns the number of the next free Boot variable.
func (bm *BootManager) NextFreeEntry() (int, error) {
	for i := 0; i < maxBootEntries; i++ {
		if _, ok := bm.entries[i]; !ok {
			return i, nil
		}
	}

	return -1, fmt.Errorf("Maximum number of boot entries exceeded")
}

// FindEntry returns the number of an existing entry matching on label and
// loader path, or -1.
func (bm *BootManager) FindEntry(entry BootEntry) int {
	for num, existing := range bm.entries {
		if existing.LoadOption == nil {
			continue
		}
		if existing.LoadOption.Description != entry.Label {
			continue
		}
		if loaderPathMatches(existing.LoadOption.FilePath, entry.LoaderPath) {
			return num
		}
	}
	return -1
}

// EnsureEntry confirms or creates the boot entry for the loader at
// entry.LoaderPath on the ESP mounted at espMount. Existing entries are never
// deleted or reordered; a newly created entry is prepended to BootOrder.
func (bm *BootManager) EnsureEntry(entry BootEntry, espMount string) (EnsureEntryResult, int, error) {
	if num := bm.FindEntry(entry); num >= 0 {
		return EntryPresent, num, nil
	}

	bootNext, err := bm.NextFreeEntry()
	if err != nil {
		return 0, -1, err
	}
	variable := fmt.Sprintf("Boot%04X", bootNext)

	dp, err := appEFIVars.NewFileDevicePath(filepath.Join(espMount, filepath.FromSlash(entry.LoaderPath)), efi_linux.ShortFormPathHD)
	if err != nil {
		return 0, -1, err
	}

	loadoption := &efi.LoadOption{
		Attributes:  efi.LoadOptionActive,
		Description: entry.Label,
		FilePath:    dp,
	}
	var data bytes.Buffer
	if err := loadoption.Write(&data); err != nil {
		return 0, -1, err
	}

	entryVar := BootEntryVariable{
		BootNumber: bootNext,
		Data:       data.Bytes(),
		Attributes: efi.AttributeNonVolatile | efi.AttributeBootserviceAccess | efi.AttributeRuntimeAccess,
		LoadOption: loadoption,
	}

	if err := SetVariable(efi.GlobalVariable, variable, entryVar.Data, entryVar.Attributes); err != nil {
		return 0, -1, err
	}

	bm.entries[bootNext] = entryVar

	if err := bm.PrependAndSetBootOrder([]int{bootNext}); err != nil {
		return 0, -1, err
	}

	return EntryCreated, bootNext, nil
}

// PrependAndSetBootOrder commits a new boot order or returns an error.
//
// The boot order specified is prepended to the existing one, and the order
// is deduplicated before committing. The relative order of existing entries
// is preserved.
func (bm *BootManager) PrependAndSetBootOrder(head []int) error {
	var newOrder []int

	// Combine head with existing boot order, filter out duplicates and non-existing entries
	for _, num := range append(append([]int(nil), head...), bm.bootOrder...) {
		isDuplicate := false
		for _, otherNum := range newOrder {
			if otherNum == num {
				isDuplicate = true
			}
		}
		if _, ok := bm.entries[num]; ok && !isDuplicate {
			newOrder = append(newOrder, num)
		}
	}

	// Encode the boot order to bytes
	var output []byte
	for _, num := range newOrder {
		var numBytes [2]byte
		binary.LittleEndian.PutUint16(numBytes[0:], uint16(num))
		output = append(output, numBytes[0], numBytes[1])
	}

	// Set the boot order and update our cache
	if err := SetVariable(efi.GlobalVariable, "BootOrder", output, bm.bootOrderAttrs); err != nil {
		return err
	}

	bm.bootOrder = newOrder
	return nil
}

// loaderPathMatches compares the trailing file-path node of a device path with
// an ESP-relative loader path. FAT is case-insensitive, so the comparison is
// too.
func loaderPathMatches(dp efi.DevicePath, loaderPath string) bool {
	var filePath string
	for _, node := range dp {
		if fp, ok := node.(efi.FilePathDevicePathNode); ok {
			filePath = string(fp)
		}
	}
	if filePath == "" {
		return false
	}
	return strings.EqualFold(normalizeLoaderPath(filePath), normalizeLoaderPath(loaderPath))
}

func normalizeLoaderPath(p string) string {
	p = strings.ReplaceAll(p, "/", "\\")
	return strings.TrimPrefix(p, "\\")
}

// Swappable for tests.
var mountsPath = "/proc/self/mounts"

var partitionSuffix = regexp.MustCompile(`(\d+)$`)

// ResolveESPDevice finds the block device and partition number backing the
// filesystem mounted at espMount, from the live mount table.
func ResolveESPDevice(espMount string) (device string, partition int, err error) {
	f, err := appFs.Open(mountsPath)
	if err != nil {
		return "", 0, fmt.Errorf("cannot read mount table: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[1] != espMount {
			continue
		}
		device = fields[0]
		break
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}
	if device == "" {
		return "", 0, fmt.Errorf("no filesystem mounted at %s", espMount)
	}

	m := partitionSuffix.FindStringSubmatch(device)
	if m == nil {
		return device, 0, fmt.Errorf("cannot determine partition number of %s", device)
	}
	partition, err = strconv.Atoi(m[1])
	if err != nil {
		return device, 0, err
	}
	return device, partition, nil
}
