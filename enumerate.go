package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const dummyPath = "dummy"

// DefinitionSources holds the keyboard definitions handed to the core from
// outside: a sideloaded VIA JSON and the precompiled VIA definition stack.
// A value is immutable once built; loading new data builds a new value.
type DefinitionSources struct {
	sideload    []byte
	sideloadSet bool
	sideloadVID uint16
	sideloadPID uint16

	viaStack map[string]json.RawMessage
}

type viaStackDoc struct {
	Definitions map[string]json.RawMessage `json:"definitions"`
}

// withViaStack returns a copy of src with the VIA definition stack replaced.
func (src *DefinitionSources) withViaStack(data []byte) (*DefinitionSources, error) {
	var stack viaStackDoc
	if err := json.Unmarshal(data, &stack); err != nil {
		return nil, fmt.Errorf("parse VIA definition stack: %w", err)
	}
	if stack.Definitions == nil {
		return nil, fmt.Errorf("parse VIA definition stack: missing definitions")
	}
	next := src.clone()
	next.viaStack = stack.Definitions
	return next, nil
}

// withSideload returns a copy of src with a sideloaded definition. The
// definition's vendorId/productId decide which device it applies to.
func (src *DefinitionSources) withSideload(data []byte) (*DefinitionSources, error) {
	var ids struct {
		VendorID  string `json:"vendorId"`
		ProductID string `json:"productId"`
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse sideload JSON: %w", err)
	}
	vid, err := parseHexID(ids.VendorID)
	if err != nil {
		return nil, fmt.Errorf("sideload vendorId: %w", err)
	}
	pid, err := parseHexID(ids.ProductID)
	if err != nil {
		return nil, fmt.Errorf("sideload productId: %w", err)
	}
	next := src.clone()
	next.sideload = append([]byte(nil), data...)
	next.sideloadSet = true
	next.sideloadVID, next.sideloadPID = vid, pid
	return next, nil
}

// withDummy installs data as a definition that is not backed by hardware.
func (src *DefinitionSources) withDummy(data []byte) (*DefinitionSources, error) {
	if _, err := parseDefinition(data); err != nil {
		return nil, err
	}
	next := src.clone()
	next.sideload = append([]byte(nil), data...)
	next.sideloadSet = true
	next.sideloadVID, next.sideloadPID = 0, 0
	return next, nil
}

func (src *DefinitionSources) clone() *DefinitionSources {
	if src == nil {
		return &DefinitionSources{}
	}
	cp := *src
	return &cp
}

func (src *DefinitionSources) hasDummy() bool {
	return src != nil && src.sideloadSet && src.sideloadVID == 0 && src.sideloadPID == 0
}

func (src *DefinitionSources) ViaStackSize() int {
	if src == nil {
		return 0
	}
	return len(src.viaStack)
}

// definitionFor returns the definition to open desc with, nil when the
// device carries its own.
func (src *DefinitionSources) definitionFor(desc DeviceDescriptor) ([]byte, error) {
	switch {
	case desc.Kind == KindDummy || desc.Sideload:
		if src == nil || !src.sideloadSet {
			return nil, fmt.Errorf("no sideloaded definition for %s", desc.Title)
		}
		return src.sideload, nil
	case desc.ViaStack:
		if src == nil {
			return nil, fmt.Errorf("no VIA definition stack loaded")
		}
		def, ok := src.viaStack[desc.ViaID]
		if !ok {
			return nil, fmt.Errorf("VIA definition %s not in stack", desc.ViaID)
		}
		return def, nil
	default:
		return nil, nil
	}
}

func viaID(vid, pid uint16) string {
	return strconv.FormatUint(uint64(vid)*65536+uint64(pid), 10)
}

func parseHexID(s string) (uint16, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// findDevices filters raw HID interfaces down to the devices this core can
// open.
func findDevices(infos []HIDInfo, src *DefinitionSources) []DeviceDescriptor {
	var out []DeviceDescriptor
	seen := make(map[string]bool)
	for _, info := range infos {
		if seen[info.Path] {
			continue
		}
		desc := DeviceDescriptor{
			Path:      info.Path,
			Title:     deviceTitle(info),
			VendorID:  info.VendorID,
			ProductID: info.ProductID,
			Serial:    info.SerialNumber,
		}
		switch {
		case src != nil && src.sideloadSet && !src.hasDummy() &&
			isRawHIDInterface(info) &&
			info.VendorID == src.sideloadVID && info.ProductID == src.sideloadPID:
			desc.Kind = KindVia
			desc.Sideload = true
		case isVialInterface(info):
			desc.Kind = KindVial
		case isRawHIDInterface(info) && src != nil && src.viaStack != nil:
			id := viaID(info.VendorID, info.ProductID)
			if _, ok := src.viaStack[id]; !ok {
				continue
			}
			desc.Kind = KindVia
			desc.ViaStack = true
			desc.ViaID = id
		case isVialBootloader(info):
			desc.Kind = KindBootloader
			desc.Title = desc.Title + " (bootloader)"
		default:
			continue
		}
		seen[info.Path] = true
		out = append(out, desc)
	}

	if src.hasDummy() {
		title := "Dummy keyboard"
		if def, err := parseDefinition(src.sideload); err == nil && def.Name != "" {
			title = def.Name + " (dummy)"
		}
		out = append(out, DeviceDescriptor{Path: dummyPath, Title: title, Kind: KindDummy})
	}
	return out
}

// sameDeviceSet reports whether two snapshots describe the same devices in
// the same order.
func sameDeviceSet(a, b []DeviceDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path || a[i].Kind != b[i].Kind || a[i].ViaID != b[i].ViaID {
			return false
		}
	}
	return true
}
