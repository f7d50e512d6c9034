package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
)

var debugLogging atomic.Bool

// setupLogging opens the log file (truncating, falling back to append when
// another instance holds it) and returns a logger writing to it. An empty
// path logs to stderr.
func setupLogging(path string, debug bool) (*log.Logger, io.Closer, error) {
	debugLogging.Store(debug)
	if path == "" {
		return log.New(os.Stderr, "", log.LstdFlags), io.NopCloser(nil), nil
	}
	_ = os.MkdirAll(filepath.Dir(path), 0755)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
	}
	logger := log.New(f, "", log.LstdFlags)
	logger.Printf("=== vialctl v%s started ===", currentVersion)
	logger.Printf("Log file location: %s", path)
	return logger, f, nil
}

func orDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}

// debugf logs only when debug logging is enabled.
func debugf(l *log.Logger, format string, args ...any) {
	if l == nil || !debugLogging.Load() {
		return
	}
	l.Printf("[DEBUG] "+format, args...)
}

// HIDScanResult is the outcome of a full interface scan, split into the
// interfaces the core would open and everything else.
type HIDScanResult struct {
	Devices    []DeviceDescriptor `json:"devices"`
	AllDevices []HIDInfo          `json:"allDevices"`
	TotalCount int                `json:"totalCount"`
}

func scanAllHIDDevices(t Transport, src *DefinitionSources, logger *log.Logger) (*HIDScanResult, error) {
	logger = orDiscard(logger)
	logger.Printf("[HID_SCAN] Starting device enumeration (via stack: %d definitions)", src.ViaStackSize())
	infos, err := t.Enumerate()
	if err != nil {
		return nil, err
	}
	return &HIDScanResult{
		Devices:    findDevices(infos, src),
		AllDevices: infos,
		TotalCount: len(infos),
	}, nil
}

func logHIDScanResults(logger *log.Logger, result *HIDScanResult) {
	if logger == nil || result == nil {
		return
	}
	logger.Printf("=== HID Device Scan Results ===")
	logger.Printf("Total interfaces found: %d", result.TotalCount)
	logger.Printf("Usable keyboards found: %d", len(result.Devices))
	if len(result.Devices) > 0 {
		logger.Printf("--- Keyboards ---")
		for i, dev := range result.Devices {
			logger.Printf("[%d] %s", i, dev.Title)
			logger.Printf("    VID: 0x%04X, PID: 0x%04X, Kind: %s", dev.VendorID, dev.ProductID, dev.Kind)
			if dev.Serial != "" {
				logger.Printf("    Serial: %s", dev.Serial)
			}
			logger.Printf("    Path: %s", dev.Path)
		}
	}
	logger.Printf("--- All HID Interfaces ---")
	for i, dev := range result.AllDevices {
		logger.Printf("[%d] VID: 0x%04X, PID: 0x%04X - %s", i+1, dev.VendorID, dev.ProductID, dev.Product)
		if dev.Manufacturer != "" {
			logger.Printf("    Manufacturer: %s", dev.Manufacturer)
		}
		logger.Printf("    UsagePage: 0x%04X, Usage: 0x%04X, Interface: %d", dev.UsagePage, dev.Usage, dev.InterfaceNbr)
	}
	logger.Printf("=== End HID Scan ===")
}
