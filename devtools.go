package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	rawReportMu   sync.Mutex
	lastRawReport []byte
)

func setLastRawReport(buf []byte) {
	if len(buf) == 0 {
		return
	}
	dup := make([]byte, len(buf))
	copy(dup, buf)
	rawReportMu.Lock()
	lastRawReport = dup
	rawReportMu.Unlock()
}

func clearLastRawReport() {
	rawReportMu.Lock()
	lastRawReport = nil
	rawReportMu.Unlock()
}

func getLastRawReport() ([]byte, bool) {
	rawReportMu.Lock()
	defer rawReportMu.Unlock()
	if len(lastRawReport) == 0 {
		return nil, false
	}
	dup := make([]byte, len(lastRawReport))
	copy(dup, lastRawReport)
	return dup, true
}

func hexDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		sb.WriteString(fmt.Sprintf("%04X: ", i))
		for j := i; j < end; j++ {
			sb.WriteString(fmt.Sprintf("%02X ", data[j]))
		}
		if pad := 16 - (end - i); pad > 0 {
			sb.WriteString(strings.Repeat("   ", pad))
		}
		sb.WriteString(" |")
		for j := i; j < end; j++ {
			b := data[j]
			if b >= 32 && b <= 126 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func hexString(report []byte) string {
	if len(report) == 0 {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(report))
}

// saveHIDReport writes a human-readable dump of the last response received
// from desc into dir and returns the file path.
func saveHIDReport(dir string, desc DeviceDescriptor, report []byte) (string, error) {
	if len(report) == 0 {
		return "", errors.New("report is empty")
	}
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	ts := time.Now().Format("20060102-150405")
	full := filepath.Join(dir, fmt.Sprintf("hid_report_%04x_%04x_%s.txt", desc.VendorID, desc.ProductID, ts))

	body := fmt.Sprintf("# HID report captured %s\n# device %s (%s)\nlen=%d bytes\n\n%s\n\nraw=%s\n",
		time.Now().Format(time.RFC3339), desc.Title, desc.Path, len(report), hexDump(report), hexString(report))

	if err := os.WriteFile(full, []byte(body), 0644); err != nil {
		return "", err
	}
	return full, nil
}

// dumpSessionReport opens desc, saves the last raw report of its handshake
// to dir and closes it again. Bootloaders and dummies exchange no reports
// and return an empty path.
func dumpSessionReport(t Transport, desc DeviceDescriptor, definition []byte, dir string) (string, error) {
	if desc.Kind == KindBootloader || desc.Kind == KindDummy {
		return "", nil
	}
	clearLastRawReport()
	s, err := OpenSession(t, desc, definition)
	if err != nil {
		return "", err
	}
	defer s.Close()
	report, ok := getLastRawReport()
	if !ok {
		return "", errors.New("no raw report captured")
	}
	return saveHIDReport(dir, desc, report)
}
