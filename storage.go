package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	viaStackFile      = "via_keyboards.json.zst"
	viaStackPlainFile = "via_keyboards.json"
	lastDeviceFile    = "last_device.json"
)

// LastDevice is the device the user last had open.
type LastDevice struct {
	Path      string `json:"path"`
	Title     string `json:"title"`
	VendorID  uint16 `json:"vendorId"`
	ProductID uint16 `json:"productId"`
	Timestamp string `json:"timestamp"`
}

// Storage keeps the on-disk cache. Callers get opaque byte buffers back; the
// core never learns where they came from.
type Storage struct {
	dir    string
	logger *log.Logger
	fileMu sync.Mutex
}

func NewStorage(dir string, logger *log.Logger) *Storage {
	return &Storage{dir: dir, logger: orDiscard(logger)}
}

func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "vialctl")
}

func (st *Storage) path(name string) string { return filepath.Join(st.dir, name) }

// LoadViaStack returns the cached VIA definition stack, preferring the
// compressed copy. A missing cache returns nil, nil.
func (st *Storage) LoadViaStack() ([]byte, error) {
	st.fileMu.Lock()
	defer st.fileMu.Unlock()

	raw, err := os.ReadFile(st.path(viaStackFile))
	if err == nil {
		data, derr := decodeZstd(raw)
		if derr == nil && json.Valid(data) {
			return data, nil
		}
		st.logger.Printf("[STORAGE] ignoring corrupt %s: %v", viaStackFile, derr)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(st.path(viaStackPlainFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		st.logger.Printf("[STORAGE] ignoring corrupt %s", viaStackPlainFile)
		return nil, nil
	}
	return data, nil
}

// SaveViaStack writes data compressed with zstd.
func (st *Storage) SaveViaStack(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("save VIA definition stack: invalid JSON")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(data, nil)
	_ = enc.Close()
	return st.writeFile(viaStackFile, compressed)
}

func decodeZstd(raw []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(raw, nil)
}

func (st *Storage) LoadLastDevice() (LastDevice, bool) {
	st.fileMu.Lock()
	b, err := os.ReadFile(st.path(lastDeviceFile))
	st.fileMu.Unlock()
	if err != nil || len(b) == 0 {
		return LastDevice{}, false
	}
	var ld LastDevice
	if json.Unmarshal(b, &ld) != nil || ld.Path == "" {
		return LastDevice{}, false
	}
	return ld, true
}

func (st *Storage) SaveLastDevice(desc DeviceDescriptor) error {
	ld := LastDevice{
		Path:      desc.Path,
		Title:     desc.Title,
		VendorID:  desc.VendorID,
		ProductID: desc.ProductID,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	return st.writeFile(lastDeviceFile, mustJSON(ld))
}

// writeFile replaces name atomically.
func (st *Storage) writeFile(name string, data []byte) error {
	st.fileMu.Lock()
	defer st.fileMu.Unlock()
	if err := os.MkdirAll(st.dir, 0755); err != nil {
		return err
	}
	tmp := st.path(name + ".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, st.path(name))
}

func mustJSON(v any) []byte {
	b, _ := json.MarshalIndent(v, "", "  ")
	return b
}
