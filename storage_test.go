package main

import (
	"os"
	"path/filepath"
	"testing"
)

const testViaStack = `{"version":1,"definitions":{"860291361":{"name":"K2"}}}`

func TestViaStackRoundTrip(t *testing.T) {
	st := NewStorage(t.TempDir(), nil)

	data, err := st.LoadViaStack()
	if data != nil || err != nil {
		t.Fatalf("LoadViaStack() on empty cache = %q, %v, want nil, nil", data, err)
	}

	if err := st.SaveViaStack([]byte(testViaStack)); err != nil {
		t.Fatalf("SaveViaStack() error = %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(st.dir, viaStackFile))
	if err != nil {
		t.Fatalf("compressed cache missing: %v", err)
	}
	if string(raw) == testViaStack {
		t.Errorf("cache stored uncompressed")
	}

	data, err = st.LoadViaStack()
	if err != nil {
		t.Fatalf("LoadViaStack() error = %v", err)
	}
	if string(data) != testViaStack {
		t.Errorf("LoadViaStack() = %q, want %q", data, testViaStack)
	}

	if err := st.SaveViaStack([]byte("{broken")); err == nil {
		t.Errorf("SaveViaStack(invalid JSON) succeeded")
	}
}

func TestViaStackFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		compressed string
		plain      string
		want       string
	}{
		{name: "plain only", plain: testViaStack, want: testViaStack},
		{name: "corrupt compressed falls back", compressed: "garbage", plain: testViaStack, want: testViaStack},
		{name: "corrupt plain ignored", plain: "{not json", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.compressed != "" {
				os.WriteFile(filepath.Join(dir, viaStackFile), []byte(tt.compressed), 0644)
			}
			if tt.plain != "" {
				os.WriteFile(filepath.Join(dir, viaStackPlainFile), []byte(tt.plain), 0644)
			}
			data, err := NewStorage(dir, nil).LoadViaStack()
			if err != nil {
				t.Fatalf("LoadViaStack() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("LoadViaStack() = %q, want %q", data, tt.want)
			}
		})
	}
}

func TestLastDevice(t *testing.T) {
	st := NewStorage(filepath.Join(t.TempDir(), "nested"), nil)
	if _, ok := st.LoadLastDevice(); ok {
		t.Fatalf("LoadLastDevice() on empty cache reported a device")
	}

	desc := vialDesc("/dev/hidraw4")
	desc.VendorID, desc.ProductID = 0xFEED, 0x0042
	if err := st.SaveLastDevice(desc); err != nil {
		t.Fatalf("SaveLastDevice() error = %v", err)
	}
	ld, ok := st.LoadLastDevice()
	if !ok {
		t.Fatalf("LoadLastDevice() found nothing after save")
	}
	if ld.Path != desc.Path || ld.VendorID != 0xFEED || ld.ProductID != 0x0042 || ld.Timestamp == "" {
		t.Errorf("LoadLastDevice() = %+v", ld)
	}
	if _, err := os.Stat(filepath.Join(st.dir, lastDeviceFile+".tmp")); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}

	os.WriteFile(filepath.Join(st.dir, lastDeviceFile), []byte(`{"path":""}`), 0644)
	if _, ok := st.LoadLastDevice(); ok {
		t.Errorf("LoadLastDevice() accepted an entry without path")
	}
}
