package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sstallion/go-hid"
)

// HIDInfo is the subset of a HID interface description the session core
// cares about.
type HIDInfo struct {
	Path         string `json:"path"`
	VendorID     uint16 `json:"vendorId"`
	ProductID    uint16 `json:"productId"`
	SerialNumber string `json:"serialNumber"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	UsagePage    uint16 `json:"usagePage"`
	Usage        uint16 `json:"usage"`
	InterfaceNbr int    `json:"interfaceNbr"`
	ReleaseNbr   int    `json:"releaseNbr"`
}

// Transport enumerates HID interfaces and opens raw report connections to
// them.
type Transport interface {
	Enumerate() ([]HIDInfo, error)
	Open(path string) (Conn, error)
}

// Conn is an open raw-report connection. Send writes one request and
// returns the matching response.
type Conn interface {
	Send(msg []byte) ([]byte, error)
	Close() error
}

var errReadTimeout = errors.New("no response from device")

type hidTransport struct {
	timeout time.Duration
	trace   bool
	logger  *log.Logger
}

func newHIDTransport(timeout time.Duration, trace bool, logger *log.Logger) *hidTransport {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &hidTransport{timeout: timeout, trace: trace, logger: logger}
}

func (t *hidTransport) Enumerate() ([]HIDInfo, error) {
	var out []HIDInfo
	seen := make(map[string]bool)
	err := hid.Enumerate(0, 0, func(info *hid.DeviceInfo) error {
		if info == nil || seen[info.Path] {
			return nil
		}
		seen[info.Path] = true
		out = append(out, HIDInfo{
			Path:         info.Path,
			VendorID:     info.VendorID,
			ProductID:    info.ProductID,
			SerialNumber: info.SerialNbr,
			Manufacturer: info.MfrStr,
			Product:      info.ProductStr,
			UsagePage:    info.UsagePage,
			Usage:        info.Usage,
			InterfaceNbr: info.InterfaceNbr,
			ReleaseNbr:   int(info.ReleaseNbr),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hid enumerate: %w", err)
	}
	return out, nil
}

func (t *hidTransport) Open(path string) (Conn, error) {
	if path == "" {
		return nil, &CommunicationError{Op: "open", Err: errors.New("empty path")}
	}
	d, err := hid.OpenPath(path)
	if err != nil {
		return nil, &CommunicationError{Op: "open", Path: path, Err: err}
	}
	t.logger.Printf("[HID] opened %s", path)
	return &hidConn{dev: d, path: path, timeout: t.timeout, trace: t.trace, logger: t.logger}, nil
}

type hidConn struct {
	// mu serializes Write/Read pairs and Close on the underlying handle.
	mu      sync.Mutex
	dev     *hid.Device
	path    string
	timeout time.Duration
	trace   bool
	logger  *log.Logger
	closed  bool
}

func (c *hidConn) Send(msg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &CommunicationError{Op: "send", Path: c.path, Err: ErrSessionClosed}
	}

	out := make([]byte, msgLen+1)
	copy(out[1:], msg)
	if c.trace {
		c.logger.Printf("[HID] >> %s", hexString(out[1:]))
	}
	if _, err := c.dev.Write(out); err != nil {
		return nil, &CommunicationError{Op: "write", Path: c.path, Err: err}
	}

	in := make([]byte, msgLen)
	n, err := c.dev.ReadWithTimeout(in, c.timeout)
	if err != nil {
		return nil, &CommunicationError{Op: "read", Path: c.path, Err: readError(err)}
	}
	if n == 0 {
		return nil, &CommunicationError{Op: "read", Path: c.path, Err: errReadTimeout}
	}
	setLastRawReport(in[:n])
	if c.trace {
		c.logger.Printf("[HID] << %s", hexString(in[:n]))
	}
	return in, nil
}

// readError maps hidapi's timeout onto errReadTimeout.
func readError(err error) error {
	if errors.Is(err, hid.ErrTimeout) {
		return errReadTimeout
	}
	return err
}

func (c *hidConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("close panic: %v", r)
			}
		}()
		err = c.dev.Close()
	}()
	c.logger.Printf("[HID] closed %s", c.path)
	return err
}

// isVialInterface reports whether info looks like the raw HID interface of a
// keyboard running Vial firmware.
func isVialInterface(info HIDInfo) bool {
	return isRawHIDInterface(info) && strings.Contains(info.SerialNumber, vialSerialMagic)
}

func isVialBootloader(info HIDInfo) bool {
	return strings.Contains(info.SerialNumber, vialBootloaderMagic)
}

func isRawHIDInterface(info HIDInfo) bool {
	return info.UsagePage == viaUsagePage && info.Usage == viaUsage
}

func deviceTitle(info HIDInfo) string {
	title := strings.TrimSpace(info.Manufacturer + " " + info.Product)
	if title == "" {
		title = fmt.Sprintf("%04x:%04x", info.VendorID, info.ProductID)
	}
	return title
}
