package main

import (
	"errors"
	"fmt"
	"sync"
)

// DeviceKind classifies an enumerated device.
type DeviceKind int

const (
	KindVial DeviceKind = iota
	KindVia
	KindBootloader
	KindDummy
)

func (k DeviceKind) String() string {
	switch k {
	case KindVial:
		return "vial"
	case KindVia:
		return "via"
	case KindBootloader:
		return "bootloader"
	case KindDummy:
		return "dummy"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrDeviceUnavailable wraps failures to establish a transport connection.
var ErrDeviceUnavailable = errors.New("device unavailable")

// DeviceDescriptor identifies a discovered device. Descriptors are values
// and are replaced wholesale on every enumeration.
type DeviceDescriptor struct {
	Path      string     `json:"path"`
	Title     string     `json:"title"`
	VendorID  uint16     `json:"vendorId"`
	ProductID uint16     `json:"productId"`
	Serial    string     `json:"serial,omitempty"`
	Kind      DeviceKind `json:"kind"`
	Sideload  bool       `json:"sideload,omitempty"`
	ViaStack  bool       `json:"viaStack,omitempty"`
	ViaID     string     `json:"viaId,omitempty"`
}

// Session is one opened device. Protocol calls must come from the event
// loop once the session has been registered as the current device.
type Session struct {
	Desc DeviceDescriptor

	mu       sync.Mutex
	conn     Conn
	keyboard *Keyboard
	closed   bool

	// attempt is the active unlock attempt; only touched on the loop.
	attempt *UnlockAttempt
}

// OpenSession establishes the transport for desc and fetches keyboard
// state. definition is the sideloaded or stack definition, nil for Vial
// keyboards which carry their own.
func OpenSession(t Transport, desc DeviceDescriptor, definition []byte) (*Session, error) {
	s := &Session{Desc: desc}

	if desc.Kind == KindDummy {
		def, err := parseDefinition(definition)
		if err != nil {
			return nil, err
		}
		kb := newKeyboard(nil)
		kb.Definition = def
		kb.rawDefinition = definition
		kb.unlock = UnlockStatus{Unlocked: true}
		s.keyboard = kb
		return s, nil
	}

	if t == nil {
		return nil, fmt.Errorf("%w: no transport for %s", ErrDeviceUnavailable, desc.Path)
	}
	conn, err := t.Open(desc.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, desc.Path, err)
	}
	s.conn = conn

	if desc.Kind == KindBootloader {
		return s, nil
	}

	kb := newKeyboard(conn)
	if err := kb.Reload(definition); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open %s: %w", desc.Title, err)
	}
	s.keyboard = kb
	return s, nil
}

// Close releases the transport. It is safe to call more than once and on a
// session that never finished opening.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.keyboard != nil {
		s.keyboard.conn = nil
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Title() string { return s.Desc.Title }

// Keyboard returns the protocol object, nil for bootloaders.
func (s *Session) Keyboard() *Keyboard { return s.keyboard }

func (s *Session) checkOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &CommunicationError{Op: op, Path: s.Desc.Path, Err: ErrSessionClosed}
	}
	return nil
}

// UnlockStatus is 1 when the device accepts security-sensitive commands.
// Devices without the Vial security model always report 1.
func (s *Session) UnlockStatus() int {
	if s.keyboard == nil {
		return 1
	}
	return s.keyboard.UnlockStatus()
}

func (s *Session) UnlockInProgress() bool {
	return s.keyboard != nil && s.keyboard.UnlockInProgress()
}

func (s *Session) UnlockKeys() []KeyPos {
	if s.keyboard == nil {
		return nil
	}
	return s.keyboard.UnlockKeys()
}

func (s *Session) UnlockStart() error {
	if err := s.checkOpen("unlock_start"); err != nil {
		return err
	}
	if s.keyboard == nil {
		return &ProtocolError{Op: "unlock_start", Reason: "device is in bootloader mode"}
	}
	return s.keyboard.UnlockStart()
}

func (s *Session) UnlockPoll() (UnlockPollResult, error) {
	if err := s.checkOpen("unlock_poll"); err != nil {
		return UnlockPollResult{}, err
	}
	if s.keyboard == nil {
		return UnlockPollResult{}, &ProtocolError{Op: "unlock_poll", Reason: "device is in bootloader mode"}
	}
	return s.keyboard.UnlockPoll()
}

func (s *Session) Lock() error {
	if s.Desc.Kind == KindDummy {
		return nil
	}
	if err := s.checkOpen("lock"); err != nil {
		return err
	}
	if s.keyboard == nil {
		return &ProtocolError{Op: "lock", Reason: "device is in bootloader mode"}
	}
	return s.keyboard.Lock()
}

func (s *Session) Reset() error {
	if s.Desc.Kind == KindDummy {
		return nil
	}
	if err := s.checkOpen("reset"); err != nil {
		return err
	}
	if s.keyboard == nil {
		return &ProtocolError{Op: "reset", Reason: "device is already in bootloader mode"}
	}
	return s.keyboard.Reset()
}

// Reload re-reads the full keyboard state from the device.
func (s *Session) Reload() error {
	if s.Desc.Kind == KindDummy || s.keyboard == nil {
		return nil
	}
	if err := s.checkOpen("reload"); err != nil {
		return err
	}
	var def []byte
	if s.keyboard.VialProtocol < 0 {
		def = s.keyboard.rawDefinition
	}
	return s.keyboard.Reload(def)
}
