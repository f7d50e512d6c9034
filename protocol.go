package main

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// msgLen is the size of every raw HID request and response exchanged with
// a VIA/Vial keyboard.
const msgLen = 32

const (
	cmdViaGetProtocolVersion = 0x01
	cmdViaJumpToBootloader   = 0x0B
	cmdViaVialPrefix         = 0xFE

	cmdVialGetKeyboardID   = 0x00
	cmdVialGetSize         = 0x01
	cmdVialGetDefinition   = 0x02
	cmdVialGetUnlockStatus = 0x05
	cmdVialUnlockStart     = 0x06
	cmdVialUnlockPoll      = 0x07
	cmdVialLock            = 0x08
)

const (
	viaUsagePage = 0xFF60
	viaUsage     = 0x61

	vialSerialMagic       = "vial:f64c2b3c"
	vialBootloaderMagic   = "vibl:d4f8159c"
	supportedViaProtocol  = 9
	maxVialProtocol       = 6
	unlockKeySlots        = 15
	unlockKeyUnused  byte = 0xFF
)

// CommunicationError reports that a device stopped answering: an I/O
// failure, a short read or a read timeout. It is terminal for the
// operation that observed it.
type CommunicationError struct {
	Op   string
	Path string
	Err  error
}

func (e *CommunicationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("communication error during %s on %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("communication error during %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// ProtocolError reports a response the host cannot work with, usually
// firmware speaking an unsupported protocol version.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Reason)
}

var (
	// ErrSelectionOutOfRange is returned by synchronous selection when the
	// index does not address an enumerated device.
	ErrSelectionOutOfRange = errors.New("device index out of range")
	// ErrSessionClosed is returned by protocol calls on a closed session.
	ErrSessionClosed = errors.New("device session is closed")
)

// IsCommunicationError reports whether err (or anything it wraps) is a
// CommunicationError.
func IsCommunicationError(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// IsProtocolError reports whether err (or anything it wraps) is a
// ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// frame pads a command to msgLen bytes.
func frame(cmd ...byte) []byte {
	buf := make([]byte, msgLen)
	copy(buf, cmd)
	return buf
}

func vialCmd(sub byte, args ...byte) []byte {
	return frame(append([]byte{cmdViaVialPrefix, sub}, args...)...)
}

func definitionBlockCmd(block uint32) []byte {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], block)
	return vialCmd(cmdVialGetDefinition, idx[:]...)
}

// UnlockPollResult is the decoded answer to an unlock poll.
type UnlockPollResult struct {
	Unlocked   bool
	InProgress bool
	Counter    int
}

func parseUnlockPoll(resp []byte) (UnlockPollResult, error) {
	if len(resp) < 3 {
		return UnlockPollResult{}, &ProtocolError{Op: "unlock_poll", Reason: fmt.Sprintf("short response (%d bytes)", len(resp))}
	}
	return UnlockPollResult{
		Unlocked:   resp[0] == 1,
		InProgress: resp[1] == 1,
		Counter:    int(resp[2]),
	}, nil
}

// UnlockStatus is the decoded answer to a Vial unlock status request.
type UnlockStatus struct {
	Unlocked   bool
	InProgress bool
	Keys       []KeyPos
}

// KeyPos is a matrix position (row, column).
type KeyPos struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func parseUnlockStatus(resp []byte) (UnlockStatus, error) {
	if len(resp) < 2+unlockKeySlots*2 {
		return UnlockStatus{}, &ProtocolError{Op: "unlock_status", Reason: fmt.Sprintf("short response (%d bytes)", len(resp))}
	}
	st := UnlockStatus{
		Unlocked:   resp[0] == 1,
		InProgress: resp[1] == 1,
	}
	for i := 0; i < unlockKeySlots; i++ {
		row, col := resp[2+i*2], resp[3+i*2]
		if row == unlockKeyUnused || col == unlockKeyUnused {
			continue
		}
		st.Keys = append(st.Keys, KeyPos{Row: int(row), Col: int(col)})
	}
	return st, nil
}

func parseViaProtocol(resp []byte) (int, error) {
	if len(resp) < 3 {
		return 0, &ProtocolError{Op: "via_protocol", Reason: "short response"}
	}
	return int(binary.BigEndian.Uint16(resp[1:3])), nil
}

func parseKeyboardID(resp []byte) (vialProtocol int, keyboardID uint64, err error) {
	if len(resp) < 12 {
		return 0, 0, &ProtocolError{Op: "keyboard_id", Reason: "short response"}
	}
	return int(binary.LittleEndian.Uint32(resp[0:4])), binary.LittleEndian.Uint64(resp[4:12]), nil
}
