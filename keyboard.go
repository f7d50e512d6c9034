package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// maxDefinitionSize bounds the compressed definition a keyboard may announce.
const maxDefinitionSize = 1 << 20

// KeyboardDefinition is the part of a VIA/Vial keyboard definition the
// session core reads. The layout itself is kept opaque.
type KeyboardDefinition struct {
	Name      string `json:"name"`
	VendorID  string `json:"vendorId"`
	ProductID string `json:"productId"`
	Matrix    struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	} `json:"matrix"`
	Layouts json.RawMessage `json:"layouts,omitempty"`
}

func parseDefinition(data []byte) (*KeyboardDefinition, error) {
	var def KeyboardDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, &ProtocolError{Op: "definition", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return &def, nil
}

// Keyboard is the protocol object of an opened keyboard: it caches what the
// firmware reported on the last reload and speaks the Vial command set.
type Keyboard struct {
	conn Conn

	ViaProtocol  int
	VialProtocol int
	KeyboardID   uint64
	Definition   *KeyboardDefinition

	rawDefinition []byte
	unlock        UnlockStatus
	unlockCounter int
}

func newKeyboard(conn Conn) *Keyboard {
	return &Keyboard{conn: conn, VialProtocol: -1}
}

// Reload re-reads protocol versions, identity, definition and unlock state.
// A non-nil definition marks the keyboard as VIA-only (sideloaded or taken
// from the definition stack) and skips the Vial queries.
func (k *Keyboard) Reload(definition []byte) error {
	resp, err := k.send("via_protocol", frame(cmdViaGetProtocolVersion))
	if err != nil {
		return err
	}
	if k.ViaProtocol, err = parseViaProtocol(resp); err != nil {
		return err
	}

	if definition != nil {
		k.VialProtocol = -1
		k.KeyboardID = 0
		if k.ViaProtocol < supportedViaProtocol {
			return &ProtocolError{Op: "reload", Reason: fmt.Sprintf("unsupported VIA protocol %d", k.ViaProtocol)}
		}
		if len(definition) == 0 {
			return &ProtocolError{Op: "reload", Reason: "empty definition"}
		}
	} else {
		resp, err = k.send("keyboard_id", vialCmd(cmdVialGetKeyboardID))
		if err != nil {
			return err
		}
		if k.VialProtocol, k.KeyboardID, err = parseKeyboardID(resp); err != nil {
			return err
		}
		if k.ViaProtocol != supportedViaProtocol || k.VialProtocol > maxVialProtocol {
			return &ProtocolError{
				Op:     "reload",
				Reason: fmt.Sprintf("unsupported protocol (via=%d vial=%d)", k.ViaProtocol, k.VialProtocol),
			}
		}
		if definition, err = k.fetchDefinition(); err != nil {
			return err
		}
	}

	def, err := parseDefinition(definition)
	if err != nil {
		return err
	}
	k.Definition = def
	k.rawDefinition = definition

	return k.refreshUnlockStatus()
}

func (k *Keyboard) fetchDefinition() ([]byte, error) {
	resp, err := k.send("definition_size", vialCmd(cmdVialGetSize))
	if err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint32(resp[0:4]))
	if size <= 0 || size > maxDefinitionSize {
		return nil, &ProtocolError{Op: "definition_size", Reason: fmt.Sprintf("implausible size %d", size)}
	}

	payload := make([]byte, 0, size)
	for block := uint32(0); len(payload) < size; block++ {
		resp, err := k.send("definition_block", definitionBlockCmd(block))
		if err != nil {
			return nil, err
		}
		remaining := size - len(payload)
		if remaining < len(resp) {
			resp = resp[:remaining]
		}
		payload = append(payload, resp...)
	}
	return decompressDefinition(payload)
}

// decompressDefinition unpacks the xz (or legacy lzma-alone) stream Vial
// firmware stores its definition in.
func decompressDefinition(payload []byte) ([]byte, error) {
	var r io.Reader
	if xr, err := xz.NewReader(bytes.NewReader(payload)); err == nil {
		r = xr
	} else {
		lr, lerr := lzma.NewReader(bytes.NewReader(payload))
		if lerr != nil {
			return nil, &ProtocolError{Op: "definition", Reason: fmt.Sprintf("unknown compression: %v", err)}
		}
		r = lr
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, &ProtocolError{Op: "definition", Reason: fmt.Sprintf("decompress: %v", err)}
	}
	return out, nil
}

func (k *Keyboard) refreshUnlockStatus() error {
	if k.VialProtocol < 0 {
		k.unlock = UnlockStatus{Unlocked: true}
		return nil
	}
	resp, err := k.send("unlock_status", vialCmd(cmdVialGetUnlockStatus))
	if err != nil {
		return err
	}
	st, err := parseUnlockStatus(resp)
	if err != nil {
		return err
	}
	k.unlock = st
	return nil
}

// UnlockStatus returns the cached unlock state: 1 when unlocked, 0 otherwise.
func (k *Keyboard) UnlockStatus() int {
	if k.unlock.Unlocked {
		return 1
	}
	return 0
}

func (k *Keyboard) UnlockInProgress() bool { return k.unlock.InProgress }

func (k *Keyboard) UnlockKeys() []KeyPos {
	return append([]KeyPos(nil), k.unlock.Keys...)
}

func (k *Keyboard) UnlockCounter() int { return k.unlockCounter }

func (k *Keyboard) UnlockStart() error {
	if k.VialProtocol < 0 {
		return &ProtocolError{Op: "unlock_start", Reason: "firmware does not support unlocking"}
	}
	if _, err := k.send("unlock_start", vialCmd(cmdVialUnlockStart)); err != nil {
		return err
	}
	k.unlock.InProgress = true
	return nil
}

func (k *Keyboard) UnlockPoll() (UnlockPollResult, error) {
	if k.VialProtocol < 0 {
		return UnlockPollResult{}, &ProtocolError{Op: "unlock_poll", Reason: "firmware does not support unlocking"}
	}
	resp, err := k.send("unlock_poll", vialCmd(cmdVialUnlockPoll))
	if err != nil {
		return UnlockPollResult{}, err
	}
	res, err := parseUnlockPoll(resp)
	if err != nil {
		return UnlockPollResult{}, err
	}
	k.unlockCounter = res.Counter
	k.unlock.InProgress = res.InProgress
	if res.Unlocked {
		k.unlock.Unlocked = true
		k.unlock.InProgress = false
	}
	return res, nil
}

func (k *Keyboard) Lock() error {
	if k.VialProtocol < 0 {
		return nil
	}
	if _, err := k.send("lock", vialCmd(cmdVialLock)); err != nil {
		return err
	}
	k.unlock.Unlocked = false
	k.unlock.InProgress = false
	return nil
}

// Reset asks the firmware to jump to its bootloader. The keyboard usually
// drops off the bus before answering, so a missing response is not an error.
func (k *Keyboard) Reset() error {
	_, err := k.send("reset", frame(cmdViaJumpToBootloader))
	if err != nil && errors.Is(err, errReadTimeout) {
		return nil
	}
	return err
}

func (k *Keyboard) send(op string, msg []byte) ([]byte, error) {
	if k.conn == nil {
		return nil, &CommunicationError{Op: op, Err: ErrSessionClosed}
	}
	resp, err := k.conn.Send(msg)
	if err != nil {
		var ce *CommunicationError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &CommunicationError{Op: op, Err: err}
	}
	if len(resp) < msgLen {
		return nil, &ProtocolError{Op: op, Reason: fmt.Sprintf("short response (%d bytes)", len(resp))}
	}
	return resp, nil
}
