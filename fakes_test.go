package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ulikunitz/xz"
)

const testDefinitionJSON = `{"name":"Test Board","vendorId":"0xFEED","productId":"0x0001","matrix":{"rows":2,"cols":3},"layouts":{"keymap":[["0,0","0,1","0,2"],["1,0","1,1","1,2"]]}}`

func xzCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("xz.NewWriter: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("xz write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("xz close: %v", err)
	}
	return buf.Bytes()
}

// pollStep is one scripted answer to an unlock poll.
type pollStep struct {
	unlocked bool
	counter  int
	err      error
}

// fakeKeyboard answers the Vial command set from scripted state.
type fakeKeyboard struct {
	mu sync.Mutex

	viaProtocol  int
	vialProtocol uint32
	keyboardID   uint64
	definition   []byte

	unlocked   bool
	inProgress bool
	keys       []KeyPos

	steps  []pollStep
	stepAt int
	short  map[byte]bool
	err    error

	sent   [][]byte
	closed bool
}

func newFakeKeyboard(t *testing.T) *fakeKeyboard {
	return &fakeKeyboard{
		viaProtocol:  supportedViaProtocol,
		vialProtocol: 6,
		keyboardID:   0x1122334455667788,
		definition:   xzCompress(t, []byte(testDefinitionJSON)),
		keys:         []KeyPos{{Row: 0, Col: 0}, {Row: 1, Col: 2}},
	}
}

func (f *fakeKeyboard) Send(msg []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, &CommunicationError{Op: "send", Err: ErrSessionClosed}
	}
	f.sent = append(f.sent, append([]byte(nil), msg...))
	if f.err != nil {
		return nil, f.err
	}

	resp := make([]byte, msgLen)
	switch msg[0] {
	case cmdViaGetProtocolVersion:
		binary.BigEndian.PutUint16(resp[1:3], uint16(f.viaProtocol))
	case cmdViaJumpToBootloader:
		return nil, &CommunicationError{Op: "read", Err: errReadTimeout}
	case cmdViaVialPrefix:
		if f.short[msg[1]] {
			return resp[:4], nil
		}
		switch msg[1] {
		case cmdVialGetKeyboardID:
			binary.LittleEndian.PutUint32(resp[0:4], f.vialProtocol)
			binary.LittleEndian.PutUint64(resp[4:12], f.keyboardID)
		case cmdVialGetSize:
			binary.LittleEndian.PutUint32(resp[0:4], uint32(len(f.definition)))
		case cmdVialGetDefinition:
			block := int(binary.LittleEndian.Uint32(msg[2:6]))
			if off := block * msgLen; off < len(f.definition) {
				copy(resp, f.definition[off:])
			}
		case cmdVialGetUnlockStatus:
			resp[0] = boolByte(f.unlocked)
			resp[1] = boolByte(f.inProgress)
			for i := 0; i < unlockKeySlots; i++ {
				resp[2+i*2], resp[3+i*2] = unlockKeyUnused, unlockKeyUnused
			}
			for i, k := range f.keys {
				resp[2+i*2], resp[3+i*2] = byte(k.Row), byte(k.Col)
			}
		case cmdVialUnlockStart:
			f.inProgress = true
		case cmdVialUnlockPoll:
			if len(f.steps) == 0 {
				resp[0], resp[1] = boolByte(f.unlocked), boolByte(f.inProgress)
				return resp, nil
			}
			st := f.steps[f.stepAt]
			if f.stepAt < len(f.steps)-1 {
				f.stepAt++
			}
			if st.err != nil {
				return nil, st.err
			}
			if st.unlocked {
				f.unlocked, f.inProgress = true, false
			}
			resp[0], resp[1], resp[2] = boolByte(st.unlocked), boolByte(f.inProgress), byte(st.counter)
		case cmdVialLock:
			f.unlocked, f.inProgress = false, false
		}
	}
	return resp, nil
}

func (f *fakeKeyboard) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeKeyboard) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// count returns how many Vial sub-commands sub were sent.
func (f *fakeKeyboard) count(sub byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m[0] == cmdViaVialPrefix && m[1] == sub {
			n++
		}
	}
	return n
}

func (f *fakeKeyboard) countVia(cmd byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m[0] == cmd {
			n++
		}
	}
	return n
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// fakeTransport serves fakeKeyboards by path.
type fakeTransport struct {
	mu       sync.Mutex
	infos    []HIDInfo
	boards   map[string]*fakeKeyboard
	openErr  map[string]error
	enumErr  error
	gate     chan struct{}
	opens    int
	enumRuns int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{boards: make(map[string]*fakeKeyboard), openErr: make(map[string]error)}
}

// addVial registers a Vial keyboard at path.
func (ft *fakeTransport) addVial(t *testing.T, path, product string) *fakeKeyboard {
	kb := newFakeKeyboard(t)
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.infos = append(ft.infos, HIDInfo{
		Path:         path,
		VendorID:     0xFEED,
		ProductID:    uint16(len(ft.infos) + 1),
		SerialNumber: "vial:f64c2b3c",
		Manufacturer: "Acme",
		Product:      product,
		UsagePage:    viaUsagePage,
		Usage:        viaUsage,
	})
	ft.boards[path] = kb
	return kb
}

func (ft *fakeTransport) Enumerate() ([]HIDInfo, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.enumRuns++
	if ft.enumErr != nil {
		return nil, ft.enumErr
	}
	return append([]HIDInfo(nil), ft.infos...), nil
}

func (ft *fakeTransport) Open(path string) (Conn, error) {
	ft.mu.Lock()
	gate := ft.gate
	ft.opens++
	err := ft.openErr[path]
	kb := ft.boards[path]
	ft.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if kb == nil {
		return nil, &CommunicationError{Op: "open", Path: path, Err: errors.New("no such device")}
	}
	return kb, nil
}

// recordingHost records every notification.
type recordingHost struct {
	mu         sync.Mutex
	updates    []devicesCall
	opened     []*Session
	lockUI     int
	unlockUI   int
	progress   []UnlockProgress
	finished   []UnlockResult
	openedCh   chan *Session
	finishedCh chan UnlockResult
}

type devicesCall struct {
	devices []DeviceDescriptor
	changed bool
}

func newRecordingHost() *recordingHost {
	return &recordingHost{
		openedCh:   make(chan *Session, 32),
		finishedCh: make(chan UnlockResult, 32),
	}
}

func (h *recordingHost) DevicesUpdated(devices []DeviceDescriptor, changed bool) {
	h.mu.Lock()
	h.updates = append(h.updates, devicesCall{devices, changed})
	h.mu.Unlock()
}

func (h *recordingHost) DeviceOpened(s *Session) {
	h.mu.Lock()
	h.opened = append(h.opened, s)
	h.mu.Unlock()
	select {
	case h.openedCh <- s:
	default:
	}
}

func (h *recordingHost) LockUI() {
	h.mu.Lock()
	h.lockUI++
	h.mu.Unlock()
}

func (h *recordingHost) UnlockUI() {
	h.mu.Lock()
	h.unlockUI++
	h.mu.Unlock()
}

func (h *recordingHost) UnlockProgress(p UnlockProgress) {
	h.mu.Lock()
	h.progress = append(h.progress, p)
	h.mu.Unlock()
}

func (h *recordingHost) UnlockFinished(r UnlockResult) {
	h.mu.Lock()
	h.finished = append(h.finished, r)
	h.mu.Unlock()
	select {
	case h.finishedCh <- r:
	default:
	}
}

func (h *recordingHost) progressValues() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, 0, len(h.progress))
	for _, p := range h.progress {
		out = append(out, p.Value)
	}
	return out
}

func (h *recordingHost) counts() (updates, opened, lockUI, unlockUI, finished int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.updates), len(h.opened), h.lockUI, h.unlockUI, len(h.finished)
}

func (h *recordingHost) lastUpdate() (devicesCall, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.updates) == 0 {
		return devicesCall{}, false
	}
	return h.updates[len(h.updates)-1], true
}

func waitOpened(t *testing.T, h *recordingHost) *Session {
	t.Helper()
	select {
	case s := <-h.openedCh:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for DeviceOpened")
		return nil
	}
}

// startLoop runs a loop for the duration of the test.
func startLoop(t *testing.T) (*Loop, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(nil)
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Stopped()
	})
	return l, ctx
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func vialDesc(path string) DeviceDescriptor {
	return DeviceDescriptor{Path: path, Title: fmt.Sprintf("Acme %s", path), Kind: KindVial}
}
