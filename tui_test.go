package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func newTestTUIModel(t *testing.T, devices ...DeviceDescriptor) tuiModel {
	t.Helper()
	ctrl := NewController(ControllerConfig{Transport: newFakeTransport()})
	m := newTUIModel(context.Background(), ctrl, nil)
	return updateTUI(t, m, devicesMsg{devices: devices, changed: true})
}

func updateTUI(t *testing.T, m tuiModel, msg tea.Msg) tuiModel {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(tuiModel)
}

func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestTUIUnlockDialogClosesWithoutFinish(t *testing.T) {
	tests := []struct {
		name string
		what string
		err  error
	}{
		{name: "already unlocked", what: "unlock"},
		{name: "no device", what: "unlock", err: ErrNoDevice},
		{name: "bootloader", what: "reboot to bootloader"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestTUIModel(t, vialDesc("/dev/hidraw0"))
			key := runeKey('u')
			if tt.what == "reboot to bootloader" {
				key = runeKey('b')
			}
			next, cmd := m.Update(key)
			m = next.(tuiModel)
			if cmd == nil {
				t.Fatalf("key %q returned no command", key.String())
			}
			m = updateTUI(t, m, progressMsg{Value: 0, Max: 50})
			m = updateTUI(t, m, actionDoneMsg{what: tt.what, err: tt.err})

			if m.unlocking {
				t.Errorf("unlocking = true after %q finished", tt.what)
			}
			if strings.Contains(m.View(), "Press and hold") {
				t.Errorf("dialog still shown after %q finished", tt.what)
			}
			if (m.err != nil) != (tt.err != nil) {
				t.Errorf("err = %v, want %v", m.err, tt.err)
			}
		})
	}
}

func TestTUIUnlockKeyAloneShowsNoDialog(t *testing.T) {
	m := newTestTUIModel(t, vialDesc("/dev/hidraw0"))
	m = updateTUI(t, m, runeKey('u'))
	if m.unlocking || strings.Contains(m.View(), "Press and hold") {
		t.Errorf("dialog shown before any progress arrived")
	}
	m = updateTUI(t, m, actionDoneMsg{what: "unlock"})
	if m.status != "unlock done" {
		t.Errorf("status = %q, want %q", m.status, "unlock done")
	}
}

func TestTUILockedUISuppressesKeys(t *testing.T) {
	m := newTestTUIModel(t, vialDesc("/dev/hidraw0"), vialDesc("/dev/hidraw1"))
	m = updateTUI(t, m, uiLockMsg(true))

	keys := []tea.KeyMsg{
		{Type: tea.KeyDown},
		{Type: tea.KeyEnter},
		runeKey('j'),
		runeKey('r'),
		runeKey('u'),
		runeKey('l'),
		runeKey('b'),
	}
	for _, k := range keys {
		next, cmd := m.Update(k)
		got := next.(tuiModel)
		if cmd != nil {
			t.Errorf("key %q returned a command while locked", k.String())
		}
		if got.cursor != 0 || got.status != m.status {
			t.Errorf("key %q changed the model while locked: cursor %d status %q", k.String(), got.cursor, got.status)
		}
	}

	if _, cmd := m.Update(runeKey('c')); cmd == nil {
		t.Errorf("cancel key suppressed while locked")
	}
	_, cmd := m.Update(runeKey('q'))
	if cmd == nil {
		t.Fatalf("quit key suppressed while locked")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("quit key command did not quit")
	}

	m = updateTUI(t, m, uiLockMsg(false))
	if m = updateTUI(t, m, tea.KeyMsg{Type: tea.KeyDown}); m.cursor != 1 {
		t.Errorf("cursor = %d after down on unlocked UI, want 1", m.cursor)
	}
}

func TestTUIProgressAndFinishRendering(t *testing.T) {
	m := newTestTUIModel(t, vialDesc("/dev/hidraw0"))
	m = updateTUI(t, m, openedMsg{ok: true, title: "Acme Board", path: "/dev/hidraw0"})
	if v := m.View(); !strings.Contains(v, "Acme Board") || !strings.Contains(v, "locked") {
		t.Errorf("view after open = %q", v)
	}

	m = updateTUI(t, m, progressMsg{Value: 10, Max: 50, Keys: []KeyPos{{Row: 0, Col: 0}, {Row: 1, Col: 2}}})
	v := m.View()
	for _, want := range []string{"Press and hold", "row 1, col 2", "c: cancel"} {
		if !strings.Contains(v, want) {
			t.Errorf("progress view missing %q", want)
		}
	}
	if m.progValue != 10 || m.progMax != 50 {
		t.Errorf("progress = %d/%d, want 10/50", m.progValue, m.progMax)
	}

	m = updateTUI(t, m, finishedMsg{State: UnlockUnlocked})
	v = m.View()
	if strings.Contains(v, "Press and hold") || !strings.Contains(v, "Keyboard unlocked") {
		t.Errorf("view after unlock = %q", v)
	}
	if !m.current.unlocked {
		t.Errorf("current.unlocked = false after a successful unlock")
	}

	m = updateTUI(t, m, progressMsg{Value: 5, Max: 50})
	m = updateTUI(t, m, finishedMsg{State: UnlockDisconnected, Err: errors.New("device gone")})
	v = m.View()
	if strings.Contains(v, "Press and hold") || !strings.Contains(v, "Unlock disconnected") || !strings.Contains(v, "device gone") {
		t.Errorf("view after disconnect = %q", v)
	}
}

func TestTUIDevicesClampCursor(t *testing.T) {
	m := newTestTUIModel(t, vialDesc("a"), vialDesc("b"), vialDesc("c"))
	m.cursor = 2
	if m = updateTUI(t, m, devicesMsg{devices: []DeviceDescriptor{vialDesc("a")}}); m.cursor != 0 {
		t.Errorf("cursor = %d after list shrank to one, want 0", m.cursor)
	}
	if m = updateTUI(t, m, devicesMsg{}); m.cursor != 0 {
		t.Errorf("cursor = %d on an empty list, want 0", m.cursor)
	}
	if !strings.Contains(m.View(), "No Vial or VIA keyboards found.") {
		t.Errorf("empty list not rendered")
	}
}

func TestTUIHostForwards(t *testing.T) {
	var got []tea.Msg
	h := &tuiHost{send: func(msg tea.Msg) { got = append(got, msg) }}

	h.DevicesUpdated([]DeviceDescriptor{vialDesc("a")}, true)
	h.DeviceOpened(nil)
	h.LockUI()
	h.UnlockProgress(UnlockProgress{Value: 3, Max: 9})
	h.UnlockUI()
	h.UnlockFinished(UnlockResult{State: UnlockCancelled})

	if len(got) != 6 {
		t.Fatalf("forwarded %d messages, want 6", len(got))
	}
	if d, ok := got[0].(devicesMsg); !ok || len(d.devices) != 1 || !d.changed {
		t.Errorf("msg 0 = %#v", got[0])
	}
	if o, ok := got[1].(openedMsg); !ok || o.ok {
		t.Errorf("msg 1 = %#v, want an empty openedMsg", got[1])
	}
	if l, ok := got[2].(uiLockMsg); !ok || !bool(l) {
		t.Errorf("msg 2 = %#v, want uiLockMsg(true)", got[2])
	}
	if p, ok := got[3].(progressMsg); !ok || p.Value != 3 || p.Max != 9 {
		t.Errorf("msg 3 = %#v", got[3])
	}
	if l, ok := got[4].(uiLockMsg); !ok || bool(l) {
		t.Errorf("msg 4 = %#v, want uiLockMsg(false)", got[4])
	}
	if f, ok := got[5].(finishedMsg); !ok || f.State != UnlockCancelled {
		t.Errorf("msg 5 = %#v", got[5])
	}
}
