package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseUnlockPoll(t *testing.T) {
	tests := []struct {
		name    string
		resp    []byte
		want    UnlockPollResult
		wantErr bool
	}{
		{name: "locked counting down", resp: []byte{0, 1, 40}, want: UnlockPollResult{InProgress: true, Counter: 40}},
		{name: "unlocked", resp: []byte{1, 0, 0}, want: UnlockPollResult{Unlocked: true}},
		{name: "full frame", resp: frame(0, 1, 7), want: UnlockPollResult{InProgress: true, Counter: 7}},
		{name: "short", resp: []byte{1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseUnlockPoll(tt.resp)
			if tt.wantErr {
				if !IsProtocolError(err) {
					t.Fatalf("parseUnlockPoll(%v) error = %v, want ProtocolError", tt.resp, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseUnlockPoll(%v) error = %v", tt.resp, err)
			}
			if got != tt.want {
				t.Errorf("parseUnlockPoll(%v) = %+v, want %+v", tt.resp, got, tt.want)
			}
		})
	}
}

func TestParseUnlockStatusSkipsUnusedSlots(t *testing.T) {
	resp := make([]byte, msgLen)
	resp[0], resp[1] = 0, 1
	for i := 0; i < unlockKeySlots; i++ {
		resp[2+i*2], resp[3+i*2] = unlockKeyUnused, unlockKeyUnused
	}
	resp[2], resp[3] = 3, 4
	resp[6], resp[7] = 0, unlockKeyUnused
	resp[8], resp[9] = 1, 12

	st, err := parseUnlockStatus(resp)
	if err != nil {
		t.Fatalf("parseUnlockStatus error = %v", err)
	}
	if st.Unlocked || !st.InProgress {
		t.Errorf("status = %+v, want locked and in progress", st)
	}
	want := []KeyPos{{Row: 3, Col: 4}, {Row: 1, Col: 12}}
	if fmt.Sprint(st.Keys) != fmt.Sprint(want) {
		t.Errorf("keys = %v, want %v", st.Keys, want)
	}

	if _, err := parseUnlockStatus(resp[:10]); !IsProtocolError(err) {
		t.Errorf("short status error = %v, want ProtocolError", err)
	}
}

func TestCommandFraming(t *testing.T) {
	got := definitionBlockCmd(0x0102)
	if len(got) != msgLen {
		t.Fatalf("len = %d, want %d", len(got), msgLen)
	}
	want := []byte{cmdViaVialPrefix, cmdVialGetDefinition, 0x02, 0x01, 0, 0}
	for i, b := range want {
		if got[i] != b {
			t.Errorf("byte %d = %#x, want %#x", i, got[i], b)
		}
	}
	if v := vialCmd(cmdVialUnlockPoll); v[0] != cmdViaVialPrefix || v[1] != cmdVialUnlockPoll || v[2] != 0 {
		t.Errorf("vialCmd(poll) = %v", v[:3])
	}
}

func TestErrorClassification(t *testing.T) {
	comm := fmt.Errorf("open: %w", &CommunicationError{Op: "read", Path: "p", Err: errReadTimeout})
	proto := fmt.Errorf("open: %w", &ProtocolError{Op: "reload", Reason: "unsupported"})

	if !IsCommunicationError(comm) || IsProtocolError(comm) {
		t.Errorf("comm error classified wrong")
	}
	if !IsProtocolError(proto) || IsCommunicationError(proto) {
		t.Errorf("protocol error classified wrong")
	}
	if !errors.Is(comm, errReadTimeout) {
		t.Errorf("errors.Is(comm, errReadTimeout) = false, want true")
	}
}
