package main

import (
	"testing"
)

func TestSessionLockNesting(t *testing.T) {
	for _, depth := range []int{1, 2, 5} {
		l := NewSessionLock(nil)
		var acquired, released int
		l.OnAcquire(func() { acquired++ })
		l.OnRelease(func() { released++ })

		for i := 0; i < depth; i++ {
			l.Lock()
		}
		if acquired != 1 || released != 0 {
			t.Errorf("depth %d: after locking acquired=%d released=%d, want 1 0", depth, acquired, released)
		}
		for i := 0; i < depth; i++ {
			if released != 0 {
				t.Errorf("depth %d: released before the last unlock", depth)
			}
			l.Unlock()
		}
		if acquired != 1 || released != 1 {
			t.Errorf("depth %d: after unlocking acquired=%d released=%d, want 1 1", depth, acquired, released)
		}
		if l.Held() {
			t.Errorf("depth %d: Held() = true after balanced unlocks", depth)
		}
	}
}

func TestSessionLockUnderflowIgnored(t *testing.T) {
	l := NewSessionLock(nil)
	released := 0
	l.OnRelease(func() { released++ })

	l.Unlock()
	if l.Count() != 0 || released != 0 {
		t.Errorf("unlock on idle lock: count=%d released=%d, want 0 0", l.Count(), released)
	}

	l.Lock()
	l.Unlock()
	l.Unlock()
	if l.Count() != 0 || released != 1 {
		t.Errorf("extra unlock: count=%d released=%d, want 0 1", l.Count(), released)
	}
}

func TestSessionLockHold(t *testing.T) {
	l := NewSessionLock(nil)
	outer := l.Hold()
	inner := l.Hold()
	if l.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", l.Count())
	}
	inner()
	inner()
	if l.Count() != 1 {
		t.Errorf("Count() after double release = %d, want 1", l.Count())
	}
	outer()
	if l.Held() {
		t.Errorf("Held() = true after releasing every hold")
	}
}

func TestSessionLockDropSkipsHooks(t *testing.T) {
	l := NewSessionLock(nil)
	released := 0
	l.OnRelease(func() { released++ })

	l.Lock()
	l.Drop()
	l.Drop()
	if l.Held() || released != 0 {
		t.Errorf("after Drop: held=%v released=%d, want false 0", l.Held(), released)
	}
}
