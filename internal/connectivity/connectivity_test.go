package connectivity

import (
	"io"
	"log"
	"testing"
)

func newTestMonitor(online bool) *Monitor {
	return NewMonitor(online, log.New(io.Discard, "", 0))
}

func TestSetOnlineNotifiesOnTransition(t *testing.T) {
	m := newTestMonitor(true)
	ch := m.Subscribe()

	m.SetOnline(false)
	select {
	case got := <-ch:
		if got {
			t.Error("notified online=true for an offline transition")
		}
	default:
		t.Fatal("no notification for a transition")
	}
	if m.IsOnline() {
		t.Error("IsOnline = true after SetOnline(false)")
	}
}

func TestSetOnlineSameStateIsSilent(t *testing.T) {
	m := newTestMonitor(true)
	ch := m.Subscribe()

	m.SetOnline(true)
	select {
	case <-ch:
		t.Error("notified without a state change")
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	m := newTestMonitor(true)
	m.Subscribe() // never drained

	// Multiple flips must not deadlock on the full buffer.
	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(false)

	if m.IsOnline() {
		t.Error("IsOnline = true, want false")
	}
}
