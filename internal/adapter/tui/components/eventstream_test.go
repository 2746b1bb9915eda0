package components

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"m2dash/internal/domain"
)

func TestEventStreamWaitingBeforeEvents(t *testing.T) {
	m := NewEventStream()
	if m.View() != "" {
		t.Error("expected empty view before SetSize")
	}
	m.SetSize(80, 5)
	if !strings.Contains(m.View(), "Waiting for events") {
		t.Errorf("view = %q", m.View())
	}
}

func TestEventStreamCap(t *testing.T) {
	m := NewEventStream()
	m.SetSize(80, 5)
	for i := 0; i < maxEventEntries+25; i++ {
		m.AddEvent(EventEntry{At: time.Now(), Envelope: domain.Envelope{Event: "speed"}})
	}
	if m.EventCount() != maxEventEntries {
		t.Errorf("EventCount = %d, want %d", m.EventCount(), maxEventEntries)
	}
}

func TestEventStreamFollowsTail(t *testing.T) {
	m := NewEventStream()
	m.SetSize(80, 3)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		m.AddEvent(EventEntry{At: at.Add(time.Duration(i) * time.Second), Envelope: domain.Envelope{Event: "speed"}})
	}
	if !strings.Contains(m.View(), "09:00:09") {
		t.Errorf("latest entry not visible:\n%s", m.View())
	}
}

func TestFormatEntryTruncatesPayload(t *testing.T) {
	long := `"` + strings.Repeat("x", 100) + `"`
	line := formatEntry(EventEntry{At: time.Now(), Envelope: domain.Envelope{Event: "log", Data: json.RawMessage(long)}})
	if strings.Contains(line, long) {
		t.Error("payload not truncated")
	}
	if !strings.Contains(line, "…") {
		t.Error("missing ellipsis")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestStatusBarView(t *testing.T) {
	sb := NewStatusBar()
	sb.Help = "q quit"
	sb.Extra = "frozen"
	sb.SetWidth(40)
	view := sb.View()
	if !strings.Contains(view, "q quit") || !strings.Contains(view, "frozen") {
		t.Errorf("view = %q", view)
	}
}
