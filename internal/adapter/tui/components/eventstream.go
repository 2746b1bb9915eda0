// Package components holds reusable widgets of the terminal monitor.
package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"m2dash/internal/adapter/tui/theme"
	"m2dash/internal/domain"
)

const (
	maxEventEntries = 500
	maxPayloadWidth = 60
)

// EventEntry is one received envelope with its arrival time.
type EventEntry struct {
	At       time.Time
	Envelope domain.Envelope
}

// EventStreamModel displays a scrollable stream of envelopes. It follows the
// tail while the view is scrolled to the bottom.
type EventStreamModel struct {
	Viewport viewport.Model
	events   []EventEntry
	ready    bool
	atBottom bool
	width    int
	height   int
}

// NewEventStream creates an event stream viewer.
func NewEventStream() EventStreamModel {
	return EventStreamModel{atBottom: true}
}

// SetSize sets the viewport dimensions.
func (m *EventStreamModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if !m.ready {
		m.Viewport = viewport.New(w, h)
		m.Viewport.MouseWheelEnabled = true
		m.Viewport.MouseWheelDelta = 3
		m.ready = true
	} else {
		m.Viewport.Width = w
		m.Viewport.Height = h
	}
	m.refreshContent()
}

// AddEvent appends an entry, dropping the oldest beyond the cap.
func (m *EventStreamModel) AddEvent(e EventEntry) {
	m.events = append(m.events, e)
	if len(m.events) > maxEventEntries {
		m.events = m.events[len(m.events)-maxEventEntries:]
	}
	m.refreshContent()
	if m.atBottom && m.ready {
		m.Viewport.GotoBottom()
	}
}

// Update handles viewport scrolling.
func (m EventStreamModel) Update(msg tea.Msg) (EventStreamModel, tea.Cmd) {
	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.Viewport, cmd = m.Viewport.Update(msg)
	m.atBottom = m.Viewport.AtBottom()
	return m, cmd
}

// EventCount returns the number of retained entries.
func (m EventStreamModel) EventCount() int {
	return len(m.events)
}

// View renders the event stream.
func (m EventStreamModel) View() string {
	if !m.ready {
		return ""
	}
	return m.Viewport.View()
}

func (m *EventStreamModel) refreshContent() {
	if !m.ready {
		return
	}
	if len(m.events) == 0 {
		m.Viewport.SetContent(theme.TextMuted.Render("  Waiting for events..."))
		return
	}

	var sb strings.Builder
	for _, e := range m.events {
		sb.WriteString(formatEntry(e))
		sb.WriteByte('\n')
	}
	m.Viewport.SetContent(sb.String())
}

func formatEntry(e EventEntry) string {
	name := fmt.Sprintf("%-16s", e.Envelope.Event)
	var styled string
	switch e.Envelope.Event {
	case domain.EventPing, domain.EventPong:
		styled = theme.TextMuted.Render(name)
	case domain.EventStatus:
		styled = theme.TextInfo.Render(name)
	case domain.EventConnection:
		styled = theme.TextWarning.Render(name)
	default:
		styled = theme.TextAccent.Render(name)
	}

	payload := ""
	if e.Envelope.HasData() {
		payload = truncate(string(e.Envelope.Data), maxPayloadWidth)
	}
	return fmt.Sprintf("  %s  %s %s", theme.Timestamp.Render(e.At.Format("15:04:05")), styled, payload)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
