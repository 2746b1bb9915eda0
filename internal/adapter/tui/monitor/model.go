package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"m2dash/internal/adapter/tui/components"
	"m2dash/internal/adapter/tui/theme"
	"m2dash/internal/domain"
	"m2dash/internal/usecase/link"
)

// Ensure *Model satisfies tea.Model.
var _ tea.Model = (*Model)(nil)

const defaultRefresh = 250 * time.Millisecond

// Core is the part of the link the monitor reads and drives.
type Core interface {
	ConnectionStatus() domain.StatusSnapshot
	TransportConnected() bool
	Frozen() bool
	Pending() int
	EngageFreeze()
	ReleaseFreeze(ctx context.Context) int
	ForceOnline()
	ForceOffline()
	ClearOverride()
	SubscribeAll(handler domain.Handler) domain.Subscription
	Metrics() link.Metrics
}

// Model is the root Bubble Tea model of the monitor.
type Model struct {
	core    Core
	refresh time.Duration
	title   string

	keys   keyMap
	help   help.Model
	events components.EventStreamModel

	snap      domain.StatusSnapshot
	metrics   link.Metrics
	transport bool
	notice    string

	width  int
	height int

	programSend func(tea.Msg)
	sub         domain.Subscription
}

// New creates the monitor model. title names the endpoint in the header.
func New(core Core, title string) *Model {
	return &Model{
		core:    core,
		refresh: defaultRefresh,
		title:   title,
		keys:    defaultKeyMap(),
		help:    help.New(),
		events:  components.NewEventStream(),
	}
}

// SetProgramSender sets the function used to inject envelopes from the
// link. Must be called before the program runs.
func (m *Model) SetProgramSender(send func(tea.Msg)) {
	m.programSend = send
}

// Init subscribes to every envelope and starts the refresh ticker.
func (m *Model) Init() tea.Cmd {
	if m.programSend != nil && m.sub == nil {
		send := m.programSend
		m.sub = m.core.SubscribeAll(func(_ context.Context, env domain.Envelope) error {
			send(EnvelopeMsg{Envelope: env, At: time.Now()})
			return nil
		})
	}
	m.pull()
	return m.tick()
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) pull() {
	m.snap = m.core.ConnectionStatus()
	m.metrics = m.core.Metrics()
	m.transport = m.core.TransportConnected()
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tickMsg:
		m.pull()
		return m, m.tick()

	case EnvelopeMsg:
		m.events.AddEvent(components.EventEntry{At: msg.At, Envelope: msg.Envelope})
		return m, nil

	case releasedMsg:
		m.notice = fmt.Sprintf("released, %d delivered", msg.Drained)
		m.pull()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.unsubscribe()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Online):
			m.core.ForceOnline()
			m.notice = "forced online"
		case key.Matches(msg, m.keys.Offline):
			m.core.ForceOffline()
			m.notice = "forced offline"
		case key.Matches(msg, m.keys.Clear):
			m.core.ClearOverride()
			m.notice = "override cleared"
		case key.Matches(msg, m.keys.Freeze):
			if m.core.Frozen() {
				m.notice = "releasing..."
				return m, m.releaseCmd()
			}
			m.core.EngageFreeze()
			m.notice = "frozen"
		default:
			var cmd tea.Cmd
			m.events, cmd = m.events.Update(msg)
			return m, cmd
		}
		m.pull()
		return m, nil
	}

	var cmd tea.Cmd
	m.events, cmd = m.events.Update(msg)
	return m, cmd
}

// releaseCmd drains off the update loop: draining dispatches to the
// monitor's own subscription, which sends back into the program.
func (m *Model) releaseCmd() tea.Cmd {
	core := m.core
	return func() tea.Msg {
		return releasedMsg{Drained: core.ReleaseFreeze(context.Background())}
	}
}

func (m *Model) unsubscribe() {
	if m.sub != nil {
		m.sub.Unsubscribe()
		m.sub = nil
	}
}

// Close drops the link subscription.
func (m *Model) Close() { m.unsubscribe() }

func (m *Model) layout() {
	const headerH, footerH = 7, 1
	h := m.height - headerH - footerH - 2
	if h < 3 {
		h = 3
	}
	m.events.SetSize(theme.Clamp(m.width-2, 10, m.width), h)
	m.help.Width = m.width
}

// View renders the monitor.
func (m *Model) View() string {
	if m.width == 0 {
		return "  Initializing..."
	}

	header := theme.Title.Render("M2 link " + theme.SymbolArrowR + " " + m.title)
	cards := lipgloss.JoinHorizontal(lipgloss.Top,
		card("remote", m.remoteLine()),
		card("heartbeat", m.heartbeatLine()),
		card("delivery", m.deliveryLine()),
		card("counters", m.countersLine()),
	)
	events := theme.Panel.Render(m.events.View())

	sb := components.NewStatusBar()
	sb.Help = m.help.View(m.keys)
	sb.Extra = m.notice
	sb.SetWidth(m.width)

	return lipgloss.JoinVertical(lipgloss.Left, header, cards, events, sb.View())
}

func card(label, value string) string {
	return theme.StatCard.Render(theme.StatLabel.Render(label) + "\n" + value)
}

func (m *Model) remoteLine() string {
	var state string
	if m.snap.Online {
		state = theme.TextSuccess.Render(theme.SymbolOnline + " online")
	} else {
		state = theme.TextError.Render(theme.SymbolOffline + " offline")
	}
	if m.snap.ManualOverride {
		state += " " + theme.TextWarning.Render("(override)")
	}
	return state + "\n" + theme.StatValue.Render(fmt.Sprintf("%s  rate %g", fmtDuration(m.snap.Latency), m.snap.Rate))
}

func (m *Model) heartbeatLine() string {
	var state string
	if m.snap.Connected {
		state = theme.TextSuccess.Render(theme.SymbolOnline + " connected")
	} else {
		state = theme.TextError.Render(theme.SymbolOffline + " disconnected")
	}
	transport := "transport down"
	if m.transport {
		transport = "transport up"
	}
	return state + "\n" + theme.StatValue.Render("rtt "+fmtDuration(m.snap.RoundTrip)) + " " + theme.TextMuted.Render(transport)
}

func (m *Model) deliveryLine() string {
	if m.metrics.Frozen {
		return theme.TextWarning.Render(theme.SymbolFrozen+" frozen") + "\n" +
			theme.StatValue.Render(fmt.Sprintf("%d queued", m.metrics.Pending))
	}
	return theme.TextSuccess.Render("flowing") + "\n" + theme.TextMuted.Render("0 queued")
}

func (m *Model) countersLine() string {
	parts := []string{
		fmt.Sprintf("in %d", m.metrics.FramesIn),
		fmt.Sprintf("bad %d", m.metrics.MalformedFrames),
		fmt.Sprintf("fail %d", m.metrics.HandlerFailures),
	}
	second := []string{
		fmt.Sprintf("timeouts %d", m.metrics.HeartbeatTimeouts),
		fmt.Sprintf("reconnects %d", m.metrics.Reconnects),
	}
	sep := " " + theme.SymbolBullet + " "
	return strings.Join(parts, sep) + "\n" + theme.TextMuted.Render(strings.Join(second, sep))
}

func fmtDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(100 * time.Microsecond).String()
}
