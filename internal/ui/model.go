// ABOUTME: Bubbletea model for the showtime transport monitor
// ABOUTME: Polls the transport every interval and maps keys to transport requests
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Resonate-Protocol/resonate-transport/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

// DefaultInterval between queries
const DefaultInterval = 100 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	stateColors = map[transport.State]lipgloss.Color{
		transport.StateStopped:  lipgloss.Color("245"),
		transport.StateStarting: lipgloss.Color("220"),
		transport.StateRolling:  lipgloss.Color("42"),
	}
)

// Model is the showtime TUI state
type Model struct {
	transport Transport
	title     string
	interval  time.Duration

	state   transport.State
	pos     transport.Position
	lastErr error

	// remote transports only
	clock    *protocol.ClockStats
	ageMicro int64

	quitting bool
}

type tickMsg time.Time

// NewModel creates a model polling t
func NewModel(t Transport, title string) Model {
	m := Model{transport: t, title: title, interval: DefaultInterval}
	m.refresh()
	return m
}

// Init starts the poll ticker
func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tickMsg:
		m.refresh()
		return m, m.tick()
	}
	return m, nil
}

func (m *Model) refresh() {
	m.state, m.pos = m.transport.Query()

	if r, ok := m.transport.(ClockReporter); ok {
		stats := r.ClockStats()
		m.clock = &stats
		m.ageMicro = r.ServerMicros() - int64(m.pos.Usecs)
	}
}

// handleKey maps keys to transport requests
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var err error

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case " ":
		if m.state == transport.StateStopped {
			err = m.transport.Start()
		} else {
			err = m.transport.Stop()
		}
	case "left":
		step := m.second()
		if m.pos.Frame > step {
			err = m.transport.Locate(m.pos.Frame - step)
		} else {
			err = m.transport.Locate(0)
		}
	case "right":
		err = m.transport.Locate(m.pos.Frame + m.second())
	case "home":
		err = m.transport.Locate(0)
	default:
		return m, nil
	}

	m.lastErr = err
	return m, nil
}

// second is one second of frames at the published rate
func (m Model) second() uint64 {
	if m.pos.FrameRate == 0 {
		return transport.DefaultFrameRate
	}
	return uint64(m.pos.FrameRate)
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")

	b.WriteString(labelStyle.Render("Frame: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.pos.Frame)))
	b.WriteString("\n")

	b.WriteString(labelStyle.Render("State: "))
	b.WriteString(lipgloss.NewStyle().Foreground(stateColors[m.state]).Bold(true).Render(m.state.String()))
	b.WriteString("\n")

	b.WriteString(labelStyle.Render("Time:  "))
	b.WriteString(valueStyle.Render(FormatClock(m.pos)))
	b.WriteString("\n")

	b.WriteString(valueStyle.Render(FormatBBT(m.pos)))
	if m.pos.HasBBT() {
		b.WriteString(valueStyle.Render(fmt.Sprintf("  %g/%g @ %.1f bpm", m.pos.BeatsPerBar, m.pos.BeatType, m.pos.BeatsPerMinute)))
	}
	b.WriteString("\n")

	if m.clock != nil {
		b.WriteString(labelStyle.Render("Clock: "))
		b.WriteString(valueStyle.Render(FormatClockSync(*m.clock, m.ageMicro)))
		b.WriteString("\n")
	}

	if m.lastErr != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.lastErr.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("space:start/stop  ←/→:±1s  home:zero  q:quit"))
	b.WriteString("\n")
	return b.String()
}

// FormatLine renders one plain status line
func FormatLine(state transport.State, pos transport.Position) string {
	return fmt.Sprintf("frame: %7d\tstate: %s\t%s", pos.Frame, state, FormatBBT(pos))
}

// FormatBBT renders bar|beat|tick or [-] without musical fields
func FormatBBT(pos transport.Position) string {
	if !pos.HasBBT() {
		return "BBT: [-]"
	}
	return fmt.Sprintf("BBT: %3d|%d|%04d", pos.Bar, pos.Beat, pos.Tick)
}

// FormatClock renders the frame as minutes:seconds.millis
func FormatClock(pos transport.Position) string {
	rate := uint64(pos.FrameRate)
	if rate == 0 {
		return "--:--.---"
	}
	ms := pos.Frame * 1000 / rate
	return fmt.Sprintf("%02d:%02d.%03d", ms/60000, ms/1000%60, ms%1000)
}

// FormatClockSync renders the remote clock estimate and the age of the shown position
func FormatClockSync(stats protocol.ClockStats, ageMicro int64) string {
	icon := "✗"
	switch stats.Quality {
	case protocol.ClockGood:
		icon = "✓"
	case protocol.ClockDegraded:
		icon = "⚠"
	}
	if stats.Samples == 0 {
		return icon + " waiting for server time"
	}
	return fmt.Sprintf("%s offset %+.1fms  rtt %.1fms  age %.0fms",
		icon, float64(stats.Offset)/1000, float64(stats.RTT)/1000, float64(ageMicro)/1000)
}
