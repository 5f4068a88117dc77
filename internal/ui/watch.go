// Package ui is the terminal watcher for the realtime gateway.
package ui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/gateway"
	"github.com/rovshanmuradov/rangeguard/internal/ui/style"
)

// MaxChanges is how many status changes the watcher keeps on screen.
const MaxChanges = 20

type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateError
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// WatchModel shows connection status, registered positions and recent changes.
type WatchModel struct {
	dial      DialFunc
	positions []domain.Position

	conn       Conn
	state      ConnState
	err        error
	registered int
	tracked    []domain.Position
	changes    []domain.PositionStatusChange
	notice     string

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  style.WatchStyles
	width   int
}

// NewWatchModel builds the watcher. positions, when non-empty, are
// registered on every (re)connect.
func NewWatchModel(dial DialFunc, positions []domain.Position) *WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &WatchModel{
		dial:      dial,
		positions: positions,
		state:     StateConnecting,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		spinner:   sp,
		styles:    style.NewWatchStyles(style.DefaultPalette()),
	}
}

func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, dialCmd(m.dial))
}

func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ConnectedMsg:
		m.conn = msg.Conn
		m.state = StateConnected
		m.err = nil
		return m, tea.Batch(listen(m.conn), registerCmd(m.conn, m.positions))

	case ConnErrorMsg:
		m.state = StateError
		m.err = msg.Err
		return m, nil

	case ClosedMsg:
		m.conn = nil
		if msg.Err != nil {
			m.state = StateError
			m.err = msg.Err
		} else {
			m.state = StateDisconnected
		}
		return m, nil

	case EnvelopeMsg:
		m.handleEnvelope(msg.Envelope)
		if m.conn == nil {
			return m, nil
		}
		return m, listen(m.conn)
	}
	return m, nil
}

func (m *WatchModel) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.conn != nil {
			_ = m.conn.Close()
		}
		return tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Refresh):
		if m.conn != nil && m.state == StateConnected {
			return refreshCmd(m.conn)
		}
	case key.Matches(msg, m.keys.Reconnect):
		if m.state == StateError || m.state == StateDisconnected {
			m.state = StateConnecting
			m.err = nil
			return dialCmd(m.dial)
		}
	}
	return nil
}

func (m *WatchModel) handleEnvelope(env gateway.Envelope) {
	switch env.Type {
	case gateway.TypePositionsRegistered:
		var ack gateway.PositionsRegistered
		if json.Unmarshal(env.Data, &ack) == nil && ack.Success {
			m.registered = ack.Count
		}

	case gateway.TypePositionUpdatesList:
		var list gateway.PositionUpdatesList
		if json.Unmarshal(env.Data, &list) == nil {
			m.tracked = list.Positions
		}

	case gateway.TypePositionStatusChange:
		change, err := gateway.DecodeStatusChange(env)
		if err != nil {
			m.notice = err.Error()
			return
		}
		m.recordChange(change)

	case gateway.TypeNotificationSent, gateway.TypeNotificationFailed:
		var n domain.Notification
		if json.Unmarshal(env.Data, &n) == nil {
			m.notice = fmt.Sprintf("notification %s: %s", n.Status, n.Message)
		}

	case gateway.TypeError:
		var e gateway.ErrorMessage
		if json.Unmarshal(env.Data, &e) == nil {
			m.notice = "gateway error: " + e.Message
		}
	}
}

// recordChange keeps the newest MaxChanges changes, newest first, and
// mirrors the new status into the tracked list.
func (m *WatchModel) recordChange(change domain.PositionStatusChange) {
	m.changes = append([]domain.PositionStatusChange{change}, m.changes...)
	if len(m.changes) > MaxChanges {
		m.changes = m.changes[:MaxChanges]
	}
	for i := range m.tracked {
		if m.tracked[i].ID == change.Position.ID {
			m.tracked[i].IsInRange = change.CurrentStatus
		}
	}
}

func (m *WatchModel) State() ConnState { return m.state }

func (m *WatchModel) Registered() int { return m.registered }

func (m *WatchModel) Changes() []domain.PositionStatusChange {
	return append([]domain.PositionStatusChange(nil), m.changes...)
}

func (m *WatchModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Header.Render(m.headerLine()))
	b.WriteString("\n")

	if m.notice != "" {
		b.WriteString(m.styles.Muted.Render(m.notice))
		b.WriteString("\n")
	}

	b.WriteString(m.styles.Section.Render(fmt.Sprintf("Positions (%d)", len(m.tracked))))
	b.WriteString("\n")
	if len(m.tracked) == 0 {
		b.WriteString(m.styles.Muted.Render("  none registered"))
		b.WriteString("\n")
	}
	for _, p := range m.tracked {
		b.WriteString("  " + m.positionLine(p) + "\n")
	}

	b.WriteString(m.styles.Section.Render(fmt.Sprintf("Recent changes (%d)", len(m.changes))))
	b.WriteString("\n")
	if len(m.changes) == 0 {
		b.WriteString(m.styles.Muted.Render("  waiting for price moves"))
		b.WriteString("\n")
	}
	for _, c := range m.changes {
		b.WriteString("  " + m.changeLine(c) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m *WatchModel) headerLine() string {
	var status string
	switch m.state {
	case StateConnecting:
		status = m.styles.Connecting.Render(m.spinner.View() + " connecting")
	case StateConnected:
		status = m.styles.Connected.Render("● connected")
	case StateError:
		status = m.styles.Failed.Render("● error")
		if m.err != nil {
			status += m.styles.Muted.Render(" " + m.err.Error())
		}
	default:
		status = m.styles.Muted.Render("○ disconnected")
	}

	return lipgloss.JoinHorizontal(lipgloss.Top,
		m.styles.Title.Render("Range Watch"),
		"  ", status,
		"  ", m.styles.Muted.Render(fmt.Sprintf("registered: %d", m.registered)),
	)
}

func (m *WatchModel) positionLine(p domain.Position) string {
	rangeText := "no range"
	if p.HasRange() {
		rangeText = fmt.Sprintf("%.4f-%.4f", *p.PriceLower, *p.PriceUpper)
	}
	status := m.styles.InRange.Render("in range")
	if !p.IsInRange {
		status = m.styles.OutOfRange.Render("OUT OF RANGE")
	}
	return fmt.Sprintf("%-12s %-12s %-22s %s", p.ID, p.PairLabel(), rangeText, status)
}

func (m *WatchModel) changeLine(c domain.PositionStatusChange) string {
	at := c.Timestamp.Format("15:04:05")
	if c.WentOutOfRange() {
		return fmt.Sprintf("%s %s %s at $%.4f", m.styles.Muted.Render(at), c.Position.ID,
			m.styles.OutOfRange.Render("left range"), c.Price)
	}
	return fmt.Sprintf("%s %s %s at $%.4f", m.styles.Muted.Render(at), c.Position.ID,
		m.styles.InRange.Render("back in range"), c.Price)
}
