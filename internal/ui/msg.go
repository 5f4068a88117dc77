package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/gateway"
)

// Conn is the gateway connection the watcher reads from.
type Conn interface {
	Messages() <-chan gateway.Envelope
	Err() error
	Register(positions []domain.Position) error
	RequestUpdates() error
	Close() error
}

// DialFunc opens a new gateway connection.
type DialFunc func() (Conn, error)

// ConnectedMsg is sent once a dial succeeds.
type ConnectedMsg struct {
	Conn Conn
}

// ConnErrorMsg is sent when a dial or a request fails.
type ConnErrorMsg struct {
	Err error
}

// EnvelopeMsg carries one frame from the gateway.
type EnvelopeMsg struct {
	Envelope gateway.Envelope
}

// ClosedMsg is sent when the gateway connection ends.
type ClosedMsg struct {
	Err error
}

func dialCmd(dial DialFunc) tea.Cmd {
	return func() tea.Msg {
		conn, err := dial()
		if err != nil {
			return ConnErrorMsg{Err: err}
		}
		return ConnectedMsg{Conn: conn}
	}
}

// listen waits for the next frame on conn.
func listen(conn Conn) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-conn.Messages()
		if !ok {
			return ClosedMsg{Err: conn.Err()}
		}
		return EnvelopeMsg{Envelope: env}
	}
}

func registerCmd(conn Conn, positions []domain.Position) tea.Cmd {
	return func() tea.Msg {
		if len(positions) > 0 {
			if err := conn.Register(positions); err != nil {
				return ConnErrorMsg{Err: err}
			}
		}
		if err := conn.RequestUpdates(); err != nil {
			return ConnErrorMsg{Err: err}
		}
		return nil
	}
}

func refreshCmd(conn Conn) tea.Cmd {
	return func() tea.Msg {
		if err := conn.RequestUpdates(); err != nil {
			return ConnErrorMsg{Err: err}
		}
		return nil
	}
}
