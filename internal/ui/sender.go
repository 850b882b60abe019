package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// Sender forwards messages into the running Bubble Tea program. The
// program only exists after the root model has been built, so the
// boundary controller gets a Sender up front and the program's Send is
// attached just before Run.
type Sender struct {
	mu   sync.Mutex
	send func(tea.Msg)
}

// Attach sets the destination. Messages sent before Attach are dropped.
func (s *Sender) Attach(send func(tea.Msg)) {
	s.mu.Lock()
	s.send = send
	s.mu.Unlock()
}

// Send delivers msg to the program, if one is attached.
func (s *Sender) Send(msg tea.Msg) {
	s.mu.Lock()
	send := s.send
	s.mu.Unlock()
	if send != nil {
		send(msg)
	}
}
