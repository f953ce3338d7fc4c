// ABOUTME: In-memory chat.Sender used by package tests across the bridge
// ABOUTME: Records every outbound call and can be told to fail specific operations

package chattest

import (
	"context"
	"fmt"
	"sync"
)

// Op names recorded in Call.Op.
const (
	OpSend   = "send"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Call is one recorded outbound operation.
type Call struct {
	Op        string
	ChatID    string
	MessageID string
	Text      string
}

// Sender records outbound calls. The zero value is ready to use.
type Sender struct {
	mu     sync.Mutex
	calls  []Call
	nextID int

	// SendErr and UpdateErr, when set, are returned by the matching operation.
	SendErr   error
	UpdateErr error
}

// SendText records a send and returns a sequential message id "om_<n>".
func (s *Sender) SendText(ctx context.Context, chatID, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return "", s.SendErr
	}
	s.nextID++
	id := fmt.Sprintf("om_%d", s.nextID)
	s.calls = append(s.calls, Call{Op: OpSend, ChatID: chatID, MessageID: id, Text: text})
	return id, nil
}

func (s *Sender) UpdateText(ctx context.Context, chatID, messageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	s.calls = append(s.calls, Call{Op: OpUpdate, ChatID: chatID, MessageID: messageID, Text: text})
	return nil
}

func (s *Sender) DeleteMessage(ctx context.Context, chatID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: OpDelete, ChatID: chatID, MessageID: messageID})
}

// SetUpdateErr changes UpdateErr while other goroutines may be calling.
func (s *Sender) SetUpdateErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateErr = err
}

// Calls returns a copy of every recorded call.
func (s *Sender) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Texts returns the text of every call with the given op, in order.
func (s *Sender) Texts(op string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c.Op == op {
			out = append(out, c.Text)
		}
	}
	return out
}

// Last returns the most recent call, or a zero Call.
func (s *Sender) Last() Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return Call{}
	}
	return s.calls[len(s.calls)-1]
}
