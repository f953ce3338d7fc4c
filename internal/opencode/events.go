// ABOUTME: Server-sent event subscription to the OpenCode /event channel
// ABOUTME: Decodes the JSON payloads into a closed set of typed event variants

package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event types the relay acts on.
const (
	TypePartUpdated  = "message.part.updated"
	TypeSessionError = "session.error"
)

// Event is one decoded server event. The concrete type is one of
// PartUpdated, SessionError or Unknown.
type Event interface {
	EventType() string
	isEvent()
}

// PartUpdated reports new content for one message part. When HasDelta is set
// Delta is an increment to append; otherwise Part.Text is the full part text.
type PartUpdated struct {
	SessionID string
	Part      Part
	Delta     string
	HasDelta  bool
}

// SessionError reports a failure inside a session.
type SessionError struct {
	SessionID string
	Message   string
}

// Unknown is any event the bridge does not handle.
type Unknown struct {
	Type string
}

func (PartUpdated) EventType() string  { return TypePartUpdated }
func (SessionError) EventType() string { return TypeSessionError }
func (u Unknown) EventType() string    { return u.Type }

func (PartUpdated) isEvent()  {}
func (SessionError) isEvent() {}
func (Unknown) isEvent()      {}

type rawEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type partUpdatedProps struct {
	SessionID string  `json:"sessionID"`
	Part      Part    `json:"part"`
	Delta     *string `json:"delta"`
}

type sessionErrorProps struct {
	SessionID string          `json:"sessionID"`
	Error     json.RawMessage `json:"error"`
}

type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

// DecodeEvent parses one event payload.
func DecodeEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	switch raw.Type {
	case TypePartUpdated:
		var p partUpdatedProps
		if err := json.Unmarshal(raw.Properties, &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", raw.Type, err)
		}
		ev := PartUpdated{SessionID: p.Part.SessionID, Part: p.Part}
		if ev.SessionID == "" {
			ev.SessionID = p.SessionID
		}
		if p.Delta != nil {
			ev.Delta, ev.HasDelta = *p.Delta, true
		}
		return ev, nil

	case TypeSessionError:
		var p sessionErrorProps
		if err := json.Unmarshal(raw.Properties, &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", raw.Type, err)
		}
		return SessionError{SessionID: p.SessionID, Message: errorMessage(p.Error)}, nil

	default:
		return Unknown{Type: raw.Type}, nil
	}
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "unknown error"
	}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Data.Message != "":
			return body.Data.Message
		case body.Message != "":
			return body.Message
		case body.Name != "":
			return body.Name
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return string(raw)
}

// Stream is an open event subscription.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Subscribe opens the event channel. The stream ends when ctx is cancelled,
// the server closes it, or Close is called.
func (c *Client) Subscribe(ctx context.Context) (*Stream, error) {
	resp, err := c.send(ctx, http.MethodGet, "/event", nil, "text/event-stream")
	if err != nil {
		return nil, fmt.Errorf("subscribing to events: %w", err)
	}
	return NewStream(resp.Body), nil
}

// NewStream reads server-sent events from body.
func NewStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return &Stream{body: body, scanner: scanner}
}

// Next blocks for the next event. It returns io.EOF when the server ends the
// stream. Payloads that fail to decode are skipped.
func (s *Stream) Next() (Event, error) {
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Empty line terminates an event
		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			ev, err := DecodeEvent([]byte(strings.Join(dataLines, "\n")))
			dataLines = nil
			if err != nil {
				continue
			}
			return ev, nil
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// event:, id:, retry: and comments carry nothing the payload lacks
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	return nil, io.EOF
}

// Close releases the connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
