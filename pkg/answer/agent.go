package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nuclia/nuclia-go/pkg/errs"
)

// Operation is the kind of an agent frame.
type Operation string

const (
	OpQuestion     Operation = "QUESTION"
	OpStart        Operation = "START"
	OpAnswer       Operation = "ANSWER"
	OpAgentRequest Operation = "AGENT_REQUEST"
	OpDone         Operation = "DONE"
	OpError        Operation = "ERROR"
)

// Feedback is the question an agent asks the user.
type Feedback struct {
	RequestID string          `json:"request_id"`
	Question  string          `json:"question,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Frame is one server message.
type Frame struct {
	Operation      Operation       `json:"operation"`
	Step           json.RawMessage `json:"step,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
	PossibleAnswer json.RawMessage `json:"possible_answer,omitempty"`
	GeneratedText  string          `json:"generated_text,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Exception      json.RawMessage `json:"exception,omitempty"`
	Feedback       *Feedback       `json:"feedback,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
}

// PendingRequestID is the id a reply to this frame must carry.
func (f *Frame) PendingRequestID() string {
	if f.Feedback != nil && f.Feedback.RequestID != "" {
		return f.Feedback.RequestID
	}
	return f.RequestID
}

// AnswerText returns the answer payload as text.
func (f *Frame) AnswerText() string {
	return rawText(f.Answer)
}

// Err converts an ERROR frame into an error.
func (f *Frame) Err() error {
	if f.Operation != OpError {
		return nil
	}
	detail := rawText(f.Exception)
	if detail == "" {
		detail = "agent reported an error"
	}
	return &errs.Error{Kind: errs.ErrRemote, Detail: detail}
}

// rawText unwraps a JSON string, a {"detail"|"text"|"answer": "..."}
// object, or returns the raw JSON.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj map[string]any
	if json.Unmarshal(raw, &obj) == nil {
		for _, k := range []string{"detail", "text", "answer"} {
			if v, ok := obj[k].(string); ok {
				return v
			}
		}
	}
	return string(raw)
}

// Conn is the socket a Session runs over. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// State is the session state.
type State int

const (
	StateInit State = iota
	StateStreaming
	StateAwaitingUser
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStreaming:
		return "STREAMING"
	case StateAwaitingUser:
		return "AWAITING_USER"
	case StateTerminal:
		return "TERMINAL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrReplyPending is returned by Next while the agent waits for Reply.
var ErrReplyPending = errors.New("agent is waiting for a reply")

type question struct {
	Question  string            `json:"question"`
	Headers   map[string]string `json:"headers"`
	Operation Operation         `json:"operation"`
}

type reply struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

type received struct {
	frame Frame
	err   error
}

// Session drives one agent dialogue. Frames that arrive while the agent
// waits for the user are buffered and delivered after Reply.
type Session struct {
	conn   Conn
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	pending string

	frames    chan received
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	stop      func() bool
}

// NewSession wraps an open socket.
func NewSession(conn Conn) *Session {
	return &Session{
		conn:   conn,
		logger: slog.Default(),
		frames: make(chan received, 64),
		done:   make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ask sends the question and starts reading. Cancelling ctx closes the
// socket at any later point.
func (s *Session) Ask(ctx context.Context, text string, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInit {
		return fmt.Errorf("cannot ask in state %s", s.state)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if err := s.conn.WriteJSON(question{Question: text, Headers: headers, Operation: OpQuestion}); err != nil {
		s.state = StateTerminal
		s.closeLocked()
		return &errs.Error{Kind: errs.ErrRemote, Detail: err.Error()}
	}

	s.state = StateStreaming
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	go s.readLoop()
	return nil
}

func (s *Session) readLoop() {
	for {
		var f Frame
		err := s.conn.ReadJSON(&f)
		if err != nil && isMalformed(err) {
			s.logger.Warn("Skipping malformed agent frame", "error", err)
			continue
		}
		select {
		case s.frames <- received{frame: f, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func isMalformed(err error) bool {
	var syntax *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syntax) || errors.As(err, &typ)
}

// Next returns the next frame. It returns io.EOF once the session has
// ended and ErrReplyPending while an AGENT_REQUEST is unanswered.
func (s *Session) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateInit:
		return nil, errors.New("no question asked")
	case StateAwaitingUser:
		return nil, ErrReplyPending
	case StateTerminal:
		return nil, io.EOF
	}

	select {
	case <-ctx.Done():
		s.terminate()
		return nil, fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
	case <-s.done:
		s.terminate()
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", errs.ErrCancelled, err)
		}
		return nil, io.EOF
	case r := <-s.frames:
		return s.handle(r)
	}
}

func (s *Session) handle(r received) (*Frame, error) {
	if r.err != nil {
		s.terminate()
		if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(r.err, io.EOF) {
			return nil, io.EOF
		}
		select {
		case <-s.done:
			return nil, io.EOF
		default:
		}
		return nil, &errs.Error{Kind: errs.ErrRemote, Detail: r.err.Error()}
	}

	f := r.frame
	switch f.Operation {
	case OpAgentRequest:
		s.mu.Lock()
		s.state = StateAwaitingUser
		s.pending = f.PendingRequestID()
		s.mu.Unlock()
	case OpDone, OpError:
		s.terminate()
	}
	return &f, nil
}

// Reply answers the pending AGENT_REQUEST. It is the only frame sent
// between the request and the resumed stream.
func (s *Session) Reply(response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitingUser {
		return fmt.Errorf("no pending agent request in state %s", s.state)
	}
	if err := s.conn.WriteJSON(reply{RequestID: s.pending, Response: response}); err != nil {
		s.state = StateTerminal
		s.closeLocked()
		return &errs.Error{Kind: errs.ErrRemote, Detail: err.Error()}
	}
	s.pending = ""
	s.state = StateStreaming
	return nil
}

// Frames iterates until the session ends. On an AGENT_REQUEST the loop
// body must call Reply before continuing.
func (s *Session) Frames(ctx context.Context) iter.Seq2[*Frame, error] {
	return func(yield func(*Frame, error) bool) {
		for {
			f, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

func (s *Session) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminal
	s.closeLocked()
}

// Close ends the session and closes the socket. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminal
	s.closeLocked()
	return s.closeErr
}

func (s *Session) closeLocked() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
		s.closeErr = s.conn.Close()
	})
}
