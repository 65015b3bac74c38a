// Package sdkbridge drives a coding agent that speaks the SDK WebSocket
// protocol (NDJSON envelopes over a single connection). It hands the agent
// the task prompt, approves every tool request, and turns the final result
// into a stream-json line the harness can parse for usage.
package sdkbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

type State int

const (
	StateWaiting State = iota // no connection yet
	StateInit                 // connected, awaiting system/init
	StateRunning              // prompt sent
	StateDone                 // result received
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// envelope is the union of every message shape read from the wire.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string   `json:"session_id,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Model     string   `json:"model,omitempty"`
	Version   string   `json:"claude_code_version,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	IsError      *bool      `json:"is_error,omitempty"`
	Errors       []string   `json:"errors,omitempty"`
	DurationMs   int        `json:"duration_ms,omitempty"`
	NumTurns     int        `json:"num_turns,omitempty"`
	TotalCostUSD float64    `json:"total_cost_usd,omitempty"`
	Usage        *wireUsage `json:"usage,omitempty"`
}

type controlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type assistantMessage struct {
	Model string     `json:"model,omitempty"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Outcome is what the session learned about the agent's work.
type Outcome struct {
	SessionID           string   `json:"session_id,omitempty"`
	Model               string   `json:"model,omitempty"`
	InputTokens         int      `json:"input_tokens"`
	OutputTokens        int      `json:"output_tokens"`
	CacheReadTokens     int      `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int      `json:"cache_creation_tokens,omitempty"`
	Turns               int      `json:"turns"`
	ToolsUsed           []string `json:"tools_used"`
	DurationMs          int      `json:"duration_ms,omitempty"`
	TotalCostUSD        float64  `json:"total_cost_usd,omitempty"`
	IsError             bool     `json:"is_error"`
	Errors              []string `json:"errors,omitempty"`
	// Completed is false when the connection ended before a result arrived.
	Completed bool `json:"completed"`
}

// Session serves one agent connection. It is not safe for concurrent use.
type Session struct {
	log    zerolog.Logger
	prompt string
	idle   time.Duration

	state   State
	outcome Outcome
	seen    map[string]bool
}

func NewSession(log zerolog.Logger, prompt string, idle time.Duration) *Session {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Session{
		log:     log,
		prompt:  prompt,
		idle:    idle,
		state:   StateWaiting,
		outcome: Outcome{ToolsUsed: []string{}},
		seen:    make(map[string]bool),
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) Outcome() Outcome { return s.outcome }

func (s *Session) setState(st State) {
	s.log.Debug().Stringer("from", s.state).Stringer("to", st).Msg("state change")
	s.state = st
}

// Serve runs the protocol until the agent reports a result. A read that
// stays silent for longer than the idle timeout ends the session.
func (s *Session) Serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(16 << 20)
	s.setState(StateInit)

	for s.state != StateDone {
		readCtx, cancel := context.WithTimeout(ctx, s.idle)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("read in state %s: %w", s.state, err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Int("bytes", len(data)).Msg("malformed message")
			continue
		}
		s.log.Trace().Str("type", env.Type).Str("subtype", env.Subtype).Stringer("state", s.state).Msg("recv")

		replies, err := s.handle(&env)
		if err != nil {
			return fmt.Errorf("handle %s in state %s: %w", env.Type, s.state, err)
		}
		for _, r := range replies {
			if err := conn.Write(ctx, websocket.MessageText, r); err != nil {
				return fmt.Errorf("write reply: %w", err)
			}
		}
	}
	return nil
}

func (s *Session) handle(env *envelope) ([][]byte, error) {
	switch s.state {
	case StateInit:
		return s.handleInit(env)
	case StateRunning:
		return s.handleRunning(env)
	default:
		return nil, fmt.Errorf("unexpected message")
	}
}

func (s *Session) handleInit(env *envelope) ([][]byte, error) {
	if env.Type != "system" || env.Subtype != "init" {
		return nil, fmt.Errorf("expected system/init, got %s/%s", env.Type, env.Subtype)
	}
	s.outcome.SessionID = env.SessionID
	s.outcome.Model = env.Model
	s.log.Info().
		Str("session", env.SessionID).
		Str("model", env.Model).
		Str("version", env.Version).
		Int("tools", len(env.Tools)).
		Msg("agent connected")

	msg, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": s.prompt,
		},
		"parent_tool_use_id": nil,
		"session_id":         env.SessionID,
	})
	if err != nil {
		return nil, err
	}
	s.setState(StateRunning)
	return [][]byte{msg}, nil
}

func (s *Session) handleRunning(env *envelope) ([][]byte, error) {
	switch env.Type {
	case "control_request":
		return s.handleControl(env)
	case "assistant":
		s.outcome.Turns++
		var msg assistantMessage
		if env.Message != nil && json.Unmarshal(env.Message, &msg) == nil {
			if msg.Model != "" {
				s.outcome.Model = msg.Model
			}
			if u := msg.Usage; u != nil {
				s.outcome.InputTokens += u.InputTokens
				s.outcome.OutputTokens += u.OutputTokens
				s.outcome.CacheReadTokens += u.CacheReadInputTokens
				s.outcome.CacheCreationTokens += u.CacheCreationInputTokens
			}
		}
		return nil, nil
	case "result":
		s.handleResult(env)
		return nil, nil
	case "keep_alive", "stream_event", "tool_progress", "tool_use_summary", "system", "auth_status":
		return nil, nil
	default:
		s.log.Debug().Str("type", env.Type).Msg("ignoring unknown message")
		return nil, nil
	}
}

func (s *Session) handleControl(env *envelope) ([][]byte, error) {
	var req controlRequest
	if err := json.Unmarshal(env.Request, &req); err != nil {
		return nil, fmt.Errorf("decoding control request: %w", err)
	}
	if req.Subtype != "can_use_tool" {
		s.log.Debug().Str("subtype", req.Subtype).Msg("ignoring control request")
		return nil, nil
	}
	if req.ToolName != "" && !s.seen[req.ToolName] {
		s.seen[req.ToolName] = true
		s.outcome.ToolsUsed = append(s.outcome.ToolsUsed, req.ToolName)
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	msg, err := json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": env.RequestID,
			"response": map[string]any{
				"behavior":     "allow",
				"updatedInput": input,
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// handleResult takes the result's usage as the authoritative cumulative total.
func (s *Session) handleResult(env *envelope) {
	if u := env.Usage; u != nil {
		s.outcome.InputTokens = u.InputTokens
		s.outcome.OutputTokens = u.OutputTokens
		s.outcome.CacheReadTokens = u.CacheReadInputTokens
		s.outcome.CacheCreationTokens = u.CacheCreationInputTokens
	}
	if env.NumTurns > 0 {
		s.outcome.Turns = env.NumTurns
	}
	s.outcome.DurationMs = env.DurationMs
	s.outcome.TotalCostUSD = env.TotalCostUSD
	s.outcome.IsError = env.IsError != nil && *env.IsError
	s.outcome.Errors = env.Errors
	s.outcome.Completed = true

	ev := s.log.Info()
	if s.outcome.IsError {
		ev = s.log.Warn().Strs("errors", env.Errors)
	}
	ev.Str("subtype", env.Subtype).
		Float64("cost_usd", env.TotalCostUSD).
		Int("turns", s.outcome.Turns).
		Msg("agent finished")
	s.setState(StateDone)
}
