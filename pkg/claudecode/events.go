// Package claudecode speaks the Claude Code CLI's stream-json protocol and
// manages the CLI process.
package claudecode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event is a decoded protocol event. The set of implementations is closed:
// Fragment, TurnComplete, ResumeToken and AssistantError.
type Event interface {
	isEvent()
}

// Fragment is a piece of assistant text within the current turn.
type Fragment struct {
	Text string
}

// TurnComplete marks the end of a turn.
type TurnComplete struct {
	// Result is the CLI's summary text for the turn.
	Result     string
	IsError    bool
	CostUSD    float64
	DurationMS int64
	NumTurns   int
}

// ResumeToken carries the identifier that lets a later process resume this
// conversation. It is emitted only when the value changes.
type ResumeToken struct {
	Token string
}

// AssistantError reports an error record from the CLI.
type AssistantError struct {
	Message string
}

func (Fragment) isEvent()       {}
func (TurnComplete) isEvent()   {}
func (ResumeToken) isEvent()    {}
func (AssistantError) isEvent() {}

// ErrUnknownRecord is returned for well-formed records of a type the decoder
// does not understand.
var ErrUnknownRecord = errors.New("unknown record type")

// Record types that carry nothing for the conversation log (tool traffic
// echoed back as user records, partial stream deltas, hook notices).
var ignoredTypes = map[string]bool{
	"user":         true,
	"tool_use":     true,
	"tool_result":  true,
	"stream_event": true,
}

// record is the envelope shared by all stream-json output lines.
type record struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	// result records
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`

	// error records
	Error json.RawMessage `json:"error,omitempty"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Decoder turns stream-json output lines into Events. It remembers the last
// resume token so that repeated session ids are not re-emitted. A Decoder is
// not safe for concurrent use.
type Decoder struct {
	token string
}

// NewDecoder returns a decoder. lastToken is the token already known to the
// caller, if any.
func NewDecoder(lastToken string) *Decoder {
	return &Decoder{token: lastToken}
}

// Decode parses one output line. Blank lines and ignored record types yield
// no events. Malformed JSON and unknown record types return an error; the
// caller should log and continue.
//
//	{"type":"system","subtype":"init","session_id":"..."}
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."}]},"session_id":"..."}
//	{"type":"result","subtype":"success","result":"...","session_id":"..."}
func (d *Decoder) Decode(line []byte) ([]Event, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, nil
	}

	var rec record
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	if rec.Type == "" {
		return nil, fmt.Errorf("malformed record: missing type")
	}

	var events []Event
	if rec.SessionID != "" && rec.SessionID != d.token {
		d.token = rec.SessionID
		events = append(events, ResumeToken{Token: rec.SessionID})
	}

	switch rec.Type {
	case "system":
		// init and other system notices only matter for their session id.

	case "assistant":
		text, err := assistantText(rec.Message)
		if err != nil {
			return events, err
		}
		if text != "" {
			events = append(events, Fragment{Text: text})
		}

	case "result":
		events = append(events, TurnComplete{
			Result:     rec.Result,
			IsError:    rec.IsError || strings.HasPrefix(rec.Subtype, "error"),
			CostUSD:    rec.TotalCostUSD,
			DurationMS: rec.DurationMS,
			NumTurns:   rec.NumTurns,
		})

	case "error":
		events = append(events, AssistantError{Message: errorMessage(rec.Error)})

	default:
		if !ignoredTypes[rec.Type] {
			return events, fmt.Errorf("%w: %q", ErrUnknownRecord, rec.Type)
		}
	}

	return events, nil
}

// Token returns the most recent resume token seen.
func (d *Decoder) Token() string {
	return d.token
}

func assistantText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var msg assistantMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", fmt.Errorf("malformed assistant message: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// errorMessage accepts both {"error":{"message":"..."}} and {"error":"..."}.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return string(raw)
}

// userTurn is the stream-json input envelope for one user message.
type userTurn struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EncodeUserTurn returns the newline-terminated input line for text.
func EncodeUserTurn(text string) ([]byte, error) {
	data, err := json.Marshal(userTurn{
		Type:    "user",
		Message: userMessage{Role: "user", Content: text},
	})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
