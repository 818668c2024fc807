package claudecode

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    []Event
		wantErr bool
		unknown bool
	}{
		{
			name: "SystemInitCarriesToken",
			line: `{"type":"system","subtype":"init","session_id":"tok-1","tools":[]}`,
			want: []Event{ResumeToken{Token: "tok-1"}},
		},
		{
			name: "AssistantText",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"},{"type":"tool_use","name":"Bash"},{"type":"text","text":" there"}]}}`,
			want: []Event{Fragment{Text: "hi there"}},
		},
		{
			name: "AssistantToolOnly",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{}}]}}`,
			want: nil,
		},
		{
			name: "ResultSuccess",
			line: `{"type":"result","subtype":"success","result":"done","total_cost_usd":0.02,"duration_ms":1500,"num_turns":2}`,
			want: []Event{TurnComplete{Result: "done", CostUSD: 0.02, DurationMS: 1500, NumTurns: 2}},
		},
		{
			name: "ResultError",
			line: `{"type":"result","subtype":"error_max_turns","result":""}`,
			want: []Event{TurnComplete{IsError: true}},
		},
		{
			name: "ErrorObject",
			line: `{"type":"error","error":{"message":"overloaded"}}`,
			want: []Event{AssistantError{Message: "overloaded"}},
		},
		{
			name: "ErrorString",
			line: `{"type":"error","error":"bad request"}`,
			want: []Event{AssistantError{Message: "bad request"}},
		},
		{
			name: "UserEchoIgnored",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`,
			want: nil,
		},
		{
			name: "BlankLine",
			line: "   ",
			want: nil,
		},
		{
			name:    "Malformed",
			line:    `Warning: something on the wrong stream`,
			wantErr: true,
		},
		{
			name:    "MissingType",
			line:    `{"foo":1}`,
			wantErr: true,
		},
		{
			name:    "UnknownType",
			line:    `{"type":"telemetry"}`,
			wantErr: true,
			unknown: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDecoder("").Decode([]byte(tt.line))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.unknown, errors.Is(err, ErrUnknownRecord))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecoderEmitsTokenOnlyOnChange(t *testing.T) {
	d := NewDecoder("tok-0")

	got, err := d.Decode([]byte(`{"type":"system","subtype":"init","session_id":"tok-0"}`))
	require.NoError(t, err)
	assert.Empty(t, got, "known token must not be re-emitted")

	got, err = d.Decode([]byte(`{"type":"assistant","session_id":"tok-1","message":{"content":[{"type":"text","text":"a"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, []Event{ResumeToken{Token: "tok-1"}, Fragment{Text: "a"}}, got)

	got, err = d.Decode([]byte(`{"type":"result","session_id":"tok-1","result":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, []Event{TurnComplete{Result: "a"}}, got)
	assert.Equal(t, "tok-1", d.Token())
}

func TestEncodeUserTurn(t *testing.T) {
	line, err := EncodeUserTurn("hello \"world\"\nsecond line")
	require.NoError(t, err)
	require.Equal(t, byte('\n'), line[len(line)-1])
	assert.NotContains(t, string(line[:len(line)-1]), "\n", "payload must stay on one line")

	var decoded struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "user", decoded.Type)
	assert.Equal(t, "user", decoded.Message.Role)
	assert.Equal(t, "hello \"world\"\nsecond line", decoded.Message.Content)
}

func TestSpawnOptionsArgs(t *testing.T) {
	t.Run("Fresh", func(t *testing.T) {
		args := (&SpawnOptions{}).Args()
		assert.Equal(t, []string{
			"--print", "--verbose",
			"--output-format", "stream-json",
			"--input-format", "stream-json",
		}, args)
	})

	t.Run("ResumeAndTuning", func(t *testing.T) {
		opts := &SpawnOptions{
			ResumeToken:    "tok-9",
			Model:          "opus",
			PermissionMode: "plan",
			AllowedTools:   []string{"Read", "Grep"},
			SystemPrompt:   "be brief",
		}
		args := opts.Args()
		assert.Subset(t, args, []string{"--resume", "tok-9", "--model", "opus", "--permission-mode", "plan", "--allowedTools", "Read,Grep", "--append-system-prompt", "be brief"})
		assert.NotContains(t, args, "--session-id")
	})

	t.Run("CommandString", func(t *testing.T) {
		opts := &SpawnOptions{Command: "/opt/claude", SystemPrompt: "a prompt with spaces"}
		assert.Contains(t, opts.CommandString(), `/opt/claude --print`)
		assert.Contains(t, opts.CommandString(), `"a prompt with spaces"`)
	})
}
