package claudecode

import (
	"strings"
)

// DefaultCommand is the assistant executable looked up when none is set.
const DefaultCommand = "claude"

// SpawnOptions configures how to spawn an assistant process.
type SpawnOptions struct {
	// Command is the executable name or path. Empty means DefaultCommand.
	Command string

	// WorkDir is the working directory for the process.
	WorkDir string

	// ResumeToken, when set, is passed via --resume so the process reloads
	// the prior conversation. It is opaque and replayed verbatim.
	ResumeToken string

	// Model specifies which model to use (sonnet, opus, haiku).
	Model string

	// PermissionMode is the permission level (plan, default, etc).
	PermissionMode string

	// AllowedTools restricts which tools the assistant can use.
	AllowedTools []string

	// SystemPrompt is appended to the assistant's system prompt.
	SystemPrompt string

	// Env is appended to the inherited environment.
	Env []string
}

func (o *SpawnOptions) command() string {
	if o.Command == "" {
		return DefaultCommand
	}
	return o.Command
}

// Args builds the command-line arguments. Input and output are both
// line-delimited stream-json.
func (o *SpawnOptions) Args() []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
	}

	if o.ResumeToken != "" {
		args = append(args, "--resume", o.ResumeToken)
	}

	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}

	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}

	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}

	if o.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.SystemPrompt)
	}

	return args
}

// CommandString returns the command line for logging, with long arguments
// shortened.
func (o *SpawnOptions) CommandString() string {
	parts := []string{o.command()}
	for _, arg := range o.Args() {
		if strings.ContainsAny(arg, " \n") {
			if len(arg) > 60 {
				arg = arg[:57] + "..."
			}
			arg = `"` + arg + `"`
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}
