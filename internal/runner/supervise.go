package runner

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/drewfead/canopy/internal/logging"
	"github.com/drewfead/canopy/pkg/claudecode"
)

const maxLoggedLine = 200

// supervise owns the process after a successful spawn: it decodes stdout,
// drains stderr, reaps the process and emits the final events.
func (r *Runner) supervise(proc *claudecode.Process, resumeToken string) {
	defer func() {
		if p := logging.CapturePanic(recover(), "session_id", r.opts.SessionID); p != nil {
			proc.Kill()
			r.mu.Lock()
			r.terminateLocked(-1, errors.New("runner panic"))
			r.mu.Unlock()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.drainStderr(proc.Stderr())
	}()

	r.readLoop(proc.Stdout(), claudecode.NewDecoder(resumeToken))
	wg.Wait()

	code, err := proc.Wait()
	r.log.Info("assistant exited", "code", code)

	r.mu.Lock()
	r.terminateLocked(code, err)
	r.mu.Unlock()
}

// readLoop reads stdout until EOF. Lines may exceed any fixed scanner
// buffer, so it reads with ReadBytes.
func (r *Runner) readLoop(stdout io.Reader, dec *claudecode.Decoder) {
	br := bufio.NewReader(stdout)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			events, decErr := dec.Decode(line)
			for _, ev := range events {
				r.forward(ev)
			}
			if decErr != nil {
				r.log.Warn("dropping unreadable assistant output", "error", decErr, "line", truncate(line))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Warn("assistant stdout read failed", "error", err)
			}
			return
		}
	}
}

func (r *Runner) forward(ev claudecode.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case claudecode.Fragment:
		r.events.Push(Fragment{Text: e.Text})
	case claudecode.ResumeToken:
		r.events.Push(ResumeTokenUpdated{Token: e.Token})
	case claudecode.AssistantError:
		r.log.Warn("assistant reported error", "message", e.Message)
		r.events.Push(AssistantError{Message: e.Message})
	case claudecode.TurnComplete:
		r.log.Info("turn complete",
			"cost_usd", e.CostUSD,
			"duration_ms", e.DurationMS,
			"num_turns", e.NumTurns,
			"is_error", e.IsError,
		)
		r.events.Push(TurnComplete{
			Result:   e.Result,
			IsError:  e.IsError,
			CostUSD:  e.CostUSD,
			Duration: time.Duration(e.DurationMS) * time.Millisecond,
		})
		if r.state == StateRunning {
			r.setStateLocked(StateAwaitingInput)
		}
	}
}

func (r *Runner) drainStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if text := bytes.TrimSpace(sc.Bytes()); len(text) > 0 {
			r.log.Debug("assistant stderr", "line", string(text))
		}
	}
	// Keep the pipe drained even past an overlong line.
	io.Copy(io.Discard, stderr)
}

func truncate(line []byte) string {
	line = bytes.TrimSpace(line)
	if len(line) > maxLoggedLine {
		return string(line[:maxLoggedLine]) + "..."
	}
	return string(line)
}
