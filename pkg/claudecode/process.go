package claudecode

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/drewfead/canopy/internal/executil"
)

// Process is a running assistant CLI. The caller must drain Stdout and
// Stderr to EOF before calling Wait.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	pid    int

	mu          sync.Mutex
	inputClosed bool

	waitOnce sync.Once
	done     chan struct{}
	exitCode int
	waitErr  error
}

// Spawn starts the assistant in opts.WorkDir in its own process group. ctx
// bounds only the launch; the process outlives it.
func Spawn(ctx context.Context, opts *SpawnOptions) (*Process, error) {
	cmd, err := executil.CommandContext(context.WithoutCancel(ctx), opts.command(), opts.Args()...)
	if err != nil {
		return nil, err
	}
	cmd.Dir = opts.WorkDir
	cmd.Env = append(cmd.Env, opts.Env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	select {
	case err := <-started:
		if err != nil {
			stdin.Close()
			stdout.Close()
			stderr.Close()
			return nil, fmt.Errorf("start %s: %w", opts.command(), err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-started; err == nil {
				signalGroup(cmd.Process.Pid, syscall.SIGKILL)
				cmd.Wait()
			}
		}()
		return nil, fmt.Errorf("start %s: %w", opts.command(), ctx.Err())
	}

	return &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		pid:    cmd.Process.Pid,
		done:   make(chan struct{}),
	}, nil
}

// PID returns the process ID.
func (p *Process) PID() int {
	return p.pid
}

// Stdout is the protocol output stream.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Stderr is the diagnostic stream. It never carries protocol records.
func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// SendUserTurn writes one user message to the process.
func (p *Process) SendUserTurn(text string) error {
	line, err := EncodeUserTurn(text)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputClosed {
		return fmt.Errorf("process input closed")
	}
	_, err = p.stdin.Write(line)
	return err
}

// CloseInput closes stdin, which asks the CLI to finish and exit.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputClosed {
		return nil
	}
	p.inputClosed = true
	return p.stdin.Close()
}

// Terminate sends SIGTERM to the process group.
func (p *Process) Terminate() error {
	return signalGroup(p.pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	return signalGroup(p.pid, syscall.SIGKILL)
}

// Wait reaps the process and returns its exit code. A process killed by a
// signal reports -1. Safe to call more than once.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.exitCode = p.cmd.ProcessState.ExitCode()
		if _, ok := err.(*exec.ExitError); !ok {
			p.waitErr = err
		}
		close(p.done)
	})
	return p.exitCode, p.waitErr
}

// Done closes after Wait has reaped the process.
func (p *Process) Done() <-chan struct{} {
	return p.done
}
