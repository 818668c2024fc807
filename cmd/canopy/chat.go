package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/drewfead/canopy/internal/config"
	"github.com/drewfead/canopy/internal/logging"
	"github.com/drewfead/canopy/internal/runner"
	"github.com/drewfead/canopy/internal/session"
)

func newChatCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <worktree>",
		Short: "Talk to the assistant in a worktree",
		Long: `Open a session in the worktree and read messages from stdin, one per line.
The session is closed on EOF or interrupt; resume it later with --resume.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resume, _ := cmd.Flags().GetString("resume")
			return a.chat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), args[0], resume)
		},
	}
	cmd.Flags().StringP("resume", "r", "", "Resume a terminated session by id")
	return cmd
}

// chatView prints the events of one session and signals turn boundaries.
type chatView struct {
	out   io.Writer
	id    string
	width int

	readyOnce sync.Once
	exitOnce  sync.Once
	ready     chan struct{} // assistant accepted the session
	turnDone  chan struct{}
	exited    chan struct{}
}

func (a *app) chat(ctx context.Context, in io.Reader, out io.Writer, worktreeRef, resume string) error {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		err := config.Watch(watchCtx, a.configPath, func(cfg *config.Config) {
			logging.Info("assistant settings reloaded", "path", a.configPath)
			a.mgr.SetRunnerOptions(runnerOptions(cfg))
		})
		if err != nil {
			logging.Debug("config watch unavailable", "error", err)
		}
	}()

	sub := a.mgr.Subscribe()
	defer sub.Unsubscribe()

	s, err := a.mgr.OpenSession(ctx, worktreeRef, resume)
	if err != nil {
		return err
	}

	v := &chatView{
		out:      out,
		id:       s.ID,
		width:    termWidth(),
		ready:    make(chan struct{}),
		turnDone: make(chan struct{}, 1),
		exited:   make(chan struct{}),
	}
	go v.consume(sub.C())

	fmt.Fprintln(out, renderSessionHeader(s))
	if resume != "" {
		msgs, err := a.mgr.Messages(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintln(out, renderMessage(m, v.width))
		}
	}

	select {
	case <-v.ready:
	case <-v.exited:
		return errors.New("assistant exited before the session started")
	case <-ctx.Done():
		return a.mgr.CloseSession(context.WithoutCancel(ctx), s.ID)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, userStyle.Render("> "))
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return a.mgr.CloseSession(context.WithoutCancel(ctx), s.ID)
			}
			if line == "" {
				continue
			}
			if _, err := a.mgr.SendMessage(ctx, s.ID, line); err != nil {
				return err
			}
			select {
			case <-v.turnDone:
			case <-v.exited:
				return nil
			case <-ctx.Done():
				return a.mgr.CloseSession(context.WithoutCancel(ctx), s.ID)
			}
		case <-v.exited:
			return nil
		case <-ctx.Done():
			fmt.Fprintln(out)
			return a.mgr.CloseSession(context.WithoutCancel(ctx), s.ID)
		}
	}
}

func (v *chatView) consume(events <-chan session.Event) {
	defer v.exitOnce.Do(func() { close(v.exited) })
	for ev := range events {
		switch e := ev.(type) {
		case session.SessionStateChanged:
			if e.SessionID != v.id {
				continue
			}
			switch e.To {
			case runner.StateRunning, runner.StateAwaitingInput:
				v.readyOnce.Do(func() { close(v.ready) })
				if e.To == runner.StateAwaitingInput {
					select {
					case v.turnDone <- struct{}{}:
					default:
					}
				}
			case runner.StateTerminated:
				code := "?"
				if e.ExitCode != nil {
					code = fmt.Sprint(*e.ExitCode)
				}
				fmt.Fprintln(v.out, mutedStyle.Render("session ended (exit "+code+")"))
				return
			}

		case session.MessageAppended:
			if e.Message.SessionID == v.id && e.Message.Role == session.RoleAssistant {
				fmt.Fprintln(v.out)
				fmt.Fprintln(v.out, renderMessage(e.Message, v.width))
			}

		case session.OperationFailed:
			if e.SessionID == v.id {
				fmt.Fprintln(v.out, errorStyle.Render(e.Kind.String()+":")+" "+e.Detail)
			}
		}
	}
}
