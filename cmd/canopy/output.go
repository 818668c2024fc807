package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/drewfead/canopy/internal/errs"
	"github.com/drewfead/canopy/internal/runner"
	"github.com/drewfead/canopy/internal/session"
	"github.com/drewfead/canopy/internal/worktree"
)

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"}
	colorGood   = lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"}
	colorBad    = lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"}

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	mutedStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorBad)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(colorGood)
	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	addedStyle     = lipgloss.NewStyle().Foreground(colorGood)
	deletedStyle   = lipgloss.NewStyle().Foreground(colorBad)
	hunkStyle      = lipgloss.NewStyle().Foreground(colorAccent)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
)

const (
	idWidth       = 8
	minWrapWidth  = 40
	defaultWrap   = 100
	timeLayout    = "2006-01-02 15:04"
	shortTimeForm = "15:04"
)

func shortID(id string) string {
	if len(id) <= idWidth {
		return id
	}
	return id[:idWidth]
}

func stateStyle(s runner.State) lipgloss.Style {
	switch s {
	case runner.StateRunning:
		return lipgloss.NewStyle().Foreground(colorGood)
	case runner.StateAwaitingInput:
		return lipgloss.NewStyle().Foreground(colorAccent)
	case runner.StateStarting:
		return lipgloss.NewStyle().Foreground(colorWarn)
	default:
		return mutedStyle
	}
}

func renderState(s session.Session) string {
	label := s.State.String()
	if s.Orphaned {
		label += " (orphaned)"
	}
	return stateStyle(s.State).Render(label)
}

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

func renderSessionHeader(s session.Session) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(s.Name))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render(shortID(s.ID)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s", mutedStyle.Render("state:"), renderState(s))
	if s.ExitCode != nil {
		fmt.Fprintf(&b, "  %s %d", mutedStyle.Render("exit:"), *s.ExitCode)
	}
	fmt.Fprintf(&b, "  %s %d", mutedStyle.Render("messages:"), s.MessageCount)
	fmt.Fprintf(&b, "  %s %s", mutedStyle.Render("last active:"), s.LastActivityAt.Local().Format(timeLayout))
	return b.String()
}

func roleHeader(m session.Message) string {
	stamp := mutedStyle.Render(fmt.Sprintf("#%d %s", m.Seq, m.Timestamp.Local().Format(shortTimeForm)))
	if m.Role == session.RoleUser {
		return userStyle.Render("you") + " " + stamp
	}
	return assistantStyle.Render("assistant") + " " + stamp
}

// renderMessage renders user text verbatim and assistant text as Markdown.
func renderMessage(m session.Message, width int) string {
	body := m.Content
	if m.Role == session.RoleAssistant {
		body = renderMarkdown(body, width)
	} else {
		body = lipgloss.NewStyle().PaddingLeft(2).Width(width).Render(body)
	}
	return roleHeader(m) + "\n" + strings.TrimRight(body, "\n") + "\n"
}

func renderMarkdown(content string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return out
}

// renderDiff colors a raw unified diff line by line.
func renderDiff(text string) string {
	var b strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		body := strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(body, "+++"), strings.HasPrefix(body, "---"), strings.HasPrefix(body, "diff "):
			b.WriteString(titleStyle.Render(body))
		case strings.HasPrefix(body, "@@"):
			b.WriteString(hunkStyle.Render(body))
		case strings.HasPrefix(body, "+"):
			b.WriteString(addedStyle.Render(body))
		case strings.HasPrefix(body, "-"):
			b.WriteString(deletedStyle.Render(body))
		default:
			b.WriteString(body)
		}
		if strings.HasSuffix(line, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderFileDiff(d *worktree.FileDiff) string {
	if len(d.Hunks) == 0 {
		return mutedStyle.Render("No changes.") + "\n"
	}
	var b strings.Builder
	name := strings.TrimPrefix(d.NewFile, "b/")
	if d.NewFile == "/dev/null" {
		name = strings.TrimPrefix(d.OldFile, "a/")
	}
	fmt.Fprintf(&b, "%s %s %s\n", titleStyle.Render(name),
		addedStyle.Render(fmt.Sprintf("+%d", d.Additions)),
		deletedStyle.Render(fmt.Sprintf("-%d", d.Deletions)))
	for _, h := range d.Hunks {
		b.WriteString(hunkStyle.Render(h.Header) + "\n")
		oldLine, newLine := h.OldStart, h.NewStart
		for _, l := range h.Lines {
			switch l.Kind {
			case worktree.LineAdded:
				fmt.Fprintf(&b, "%s %s\n", mutedStyle.Render(fmt.Sprintf("%4s %4d", "", newLine)), addedStyle.Render("+"+l.Content))
				newLine++
			case worktree.LineDeleted:
				fmt.Fprintf(&b, "%s %s\n", mutedStyle.Render(fmt.Sprintf("%4d %4s", oldLine, "")), deletedStyle.Render("-"+l.Content))
				oldLine++
			default:
				fmt.Fprintf(&b, "%s  %s\n", mutedStyle.Render(fmt.Sprintf("%4d %4d", oldLine, newLine)), l.Content)
				oldLine++
				newLine++
			}
		}
	}
	return b.String()
}

// termWidth asks the terminal first, then COLUMNS, then falls back to a
// fixed width.
func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		w, err = strconv.Atoi(os.Getenv("COLUMNS"))
	}
	if err != nil || w <= 0 {
		return defaultWrap
	}
	if w-4 < minWrapWidth {
		return minWrapWidth
	}
	return w - 4
}

func errorLine(err error) string {
	kind := errs.KindOf(err)
	if kind == errs.KindUnknown {
		return errorStyle.Render("error:") + " " + err.Error()
	}
	return errorStyle.Render(kind.String()+":") + " " + err.Error()
}

func ago(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format(timeLayout)
	}
}
