package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drewfead/canopy/internal/worktree"
)

func newRepoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage registered repositories",
	}

	add := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a git repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			repo, err := a.mgr.RegisterRepository(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s %s\n", titleStyle.Render(repo.Name), mutedStyle.Render(repo.Path))
			return nil
		},
	}
	add.Flags().StringP("name", "n", "", "Display name (default: directory name)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := a.mgr.Repositories(cmd.Context())
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No repositories registered. Add one with 'canopy repo add <path>'."))
				return nil
			}
			rows := make([][]string, 0, len(repos))
			for _, r := range repos {
				wts, err := a.mgr.Worktrees(cmd.Context(), r.ID)
				if err != nil {
					return err
				}
				branch, err := worktree.CurrentBranch(r.Path)
				if err != nil {
					branch = "?"
				}
				rows = append(rows, []string{shortID(r.ID), r.Name, branch, strconv.Itoa(len(wts)), r.Path})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "BRANCH", "WORKTREES", "PATH"}, rows))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <repo>",
		Short: "Unregister a repository (the repository itself is untouched)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.mgr.UnregisterRepository(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unregistered %s\n", args[0])
			return nil
		},
	}

	branches := &cobra.Command{
		Use:   "branches <repo>",
		Short: "List local and remote branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.mgr.ListBranches(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range b.Local {
				fmt.Fprintln(out, name)
			}
			for _, name := range b.Remote {
				fmt.Fprintln(out, mutedStyle.Render(name))
			}
			return nil
		},
	}

	fetch := &cobra.Command{
		Use:   "fetch <repo>",
		Short: "Fetch remote branches so they can back new worktrees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, _ := cmd.Flags().GetString("remote")
			noPrune, _ := cmd.Flags().GetBool("no-prune")
			if err := a.mgr.Fetch(cmd.Context(), args[0], remote, !noPrune); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fetched %s\n", args[0])
			return nil
		},
	}
	fetch.Flags().String("remote", "origin", "Remote to fetch from")
	fetch.Flags().Bool("no-prune", false, "Keep remote-tracking branches deleted upstream")

	cmd.AddCommand(add, list, remove, branches, fetch)
	return cmd
}

func newWorktreeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worktree",
		Aliases: []string{"wt"},
		Short:   "Manage worktrees",
	}

	create := &cobra.Command{
		Use:   "create <repo> <branch>",
		Short: "Check out a branch into a new worktree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			isNew, _ := cmd.Flags().GetBool("new")
			base, _ := cmd.Flags().GetString("base")
			mode := worktree.ModeExisting
			if isNew || base != "" {
				mode = worktree.ModeNew
			}
			wt, err := a.mgr.CreateWorktree(cmd.Context(), args[0], args[1], mode, base)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s\n", titleStyle.Render(wt.Branch), mutedStyle.Render(wt.Path))
			return nil
		},
	}
	create.Flags().Bool("new", false, "Create the branch from the repository's HEAD")
	create.Flags().String("base", "", "Create the branch from this ref (implies --new)")

	list := &cobra.Command{
		Use:   "list [repo]",
		Short: "List worktrees",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			wts, err := a.mgr.Worktrees(cmd.Context(), ref)
			if err != nil {
				return err
			}
			if len(wts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No worktrees."))
				return nil
			}
			rows := make([][]string, 0, len(wts))
			for _, wt := range wts {
				sessions, err := a.mgr.Sessions(cmd.Context(), wt.ID)
				if err != nil {
					return err
				}
				rows = append(rows, []string{
					shortID(wt.ID), wt.Branch, string(wt.Source), strconv.Itoa(len(sessions)), wt.Path,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "BRANCH", "SOURCE", "SESSIONS", "PATH"}, rows))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <worktree>",
		Short: "Remove a worktree and its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			if err := a.mgr.RemoveWorktree(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
	remove.Flags().BoolP("force", "f", false, "Stop active sessions and discard uncommitted changes")

	status := &cobra.Command{
		Use:   "status <worktree>",
		Short: "Summarize uncommitted changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.mgr.WorktreeStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", titleStyle.Render(st.Branch), mutedStyle.Render(st.Path))
			if st.Clean {
				fmt.Fprintln(out, "clean")
				return nil
			}
			fmt.Fprintf(out, "staged %d  modified %d  untracked %d\n", st.Staged, st.Modified, st.Untracked)
			return nil
		},
	}

	prune := &cobra.Command{
		Use:   "prune <repo>",
		Short: "Drop git records of worktrees whose directories are gone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.mgr.PruneWorktrees(cmd.Context(), args[0]); err != nil {
				return err
			}
			checkouts, err := a.mgr.Checkouts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, c := range checkouts {
				label := c.Branch
				if label == "" {
					label = "(detached " + shortID(c.Head) + ")"
				}
				if c.Primary {
					label += " " + mutedStyle.Render("primary")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", label, mutedStyle.Render(c.Path))
			}
			return nil
		},
	}

	diff := &cobra.Command{
		Use:   "diff <worktree> [file]",
		Short: "Show uncommitted changes",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			staged, _ := cmd.Flags().GetBool("staged")
			stat, _ := cmd.Flags().GetBool("stat")
			files, _ := cmd.Flags().GetBool("files")
			out := cmd.OutOrStdout()

			switch {
			case files:
				changed, err := a.mgr.ChangedFiles(cmd.Context(), args[0], staged)
				if err != nil {
					return err
				}
				if len(changed) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("No changes."))
					return nil
				}
				rows := make([][]string, 0, len(changed))
				for _, f := range changed {
					rows = append(rows, []string{f.Status, "+" + strconv.Itoa(f.Additions), "-" + strconv.Itoa(f.Deletions), f.Path})
				}
				fmt.Fprintln(out, renderTable([]string{"STATUS", "ADD", "DEL", "PATH"}, rows))
			case len(args) == 2:
				fd, err := a.mgr.FileDiff(cmd.Context(), args[0], args[1], staged)
				if err != nil {
					return err
				}
				fmt.Fprint(out, renderFileDiff(fd))
			default:
				text, err := a.mgr.Diff(cmd.Context(), args[0], worktree.DiffOptions{Staged: staged}, stat)
				if err != nil {
					return err
				}
				if strings.TrimSpace(text) == "" {
					fmt.Fprintln(out, mutedStyle.Render("No changes."))
					return nil
				}
				fmt.Fprint(out, renderDiff(text))
			}
			return nil
		},
	}
	diff.Flags().Bool("staged", false, "Show staged changes instead of unstaged ones")
	diff.Flags().Bool("stat", false, "Show a summary instead of the full diff")
	diff.Flags().Bool("files", false, "List changed files with line counts")

	cmd.AddCommand(create, list, remove, status, prune, diff, newCheckpointCmd(a))
	return cmd
}

func newCheckpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Save and restore uncommitted work with git stash",
	}

	create := &cobra.Command{
		Use:   "create <worktree>",
		Short: "Stash the worktree's uncommitted changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, _ := cmd.Flags().GetString("message")
			untracked, _ := cmd.Flags().GetBool("untracked")
			ref, err := a.mgr.CreateCheckpoint(cmd.Context(), args[0], msg, untracked)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", titleStyle.Render(ref))
			return nil
		},
	}
	create.Flags().StringP("message", "m", "", "Checkpoint description")
	create.Flags().BoolP("untracked", "u", false, "Include untracked files")

	list := &cobra.Command{
		Use:   "list <worktree>",
		Short: "List checkpoints taken on the worktree's branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stashes, err := a.mgr.Checkpoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(stashes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No checkpoints."))
				return nil
			}
			rows := make([][]string, 0, len(stashes))
			for _, st := range stashes {
				rows = append(rows, []string{st.Ref, st.Branch, st.Message})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"REF", "BRANCH", "MESSAGE"}, rows))
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore <worktree> [stash-ref]",
		Short: "Apply a checkpoint (default: the newest)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pop, _ := cmd.Flags().GetBool("pop")
			ref := ""
			if len(args) == 2 {
				ref = args[1]
			}
			if err := a.mgr.RestoreCheckpoint(cmd.Context(), args[0], ref, pop); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Restored")
			return nil
		},
	}
	restore.Flags().Bool("pop", false, "Drop the checkpoint after applying it")

	cmd.AddCommand(create, list, restore)
	return cmd
}

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and delete sessions",
	}

	list := &cobra.Command{
		Use:   "list [worktree]",
		Short: "List sessions, optionally for one worktree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			sessions, err := a.mgr.Sessions(cmd.Context(), ref)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No sessions."))
				return nil
			}
			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				wt, err := a.mgr.Worktree(cmd.Context(), s.WorktreeID)
				where := s.WorktreeID
				if err == nil {
					where = wt.Branch + " " + mutedStyle.Render(filepath.Base(wt.Path))
				}
				rows = append(rows, []string{
					shortID(s.ID), s.Name, renderState(s), strconv.Itoa(s.MessageCount), where, ago(s.LastActivityAt),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "NAME", "STATE", "MSGS", "WORKTREE", "ACTIVE"}, rows))
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <session>",
		Short: "Print a session's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.mgr.Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			msgs, err := a.mgr.Messages(cmd.Context(), s.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderSessionHeader(s))
			fmt.Fprintln(out)
			width := termWidth()
			for _, m := range msgs {
				fmt.Fprintln(out, renderMessage(m, width))
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <session>...",
		Short: "Delete terminated sessions and their history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var failed []string
			for _, id := range args {
				if err := a.mgr.DeleteSession(cmd.Context(), id); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), errorLine(err))
					failed = append(failed, id)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			if len(failed) > 0 {
				return fmt.Errorf("could not delete %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
