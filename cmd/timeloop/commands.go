package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/timeloop/core/branch"
	"github.com/davidahmann/timeloop/core/codec"
	coreerrors "github.com/davidahmann/timeloop/core/errors"
	"github.com/davidahmann/timeloop/core/model"
	"github.com/davidahmann/timeloop/core/session"
	"github.com/davidahmann/timeloop/core/storage"
	"github.com/spf13/cobra"
)

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "timeloop",
		Short:         "Inspect and maintain recorded terminal sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.configure(cmd)
		},
	}
	a.bindGlobalFlags(root)
	root.AddCommand(
		newVersionCommand(a),
		newListCommand(a),
		newNewCommand(a),
		newEndCommand(a),
		newDeleteCommand(a),
		newTreeCommand(a),
		newSummaryCommand(a),
		newTimelineCommand(a),
		newEventsCommand(a),
		newBranchCommand(a),
		newBranchesCommand(a),
		newMergeCommand(a),
		newDeleteBranchCommand(a),
		newExportCommand(a),
		newExportAllCommand(a),
		newImportCommand(a),
		newCompactCommand(a),
		newRekeyCommand(a),
		newStatsCommand(a),
	)
	return root
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return a.emit(map[string]string{"version": version}, func(w io.Writer) {
				fmt.Fprintln(w, "timeloop", version)
			})
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			sessions, err := session.NewManager(handle).List()
			if err != nil {
				return err
			}
			return a.emit(sessions, func(w io.Writer) {
				if len(sessions) == 0 {
					fmt.Fprintln(w, "no sessions")
					return
				}
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Name, s.CreatedAt.Format(time.DateTime))
				}
			})
		},
	}
}

func newNewCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new <name>",
		Short: "Create an empty session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			created, err := session.NewManager(handle).Create(args[0])
			if err != nil {
				return err
			}
			return a.emit(created, func(w io.Writer) {
				fmt.Fprintf(w, "created session %s (%s)\n", created.ID, created.Name)
			})
		},
	}
}

func newEndCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "Mark a session as ended",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			ended, err := session.NewManager(handle).End(args[0])
			if err != nil {
				return err
			}
			return a.emit(ended, func(w io.Writer) {
				fmt.Fprintf(w, "ended session %s at %s\n", ended.ID, ended.EndedAt.Format(time.RFC3339))
			})
		},
	}
}

func newDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			manager := session.NewManager(handle)
			if _, err := manager.Get(args[0]); err != nil {
				return err
			}
			if err := manager.Delete(args[0]); err != nil {
				return err
			}
			return a.emit(map[string]string{"deleted": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted session %s\n", args[0])
			})
		},
	}
}

func newTreeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show sessions nested under their parents",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			tree, err := session.NewManager(handle).Tree()
			if err != nil {
				return err
			}
			return a.emit(tree, func(w io.Writer) {
				session.Walk(tree, func(node session.Node, depth int) {
					fmt.Fprintf(w, "%s%s %s\n", strings.Repeat("  ", depth), node.Session.ID, node.Session.Name)
				})
			})
		},
	}
}

func newSummaryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <session-id>",
		Short: "Summarize commands and file changes in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			summary, err := session.NewManager(handle).Summary(args[0])
			if err != nil {
				return err
			}
			return a.emit(summary, func(w io.Writer) {
				fmt.Fprintf(w, "session:   %s (%s)\n", summary.Name, summary.SessionID)
				fmt.Fprintf(w, "duration:  %s\n", summary.Duration)
				fmt.Fprintf(w, "events:    %d\n", summary.Events)
				fmt.Fprintf(w, "commands:  %d\n", summary.CommandsExecuted)
				fmt.Fprintf(w, "files:     %d\n", summary.FilesModified)
				if summary.LastCommand != "" {
					fmt.Fprintf(w, "last:      %s\n", summary.LastCommand)
				}
			})
		},
	}
}

func newTimelineCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <session-or-branch-id>",
		Short: "Show the events of a session, or a branch's combined timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			if _, err := handle.GetBranch(args[0]); err == nil {
				timeline, err := branch.NewManager(handle).Timeline(args[0])
				if err != nil {
					return err
				}
				return a.emit(timeline, func(w io.Writer) {
					for _, event := range timeline.ParentEvents {
						writeEventLine(w, "parent", event)
					}
					for _, event := range timeline.BranchEvents {
						writeEventLine(w, "branch", event)
					}
				})
			}
			if _, err := handle.GetSession(args[0]); err != nil {
				return err
			}
			events, err := handle.GetEventsForSession(args[0])
			if err != nil {
				return err
			}
			return a.emit(events, func(w io.Writer) {
				for _, event := range events {
					writeEventLine(w, "", event)
				}
			})
		},
	}
}

func newEventsCommand(a *app) *cobra.Command {
	var (
		last  int
		start string
		end   string
	)
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Query a session's events by count or time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			var events []model.Event
			switch {
			case cmd.Flags().Changed("last"):
				events, err = handle.GetLastNEvents(args[0], last)
			case start != "" || end != "":
				from, to, parseErr := parseRange(start, end)
				if parseErr != nil {
					return parseErr
				}
				events, err = handle.GetEventsInRange(args[0], from, to)
			default:
				events, err = handle.GetEventsForSession(args[0])
			}
			if err != nil {
				return err
			}
			return a.emit(events, func(w io.Writer) {
				for _, event := range events {
					writeEventLine(w, "", event)
				}
			})
		},
	}
	cmd.Flags().IntVar(&last, "last", 0, "only the N most recent events")
	cmd.Flags().StringVar(&start, "start", "", "RFC 3339 range start (inclusive)")
	cmd.Flags().StringVar(&end, "end", "", "RFC 3339 range end (inclusive)")
	return cmd
}

func newBranchCommand(a *app) *cobra.Command {
	var (
		eventID     string
		at          string
		description string
	)
	cmd := &cobra.Command{
		Use:   "branch <session-id> <name>",
		Short: "Create a timeline branch at an event of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			point, err := resolveBranchPoint(handle, args[0], eventID, at)
			if err != nil {
				return err
			}
			created, err := branch.NewManager(handle).Create(args[0], args[1], point, description)
			if err != nil {
				return err
			}
			return a.emit(created, func(w io.Writer) {
				fmt.Fprintf(w, "created branch %s (%s) at event %s\n", created.ID, created.Name, created.BranchPointEventID)
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event-id", "", "branch at this event")
	cmd.Flags().StringVar(&at, "at", "", "branch at the last event recorded at or before this RFC 3339 time")
	cmd.Flags().StringVar(&description, "description", "", "free-form note stored with the branch")
	return cmd
}

// resolveBranchPoint picks the divergence event: an explicit id, the last event at or
// before a timestamp, or the session's latest event.
func resolveBranchPoint(handle *storage.Handle, sessionID, eventID, at string) (string, error) {
	switch {
	case eventID != "" && at != "":
		return "", invalidFlag("at", fmt.Errorf("cannot be combined with --event-id"))
	case eventID != "":
		return eventID, nil
	case at != "":
		cutoff, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return "", invalidFlag("at", err)
		}
		events, err := handle.GetEventsInRange(sessionID, time.Time{}, cutoff)
		if err != nil {
			return "", err
		}
		if len(events) == 0 {
			return "", coreerrors.Wrap(fmt.Errorf("session %q has no events at or before %s", sessionID, at), coreerrors.CategoryNotFound, "event_not_found", "", false)
		}
		return events[len(events)-1].ID, nil
	default:
		last, err := handle.GetLastEvent(sessionID)
		if err != nil {
			return "", err
		}
		return last.ID, nil
	}
}

func newBranchesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "branches <session-id>",
		Short: "List branches that diverge from a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			branches, err := branch.NewManager(handle).ForSession(args[0])
			if err != nil {
				return err
			}
			return a.emit(branches, func(w io.Writer) {
				if len(branches) == 0 {
					fmt.Fprintln(w, "no branches")
					return
				}
				for _, b := range branches {
					fmt.Fprintf(w, "%s\t%s\tat %s\t%s\n", b.ID, b.Name, b.BranchPointEventID, b.Description)
				}
			})
		},
	}
}

func newMergeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <branch-id> <target-session-id>",
		Short: "Copy a branch's events onto the end of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			merged, err := branch.NewManager(handle).Merge(args[0], args[1])
			if err != nil {
				return err
			}
			return a.emit(merged, func(w io.Writer) {
				fmt.Fprintf(w, "merged %d events from branch %s into session %s\n", len(merged), args[0], args[1])
			})
		},
	}
}

func newDeleteBranchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-branch <branch-id>",
		Short: "Delete a branch and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			if err := branch.NewManager(handle).Delete(args[0]); err != nil {
				return err
			}
			return a.emit(map[string]string{"deleted": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "deleted branch %s\n", args[0])
			})
		},
	}
}

func newExportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <session-id> <output>",
		Short: "Export a session and its events to a bundle file",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			if err := handle.ExportSessionToFile(args[0], args[1]); err != nil {
				return err
			}
			result := map[string]any{"session_id": args[0], "path": args[1], "encrypted": handle.Encrypted()}
			return a.emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "exported session %s to %s\n", args[0], args[1])
			})
		},
	}
}

func newExportAllCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export-all <directory>",
		Short: "Export every session to its own bundle file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundleFormat, err := codec.ParseFormat(format)
			if err != nil {
				return err
			}
			handle, err := a.open()
			if err != nil {
				return err
			}
			paths, err := handle.ExportAllSessions(cmd.Context(), args[0], bundleFormat)
			if err != nil {
				return err
			}
			return a.emit(map[string]any{"paths": paths, "encrypted": handle.Encrypted()}, func(w io.Writer) {
				fmt.Fprintf(w, "exported %d sessions to %s\n", len(paths), args[0])
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(codec.Text), "bundle encoding: json or cbor")
	return cmd
}

func newImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <input>",
		Short: "Import a session bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			imported, err := handle.ImportSessionFromFile(args[0])
			if err != nil {
				return err
			}
			return a.emit(imported, func(w io.Writer) {
				fmt.Fprintf(w, "imported session %s (%s)\n", imported.ID, imported.Name)
			})
		},
	}
}

func newCompactCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Snapshot the storage, rotate its event log and prune old archives",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			result, err := handle.Compact()
			if err != nil {
				return err
			}
			return a.emit(result, func(w io.Writer) {
				target := handle.Path()
				if !handle.PathBound() {
					target = "process-wide storage"
				}
				fmt.Fprintf(w, "compacted %s", target)
				if result.Rotated {
					fmt.Fprintf(w, "; rotated log to %s", result.Archive)
				}
				if len(result.Pruned) > 0 {
					fmt.Fprintf(w, "; pruned %d archives", len(result.Pruned))
				}
				fmt.Fprintln(w)
			})
		},
	}
}

func newRekeyCommand(a *app) *cobra.Command {
	var newPassphraseEnv string
	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt the storage file under a new passphrase",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			next := os.Getenv(newPassphraseEnv)
			if next == "" {
				return invalidFlag("new-passphrase-env", fmt.Errorf("environment variable %s is empty", newPassphraseEnv))
			}
			handle, err := a.open()
			if err != nil {
				return err
			}
			if err := handle.ChangePassphrase(next); err != nil {
				return err
			}
			result := map[string]string{"path": handle.Path(), "key_id": handle.KeyID()}
			return a.emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "re-encrypted %s (key %s)\n", handle.Path(), handle.KeyID())
			})
		},
	}
	cmd.Flags().StringVar(&newPassphraseEnv, "new-passphrase-env", defaultNewPassphraseEnv, "environment variable holding the new passphrase")
	return cmd
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage counts and event log state",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			handle, err := a.open()
			if err != nil {
				return err
			}
			stats, err := handle.Stats()
			if err != nil {
				return err
			}
			return a.emit(stats, func(w io.Writer) {
				fmt.Fprintf(w, "path:        %s\n", stats.Path)
				fmt.Fprintf(w, "format:      %s\n", stats.Format)
				fmt.Fprintf(w, "encrypted:   %v\n", stats.Encrypted)
				fmt.Fprintf(w, "append-only: %v\n", stats.AppendOnly)
				fmt.Fprintf(w, "sessions:    %d\n", stats.Sessions)
				fmt.Fprintf(w, "branches:    %d\n", stats.Branches)
				fmt.Fprintf(w, "events:      %d\n", stats.Events)
				fmt.Fprintf(w, "log:         %d bytes, %d records, %d archives\n", stats.LogBytes, stats.LogEvents, stats.Archives)
			})
		},
	}
}

func writeEventLine(w io.Writer, prefix string, event model.Event) {
	if prefix != "" {
		fmt.Fprintf(w, "[%s] ", prefix)
	}
	fmt.Fprintf(w, "#%d %s %s %s\n", event.SequenceNumber, event.Timestamp.Format(time.RFC3339), event.Payload.Kind(), describePayload(event.Payload))
}

func describePayload(payload model.Payload) string {
	switch p := payload.(type) {
	case model.Command:
		return fmt.Sprintf("%q exit=%d", p.Command, p.ExitCode)
	case model.FileChange:
		return fmt.Sprintf("%s %s", p.ChangeType, p.Path)
	case model.KeyPress:
		return p.Key
	case model.TerminalState:
		return fmt.Sprintf("cursor=%d,%d size=%dx%d", p.CursorRow, p.CursorCol, p.ScreenCols, p.ScreenRows)
	case model.SessionMetadata:
		return p.Name
	default:
		return ""
	}
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now().UTC()
	var err error
	if start != "" {
		if from, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return time.Time{}, time.Time{}, invalidFlag("start", err)
		}
	}
	if end != "" {
		if to, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return time.Time{}, time.Time{}, invalidFlag("end", err)
		}
	}
	return from, to, nil
}
