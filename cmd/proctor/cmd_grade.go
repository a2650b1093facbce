package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/intake"
)

type gradeFlags struct {
	assignment     string
	prefixStudents bool
	maxDepth       int
	prompt         string
	notes          string
	markers        []string
	sections       []string
	jsonOut        bool
}

func gradeCmd(opts *options) *cobra.Command {
	var f gradeFlags
	cmd := &cobra.Command{
		Use:   "grade <dir>",
		Short: "Grade every submission in a folder laid out as <student>/<files>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrade(cmd, opts, f, args[0])
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.assignment, "assignment", "a", "", "Assignment every file answers (default: match by name)")
	fl.BoolVar(&f.prefixStudents, "prefix-students", false, "Read the student from <student>_<name> for top-level files")
	fl.IntVar(&f.maxDepth, "max-depth", 0, "Folder depth below the student folder (0 = unlimited)")
	fl.StringVar(&f.prompt, "prompt", "", "Extra grading instructions")
	fl.StringVar(&f.notes, "notes", "", "Grading notes")
	fl.StringSliceVar(&f.markers, "marker", nil, "Phrase a good answer should contain (repeatable)")
	fl.StringSliceVar(&f.sections, "section", nil, "Breakdown category to score (repeatable)")
	fl.BoolVar(&f.jsonOut, "json", false, "Print the final snapshot as JSON")
	return cmd
}

func (f gradeFlags) instructions() domain.Instructions {
	return domain.Instructions{
		Markers:      f.markers,
		GradingNotes: f.notes,
		Sections:     f.sections,
		Prompt:       f.prompt,
	}
}

func runGrade(cmd *cobra.Command, opts *options, f gradeFlags, dir string) error {
	subs, err := intake.NewDiscoverer(dir).Discover(intake.Options{
		MaxDepth:       f.maxDepth,
		PrefixStudents: f.prefixStudents,
		AssignmentID:   f.assignment,
	})
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return fmt.Errorf("no submissions found in %s", dir)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	a, err := newApp(ctx, opts.cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics(ctx)

	sess, err := a.engine.Start(ctx, batch.Request{Submissions: subs, Instructions: f.instructions()})
	if err != nil {
		return fmt.Errorf("start batch: %w", err)
	}

	snap := follow(ctx, a.engine, sess, os.Stderr)
	if err := printSnapshot(cmd.OutOrStdout(), snap, f.jsonOut); err != nil {
		return err
	}
	if snap.Fatal != "" {
		return fmt.Errorf("batch aborted: %s", snap.Fatal)
	}
	return nil
}

// follow prints progress until the session ends. A cancelled ctx stops the
// session and waits for running calls to settle.
func follow(ctx context.Context, engine *batch.Engine, sess *batch.Session, w io.Writer) batch.Snapshot {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	printed := 0
	for {
		select {
		case <-sess.Done():
			snap := sess.Snapshot()
			printLog(w, sess.Log(), printed)
			return snap
		case <-ctx.Done():
			fmt.Fprintln(w, "stopping, waiting for running calls...")
			engine.Stop(sess.ID)
			return sess.Snapshot()
		case <-ticker.C:
			entries := sess.Log()
			printLog(w, entries, printed)
			printed = len(entries)
		}
	}
}

func printLog(w io.Writer, entries []batch.LogEntry, from int) {
	for _, e := range entries[min(from, len(entries)):] {
		fmt.Fprintf(w, "%s %s\n", e.At.Format("15:04:05"), e.Message)
	}
}

func printSnapshot(w io.Writer, snap batch.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(w, "\nBatch %s: %s\n", snap.ID, snap.State)
	fmt.Fprintf(w, "  %d total, %d graded, %d failed, %d skipped\n\n", snap.Total, snap.Completed, snap.Failed, snap.Skipped)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STUDENT\tFILE\tSCORE\tGRADE\tOUTCOME\tFLAGS")
	for _, t := range snap.Tasks {
		score := "-"
		if t.State == domain.TaskSucceeded {
			score = fmt.Sprintf("%.1f", t.Score)
		}
		var flags []string
		if t.Verification == domain.Unverified {
			flags = append(flags, "unverified")
		}
		if t.Deviation.Flagged() {
			flags = append(flags, string(t.Deviation))
		}
		if t.KeptSubmissionID != "" {
			flags = append(flags, "kept "+t.KeptSubmissionID)
		}
		if t.Error != "" {
			flags = append(flags, "error: "+t.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.StudentID, t.Filename, score, t.LetterGrade, t.Outcome, strings.Join(flags, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if snap.Fatal != "" {
		fmt.Fprintf(w, "\nAborted: %s\n", snap.Fatal)
	}
	if len(snap.Unprocessed) > 0 {
		fmt.Fprintf(w, "\nNot graded (%d):\n", len(snap.Unprocessed))
		for _, id := range snap.Unprocessed {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
	return nil
}
