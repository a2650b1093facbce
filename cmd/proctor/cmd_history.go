package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/history"
)

func historyCmd(opts *options) *cobra.Command {
	var (
		results int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history [student]",
		Short: "Show a student's rolling history, or list students",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				students, err := a.history.Students(cmd.Context())
				if err != nil {
					return fmt.Errorf("list students: %w", err)
				}
				for _, s := range students {
					fmt.Fprintln(out, s)
				}
				return nil
			}

			h, err := a.history.Get(cmd.Context(), args[0])
			if errors.Is(err, history.ErrNotFound) {
				return fmt.Errorf("no history for student %s", args[0])
			}
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}

			var recent []batch.Result
			if results != 0 {
				recent, err = a.results.ByStudent(cmd.Context(), args[0], results)
				if err != nil {
					return fmt.Errorf("load results: %w", err)
				}
			}

			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					History *history.StudentHistory `json:"history"`
					Results []batch.Result          `json:"results,omitempty"`
				}{h, recent})
			}
			return printHistory(out, h, recent)
		},
	}
	cmd.Flags().IntVarP(&results, "results", "r", 10, "Recent persisted results to show (-1 = all, 0 = none)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print as JSON")
	return cmd
}

func printHistory(w io.Writer, h *history.StudentHistory, recent []batch.Result) error {
	fmt.Fprintf(w, "Student %s (%d entries)\n", h.StudentID, len(h.Entries))
	if h.Trend != history.TrendUndefined {
		fmt.Fprintf(w, "  Trend: %s\n", h.Trend)
	}
	for _, s := range h.Streaks {
		label := string(s.Kind)
		if s.Category != "" {
			label += " in " + s.Category
		}
		fmt.Fprintf(w, "  Streak: %s (%d)\n", label, s.Length)
	}
	for _, p := range h.Patterns {
		fmt.Fprintf(w, "  %s: %s (%.0f%%)\n", strings.ToUpper(string(p.Kind)[:1])+string(p.Kind)[1:], p.Category, p.Ratio*100)
	}
	if len(h.Strengths) > 0 {
		fmt.Fprintf(w, "  Strengths: %s\n", strings.Join(h.Strengths, ", "))
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tASSIGNMENT\tSCORE\tGRADE\tDEVIATION")
	for _, e := range h.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\t%s\n", e.RecordedAt.Format("2006-01-02"), e.AssignmentID, e.Record.Score, e.Record.LetterGrade, e.Deviation)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(recent) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nRecent results:")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GRADED\tFILE\tREV\tSCORE\tOUTCOME\tBATCH")
	for _, r := range recent {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f\t%s\t%s\n", r.GradedAt.Format("2006-01-02 15:04"), r.Filename, r.Revision, r.Record.Score, r.Outcome, r.BatchID)
	}
	return tw.Flush()
}
