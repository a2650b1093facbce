package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/intake"
	"github.com/felixgeelhaar/proctor/internal/queue"
)

func submitCmd(opts *options) *cobra.Command {
	var (
		f       gradeFlags
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <dir>",
		Short: "Publish a folder of submissions to the batch queue for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cfg.Queue.URL == "" {
				return fmt.Errorf("queue.url is not configured (set PROCTOR_RABBITMQ_URL)")
			}

			subs, err := intake.NewDiscoverer(args[0]).Discover(intake.Options{
				MaxDepth:       f.maxDepth,
				PrefixStudents: f.prefixStudents,
				AssignmentID:   f.assignment,
			})
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				return fmt.Errorf("no submissions found in %s", args[0])
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := slog.Default()

			conn, err := queue.NewConnection(cfg.Queue.URL, queueNames(cfg.Queue), logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			req := &queue.BatchRequest{
				ID:      uuid.NewString(),
				Request: batch.Request{Submissions: subs, Instructions: f.instructions()},
			}

			reports := make(chan *queue.BatchReport, 1)
			var rc *queue.ResultConsumer
			if wait {
				rc = queue.NewResultConsumer(conn, nil)
				rc.Subscribe(req.ID, func(r *queue.BatchReport) { reports <- r })
				if err := rc.Start(ctx); err != nil {
					return fmt.Errorf("start result consumer: %w", err)
				}
				defer rc.Stop()
			}

			if err := queue.NewProducer(conn).PublishBatch(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %d submissions as request %s\n", len(subs), req.ID)
			if !wait {
				return nil
			}

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			select {
			case r := <-reports:
				if err := printSnapshot(cmd.OutOrStdout(), r.Snapshot, f.jsonOut); err != nil {
					return err
				}
				if r.Error != "" {
					return fmt.Errorf("batch failed: %s", r.Error)
				}
				return nil
			case <-waitCtx.Done():
				fmt.Fprintln(os.Stderr, "gave up waiting; the worker keeps grading")
				return waitCtx.Err()
			}
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
	fl.BoolVarP(&wait, "wait", "w", false, "Wait for the worker's report")
	fl.DurationVar(&timeout, "timeout", 30*time.Minute, "How long to wait for the report")
	return cmd
}
