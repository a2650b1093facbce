package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/proctor/internal/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the flags shared by every command.
type options struct {
	configPath string
	cfg        *config.Config
	closeLog   func()
}

func rootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "proctor",
		Short:         "Batch grading of student submissions with an LLM",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.closeLog != nil {
				opts.closeLog()
			}
		},
	}

	defaultPath, err := config.DefaultPath()
	if err != nil {
		defaultPath = "config.yaml"
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultPath, "Path to config.yaml")

	root.AddCommand(
		gradeCmd(opts),
		historyCmd(opts),
		workerCmd(opts),
		submitCmd(opts),
		mcpCmd(opts),
		versionCmd(),
	)
	return root
}

func (o *options) load() error {
	if _, err := config.EnsureProctorDir(); err != nil {
		return fmt.Errorf("ensure proctor dir: %w", err)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	o.cfg = cfg

	closeLog, err := setupLogging(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	o.closeLog = closeLog
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "proctor %s\n", Version)
		},
	}
}
