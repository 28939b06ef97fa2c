package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gogpu/gpusync"
)

// replayFlags holds the flags of the replay command.
type replayFlags struct {
	configPath string
	fallback   string
	maxBarrier int
	verbose    bool
	failFast   bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gpusync",
		Short: "Replay GPU access scenarios and show the synchronization they need",
		Long: `gpusync records the accesses described in a scenario file on the noop
backend and prints the barriers, layout transitions and queue ownership
transfers the engine inserts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newReplayCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the library version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gpusync %s\n", gpusync.Version)
		},
	}
}

func newReplayCmd() *cobra.Command {
	var f replayFlags
	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Record a scenario and print the synchronization commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := LoadScenario(args[0])
			if err != nil {
				return err
			}
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}
			rep, err := Replay(cmd.Context(), sc, opts...)
			if rep != nil {
				rep.Print(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if f.failFast && rep.Failed() {
				return fmt.Errorf("scenario %s: %d recorder(s) failed", args[0], rep.Failures())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "context config file (YAML)")
	cmd.Flags().StringVar(&f.fallback, "fallback", "", "coarse fallback mode: never, always or software")
	cmd.Flags().IntVar(&f.maxBarrier, "max-barriers", -1, "cap on range barriers per command (0 disables)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log engine decisions to stderr")
	cmd.Flags().BoolVar(&f.failFast, "strict", false, "exit non-zero when a recorder fails")
	return cmd
}

// options builds the context options from the config file and flags.
// Flags win over the file.
func (f *replayFlags) options(cmd *cobra.Command) ([]gpusync.Option, error) {
	cfg := &gpusync.Config{}
	if f.configPath != "" {
		var err error
		if cfg, err = gpusync.LoadConfig(f.configPath); err != nil {
			return nil, err
		}
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	if f.fallback != "" {
		mode, err := gpusync.ParseFallbackMode(f.fallback)
		if err != nil {
			return nil, err
		}
		opts = append(opts, gpusync.WithFallback(mode))
	}
	if f.maxBarrier >= 0 {
		opts = append(opts, gpusync.WithMaxBarriers(f.maxBarrier))
	}

	level := cfg.Level()
	if f.verbose {
		level = slog.LevelDebug
	}
	if f.verbose || cfg.LogLevel != "" {
		h := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
		opts = append(opts, gpusync.WithLogger(slog.New(h)))
	}
	return opts, nil
}
