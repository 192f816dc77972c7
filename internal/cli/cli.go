// Package cli builds the gridingest command tree.
//
//	gridingest run                                   poll every configured source
//	gridingest backfill --source S --from D --to D   replay a date range in the foreground
//	gridingest errors [--source S] [--since T]       query the error log
//	gridingest schema TARGET                         list the columns of a target
//	gridingest sources                               validate and list the sources file
//
// Configuration comes from the environment (and .env); --sources overrides
// SOURCES_FILE.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gridingest/internal/app"
	"gridingest/internal/backfill"
	"gridingest/internal/config"
	"gridingest/internal/logging"
	"gridingest/internal/store"
)

// rootOptions holds the persistent flags every subcommand reads.
type rootOptions struct {
	sourcesFile string
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "gridingest",
		Short:         "Poll grid telemetry sources into a time-bucketed store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.sourcesFile, "sources", "", "sources file (overrides SOURCES_FILE)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildBackfillCommand(opts))
	rootCmd.AddCommand(buildErrorsCommand(opts))
	rootCmd.AddCommand(buildSchemaCommand(opts))
	rootCmd.AddCommand(buildSourcesCommand(opts))
	return rootCmd
}

// Execute runs the command tree with signal handling on the context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := BuildCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if o.sourcesFile != "" {
		cfg.SourcesFile = o.sourcesFile
	}
	return cfg, nil
}

// open loads config, builds the logger and wires the application. The
// returned cleanup closes the log file.
func (o *rootOptions) open(ctx context.Context) (*app.App, config.Config, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, cfg, nil, err
	}
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}, os.Stdout)
	if err != nil {
		return nil, cfg, nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = closeLog()
		return nil, cfg, nil, err
	}
	return a, cfg, func() { _ = closeLog() }, nil
}

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start polling every configured source",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, cleanup, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return a.Run(cmd.Context())
		},
	}
}

func buildBackfillCommand(opts *rootOptions) *cobra.Command {
	var name, from, to string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run one source over a date range without starting the poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				to = from
			}
			periods, err := backfill.ParseRange(from, to)
			if err != nil {
				return err
			}
			a, _, cleanup, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			defer a.Close()
			sum, err := a.Backfill(cmd.Context(), name, periods)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), sum); err != nil {
				return err
			}
			if sum.Failed > 0 {
				return fmt.Errorf("%d of %d periods failed", sum.Failed, sum.Periods)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "source", "", "source name")
	cmd.Flags().StringVar(&from, "from", "", "first period (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last period (YYYY-MM-DD), defaults to --from")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func buildErrorsCommand(opts *rootOptions) *cobra.Command {
	var (
		source string
		since  time.Duration
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List recorded tick failures, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			q := store.ErrorQuery{SourceKey: source, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			list, err := st.ListErrors(cmd.Context(), q)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSOURCE\tSTAGE\tTICK\tMESSAGE")
			for _, e := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.SourceKey, e.Stage, e.TickID, e.Message)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "only this source")
	cmd.Flags().DurationVar(&since, "since", 0, "only errors newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func buildSchemaCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema TARGET",
		Short: "Show the columns known for a store target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			fields, err := st.Fields(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return fmt.Errorf("target %q has no fields", args[0])
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FIELD\tKIND")
			for _, f := range fields {
				fmt.Fprintf(tw, "%s\t%v\n", f.Name, f.Kind)
			}
			return tw.Flush()
		},
	}
}

func buildSourcesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Validate the sources file and list what would be polled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			srcs, err := config.LoadSources(cfg.SourcesFile)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTARGET\tINTERVAL\tWINDOW\tBLOCKS\tBACKFILL")
			for _, s := range srcs {
				start := "-"
				if s.BackfillStart != nil {
					start = s.BackfillStart.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Name, s.Target, s.Interval, s.Window, s.Convention, start)
			}
			return tw.Flush()
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
