package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/corvid/backend/pkg/export"
	"github.com/OFFIS-RIT/corvid/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/corvid/backend/pkg/pipeline"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	At        string
	OutDir    string
	Formats   []string
	Seeds     []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one analysis batch",
		Long: `Run deduplication, temporal and content correlation, graph assembly and
analytics over the window that ends at --at.

Example:
  corvid run --fixture ./incident.json --out ./report --format graphml
  corvid run --at 2025-09-10T14:00:00Z --seed chan-42 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAnalysis(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.At, "at", "", "end of the analysis window, RFC3339 (default now)")
	cmd.Flags().StringVar(&opts.OutDir, "out", "", "write the graph and priority list to this directory")
	cmd.Flags().StringSliceVar(&opts.Formats, "format", []string{"graphml"}, "graph formats written to --out (json|yaml|graphml)")
	cmd.Flags().StringSliceVar(&opts.Seeds, "seed", nil, "extra seed source ids")

	return cmd
}

func parseAt(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, WrapExitError(ExitCommandError, "invalid --at", err)
	}
	return at, nil
}

func (o *RootOptions) runner(ctx context.Context, seeds []string) (*pipeline.Runner, func(), error) {
	repo, release, err := o.openRepository(ctx)
	if err != nil {
		return nil, nil, err
	}
	cfg := *o.cfg
	cfg.Pipeline.Seeds = append(append([]string(nil), cfg.Pipeline.Seeds...), seeds...)
	r, err := pipeline.NewRunner(repo, &cfg, leaselock.NewLocal())
	if err != nil {
		release()
		return nil, nil, WrapExitError(ExitCommandError, "invalid rule table", err)
	}
	return r, release, nil
}

func runAnalysis(ctx context.Context, opts *RunOptions, w io.Writer) error {
	at, err := parseAt(opts.At)
	if err != nil {
		return err
	}
	for _, f := range opts.Formats {
		if _, err := export.ForFormat(f); err != nil {
			return WrapExitError(ExitCommandError, "invalid --format", err)
		}
	}

	r, release, err := opts.runner(ctx, opts.Seeds)
	if err != nil {
		return err
	}
	defer release()

	out, err := r.Run(ctx, at)
	if err != nil {
		return WrapExitError(ExitFailure, "analysis failed", err)
	}
	if opts.OutDir != "" {
		if err := writeArtifacts(opts.OutDir, opts.Formats, out); err != nil {
			return WrapExitError(ExitFailure, "failed to write artifacts", err)
		}
	}

	return emit(w, opts.Output, out.Summary, func(w io.Writer) error {
		return printSummary(w, out.Summary)
	})
}

func writeArtifacts(dir string, formats []string, out *pipeline.Output) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	doc := export.FromGraph(out.Graph, export.PriorityDecorator(out.Analytics))
	for _, f := range formats {
		data, _, err := export.Render(&doc, f)
		if err != nil {
			return err
		}
		codec, _ := export.ForFormat(f)
		if err := os.WriteFile(filepath.Join(dir, "graph."+codec.Format()), data, 0o644); err != nil {
			return err
		}
	}
	f, err := os.Create(filepath.Join(dir, "priorities.json"))
	if err != nil {
		return err
	}
	defer f.Close()
	return emit(f, "json", export.Priorities(out.Analytics), nil)
}

func printSummary(w io.Writer, s pipeline.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]any{
		{"run", s.RunID},
		{"window", fmt.Sprintf("%s .. %s", s.Window.From.Format(time.RFC3339), s.Window.To.Format(time.RFC3339))},
		{"events", s.Events},
		{"sources", s.Sources},
		{"duplicates absorbed", s.Dedupe.Absorbed},
		{"temporal flagged", s.Temporal.Flagged},
		{"temporal inconclusive", s.Temporal.Inconclusive},
		{"content matched", s.Content.Matched},
		{"correlations", s.Correlations},
		{"graph", fmt.Sprintf("%d nodes, %d edges, %d communities", s.Nodes, s.Edges, s.Communities)},
		{"failed units", s.FailedUnits},
		{"malformed inputs", s.Malformed()},
		{"fallbacks", s.Fallbacks},
		{"duration", s.Duration().Round(time.Millisecond)},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%v\n", r[0], r[1])
	}
	return tw.Flush()
}
