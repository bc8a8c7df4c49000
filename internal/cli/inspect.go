package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/corvid/backend/pkg/analytics"
	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
	"github.com/OFFIS-RIT/corvid/backend/pkg/dedupe"
	"github.com/OFFIS-RIT/corvid/backend/pkg/export"
	"github.com/OFFIS-RIT/corvid/backend/pkg/pipeline"
)

// ReadOptions holds flags shared by the commands that read a finished
// analysis.
type ReadOptions struct {
	*RootOptions
	At    string
	Fresh bool
}

func (o *ReadOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.At, "at", "", "end of the analysis window, RFC3339 (default now)")
	cmd.Flags().BoolVar(&o.Fresh, "fresh", false, "run the analysis first instead of reading stored correlations")
}

// analysis returns a fresh run for fixtures or when --fresh is set, and a
// read-only snapshot of stored correlations otherwise.
func (o *ReadOptions) analysis(ctx context.Context) (*pipeline.Output, error) {
	at, err := parseAt(o.At)
	if err != nil {
		return nil, err
	}
	r, release, err := o.runner(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *pipeline.Output
	if o.Fresh || o.Fixture != "" {
		out, err = r.Run(ctx, at)
	} else {
		out, err = r.Snapshot(ctx, at)
	}
	if err != nil {
		return nil, WrapExitError(ExitFailure, "analysis failed", err)
	}
	return out, nil
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "report <event-id>",
		Short: "List the correlations of one event, strongest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := opts.analysis(cmd.Context())
			if err != nil {
				return err
			}
			recs := out.EventReport(args[0])
			if recs == nil {
				recs = []common.CorrelationRecord{}
			}
			return emit(cmd.OutOrStdout(), opts.Output, recs, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tFROM\tSTRENGTH\tCONFIDENCE\tDELTA")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.3f\t%s\n", r.Type, r.EntityA, r.Strength, r.Confidence, r.TimeDelta)
				}
				return tw.Flush()
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}
	var format, file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the link graph",
		Long: `Export the link graph as JSON, YAML or GraphML. Source nodes carry their
priority score, tier and community.

Example:
  corvid export --format graphml --file graph.graphml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := export.ForFormat(format); err != nil {
				return WrapExitError(ExitCommandError, "invalid --format", err)
			}
			out, err := opts.analysis(cmd.Context())
			if err != nil {
				return err
			}
			doc := export.FromGraph(out.Graph, export.PriorityDecorator(out.Analytics))
			data, _, err := export.Render(&doc, format)
			if err != nil {
				return WrapExitError(ExitFailure, "export failed", err)
			}
			if file == "" || file == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(file, data, 0o644)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "json", "graph format (json|yaml|graphml)")
	cmd.Flags().StringVar(&file, "file", "", "write to this file instead of stdout")
	return cmd
}

// NewPrioritiesCommand creates the priorities command.
func NewPrioritiesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}
	var tier string
	cmd := &cobra.Command{
		Use:   "priorities",
		Short: "Rank sources by priority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := opts.analysis(cmd.Context())
			if err != nil {
				return err
			}
			list := make([]analytics.Priority, 0, len(out.Analytics.Priorities))
			for _, p := range out.Analytics.Priorities {
				if tier == "" || string(p.Tier) == tier {
					list = append(list, p)
				}
			}
			return emit(cmd.OutOrStdout(), opts.Output, list, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NODE\tLABEL\tSCORE\tTIER\tCOMMUNITY")
				for _, p := range list {
					flag := ""
					if p.Flagged {
						flag = " *"
					}
					fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\t%d%s\n", p.NodeID, p.Label, p.Score, p.Tier, p.Community, flag)
				}
				return tw.Flush()
			})
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&tier, "tier", "", "only list one tier (tier_1|tier_2|tier_3|low)")
	return cmd
}

// NewDedupeCommand creates the dedupe command.
func NewDedupeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Merge duplicate event reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAt(opts.At)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			repo, release, err := opts.openRepository(ctx)
			if err != nil {
				return err
			}
			defer release()

			window := common.TimeRange{From: at.Add(-opts.cfg.Pipeline.Window), To: at}
			rep, err := dedupe.NewDeduplicator(opts.cfg.Dedupe).Run(ctx, repo, window)
			if err != nil {
				return WrapExitError(ExitFailure, "deduplication failed", err)
			}
			return emit(cmd.OutOrStdout(), opts.Output, rep, func(w io.Writer) error {
				fmt.Fprintf(w, "scanned %d events, absorbed %d into %d groups\n", rep.Scanned, rep.Absorbed, len(rep.Entries))
				for _, e := range rep.Entries {
					fmt.Fprintf(w, "  %s <- %v\n", e.CanonicalID, e.AbsorbedIDs)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.At, "at", "", "end of the window, RFC3339 (default now)")
	return cmd
}
