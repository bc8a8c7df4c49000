// Package cli implements the corvid command line tool.
package cli

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/corvid/backend/internal/util"
	"github.com/OFFIS-RIT/corvid/backend/pkg/config"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger/console"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store/memory"
	pgstore "github.com/OFFIS-RIT/corvid/backend/pkg/store/pgx"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config   string
	Fixture  string
	Database string
	Output   string // "text" | "json" | "yaml"
	Debug    bool
	JSONLogs bool

	cfg *config.Analysis
}

// ValidOutputs defines the allowed output formats.
var ValidOutputs = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "corvid",
		Short: "Correlate intelligence records",
		Long: `corvid links reported events to the sources that talk about them.

It deduplicates events, flags unusual posting activity around each event,
matches message content against event locations and topics, and ranks the
sources of the resulting link graph by priority.

Data comes from PostgreSQL (--database or DATABASE_URL) or from a JSON
fixture file (--fixture) for offline analysis.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidOutputs, opts.Output) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid output %q: must be one of %v", opts.Output, ValidOutputs))
			}
			logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
				Debug:  opts.Debug,
				JSON:   opts.JSONLogs,
				Output: cmd.ErrOrStderr(),
			}))
			cfg, path, err := config.Load(opts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if path != "" {
				logger.Debug("[CLI] Config loaded", "path", path)
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "analysis config file (default $ANALYSIS_CONFIG or ./corvid.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Fixture, "fixture", "", "read records from a JSON fixture instead of the database")
	cmd.PersistentFlags().StringVar(&opts.Database, "database", "", "PostgreSQL URL (default $DATABASE_URL)")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", util.GetEnvBool("DEBUG", false), "debug logging")
	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "log one JSON object per line")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewDedupeCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewPrioritiesCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewLeasesCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// openRepository returns the fixture store or a pooled database store. The
// returned func releases it.
func (o *RootOptions) openRepository(ctx context.Context) (store.Repository, func(), error) {
	if o.Fixture != "" {
		f, err := os.Open(o.Fixture)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to open fixture", err)
		}
		defer f.Close()
		repo, err := memory.Load(f)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to read fixture", err)
		}
		return repo, func() {}, nil
	}

	url := o.databaseURL()
	if url == "" {
		return nil, nil, NewExitError(ExitCommandError, "no data source: pass --fixture or --database (or set DATABASE_URL)")
	}
	if err := pgstore.Migrate(url); err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to migrate database", err)
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to connect to database", err)
	}
	return pgstore.New(pool), pool.Close, nil
}

func (o *RootOptions) databaseURL() string {
	if o.Database != "" {
		return o.Database
	}
	return util.GetEnv("DATABASE_URL")
}
