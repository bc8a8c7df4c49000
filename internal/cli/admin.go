package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/corvid/backend/pkg/leaselock"
	pgstore "github.com/OFFIS-RIT/corvid/backend/pkg/store/pgx"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := opts.databaseURL()
			if url == "" {
				return NewExitError(ExitCommandError, "no database: pass --database or set DATABASE_URL")
			}
			if err := pgstore.Migrate(url); err != nil {
				return WrapExitError(ExitFailure, "migration failed", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

// NewConfigCommand creates the config command.
func NewConfigCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective analysis config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.cfg.Table(); err != nil {
				return WrapExitError(ExitCommandError, "invalid rule table", err)
			}
			return opts.cfg.Encode(cmd.OutOrStdout())
		},
	}
}

// NewLeasesCommand creates the leases command.
func NewLeasesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "leases",
		Short: "List analysis windows currently held by workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := opts.databaseURL()
			if url == "" {
				return NewExitError(ExitCommandError, "no database: pass --database or set DATABASE_URL")
			}
			pool, err := pgxpool.New(cmd.Context(), url)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to connect to database", err)
			}
			defer pool.Close()

			held, err := leaselock.New(pool, leaselock.Options{}).Active(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list leases", err)
			}
			return emit(cmd.OutOrStdout(), opts.Output, held, func(w io.Writer) error {
				return printLeases(w, held)
			})
		},
	}
}

func printLeases(w io.Writer, held []leaselock.Held) error {
	if len(held) == 0 {
		_, err := fmt.Fprintln(w, "no active leases")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tHOLDER\tEXPIRES")
	for _, h := range held {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", h.Key, h.Holder, h.ExpiresAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
