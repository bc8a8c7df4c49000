package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/OFFIS-RIT/corvid/backend/internal/storage"
	"github.com/OFFIS-RIT/corvid/backend/pkg/ingest"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store/memory"
	pgstore "github.com/OFFIS-RIT/corvid/backend/pkg/store/pgx"
)

// NewImportCommand creates the import command.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	var files ingest.Files

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load CSV exports into the database or a fixture",
		Long: `Load CSV exports of sources, events, messages and social relations.

Each flag takes a local path or an s3://bucket/key location. With --fixture
the records are merged into that JSON file, which is created if missing.
Malformed rows are skipped and listed in the report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if files == (ingest.Files{}) {
				return NewExitError(ExitCommandError, "nothing to import: pass at least one of --sources, --events, --messages, --relations")
			}
			ctx := cmd.Context()

			router := ingest.Router{Files: ingest.FileFetcher{}}
			if anyS3(files) {
				client, err := storage.NewS3Client(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to create s3 client", err)
				}
				router.S3 = ingest.NewS3Fetcher(client)
			}
			fetch := ingest.NewCachedFetcher(router)

			var (
				sink  ingest.Sink
				flush = func() error { return nil }
			)
			if opts.Fixture != "" {
				repo, err := loadOrCreateFixture(opts.Fixture)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read fixture", err)
				}
				sink = repo
				flush = func() error { return writeFixture(opts.Fixture, repo) }
			} else {
				url := opts.databaseURL()
				if url == "" {
					return NewExitError(ExitCommandError, "no target: pass --fixture or --database (or set DATABASE_URL)")
				}
				if err := pgstore.Migrate(url); err != nil {
					return WrapExitError(ExitCommandError, "failed to migrate database", err)
				}
				pool, err := pgxpool.New(ctx, url)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to connect to database", err)
				}
				defer pool.Close()
				sink = pgstore.New(pool)
			}

			rep, err := ingest.NewImporter(fetch, sink).Import(ctx, files)
			if err != nil {
				return WrapExitError(ExitFailure, "import failed", err)
			}
			if err := flush(); err != nil {
				return WrapExitError(ExitFailure, "failed to write fixture", err)
			}
			return emit(cmd.OutOrStdout(), opts.Output, rep, func(w io.Writer) error {
				return printImport(w, rep)
			})
		},
	}

	cmd.Flags().StringVar(&files.Sources, "sources", "", "sources CSV (id,name,platform,seed)")
	cmd.Flags().StringVar(&files.Events, "events", "", "events CSV (id,title,description,timestamp,latitude,longitude,location_id,location_label,sources,confidence)")
	cmd.Flags().StringVar(&files.Messages, "messages", "", "messages CSV (id,source_id,text,timestamp,views,forwards,replies)")
	cmd.Flags().StringVar(&files.Relations, "relations", "", "relations CSV (from_source_id,to_source_id,kind,count,observed_at)")

	return cmd
}

func anyS3(files ingest.Files) bool {
	for _, loc := range []string{files.Sources, files.Events, files.Messages, files.Relations} {
		if strings.HasPrefix(loc, "s3://") {
			return true
		}
	}
	return false
}

func loadOrCreateFixture(path string) (*memory.Store, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return memory.New(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return memory.Load(f)
}

func writeFixture(path string, repo *memory.Store) error {
	var buf bytes.Buffer
	if err := repo.Dump(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func printImport(w io.Writer, rep ingest.Report) error {
	rows := []struct {
		kind string
		c    ingest.Counts
	}{
		{"sources", rep.Sources},
		{"events", rep.Events},
		{"messages", rep.Messages},
		{"relations", rep.Relations},
	}
	for _, r := range rows {
		if r.c == (ingest.Counts{}) {
			continue
		}
		if _, err := fmt.Fprintf(w, "%-10s imported %d, skipped %d\n", r.kind, r.c.Imported, r.c.Skipped); err != nil {
			return err
		}
	}
	for _, line := range rep.Rejected {
		if _, err := fmt.Fprintf(w, "  %s\n", line); err != nil {
			return err
		}
	}
	return nil
}
