package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nonsonwune/callers_db/importer"
	"github.com/nonsonwune/callers_db/store"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions

	BatchSize          int
	MaxRetries         int
	Truncate           bool
	BypassAuth         bool
	RequireCPR         bool
	ReplaceHits        bool
	AbortOnPageFailure bool
	FailedDir          string
	// Offline validates without connecting to the database (validate only).
	Offline bool
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import [file-or-dir]",
		Short: "Import a CSV file of callers",
		Long: `Import a CSV export of callers into the database.

Columns are matched by name, so exports with headers like "Full Name",
"Mobile" or "National ID" work as-is. When the argument is a directory (or is
omitted, in which case $IMPORT_DIR is used) the newest *.csv file in it is imported.

Rows that are skipped or fail are saved to a CSV file in --failed-dir.

Example:
  callers import ./exports/callers_2024.csv
  callers import --db-path ./callers.db --batch-size 1000 ./exports`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg string
			if len(args) > 0 {
				arg = args[0]
			}
			opts.applyConfigDefaults(cmd)
			return runImport(opts, arg, cmd, false)
		},
	}

	addImportFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.Truncate, "truncate", false, "delete every stored caller before importing")
	cmd.Flags().BoolVar(&opts.BypassAuth, "bypass-auth", false, "write through the privileged path when the store refuses an update")
	cmd.Flags().BoolVar(&opts.ReplaceHits, "replace-hits", false, "overwrite stored hit counters instead of keeping the larger value")
	cmd.Flags().BoolVar(&opts.AbortOnPageFailure, "abort-on-page-failure", false, "stop the import when a page still fails after its retries")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "retries per failed page (default $IMPORT_MAX_RETRIES or 3)")
	cmd.Flags().StringVar(&opts.FailedDir, "failed-dir", "", "directory for failed rows (default $IMPORT_FAILED_DIR)")

	return cmd
}

// addImportFlags registers the flags shared by import and validate.
func addImportFlags(cmd *cobra.Command, opts *ImportOptions) {
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "rows per transaction, 1-5000 (default $IMPORT_BATCH_SIZE or 500)")
	cmd.Flags().BoolVar(&opts.RequireCPR, "require-cpr", false, "skip rows without a CPR")
}

// applyConfigDefaults fills flags the user did not set from the environment.
func (o *ImportOptions) applyConfigDefaults(cmd *cobra.Command) {
	if !cmd.Flags().Changed("batch-size") {
		o.BatchSize = o.cfg.Import.BatchSize
	}
	if !cmd.Flags().Changed("max-retries") {
		o.MaxRetries = o.cfg.Import.MaxRetries
	}
	if o.FailedDir == "" {
		o.FailedDir = o.cfg.Import.FailedDir
	}
}

func runImport(opts *ImportOptions, arg string, cmd *cobra.Command, dryRun bool) error {
	log := opts.logger

	path, err := importer.ResolveInput(arg, opts.cfg.Import.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot find input file", err)
	}
	src, err := importer.OpenFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot read input file", err)
	}
	defer src.Close()
	log.Info("reading input", "file", path, "encoding", src.Encoding(), "columns", len(src.Header()))

	var st store.Store
	if !dryRun || !opts.Offline {
		sqlStore, err := opts.openStore(dryRun)
		if err != nil {
			return err
		}
		defer opts.closeStore(sqlStore)
		st = sqlStore
	}

	var sink *importer.FailedRecordsWriter
	if !dryRun && opts.FailedDir != "" {
		sink = importer.NewFailedRecordsWriter(opts.FailedDir, src.Header())
		defer func() {
			if err := sink.Close(); err != nil {
				log.Error("error saving failed records", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := make(chan importer.Progress, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for p := range progress {
			log.Info("progress", "rows", p.Rows, "pages", p.Pages,
				"inserted", p.Inserted, "updated", p.Updated, "conflicts", p.Conflicts,
				"skipped", p.Skipped, "failed", p.Failed)
		}
	}()

	driverOpts := importer.Options{
		BatchSize:           opts.BatchSize,
		Truncate:            opts.Truncate,
		BypassAuthorization: opts.BypassAuth,
		RequireNationalID:   opts.RequireCPR,
		ReplaceHits:         opts.ReplaceHits,
		MaxRetries:          opts.MaxRetries,
		RetryBackoff:        opts.cfg.Import.RetryBackoff,
		AbortOnPageFailure:  opts.AbortOnPageFailure,
		DryRun:              dryRun,
		Progress:            progress,
		Logger:              log,
	}
	if sink != nil {
		driverOpts.FailedSink = sink
	}

	report, runErr := importer.NewDriver(st, driverOpts).Run(ctx, src)
	close(progress)
	wg.Wait()

	out := cmd.OutOrStdout()
	if report != nil {
		failedPath := ""
		if sink != nil {
			failedPath = sink.Path()
		}
		renderReport(out, report, failedPath)
	}

	if runErr != nil {
		var schemaErr *importer.SchemaError
		if errors.As(runErr, &schemaErr) {
			return WrapExitError(ExitCommandError, "header validation failed", runErr)
		}
		return WrapExitError(ExitFailure, "import failed", runErr)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
