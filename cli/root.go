package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nonsonwune/callers_db/config"
	"github.com/nonsonwune/callers_db/migrations"
	"github.com/nonsonwune/callers_db/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Debug    bool
	DBDriver string
	DBPath   string

	cfg    config.Config
	logger *slog.Logger
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "callers",
		Short: "Import and reconcile contest caller lists",
		Long: `callers merges CSV exports of contest participants into the callers database.

Rows are matched to stored callers by phone number and then by CPR, written in
page-sized transactions, and summarised in a final report. A bad row never
stops the rest of the file from importing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "verbose per-row diagnostics")
	cmd.PersistentFlags().StringVar(&opts.DBDriver, "db-driver", "", "database driver: postgres or sqlite3 (default $DB_DRIVER)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db-path", "", "SQLite database file; implies --db-driver sqlite3 (default $DB_PATH)")

	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))

	return cmd
}

func (o *RootOptions) setup(stderr io.Writer) error {
	level := slog.LevelInfo
	if o.Debug {
		level = slog.LevelDebug
	}
	o.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(o.logger)

	if err := config.LoadEnv(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.DBDriver != "" {
		cfg.DB.Driver = o.DBDriver
	}
	if o.DBPath != "" {
		cfg.DB.Path = o.DBPath
		if o.DBDriver == "" {
			cfg.DB.Driver = migrations.DriverSQLite
		}
	}
	if err := cfg.DB.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	o.cfg = cfg
	return nil
}

// openStore connects to the configured database. Read-only commands pass
// verifyOnly so that the schema is checked but never created.
func (o *RootOptions) openStore(verifyOnly bool) (*store.SQLStore, error) {
	o.logger.Debug("opening database", "driver", o.cfg.DB.Driver, "verify_only", verifyOnly)
	cfg := o.cfg.DB.Store()
	cfg.VerifyOnly = verifyOnly
	st, err := store.Open(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func (o *RootOptions) closeStore(st *store.SQLStore) {
	if err := st.Close(); err != nil {
		o.logger.Error("error closing database", "error", err)
	}
}
