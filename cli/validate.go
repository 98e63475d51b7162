package cli

import (
	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate [file-or-dir]",
		Short: "Check a CSV file without writing anything",
		Long: `Validate a CSV export without writing to the database.

Checks the header for required columns, maps every row and reports which rows
would be skipped and why. Unless --offline is set, rows are also matched
against the stored callers to predict how many would be inserted, updated or
counted as repeat participations. Writes to blocked callers are predicted as
authorization failures unless --bypass-auth is set, as in a real import.
The database schema is checked but never created.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg string
			if len(args) > 0 {
				arg = args[0]
			}
			if !cmd.Flags().Changed("batch-size") {
				opts.BatchSize = opts.cfg.Import.BatchSize
			}
			return runImport(opts, arg, cmd, true)
		},
	}

	addImportFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "do not connect to the database")
	cmd.Flags().BoolVar(&opts.BypassAuth, "bypass-auth", false, "predict writes to blocked callers as allowed")

	return cmd
}
