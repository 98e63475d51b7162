package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nonsonwune/callers_db/models"
	"github.com/nonsonwune/callers_db/store"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	*RootOptions
	Limit int
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "stats",
		Short:         "Show caller statistics",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(true)
			if err != nil {
				return err
			}
			defer opts.closeStore(st)
			return runStats(cmd, st, opts.Limit)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "number of top callers to show")

	return cmd
}

func runStats(cmd *cobra.Command, r store.Reporter, limit int) error {
	ctx := commandContext(cmd)
	w := cmd.OutOrStdout()

	totals, err := r.FlagCounts(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "error getting caller totals", err)
	}
	displayStats(w, "Callers", []string{"Group", "Count"}, totals)

	statuses, err := r.StatusCounts(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "error getting status distribution", err)
	}
	displayStats(w, "Status Distribution", []string{"Status", "Count"}, statuses)

	top, err := r.TopCallers(ctx, limit)
	if err != nil {
		return WrapExitError(ExitFailure, "error getting top callers", err)
	}
	displayTopCallers(w, top)
	return nil
}

func displayStats(w io.Writer, title string, header []string, stats []models.CallerStat) {
	color.New(color.FgYellow).Fprintf(w, "\n%s\n", title)
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	for _, s := range stats {
		table.Append([]string{s.Label, strconv.Itoa(s.Count)})
	}
	table.Render()
}

func displayTopCallers(w io.Writer, callers []models.Caller) {
	color.New(color.FgYellow).Fprintf(w, "\nTop %d Callers by Hits\n", len(callers))
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Rank", "Name", "Phone", "CPR", "Hits", "Last Hit", "Status", "Winner"})

	for i, c := range callers {
		lastHit := "-"
		if c.LastHitAt != nil {
			lastHit = c.LastHitAt.Format("2006-01-02 15:04")
		}
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			c.Name,
			c.Phone,
			c.NationalID,
			strconv.Itoa(c.Hits),
			lastHit,
			string(c.Status),
			yesNo(c.IsWinner),
		})
	}
	table.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
