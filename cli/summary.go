package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/nonsonwune/callers_db/importer"
)

// errorSampleSize is how many record errors the summary prints.
const errorSampleSize = 10

func renderReport(w io.Writer, r *importer.ImportReport, failedPath string) {
	heading := color.New(color.FgYellow)
	title := "Import Summary"
	if r.DryRun {
		title = "Validation Summary (dry run, nothing written)"
	}
	heading.Fprintf(w, "\n%s\n", title)
	fmt.Fprintf(w, "Source: %s  Run: %s  Took: %s\n", r.Source, r.RunID, r.Duration().Round(time.Millisecond))

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Outcome", "Rows", "Share"})
	for _, row := range []struct {
		label string
		n     int
	}{
		{"Processed", r.Processed},
		{"Inserted", r.Inserted},
		{"Updated", r.Updated},
		{"Repeat callers (+1 hit)", r.Conflicts},
		{"Skipped", r.Skipped},
		{"Failed", r.Failed},
	} {
		table.Append([]string{row.label, strconv.Itoa(row.n), percent(row.n, r.Processed)})
	}
	table.Render()

	if r.PagesFailed > 0 {
		color.New(color.FgRed).Fprintf(w, "%d of %d pages could not be committed\n", r.PagesFailed, r.Pages)
	}

	if len(r.ByKind) > 0 {
		heading.Fprintln(w, "\nBy Kind")
		kinds := make([]string, 0, len(r.ByKind))
		for k := range r.ByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)

		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Kind", "Count"})
		for _, k := range kinds {
			table.Append([]string{k, strconv.Itoa(r.ByKind[importer.ErrorKind(k)])})
		}
		table.Render()
	}

	if len(r.Errors) > 0 {
		n := len(r.Errors)
		if n > errorSampleSize {
			n = errorSampleSize
		}
		heading.Fprintf(w, "\nSample of Import Errors (%d of %d)\n", n, len(r.Errors)+r.ErrorsDropped)

		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Row", "Kind", "Code", "Phone", "Reason"})
		for _, e := range r.Errors[:n] {
			table.Append([]string{strconv.Itoa(e.Row), string(e.Kind), e.Code, e.Phone, e.Reason})
		}
		table.Render()
	}

	for _, warning := range r.Warnings {
		color.New(color.FgYellow).Fprintf(w, "warning: %s\n", warning)
	}
	if failedPath != "" {
		fmt.Fprintf(w, "Failed rows saved to: %s\n", failedPath)
	}

	switch {
	case r.Partial:
		color.New(color.FgRed).Fprintf(w, "Import stopped early, input could not be read: %s\n", r.ReadError)
		fmt.Fprintln(w, "Rows before the failure were committed.")
	case r.Cancelled:
		color.New(color.FgRed).Fprintln(w, "Import cancelled; committed pages were kept.")
	case r.Succeeded():
		color.New(color.FgGreen).Fprintln(w, "Import completed successfully!")
	default:
		color.New(color.FgYellow).Fprintln(w, "Import completed with errors.")
	}
}

func percent(n, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", float64(n)/float64(total)*100)
}
