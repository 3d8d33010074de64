package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/withobsrvr/sirene-pipeline/internal/inspect"
	"github.com/withobsrvr/sirene-pipeline/internal/pipeline"
)

const timeLayout = "2006-01-02 15:04:05"

func (a *app) newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "inspect [bronze|silver|gold]",
		Short:     "Summarize what each layer holds on disk",
		ValidArgs: []string{"bronze", "silver", "gold"},
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			layer := ""
			if len(args) == 1 {
				layer = args[0]
			}
			return a.execute(cmd, func(ctx context.Context) error {
				return a.inspect(ctx, layer)
			})
		},
	}
}

func (a *app) inspect(ctx context.Context, layer string) error {
	insp := inspect.New(a.config, a.logger)
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if layer == "" || layer == pipeline.StageBronze {
		reports, err := insp.Bronze(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "BRONZE\tROWS\tCOLUMNS\tREGISTRY ROWS\tPATH")
		for _, r := range reports {
			registry := fmt.Sprint(r.RegistryRows)
			if r.RegistryErr != nil {
				registry = "n/a"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.Name, rows(r.FileReport), r.Columns, registry, r.Path)
		}
		fmt.Fprintln(w)
	}

	if layer == "" || layer == pipeline.StageSilver {
		reports, err := insp.Silver(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "SILVER\tROWS\tCOLUMNS\tBATCHES\tINGESTED\tNULL %")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				r.Name, rows(r.FileReport), r.Columns, r.Batches,
				span(r.FirstIngested, r.LastIngested), nullRates(r.NullPercent))
		}
		fmt.Fprintln(w)
	}

	if layer == "" || layer == pipeline.StageGold {
		reports, err := insp.Gold(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "GOLD\tROWS\tCOLUMNS\tPATH")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Name, rows(r), r.Columns, r.Path)
		}
	}
	return nil
}

func rows(r inspect.FileReport) string {
	switch {
	case !r.Exists:
		return "missing"
	case r.Err != nil:
		return "unreadable: " + r.Err.Error()
	default:
		return fmt.Sprint(r.Rows)
	}
}

func span(first, last time.Time) string {
	if first.IsZero() {
		return "-"
	}
	return first.Format(timeLayout) + " .. " + last.Format(timeLayout)
}

func nullRates(pct map[string]float64) string {
	if len(pct) == 0 {
		return "-"
	}
	cols := make([]string, 0, len(pct))
	for c := range pct {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	out := ""
	for i, c := range cols {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%.1f", c, pct[c])
	}
	return out
}

// printReport writes one line per stage outcome of a full run.
func printReport(out io.Writer, report pipeline.Report) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "DATASET\tBRONZE\tSILVER")
	for _, d := range report.Datasets {
		bronze := fmt.Sprintf("+%d (total %d)", d.Bronze.Inserted, d.Bronze.Total)
		if d.BronzeErr != nil {
			bronze = "failed"
		}
		silver := fmt.Sprintf("%d rows", d.Silver.Rows)
		switch {
		case d.SilverErr != nil:
			silver = "failed"
		case d.Silver.Skipped:
			silver = "up to date"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Dataset, bronze, silver)
	}

	if report.GoldErr != nil {
		fmt.Fprintln(w, "gold\tfailed\t")
		return
	}
	for _, o := range report.Gold.Outputs {
		fmt.Fprintf(w, "gold\t%s\t%d rows\n", o.Name, o.Rows)
	}
}
