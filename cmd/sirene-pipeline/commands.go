package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/pipeline"
)

func (a *app) newRunCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run Bronze, Silver and Gold for every configured dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd, func(ctx context.Context) error {
				runner := pipeline.NewRunner(a.config, a.logger, a.recorder)
				runner.Limit = limit
				report := runner.Run(ctx)
				printReport(a.stdout, report)
				return report.Err()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows appended per dataset (overrides sample_limit)")
	return cmd
}

func (a *app) newBronzeCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "bronze [dataset...]",
		Short: "Append unseen source rows to the Bronze registry",
		Long:  "Ingests the named datasets, or every configured dataset when none is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd, func(ctx context.Context) error {
				defer a.flushMetrics()
				runner := pipeline.NewRunner(a.config, a.logger, a.recorder)
				runner.Limit = limit

				var errs []error
				for _, name := range a.datasets(args) {
					res, err := runner.Bronze(ctx, name)
					if err != nil {
						errs = append(errs, fmt.Errorf("bronze %s: %w", name, err))
						continue
					}
					fmt.Fprintf(a.stdout, "%s\tinserted=%d\ttotal=%d\texport=%s\n",
						name, res.Inserted, res.Total, res.ExportedToPath)
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows appended per dataset (overrides sample_limit)")
	return cmd
}

func (a *app) newSilverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "silver [dataset...]",
		Short: "Process Bronze rows newer than each Silver watermark",
		Long:  "Transforms the named datasets, or every configured dataset when none is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd, func(ctx context.Context) error {
				defer a.flushMetrics()
				runner := pipeline.NewRunner(a.config, a.logger, a.recorder)

				var errs []error
				for _, name := range a.datasets(args) {
					res, err := runner.Silver(ctx, name)
					if err != nil {
						errs = append(errs, fmt.Errorf("silver %s: %w", name, err))
						continue
					}
					if res.Skipped {
						fmt.Fprintf(a.stdout, "%s\tup to date (watermark %s)\n", name, res.Watermark.Format("2006-01-02 15:04:05"))
						continue
					}
					fmt.Fprintf(a.stdout, "%s\textracted=%d\tdropped=%d\trows=%d\tsnapshot=%s\n",
						name, res.Extracted, res.Dropped, res.Rows, res.Path)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func (a *app) newGoldCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gold",
		Short: "Rebuild the master table and KPI files from the Silver snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd, func(ctx context.Context) error {
				defer a.flushMetrics()
				res, err := pipeline.NewRunner(a.config, a.logger, a.recorder).Gold(ctx)
				if err != nil {
					return err
				}
				for _, out := range res.Outputs {
					fmt.Fprintf(a.stdout, "%s\trows=%d\t%s\n", out.Name, out.Rows, out.Path)
				}
				return nil
			})
		},
	}
}

// datasets returns args, or every configured dataset when args is empty.
func (a *app) datasets(args []string) []string {
	if len(args) > 0 {
		return args
	}
	names := a.config.DatasetNames()
	a.logger.Debug("no dataset given, using all configured", zap.Strings("datasets", names))
	return names
}
