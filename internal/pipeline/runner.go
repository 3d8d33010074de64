// Package pipeline sequences the layers for a full run: Bronze for every
// configured dataset, Silver for each dataset whose Bronze step succeeded,
// then Gold when every Silver step succeeded.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/bronze"
	"github.com/withobsrvr/sirene-pipeline/internal/config"
	"github.com/withobsrvr/sirene-pipeline/internal/gold"
	"github.com/withobsrvr/sirene-pipeline/internal/metrics"
	"github.com/withobsrvr/sirene-pipeline/internal/silver"
)

// ErrNotEligible marks a stage that did not run because an upstream stage failed.
var ErrNotEligible = errors.New("upstream stage failed")

// Stage names, also used as metric step prefixes.
const (
	StageBronze = "bronze"
	StageSilver = "silver"
	StageGold   = "gold"
)

// DatasetOutcome is the result of the Bronze and Silver stages of one dataset
type DatasetOutcome struct {
	Dataset   string
	Bronze    bronze.Result
	BronzeErr error
	Silver    silver.Result
	// SilverErr is ErrNotEligible when Bronze failed.
	SilverErr error
}

// Report collects every stage outcome of a run
type Report struct {
	Datasets []DatasetOutcome
	Gold     gold.Result
	// GoldErr is ErrNotEligible when any Silver step failed.
	GoldErr error
}

// Failed reports whether any stage failed or was skipped for a failure.
func (r Report) Failed() bool {
	for _, d := range r.Datasets {
		if d.BronzeErr != nil || d.SilverErr != nil {
			return true
		}
	}
	return r.GoldErr != nil
}

// Err joins the stage errors of the run, nil when everything succeeded.
func (r Report) Err() error {
	var errs []error
	for _, d := range r.Datasets {
		if d.BronzeErr != nil {
			errs = append(errs, fmt.Errorf("bronze %s: %w", d.Dataset, d.BronzeErr))
		}
		if d.SilverErr != nil && !errors.Is(d.SilverErr, ErrNotEligible) {
			errs = append(errs, fmt.Errorf("silver %s: %w", d.Dataset, d.SilverErr))
		}
	}
	if r.GoldErr != nil && !errors.Is(r.GoldErr, ErrNotEligible) {
		errs = append(errs, fmt.Errorf("gold: %w", r.GoldErr))
	}
	return errors.Join(errs...)
}

// Runner runs the whole pipeline
type Runner struct {
	config      *config.Config
	logger      *zap.Logger
	recorder    *metrics.Recorder
	ingestor    *bronze.Ingestor
	transformer *silver.Transformer
	aggregator  *gold.Aggregator

	// Limit caps the rows appended per dataset by the Bronze stage. When
	// zero, the configured sample_limit applies.
	Limit int
}

// NewRunner wires the layer components from one configuration.
func NewRunner(cfg *config.Config, logger *zap.Logger, rec *metrics.Recorder) *Runner {
	return &Runner{
		config:      cfg,
		logger:      logger,
		recorder:    rec,
		ingestor:    bronze.NewIngestor(cfg.BronzeRegistry, logger, rec),
		transformer: silver.NewTransformer(cfg, logger, rec),
		aggregator:  gold.NewAggregator(cfg, logger, rec),
	}
}

// Run executes every stage. A dataset failure never stops the other
// datasets; the returned report says what ran and what failed.
func (r *Runner) Run(ctx context.Context) Report {
	var report Report

	r.logger.Info("starting pipeline",
		zap.String("env", r.config.Env),
		zap.Strings("datasets", r.config.DatasetNames()),
		zap.Int("limit", r.limit()))

	for _, name := range r.config.DatasetNames() {
		outcome := DatasetOutcome{Dataset: name}
		outcome.Bronze, outcome.BronzeErr = r.Bronze(ctx, name)
		report.Datasets = append(report.Datasets, outcome)
	}

	for i := range report.Datasets {
		d := &report.Datasets[i]
		if d.BronzeErr != nil {
			d.SilverErr = ErrNotEligible
			r.logger.Warn("skipping silver", zap.String("dataset", d.Dataset), zap.Error(d.BronzeErr))
			continue
		}
		d.Silver, d.SilverErr = r.Silver(ctx, d.Dataset)
	}

	if report.Failed() {
		report.GoldErr = ErrNotEligible
		r.logger.Warn("skipping gold, not every dataset reached silver")
	} else {
		report.Gold, report.GoldErr = r.Gold(ctx)
	}

	if path := r.config.Metrics.Textfile; path != "" {
		if err := r.recorder.WriteTextfile(path); err != nil {
			r.logger.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}

	if report.Failed() {
		r.logger.Error("pipeline finished with failures", zap.Error(report.Err()))
	} else {
		r.logger.Info("pipeline finished")
	}
	return report
}

// Bronze ingests one configured dataset.
func (r *Runner) Bronze(ctx context.Context, name string) (bronze.Result, error) {
	var res bronze.Result
	ds, err := r.config.Dataset(name)
	if err != nil {
		return res, err
	}
	dest, err := r.config.BronzePath(name)
	if err != nil {
		return res, err
	}

	err = metrics.Step(r.logger, r.recorder, StageBronze+":"+name, func() error {
		var err error
		res, err = r.ingestor.Ingest(ctx, bronze.Request{
			Source:      ds.URL,
			Destination: dest,
			Dataset:     name,
			Format:      ds.Format,
			Limit:       r.limit(),
		})
		return err
	})
	return res, err
}

// Silver transforms one dataset.
func (r *Runner) Silver(ctx context.Context, name string) (silver.Result, error) {
	var res silver.Result
	err := metrics.Step(r.logger, r.recorder, StageSilver+":"+name, func() error {
		var err error
		res, err = r.transformer.Transform(ctx, name)
		return err
	})
	return res, err
}

// Gold rebuilds the Gold layer.
func (r *Runner) Gold(ctx context.Context) (gold.Result, error) {
	var res gold.Result
	err := metrics.Step(r.logger, r.recorder, StageGold, func() error {
		var err error
		res, err = r.aggregator.Run(ctx)
		return err
	})
	return res, err
}

func (r *Runner) limit() int {
	if r.Limit > 0 {
		return r.Limit
	}
	return r.config.SampleLimit
}
