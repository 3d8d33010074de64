// Package silver turns Bronze exports into cleaned, validated Silver
// snapshots, one incremental batch at a time.
package silver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/config"
	"github.com/withobsrvr/sirene-pipeline/internal/duck"
	"github.com/withobsrvr/sirene-pipeline/internal/metrics"
	"github.com/withobsrvr/sirene-pipeline/internal/schema"
	"github.com/withobsrvr/sirene-pipeline/internal/table"
	"github.com/withobsrvr/sirene-pipeline/internal/watermark"
)

// Drop reasons reported to metrics.
const (
	ReasonMissingKey = "missing_key"
	ReasonPostalCode = "postal_code"
	ReasonSuperseded = "superseded"
)

// Result reports the outcome of one Silver run
type Result struct {
	Dataset   string
	Watermark time.Time
	Extracted int
	Dropped   int
	// Rows is the size of the persisted snapshot; zero when Skipped.
	Rows    int
	Skipped bool
	Path    string
}

// Transformer performs incremental Bronze to Silver transformations
type Transformer struct {
	config   *config.Config
	logger   *zap.Logger
	recorder *metrics.Recorder
	tracker  *watermark.Tracker
	now      func() time.Time
}

// NewTransformer creates a new Silver transformer
func NewTransformer(cfg *config.Config, logger *zap.Logger, rec *metrics.Recorder) *Transformer {
	return &Transformer{
		config:   cfg,
		logger:   logger,
		recorder: rec,
		tracker:  watermark.NewTracker(logger),
		now:      time.Now,
	}
}

// Transform processes the Bronze rows of dataset newer than its Silver
// watermark and rewrites the Silver snapshot. With nothing new to process it
// returns a skipped result and touches no file. A schema violation returns a
// *schema.ValidationError and leaves the previous snapshot in place.
func (t *Transformer) Transform(ctx context.Context, dataset string) (Result, error) {
	res := Result{Dataset: dataset}
	log := t.logger.With(zap.String("dataset", dataset))

	variant, err := schema.Lookup(dataset)
	if err != nil {
		return res, err
	}
	columns, err := t.config.SelectedColumns(dataset)
	if err != nil {
		return res, err
	}
	bronzePath, err := t.config.BronzePath(dataset)
	if err != nil {
		return res, err
	}
	res.Path = t.config.SilverPath(dataset)

	res.Watermark = t.tracker.Last(ctx, res.Path)
	log.Info("starting silver transformation", zap.Time("watermark", res.Watermark))

	client, err := duck.OpenMemory(t.logger)
	if err != nil {
		return res, err
	}
	defer client.Close()

	batch, err := t.extract(ctx, client, variant, bronzePath, columns, res.Watermark)
	if err != nil {
		return res, fmt.Errorf("extraction failed for %s: %w", dataset, err)
	}
	res.Extracted = batch.Len()
	t.recorder.SilverExtracted(dataset, res.Extracted)
	log.Info("extracted new rows", zap.Int("rows", res.Extracted))

	if batch.Len() == 0 {
		log.Info("no new data to process")
		res.Skipped = true
		return res, nil
	}

	stats := clean(batch, variant, t.now())
	t.recorder.SilverDropped(dataset, ReasonMissingKey, stats.missingKeys)
	t.recorder.SilverDropped(dataset, ReasonPostalCode, stats.invalidPostal)
	if stats.invalidPostal > 0 {
		log.Warn("dropped malformed postal codes", zap.Int("rows", stats.invalidPostal))
	}
	res.Dropped = stats.missingKeys + stats.invalidPostal

	merged, err := t.merge(ctx, client, variant, res.Path, batch)
	if err != nil {
		return res, err
	}

	log.Info("validating silver snapshot", zap.Int("rows", merged.Len()))
	if err := variant.Validate(merged); err != nil {
		t.recorder.ValidationFailed(dataset)
		log.Error("schema validation failed", zap.Error(err))
		return res, err
	}

	if err := writeParquet(merged, variant, res.Path); err != nil {
		return res, err
	}
	res.Rows = merged.Len()
	t.recorder.SilverPersisted(dataset, res.Rows)

	log.Info("silver transformation complete",
		zap.Int("new_rows", batch.Len()),
		zap.Int("snapshot_rows", res.Rows),
		zap.String("path", res.Path))
	return res, nil
}

func (t *Transformer) extract(ctx context.Context, client *duck.Client, v schema.Variant, bronzePath string, columns []string, wm time.Time) (*table.Table, error) {
	opts := duck.ExtractOptions{
		Source:      bronzePath,
		Columns:     columns,
		DateColumns: []string{v.CreationDateColumn()},
		Watermark:   wm,
	}
	if v.PostalColumn() != "" {
		opts.RegionColumn = v.PostalColumn()
		opts.Regions = t.config.RegionFilter()
	}
	return client.QueryTable(ctx, duck.ExtractSilver(opts))
}

// merge stacks the cleaned batch under the existing snapshot, re-checks
// postal codes across both and keeps the newest row per primary key.
func (t *Transformer) merge(ctx context.Context, client *duck.Client, v schema.Variant, path string, batch *table.Table) (*table.Table, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return batch, nil
	}

	existing, err := client.QueryTable(ctx, duck.Query{SQL: "SELECT * FROM read_parquet(" + duck.Literal(path) + ")"})
	if err != nil {
		return nil, fmt.Errorf("failed to read existing silver snapshot: %w", err)
	}
	t.logger.Info("merging with existing silver snapshot",
		zap.String("dataset", v.String()),
		zap.Int("existing_rows", existing.Len()))

	merged := table.Concat(existing, batch)
	if dropped := normalizePostalCodes(merged, v); dropped > 0 {
		t.recorder.SilverDropped(v.String(), ReasonPostalCode, dropped)
	}

	superseded, err := merged.DedupKeepLast(v.PrimaryKey())
	if err != nil {
		return nil, err
	}
	t.recorder.SilverDropped(v.String(), ReasonSuperseded, superseded)
	return merged, nil
}
