// Package gold joins the Silver snapshots into the master establishment
// table and computes the fixed KPI aggregates. Everything is recomputed on
// each run.
package gold

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/config"
	"github.com/withobsrvr/sirene-pipeline/internal/duck"
	"github.com/withobsrvr/sirene-pipeline/internal/metrics"
	"github.com/withobsrvr/sirene-pipeline/internal/schema"
)

// ErrMissingSilver is returned when a Silver snapshot Gold reads is absent.
var ErrMissingSilver = errors.New("silver snapshot missing")

// SizeColumn is the legal-unit company size category.
const SizeColumn = "categorieEntreprise"

// Output names used in results and metrics.
const (
	OutputMaster             = "master"
	OutputRegionDistribution = "region_distribution"
	OutputDominantSectors    = "dominant_sectors"
	OutputSizeDistribution   = "size_distribution"
)

// Output is one written Gold file
type Output struct {
	Name string
	Path string
	Rows int64
}

// Result lists the Gold files of a run, master first
type Result struct {
	Outputs []Output
}

// Aggregator builds the Gold layer
type Aggregator struct {
	config   *config.Config
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// NewAggregator creates a Gold aggregator
func NewAggregator(cfg *config.Config, logger *zap.Logger, rec *metrics.Recorder) *Aggregator {
	return &Aggregator{config: cfg, logger: logger, recorder: rec}
}

// Run writes the master table, then each aggregate computed from it.
func (a *Aggregator) Run(ctx context.Context) (Result, error) {
	var res Result

	etabPath := a.config.SilverPath(schema.Establishments.String())
	ulPath := a.config.SilverPath(schema.LegalUnits.String())
	for _, p := range []string{etabPath, ulPath} {
		if _, err := os.Stat(p); err != nil {
			return res, fmt.Errorf("%w: %s", ErrMissingSilver, p)
		}
	}

	if err := os.MkdirAll(a.config.Gold.OutputDir, 0o755); err != nil {
		return res, fmt.Errorf("failed to create gold directory: %w", err)
	}

	client, err := duck.OpenMemory(a.logger)
	if err != nil {
		return res, err
	}
	defer client.Close()

	masterPath := a.config.MasterPath()
	a.logger.Info("building master table", zap.String("path", masterPath))
	master := duck.MasterJoin(duck.MasterOptions{
		Establishments:   etabPath,
		LegalUnits:       ulPath,
		LinkKey:          schema.Establishments.LinkKey(),
		LegalUnitColumns: a.config.Gold.LegalUnitColumns,
	})
	out, err := a.write(ctx, client, OutputMaster, master, masterPath)
	if err != nil {
		return res, err
	}
	res.Outputs = append(res.Outputs, out)

	kpis := []struct {
		name     string
		filename string
		query    string
	}{
		{OutputRegionDistribution, a.config.Gold.KPIs.RegionDistribution,
			duck.RegionCounts(masterPath, schema.RegionColumn)},
		{OutputDominantSectors, a.config.Gold.KPIs.DominantSectors,
			duck.DominantSectors(masterPath, schema.RegionColumn, schema.SectorColumn)},
		{OutputSizeDistribution, a.config.Gold.KPIs.SizeDistribution,
			duck.SizeCounts(masterPath, SizeColumn)},
	}
	for _, kpi := range kpis {
		a.logger.Info("computing KPI", zap.String("kpi", kpi.name))
		out, err := a.write(ctx, client, kpi.name, kpi.query, a.config.KPIPath(kpi.filename))
		if err != nil {
			return res, err
		}
		res.Outputs = append(res.Outputs, out)
	}

	a.logger.Info("gold layer complete", zap.String("dir", a.config.Gold.OutputDir))
	return res, nil
}

// write materializes query into a temp file, renames it to path and counts
// its rows.
func (a *Aggregator) write(ctx context.Context, client *duck.Client, name, query, path string) (Output, error) {
	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))

	if err := client.Exec(ctx, duck.CopyTo(query, tmp)); err != nil {
		a.removeTemp(tmp)
		return Output{}, fmt.Errorf("failed to write gold output %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		a.removeTemp(tmp)
		return Output{}, fmt.Errorf("failed to move gold output %s into place: %w", name, err)
	}

	rows, err := client.Count(ctx, duck.CountFile(path))
	if err != nil {
		return Output{}, err
	}
	a.recorder.GoldWritten(name, rows)
	a.logger.Info("gold output written",
		zap.String("output", name),
		zap.String("path", path),
		zap.Int64("rows", rows))
	return Output{Name: name, Path: path, Rows: rows}, nil
}

func (a *Aggregator) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("failed to remove temp file", zap.String("path", path), zap.Error(err))
	}
}
