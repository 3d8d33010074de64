// Package inspect summarizes what each layer currently holds on disk: row
// counts, column counts, derived column null rates and ingestion spans.
package inspect

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/config"
	"github.com/withobsrvr/sirene-pipeline/internal/duck"
	"github.com/withobsrvr/sirene-pipeline/internal/schema"
)

// FileReport describes one parquet file. Err is set when the file exists
// but cannot be read.
type FileReport struct {
	Name    string
	Path    string
	Exists  bool
	Rows    int64
	Columns int
	Err     error
}

// BronzeReport adds the registry table size to the export file report.
type BronzeReport struct {
	FileReport
	RegistryRows int64
	RegistryErr  error
}

// SilverReport adds derived column quality and ingestion spans.
type SilverReport struct {
	FileReport
	// NullPercent maps each derived column (and ingested_at) to its share of
	// null values, 0 to 100. A derived column missing from the file is absent.
	NullPercent   map[string]float64
	FirstIngested time.Time
	LastIngested  time.Time
	Batches       int64
}

// Inspector reads layer outputs without modifying them
type Inspector struct {
	config *config.Config
	logger *zap.Logger
}

// New creates an inspector
func New(cfg *config.Config, logger *zap.Logger) *Inspector {
	return &Inspector{config: cfg, logger: logger}
}

// Bronze reports every configured dataset's export and registry table.
func (i *Inspector) Bronze(ctx context.Context) ([]BronzeReport, error) {
	client, err := duck.OpenMemory(i.logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var registry *duck.Client
	if _, err := os.Stat(i.config.BronzeRegistry); err == nil {
		registry, err = duck.Open(i.config.BronzeRegistry+"?access_mode=read_only", i.logger)
		if err != nil {
			i.logger.Warn("failed to open bronze registry", zap.Error(err))
		} else {
			defer registry.Close()
		}
	}

	var reports []BronzeReport
	for _, name := range i.config.DatasetNames() {
		path, err := i.config.BronzePath(name)
		if err != nil {
			return nil, err
		}
		report := BronzeReport{FileReport: i.file(ctx, client, name, path)}

		if registry != nil {
			q, err := duck.CountTable(name)
			if err == nil {
				report.RegistryRows, report.RegistryErr = registry.Count(ctx, q)
			} else {
				report.RegistryErr = err
			}
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Silver reports every supported dataset's snapshot.
func (i *Inspector) Silver(ctx context.Context) ([]SilverReport, error) {
	client, err := duck.OpenMemory(i.logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var reports []SilverReport
	for _, v := range schema.Variants() {
		path := i.config.SilverPath(v.String())
		report := SilverReport{FileReport: i.file(ctx, client, v.String(), path)}
		if report.Exists && report.Err == nil {
			report.Err = i.silverQuality(ctx, client, v, &report)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Gold reports the master table and each aggregate.
func (i *Inspector) Gold(ctx context.Context) ([]FileReport, error) {
	client, err := duck.OpenMemory(i.logger)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	files := []string{
		i.config.Gold.MasterFilename,
		i.config.Gold.KPIs.RegionDistribution,
		i.config.Gold.KPIs.DominantSectors,
		i.config.Gold.KPIs.SizeDistribution,
	}
	reports := make([]FileReport, 0, len(files))
	for _, f := range files {
		reports = append(reports, i.file(ctx, client, f, i.config.KPIPath(f)))
	}
	return reports, nil
}

func (i *Inspector) file(ctx context.Context, client *duck.Client, name, path string) FileReport {
	report := FileReport{Name: name, Path: path}
	if _, err := os.Stat(path); err != nil {
		return report
	}
	report.Exists = true

	if report.Rows, report.Err = client.Count(ctx, duck.CountFile(path)); report.Err != nil {
		return report
	}
	cols, err := client.QueryTable(ctx, duck.DescribeFile(path))
	if err != nil {
		report.Err = err
		return report
	}
	report.Columns = cols.Len()
	return report
}

func (i *Inspector) silverQuality(ctx context.Context, client *duck.Client, v schema.Variant, report *SilverReport) error {
	desc, err := client.QueryTable(ctx, duck.DescribeFile(report.Path))
	if err != nil {
		return err
	}
	present := make(map[string]bool)
	for _, c := range desc.Column("column_name") {
		if s, ok := c.(string); ok {
			present[s] = true
		}
	}

	checked := []string{schema.SectorColumn, schema.AgeColumn, schema.IngestedAtColumn}
	if v.PostalColumn() != "" {
		checked = append([]string{schema.RegionColumn}, checked...)
	}

	report.NullPercent = make(map[string]float64)
	for _, col := range checked {
		if !present[col] {
			continue
		}
		var nulls int64
		q := duck.NullCount(report.Path, col)
		if err := client.DB().QueryRowContext(ctx, q.SQL, q.Args...).Scan(&nulls); err != nil {
			return fmt.Errorf("failed to count nulls in %s: %w", col, err)
		}
		if report.Rows > 0 {
			report.NullPercent[col] = float64(nulls) * 100 / float64(report.Rows)
		} else {
			report.NullPercent[col] = 0
		}
	}

	if !present[schema.IngestedAtColumn] {
		return nil
	}
	q := duck.IngestionSpan(report.Path)
	var first, last sql.NullTime
	if err := client.DB().QueryRowContext(ctx, q.SQL, q.Args...).Scan(&first, &last, &report.Batches); err != nil {
		return fmt.Errorf("failed to read ingestion span: %w", err)
	}
	report.FirstIngested, report.LastIngested = first.Time, last.Time
	return nil
}
