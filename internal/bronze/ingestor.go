// Package bronze appends unseen source records to the persistent Bronze
// registry and exports each dataset's registry table to parquet.
package bronze

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/duck"
	"github.com/withobsrvr/sirene-pipeline/internal/metrics"
	"github.com/withobsrvr/sirene-pipeline/internal/schema"
)

// Request describes one ingestion run for a dataset
type Request struct {
	Source      string // URL or local path of the raw dataset
	Destination string // Bronze parquet export
	Dataset     string // registry table name, also selects the primary key
	Format      string // parquet (default) or csv
	Limit       int    // cap on rows appended by this run; 0 = no cap
	// RegistryPath overrides the ingestor's default registry file.
	RegistryPath string
}

// Result reports the outcome of an ingestion run
type Result struct {
	Inserted       int64
	Total          int64
	NullKeys       int64
	DuplicateKeys  int64
	RegistryPath   string
	ExportedToPath string
}

// Ingestor performs idempotent Bronze appends
type Ingestor struct {
	registry string
	logger   *zap.Logger
	recorder *metrics.Recorder
	now      func() time.Time
}

// NewIngestor creates an ingestor writing to the given default registry.
func NewIngestor(registryPath string, logger *zap.Logger, rec *metrics.Recorder) *Ingestor {
	return &Ingestor{
		registry: registryPath,
		logger:   logger,
		recorder: rec,
		now:      time.Now,
	}
}

// Ingest appends the source rows whose primary key the registry has not seen
// yet, stamped with this run's timestamp, then rewrites the Bronze export.
// The registry handle is released on every path; a close failure is logged
// and only returned when the run itself succeeded.
func (i *Ingestor) Ingest(ctx context.Context, req Request) (res Result, err error) {
	registryPath := req.RegistryPath
	if registryPath == "" {
		registryPath = i.registry
	}
	pk := schema.PrimaryKeyFor(req.Dataset)
	log := i.logger.With(
		zap.String("dataset", req.Dataset),
		zap.String("primary_key", pk),
		zap.String("registry", registryPath))

	if _, err := duck.TableName(req.Dataset); err != nil {
		return res, fmt.Errorf("invalid dataset name: %w", err)
	}
	source, err := duck.SourceReader(req.Source, req.Format)
	if err != nil {
		return res, err
	}

	unlock, err := lockRegistry(registryPath)
	if err != nil {
		return res, err
	}
	defer unlock()

	for _, dir := range []string{filepath.Dir(req.Destination), filepath.Dir(registryPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	client, err := duck.Open(registryPath, i.logger)
	if err != nil {
		return res, fmt.Errorf("failed to open bronze registry: %w", err)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close bronze registry: %w", cerr)
		}
	}()

	if err := client.LoadExtensionsFor(ctx, req.Source); err != nil {
		return res, err
	}

	log.Info("ingesting source", zap.String("source", req.Source), zap.Int("limit", req.Limit))

	if err := i.appendUnseen(ctx, client, req, source, pk, &res); err != nil {
		return res, err
	}
	if res.NullKeys > 0 || res.DuplicateKeys > 0 {
		log.Warn("source rows skipped",
			zap.Int64("null_keys", res.NullKeys),
			zap.Int64("duplicate_keys", res.DuplicateKeys))
	}

	if res.Inserted == 0 {
		log.Info("bronze registry up to date, no new rows")
	} else {
		log.Info("appended new rows", zap.Int64("inserted", res.Inserted))
	}

	if err := i.export(ctx, client, req.Dataset, req.Destination); err != nil {
		return res, err
	}

	countQ, err := duck.CountTable(req.Dataset)
	if err != nil {
		return res, err
	}
	if res.Total, err = client.Count(ctx, countQ); err != nil {
		return res, err
	}
	res.RegistryPath = registryPath
	res.ExportedToPath = req.Destination

	i.recorder.BronzeIngested(req.Dataset, res.Inserted, res.Total)
	log.Info("bronze ingestion complete",
		zap.Int64("total_rows", res.Total),
		zap.String("export", req.Destination))
	return res, nil
}

// appendUnseen reads the source once into a staging table, then creates the
// registry table when needed and runs the anti-join insert, all in one
// transaction. Source key statistics are taken from the staged rows.
func (i *Ingestor) appendUnseen(ctx context.Context, client *duck.Client, req Request, source, pk string, res *Result) error {
	stage := duck.StageSource(source)
	create, err := duck.CreateRegistryTable(req.Dataset, duck.StagingTable)
	if err != nil {
		return err
	}
	insert, err := duck.InsertUnseen(duck.InsertOptions{
		Table:      req.Dataset,
		Source:     duck.StagingTable,
		PrimaryKey: pk,
		Limit:      req.Limit,
		IngestedAt: i.now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return err
	}

	tx, err := client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			i.logger.Warn("failed to roll back bronze transaction", zap.Error(rerr))
		}
	}()

	if _, err := tx.ExecContext(ctx, stage.SQL); err != nil {
		return fmt.Errorf("failed to read source %s: %w", req.Source, err)
	}
	stats := duck.SourceKeyStats(duck.StagingTable, pk)
	if err := tx.QueryRowContext(ctx, stats.SQL).Scan(&res.NullKeys, &res.DuplicateKeys); err != nil {
		return fmt.Errorf("failed to count source keys: %w", err)
	}

	if _, err := tx.ExecContext(ctx, create.SQL); err != nil {
		return fmt.Errorf("failed to create registry table %s: %w", req.Dataset, err)
	}

	result, err := tx.ExecContext(ctx, insert.SQL, insert.Args...)
	if err != nil {
		return fmt.Errorf("failed to append unseen rows to %s: %w", req.Dataset, err)
	}
	if res.Inserted, err = result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read inserted row count: %w", err)
	}

	if _, err := tx.ExecContext(ctx, duck.DropStaging().SQL); err != nil {
		return fmt.Errorf("failed to drop staging table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bronze append: %w", err)
	}
	return nil
}

// export copies the registry table to a temporary file beside dest and
// renames it into place.
func (i *Ingestor) export(ctx context.Context, client *duck.Client, dataset, dest string) error {
	tmp := fmt.Sprintf("%s.%s.tmp", dest, uuid.NewString())

	q, err := duck.ExportTable(dataset, tmp)
	if err != nil {
		return err
	}
	if err := client.Exec(ctx, q); err != nil {
		removeTemp(i.logger, tmp)
		return fmt.Errorf("failed to export %s: %w", dataset, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		removeTemp(i.logger, tmp)
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}

func removeTemp(logger *zap.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove temp file", zap.String("path", path), zap.Error(err))
	}
}
