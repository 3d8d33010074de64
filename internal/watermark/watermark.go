// Package watermark resolves the incremental extraction cutoff of a Silver
// snapshot.
package watermark

import (
	"context"
	"database/sql"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/duck"
)

// Sentinel is returned when no watermark can be read; it predates any
// SIRENE record, so the next extraction reads the full Bronze history.
var Sentinel = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Tracker reads watermarks from Silver snapshots
type Tracker struct {
	logger *zap.Logger
}

// NewTracker creates a watermark tracker
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Last returns MAX(ingested_at) of the snapshot at path. A missing or
// unreadable file, a missing column or an empty snapshot all yield Sentinel;
// Last never fails.
func (t *Tracker) Last(ctx context.Context, path string) time.Time {
	log := t.logger.With(zap.String("path", path))

	if _, err := os.Stat(path); err != nil {
		log.Debug("no silver snapshot, using sentinel watermark")
		return Sentinel
	}

	client, err := duck.OpenMemory(t.logger)
	if err != nil {
		log.Warn("failed to open DuckDB for watermark, using sentinel", zap.Error(err))
		return Sentinel
	}
	defer client.Close()

	q := duck.MaxIngestedAt(path)
	var last sql.NullTime
	if err := client.DB().QueryRowContext(ctx, q.SQL, q.Args...).Scan(&last); err != nil {
		log.Warn("failed to read watermark, using sentinel", zap.Error(err))
		return Sentinel
	}
	if !last.Valid {
		return Sentinel
	}
	return last.Time.UTC()
}
