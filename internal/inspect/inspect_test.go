package inspect

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/config"
	"github.com/withobsrvr/sirene-pipeline/internal/testutil"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		BronzeDir: filepath.Join(dir, "bronze"),
		Datasets: map[string]config.DatasetConfig{
			"etablissements": {URL: "https://example.invalid/etab.parquet"},
			"unites_legales": {URL: "https://example.invalid/ul.parquet"},
		},
		Silver: config.SilverConfig{OutputDir: filepath.Join(dir, "silver")},
		Gold:   config.GoldConfig{OutputDir: filepath.Join(dir, "gold")},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestSilver(t *testing.T) {
	cfg := newTestConfig(t)
	testutil.WriteParquet(t, cfg.SilverPath("etablissements"), `SELECT * FROM (VALUES
		('11111111100011', '75', '62', 10, TIMESTAMP '2025-01-01 00:00:00'),
		('22222222200022', '93', NULL, -1, TIMESTAMP '2025-02-01 00:00:00'),
		('33333333300033', '95', NULL, 3, TIMESTAMP '2025-02-01 00:00:00'),
		('44444444400044', '75', '47', 7, TIMESTAMP '2025-02-01 00:00:00')
	) AS t(siret, region, sector, age, ingested_at)`)

	reports, err := New(cfg, zap.NewNop()).Silver(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)

	etab := reports[0]
	assert.Equal(t, "etablissements", etab.Name)
	assert.True(t, etab.Exists)
	require.NoError(t, etab.Err)
	assert.Equal(t, int64(4), etab.Rows)
	assert.Equal(t, 5, etab.Columns)
	assert.Equal(t, 50.0, etab.NullPercent["sector"])
	assert.Equal(t, 0.0, etab.NullPercent["region"])
	assert.Equal(t, int64(2), etab.Batches)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), etab.LastIngested)

	assert.False(t, reports[1].Exists)
}

func TestBronzeAndGold(t *testing.T) {
	cfg := newTestConfig(t)
	bronze, err := cfg.BronzePath("unites_legales")
	require.NoError(t, err)
	testutil.WriteParquet(t, bronze, "SELECT '111111111' AS siren, 'PME' AS categorieEntreprise")
	testutil.WriteParquet(t, cfg.MasterPath(), "SELECT '11111111100011' AS siret")

	insp := New(cfg, zap.NewNop())

	reports, err := insp.Bronze(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.False(t, reports[0].Exists, "etablissements export was never written")
	assert.Equal(t, int64(1), reports[1].Rows)
	assert.Equal(t, 2, reports[1].Columns)

	gold, err := insp.Gold(context.Background())
	require.NoError(t, err)
	require.Len(t, gold, 4)
	assert.True(t, gold[0].Exists)
	assert.Equal(t, int64(1), gold[0].Rows)
	assert.False(t, gold[1].Exists)
}
