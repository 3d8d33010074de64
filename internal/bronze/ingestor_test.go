package bronze

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/metrics"
	"github.com/withobsrvr/sirene-pipeline/internal/testutil"
)

type fixture struct {
	dir      string
	registry string
	ingestor *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	registry := filepath.Join(dir, "bronze", "registry.duckdb")
	return &fixture{
		dir:      dir,
		registry: registry,
		ingestor: NewIngestor(registry, zap.NewNop(), metrics.NewRecorder()),
	}
}

func (f *fixture) request(source, dataset string) Request {
	return Request{
		Source:      source,
		Destination: filepath.Join(f.dir, "bronze", dataset+".parquet"),
		Dataset:     dataset,
	}
}

func TestIngest_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := filepath.Join(f.dir, "raw", "ul.parquet")
	testutil.WriteParquet(t, src, `SELECT * FROM (VALUES
		('111111111', 'ACME'),
		('222222222', 'GLOBEX')
	) AS t(siren, denominationUniteLegale)`)

	req := f.request(src, "unites_legales")

	first, err := f.ingestor.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Inserted)
	assert.Equal(t, int64(2), first.Total)

	second, err := f.ingestor.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.Inserted)
	assert.Equal(t, int64(2), second.Total)

	assert.Equal(t, int64(2), testutil.RowCount(t, req.Destination))
}

func TestIngest_AntiJoinAddsOnlyUnseen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.ingestor.now = func() time.Time { return first }

	src := filepath.Join(f.dir, "raw", "etab.parquet")
	testutil.WriteParquet(t, src, `SELECT * FROM (VALUES
		('11111111100011', '111111111'),
		('22222222200022', '222222222')
	) AS t(siret, siren)`)
	req := f.request(src, "etablissements")

	_, err := f.ingestor.Ingest(ctx, req)
	require.NoError(t, err)

	testutil.WriteParquet(t, src, `SELECT * FROM (VALUES
		('11111111100011', '111111111'),
		('22222222200022', '222222222'),
		('33333333300033', '333333333')
	) AS t(siret, siren)`)
	second := first.Add(24 * time.Hour)
	f.ingestor.now = func() time.Time { return second }

	res, err := f.ingestor.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, int64(3), res.Total)

	tbl := testutil.ReadParquet(t, req.Destination, "siret")
	require.Equal(t, 3, tbl.Len())
	assert.Equal(t, "33333333300033", tbl.Get(2, "siret"))
	assert.Equal(t, second, tbl.Get(2, "ingested_at"))
	// existing records keep their first ingestion time
	assert.Equal(t, first, tbl.Get(0, "ingested_at"))
}

func TestIngest_LimitAppliesToIncrementOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := filepath.Join(f.dir, "raw", "ul.parquet")
	testutil.WriteParquet(t, src, `SELECT lpad(CAST(i AS VARCHAR), 9, '0') AS siren FROM range(1, 6) AS r(i)`)

	req := f.request(src, "unites_legales")
	req.Limit = 2

	res, err := f.ingestor.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Inserted)
	assert.Equal(t, int64(2), res.Total)

	res, err = f.ingestor.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Inserted)
	assert.Equal(t, int64(4), res.Total)
}

func TestIngest_SkipsNullAndRepeatedKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := filepath.Join(f.dir, "raw", "ul.parquet")
	testutil.WriteParquet(t, src, `SELECT * FROM (VALUES
		('111111111', 'a'),
		('111111111', 'b'),
		(NULL, 'c')
	) AS t(siren, nomUniteLegale)`)

	res, err := f.ingestor.Ingest(ctx, f.request(src, "unites_legales"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, int64(1), res.NullKeys)
	assert.Equal(t, int64(1), res.DuplicateKeys)

	// the null-key row is never appended, so a re-run stays a no-op
	res, err = f.ingestor.Ingest(ctx, f.request(src, "unites_legales"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Inserted)
	assert.Equal(t, int64(1), res.Total)
}

func TestIngest_ConcurrentSameRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	seed := filepath.Join(f.dir, "raw", "seed.parquet")
	testutil.WriteParquet(t, seed, `SELECT lpad(CAST(i AS VARCHAR), 9, '0') AS siren FROM range(0, 1000) AS r(i)`)
	_, err := f.ingestor.Ingest(ctx, f.request(seed, "unites_legales"))
	require.NoError(t, err)

	src := filepath.Join(f.dir, "raw", "ul.parquet")
	testutil.WriteParquet(t, src, `SELECT lpad(CAST(i AS VARCHAR), 9, '0') AS siren FROM range(0, 20000) AS r(i)`)
	req := f.request(src, "unites_legales")

	// a second ingestor shares the registry file but not the Go value
	other := NewIngestor(f.registry, zap.NewNop(), metrics.NewRecorder())

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for n, ing := range []*Ingestor{f.ingestor, other} {
		wg.Add(1)
		go func(n int, ing *Ingestor) {
			defer wg.Done()
			results[n], errs[n] = ing.Ingest(ctx, req)
		}(n, ing)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(19000), results[0].Inserted+results[1].Inserted)
	assert.ElementsMatch(t, []int64{0, 19000}, []int64{results[0].Inserted, results[1].Inserted})

	tbl := testutil.Query(t, `SELECT COUNT(*) AS total, COUNT(DISTINCT siren) AS keys FROM read_parquet(?)`, req.Destination)
	assert.EqualValues(t, 20000, tbl.Get(0, "total"))
	assert.EqualValues(t, 20000, tbl.Get(0, "keys"))
}

func TestLockRegistry_ResolvesRelativePaths(t *testing.T) {
	abs, err := filepath.Abs("registry.duckdb")
	require.NoError(t, err)

	unlock, err := lockRegistry("registry.duckdb")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release, err := lockRegistry(abs)
		if err == nil {
			release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same registry acquired while the first was held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock not released")
	}
}

func TestIngest_CSVSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := filepath.Join(f.dir, "raw", "ul.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("siren,categorieEntreprise\n012345678,PME\n"), 0o644))

	req := f.request(src, "unites_legales")
	req.Format = "csv"

	res, err := f.ingestor.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)

	// all_varchar keeps leading zeros
	tbl := testutil.ReadParquet(t, req.Destination, "")
	assert.Equal(t, "012345678", tbl.Get(0, "siren"))
}

func TestIngest_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("missing source", func(t *testing.T) {
		req := f.request(filepath.Join(f.dir, "raw", "missing.parquet"), "unites_legales")
		_, err := f.ingestor.Ingest(ctx, req)
		assert.Error(t, err)
		_, statErr := os.Stat(req.Destination)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("invalid dataset name", func(t *testing.T) {
		_, err := f.ingestor.Ingest(ctx, f.request("x.parquet", "bad-name"))
		assert.Error(t, err)
	})

	t.Run("source without primary key", func(t *testing.T) {
		src := filepath.Join(f.dir, "raw", "nokey.parquet")
		testutil.WriteParquet(t, src, "SELECT 'x' AS other")
		_, err := f.ingestor.Ingest(ctx, f.request(src, "unites_legales"))
		assert.Error(t, err)
	})

	t.Run("registry released after failure", func(t *testing.T) {
		src := filepath.Join(f.dir, "raw", "ok.parquet")
		testutil.WriteParquet(t, src, "SELECT '999999999' AS siren")
		_, err := f.ingestor.Ingest(ctx, f.request(src, "other_units"))
		assert.NoError(t, err)
	})
}
