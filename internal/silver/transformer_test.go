package silver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/withobsrvr/sirene-pipeline/internal/config"
	"github.com/withobsrvr/sirene-pipeline/internal/metrics"
	"github.com/withobsrvr/sirene-pipeline/internal/schema"
	"github.com/withobsrvr/sirene-pipeline/internal/testutil"
)

var (
	t1    = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	t2    = time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)
	today = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
)

// etab is one Bronze establishment row; empty strings become NULL.
type etab struct {
	siret, siren, postal, enseigne, created string
	ingested                                time.Time
}

func sqlString(s string) string {
	if s == "" {
		return "CAST(NULL AS VARCHAR)"
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func writeEtabBronze(t *testing.T, path string, rows ...etab) {
	t.Helper()
	values := make([]string, len(rows))
	for i, r := range rows {
		values[i] = fmt.Sprintf("(%s, %s, 'A', %s, %s, 'PARIS', '62.01Z', CAST(NULL AS VARCHAR), true, %s, TIMESTAMP '%s')",
			sqlString(r.siret), sqlString(r.siren), sqlString(r.created), sqlString(r.postal),
			sqlString(r.enseigne), r.ingested.Format("2006-01-02 15:04:05"))
	}
	testutil.WriteParquet(t, path, "SELECT * FROM (VALUES "+strings.Join(values, ", ")+") AS t("+
		"siret, siren, etatAdministratifEtablissement, dateCreationEtablissement, codePostalEtablissement, "+
		"libelleCommuneEtablissement, activitePrincipaleEtablissement, trancheEffectifsEtablissement, "+
		"etablissementSiege, enseigne1Etablissement, ingested_at)")
}

func newTestConfig(t *testing.T, regions ...string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		BronzeDir: filepath.Join(dir, "bronze"),
		Datasets: map[string]config.DatasetConfig{
			"etablissements": {URL: "https://example.invalid/etab.parquet"},
			"unites_legales": {URL: "https://example.invalid/ul.parquet"},
		},
		Silver: config.SilverConfig{
			OutputDir: filepath.Join(dir, "silver"),
			Datasets: map[string]config.SilverDatasetConfig{
				"etablissements": {SelectedColumns: schema.Establishments.SourceColumns()},
				"unites_legales": {SelectedColumns: schema.LegalUnits.SourceColumns()},
			},
		},
		Filters: config.FilterConfig{Regions: regions},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestTransformer(cfg *config.Config) *Transformer {
	tr := NewTransformer(cfg, zap.NewNop(), metrics.NewRecorder())
	tr.now = func() time.Time { return today }
	return tr
}

func bronzePath(t *testing.T, cfg *config.Config, dataset string) string {
	t.Helper()
	p, err := cfg.BronzePath(dataset)
	require.NoError(t, err)
	return p
}

func TestTransform_FirstRunThenNoOp(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	tr := newTestTransformer(cfg)

	writeEtabBronze(t, bronzePath(t, cfg, "etablissements"),
		etab{siret: "11111111100011", siren: "111111111", postal: "75001", created: "2010-05-01", ingested: t1},
		etab{siret: "22222222200022", siren: "222222222", postal: "93100", enseigne: "CAFÉ", ingested: t1},
	)

	res, err := tr.Transform(ctx, "etablissements")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Extracted)
	assert.Equal(t, 2, res.Rows)

	snap := testutil.ReadParquet(t, res.Path, "siret")
	require.Equal(t, 2, snap.Len())
	assert.Equal(t, "75", snap.Get(0, "region"))
	assert.Equal(t, "62", snap.Get(0, "sector"))
	assert.Equal(t, int64(16), snap.Get(0, "age"))
	assert.Equal(t, int64(-1), snap.Get(1, "age"))
	assert.Equal(t, "00", snap.Get(0, "trancheEffectifsEtablissement"))
	assert.Equal(t, "Non renseigné", snap.Get(0, "enseigne1Etablissement"))
	assert.Equal(t, "CAFÉ", snap.Get(1, "enseigne1Etablissement"))
	assert.Equal(t, true, snap.Get(0, "etablissementSiege"))
	assert.Equal(t, t1, snap.Get(0, "ingested_at"))

	before, err := os.ReadFile(res.Path)
	require.NoError(t, err)

	again, err := tr.Transform(ctx, "etablissements")
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, t1, again.Watermark)

	after, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTransform_WatermarkBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	tr := newTestTransformer(cfg)
	bronze := bronzePath(t, cfg, "etablissements")

	writeEtabBronze(t, bronze,
		etab{siret: "11111111100011", siren: "111111111", postal: "75001", ingested: t1})
	_, err := tr.Transform(ctx, "etablissements")
	require.NoError(t, err)

	writeEtabBronze(t, bronze,
		etab{siret: "11111111100011", siren: "111111111", postal: "75001", ingested: t1},
		etab{siret: "33333333300033", siren: "333333333", postal: "75002", ingested: t1},
		etab{siret: "44444444400044", siren: "444444444", postal: "75003", ingested: t2},
	)
	res, err := tr.Transform(ctx, "etablissements")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Extracted)

	snap := testutil.ReadParquet(t, res.Path, "siret")
	assert.Equal(t, []any{"11111111100011", "44444444400044"}, snap.Column("siret"))
}

func TestTransform_PostalCodeCleaning(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	tr := newTestTransformer(cfg)

	writeEtabBronze(t, bronzePath(t, cfg, "etablissements"),
		etab{siret: "11111111100011", siren: "111111111", postal: "75001", ingested: t1},
		etab{siret: "22222222200022", siren: "222222222", postal: " 93100 ", ingested: t1},
		etab{siret: "33333333300033", siren: "333333333", postal: "invalid_siret", ingested: t1},
		etab{siret: "44444444400044", siren: "444444444", postal: "7500", ingested: t1},
		etab{siret: "55555555500055", siren: "", postal: "75005", ingested: t1},
	)

	res, err := tr.Transform(ctx, "etablissements")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Extracted)
	assert.Equal(t, 3, res.Dropped)
	assert.Equal(t, 2, res.Rows)

	snap := testutil.ReadParquet(t, res.Path, "siret")
	assert.Equal(t, []any{"75001", "93100"}, snap.Column("codePostalEtablissement"))
}

func TestTransform_RegionFilter(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, "75", "77", "78", "91", "92", "93", "94", "95")
	tr := newTestTransformer(cfg)

	writeEtabBronze(t, bronzePath(t, cfg, "etablissements"),
		etab{siret: "11111111100011", siren: "111111111", postal: "75001", ingested: t1},
		etab{siret: "22222222200022", siren: "222222222", postal: "69001", ingested: t1},
		etab{siret: "33333333300033", siren: "333333333", postal: "93100", ingested: t1},
		etab{siret: "44444444400044", siren: "444444444", postal: "95000", ingested: t1},
	)

	res, err := tr.Transform(ctx, "etablissements")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)

	snap := testutil.ReadParquet(t, res.Path, "siret")
	assert.Equal(t, []any{"75", "93", "95"}, snap.Column("region"))
}

func TestTransform_MergeKeepsLatest(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	tr := newTestTransformer(cfg)
	bronze := bronzePath(t, cfg, "etablissements")

	writeEtabBronze(t, bronze,
		etab{siret: "11111111100011", siren: "111111111", postal: "75001", enseigne: "OLD", ingested: t1},
		etab{siret: "22222222200022", siren: "222222222", postal: "75002", ingested: t1},
	)
	_, err := tr.Transform(ctx, "etablissements")
	require.NoError(t, err)

	writeEtabBronze(t, bronze,
		etab{siret: "11111111100011", siren: "111111111", postal: "75001", enseigne: "NEW", ingested: t2},
	)
	res, err := tr.Transform(ctx, "etablissements")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)

	snap := testutil.ReadParquet(t, res.Path, "siret")
	require.Equal(t, 2, snap.Len())
	assert.Equal(t, "NEW", snap.Get(0, "enseigne1Etablissement"))
	assert.Equal(t, t2, snap.Get(0, "ingested_at"))
}

func TestTransform_SchemaRejectionKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	rec := metrics.NewRecorder()
	tr := NewTransformer(cfg, zap.NewNop(), rec)
	bronze := bronzePath(t, cfg, "etablissements")

	writeEtabBronze(t, bronze,
		etab{siret: "11111111100011", siren: "111111111", postal: "75001", ingested: t1})
	res, err := tr.Transform(ctx, "etablissements")
	require.NoError(t, err)

	before, err := os.ReadFile(res.Path)
	require.NoError(t, err)

	writeEtabBronze(t, bronze,
		etab{siret: "invalid_siret", siren: "222222222", postal: "75002", ingested: t2})
	_, err = tr.Transform(ctx, "etablissements")
	require.Error(t, err)

	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "siret", verr.Failures[0].Column)

	after, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	matches, err := filepath.Glob(res.Path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestTransform_LegalUnits(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t, "75")
	tr := newTestTransformer(cfg)

	testutil.WriteParquet(t, bronzePath(t, cfg, "unites_legales"), `SELECT * FROM (VALUES
		('111111111', 'ACME', NULL, NULL, 'PME', '5710', '62.01Z', 'A', '1500-01-01', NULL, TIMESTAMP '2025-01-10 09:00:00'),
		('222222222', NULL, 'DUPONT', 'JEAN', 'GE', '1000', '47.11A', 'A', '1999-12-31', 'O', TIMESTAMP '2025-01-10 09:00:00')
	) AS t(siren, denominationUniteLegale, nomUniteLegale, prenom1UniteLegale, categorieEntreprise,
	       categorieJuridiqueUniteLegale, activitePrincipaleUniteLegale, etatAdministratifUniteLegale,
	       dateCreationUniteLegale, economieSocialeSolidaireUniteLegale, ingested_at)`)

	res, err := tr.Transform(ctx, "unites_legales")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)

	snap := testutil.ReadParquet(t, res.Path, "siren")
	assert.False(t, snap.Has("region"))
	assert.Equal(t, float64(5710), snap.Get(0, "categorieJuridiqueUniteLegale"))
	// out of range creation date is nulled, not dropped
	assert.Nil(t, snap.Get(0, "dateCreationUniteLegale"))
	assert.Equal(t, int64(-1), snap.Get(0, "age"))
	assert.Equal(t, "N", snap.Get(0, "economieSocialeSolidaireUniteLegale"))
	assert.Equal(t, Undetermined, snap.Get(0, "nomUniteLegale"))
	assert.Equal(t, Undetermined, snap.Get(1, "denominationUniteLegale"))
	assert.Equal(t, int64(27), snap.Get(1, "age"))
	assert.Equal(t, "47", snap.Get(1, "sector"))
}

func TestTransform_ConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	tr := newTestTransformer(cfg)

	_, err := tr.Transform(ctx, "communes")
	assert.ErrorIs(t, err, schema.ErrUnknownDataset)

	delete(cfg.Silver.Datasets, "unites_legales")
	_, err = tr.Transform(ctx, "unites_legales")
	assert.ErrorIs(t, err, config.ErrNoColumnSelection)
}

func TestTransform_MissingBronzeFails(t *testing.T) {
	cfg := newTestConfig(t)
	tr := newTestTransformer(cfg)

	_, err := tr.Transform(context.Background(), "etablissements")
	assert.Error(t, err)
	_, statErr := os.Stat(cfg.SilverPath("etablissements"))
	assert.True(t, os.IsNotExist(statErr))
}
