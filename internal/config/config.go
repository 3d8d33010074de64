// Package config loads the pipeline configuration.
//
// The configuration is read once from a YAML file, then SIRENE_* environment
// variables override individual scalar settings. The resulting *Config is
// passed explicitly into every layer; nothing in the pipeline reads global
// settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownDataset is returned when a dataset name has no configuration block.
	ErrUnknownDataset = errors.New("dataset not configured")
	// ErrNoColumnSelection is returned when a dataset has no silver column selection.
	ErrNoColumnSelection = errors.New("no columns selected")
)

// IngestedAtColumn is the audit column stamped on every Bronze record.
const IngestedAtColumn = "ingested_at"

// Source formats understood by the Bronze ingestor.
const (
	FormatParquet = "parquet"
	FormatCSV     = "csv"
)

var datasetNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds all configuration for the SIRENE pipeline
type Config struct {
	Env            string                   `yaml:"env" env:"SIRENE_ENV" env-description:"Deployment environment name"`
	SampleLimit    int                      `yaml:"sample_limit" env:"SIRENE_SAMPLE_LIMIT" env-description:"Max rows appended per Bronze run (0 = no cap)"`
	BronzeDir      string                   `yaml:"bronze_dir" env:"SIRENE_BRONZE_DIR" env-description:"Directory of Bronze parquet exports"`
	BronzeRegistry string                   `yaml:"bronze_registry" env:"SIRENE_BRONZE_REGISTRY" env-description:"DuckDB file holding the Bronze registry"`
	Datasets       map[string]DatasetConfig `yaml:"datasets"`
	Silver         SilverConfig             `yaml:"silver"`
	Filters        FilterConfig             `yaml:"filters"`
	Gold           GoldConfig               `yaml:"gold"`
	Log            LogConfig                `yaml:"log"`
	Metrics        MetricsConfig            `yaml:"metrics"`
}

// DatasetConfig describes one remote source dataset
type DatasetConfig struct {
	URL      string `yaml:"url"`
	Filename string `yaml:"filename"`
	Format   string `yaml:"format"`
}

// SilverConfig contains Silver layer settings
type SilverConfig struct {
	OutputDir string                         `yaml:"output_dir" env:"SIRENE_SILVER_DIR" env-description:"Directory of Silver snapshots"`
	Datasets  map[string]SilverDatasetConfig `yaml:"datasets"`
}

// SilverDatasetConfig lists the Bronze columns kept in a dataset's Silver snapshot
type SilverDatasetConfig struct {
	SelectedColumns []string `yaml:"selected_columns"`
}

// FilterConfig holds the regional filter applied to establishment datasets
type FilterConfig struct {
	// Regions are 2-character postal code prefixes (e.g. "75", "93").
	Regions []string `yaml:"regions"`
}

// GoldConfig contains Gold layer settings
type GoldConfig struct {
	OutputDir        string    `yaml:"output_dir" env:"SIRENE_GOLD_DIR" env-description:"Directory of Gold outputs"`
	MasterFilename   string    `yaml:"master_filename"`
	KPIs             KPIConfig `yaml:"kpis"`
	LegalUnitColumns []string  `yaml:"legal_unit_columns"`
}

// KPIConfig names the Gold aggregate files
type KPIConfig struct {
	RegionDistribution string `yaml:"region_distribution"`
	DominantSectors    string `yaml:"dominant_sectors"`
	SizeDistribution   string `yaml:"size_distribution"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level" env:"SIRENE_LOG_LEVEL" env-description:"debug, info, warn or error"`
	Format string `yaml:"format" env:"SIRENE_LOG_FORMAT" env-description:"json or console"`
}

// MetricsConfig contains metrics export settings
type MetricsConfig struct {
	Textfile   string `yaml:"textfile" env:"SIRENE_METRICS_TEXTFILE" env-description:"Write Prometheus metrics to this file at the end of a run"`
	ListenAddr string `yaml:"listen_addr" env:"SIRENE_METRICS_ADDR" env-description:"Serve /metrics on this address while running"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// EnvHelp describes the environment variables understood by Load.
func EnvHelp() (string, error) {
	var cfg Config
	return cleanenv.GetDescription(&cfg, nil)
}

// ApplyDefaults fills in default values for optional fields
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.BronzeDir == "" {
		c.BronzeDir = filepath.Join("data", "bronze")
	}
	if c.BronzeRegistry == "" {
		c.BronzeRegistry = filepath.Join(c.BronzeDir, "bronze_registry.duckdb")
	}
	for name, ds := range c.Datasets {
		if ds.Filename == "" {
			ds.Filename = name + ".parquet"
		}
		if ds.Format == "" {
			ds.Format = FormatParquet
		}
		c.Datasets[name] = ds
	}

	if c.Silver.OutputDir == "" {
		c.Silver.OutputDir = filepath.Join("data", "silver")
	}

	if c.Gold.OutputDir == "" {
		c.Gold.OutputDir = filepath.Join("data", "gold")
	}
	if c.Gold.MasterFilename == "" {
		c.Gold.MasterFilename = "master_etablissements.parquet"
	}
	if c.Gold.KPIs.RegionDistribution == "" {
		c.Gold.KPIs.RegionDistribution = "kpi_region_distribution.parquet"
	}
	if c.Gold.KPIs.DominantSectors == "" {
		c.Gold.KPIs.DominantSectors = "kpi_dominant_sectors.parquet"
	}
	if c.Gold.KPIs.SizeDistribution == "" {
		c.Gold.KPIs.SizeDistribution = "kpi_size_distribution.parquet"
	}
	if len(c.Gold.LegalUnitColumns) == 0 {
		c.Gold.LegalUnitColumns = []string{
			"denominationUniteLegale",
			"nomUniteLegale",
			"prenom1UniteLegale",
			"categorieEntreprise",
			"categorieJuridiqueUniteLegale",
			"economieSocialeSolidaireUniteLegale",
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Datasets) == 0 {
		return fmt.Errorf("datasets: at least one dataset is required")
	}
	for name, ds := range c.Datasets {
		if !datasetNamePattern.MatchString(name) {
			return fmt.Errorf("datasets.%s: name must match %s", name, datasetNamePattern)
		}
		if ds.URL == "" {
			return fmt.Errorf("datasets.%s.url is required", name)
		}
		if ds.Format != FormatParquet && ds.Format != FormatCSV {
			return fmt.Errorf("datasets.%s.format: unsupported format %q", name, ds.Format)
		}
	}
	if c.SampleLimit < 0 {
		return fmt.Errorf("sample_limit must not be negative")
	}
	for _, r := range c.Filters.Regions {
		if len(r) != 2 {
			return fmt.Errorf("filters.regions: %q is not a 2-character postal prefix", r)
		}
	}
	return nil
}

// DatasetNames returns the configured dataset names in a stable order.
func (c *Config) DatasetNames() []string {
	names := make([]string, 0, len(c.Datasets))
	for name := range c.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dataset returns the source configuration of a dataset.
func (c *Config) Dataset(name string) (DatasetConfig, error) {
	ds, ok := c.Datasets[name]
	if !ok {
		return DatasetConfig{}, fmt.Errorf("%w: %s", ErrUnknownDataset, name)
	}
	return ds, nil
}

// BronzePath is the Bronze export file of a dataset.
func (c *Config) BronzePath(name string) (string, error) {
	ds, err := c.Dataset(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.BronzeDir, ds.Filename), nil
}

// SilverPath is the Silver snapshot file of a dataset.
func (c *Config) SilverPath(name string) string {
	return filepath.Join(c.Silver.OutputDir, name+"_silver.parquet")
}

// SelectedColumns returns the Silver column selection of a dataset, always
// including the ingestion timestamp.
func (c *Config) SelectedColumns(name string) ([]string, error) {
	sc, ok := c.Silver.Datasets[name]
	if !ok || len(sc.SelectedColumns) == 0 {
		return nil, fmt.Errorf("%w for dataset %s", ErrNoColumnSelection, name)
	}

	cols := make([]string, 0, len(sc.SelectedColumns)+1)
	hasIngestedAt := false
	for _, col := range sc.SelectedColumns {
		if col == IngestedAtColumn {
			hasIngestedAt = true
		}
		cols = append(cols, col)
	}
	if !hasIngestedAt {
		cols = append(cols, IngestedAtColumn)
	}
	return cols, nil
}

// RegionFilter returns the allowed postal prefixes; empty means no filter.
func (c *Config) RegionFilter() []string {
	return c.Filters.Regions
}

// MasterPath is the Gold master table file.
func (c *Config) MasterPath() string {
	return filepath.Join(c.Gold.OutputDir, c.Gold.MasterFilename)
}

// KPIPath resolves a Gold aggregate filename inside the Gold directory.
func (c *Config) KPIPath(filename string) string {
	return filepath.Join(c.Gold.OutputDir, filename)
}
