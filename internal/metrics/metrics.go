// Package metrics records pipeline counters in a Prometheus registry and
// provides the scoped Step helper used to time each unit of work.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns the pipeline's Prometheus collectors.
//
// A nil *Recorder is valid and records nothing, so layers can be used
// without metrics (tests, one-off commands).
type Recorder struct {
	registry *prometheus.Registry

	bronzeRowsInserted  *prometheus.CounterVec
	bronzeRegistryRows  *prometheus.GaugeVec
	silverRowsExtracted *prometheus.CounterVec
	silverRowsDropped   *prometheus.CounterVec
	silverSnapshotRows  *prometheus.GaugeVec
	validationFailures  *prometheus.CounterVec
	goldRows            *prometheus.GaugeVec
	stepDuration        *prometheus.HistogramVec
	stepRSSDelta        *prometheus.GaugeVec
}

// NewRecorder creates a recorder backed by a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		bronzeRowsInserted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sirene_bronze_rows_inserted_total",
			Help: "Rows appended to the Bronze registry",
		}, []string{"dataset"}),
		bronzeRegistryRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sirene_bronze_registry_rows",
			Help: "Total rows in the Bronze registry after the last ingestion",
		}, []string{"dataset"}),
		silverRowsExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sirene_silver_rows_extracted_total",
			Help: "Bronze rows extracted past the Silver watermark",
		}, []string{"dataset"}),
		silverRowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sirene_silver_rows_dropped_total",
			Help: "Rows dropped during Silver cleaning",
		}, []string{"dataset", "reason"}),
		silverSnapshotRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sirene_silver_snapshot_rows",
			Help: "Rows in the persisted Silver snapshot",
		}, []string{"dataset"}),
		validationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sirene_validation_failures_total",
			Help: "Silver runs rejected by schema validation",
		}, []string{"dataset"}),
		goldRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sirene_gold_rows",
			Help: "Rows written per Gold output",
		}, []string{"output"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sirene_step_duration_seconds",
			Help:    "Duration of pipeline steps",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"step", "status"}),
		stepRSSDelta: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sirene_step_rss_delta_bytes",
			Help: "Resident memory change across the last run of a step",
		}, []string{"step"}),
	}
}

// Registry exposes the underlying registry for HTTP serving.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// BronzeIngested records an ingestion outcome.
func (r *Recorder) BronzeIngested(dataset string, inserted, total int64) {
	if r == nil {
		return
	}
	r.bronzeRowsInserted.WithLabelValues(dataset).Add(float64(inserted))
	r.bronzeRegistryRows.WithLabelValues(dataset).Set(float64(total))
}

// SilverExtracted records rows read past the watermark.
func (r *Recorder) SilverExtracted(dataset string, rows int) {
	if r == nil {
		return
	}
	r.silverRowsExtracted.WithLabelValues(dataset).Add(float64(rows))
}

// SilverDropped records rows removed by a cleaning rule.
func (r *Recorder) SilverDropped(dataset, reason string, rows int) {
	if r == nil || rows == 0 {
		return
	}
	r.silverRowsDropped.WithLabelValues(dataset, reason).Add(float64(rows))
}

// SilverPersisted records the size of a newly written snapshot.
func (r *Recorder) SilverPersisted(dataset string, rows int) {
	if r == nil {
		return
	}
	r.silverSnapshotRows.WithLabelValues(dataset).Set(float64(rows))
}

// ValidationFailed counts a rejected Silver run.
func (r *Recorder) ValidationFailed(dataset string) {
	if r == nil {
		return
	}
	r.validationFailures.WithLabelValues(dataset).Inc()
}

// GoldWritten records the row count of a Gold output.
func (r *Recorder) GoldWritten(output string, rows int64) {
	if r == nil {
		return
	}
	r.goldRows.WithLabelValues(output).Set(float64(rows))
}

func (r *Recorder) observeStep(step string, seconds float64, failed bool, rssDelta float64) {
	if r == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	r.stepDuration.WithLabelValues(step, status).Observe(seconds)
	r.stepRSSDelta.WithLabelValues(step).Set(rssDelta)
}

// WriteTextfile writes every collected metric in the text exposition format,
// for node_exporter's textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
