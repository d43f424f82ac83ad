// Package observability provides the metrics and console logging used by
// migration runs.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "migrate"

// Metrics wraps the Prometheus collectors for migration runs. It implements
// migration.Observer.
type Metrics struct {
	registry *prometheus.Registry

	MigrationsTotal   *prometheus.CounterVec
	MigrationDuration *prometheus.HistogramVec
	BackfilledTotal   *prometheus.CounterVec
}

// NewMetrics creates Metrics with its own registry. An empty namespace
// selects DefaultNamespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		MigrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Total number of attempted migrations by final state",
		}, []string{"schema_unit", "policy", "state"}),
		MigrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "Duration of migration attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"schema_unit", "policy"}),
		BackfilledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_backfilled_total",
			Help:      "Total number of migrations recorded without running",
		}, []string{"schema_unit"}),
	}

	reg.MustRegister(m.MigrationsTotal)
	reg.MustRegister(m.MigrationDuration)
	reg.MustRegister(m.BackfilledTotal)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveOutcome implements migration.Observer.
func (m *Metrics) ObserveOutcome(o migration.Outcome) {
	policy := o.Policy.String()
	m.MigrationsTotal.WithLabelValues(o.SchemaUnit, policy, o.State.String()).Inc()
	m.MigrationDuration.WithLabelValues(o.SchemaUnit, policy).Observe(o.Duration.Seconds())
}

// ObserveBackfill implements migration.Observer.
func (m *Metrics) ObserveBackfill(schemaUnit string, records []migration.Record) {
	m.BackfilledTotal.WithLabelValues(schemaUnit).Add(float64(len(records)))
}

// Handler returns an HTTP handler that serves the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the metrics to path in the text exposition format,
// for collection by the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
