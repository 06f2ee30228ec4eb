package backfila

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var partitionLabels = []string{"service", "backfill", "run", "partition"}

// Metrics holds the runner and scheduler instruments.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runBatchDuration   *prometheus.HistogramVec
	runBatchSuccesses  *prometheus.CounterVec
	runBatchFailures   *prometheus.CounterVec
	nextBatchDuration  *prometheus.HistogramVec
	nextBatchSuccesses *prometheus.CounterVec
	nextBatchFailures  *prometheus.CounterVec

	computedBatchCount       *prometheus.CounterVec
	computedRecordsScanned   *prometheus.CounterVec
	computedRecordsMatching  *prometheus.CounterVec
	completedRecordsScanned  *prometheus.CounterVec
	completedRecordsMatching *prometheus.CounterVec

	leasesWon     prometheus.Counter
	leasesLost    prometheus.Counter
	activeRunners prometheus.Gauge
}

// NewMetrics registers the backfila metrics with reg. A nil registerer returns nil,
// which disables metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	m.runBatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backfila_run_batch_duration_seconds",
			Help:    "duration of RunBatch calls",
			Buckets: prometheus.DefBuckets,
		},
		partitionLabels,
	)
	m.runBatchSuccesses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfila_run_batch_successes_total",
			Help: "successful RunBatch calls",
		},
		partitionLabels,
	)
	m.runBatchFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfila_run_batch_failures_total",
			Help: "failed RunBatch calls",
		},
		partitionLabels,
	)
	m.nextBatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backfila_get_next_batch_duration_seconds",
			Help:    "duration of GetNextBatchRange calls",
			Buckets: prometheus.DefBuckets,
		},
		partitionLabels,
	)
	m.nextBatchSuccesses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfila_get_next_batch_successes_total",
			Help: "successful GetNextBatchRange calls",
		},
		partitionLabels,
	)
	m.nextBatchFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfila_get_next_batch_failures_total",
			Help: "failed GetNextBatchRange calls",
		},
		partitionLabels,
	)
	m.computedBatchCount = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfila_computed_batch_count_total",
			Help: "batches returned by scans",
		},
		partitionLabels,
	)
	m.computedRecordsScanned = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfila_compute_batch_records_scanned_total",
			Help: "records scanned by scans",
		},
		partitionLabels,
	)
	m.computedRecordsMatching = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfila_compute_batch_records_matching_total",
			Help: "matching records found by scans",
		},
		partitionLabels,
	)
	m.completedRecordsScanned = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfila_run_batch_completed_records_scanned_total",
			Help: "scanned records of completed batches",
		},
		partitionLabels,
	)
	m.completedRecordsMatching = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfila_run_batch_completed_records_matching_total",
			Help: "matching records of completed batches",
		},
		partitionLabels,
	)
	m.leasesWon = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "backfila_leases_won_total",
			Help: "partition leases acquired by this instance",
		},
	)
	m.leasesLost = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "backfila_leases_lost_total",
			Help: "lease attempts lost to a concurrent writer",
		},
	)
	m.activeRunners = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "backfila_active_runners",
			Help: "partition runners currently executing on this instance",
		},
	)
	return m
}

func partitionLabelValues(run *BackfillRun, p *RunPartition) []string {
	return []string{run.ServiceID, run.BackfillName, run.ID, p.PartitionName}
}

// observeStep records one cursor step against the client.
func (m *Metrics) observeStep(run *BackfillRun, p *RunPartition, kind StepKind, result StepResult, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	labels := partitionLabelValues(run, p)
	switch kind {
	case StepPrecompute, StepScan:
		m.nextBatchDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
		if err != nil {
			m.nextBatchFailures.WithLabelValues(labels...).Inc()
			return
		}
		m.nextBatchSuccesses.WithLabelValues(labels...).Inc()
		if kind != StepScan {
			return
		}
		m.computedBatchCount.WithLabelValues(labels...).Add(float64(len(result.Batches)))
		for _, b := range result.Batches {
			m.computedRecordsScanned.WithLabelValues(labels...).Add(float64(b.ScannedRecordCount))
			m.computedRecordsMatching.WithLabelValues(labels...).Add(float64(b.MatchingRecordCount))
		}
	case StepRun:
		m.runBatchDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
		if err != nil {
			m.runBatchFailures.WithLabelValues(labels...).Inc()
			return
		}
		m.runBatchSuccesses.WithLabelValues(labels...).Inc()
		if result.BatchFinished && result.Batch != nil {
			m.completedRecordsScanned.WithLabelValues(labels...).Add(float64(result.Batch.ScannedRecordCount))
			m.completedRecordsMatching.WithLabelValues(labels...).Add(float64(result.Batch.MatchingRecordCount))
		}
	}
}

func (m *Metrics) leaseWon() {
	if m != nil {
		m.leasesWon.Inc()
	}
}

func (m *Metrics) leaseLost() {
	if m != nil {
		m.leasesLost.Inc()
	}
}

func (m *Metrics) runnerStarted() {
	if m != nil {
		m.activeRunners.Inc()
	}
}

func (m *Metrics) runnerStopped() {
	if m != nil {
		m.activeRunners.Dec()
	}
}
