package ledgerwal

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus instruments exposed by a WriteAheadLog.
type metrics struct {
	// namespace is carried for diagnostics; labels themselves don't
	// need it since each instrument is already namespaced.
	namespace string

	// pagesResident is a gauge of pages currently held by the
	// PageManager, labelled by variant (MemoryManagement.String():
	// "shared_memory" or "private_memory").
	pagesResident *prometheus.GaugeVec

	// appliedLag is lastCommittedIndex - lastAppliedIndex.
	appliedLag prometheus.Gauge

	// appendDuration observes Append call latency.
	appendDuration prometheus.Histogram

	// flushDuration observes Flush call latency.
	flushDuration prometheus.Histogram

	// commitDuration observes Commit call latency.
	commitDuration prometheus.Histogram

	// lockWaitDuration observes time spent waiting to acquire a lock,
	// labelled by mode.
	lockWaitDuration *prometheus.HistogramVec

	// poisonedTotal counts how many times the log transitioned into
	// the poisoned state, labelled by the triggering reason.
	poisonedTotal *prometheus.CounterVec
}
