package ledgerwal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// newMetrics registers the Prometheus instruments for one WriteAheadLog
// under namespace. It unregisters the default Go/process collectors the
// same way the teacher does, so embedding applications keep full control
// over what the registry exposes.
func newMetrics(namespace string) *metrics {
	m := &metrics{
		namespace: namespace,
		pagesResident: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "walengine",
				Name:      "pages_resident",
				Help:      "Number of pages currently held by the page manager",
			},
			[]string{"variant"},
		),
		appliedLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "walengine",
			Name:      "applied_lag",
			Help:      "Difference between the last committed and last applied index",
		}),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "walengine",
			Name:      "append_duration_seconds",
			Help:      "Time spent in Append",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "walengine",
			Name:      "flush_duration_seconds",
			Help:      "Time spent in Flush",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "walengine",
			Name:      "commit_duration_seconds",
			Help:      "Time spent in Commit",
		}),
		lockWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "walengine",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a lock, by mode",
		},
			[]string{"mode"},
		),
		poisonedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "walengine",
			Name:      "poisoned_total",
			Help:      "Number of times the log transitioned into the poisoned state, by reason",
		},
			[]string{"reason"},
		),
	}

	if prometheus.DefaultRegisterer != nil {
		prometheus.DefaultRegisterer.MustRegister(
			m.pagesResident,
			m.appliedLag,
			m.appendDuration,
			m.flushDuration,
			m.commitDuration,
			m.lockWaitDuration,
			m.poisonedTotal,
		)
	}
	_ = prometheus.Unregister(collectors.NewGoCollector())
	_ = prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// setPagesResident records the current resident page count for variant.
func (m *metrics) setPagesResident(variant string, n int) {
	m.pagesResident.With(prometheus.Labels{"variant": variant}).Set(float64(n))
}

// setAppliedLag records lastCommitted-lastApplied.
func (m *metrics) setAppliedLag(lag int64) {
	m.appliedLag.Set(float64(lag))
}

// observeDuration records how long operation took since start.
func (m *metrics) observeDuration(operation string, start time.Time) {
	elapsed := time.Since(start).Seconds()
	switch operation {
	case "append":
		m.appendDuration.Observe(elapsed)
	case "flush":
		m.flushDuration.Observe(elapsed)
	case "commit":
		m.commitDuration.Observe(elapsed)
	}
}

// observeLockWait records how long a caller waited to acquire mode.
func (m *metrics) observeLockWait(mode LockMode, start time.Time) {
	elapsed := time.Since(start).Seconds()
	m.lockWaitDuration.With(prometheus.Labels{"mode": mode.String()}).Observe(elapsed)
}

// incPoisoned increments the poison counter for reason.
func (m *metrics) incPoisoned(reason string) {
	m.poisonedTotal.With(prometheus.Labels{"reason": reason}).Inc()
}
