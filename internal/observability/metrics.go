package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineCollector bundles Prometheus metrics for the simulation engine and
// the replication authority and provides a ready-to-use /metrics handler.
// It satisfies both the engine's MetricsRecorder and the authority's
// Metrics interfaces, so one collector serves the whole process.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	TickDuration   prometheus.Histogram
	RecentersTotal prometheus.Counter
	RecenterOffset prometheus.Histogram
	MovesRejected  *prometheus.CounterVec
	Bodies         prometheus.Gauge
	Actors         prometheus.Gauge

	SnapshotsTotal   prometheus.Counter
	SnapshotSessions prometheus.Gauge
	CorrectionsTotal prometheus.Counter

	KeplerNonConverged prometheus.Gauge
}

// NewEngineCollector registers engine Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_tick_duration_seconds",
		Help:    "Wall-clock duration of a full simulation tick in seconds.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	tickDuration, err := registerHistogram(reg, tickDuration, "engine_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	recenters := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_recenters_total",
		Help: "Cumulative number of universe recenter events.",
	})
	recenters, err = registerCounter(reg, recenters, "engine_recenters_total")
	if err != nil {
		return nil, err
	}

	recenterOffset := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_recenter_offset_metres",
		Help:    "Observer drift magnitude at the moment of each recenter, in metres.",
		Buckets: []float64{10_000, 12_500, 15_000, 20_000, 30_000, 50_000, 100_000, 250_000, 1_000_000},
	})
	recenterOffset, err = registerHistogram(reg, recenterOffset, "engine_recenter_offset_metres")
	if err != nil {
		return nil, err
	}

	movesRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_moves_rejected_total",
		Help: "Total number of rejected movement commands, labeled by rejection reason.",
	}, []string{"reason"})
	movesRejected, err = registerCounterVec(reg, movesRejected, "engine_moves_rejected_total")
	if err != nil {
		return nil, err
	}

	bodies, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_bodies",
		Help: "Current number of celestial bodies in the registry.",
	}), "engine_bodies")
	if err != nil {
		return nil, err
	}
	actors, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_actors",
		Help: "Current number of free-moving actors tracked by the origin manager.",
	}), "engine_actors")
	if err != nil {
		return nil, err
	}

	snapshots := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replication_snapshots_total",
		Help: "Cumulative number of state snapshot broadcasts.",
	})
	snapshots, err = registerCounter(reg, snapshots, "replication_snapshots_total")
	if err != nil {
		return nil, err
	}
	snapshotSessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replication_snapshot_sessions",
		Help: "Number of sessions reached by the most recent snapshot broadcast.",
	}), "replication_snapshot_sessions")
	if err != nil {
		return nil, err
	}
	corrections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replication_corrections_total",
		Help: "Cumulative number of movement corrections sent to clients.",
	})
	corrections, err = registerCounter(reg, corrections, "replication_corrections_total")
	if err != nil {
		return nil, err
	}

	keplerMisses, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_kepler_nonconverged",
		Help: "Cumulative Kepler solves that hit the iteration cap, as reported by the orbit sampler.",
	}), "engine_kepler_nonconverged")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:           gatherer,
		TickDuration:       tickDuration,
		RecentersTotal:     recenters,
		RecenterOffset:     recenterOffset,
		MovesRejected:      movesRejected,
		Bodies:             bodies,
		Actors:             actors,
		SnapshotsTotal:     snapshots,
		SnapshotSessions:   snapshotSessions,
		CorrectionsTotal:   corrections,
		KeplerNonConverged: keplerMisses,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTickDuration records how long a simulation tick took.
func (c *EngineCollector) ObserveTickDuration(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// RecordRecenter counts a recenter event and observes the drift magnitude
// that triggered it.
func (c *EngineCollector) RecordRecenter(offsetM float64) {
	if c == nil {
		return
	}
	if c.RecentersTotal != nil {
		c.RecentersTotal.Inc()
	}
	if c.RecenterOffset != nil {
		c.RecenterOffset.Observe(offsetM)
	}
}

// RecordRejectedMoves counts locally queued movement commands that exceeded
// the per-tick displacement cap.
func (c *EngineCollector) RecordRejectedMoves(n int) {
	if c == nil || c.MovesRejected == nil || n <= 0 {
		return
	}
	c.MovesRejected.WithLabelValues("max_delta_exceeded").Add(float64(n))
}

// SetEntityCounts updates the body and actor gauges.
func (c *EngineCollector) SetEntityCounts(bodies, actors int) {
	if c == nil {
		return
	}
	if c.Bodies != nil {
		c.Bodies.Set(float64(bodies))
	}
	if c.Actors != nil {
		c.Actors.Set(float64(actors))
	}
}

// RecordSnapshotBroadcast counts a snapshot broadcast and records its fanout.
func (c *EngineCollector) RecordSnapshotBroadcast(sessions int) {
	if c == nil {
		return
	}
	if c.SnapshotsTotal != nil {
		c.SnapshotsTotal.Inc()
	}
	if c.SnapshotSessions != nil {
		c.SnapshotSessions.Set(float64(sessions))
	}
}

// RecordMoveRejected counts a session movement command rejected by the
// authority, labeled by reason.
func (c *EngineCollector) RecordMoveRejected(reason string) {
	if c == nil || c.MovesRejected == nil {
		return
	}
	c.MovesRejected.WithLabelValues(reason).Inc()
}

// RecordCorrection counts a correction sent to a client.
func (c *EngineCollector) RecordCorrection() {
	if c == nil || c.CorrectionsTotal == nil {
		return
	}
	c.CorrectionsTotal.Inc()
}

// SetKeplerNonConverged mirrors the orbit sampler's running non-convergence
// count into a gauge.
func (c *EngineCollector) SetKeplerNonConverged(total uint64) {
	if c == nil || c.KeplerNonConverged == nil {
		return
	}
	c.KeplerNonConverged.Set(float64(total))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
