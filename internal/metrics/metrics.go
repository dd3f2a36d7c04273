// Package metrics wires the ambient prometheus instrumentation used
// across the frame pipeline, following the teacher's pattern of
// package-level promauto vectors labeled by a component name
// (internal/driver/jpeg/pool.go's compressionLatency/streamingSessions,
// internal/driver/camera/metrics.go's gauge vectors).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HerderPassLatency times a single herder sweep over the frame store.
	HerderPassLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "frameserver_herder_pass_seconds",
		Help: "Duration of one herder pass over the frame store",
		Buckets: []float64{
			0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1,
		},
	})

	// FrameStoreDepth tracks the number of frames currently held by the
	// FrameServer's frame store, i.e. the queue depth that backpressure
	// in low-latency mode bounds.
	FrameStoreDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "frameserver_store_depth",
		Help: "Number of frames currently in the frame store",
	})

	// FrameStateGauge is a vector by state name, set to the count of
	// frames currently occupying that state.
	FrameStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "frameserver_frames_in_state",
		Help: "Number of frames currently in each pipeline state",
	}, []string{"state"})

	// InsertLatency times FrameServer.InsertNewFrame, including any
	// backpressure block in low-latency mode.
	InsertLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "frameserver_insert_seconds",
		Help: "Duration of InsertNewFrame, including backpressure waits",
		Buckets: []float64{
			0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5,
		},
	})

	// OutputEmitted counts frames emitted by the OutputDriver, labeled
	// by whether the emission carried a basis flag.
	OutputEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outputdriver_frames_emitted_total",
		Help: "Frames emitted by the output driver",
	}, []string{"basis"})

	// WorkerPoolIdleSeconds times how long each worker of a pool,
	// labeled by pool name, spends in cond.Wait per wake cycle.
	WorkerPoolIdleSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "workerpool_idle_seconds",
		Help: "Time workers in a pool spent waiting for signaled work",
		Buckets: []float64{
			0.001, 0.01, 0.1, 0.5, 1, 2,
		},
	}, []string{"pool"})

	// EventReplayLag measures how far behind (seconds, positive means
	// behind) the event replay cursor is from the current frame start.
	EventReplayLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventlogger_replay_lag_seconds",
		Help: "Gap between the replay cursor and the live frame timeline",
	})
)

// Tick mirrors the teacher's Metrics::startClock/endClock pairing:
// call Tick() then defer the returned func to observe elapsed time
// against a histogram.
func Tick(h prometheus.Histogram) func() {
	start := time.Now()
	return func() {
		h.Observe(time.Since(start).Seconds())
	}
}
