package frameserver

import (
	"github.com/facepipe/frameserver/internal/metrics"
	"github.com/facepipe/frameserver/internal/worker"
)

// herderHandler is the FrameServer's sole worker.Handler: one pass over
// every live frame, in ascending frame-number order, advancing each one
// state if its current state's checkpoints are all satisfied. Ascending
// order is what makes the per-state callback ordering invariant hold
// regardless of the order in which checkpoints were actually satisfied.
func (fs *FrameServer) herderHandler(w *worker.Worker) bool {
	done := metrics.Tick(metrics.HerderPassLatency)
	defer done()

	fs.mu.Lock()
	defer fs.mu.Unlock()

	didWork := false
	var garbage []uint64
	stateCounts := [numStates]int{}

	for _, n := range fs.sortedOrder() {
		frame, ok := fs.frameStore[n]
		if !ok {
			continue
		}
		if frame.state == Gone {
			garbage = append(garbage, n)
			continue
		}
		stateCounts[frame.state]++
		if !frame.checkpointsSatisfiedForCurrentState() {
			continue
		}

		next := frame.state + 1
		if frame.state == PreviewDisplay {
			frame.releaseImages()
		}
		fs.fireStateChangeLocked(frame, next)
		didWork = true
		if next == Gone {
			garbage = append(garbage, n)
		} else {
			stateCounts[next]++
		}
	}

	for _, n := range garbage {
		fs.destroyFrameLocked(n)
		didWork = true
	}

	for s := 0; s < numStates; s++ {
		metrics.FrameStateGauge.WithLabelValues(State(s).String()).Set(float64(stateCounts[s]))
	}
	metrics.FrameStoreDepth.Set(float64(len(fs.frameStore)))

	if fs.isDrainedLocked() {
		fs.fireDrainedCallbacksLocked()
		if fs.herderPool != nil {
			fs.mu.Unlock()
			fs.herderPool.StopWorkerNow()
			fs.mu.Lock()
		}
	}

	return didWork
}

// destroyFrameLocked removes n from the frame store and the ordering
// slice. Caller holds fs.mu.
func (fs *FrameServer) destroyFrameLocked(n uint64) {
	delete(fs.frameStore, n)
	for i, v := range fs.order {
		if v == n {
			fs.order = append(fs.order[:i], fs.order[i+1:]...)
			break
		}
	}
}
