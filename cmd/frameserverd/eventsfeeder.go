package main

import (
	"sync"

	"github.com/facepipe/frameserver/internal/eventlogger"
	"github.com/facepipe/frameserver/internal/frameserver"
	"github.com/facepipe/frameserver/internal/outputdriver"
	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
	"github.com/facepipe/frameserver/internal/worker"
)

// eventsFeeder folds EventLogger's aggregated per-frame events into
// OutputDriver's "events" key once a frame reaches DRAINING. The
// DRAINING callback runs with FrameServer's lock held, so it may only
// record the frame number and signal this feeder's own pool; the real
// work (EventLogger.Events, OutputDriver.InsertFrameData, each
// acquiring its own component's lock) happens from the pool-signalled
// handler, exactly the way EventLogger and OutputDriver's own
// onFrameNew/onFrameDraining callbacks are written.
type eventsFeeder struct {
	logger servicelog.Logger
	evl    *eventlogger.EventLogger
	od     *outputdriver.OutputDriver

	mu      sync.Mutex
	pending []uint64

	pool *worker.Pool
}

func newEventsFeeder(logger servicelog.Logger, st *status.Status, fs *frameserver.FrameServer, evl *eventlogger.EventLogger, od *outputdriver.OutputDriver) (*eventsFeeder, error) {
	f := &eventsFeeder{
		logger: logger.Named("EventsFeeder"),
		evl:    evl,
		od:     od,
	}
	if err := fs.OnFrameStatusChangeEvent(frameserver.Draining, f.onFrameDraining); err != nil {
		return nil, err
	}

	pool, err := worker.New(logger, st, fs, worker.Params{
		Name:       "EventsFeeder",
		NumWorkers: 1,
		Handler:    f.handler,
	})
	if err != nil {
		return nil, err
	}
	f.pool = pool
	return f, nil
}

// Close stops the feeder's pool.
func (f *eventsFeeder) Close() {
	f.pool.Close()
}

func (f *eventsFeeder) onFrameDraining(frameNumber uint64, _ frameserver.State) {
	f.mu.Lock()
	f.pending = append(f.pending, frameNumber)
	f.mu.Unlock()
	f.pool.SendWorkerSignal()
}

func (f *eventsFeeder) handler(w *worker.Worker) bool {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return false
	}
	frameNumber := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()

	events, _ := f.evl.Events(frameNumber)
	if err := f.od.InsertFrameData("events", events, frameNumber); err != nil {
		panic(err)
	}
	return true
}
