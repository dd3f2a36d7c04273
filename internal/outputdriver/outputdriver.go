// Package outputdriver assembles one JSON record per frame from the
// data multiple producers insert against it, and emits completed
// records in strict ascending frame-number order to one or more
// sinks, exactly once per frame.
package outputdriver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/facepipe/frameserver/internal/frameserver"
	"github.com/facepipe/frameserver/internal/metrics"
	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
	"github.com/facepipe/frameserver/internal/worker"
)

// CheckpointKey is the checkpoint OutputDriver registers on DRAINING;
// it satisfies it for a frame immediately after emitting it.
const CheckpointKey = "outputDriver.ran"

// ErrDuplicateKey is returned by RegisterFrameData for a key already registered.
var ErrDuplicateKey = errors.New("outputdriver: frame data key already registered")

// ErrUnknownKey is returned by InsertFrameData for a key never registered.
var ErrUnknownKey = errors.New("outputdriver: frame data key was never registered")

// ErrNoContainer is returned by InsertFrameData when the frame has no
// live container: it was never inserted, or already emitted and
// drained.
var ErrNoContainer = errors.New("outputdriver: frame has no live output container")

type frameContainer struct {
	number    uint64
	startTime float64
	waitingOn map[string]bool
	data      map[string]interface{}
	draining  bool
	emitted   bool
}

func (c *frameContainer) ready() bool {
	if !c.draining {
		return false
	}
	for _, satisfied := range c.waitingOn {
		if !satisfied {
			return false
		}
	}
	return true
}

// OutputDriver is the ordered per-frame output assembler.
type OutputDriver struct {
	logger servicelog.Logger
	fs     *frameserver.FrameServer
	sinks  []io.Writer

	mu             sync.Mutex
	registeredKeys []string
	pending        map[uint64]*frameContainer
	order          []uint64
	emittedAny     bool
	basisRequested bool
	lastBasisFrame uint64

	pool *worker.Pool
}

// New constructs an OutputDriver writing to sinks, wired to fs. At
// least one sink is required; emission fans out to all of them.
func New(logger servicelog.Logger, st *status.Status, fs *frameserver.FrameServer, sinks ...io.Writer) (*OutputDriver, error) {
	if len(sinks) == 0 {
		return nil, errors.New("outputdriver: at least one sink is required")
	}
	od := &OutputDriver{
		logger:  logger.Named("OutputDriver"),
		fs:      fs,
		sinks:   sinks,
		pending: make(map[uint64]*frameContainer),
	}

	if err := fs.RegisterFrameStatusCheckpoint(frameserver.Draining, CheckpointKey); err != nil {
		return nil, err
	}
	if err := fs.OnFrameStatusChangeEvent(frameserver.New, od.onFrameNew); err != nil {
		return nil, err
	}
	if err := fs.OnFrameStatusChangeEvent(frameserver.Draining, od.onFrameDraining); err != nil {
		return nil, err
	}
	if err := fs.OnFrameStatusChangeEvent(frameserver.Gone, od.onFrameGone); err != nil {
		return nil, err
	}

	pool, err := worker.New(logger, st, fs, worker.Params{
		Name:       "OutputDriver.Emit",
		NumWorkers: 1,
		Handler:    od.emitHandler,
	})
	if err != nil {
		return nil, err
	}
	od.pool = pool
	return od, nil
}

// Close stops the emit pool.
func (od *OutputDriver) Close() {
	od.pool.Close()
}

// RegisterFrameData declares a key every frame container will wait on.
// Call this before the first frame is inserted.
func (od *OutputDriver) RegisterFrameData(key string) error {
	od.mu.Lock()
	defer od.mu.Unlock()
	for _, existing := range od.registeredKeys {
		if existing == key {
			return ErrDuplicateKey
		}
	}
	od.registeredKeys = append(od.registeredKeys, key)
	return nil
}

// NewBasisEvent marks the next frame to complete as carrying a basis
// flag, recorded as "last basis" once emitted.
func (od *OutputDriver) NewBasisEvent() {
	od.mu.Lock()
	od.basisRequested = true
	od.mu.Unlock()
	od.pool.SendWorkerSignal()
}

func (od *OutputDriver) onFrameNew(frameNumber uint64, _ frameserver.State) {
	waitingOn := make(map[string]bool, len(od.registeredKeys))
	od.mu.Lock()
	for _, key := range od.registeredKeys {
		waitingOn[key] = false
	}
	od.pending[frameNumber] = &frameContainer{
		number:    frameNumber,
		waitingOn: waitingOn,
		data:      make(map[string]interface{}),
	}
	od.order = append(od.order, frameNumber)
	od.mu.Unlock()
}

func (od *OutputDriver) onFrameDraining(frameNumber uint64, _ frameserver.State) {
	od.mu.Lock()
	c, ok := od.pending[frameNumber]
	od.mu.Unlock()
	if !ok {
		od.logger.Crit("DRAINING callback fired for a frame with no container", servicelog.Uint64("frameNumber", frameNumber))
		return
	}
	od.mu.Lock()
	c.draining = true
	od.mu.Unlock()
	od.pool.SendWorkerSignal()
}

func (od *OutputDriver) onFrameGone(frameNumber uint64, _ frameserver.State) {
	od.mu.Lock()
	defer od.mu.Unlock()
	c, ok := od.pending[frameNumber]
	if ok && !c.emitted {
		od.logger.Crit("frame reached GONE without being emitted", servicelog.Uint64("frameNumber", frameNumber))
	}
	delete(od.pending, frameNumber)
	for i, n := range od.order {
		if n == frameNumber {
			od.order = append(od.order[:i], od.order[i+1:]...)
			break
		}
	}
}

// InsertFrameData writes value under key into frameNumber's container,
// flips that key's waiting-on entry to true, and triggers an emit
// attempt. It is fatal if the container is absent, already emitted, or
// key was never registered.
func (od *OutputDriver) InsertFrameData(key string, value interface{}, frameNumber uint64) error {
	od.mu.Lock()
	c, ok := od.pending[frameNumber]
	if !ok || c.emitted {
		od.mu.Unlock()
		return ErrNoContainer
	}
	if _, declared := c.waitingOn[key]; !declared {
		od.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	c.data[key] = value
	c.waitingOn[key] = true
	od.mu.Unlock()

	od.pool.SendWorkerSignal()
	return nil
}

// emitHandler walks pending frames in ascending order, emitting each
// one once its DRAINING flag and every waiting-on entry are true, and
// stopping at the first frame that is not yet ready.
func (od *OutputDriver) emitHandler(w *worker.Worker) bool {
	od.mu.Lock()
	defer od.mu.Unlock()

	didWork := false
	for _, n := range od.sortedOrderLocked() {
		c, ok := od.pending[n]
		if !ok {
			continue
		}
		if c.emitted {
			continue
		}
		if !c.ready() {
			break
		}
		od.emitLocked(c)
		didWork = true
	}
	return didWork
}

func (od *OutputDriver) sortedOrderLocked() []uint64 {
	if !sort.SliceIsSorted(od.order, func(i, j int) bool { return od.order[i] < od.order[j] }) {
		sort.Slice(od.order, func(i, j int) bool { return od.order[i] < od.order[j] })
	}
	return od.order
}

func (od *OutputDriver) emitLocked(c *frameContainer) {
	wf, err := od.fs.GetWorkingFrame(c.number)
	if err != nil {
		panic(err)
	}
	c.startTime = wf.Timestamps().Start

	basis := false
	if !od.emittedAny {
		basis = true
	} else if od.basisRequested {
		basis = true
		od.basisRequested = false
	}
	od.emittedAny = true
	if basis {
		od.lastBasisFrame = c.number
	}

	record := make(map[string]interface{}, len(c.data)+1)
	for k, v := range c.data {
		record[k] = v
	}
	record["meta"] = map[string]interface{}{
		"frameNumber": c.number,
		"startTime":   c.startTime,
		"basis":       basis,
	}

	line, err := json.Marshal(record)
	if err != nil {
		od.logger.Error("failed to marshal output record", servicelog.Error(err), servicelog.Uint64("frameNumber", c.number))
		return
	}
	line = append(line, '\n')
	for _, sink := range od.sinks {
		if _, err := sink.Write(line); err != nil {
			od.logger.Error("failed to write output record", servicelog.Error(err))
		}
	}

	c.emitted = true
	metrics.OutputEmitted.WithLabelValues(strconv.FormatBool(basis)).Inc()

	if err := od.fs.SetWorkingFrameStatusCheckpoint(c.number, frameserver.Draining, CheckpointKey); err != nil {
		panic(err)
	}
}
