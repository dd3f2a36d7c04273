// Package frameserver implements the staged state machine that gates a
// frame's progress through the pipeline: every frame enters at NEW and
// only leaves the frame store once every collaborator it was handed to
// has satisfied the checkpoints registered against each state it
// passes through. A single herder goroutine, built on internal/worker,
// drives all state advancement in ascending frame-number order so
// per-state callbacks always fire in frame order regardless of which
// order their checkpoints were actually satisfied in.
package frameserver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facepipe/frameserver/internal/metrics"
	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
	"github.com/facepipe/frameserver/internal/worker"
)

// ErrDraining is returned by InsertNewFrame once SetDraining has been
// called; no new frames are admitted after that point.
var ErrDraining = errors.New("frameserver: server is draining, no new frames accepted")

// ErrUnknownFrame is returned when a frame number has no live entry in
// the frame store, either because it was never inserted or because it
// already reached GONE.
var ErrUnknownFrame = errors.New("frameserver: unknown or already-destroyed frame number")

// ErrInvalidState is returned by registration calls given a State
// outside NEW..GONE.
var ErrInvalidState = errors.New("frameserver: state out of range")

// ErrCheckpointForGone is returned by RegisterFrameStatusCheckpoint: no
// checkpoints may gate the terminal state, since nothing advances past it.
var ErrCheckpointForGone = errors.New("frameserver: checkpoints cannot be registered for GONE")

// ErrDuplicateCheckpoint is returned when the same (state, key) pair is
// registered twice. This is a programming error and callers should
// treat it as fatal.
var ErrDuplicateCheckpoint = errors.New("frameserver: checkpoint already registered for this state")

// Config configures a FrameServer.
type Config struct {
	// LowLatency enables InsertNewFrame backpressure against MaxQueueDepth,
	// matching the online camera-capture configuration.
	LowLatency bool
	// MaxQueueDepth bounds the frame store size in low-latency mode.
	// Zero defaults to 10.
	MaxQueueDepth int
	// DetectionBoundingBox is the target long-edge size, in pixels, that
	// DetectionScaleFactor is computed to hit. Zero disables detection
	// image generation.
	DetectionBoundingBox int
}

// FrameServer is the pipeline's staged state machine: a frame store
// keyed by frame number, per-state checkpoint gating, and a herder that
// advances every eligible frame one state per pass.
type FrameServer struct {
	logger servicelog.Logger
	st     *status.Status
	cfg    Config

	mu              sync.Mutex
	draining        bool
	mirrorMode      bool
	nextFrameNumber uint64
	frameStore      map[uint64]*WorkingFrame
	order           []uint64

	checkpointKeys         [numStates][]string
	onStateChangeCallbacks [numStates][]func(frameNumber uint64, newState State)
	onDrainedCallbacks     []func()
	drainedFired           bool

	herderPool *worker.Pool
}

// New constructs a FrameServer and starts its herder pool immediately.
func New(logger servicelog.Logger, st *status.Status, cfg Config) (*FrameServer, error) {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 10
	}
	if cfg.DetectionBoundingBox < 0 {
		return nil, errors.New("frameserver: DetectionBoundingBox must be >= 0")
	}

	fs := &FrameServer{
		logger:          logger.Named("FrameServer"),
		st:              st,
		cfg:             cfg,
		nextFrameNumber: 1,
		frameStore:      make(map[uint64]*WorkingFrame),
	}

	pool, err := worker.New(logger, st, nil, worker.Params{
		Name:       "FrameServer.Herder",
		NumWorkers: 1,
		Handler:    fs.herderHandler,
	})
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	fs.herderPool = pool
	fs.mu.Unlock()
	return fs, nil
}

// Close stops the herder pool. It is safe to call even if the server
// never drained; the pool forces a stop in that case.
func (fs *FrameServer) Close() {
	fs.mu.Lock()
	pool := fs.herderPool
	fs.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}

// RegisterFrameStatusCheckpoint declares a named gate that must be
// satisfied (via SetWorkingFrameStatusCheckpoint) before any frame may
// advance out of state s. Call this before inserting the first frame:
// a frame's checkpoint set is fixed when it is inserted, so a key
// registered later gates only frames inserted after it.
func (fs *FrameServer) RegisterFrameStatusCheckpoint(s State, key string) error {
	if !s.valid() {
		return ErrInvalidState
	}
	if s == Gone {
		return ErrCheckpointForGone
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, existing := range fs.checkpointKeys[s] {
		if existing == key {
			return ErrDuplicateCheckpoint
		}
	}
	fs.checkpointKeys[s] = append(fs.checkpointKeys[s], key)
	return nil
}

// OnFrameStatusChangeEvent registers a callback fired, in ascending
// frame-number order within a single herder pass, whenever a frame
// enters state s. The callback runs with the FrameServer lock held and
// must not call back into the FrameServer.
func (fs *FrameServer) OnFrameStatusChangeEvent(s State, callback func(frameNumber uint64, newState State)) error {
	if !s.valid() {
		return ErrInvalidState
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onStateChangeCallbacks[s] = append(fs.onStateChangeCallbacks[s], callback)
	return nil
}

// OnFrameServerDrainedEvent registers a callback fired exactly once,
// after the frame store empties out following SetDraining. It
// satisfies worker.DrainSource so other pools can shut down
// cooperatively when frame production ends.
func (fs *FrameServer) OnFrameServerDrainedEvent(callback func()) {
	fs.mu.Lock()
	alreadyDrained := fs.drainedFired
	if !alreadyDrained {
		fs.onDrainedCallbacks = append(fs.onDrainedCallbacks, callback)
	}
	fs.mu.Unlock()

	if alreadyDrained {
		callback()
	}
}

// SetMirrorMode controls whether the preview image is horizontally
// flipped at insertion time.
func (fs *FrameServer) SetMirrorMode(mirror bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mirrorMode = mirror
}

// InsertNewFrame admits a decoded frame into the pipeline at NEW,
// deriving its detection and preview images and assigning it the next
// frame number. In low-latency mode it blocks while the frame store is
// at capacity.
func (fs *FrameServer) InsertNewFrame(vf VideoFrame) (uint64, error) {
	done := metrics.Tick(metrics.InsertLatency)
	defer done()

	for {
		fs.mu.Lock()
		if fs.draining {
			fs.mu.Unlock()
			return 0, ErrDraining
		}
		if fs.cfg.LowLatency && len(fs.frameStore) >= fs.cfg.MaxQueueDepth {
			fs.mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			continue
		}
		break
	}
	defer fs.mu.Unlock()

	var detectionImage *Image
	if fs.cfg.DetectionBoundingBox > 0 && vf.Image != nil {
		scale := detectionScaleFactor(vf.Image.Width, vf.Image.Height, fs.cfg.DetectionBoundingBox)
		detectionImage = vf.Image.Resize(scale)
	}

	previewImage := vf.Image.Clone()
	if fs.mirrorMode && previewImage != nil {
		previewImage = previewImage.FlipHorizontal()
	}

	n := fs.nextFrameNumber
	fs.nextFrameNumber++

	frame := newWorkingFrame(n, vf, detectionImage, previewImage, fs.checkpointKeys)
	fs.frameStore[n] = frame
	fs.order = append(fs.order, n)

	fs.fireStateChangeLocked(frame, New)
	fs.herderPool.SendWorkerSignal()
	return n, nil
}

func detectionScaleFactor(width, height, boundingBox int) float64 {
	longEdge := width
	if height > longEdge {
		longEdge = height
	}
	if longEdge == 0 {
		return 1
	}
	scale := float64(boundingBox) / float64(longEdge)
	if scale > 1 {
		scale = 1
	}
	return scale
}

// GetWorkingFrame returns the frame record for number n, or
// ErrUnknownFrame if it has no live entry.
func (fs *FrameServer) GetWorkingFrame(n uint64) (*WorkingFrame, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.frameStore[n]
	if !ok {
		return nil, ErrUnknownFrame
	}
	return f, nil
}

// SetWorkingFrameStatusCheckpoint satisfies a named checkpoint for
// frame n, which the caller asserts is currently in state s, signalling
// the herder to re-evaluate it on the next pass. It is fatal to call
// this for a state the frame has already left (or not yet reached), for
// a key never registered against s, or for a checkpoint already
// satisfied: each of those indicates a caller that has lost track of
// frame state and cannot be allowed to continue.
func (fs *FrameServer) SetWorkingFrameStatusCheckpoint(n uint64, s State, key string) error {
	fs.mu.Lock()
	f, ok := fs.frameStore[n]
	if !ok {
		fs.mu.Unlock()
		return ErrUnknownFrame
	}
	if s != f.state {
		fs.mu.Unlock()
		return fmt.Errorf("frameserver: checkpoint %q set against state %s but frame %d is in state %s", key, s, n, f.state)
	}
	set := f.checkpoints[f.state]
	satisfied, declared := set[key]
	if !declared {
		fs.mu.Unlock()
		return fmt.Errorf("frameserver: checkpoint %q was not registered for state %s", key, f.state)
	}
	if satisfied {
		fs.mu.Unlock()
		return fmt.Errorf("frameserver: checkpoint %q already satisfied for frame %d in state %s", key, n, f.state)
	}
	set[key] = true
	fs.mu.Unlock()

	fs.herderPool.SendWorkerSignal()
	return nil
}

// SetDraining stops admitting new frames and lets every frame already
// in the store finish its natural progression to GONE.
func (fs *FrameServer) SetDraining() {
	fs.mu.Lock()
	fs.draining = true
	fs.mu.Unlock()
	fs.herderPool.SendWorkerSignal()
}

// IsDrained reports whether draining has been requested and the frame
// store has fully emptied out.
func (fs *FrameServer) IsDrained() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.isDrainedLocked()
}

func (fs *FrameServer) isDrainedLocked() bool {
	return fs.draining && len(fs.frameStore) == 0
}

// fireStateChangeLocked invokes callbacks registered for s and advances
// the frame's recorded state to s. Caller holds fs.mu.
func (fs *FrameServer) fireStateChangeLocked(f *WorkingFrame, s State) {
	f.state = s
	for _, cb := range fs.onStateChangeCallbacks[s] {
		cb(f.number, s)
	}
}

func (fs *FrameServer) fireDrainedCallbacksLocked() {
	if fs.drainedFired {
		return
	}
	fs.drainedFired = true
	cbs := fs.onDrainedCallbacks
	fs.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
	fs.mu.Lock()
}

func (fs *FrameServer) sortedOrder() []uint64 {
	if sort.SliceIsSorted(fs.order, func(i, j int) bool { return fs.order[i] < fs.order[j] }) {
		return fs.order
	}
	sort.Slice(fs.order, func(i, j int) bool { return fs.order[i] < fs.order[j] })
	return fs.order
}
