// Package eventlogger aggregates per-frame events from producers into
// the JSON object OutputDriver eventually emits, and can replay a prior
// run's event stream realigned onto the current frame timeline so a
// rerun of the same input reproduces the same events.
package eventlogger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/facepipe/frameserver/internal/frameserver"
	"github.com/facepipe/frameserver/internal/metrics"
	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
	"github.com/facepipe/frameserver/internal/worker"
)

// CheckpointKey is the checkpoint EventLogger registers on its gated
// state; downstream processing cannot proceed until it is satisfied.
const CheckpointKey = "eventLogger.ran"

// ErrDuplicateEventType is returned by RegisterEventType for a name
// already registered. Re-registration is a programming error.
var ErrDuplicateEventType = errors.New("eventlogger: event type already registered")

// ReplayCallback decides, for a replayed event, whether to also emit it
// into the current frame's output (true) or consume it silently as a
// side-effect trigger (false). name is the registered event type,
// payload is the event value being considered, and sourcePacket is the
// full replay line it was read from, letting a producer base its
// decision on sibling events recorded alongside it in the prior run.
type ReplayCallback func(name string, payload interface{}, sourcePacket *ReplayPacket) bool

// ReplayPacket is one line of a prior run's output, reinterpreted as
// replay input: its meta.frameNumber is remapped onto whichever current
// frame its meta.startTime now aligns with.
type ReplayPacket struct {
	Meta struct {
		FrameNumber uint64  `json:"frameNumber"`
		StartTime   float64 `json:"startTime"`
	} `json:"meta"`
	Events map[string]interface{} `json:"events"`
}

type pendingFrame struct {
	number     uint64
	timestamps frameserver.FrameTimestamps
}

// EventLogger is the live aggregation and replay-alignment component.
// It is constructed against a live FrameServer: it registers its own
// checkpoint on GatedState, enqueues every frame on NEW, and drops it
// on GONE.
type EventLogger struct {
	logger      servicelog.Logger
	fs          *frameserver.FrameServer
	st          *status.Status
	gatedState  frameserver.State
	startOffset float64

	mu         sync.Mutex
	registered map[string]ReplayCallback
	frameEvents map[uint64]map[string]interface{}

	pending       []pendingFrame
	scanner       *bufio.Scanner
	bufferedLine  *ReplayPacket
	replayEnabled bool

	pool *worker.Pool
}

// New constructs an EventLogger wired to fs. replaySource may be nil to
// disable replay entirely (the checkpoint is then satisfied immediately
// for every frame, and only live LogEvent calls populate output).
func New(logger servicelog.Logger, st *status.Status, fs *frameserver.FrameServer, gatedState frameserver.State, startOffset float64, replaySource io.Reader) (*EventLogger, error) {
	named := logger.Named("EventLogger")

	el := &EventLogger{
		logger:      named,
		fs:          fs,
		st:          st,
		gatedState:  gatedState,
		startOffset: startOffset,
		registered:  make(map[string]ReplayCallback),
		frameEvents: make(map[uint64]map[string]interface{}),
	}
	if replaySource != nil {
		el.scanner = bufio.NewScanner(replaySource)
		el.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		el.replayEnabled = true
	}

	if err := fs.RegisterFrameStatusCheckpoint(gatedState, CheckpointKey); err != nil {
		return nil, err
	}
	if err := fs.OnFrameStatusChangeEvent(frameserver.New, el.onFrameNew); err != nil {
		return nil, err
	}
	if err := fs.OnFrameStatusChangeEvent(frameserver.Gone, el.onFrameGone); err != nil {
		return nil, err
	}
	if err := fs.OnFrameStatusChangeEvent(gatedState, el.onFrameGated); err != nil {
		return nil, err
	}

	pool, err := worker.New(logger, st, fs, worker.Params{
		Name:       "EventLogger.Replay",
		NumWorkers: 1,
		Handler:    el.replayHandler,
	})
	if err != nil {
		return nil, err
	}
	el.pool = pool
	return el, nil
}

// Close stops the replay pool.
func (el *EventLogger) Close() {
	el.pool.Close()
}

func (el *EventLogger) onFrameNew(frameNumber uint64, _ frameserver.State) {
	el.mu.Lock()
	el.frameEvents[frameNumber] = make(map[string]interface{})
	el.pending = append(el.pending, pendingFrame{number: frameNumber})
	el.mu.Unlock()
	el.pool.SendWorkerSignal()
}

// onFrameGated wakes the replay worker when a frame enters the gated
// state, the point from which its checkpoint may be satisfied.
func (el *EventLogger) onFrameGated(uint64, frameserver.State) {
	el.pool.SendWorkerSignal()
}

func (el *EventLogger) onFrameGone(frameNumber uint64, _ frameserver.State) {
	el.mu.Lock()
	delete(el.frameEvents, frameNumber)
	el.mu.Unlock()
}

// RegisterEventType declares a producer's event name and the callback
// that decides inclusion for replayed instances of it. Names are
// unique; re-registration is fatal.
func (el *EventLogger) RegisterEventType(name string, replay ReplayCallback) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if _, exists := el.registered[name]; exists {
		return ErrDuplicateEventType
	}
	el.registered[name] = replay
	return nil
}

// LogEvent is the live aggregation path. It locates frameNumber's event
// bucket (fatal if absent, meaning the frame was never inserted or
// already destroyed), optionally runs the registered replay callback to
// decide inclusion, and merges payload in: first write wins the slot,
// a second write is only legal if both the existing and new values are
// arrays, in which case they are concatenated.
func (el *EventLogger) LogEvent(name string, payload interface{}, frameNumber uint64, propagate bool, sourcePacket *ReplayPacket) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	bucket, ok := el.frameEvents[frameNumber]
	if !ok {
		return fmt.Errorf("eventlogger: no event bucket for frame %d", frameNumber)
	}

	include := true
	if propagate {
		cb, ok := el.registered[name]
		if !ok {
			return fmt.Errorf("eventlogger: event type %q not registered", name)
		}
		include = cb(name, payload, sourcePacket)
	}
	if !include {
		return nil
	}

	existing, present := bucket[name]
	if !present {
		bucket[name] = payload
		return nil
	}
	existingArr, existingIsArr := existing.([]interface{})
	payloadArr, payloadIsArr := payload.([]interface{})
	if existingIsArr && payloadIsArr {
		bucket[name] = append(existingArr, payloadArr...)
		return nil
	}
	return fmt.Errorf("eventlogger: event %q already set for frame %d and is not an appendable array", name, frameNumber)
}

// Events returns a copy of the aggregated event map for frameNumber,
// for OutputDriver to fold into its per-frame record.
func (el *EventLogger) Events(frameNumber uint64) (map[string]interface{}, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	bucket, ok := el.frameEvents[frameNumber]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(bucket))
	for k, v := range bucket {
		out[k] = v
	}
	return out, true
}

// replayHandler advances exactly the head of the pending queue once that
// frame has reached the gated state: it delivers every replay packet
// that belongs to that frame, holds the first later packet buffered for
// a following frame, and satisfies the frame's checkpoint.
func (el *EventLogger) replayHandler(w *worker.Worker) bool {
	el.mu.Lock()
	if len(el.pending) == 0 {
		el.mu.Unlock()
		return false
	}
	sort.Slice(el.pending, func(i, j int) bool { return el.pending[i].number < el.pending[j].number })
	head := el.pending[0]
	el.mu.Unlock()

	wf, err := el.fs.GetWorkingFrame(head.number)
	if err != nil {
		panic(err)
	}
	if wf.State() != el.gatedState {
		return false
	}
	head.timestamps = wf.Timestamps()

	if !el.replayEnabled {
		if err := el.fs.SetWorkingFrameStatusCheckpoint(head.number, el.gatedState, CheckpointKey); err != nil {
			panic(err)
		}
		el.popPending(head.number)
		return true
	}

	hold := false
	for !hold {
		if el.bufferedLine == nil {
			if !el.scanner.Scan() {
				break
			}
			var pkt ReplayPacket
			if err := json.Unmarshal(el.scanner.Bytes(), &pkt); err != nil {
				el.logger.Error("malformed replay line, skipping", servicelog.Error(err))
				continue
			}
			el.bufferedLine = &pkt
		}

		packetTime := el.bufferedLine.Meta.StartTime - el.startOffset
		halfDuration := (head.timestamps.EstimatedEnd - head.timestamps.Start) / 2

		if packetTime < head.timestamps.EstimatedEnd-halfDuration {
			if packetTime >= 0 && packetTime < head.timestamps.Start-halfDuration {
				el.logger.Error("replay packet more than half a frame late",
					servicelog.Uint64("frameNumber", head.number))
			}
			el.deliverBufferedPacket(head.number)
			el.bufferedLine = nil
			continue
		}
		hold = true
	}

	if hold {
		metrics.EventReplayLag.Set(head.timestamps.Start - (el.bufferedLine.Meta.StartTime - el.startOffset))
	}

	if err := el.fs.SetWorkingFrameStatusCheckpoint(head.number, el.gatedState, CheckpointKey); err != nil {
		panic(err)
	}
	el.popPending(head.number)
	return true
}

func (el *EventLogger) deliverBufferedPacket(frameNumber uint64) {
	pkt := el.bufferedLine
	pkt.Meta.FrameNumber = frameNumber
	for name, payload := range pkt.Events {
		if err := el.LogEvent(name, payload, frameNumber, true, pkt); err != nil {
			el.logger.Error("replay event delivery failed", servicelog.Error(err), servicelog.String("event", name))
		}
	}
}

func (el *EventLogger) popPending(frameNumber uint64) {
	el.mu.Lock()
	defer el.mu.Unlock()
	for i, p := range el.pending {
		if p.number == frameNumber {
			el.pending = append(el.pending[:i], el.pending[i+1:]...)
			break
		}
	}
}
