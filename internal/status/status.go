// Package status tracks the shared control-plane state that every
// worker pool and component consults on each loop iteration: whether
// the pipeline is running, paused, or has hit an emergency stop, plus
// the preview window's position and debug overlay density.
package status

import (
	"sync"

	"github.com/facepipe/frameserver/internal/servicelog"
)

// PreviewPosition is the corner of the frame the preview window docks to.
type PreviewPosition int

const (
	BottomRight PreviewPosition = iota
	BottomLeft
	TopRight
)

// PreviewMoveDirection is a requested nudge of the preview window.
type PreviewMoveDirection int

const (
	MoveLeft PreviewMoveDirection = iota
	MoveUp
	MoveRight
	MoveDown
)

// PreviewDebugDensityMax bounds how many debug overlays can be stacked
// on the preview frame before IncrementPreviewDebugDensity wraps to 0.
const PreviewDebugDensityMax = 3

// Status is the process-wide control plane. All fields are guarded by
// a single mutex; there is no condition variable here because nothing
// blocks waiting on Status directly — workers poll it once per loop.
type Status struct {
	lowLatency bool
	logger     servicelog.Logger

	mu        sync.Mutex
	isRunning bool
	isPaused  bool
	emergency bool

	previewPosition      PreviewPosition
	previewDebugDensity int
}

// New constructs a Status. lowLatency disables pause support, matching
// the online/camera configuration described in spec.md.
func New(logger servicelog.Logger, lowLatency bool) *Status {
	return &Status{
		lowLatency:      lowLatency,
		logger:          logger.Named("Status"),
		isRunning:       true,
		previewPosition: BottomRight,
	}
}

// SetEmergency is sticky: once raised it never clears, and it forces
// isRunning false so every worker pool observes shutdown.
func (s *Status) SetEmergency() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.emergency {
		s.logger.Emerg("initiated emergency stop")
	}
	s.emergency = true
	s.isRunning = false
}

func (s *Status) Emergency() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergency
}

func (s *Status) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running != s.isRunning {
		s.logger.Info("running state changed", servicelog.Bool("running", running))
	}
	s.isRunning = running
}

func (s *Status) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// SetPaused is a no-op (with a warning) in low-latency mode, since
// pausing an online capture session has no sensible meaning.
func (s *Status) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if paused && s.lowLatency {
		s.logger.Warn("processing cannot be paused in low-latency mode")
		return
	}
	s.isPaused = paused
	s.logger.Info("processing pause state changed", servicelog.Bool("paused", paused))
}

func (s *Status) TogglePaused() bool {
	s.mu.Lock()
	paused := !s.isPaused
	s.mu.Unlock()
	s.SetPaused(paused)
	return s.Paused()
}

func (s *Status) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPaused
}

func (s *Status) SetPreviewPosition(p PreviewPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previewPosition = p
}

func (s *Status) PreviewPosition() PreviewPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previewPosition
}

// MovePreviewPosition nudges the preview corner; left/up only ever
// move to a specific corner, right/down only return to BottomRight
// from the corner that left/up put it in. This mirrors the legacy
// four-direction nudge exactly: it is not a full 2x2 grid, just a
// toggle between three corners.
func (s *Status) MovePreviewPosition(direction PreviewMoveDirection) PreviewPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch direction {
	case MoveLeft:
		s.previewPosition = BottomLeft
	case MoveUp:
		s.previewPosition = TopRight
	case MoveRight:
		if s.previewPosition == BottomLeft {
			s.previewPosition = BottomRight
		}
	case MoveDown:
		if s.previewPosition == TopRight {
			s.previewPosition = BottomRight
		}
	}
	return s.previewPosition
}

func (s *Status) SetPreviewDebugDensity(density int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case density < 0:
		s.previewDebugDensity = 0
	case density > PreviewDebugDensityMax:
		s.previewDebugDensity = PreviewDebugDensityMax
	default:
		s.previewDebugDensity = density
	}
}

func (s *Status) IncrementPreviewDebugDensity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previewDebugDensity++
	if s.previewDebugDensity > PreviewDebugDensityMax {
		s.previewDebugDensity = 0
	}
	return s.previewDebugDensity
}

func (s *Status) PreviewDebugDensity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previewDebugDensity
}
