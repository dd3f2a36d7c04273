package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facepipe/frameserver/internal/servicelog"
)

func newLogger(t *testing.T) servicelog.Logger {
	t.Helper()
	l, err := servicelog.New(false, "")
	require.NoError(t, err)
	return l
}

func TestNewDefaultsRunningAndBottomRight(t *testing.T) {
	s := New(newLogger(t), false)
	assert.True(t, s.Running())
	assert.False(t, s.Emergency())
	assert.Equal(t, BottomRight, s.PreviewPosition())
}

func TestSetEmergencyIsStickyAndStopsRunning(t *testing.T) {
	s := New(newLogger(t), false)
	s.SetEmergency()
	assert.True(t, s.Emergency())
	assert.False(t, s.Running())

	s.SetRunning(true)
	s.SetEmergency()
	assert.True(t, s.Emergency())
}

func TestSetPausedNoOpInLowLatencyMode(t *testing.T) {
	s := New(newLogger(t), true)
	s.SetPaused(true)
	assert.False(t, s.Paused())
}

func TestTogglePaused(t *testing.T) {
	s := New(newLogger(t), false)
	assert.True(t, s.TogglePaused())
	assert.False(t, s.TogglePaused())
}

func TestMovePreviewPositionThreeCornerToggle(t *testing.T) {
	s := New(newLogger(t), false)
	assert.Equal(t, BottomLeft, s.MovePreviewPosition(MoveLeft))
	assert.Equal(t, BottomRight, s.MovePreviewPosition(MoveRight))
	assert.Equal(t, TopRight, s.MovePreviewPosition(MoveUp))
	assert.Equal(t, BottomRight, s.MovePreviewPosition(MoveDown))

	// MoveRight from TopRight is a no-op; only BottomLeft->Right and
	// TopRight->Down actually return to BottomRight.
	s.MovePreviewPosition(MoveUp)
	assert.Equal(t, TopRight, s.MovePreviewPosition(MoveRight))
}

func TestPreviewDebugDensityWrapsAtMax(t *testing.T) {
	s := New(newLogger(t), false)
	for i := 0; i < PreviewDebugDensityMax; i++ {
		s.IncrementPreviewDebugDensity()
	}
	assert.Equal(t, PreviewDebugDensityMax, s.PreviewDebugDensity())
	assert.Equal(t, 0, s.IncrementPreviewDebugDensity())
}

func TestSetPreviewDebugDensityClamps(t *testing.T) {
	s := New(newLogger(t), false)
	s.SetPreviewDebugDensity(-5)
	assert.Equal(t, 0, s.PreviewDebugDensity())
	s.SetPreviewDebugDensity(PreviewDebugDensityMax + 10)
	assert.Equal(t, PreviewDebugDensityMax, s.PreviewDebugDensity())
}
