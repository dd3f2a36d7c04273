package eventlogger

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facepipe/frameserver/internal/frameserver"
	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
)

func newHarness(t *testing.T, replay string) (*frameserver.FrameServer, *EventLogger) {
	t.Helper()
	logger, err := servicelog.New(false, "")
	require.NoError(t, err)
	st := status.New(logger, false)
	fs, err := frameserver.New(logger, st, frameserver.Config{})
	require.NoError(t, err)
	t.Cleanup(fs.Close)

	var reader *strings.Reader
	if replay != "" {
		reader = strings.NewReader(replay)
	}
	var el *EventLogger
	if reader != nil {
		el, err = New(logger, st, fs, frameserver.Processing, 0, reader)
	} else {
		el, err = New(logger, st, fs, frameserver.Processing, 0, nil)
	}
	require.NoError(t, err)
	t.Cleanup(el.Close)
	return fs, el
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within timeout")
}

func insert(t *testing.T, fs *frameserver.FrameServer, start, end float64) uint64 {
	t.Helper()
	n, err := fs.InsertNewFrame(frameserver.VideoFrame{
		Image:      frameserver.NewImage(2, 2, 1),
		Timestamps: frameserver.FrameTimestamps{Start: start, EstimatedEnd: end},
	})
	require.NoError(t, err)
	return n
}

func TestLiveLogEventFirstWriteWins(t *testing.T) {
	fs, el := newHarness(t, "")
	n := insert(t, fs, 0, 1)

	require.NoError(t, el.LogEvent("blink", "left", n, false, nil))
	err := el.LogEvent("blink", "right", n, false, nil)
	assert.Error(t, err)

	events, ok := el.Events(n)
	require.True(t, ok)
	assert.Equal(t, "left", events["blink"])
}

func TestLiveLogEventArraysAppend(t *testing.T) {
	fs, el := newHarness(t, "")
	n := insert(t, fs, 0, 1)

	require.NoError(t, el.LogEvent("phoneme", []interface{}{"a"}, n, false, nil))
	require.NoError(t, el.LogEvent("phoneme", []interface{}{"b", "c"}, n, false, nil))

	events, ok := el.Events(n)
	require.True(t, ok)
	assert.Equal(t, []interface{}{"a", "b", "c"}, events["phoneme"])
}

func TestLogEventUnknownFrameIsFatal(t *testing.T) {
	_, el := newHarness(t, "")
	err := el.LogEvent("blink", "left", 999, false, nil)
	assert.Error(t, err)
}

func TestRegisterEventTypeRejectsDuplicate(t *testing.T) {
	_, el := newHarness(t, "")
	require.NoError(t, el.RegisterEventType("blink", func(string, interface{}, *ReplayPacket) bool { return true }))
	err := el.RegisterEventType("blink", func(string, interface{}, *ReplayPacket) bool { return true })
	assert.ErrorIs(t, err, ErrDuplicateEventType)
}

func TestReplayDisabledSatisfiesCheckpointImmediately(t *testing.T) {
	fs, _ := newHarness(t, "")
	n := insert(t, fs, 0, 1)

	waitFor(t, time.Second, func() bool {
		wf, err := fs.GetWorkingFrame(n)
		if err != nil {
			return true // frame already reached GONE
		}
		return wf.State() > frameserver.Processing
	})
}

func TestReplayAlignsPacketToCurrentFrame(t *testing.T) {
	line := `{"meta":{"frameNumber":1,"startTime":0.3},"events":{"blink":"left"}}` + "\n"
	fs, el := newHarness(t, line)

	var gotName string
	var gotPacket *ReplayPacket
	require.NoError(t, el.RegisterEventType("blink", func(name string, payload interface{}, sourcePacket *ReplayPacket) bool {
		gotName = name
		gotPacket = sourcePacket
		return true
	}))

	n := insert(t, fs, 0, 1)

	waitFor(t, time.Second, func() bool {
		events, ok := el.Events(n)
		return ok && events["blink"] == "left"
	})
	assert.Equal(t, "blink", gotName)
	require.NotNil(t, gotPacket)
	assert.Equal(t, "left", gotPacket.Events["blink"])
}
