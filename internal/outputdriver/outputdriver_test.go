package outputdriver

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facepipe/frameserver/internal/frameserver"
	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
)

func newHarness(t *testing.T, sink *bytes.Buffer) (*frameserver.FrameServer, *OutputDriver) {
	t.Helper()
	logger, err := servicelog.New(false, "")
	require.NoError(t, err)
	st := status.New(logger, false)
	fs, err := frameserver.New(logger, st, frameserver.Config{})
	require.NoError(t, err)
	t.Cleanup(fs.Close)

	od, err := New(logger, st, fs, sink)
	require.NoError(t, err)
	t.Cleanup(od.Close)
	return fs, od
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

func insert(t *testing.T, fs *frameserver.FrameServer) uint64 {
	t.Helper()
	n, err := fs.InsertNewFrame(frameserver.VideoFrame{
		Image:      frameserver.NewImage(2, 2, 1),
		Timestamps: frameserver.FrameTimestamps{Start: 0, EstimatedEnd: 1},
	})
	require.NoError(t, err)
	return n
}

func countLines(s string) int {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}

func TestEmitsStrictlyInOrderAndExactlyOnce(t *testing.T) {
	var sink bytes.Buffer
	var mu sync.Mutex
	syncSink := &syncBuffer{buf: &sink, mu: &mu}

	fs, od := newHarness(t, syncSink)
	require.NoError(t, od.RegisterFrameData("pose"))
	require.NoError(t, fs.RegisterFrameStatusCheckpoint(frameserver.Processing, "hold"))

	n1 := insert(t, fs)
	n2 := insert(t, fs)

	// Satisfy frame 2's data before frame 1's: output must still emit
	// frame 1 first once it becomes ready.
	require.NoError(t, fs.SetWorkingFrameStatusCheckpoint(n2, frameserver.Processing, "hold"))
	require.NoError(t, od.InsertFrameData("pose", map[string]float64{"x": 2}, n2))

	waitFor(t, time.Second, func() bool {
		return countLines(syncSink.String()) == 0 // frame 1 still blocking checkpoint "hold"
	})

	require.NoError(t, fs.SetWorkingFrameStatusCheckpoint(n1, frameserver.Processing, "hold"))
	require.NoError(t, od.InsertFrameData("pose", map[string]float64{"x": 1}, n1))

	waitFor(t, time.Second, func() bool {
		return countLines(syncSink.String()) == 2
	})

	lines := strings.Split(strings.TrimRight(syncSink.String(), "\n"), "\n")

	var rec1, rec2 map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec1))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec2))
	assert.EqualValues(t, n1, rec1["meta"].(map[string]interface{})["frameNumber"])
	assert.EqualValues(t, n2, rec2["meta"].(map[string]interface{})["frameNumber"])
	assert.Equal(t, true, rec1["meta"].(map[string]interface{})["basis"])
}

func TestInsertFrameDataUnknownKeyIsFatal(t *testing.T) {
	var sink bytes.Buffer
	fs, od := newHarness(t, &sink)
	n := insert(t, fs)
	err := od.InsertFrameData("nope", 1, n)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestRegisterFrameDataRejectsDuplicate(t *testing.T) {
	var sink bytes.Buffer
	_, od := newHarness(t, &sink)
	require.NoError(t, od.RegisterFrameData("pose"))
	err := od.RegisterFrameData("pose")
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

// syncBuffer makes a bytes.Buffer safe for concurrent Write/String use
// between the emit worker goroutine and the test goroutine.
type syncBuffer struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
