package decoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facepipe/frameserver/internal/frameserver"
	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
)

func TestFakeSourceEmitsRequestedCount(t *testing.T) {
	src := NewFakeSource(4, 4, 3, 10*time.Millisecond)
	n := 0
	for {
		_, ok, err := src.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		n++
	}
	assert.Equal(t, 3, n)
}

func TestPumpInsertsAllFramesAndDrains(t *testing.T) {
	logger, err := servicelog.New(false, "")
	require.NoError(t, err)
	st := status.New(logger, false)
	fs, err := frameserver.New(logger, st, frameserver.Config{})
	require.NoError(t, err)
	t.Cleanup(fs.Close)

	src := NewFakeSource(2, 2, 5, time.Millisecond)
	count, err := Pump(fs, src, false)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	deadline := time.Now().Add(time.Second)
	for !fs.IsDrained() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, fs.IsDrained())
}
