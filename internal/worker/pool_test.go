package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
)

func newLogger(t *testing.T) servicelog.Logger {
	t.Helper()
	l, err := servicelog.New(false, "")
	require.NoError(t, err)
	return l
}

func TestNewRejectsZeroWorkers(t *testing.T) {
	logger := newLogger(t)
	st := status.New(logger, false)
	_, err := New(logger, st, nil, Params{NumWorkers: 0, NumWorkersPerCPU: 0, Handler: func(*Worker) bool { return false }})
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestNewRejectsNegativeParams(t *testing.T) {
	logger := newLogger(t)
	st := status.New(logger, false)
	_, err := New(logger, st, nil, Params{NumWorkers: -1, Handler: func(*Worker) bool { return false }})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestNewRequiresHandler(t *testing.T) {
	logger := newLogger(t)
	st := status.New(logger, false)
	_, err := New(logger, st, nil, Params{NumWorkers: 1})
	assert.Error(t, err)
}

func TestSendWorkerSignalWakesHandler(t *testing.T) {
	logger := newLogger(t)
	st := status.New(logger, false)

	var calls int32
	release := make(chan struct{})
	p, err := New(logger, st, nil, Params{
		NumWorkers: 1,
		Handler: func(w *Worker) bool {
			n := atomic.AddInt32(&calls, 1)
			if n == 1 {
				return false
			}
			close(release)
			return false
		},
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	p.SendWorkerSignal()

	select {
	case <-release:
	case <-time.After(time.Second):
		t.Fatal("handler was not woken by SendWorkerSignal")
	}
}

func TestStopWorkerNowExitsWorkersPromptly(t *testing.T) {
	logger := newLogger(t)
	st := status.New(logger, false)

	p, err := New(logger, st, nil, Params{
		NumWorkers: 2,
		Handler:    func(*Worker) bool { return false },
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.StopWorkerNow()
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop promptly")
	}
}

func TestPanicInHandlerRaisesEmergency(t *testing.T) {
	logger := newLogger(t)
	st := status.New(logger, false)

	var once sync.Once
	p, err := New(logger, st, nil, Params{
		NumWorkers: 1,
		Handler: func(w *Worker) bool {
			once.Do(func() { panic("boom") })
			return false
		},
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	deadline := time.Now().Add(time.Second)
	for !st.Emergency() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, st.Emergency())
}

func TestDrainSourceStopsPool(t *testing.T) {
	logger := newLogger(t)
	st := status.New(logger, false)

	src := &fakeDrainSource{}
	p, err := New(logger, st, src, Params{
		NumWorkers: 1,
		Handler:    func(*Worker) bool { return false },
	})
	require.NoError(t, err)

	src.fire()

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after drain notification")
	}
}

type fakeDrainSource struct {
	mu  sync.Mutex
	cbs []func()
}

func (f *fakeDrainSource) OnFrameServerDrainedEvent(cb func()) {
	f.mu.Lock()
	f.cbs = append(f.cbs, cb)
	f.mu.Unlock()
}

func (f *fakeDrainSource) fire() {
	f.mu.Lock()
	cbs := f.cbs
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
