// Package worker implements the named, bounded thread pool shared by
// every analyzer and by the FrameServer's own herder: a fixed group of
// goroutines pulling from a common handler, signalled through one
// mutex/condition-variable pair, with cooperative and emergency
// shutdown. Modeled on the teacher's jpegPool/Farm condition-variable
// discipline (internal/driver/jpeg/pool.go), generalized to an
// arbitrary caller-supplied handler instead of a fixed compression task.
package worker

import (
	"errors"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/facepipe/frameserver/internal/metrics"
	"github.com/facepipe/frameserver/internal/servicelog"
	"github.com/facepipe/frameserver/internal/status"
)

// ErrNoWorkers is returned when the requested or computed worker count
// resolves to zero.
var ErrNoWorkers = errors.New("worker: pool must have at least one worker")

// ErrInvalidParams is returned when NumWorkers or NumWorkersPerCPU is negative.
var ErrInvalidParams = errors.New("worker: NumWorkers and NumWorkersPerCPU must be >= 0")

// Worker is the per-goroutine handle passed to Initializer/Handler/Deinitializer.
type Worker struct {
	Num    int
	UsrPtr interface{}
	pool   *Pool
}

// Pool returns the owning pool, so a handler can call SendWorkerSignal
// on itself without capturing the pool in a closure.
func (w *Worker) Pool() *Pool { return w.pool }

type (
	Initializer   func(w *Worker)
	Handler       func(w *Worker) (didWork bool)
	Deinitializer func(w *Worker)
)

// Params configures a Pool. NumWorkers == 0 derives the count from
// NumWorkersPerCPU * runtime.NumCPU(), rounded up.
type Params struct {
	Name             string
	NumWorkers       int
	NumWorkersPerCPU float64
	UsrPtr           interface{}
	Initializer      Initializer
	Handler          Handler
	Deinitializer    Deinitializer
}

// DrainSource is implemented by FrameServer: a pool registers itself
// for the one-shot drained notification that stops it cooperatively.
type DrainSource interface {
	OnFrameServerDrainedEvent(callback func())
}

// Pool is a fixed set of goroutines sharing parameters.Handler, a
// mutex, and a condition variable. Ownership is exclusive: workers
// never outlive their Pool.
type Pool struct {
	name   string
	logger servicelog.Logger
	status *status.Status
	params Params

	mu                 sync.Mutex
	cond               *sync.Cond
	running            bool
	frameServerDrained bool

	tickerDone chan struct{}
	wg         sync.WaitGroup
}

// New validates params, starts the worker goroutines, and registers
// for the drain source's terminal event if one is supplied (nil is
// valid for pools that have nothing to do with frame lifecycle, e.g.
// a future non-frame-bound pool).
func New(logger servicelog.Logger, st *status.Status, drainSource DrainSource, params Params) (*Pool, error) {
	if params.NumWorkers < 0 || params.NumWorkersPerCPU < 0 {
		return nil, ErrInvalidParams
	}
	if params.Handler == nil {
		return nil, errors.New("worker: Handler is required")
	}

	numWorkers := params.NumWorkers
	named := logger.Named("WorkerPool<" + params.Name + ">")
	if numWorkers == 0 {
		numWorkers = int(math.Ceil(float64(runtime.NumCPU()) * params.NumWorkersPerCPU))
		named.Debug("computed worker count from CPU share",
			servicelog.Int("numCPU", runtime.NumCPU()),
			servicelog.Int("numWorkers", numWorkers))
	} else {
		named.Debug("worker count set explicitly", servicelog.Int("numWorkers", numWorkers))
	}
	if numWorkers < 1 {
		return nil, ErrNoWorkers
	}

	p := &Pool{
		name:       params.Name,
		logger:     named,
		status:     st,
		params:     params,
		running:    true,
		tickerDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if drainSource != nil {
		drainSource.OnFrameServerDrainedEvent(p.handleFrameServerDrained)
	}

	go p.broadcastTicker()
	for i := 1; i <= numWorkers; i++ {
		w := &Worker{Num: i, UsrPtr: params.UsrPtr, pool: p}
		p.wg.Add(1)
		go p.outerLoop(w)
	}

	named.Debug("worker pool constructed")
	return p, nil
}

// SendWorkerSignal wakes exactly one worker blocked waiting for work.
func (p *Pool) SendWorkerSignal() {
	p.mu.Lock()
	p.cond.Signal()
	p.mu.Unlock()
}

// StopWorkerNow forces every worker to observe running == false on its
// next wake and exit without waiting for remaining work.
func (p *Pool) StopWorkerNow() {
	p.mu.Lock()
	p.running = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close blocks until every worker has exited, forcing a stop first if
// the pool was never told the frame server drained. This is the Go
// equivalent of the C++ destructor's safety net.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.frameServerDrained && p.running {
		p.logger.Crit("closing worker pool before frame server drained; forcing stop")
		p.running = false
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	close(p.tickerDone)
	p.wg.Wait()
}

func (p *Pool) handleFrameServerDrained() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		p.logger.Debug("drained notification arrived too late, pool already stopped")
		return
	}
	p.logger.Debug("got notification that frame server has drained")
	p.frameServerDrained = true
	p.cond.Broadcast()
}

// broadcastTicker wakes every waiting worker once a second even absent
// real work, standing in for SDL_CondWaitTimeout's 1000ms timeout —
// Go's sync.Cond has no timed wait, so a periodic broadcast bounds how
// long a worker can sit idle.
func (p *Pool) broadcastTicker() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.tickerDone:
			return
		case <-ticker.C:
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		}
	}
}

func (p *Pool) outerLoop(w *Worker) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Emerg("uncaught panic in worker, raising emergency stop",
				servicelog.Int("worker", w.Num), servicelog.Any("panic", r))
			p.status.SetEmergency()
		}
	}()

	if p.params.Initializer != nil {
		p.params.Initializer(w)
	}

	p.mu.Lock()
	for !p.frameServerDrained && p.running {
		if p.status.Paused() && p.status.Running() {
			p.mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			p.mu.Lock()
			continue
		}

		p.mu.Unlock()
		didWork := p.params.Handler(w)
		p.mu.Lock()

		if !didWork {
			idleStart := time.Now()
			p.cond.Wait()
			metrics.WorkerPoolIdleSeconds.WithLabelValues(p.name).Observe(time.Since(idleStart).Seconds())
		}
		if p.status.Emergency() {
			p.running = false
		}
	}
	p.mu.Unlock()

	if p.params.Deinitializer != nil {
		p.params.Deinitializer(w)
	}
	p.logger.Debug("worker done", servicelog.Int("worker", w.Num))
}
