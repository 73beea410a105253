package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/dreamvm/vm"
	"github.com/tliron/commonlog"
)

// ErrStopped is returned by Do and Run once the worker has been stopped.
var ErrStopped = errors.New("worker stopped")

// request represents a unit of work to be executed on the engine goroutine.
type request struct {
	fn   func(*vm.Engine) interface{}
	done chan result
}

// result holds the return value from an engine operation.
type result struct {
	value interface{}
	err   error
}

// Worker serializes all engine access through a single goroutine.
// The engine is single-threaded; the tick loop and every host-side
// caller go through the worker to avoid data races.
type Worker struct {
	engine   *vm.Engine
	requests chan request
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	log commonlog.Logger
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker(e *vm.Engine) *Worker {
	w := &Worker{
		engine:   e,
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      commonlog.GetLogger("dreamvm.worker"),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine. Pending
// procs are dropped when the worker quits.
func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			w.execute(func(e *vm.Engine) interface{} {
				e.Shutdown()
				return nil
			})
			return
		}
	}
}

// execute runs a function on the engine, recovering from panics.
func (w *Worker) execute(fn func(*vm.Engine) interface{}) result {
	var res result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("%v", r)
				w.log.Errorf("panic on engine goroutine: %v", r)
			}
		}()
		res.value = fn(w.engine)
	}()
	return res
}

// Do submits a function for execution on the engine goroutine and blocks
// until it completes. Returns the result and any error (including panics).
func (w *Worker) Do(fn func(*vm.Engine) interface{}) (interface{}, error) {
	req := request{
		fn:   fn,
		done: make(chan result, 1),
	}
	select {
	case w.requests <- req:
	case <-w.done:
		return nil, ErrStopped
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-w.done:
		return nil, ErrStopped
	}
}

// Tick runs one engine update on the worker goroutine.
func (w *Worker) Tick() (vm.TickStats, error) {
	v, err := w.Do(func(e *vm.Engine) interface{} { return e.Update() })
	if err != nil {
		return vm.TickStats{}, err
	}
	return v.(vm.TickStats), nil
}

func (w *Worker) interval() (time.Duration, error) {
	v, err := w.Do(func(e *vm.Engine) interface{} { return e.TickInterval() })
	if err != nil {
		return 0, err
	}
	return v.(time.Duration), nil
}

// Run ticks the engine once per tick interval until ctx is done, the
// worker is stopped, or maxTicks ticks have run. maxTicks <= 0 means no
// limit. The interval is re-read after every tick so world.tick_lag
// changes take effect immediately.
func (w *Worker) Run(ctx context.Context, maxTicks int) error {
	interval, err := w.interval()
	if err != nil {
		return err
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for n := 0; maxTicks <= 0 || n < maxTicks; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return ErrStopped
		case <-timer.C:
		}

		stats, err := w.Tick()
		if err != nil {
			return err
		}
		if stats.Errors > 0 {
			w.log.Warningf("tick %d: %d proc(s) failed", stats.Tick, stats.Errors)
		}
		w.log.Debugf("tick %d: resumed %d, woken %d, deferred %d", stats.Tick, stats.Resumed, stats.Woken, stats.Deferred)

		if interval, err = w.interval(); err != nil {
			return err
		}
		timer.Reset(interval)
	}
	return nil
}

// Stop shuts down the worker goroutine after dropping pending procs.
// It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.done
}

// Engine returns the underlying engine (for read-only metadata access
// that doesn't touch runtime state, like the object tree).
func (w *Worker) Engine() *vm.Engine {
	return w.engine
}
