package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chazu/dreamvm/vm"
)

// newTestWorker loads a minimal program whose world ticks every 10ms.
func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	e := vm.NewEngine(vm.Options{})
	prog := &vm.CompiledProgram{
		Types: []vm.CompiledType{
			{Path: "/"},
			{Path: "/datum", Parent: "/"},
			{Path: "/world", Parent: "/", Vars: map[string]json.RawMessage{
				"tick_lag": json.RawMessage("0.1"),
			}},
			{Path: "/list", Parent: "/"},
		},
	}
	if err := e.LoadCompiled(prog); err != nil {
		t.Fatalf("LoadCompiled: %v", err)
	}
	w := NewWorker(e)
	t.Cleanup(w.Stop)
	return w
}

// ---------------------------------------------------------------------------
// Do
// ---------------------------------------------------------------------------

func TestWorkerDo(t *testing.T) {
	w := newTestWorker(t)
	v, err := w.Do(func(e *vm.Engine) interface{} { return e.TickInterval() })
	if err != nil {
		t.Fatal(err)
	}
	if v.(time.Duration) != 10*time.Millisecond {
		t.Errorf("tick interval = %v, want 10ms", v)
	}
}

func TestWorkerDoRecoversPanic(t *testing.T) {
	w := newTestWorker(t)
	_, err := w.Do(func(e *vm.Engine) interface{} { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Do error = %v, want the panic value", err)
	}
	// The worker keeps serving after a panic.
	if _, err := w.Do(func(e *vm.Engine) interface{} { return nil }); err != nil {
		t.Errorf("Do after panic: %v", err)
	}
}

func TestWorkerStop(t *testing.T) {
	w := newTestWorker(t)
	w.Stop()
	w.Stop()
	if _, err := w.Do(func(e *vm.Engine) interface{} { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after Stop error = %v, want ErrStopped", err)
	}
	if err := w.Run(context.Background(), 1); !errors.Is(err, ErrStopped) {
		t.Errorf("Run after Stop error = %v, want ErrStopped", err)
	}
}

// ---------------------------------------------------------------------------
// Tick loop
// ---------------------------------------------------------------------------

func TestWorkerRunStopsAfterMaxTicks(t *testing.T) {
	w := newTestWorker(t)
	if err := w.Run(context.Background(), 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	v, _ := w.Do(func(e *vm.Engine) interface{} { return e.Scheduler.Tick() })
	if v.(int) != 3 {
		t.Errorf("ticks run = %v, want 3", v)
	}
}

func TestWorkerRunHonorsContext(t *testing.T) {
	w := newTestWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run error = %v, want DeadlineExceeded", err)
	}
}

func TestWorkerTick(t *testing.T) {
	w := newTestWorker(t)
	stats, err := w.Tick()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Tick != 1 {
		t.Errorf("first tick = %d, want 1", stats.Tick)
	}
}

func TestWorkerEngine(t *testing.T) {
	e := vm.NewEngine(vm.Options{})
	w := NewWorker(e)
	defer w.Stop()
	if got := w.Engine(); got != e {
		t.Errorf("Engine() = %p, want %p", got, e)
	}
	if w.Engine().GameID != e.GameID {
		t.Errorf("GameID = %s, want %s", w.Engine().GameID, e.GameID)
	}
}
