package collaborative

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basket/meridian/internal/bus"
)

// stepResult is the outcome delivered to a step's waiter once its
// completion or failure event is observed.
type stepResult struct {
	ok      bool
	content string
	errMsg  string
}

// waiter tracks in-flight step and clarification awaits via bus events
// instead of polling the store.
type waiter struct {
	mu             sync.Mutex
	steps          map[string]chan stepResult
	clarifications map[string]chan string
}

func newWaiter() *waiter {
	return &waiter{
		steps:          make(map[string]chan stepResult),
		clarifications: make(map[string]chan string),
	}
}

// awaitStep registers executionID and blocks until its completion/failure
// event arrives or ctx (carrying the step-level timeout) expires.
func (w *waiter) awaitStep(ctx context.Context, executionID string) (stepResult, error) {
	ch := make(chan stepResult, 1)
	w.mu.Lock()
	w.steps[executionID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.steps, executionID)
		w.mu.Unlock()
	}()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return stepResult{}, fmt.Errorf("collaborative: step %s: %w", executionID, ctx.Err())
	}
}

// awaitClarification registers taskID and blocks until a clarification
// reply arrives or timeout elapses.
func (w *waiter) awaitClarification(ctx context.Context, taskID string, timeout time.Duration) (string, error) {
	ch := make(chan string, 1)
	w.mu.Lock()
	w.clarifications[taskID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.clarifications, taskID)
		w.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return "", fmt.Errorf("collaborative: clarification for task %s timed out after %s", taskID, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *waiter) deliverClarification(taskID, reply string) {
	w.mu.Lock()
	ch, ok := w.clarifications[taskID]
	w.mu.Unlock()
	if ok {
		select {
		case ch <- reply:
		default:
		}
	}
}

// handle is the Handler bound to the shared `*.task.completed`/`*.task.failed`
// waiter subscription. It is purely observational: every matching event is
// acknowledged regardless of whether a waiter is registered for it, since
// the authoritative outcome already lives in the execution record.
func (w *waiter) handle(ctx context.Context, ev bus.Event) bus.Result {
	w.mu.Lock()
	ch, ok := w.steps[ev.ExecutionID]
	w.mu.Unlock()
	if !ok {
		return bus.OK()
	}

	var res stepResult
	if ev.EventType == "task.completed" {
		var payload struct {
			Result string `json:"result"`
		}
		_ = json.Unmarshal(ev.Payload, &payload)
		res = stepResult{ok: true, content: payload.Result}
	} else {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(ev.Payload, &payload)
		res = stepResult{ok: false, errMsg: payload.Error}
	}

	select {
	case ch <- res:
	default:
	}
	return bus.OK()
}
