package response

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// lifecycle carries the state shared by every delayed-response flavor:
// identity, once-only completion, the inactivity timer, listener lists, and
// webhook delivery. Flavors embed it and add their own end semantics.
type lifecycle struct {
	callID string
	kind   Kind
	engine *Engine
	logger *slog.Logger

	mu                sync.Mutex
	completed         bool
	terminalErr       error
	lastActivity      time.Time
	timer             *time.Timer
	errorListeners    []func(error)
	cleanupCallbacks  []func() // run on expiry
	resourceCallbacks []func() // run on explicit end or error
	pollCancel        context.CancelFunc
	externalCallback  func(map[string]any)
	externalDone      bool
}

// CallID returns the opaque call identifier.
func (lc *lifecycle) CallID() string { return lc.callID }

// Kind returns the response flavor.
func (lc *lifecycle) Kind() Kind { return lc.kind }

// isDelayedResponse seals the flavor sum.
func (lc *lifecycle) isDelayedResponse() {}

// OnError appends an error listener. Listeners fire exactly once with the
// terminal error; a listener added after the terminal error fires immediately.
func (lc *lifecycle) OnError(cb func(error)) {
	if cb == nil {
		return
	}
	lc.mu.Lock()
	if lc.completed && lc.terminalErr != nil {
		err := lc.terminalErr
		lc.mu.Unlock()
		cb(err)
		return
	}
	lc.errorListeners = append(lc.errorListeners, cb)
	lc.mu.Unlock()
}

// AddCleanupCallback registers a callback that runs if the call expires.
func (lc *lifecycle) AddCleanupCallback(cb func()) {
	if cb == nil {
		return
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.cleanupCallbacks = append(lc.cleanupCallbacks, cb)
}

// AddResourceCleanupCallback registers a callback that runs on explicit end
// or on a terminal error.
func (lc *lifecycle) AddResourceCleanupCallback(cb func()) {
	if cb == nil {
		return
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.resourceCallbacks = append(lc.resourceCallbacks, cb)
}

// Progress delivers a pending update and resets the inactivity timer.
// A completed call drops the update silently.
func (lc *lifecycle) Progress(data any) error {
	lc.mu.Lock()
	if lc.completed {
		lc.mu.Unlock()
		lc.logger.Debug("progress after completion dropped", "call_id", lc.callID)
		return nil
	}
	lc.touchLocked()
	lc.mu.Unlock()

	if err := lc.engine.sender.Progress(lc.callID, data); err != nil {
		lc.fail(&DeliveryError{CallID: lc.callID, Err: err})
		return err
	}
	return nil
}

// end performs the once-only completion transition and delivers the terminal
// result. Flavors decide whether a payload is carried.
func (lc *lifecycle) end(result any) error {
	lc.mu.Lock()
	if lc.completed {
		lc.mu.Unlock()
		lc.logger.Debug("end after completion dropped", "call_id", lc.callID)
		return nil
	}
	lc.completeLocked()
	lc.mu.Unlock()

	if err := lc.engine.sender.Result(lc.callID, result); err != nil {
		delivery := &DeliveryError{CallID: lc.callID, Err: err}
		lc.setTerminalErr(delivery)
		lc.fireErrorListeners(delivery)
		lc.runResourceCallbacks()
		lc.engine.registry.Remove(lc.callID)
		return delivery
	}

	lc.runResourceCallbacks()
	lc.engine.registry.Remove(lc.callID)
	return nil
}

// expire is the inactivity terminal path. It is also the callback the engine
// registers in the cleanup registry.
func (lc *lifecycle) expire() {
	lc.mu.Lock()
	if lc.completed {
		lc.mu.Unlock()
		return
	}
	expiry := lc.engine.opts.Expiry
	lc.completeLocked()
	err := &ExpiredError{CallID: lc.callID, Timeout: expiry}
	lc.terminalErr = err
	lc.mu.Unlock()

	lc.logger.Warn("call expired", "call_id", lc.callID, "timeout", expiry)
	lc.fireErrorListeners(err)
	lc.runCleanupCallbacks()
	lc.engine.registry.Remove(lc.callID)
}

// fail is the terminal path for delivery errors raised outside end.
func (lc *lifecycle) fail(err error) {
	lc.mu.Lock()
	if lc.completed {
		lc.mu.Unlock()
		return
	}
	lc.completeLocked()
	lc.terminalErr = err
	lc.mu.Unlock()

	lc.logger.Error("call failed", "call_id", lc.callID, "error", err)
	lc.fireErrorListeners(err)
	lc.runResourceCallbacks()
	lc.engine.registry.Remove(lc.callID)
}

// externalComplete handles a completed report from the external webhook.
// Polling has already stopped (the poller returns after a completed report);
// this hands the document to the caller-registered callback and does not
// complete the response.
func (lc *lifecycle) externalComplete(data map[string]any) {
	lc.mu.Lock()
	if lc.completed || lc.externalDone {
		lc.mu.Unlock()
		return
	}
	lc.externalDone = true
	cb := lc.externalCallback
	lc.mu.Unlock()

	if cb != nil {
		cb(data)
	}
}

// setExternalCallback registers the CMB external-completion callback.
func (lc *lifecycle) setExternalCallback(cb func(map[string]any)) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.externalCallback = cb
}

// touchLocked records activity and restarts the inactivity timer.
func (lc *lifecycle) touchLocked() {
	lc.lastActivity = time.Now()
	if lc.timer != nil {
		lc.timer.Reset(lc.engine.opts.Expiry)
	}
}

// completeLocked flips the once-only completion flag and releases the timer
// and poller.
func (lc *lifecycle) completeLocked() {
	lc.completed = true
	if lc.timer != nil {
		lc.timer.Stop()
	}
	if lc.pollCancel != nil {
		lc.pollCancel()
	}
}

func (lc *lifecycle) setTerminalErr(err error) {
	lc.mu.Lock()
	lc.terminalErr = err
	lc.mu.Unlock()
}

func (lc *lifecycle) fireErrorListeners(err error) {
	lc.mu.Lock()
	listeners := lc.errorListeners
	lc.errorListeners = nil
	lc.mu.Unlock()

	for _, cb := range listeners {
		cb(err)
	}
}

func (lc *lifecycle) runCleanupCallbacks() {
	lc.mu.Lock()
	cbs := lc.cleanupCallbacks
	lc.cleanupCallbacks = nil
	lc.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (lc *lifecycle) runResourceCallbacks() {
	lc.mu.Lock()
	cbs := lc.resourceCallbacks
	lc.resourceCallbacks = nil
	lc.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}
