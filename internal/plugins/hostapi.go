package plugins

import (
	"github.com/dop251/goja"

	"github.com/mattjoyce/warden/internal/response"
)

// installHostAPI injects the functions a plugin source can reach: a console
// backed by the structured logger and the delayed-response constructors.
func (m *Module) installHostAPI() {
	console := m.vm.NewObject()
	_ = console.Set("log", func(args ...any) { m.logger.Info("plugin log", "args", args) })
	_ = console.Set("warn", func(args ...any) { m.logger.Warn("plugin log", "args", args) })
	_ = console.Set("error", func(args ...any) { m.logger.Error("plugin log", "args", args) })
	_ = m.vm.Set("console", console)

	_ = m.vm.Set("newSlowResponse", func() (*goja.Object, error) {
		r, err := m.engine.NewSlow()
		if err != nil {
			return nil, err
		}
		return m.wrapResponse(r), nil
	})
	_ = m.vm.Set("newObservableResponse", func() (*goja.Object, error) {
		r, err := m.engine.NewObservable()
		if err != nil {
			return nil, err
		}
		return m.wrapResponse(r), nil
	})
	_ = m.vm.Set("newCMBSlowResponse", func() (*goja.Object, error) {
		r, err := m.engine.NewCMBSlow()
		if err != nil {
			return nil, err
		}
		return m.wrapResponse(r), nil
	})
	_ = m.vm.Set("newCMBObservableResponse", func() (*goja.Object, error) {
		r, err := m.engine.NewCMBObservable()
		if err != nil {
			return nil, err
		}
		return m.wrapResponse(r), nil
	})
}

// wrapResponse builds the JS-facing view of a delayed response. Callbacks
// registered from JS are invoked on their own goroutine under the VM mutex,
// since lifecycle timers fire off the dispatch path.
func (m *Module) wrapResponse(r response.DelayedResponse) *goja.Object {
	obj := m.vm.NewObject()
	_ = obj.Set("callId", r.CallID())
	_ = obj.Set(nativeKey, r)

	switch v := r.(type) {
	case *response.Slow:
		_ = obj.Set("progress", func(data goja.Value) error { return v.Progress(exportArg(data)) })
		_ = obj.Set("end", func(result goja.Value) error { return v.End(exportArg(result)) })
	case *response.Observable:
		_ = obj.Set("progress", func(data goja.Value) error { return v.Progress(exportArg(data)) })
		_ = obj.Set("end", func() error { return v.End() })
	case *response.CMBSlow:
		_ = obj.Set("progress", func(data goja.Value) error { return v.Progress(exportArg(data)) })
		_ = obj.Set("end", func(result goja.Value) error { return v.End(exportArg(result)) })
		_ = obj.Set("onExternalComplete", func(fn goja.Callable) {
			v.OnExternalComplete(m.jsDataCallback(fn))
		})
	case *response.CMBObservable:
		_ = obj.Set("progress", func(data goja.Value) error { return v.Progress(exportArg(data)) })
		_ = obj.Set("end", func() error { return v.End() })
		_ = obj.Set("onExternalComplete", func(fn goja.Callable) {
			v.OnExternalComplete(m.jsDataCallback(fn))
		})
	}

	_ = obj.Set("onError", func(fn goja.Callable) {
		r.OnError(func(err error) {
			go func() {
				m.vmMu.Lock()
				defer m.vmMu.Unlock()
				if _, cbErr := fn(goja.Undefined(), m.errorValue(err)); cbErr != nil {
					m.logger.Error("onError callback failed", "call_id", r.CallID(), "error", cbErr)
				}
			}()
		})
	})
	_ = obj.Set("addCleanupCallback", func(fn goja.Callable) {
		r.AddCleanupCallback(m.jsCallback(fn, r.CallID(), "cleanup"))
	})
	_ = obj.Set("addResourceCleanupCallback", func(fn goja.Callable) {
		r.AddResourceCleanupCallback(m.jsCallback(fn, r.CallID(), "resource cleanup"))
	})

	return obj
}

// jsCallback adapts a JS function to a Go cleanup callback.
func (m *Module) jsCallback(fn goja.Callable, callID, what string) func() {
	return func() {
		go func() {
			m.vmMu.Lock()
			defer m.vmMu.Unlock()
			if _, err := fn(goja.Undefined()); err != nil {
				m.logger.Error(what+" callback failed", "call_id", callID, "error", err)
			}
		}()
	}
}

// jsDataCallback adapts a JS function to an external-completion callback.
func (m *Module) jsDataCallback(fn goja.Callable) func(map[string]any) {
	return func(data map[string]any) {
		go func() {
			m.vmMu.Lock()
			defer m.vmMu.Unlock()
			if _, err := fn(goja.Undefined(), m.vm.ToValue(data)); err != nil {
				m.logger.Error("external completion callback failed", "error", err)
			}
		}()
	}
}

// errorValue builds the JS error document for terminal errors.
func (m *Module) errorValue(err error) goja.Value {
	doc := map[string]any{"message": err.Error()}
	switch e := err.(type) {
	case *response.ExpiredError:
		doc["code"] = e.Code()
		doc["callId"] = e.CallID
	case *response.DeliveryError:
		doc["code"] = e.Code()
		doc["callId"] = e.CallID
	}
	return m.vm.ToValue(doc)
}

func exportArg(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
