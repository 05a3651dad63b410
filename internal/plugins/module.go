package plugins

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dop251/goja"

	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/response"
)

// nativeKey is the wrapper property holding the Go response handle.
const nativeKey = "_native"

// Module is one loaded plugin: a JavaScript source file evaluated in its own
// VM, exporting getInstance, getAllow, and the optional declaration hooks.
type Module struct {
	Name string
	Path string

	vm     *goja.Runtime
	vmMu   sync.Mutex
	engine *response.Engine
	logger *slog.Logger

	instance     *goja.Object
	allow        goja.Callable
	getInstance  goja.Callable
	getAllow     goja.Callable
	getDeps      goja.Callable
	getPublic    goja.Callable
	shutdownFn   goja.Callable
	dependencies []string
}

// LoadModule evaluates the plugin source at path. The plugin's name is the
// file's base name; instantiation happens later, in dependency order.
func LoadModule(name, path string, engine *response.Engine) (*Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin source: %w", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	m := &Module{
		Name:   name,
		Path:   path,
		vm:     vm,
		engine: engine,
		logger: log.WithPlugin(name),
	}
	m.installHostAPI()

	if _, err := vm.RunScript(name, string(src)); err != nil {
		return nil, fmt.Errorf("evaluate plugin %q: %w", name, err)
	}

	m.getInstance = m.callable("getInstance")
	if m.getInstance == nil {
		return nil, fmt.Errorf("plugin %q does not export getInstance", name)
	}
	m.getAllow = m.callable("getAllow")
	if m.getAllow == nil {
		return nil, fmt.Errorf("plugin %q does not export getAllow", name)
	}
	m.getDeps = m.callable("getDependencies")
	m.getPublic = m.callable("getPublicMethods")
	m.shutdownFn = m.callable("shutdown")

	if m.getDeps != nil {
		v, err := m.getDeps(goja.Undefined())
		if err != nil {
			return nil, fmt.Errorf("plugin %q getDependencies: %w", name, err)
		}
		if err := m.vm.ExportTo(v, &m.dependencies); err != nil {
			return nil, fmt.Errorf("plugin %q getDependencies must return a list of names: %w", name, err)
		}
	}

	return m, nil
}

// Dependencies returns the declared dependency names in declaration order.
func (m *Module) Dependencies() []string {
	return m.dependencies
}

// callable returns the named global as a callable, or nil.
func (m *Module) callable(name string) goja.Callable {
	v := m.vm.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

// Instantiate calls the module's getInstance factory and attaches the allow
// predicate to the instance. A factory may return a promise; it must already
// be settled when the factory returns.
func (m *Module) Instantiate() error {
	m.vmMu.Lock()
	defer m.vmMu.Unlock()

	v, err := m.getInstance(goja.Undefined())
	if err != nil {
		return fmt.Errorf("plugin %q getInstance: %w", m.Name, err)
	}
	v, err = m.settle(v, "getInstance")
	if err != nil {
		return err
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return fmt.Errorf("plugin %q getInstance must return an object", m.Name)
	}
	m.instance = obj

	allowVal, err := m.getAllow(goja.Undefined())
	if err != nil {
		return fmt.Errorf("plugin %q getAllow: %w", m.Name, err)
	}
	allowFn, ok := goja.AssertFunction(allowVal)
	if !ok {
		return fmt.Errorf("plugin %q getAllow must return a predicate function", m.Name)
	}
	m.allow = allowFn

	// Expose the predicate on the instance as well, as plugins expect.
	if err := obj.Set("allow", allowVal); err != nil {
		return fmt.Errorf("plugin %q attach allow: %w", m.Name, err)
	}

	return nil
}

// settle unwraps a settled promise returned by an async factory.
func (m *Module) settle(v goja.Value, op string) (goja.Value, error) {
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("plugin %q %s rejected: %s", m.Name, op, p.Result().String())
	default:
		return nil, fmt.Errorf("plugin %q %s returned a pending promise", m.Name, op)
	}
}

// HasInstance reports whether the module has been instantiated.
func (m *Module) HasInstance() bool {
	return m.instance != nil
}

// HasAllow reports whether the instance carries an authorization predicate.
func (m *Module) HasAllow() bool {
	return m.allow != nil
}

// Allow evaluates the authorization predicate. Only a strict boolean false
// denies; any other return value permits.
func (m *Module) Allow(forWhom, email, operation string, args []any) (bool, error) {
	m.vmMu.Lock()
	defer m.vmMu.Unlock()

	callArgs := make([]goja.Value, 0, 3+len(args))
	callArgs = append(callArgs, m.vm.ToValue(forWhom), m.vm.ToValue(email), m.vm.ToValue(operation))
	for _, a := range args {
		callArgs = append(callArgs, m.vm.ToValue(a))
	}

	v, err := m.allow(goja.Undefined(), callArgs...)
	if err != nil {
		return false, fmt.Errorf("plugin %q allow: %w", m.Name, err)
	}

	if b, ok := v.Export().(bool); ok && !b {
		return false, nil
	}
	return true, nil
}

// HasMethod reports whether the operation is callable on the instance.
func (m *Module) HasMethod(name string) bool {
	m.vmMu.Lock()
	defer m.vmMu.Unlock()

	v := m.instance.Get(name)
	if v == nil {
		return false
	}
	_, ok := goja.AssertFunction(v)
	return ok
}

// Invoke calls the named operation on the instance and returns the raw result.
// A wrapped delayed response is unwrapped to its Go handle; any other value is
// exported as plain data; undefined is returned as nil.
func (m *Module) Invoke(name string, args []any) (any, error) {
	m.vmMu.Lock()
	defer m.vmMu.Unlock()

	fn, ok := goja.AssertFunction(m.instance.Get(name))
	if !ok {
		return nil, fmt.Errorf("plugin %q has no operation %q", m.Name, name)
	}

	callArgs := make([]goja.Value, 0, len(args))
	for _, a := range args {
		callArgs = append(callArgs, m.vm.ToValue(a))
	}

	v, err := fn(m.instance, callArgs...)
	if err != nil {
		return nil, fmt.Errorf("plugin %q operation %q: %w", m.Name, name, err)
	}
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}

	if obj, ok := v.(*goja.Object); ok {
		if native := obj.Get(nativeKey); native != nil {
			if dr, ok := native.Export().(response.DelayedResponse); ok {
				return dr, nil
			}
		}
	}
	return v.Export(), nil
}

// PublicMethods returns the plugin's declared externally-callable operations.
// A plugin without the declaration exposes none.
func (m *Module) PublicMethods() ([]string, error) {
	if m.getPublic == nil {
		return []string{}, nil
	}

	m.vmMu.Lock()
	defer m.vmMu.Unlock()

	v, err := m.getPublic(goja.Undefined())
	if err != nil {
		return nil, fmt.Errorf("plugin %q getPublicMethods: %w", m.Name, err)
	}
	var methods []string
	if err := m.vm.ExportTo(v, &methods); err != nil {
		return nil, fmt.Errorf("plugin %q getPublicMethods must return a list: %w", m.Name, err)
	}
	return methods, nil
}

// Shutdown invokes the module's optional shutdown hook.
func (m *Module) Shutdown() error {
	if m.shutdownFn == nil {
		return nil
	}

	m.vmMu.Lock()
	defer m.vmMu.Unlock()

	if _, err := m.shutdownFn(goja.Undefined()); err != nil {
		return fmt.Errorf("plugin %q shutdown: %w", m.Name, err)
	}
	return nil
}
