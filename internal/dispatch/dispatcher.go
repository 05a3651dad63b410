package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/plugins"
	"github.com/mattjoyce/warden/internal/response"
)

// PluginRegistry is the loader surface the dispatcher consumes.
type PluginRegistry interface {
	Get(name string) (*plugins.Module, bool)
	IsRestarting() bool
}

// Dispatcher executes validated commands against the plugin registry.
type Dispatcher struct {
	loader PluginRegistry
	logger *slog.Logger

	// mu serializes command execution; a worker processes one command at a
	// time even though delayed responses keep working in the background.
	mu sync.Mutex
}

// New creates a Dispatcher over loader.
func New(loader PluginRegistry) *Dispatcher {
	return &Dispatcher{
		loader: loader,
		logger: log.WithComponent("dispatch"),
	}
}

// ExecuteCommand validates, authorizes, invokes, and classifies one command.
func (d *Dispatcher) ExecuteCommand(cmd Command) (*Result, error) {
	if d.loader.IsRestarting() {
		return &Result{OperationType: "restart"}, nil
	}

	if err := validate(cmd); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	plug, ok := d.loader.Get(cmd.PluginName)
	if !ok {
		return nil, &CommandError{Kind: KindNoPlugin, Message: fmt.Sprintf("plugin %q is not registered", cmd.PluginName)}
	}

	if !plug.HasAllow() {
		return nil, &CommandError{Kind: KindNoAllow, Message: fmt.Sprintf("plugin %q has no allow predicate", cmd.PluginName)}
	}

	allowed, err := plug.Allow(cmd.ForWhom, cmd.Email(), cmd.Name, cmd.Args)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &CommandError{
			Kind:    KindUnauthorized,
			Message: fmt.Sprintf("%q is not authorized to call %s.%s", cmd.ForWhom, cmd.PluginName, cmd.Name),
		}
	}

	if !plug.HasMethod(cmd.Name) {
		return nil, &CommandError{Kind: KindNoMethod, Message: fmt.Sprintf("plugin %q has no operation %q", cmd.PluginName, cmd.Name)}
	}

	d.logger.Debug("executing command", "plugin", cmd.PluginName, "operation", cmd.Name, "for_whom", cmd.ForWhom)

	raw, err := plug.Invoke(cmd.Name, cmd.Args)
	if err != nil {
		return nil, err
	}

	return classify(raw), nil
}

// validate checks the structural command contract.
func validate(cmd Command) error {
	if cmd.ForWhom == "" {
		return badCommand("forWhom")
	}
	if cmd.Name == "" {
		return badCommand("name")
	}
	if cmd.PluginName == "" {
		return badCommand("pluginName")
	}
	return nil
}

// classify maps a raw plugin return to its operation type. A delayed response
// yields its call ID; anything else is synchronous.
func classify(raw any) *Result {
	if dr, ok := raw.(response.DelayedResponse); ok {
		return &Result{
			OperationType: dr.Kind().OperationType(),
			Result:        dr.CallID(),
		}
	}
	return &Result{OperationType: "sync", Result: raw}
}
