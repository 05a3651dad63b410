package ipc

import "github.com/mattjoyce/warden/internal/config"

// Type tags a parent/child control message.
type Type string

const (
	// TypeStart bootstraps the child with its worker configuration.
	TypeStart Type = "start"
	// TypeShutdown asks the child to terminate gracefully.
	TypeShutdown Type = "shutdown"
	// TypeReady reports the child's bound URL and port.
	TypeReady Type = "ready"
	// TypeError reports a fatal bootstrap or uncaught error in the child.
	TypeError Type = "error"
)

// Message is the wire form of every control message. Fields beyond Type are
// populated per tag.
type Message struct {
	Type   Type                 `json:"type"`
	Config *config.WorkerConfig `json:"config,omitempty"`
	URL    string               `json:"url,omitempty"`
	Port   int                  `json:"port,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// Start builds a start message carrying cfg.
func Start(cfg config.WorkerConfig) Message {
	return Message{Type: TypeStart, Config: &cfg}
}

// Shutdown builds a shutdown message.
func Shutdown() Message {
	return Message{Type: TypeShutdown}
}

// Ready builds a ready message for the bound endpoint.
func Ready(url string, port int) Message {
	return Message{Type: TypeReady, URL: url, Port: port}
}

// Error builds an error message.
func Error(err error) Message {
	return Message{Type: TypeError, Error: err.Error()}
}
