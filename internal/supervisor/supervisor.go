// Package supervisor forks, monitors, recycles, and terminates worker
// subprocesses. Each worker is a child OS process serving one command
// endpoint; the supervisor owns the registry mapping worker IDs to live
// process records.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/ipc"
	"github.com/mattjoyce/warden/internal/log"
	"github.com/mattjoyce/warden/internal/secrets"
)

const (
	// defaultReadyTimeout bounds the fork handshake.
	defaultReadyTimeout = 30 * time.Second
	// defaultShutdownGrace is the window between a graceful request and
	// escalation.
	defaultShutdownGrace = 5 * time.Second
)

var (
	// ErrReadyTimeout is returned when a forked child never reports ready.
	ErrReadyTimeout = errors.New("worker did not report ready in time")
	// ErrNoStorage is returned when a worker config lacks a storage root.
	ErrNoStorage = errors.New("worker config requires storage")
	// ErrUnknownWorker is returned for operations on unregistered IDs.
	ErrUnknownWorker = errors.New("worker is not registered")
	// ErrRestartInProgress is returned to concurrent restart callers.
	ErrRestartInProgress = errors.New("worker restart already in progress")
	// ErrDuplicateWorker is returned when an ID already has a live record.
	ErrDuplicateWorker = errors.New("worker id already registered")
)

// Supervisor owns the set of worker processes.
type Supervisor struct {
	scriptPath    string
	secrets       secrets.Loader
	hub           *events.Hub
	logger        *slog.Logger
	seq           atomic.Int64
	readyTimeout  time.Duration
	shutdownGrace time.Duration

	mu         sync.Mutex
	processes  map[string]*Worker
	restarting map[string]struct{}
}

// New creates a Supervisor that forks scriptPath for every worker.
func New(scriptPath string, secretsLoader secrets.Loader, hub *events.Hub) *Supervisor {
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Supervisor{
		scriptPath:    scriptPath,
		secrets:       secretsLoader,
		hub:           hub,
		logger:        log.WithComponent("supervisor"),
		readyTimeout:  defaultReadyTimeout,
		shutdownGrace: defaultShutdownGrace,
		processes:     make(map[string]*Worker),
		restarting:    make(map[string]struct{}),
	}
}

// Hub exposes the lifecycle event stream.
func (s *Supervisor) Hub() *events.Hub {
	return s.hub
}

// CreateWorker resolves the worker identity and environment, forks the child,
// and registers the record once the ready handshake completes.
func (s *Supervisor) CreateWorker(cfg config.WorkerConfig) (*Worker, error) {
	if cfg.Storage == "" {
		return nil, ErrNoStorage
	}

	if cfg.ID == "" {
		if cfg.URLPrefix != "" {
			cfg.ID = cfg.URLPrefix
		} else {
			cfg.ID = fmt.Sprintf("process-%d", s.seq.Add(1))
		}
	}

	s.mu.Lock()
	if _, exists := s.processes[cfg.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateWorker, cfg.ID)
	}
	s.mu.Unlock()

	env := cfg.Env
	if env == nil {
		loaded, err := s.secrets.LoadEnv(cfg.ID, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("load environment for %q: %w", cfg.ID, err)
		}
		env = loaded
	}

	return s.fork(s.scriptPath, cfg, env)
}

// Fork spawns a child for cfg and waits for the ready handshake. On ready the
// record is registered and a persistent exit watcher removes it when the
// child dies.
func (s *Supervisor) Fork(scriptPath string, cfg config.WorkerConfig, env map[string]string) (*Worker, error) {
	return s.fork(scriptPath, cfg, env)
}

func (s *Supervisor) fork(scriptPath string, cfg config.WorkerConfig, env map[string]string) (*Worker, error) {
	w, msgCh, err := spawn(scriptPath, cfg, env)
	if err != nil {
		s.hub.Publish(events.TypeFailed, cfg.ID, err.Error())
		return nil, err
	}
	s.hub.Publish(events.TypeForked, cfg.ID, "")

	timeout := time.NewTimer(s.readyTimeout)
	defer timeout.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				// IPC channel closed without ready; treat like early exit.
				awaitExit(w, s.shutdownGrace, syscall.SIGKILL)
				s.hub.Publish(events.TypeFailed, cfg.ID, "ipc closed before ready")
				return nil, fmt.Errorf("worker %q exited before ready", cfg.ID)
			}
			switch msg.Type {
			case ipc.TypeReady:
				w.URL = msg.URL
				w.Port = msg.Port
				s.register(w)
				go s.watch(w, msgCh)
				s.hub.Publish(events.TypeReady, cfg.ID, msg.URL)
				s.logger.Info("worker ready", "worker_id", cfg.ID, "url", msg.URL, "pid", w.PID())
				return w, nil
			case ipc.TypeError:
				_ = w.Kill()
				awaitExit(w, s.shutdownGrace, syscall.SIGKILL)
				s.hub.Publish(events.TypeFailed, cfg.ID, msg.Error)
				return nil, fmt.Errorf("worker %q failed to start: %s", cfg.ID, msg.Error)
			default:
				s.logger.Warn("unexpected ipc message during handshake", "worker_id", cfg.ID, "type", msg.Type)
			}

		case <-w.Exited():
			s.hub.Publish(events.TypeFailed, cfg.ID, "exited before ready")
			return nil, fmt.Errorf("worker %q exited before ready", cfg.ID)

		case <-timeout.C:
			_ = w.Signal(syscall.SIGTERM)
			awaitExit(w, s.shutdownGrace, syscall.SIGKILL)
			s.hub.Publish(events.TypeFailed, cfg.ID, "ready timeout")
			return nil, fmt.Errorf("worker %q: %w", cfg.ID, ErrReadyTimeout)
		}
	}
}

// register stores the record under its ID, replacing any previous entry.
// Duplicate live IDs are refused earlier, in CreateWorker.
func (s *Supervisor) register(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[w.ID] = w
}

// watch drains post-handshake IPC messages and removes the record when the
// child exits.
func (s *Supervisor) watch(w *Worker, msgCh <-chan *ipc.Message) {
	go func() {
		for msg := range msgCh {
			if msg.Type == ipc.TypeError {
				s.logger.Error("worker reported error", "worker_id", w.ID, "error", msg.Error)
			}
		}
	}()

	<-w.Exited()
	s.unregister(w)
	s.hub.Publish(events.TypeExited, w.ID, "")
	s.logger.Info("worker exited", "worker_id", w.ID, "pid", w.PID())
}

// unregister removes the record only if it is still the current one for the
// ID; a restart may already have installed a successor.
func (s *Supervisor) unregister(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.processes[w.ID]; ok && current == w {
		delete(s.processes, w.ID)
	}
}

// Restart recycles a worker: graceful shutdown (escalating to SIGKILL after
// the grace window), then a fresh fork with the same config and script path.
// Env overrides the resolved environment when non-empty. Concurrent restarts
// of the same ID are refused.
func (s *Supervisor) Restart(id string, env map[string]string) (*Worker, error) {
	s.mu.Lock()
	old, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, id)
	}
	if _, busy := s.restarting[id]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrRestartInProgress, id)
	}
	s.restarting[id] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.restarting, id)
		s.mu.Unlock()
	}()

	s.hub.Publish(events.TypeRestarting, id, "")
	s.logger.Info("restarting worker", "worker_id", id, "pid", old.PID())

	if len(env) == 0 {
		loaded, err := s.secrets.LoadEnv(id, old.Config.Storage)
		if err != nil {
			return nil, fmt.Errorf("load environment for %q: %w", id, err)
		}
		env = loaded
	}

	if err := old.send(ipc.Shutdown()); err != nil {
		s.logger.Warn("shutdown message failed, killing", "worker_id", id, "error", err)
		_ = old.Kill()
	}
	awaitExit(old, s.shutdownGrace, syscall.SIGKILL)
	s.unregister(old)

	w, err := s.fork(old.ScriptPath, old.Config, env)
	if err != nil {
		return nil, err
	}
	s.hub.Publish(events.TypeRestarted, id, "")
	return w, nil
}

// TerminateAll gracefully shuts every worker down, escalating to SIGTERM
// after the grace window, and blocks until the last child has exited.
func (s *Supervisor) TerminateAll() error {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.processes))
	for _, w := range s.processes {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			if err := w.send(ipc.Shutdown()); err != nil {
				_ = w.Signal(syscall.SIGTERM)
			}
			awaitExit(w, s.shutdownGrace, syscall.SIGTERM)
			s.unregister(w)
			return nil
		})
	}
	err := g.Wait()

	s.mu.Lock()
	s.processes = make(map[string]*Worker)
	s.mu.Unlock()

	s.logger.Info("all workers terminated", "count", len(workers))
	return err
}

// IsRestarting reports whether id has a restart in flight.
func (s *Supervisor) IsRestarting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.restarting[id]
	return ok
}

// GetWorker returns the live record for id.
func (s *Supervisor) GetWorker(id string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.processes[id]
	return w, ok
}

// ListWorkers returns a snapshot of the live records.
func (s *Supervisor) ListWorkers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Worker, 0, len(s.processes))
	for _, w := range s.processes {
		out = append(out, w)
	}
	return out
}
