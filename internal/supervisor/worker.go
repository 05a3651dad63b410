package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/ipc"
	"github.com/mattjoyce/warden/internal/log"
)

// Worker is the supervisor-side record of one child process. At most one
// non-terminated record exists per worker ID.
type Worker struct {
	ID         string
	URL        string
	Port       int
	Config     config.WorkerConfig
	ScriptPath string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *ipc.Encoder
	encMu  sync.Mutex
	exited chan struct{}

	exitMu   sync.Mutex
	exitErr  error
	exitDone bool
}

// Process returns the underlying OS process handle.
func (w *Worker) Process() *os.Process {
	return w.cmd.Process
}

// PID returns the child's process ID.
func (w *Worker) PID() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// GetURL returns the worker's bound base URL.
func (w *Worker) GetURL() string {
	return w.URL
}

// Exited is closed when the child process has exited.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}

// Kill force-terminates the child.
func (w *Worker) Kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

// Signal delivers sig to the child if it is still running.
func (w *Worker) Signal(sig syscall.Signal) error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Signal(sig)
}

// send writes one IPC message to the child.
func (w *Worker) send(msg ipc.Message) error {
	w.encMu.Lock()
	defer w.encMu.Unlock()
	return w.enc.Send(msg)
}

// markExited records the child's exit result exactly once.
func (w *Worker) markExited(err error) {
	w.exitMu.Lock()
	defer w.exitMu.Unlock()
	if w.exitDone {
		return
	}
	w.exitDone = true
	w.exitErr = err
	close(w.exited)
}

// spawn forks the worker binary, wires the IPC channel, and sends the start
// message. The returned channel delivers child IPC messages and is closed when
// the IPC stream ends; read errors are logged, not delivered.
func spawn(scriptPath string, cfg config.WorkerConfig, env map[string]string) (*Worker, <-chan *ipc.Message, error) {
	spawnID := uuid.NewString()[:8]
	logger := log.WithWorker(cfg.ID).With("spawn_id", spawnID)

	cmd := exec.Command(scriptPath)

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	// The child writes its IPC messages on the inherited pipe at fd 3,
	// keeping stdout and stderr plain log streams.
	ipcRead, ipcWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create ipc pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{ipcWrite}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	logger.Debug("spawning worker", "script", scriptPath)

	if err := cmd.Start(); err != nil {
		_ = ipcRead.Close()
		_ = ipcWrite.Close()
		return nil, nil, fmt.Errorf("start worker process: %w", err)
	}
	// Parent's copy of the write end must close so EOF propagates on exit.
	_ = ipcWrite.Close()

	w := &Worker{
		ID:         cfg.ID,
		Config:     cfg,
		ScriptPath: scriptPath,
		cmd:        cmd,
		stdin:      stdin,
		enc:        ipc.NewEncoder(stdin),
		exited:     make(chan struct{}),
	}

	// Wait must not run before the output pipes drain, or it closes them
	// under the forwarders.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		forwardOutput(logger, "stdout", stdout)
	}()
	go func() {
		defer readers.Done()
		forwardOutput(logger, "stderr", stderr)
	}()

	go func() {
		readers.Wait()
		w.markExited(cmd.Wait())
	}()

	msgCh := make(chan *ipc.Message, 4)
	go func() {
		defer close(msgCh)
		defer ipcRead.Close()
		dec := ipc.NewDecoder(ipcRead)
		for {
			msg, err := dec.Next()
			if err != nil {
				if err != io.EOF {
					logger.Warn("ipc read failed", "error", err)
				}
				return
			}
			msgCh <- msg
		}
	}()

	if err := w.send(ipc.Start(cfg)); err != nil {
		_ = w.Kill()
		return nil, nil, fmt.Errorf("send start message: %w", err)
	}

	return w, msgCh, nil
}

// forwardOutput relays a child log stream into the supervisor's logger.
func forwardOutput(logger *slog.Logger, stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		logger.Info("worker output", "stream", stream, "line", sc.Text())
	}
}

// awaitExit waits for the child to exit within grace, escalating with sig and
// then waiting indefinitely.
func awaitExit(w *Worker, grace time.Duration, sig syscall.Signal) {
	select {
	case <-w.exited:
		return
	case <-time.After(grace):
	}

	_ = w.Signal(sig)
	<-w.exited
}
