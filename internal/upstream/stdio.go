package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/pool"
	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

const (
	stdioBufferSize    = 64 * 1024
	defaultMaxRestarts = 3
	stderrLineLimit    = 512
)

// StdioFactory builds subprocess transports for the pool. Each handle owns
// its own process; the pool replaces handles whose process has died.
type StdioFactory struct {
	cfg    config.StdioConfig
	logger *zap.Logger
	seq    atomic.Uint64
}

// NewStdioFactory validates the subprocess configuration and returns a
// factory for it.
func NewStdioFactory(cfg config.StdioConfig, logger *zap.Logger) (*StdioFactory, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.NewValidationError("stdio upstream requires a command").
			WithComponent("upstream")
	}

	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = defaultMaxRestarts
	}

	return &StdioFactory{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "stdio_upstream")),
	}, nil
}

// Create spawns a new upstream process and returns its handle. The process
// lifetime is tied to the handle, not to ctx, so pooled handles survive the
// acquire that created them.
func (f *StdioFactory) Create(_ context.Context) (pool.Handle, error) {
	id := fmt.Sprintf("stdio-%d", f.seq.Add(1))

	return newStdioHandle(id, f.cfg, f.logger.With(zap.String("handle_id", id)))
}

// Validate reports whether a pooled handle still has a running process.
func (f *StdioFactory) Validate(h pool.Handle) error {
	if !h.IsAlive() {
		return errors.NewTransportError("upstream process not running", nil).
			WithComponent("upstream")
	}

	return nil
}

// stdioProcess holds the per-incarnation state of the subprocess. A restart
// swaps in a fresh one; readers of the old incarnation drain and exit on
// their own.
type stdioProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	respCh chan *mcp.Response
	errCh  chan error
	stopCh chan struct{}
}

// StdioHandle is a subprocess upstream speaking line-delimited JSON-RPC over
// stdin/stdout. It carries one exchange at a time. An exchange abandoned
// mid-read leaves the pipe out of sync, so the handle marks itself dead and
// the pool discards it instead of reusing a poisoned stream.
type StdioHandle struct {
	id     string
	cfg    config.StdioConfig
	logger *zap.Logger

	mu       sync.Mutex // serializes exchanges and restarts
	proc     *stdioProcess
	restarts int

	alive  atomic.Bool
	closed atomic.Bool
}

func newStdioHandle(id string, cfg config.StdioConfig, logger *zap.Logger) (*StdioHandle, error) {
	h := &StdioHandle{
		id:     id,
		cfg:    cfg,
		logger: logger,
	}

	if err := h.start(); err != nil {
		return nil, err
	}

	return h, nil
}

// start spawns the configured process and wires its pipes. Callers hold
// h.mu or have exclusive access.
func (h *StdioHandle) start() error {
	cmd := exec.Command(h.cfg.Command, h.cfg.Args...)

	if h.cfg.WorkingDir != "" {
		cmd.Dir = h.cfg.WorkingDir
	}

	cmd.Env = os.Environ()
	for key, value := range h.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.NewTransportError("create stdin pipe", err).WithComponent("upstream")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()

		return errors.NewTransportError("create stdout pipe", err).WithComponent("upstream")
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()

		return errors.NewTransportError("create stderr pipe", err).WithComponent("upstream")
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()

		return errors.NewTransportError("start upstream process", err).
			WithComponent("upstream").
			WithContext("command", h.cfg.Command)
	}

	proc := &stdioProcess{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		respCh: make(chan *mcp.Response, 1),
		errCh:  make(chan error, 1),
		stopCh: make(chan struct{}),
	}
	h.proc = proc

	var readers sync.WaitGroup

	readers.Add(2)

	go h.readResponses(proc, bufio.NewReaderSize(stdout, stdioBufferSize), &readers)
	go h.drainStderr(stderr, &readers)

	// Wait must not race the pipe readers; reap only after both drain.
	go func() {
		readers.Wait()

		if err := cmd.Wait(); err != nil {
			h.logger.Debug("upstream process exited", zap.Error(err))
		}
	}()

	h.alive.Store(true)
	h.logger.Info("upstream process started",
		zap.String("command", h.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))

	return nil
}

func (h *StdioHandle) readResponses(proc *stdioProcess, r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	dec := json.NewDecoder(r)

	for {
		var resp mcp.Response
		if err := dec.Decode(&resp); err != nil {
			h.alive.Store(false)

			select {
			case proc.errCh <- err:
			default:
			}

			return
		}

		select {
		case proc.respCh <- &resp:
		case <-proc.stopCh:
			return
		}
	}
}

func (h *StdioHandle) drainStderr(r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > stderrLineLimit {
			line = line[:stderrLineLimit]
		}

		h.logger.Debug("upstream stderr", zap.String("line", line))
	}
}

// Exchange writes one request and, unless it is a notification, waits for
// the next response on the pipe. A context expiry poisons the handle since
// the unread response would desynchronize any later exchange.
func (h *StdioHandle) Exchange(ctx context.Context, req *mcp.Request, _ Meta) (*Reply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return nil, errors.NewTransportError("stdio handle closed", nil).WithComponent("upstream")
	}

	if err := h.proc.enc.Encode(req); err != nil {
		if rerr := h.restart(); rerr != nil {
			h.alive.Store(false)

			return nil, rerr
		}

		if err := h.proc.enc.Encode(req); err != nil {
			h.alive.Store(false)

			return nil, errors.NewTransportError("write to upstream process", err).
				WithComponent("upstream")
		}
	}

	if req.IsNotification() {
		return &Reply{}, nil
	}

	proc := h.proc

	select {
	case resp := <-proc.respCh:
		return &Reply{Response: resp}, nil
	case err := <-proc.errCh:
		h.alive.Store(false)

		return nil, errors.NewTransportError("upstream process closed its output", err).
			WithComponent("upstream")
	case <-ctx.Done():
		h.alive.Store(false)

		if stderrors.Is(ctx.Err(), context.Canceled) {
			return nil, errors.WrapWithType(ctx.Err(), errors.TypeCanceled, "stdio exchange canceled").
				WithComponent("upstream")
		}

		return nil, errors.NewTimeoutError("stdio exchange", ctx.Err()).
			WithComponent("upstream")
	}
}

// restart replaces a dead process within the configured budget. Callers
// hold h.mu.
func (h *StdioHandle) restart() error {
	if h.restarts >= h.cfg.MaxRestarts {
		return errors.NewTransportError("upstream process restart budget exhausted", nil).
			WithComponent("upstream").
			WithContext("restarts", h.restarts).
			WithContext("max_restarts", h.cfg.MaxRestarts)
	}

	h.restarts++
	h.stopProcess()

	h.logger.Warn("restarting upstream process",
		zap.Int("restart", h.restarts),
		zap.Int("max_restarts", h.cfg.MaxRestarts))

	return h.start()
}

// stopProcess tears down the current incarnation. Callers hold h.mu.
func (h *StdioHandle) stopProcess() {
	proc := h.proc
	if proc == nil {
		return
	}

	close(proc.stopCh)
	_ = proc.stdin.Close()

	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}

	h.proc = nil
	h.alive.Store(false)
}

// ID returns the handle identifier.
func (h *StdioHandle) ID() string {
	return h.id
}

// IsAlive reports whether the process is running and the pipe is usable.
func (h *StdioHandle) IsAlive() bool {
	if h.closed.Load() || !h.alive.Load() {
		return false
	}

	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()

	if proc == nil || proc.cmd.Process == nil {
		return false
	}

	return proc.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Close terminates the process. Safe to call more than once.
func (h *StdioHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.mu.Lock()
	h.stopProcess()
	h.mu.Unlock()

	h.logger.Debug("stdio handle closed")

	return nil
}
