package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StdioTransport speaks MCP to a child process over its standard streams:
// newline-delimited JSON on stdin/stdout, free-text log lines on stderr. The
// transport owns the process handle and respawns the child under the original
// command, arguments, and environment if it dies mid-session. Pending requests
// are not replayed across a restart; their callers time out, and subsequent
// sends go to the fresh process.
type StdioTransport struct {
	command string
	args    []string
	env     []string

	handler        transportHandler
	pending        *pendingTable
	ids            idAllocator
	requestTimeout time.Duration
	logger         *slog.Logger

	running atomic.Bool
	closed  sync.Once

	// procMu guards the process handles, which restartProcess swaps out
	// underneath the reader loops.
	procMu sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex
}

// NewStdioTransport builds a stdio transport from cfg without starting the
// child process.
func NewStdioTransport(cfg ClientConfig) *StdioTransport {
	cfg = cfg.withDefaults()
	return &StdioTransport{
		command:        cfg.Command,
		args:           cfg.Args,
		env:            cfg.Env,
		pending:        newPendingTable(),
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
	}
}

func (t *StdioTransport) bind(h transportHandler) { t.handler = h }

// Start launches the child process and the two background readers: one for
// stdout frames, one for stderr log lines.
func (t *StdioTransport) Start(_ context.Context) error {
	if t.command == "" {
		return &TransportError{Message: "stdio transport requires a command"}
	}

	t.procMu.Lock()
	err := t.spawnLocked()
	t.procMu.Unlock()
	if err != nil {
		return &TransportError{Message: fmt.Sprintf("failed to start server process: %v", err)}
	}

	t.running.Store(true)
	go t.readLoop()
	go t.stderrLoop()

	return nil
}

// spawnLocked starts a fresh child process. Callers hold procMu.
func (t *StdioTransport) spawnLocked() error {
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr

	return nil
}

// Send writes one NDJSON record to the child's stdin. A write failure removes
// the rendezvous, kicks off a best-effort process restart, and surfaces a
// TransportError; callers may retry against the respawned process.
func (t *StdioTransport) Send(
	ctx context.Context,
	msg JSONRPCMessage,
	addID, waitForResponse bool,
) (*Result, error) {
	if !t.running.Load() {
		return nil, &TransportError{Message: "stdio transport is not running"}
	}

	if addID {
		msg.ID = t.ids.nextID()
	}

	var ch chan *Result
	if waitForResponse {
		ch = t.pending.register(string(msg.ID))
	}

	if err := t.writeMessage(msg); err != nil {
		if waitForResponse {
			t.pending.remove(string(msg.ID))
		}
		t.logger.Error("failed to write message, restarting server process", "err", err)
		if rErr := t.restartProcess(); rErr != nil {
			t.logger.Error("failed to restart server process", "err", rErr)
		}
		return nil, &TransportError{Message: fmt.Sprintf("failed to write message: %v", err)}
	}

	if !waitForResponse {
		return nil, nil
	}

	return awaitResult(ctx, t.pending, msg.ID, ch, t.requestTimeout)
}

func (t *StdioTransport) writeMessage(msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	t.procMu.Lock()
	stdin := t.stdin
	t.procMu.Unlock()
	if stdin == nil {
		return fmt.Errorf("server process is not running")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = stdin.Write(msgBs)
	return err
}

// Alive reports whether the transport is running with a live child process.
func (t *StdioTransport) Alive() bool {
	if !t.running.Load() {
		return false
	}
	t.procMu.Lock()
	defer t.procMu.Unlock()
	return t.cmd != nil && t.cmd.Process != nil
}

// SetProtocolVersion is a no-op for stdio; the child does not see HTTP headers.
func (t *StdioTransport) SetProtocolVersion(string) {}

// Close stops the readers and tears down the child process.
func (t *StdioTransport) Close() error {
	t.closed.Do(func() {
		t.running.Store(false)

		t.procMu.Lock()
		defer t.procMu.Unlock()
		t.teardownLocked()
	})
	return nil
}

// teardownLocked closes the previous process handles. Callers hold procMu.
func (t *StdioTransport) teardownLocked() {
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil {
			t.logger.Debug("failed to kill server process", "err", err)
		}
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdout = nil
	t.stderr = nil
}

// restartProcess fully tears down the previous handles and respawns the child
// under the original command, args, and env. Pending entries are left to time
// out; they are never replayed.
func (t *StdioTransport) restartProcess() error {
	t.procMu.Lock()
	defer t.procMu.Unlock()

	if !t.running.Load() {
		return nil
	}

	t.teardownLocked()
	if err := t.spawnLocked(); err != nil {
		return fmt.Errorf("failed to restart server process: %w", err)
	}

	t.logger.Info("restarted server process", "command", t.command)
	return nil
}

// readLoop reads one NDJSON record per line from the child's stdout and
// dispatches it. If the pipe closes while the session is still running, it
// sleeps one second and restarts the process, then resumes with the fresh
// pipe.
func (t *StdioTransport) readLoop() {
	for t.running.Load() {
		t.procMu.Lock()
		stdout := t.stdout
		t.procMu.Unlock()

		if stdout != nil {
			t.consumeLines(stdout)
		}

		if !t.running.Load() {
			return
		}

		t.logger.Info("server process stdout closed, restarting")
		time.Sleep(readerRetryDelay)

		// A failed Send may have already respawned the process; only restart
		// when the handles are still the ones that died.
		t.procMu.Lock()
		stale := t.stdout == stdout
		t.procMu.Unlock()
		if !stale {
			continue
		}

		if err := t.restartProcess(); err != nil {
			t.logger.Error("failed to restart server process", "err", err)
		}
	}
}

// consumeLines parses stdout lines until the pipe fails. Empty lines are
// skipped, unparseable lines logged and dropped.
func (t *StdioTransport) consumeLines(stdout io.Reader) {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.logger.Error("failed to unmarshal message", "err", err, "line", line)
			continue
		}

		dispatchResult(t.handler, t.pending, NewResult(msg))
	}
}

// stderrLoop forwards each stderr line from the child to the logger at INFO
// level. The child owns the format; each line is trimmed of surrounding
// whitespace and blank lines are dropped.
func (t *StdioTransport) stderrLoop() {
	for t.running.Load() {
		t.procMu.Lock()
		stderr := t.stderr
		t.procMu.Unlock()

		if stderr == nil {
			time.Sleep(readerRetryDelay)
			continue
		}

		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				t.logger.Info("server stderr", "line", line)
			}
		}

		if !t.running.Load() {
			return
		}
		// The pipe died; readLoop drives the restart. Wait for fresh handles.
		time.Sleep(readerRetryDelay)
	}
}
