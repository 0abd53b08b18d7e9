package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/getfleetd/fleetd/pkg/logging"
)

// frame is the newline-delimited JSON envelope used by the stdio and
// WebSocket transports. Requests carry id/op/payload; responses echo the id
// with result or error.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Op      string          `json:"op,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// maxFrameSize bounds a single framed message (10MB).
const maxFrameSize = 10 * 1024 * 1024

// result pairs a response frame with a transport-level error for waiters.
type result struct {
	f   frame
	err error
}

// Stdio speaks framed JSON over a child process's stdin/stdout. Concurrent
// requests are multiplexed through a pending-request table keyed by request
// ID.
type Stdio struct {
	stdin  io.WriteCloser
	stdout io.Reader
	log    *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan result
	closed    bool

	// ready flips on the first well-formed frame from the child.
	ready atomic.Bool
}

// NewStdio creates a stdio transport over the given pipes and starts its
// read loop.
func NewStdio(stdin io.WriteCloser, stdout io.Reader, log *slog.Logger) *Stdio {
	if log == nil {
		log = logging.Nop()
	}
	t := &Stdio{
		stdin:   stdin,
		stdout:  stdout,
		log:     log,
		pending: make(map[string]chan result),
	}
	go t.readLoop()
	return t
}

// readLoop reads newline-delimited frames and hands each to its waiter.
func (t *Stdio) readLoop() {
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			t.log.Debug("discarding unparseable frame", "error", err)
			continue
		}
		t.ready.Store(true)

		if f.ID == "" {
			// Unsolicited notification; the first one doubles as the
			// child's ready signal.
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[f.ID]
		delete(t.pending, f.ID)
		t.pendingMu.Unlock()

		if ok {
			ch <- result{f: f}
		}
	}

	t.failPending(ErrUnavailable)
}

// Invoke writes one framed request and waits for the correlated response.
func (t *Stdio) Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	reqID := uuid.NewString()
	ch := make(chan result, 1)

	t.pendingMu.Lock()
	if t.closed {
		t.pendingMu.Unlock()
		return nil, ErrUnavailable
	}
	t.pending[reqID] = ch
	t.pendingMu.Unlock()

	data, err := json.Marshal(frame{ID: reqID, Op: op, Payload: payload})
	if err != nil {
		t.discard(reqID)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	_, err = t.stdin.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		t.discard(reqID)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	select {
	case <-ctx.Done():
		t.discard(reqID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		if resp.f.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrProtocol, resp.f.Error)
		}
		return resp.f.Result, nil
	}
}

// IsReady reports whether the child has produced a framed message yet; when
// it has not, a ping request is attempted within the context's deadline.
func (t *Stdio) IsReady(ctx context.Context) bool {
	if t.ready.Load() {
		return true
	}
	_, err := t.Invoke(ctx, "ping", nil)
	return err == nil
}

// Close closes the child's stdin and fails pending calls. The read loop ends
// when the child's stdout reaches EOF.
func (t *Stdio) Close() error {
	t.failPending(ErrUnavailable)
	return t.stdin.Close()
}

func (t *Stdio) discard(reqID string) {
	t.pendingMu.Lock()
	delete(t.pending, reqID)
	t.pendingMu.Unlock()
}

// failPending delivers err to every waiter and marks the transport closed.
func (t *Stdio) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	t.closed = true
	for reqID, ch := range t.pending {
		delete(t.pending, reqID)
		ch <- result{err: err}
	}
}
