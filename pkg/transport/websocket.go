package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/getfleetd/fleetd/pkg/logging"
)

// WebSocket speaks the same framed JSON envelope as the stdio transport,
// carried over a persistent WebSocket connection. A single read loop
// correlates responses to waiters by request ID; pings keep the connection
// alive between invokes.
type WebSocket struct {
	conn    *websocket.Conn
	timeout time.Duration
	log     *slog.Logger

	onDisconnect func(error)

	pendingMu sync.Mutex
	pending   map[string]chan result
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

const wsPingInterval = 30 * time.Second

// NewWebSocket dials the instance's WebSocket endpoint and starts the read
// and keepalive loops. onDisconnect fires once if the connection drops
// outside of Close.
func NewWebSocket(ctx context.Context, url string, timeout time.Duration, onDisconnect func(error), log *slog.Logger) (*WebSocket, error) {
	if log == nil {
		log = logging.Nop()
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	loopCtx, loopCancel := context.WithCancel(context.Background())
	t := &WebSocket{
		conn:         conn,
		timeout:      timeout,
		log:          log,
		onDisconnect: onDisconnect,
		pending:      make(map[string]chan result),
		cancel:       loopCancel,
		done:         make(chan struct{}),
	}
	go t.readLoop(loopCtx)
	go t.pingLoop(loopCtx)
	return t, nil
}

// Invoke sends one framed request and waits for the matching response.
func (t *WebSocket) Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	id := uuid.NewString()
	ch := make(chan result, 1)

	t.pendingMu.Lock()
	if t.closed {
		t.pendingMu.Unlock()
		return nil, ErrUnavailable
	}
	t.pending[id] = ch
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, err := json.Marshal(frame{ID: id, Op: op, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		if resp.f.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrProtocol, resp.f.Error)
		}
		return resp.f.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// IsReady reports whether the connection is still serving.
func (t *WebSocket) IsReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.conn.Ping(ctx) == nil
}

// Close shuts the connection down and fails any in-flight invokes.
func (t *WebSocket) Close() error {
	t.pendingMu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	t.pendingMu.Unlock()
	if alreadyClosed {
		return nil
	}
	t.cancel()
	err := t.conn.Close(websocket.StatusNormalClosure, "")
	<-t.done
	t.failPending(ErrUnavailable)
	return err
}

func (t *WebSocket) readLoop(ctx context.Context) {
	defer close(t.done)
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			t.pendingMu.Lock()
			closed := t.closed
			t.closed = true
			t.pendingMu.Unlock()
			if !closed {
				t.log.Debug("websocket connection lost", "error", err)
				t.failPending(fmt.Errorf("%w: %v", ErrUnavailable, err))
				if t.onDisconnect != nil {
					t.onDisconnect(err)
				}
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.log.Debug("discarding malformed frame", "error", err)
			continue
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[f.ID]
		t.pendingMu.Unlock()
		if ok {
			ch <- result{f: f}
		}
	}
}

func (t *WebSocket) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.timeout)
			err := t.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (t *WebSocket) failPending(err error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		ch <- result{err: err}
		delete(t.pending, id)
	}
}
