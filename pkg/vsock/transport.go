package vsock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mv "github.com/mdlayher/vsock"

	"github.com/vm0core/runtime/pkg/errs"
	"github.com/vm0core/runtime/pkg/logging"
)

// ExecResult is the synchronous result of Exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExitResult is what WaitForExit resolves with once the matching `exit`
// event arrives.
type ExitResult struct {
	ExitCode int
	Stderr   string
}

type exitEvent struct {
	PID      int    `json:"pid"`
	ExitCode int    `json:"exitCode"`
	Stderr   string `json:"stderr"`
}

// Transport is one open connection to a guest's agent shim. Writes are
// serialised; a dedicated reader goroutine demultiplexes responses by
// request id and events by kind, per spec §5's ordering guarantees.
type Transport struct {
	conn net.Conn
	log  logging.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan responseBody

	helloOnce sync.Once
	helloCh   chan struct{}

	exitMu      sync.Mutex
	exitWaiters map[int]chan exitEvent

	closed   atomic.Bool
	closeCh  chan struct{}
	closeErr error
}

// Dial repeatedly attempts an AF_VSOCK connection to guestCID:port until
// it succeeds or ctx is done, matching the retry loop
// techsavvyash-aetherium's connectViaVsock uses.
func Dial(ctx context.Context, guestCID, port uint32, log logging.Logger) (*Transport, error) {
	for {
		conn, err := mv.Dial(guestCID, port, nil)
		if err == nil {
			return newTransport(conn, log), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: dial vsock cid=%d port=%d: %v", errs.ErrVsockIO, guestCID, port, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func newTransport(conn net.Conn, log logging.Logger) *Transport {
	t := &Transport{
		conn:        conn,
		log:         log,
		pending:     make(map[uint64]chan responseBody),
		helloCh:     make(chan struct{}),
		exitWaiters: make(map[int]chan exitEvent),
		closeCh:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *Transport) readLoop() {
	for {
		env, err := readFrame(t.conn)
		if err != nil {
			t.fail(fmt.Errorf("%w: %v", errs.ErrVsockIO, err))
			return
		}

		switch env.Kind {
		case kindResponse:
			var body responseBody
			if err := json.Unmarshal(env.Body, &body); err != nil {
				continue
			}
			t.pendingMu.Lock()
			ch, ok := t.pending[body.ID]
			if ok {
				delete(t.pending, body.ID)
			}
			t.pendingMu.Unlock()
			if ok {
				ch <- body
			}

		case kindEvent:
			var body eventBody
			if err := json.Unmarshal(env.Body, &body); err != nil {
				continue
			}
			t.dispatchEvent(body)
		}
	}
}

func (t *Transport) dispatchEvent(body eventBody) {
	switch body.Kind {
	case "hello":
		t.helloOnce.Do(func() { close(t.helloCh) })
	case "exit":
		var ev exitEvent
		if err := json.Unmarshal(body.Payload, &ev); err != nil {
			return
		}
		t.exitMu.Lock()
		ch, ok := t.exitWaiters[ev.PID]
		if ok {
			delete(t.exitWaiters, ev.PID)
		}
		t.exitMu.Unlock()
		if ok {
			ch <- ev
		}
	}
}

// fail marks the transport closed and wakes every waiter with err.
func (t *Transport) fail(err error) {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.closeErr = err
	close(t.closeCh)

	t.pendingMu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	t.exitMu.Lock()
	for pid, ch := range t.exitWaiters {
		close(ch)
		delete(t.exitWaiters, pid)
	}
	t.exitMu.Unlock()
}

// Close closes the underlying connection; every outstanding and future
// operation fails with Closed.
func (t *Transport) Close() error {
	t.fail(errs.ErrClosed)
	return t.conn.Close()
}

// WaitForGuestConnection blocks until the guest's hello handshake frame
// arrives or timeout elapses.
func (t *Transport) WaitForGuestConnection(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-t.helloCh:
		return nil
	case <-t.closeCh:
		return fmt.Errorf("%w: waiting for guest handshake", errs.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: guest handshake", errs.ErrGuestHandshakeTimeout)
	}
}

// WriteFile sends the bytes to be written at path inside the guest; the
// guest creates parent directories as needed.
func (t *Transport) WriteFile(ctx context.Context, path string, data []byte) error {
	args, _ := json.Marshal(map[string]string{
		"path":     path,
		"bytesB64": base64.StdEncoding.EncodeToString(data),
	})
	_, err := t.request(ctx, "write_file", args)
	return err
}

// Exec runs cmd synchronously in the guest and returns its result.
func (t *Transport) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	args, _ := json.Marshal(map[string]string{"cmd": cmd})
	value, err := t.request(ctx, "exec", args)
	if err != nil {
		return ExecResult{}, err
	}
	var res ExecResult
	if err := json.Unmarshal(value, &res); err != nil {
		return ExecResult{}, fmt.Errorf("%w: decode exec result: %v", errs.ErrVsockIO, err)
	}
	return res, nil
}

// SpawnAndWatch starts cmd in the guest and returns immediately with its
// pid; the guest later emits an `exit` event observable via WaitForExit.
func (t *Transport) SpawnAndWatch(ctx context.Context, cmd string, maxWaitMs int) (int, error) {
	args, _ := json.Marshal(map[string]any{"cmd": cmd, "maxWaitMs": maxWaitMs})
	value, err := t.request(ctx, "spawn", args)
	if err != nil {
		return 0, err
	}
	var res struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(value, &res); err != nil {
		return 0, fmt.Errorf("%w: decode spawn result: %v", errs.ErrVsockIO, err)
	}

	t.exitMu.Lock()
	t.exitWaiters[res.PID] = make(chan exitEvent, 1)
	t.exitMu.Unlock()

	return res.PID, nil
}

// WaitForExit blocks for the `exit` event matching pid, or returns
// TimeoutError once timeout elapses.
func (t *Transport) WaitForExit(ctx context.Context, pid int, timeout time.Duration) (ExitResult, error) {
	t.exitMu.Lock()
	ch, ok := t.exitWaiters[pid]
	if !ok {
		ch = make(chan exitEvent, 1)
		t.exitWaiters[pid] = ch
	}
	t.exitMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case ev, ok := <-ch:
		if !ok {
			return ExitResult{}, errs.ErrClosed
		}
		return ExitResult{ExitCode: ev.ExitCode, Stderr: ev.Stderr}, nil
	case <-t.closeCh:
		return ExitResult{}, errs.ErrClosed
	case <-ctx.Done():
		t.exitMu.Lock()
		delete(t.exitWaiters, pid)
		t.exitMu.Unlock()
		return ExitResult{}, fmt.Errorf("%w: waiting for pid %d to exit", errs.ErrTimeout, pid)
	}
}

// Shutdown asks the guest to reboot itself cleanly and reports whether it
// acknowledged before timeout. A timeout is not an error: the Executor
// falls back to SIGKILL when this returns false.
func (t *Transport) Shutdown(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := t.request(ctx, "shutdown", nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// request sends a request frame and blocks for its matching response.
func (t *Transport) request(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, errs.ErrClosed
	}

	id := t.nextID.Add(1)
	ch := make(chan responseBody, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	body, _ := json.Marshal(requestBody{ID: id, Method: method, Args: args})

	t.writeMu.Lock()
	err := writeFrame(t.conn, envelope{Kind: kindRequest, Body: body})
	t.writeMu.Unlock()
	if err != nil {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: %v", errs.ErrVsockIO, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errs.ErrClosed
		}
		if !resp.OK {
			if resp.Error != nil {
				return nil, fmt.Errorf("%w: %s: %s", errs.ErrVsockIO, resp.Error.Code, resp.Error.Msg)
			}
			return nil, fmt.Errorf("%w: request %s failed", errs.ErrVsockIO, method)
		}
		return resp.Value, nil
	case <-t.closeCh:
		return nil, errs.ErrClosed
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}
