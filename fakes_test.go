package whisperbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errDialRefused = errors.New("connection refused")

// fakeConn is an in-memory Conn. Frames pushed with push are returned by
// Read; drop makes Read fail like a lost connection.
type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	pingErr  error
	pings    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) failPings(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	c.frames <- data
}

func (c *fakeConn) drop() { c.Close("") }

func (c *fakeConn) sent(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.written))
	for _, data := range c.written {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatal(err)
		}
		out = append(out, env)
	}
	return out
}

// fakeDialer hands out fakeConns, or fails while fail is set.
type fakeDialer struct {
	mu        sync.Mutex
	fail      bool
	dials     int
	endpoints []string
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.endpoints = append(d.endpoints, endpoint)
	if d.fail {
		return nil, errDialRefused
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// stateRecorder collects state changes delivered to OnStateChange.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) record(ch StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, ch)
	r.mu.Unlock()
}

func (r *stateRecorder) all() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func (r *stateRecorder) to(state ConnectionState) []StateChange {
	var out []StateChange
	for _, ch := range r.all() {
		if ch.To == state {
			out = append(out, ch)
		}
	}
	return out
}

// fakeTransmitter is a Transmitter with a scripted state and write result.
type fakeTransmitter struct {
	mu    sync.Mutex
	state ConnectionState
	errs  []error
	calls int
	sent  []Envelope
}

func (f *fakeTransmitter) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransmitter) Send(_ context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err == nil {
		f.sent = append(f.sent, env)
	}
	return err
}

// recordingNotifier records alerts.
type recordingNotifier struct {
	mu       sync.Mutex
	plays    int
	notified []Notification
}

func (n *recordingNotifier) Play() {
	n.mu.Lock()
	n.plays++
	n.mu.Unlock()
}

func (n *recordingNotifier) Notify(title, body, tag string) {
	n.mu.Lock()
	n.notified = append(n.notified, Notification{Title: title, Body: body, Tag: tag})
	n.mu.Unlock()
}

func (n *recordingNotifier) counts() (plays, notifications int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.plays, len(n.notified)
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 10, minute, 0, 0, time.UTC)
}

func inbound(id, text string, ts time.Time) Message {
	return Message{ID: id, Text: text, Direction: Inbound, OriginalTimestamp: ts}
}

func outbound(id, text string, ts time.Time, state DeliveryState) Message {
	return Message{ID: id, Text: text, Direction: Outbound, OriginalTimestamp: ts, DeliveryState: state}
}
