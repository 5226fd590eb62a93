package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/insajin/taskwatch/internal/clock"
	"github.com/insajin/taskwatch/internal/protocol"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn은 메모리 기반 Conn입니다. 테스트가 서버 역할을 합니다.
type fakeConn struct {
	mu          sync.Mutex
	written     [][]byte
	closeFrames []int
	closed      bool
	// closeGate가 있으면 WriteClose는 닫힐 때까지 막힙니다.
	closeGate    chan struct{}
	closeEntered chan struct{}

	incoming chan readResult
	done     chan struct{}
	once     sync.Once
}

type readResult struct {
	data []byte
	err  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan readResult, 64),
		done:     make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case r := <-f.incoming:
		return r.data, r.err
	case <-f.done:
		return nil, errConnClosed
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnClosed
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteClose(code int, _ string) error {
	f.mu.Lock()
	gate, entered := f.closeGate, f.closeEntered
	f.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnClosed
	}
	f.closeFrames = append(f.closeFrames, code)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

// holdCloseFrame은 다음 WriteClose를 release 전까지 붙잡습니다.
// entered는 WriteClose에 진입하면 닫힙니다.
func (f *fakeConn) holdCloseFrame() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeGate = make(chan struct{})
	f.closeEntered = make(chan struct{})
	gate := f.closeGate
	return f.closeEntered, func() { close(gate) }
}

// serverSend는 서버가 보낸 프레임을 흉내 냅니다.
func (f *fakeConn) serverSend(frame string) {
	f.incoming <- readResult{data: []byte(frame)}
}

// serverClose는 서버가 닫기 프레임을 보낸 상황을 흉내 냅니다.
func (f *fakeConn) serverClose(code int) {
	f.incoming <- readResult{err: &CloseError{Code: code}}
}

// drop은 닫기 프레임 없이 끊긴 상황을 흉내 냅니다.
func (f *fakeConn) drop() {
	f.incoming <- readResult{err: errors.New("connection reset by peer")}
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) closeCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeFrames...)
}

// sent는 클라이언트가 보낸 프레임을 파싱해 반환합니다.
func (f *fakeConn) sent(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.Message, 0, len(f.written))
	for _, data := range f.written {
		msg, err := protocol.Parse(data)
		if err != nil {
			t.Fatalf("client wrote invalid frame %s: %v", data, err)
		}
		out = append(out, msg)
	}
	return out
}

func (f *fakeConn) sentKinds(t *testing.T, kind protocol.Kind) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, m := range f.sent(t) {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// dialStep은 한 번의 Dial 결과를 지정합니다.
type dialStep struct {
	err   error
	block bool
	// prime은 연결을 돌려주기 전에 서버 쪽 입력을 미리 넣습니다.
	prime func(*fakeConn)
}

// fakeDialer는 계획된 순서대로 Dial 결과를 돌려줍니다. 계획이 없으면 성공합니다.
type fakeDialer struct {
	mu        sync.Mutex
	plan      []dialStep
	endpoints []string
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	d.endpoints = append(d.endpoints, endpoint)
	var step dialStep
	if len(d.plan) > 0 {
		step = d.plan[0]
		d.plan = d.plan[1:]
	}
	d.mu.Unlock()

	if step.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.err != nil {
		return nil, step.err
	}

	conn := newFakeConn()
	if step.prime != nil {
		step.prime(conn)
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) then(steps ...dialStep) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plan = append(d.plan, steps...)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

func (d *fakeDialer) endpoint(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoints[i]
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// eventRecorder는 연결 이벤트를 모읍니다.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// harness는 가짜 전송 계층과 가짜 시계로 구성한 Client입니다.
type harness struct {
	t      *testing.T
	clock  *clock.Fake
	dialer *fakeDialer
	client *Client
	router *Router
	events *eventRecorder
}

var testStart = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...ClientOption) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		clock:  clock.NewFake(testStart),
		dialer: &fakeDialer{},
		events: &eventRecorder{},
	}

	base := []ClientOption{
		WithDialer(h.dialer),
		WithScheduler(h.clock),
		WithReconnectPolicy(ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5}),
	}
	h.client = NewClient("ws://example.test", append(base, opts...)...)
	h.router = NewRouter(WithHeartbeatObserver(h.client.MarkAlive), WithRouterMetrics(h.client.Metrics()))
	h.client.SetFrameHandler(h.router)
	h.client.OnConnectionChange(h.events.record)

	t.Cleanup(h.client.Disconnect)
	return h
}

// open은 연결하고 Open이 될 때까지 기다린 뒤 해당 fakeConn을 반환합니다.
func (h *harness) open(token string) *fakeConn {
	h.t.Helper()
	want := h.dialer.connCount() + 1
	if err := h.client.Connect(token); err != nil {
		h.t.Fatalf("Connect() error = %v", err)
	}
	h.waitOpen(want)
	return h.dialer.conn(want - 1)
}

// waitOpen은 n번째 연결이 Open될 때까지 기다립니다.
func (h *harness) waitOpen(n int) {
	h.t.Helper()
	waitFor(h.t, fmt.Sprintf("open #%d", n), func() bool {
		return h.dialer.connCount() >= n && h.client.State() == StateOpen && len(h.events.ofKind(EventOpened)) >= n
	})
}

// waitClosedWithRetry는 재연결이 예약된 Closed 상태를 기다립니다.
func (h *harness) waitClosedWithRetry(delay time.Duration) {
	h.t.Helper()
	waitFor(h.t, fmt.Sprintf("closed with retry %v", delay), func() bool {
		if h.client.State() != StateClosed {
			return false
		}
		p := h.clock.Pending()
		return len(p) == 1 && p[0] == delay
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
