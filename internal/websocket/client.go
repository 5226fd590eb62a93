// Package websocket는 작업 알림 엔드포인트와의 WebSocket 통신을 담당합니다.
// 연결 수명주기, 하트비트, 재연결, 메시지 라우팅, 구독 관리를 포함합니다.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/insajin/taskwatch/internal/clock"
	"github.com/insajin/taskwatch/internal/metrics"
	"github.com/insajin/taskwatch/internal/protocol"
)

// 타이밍 기본값
const (
	// DefaultHeartbeatInterval은 ping 전송 간격입니다.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultConnectTimeout은 Open까지 기다리는 최대 시간입니다.
	DefaultConnectTimeout = 10 * time.Second

	// EndpointPath는 알림 엔드포인트 경로입니다.
	EndpointPath = "/api/v1/ws"
)

// State는 연결 상태입니다.
type State int32

const (
	// StateIdle은 아직 연결을 시도하지 않은 상태입니다.
	StateIdle State = iota
	// StateConnecting은 전송 계층을 여는 중인 상태입니다.
	StateConnecting
	// StateOpen은 프레임을 주고받을 수 있는 상태입니다.
	StateOpen
	// StateClosing은 Disconnect가 닫기 프레임을 보내는 중인 상태입니다.
	StateClosing
	// StateClosed는 연결이 닫힌 상태입니다. 재연결 대기 중일 수 있습니다.
	StateClosed
)

// String은 State의 문자열 표현을 반환합니다.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind는 연결 수명주기 이벤트 종류입니다.
type EventKind string

const (
	EventOpened      EventKind = "opened"
	EventReconnected EventKind = "reconnected"
	EventClosed      EventKind = "closed"
	EventError       EventKind = "error"
)

// Event는 OnConnectionChange 관찰자에게 전달되는 이벤트입니다.
type Event struct {
	Kind   EventKind
	ConnID string
	State  State
	// Attempt는 이벤트 시점의 재연결 시도 횟수입니다.
	Attempt int
	// RetryIn은 재연결이 예약된 경우 대기 시간입니다.
	RetryIn time.Duration
	// Code는 닫기 코드입니다 (closed 이벤트).
	Code int
	// Err는 *ConnectionError 또는 *AuthError입니다 (error 이벤트).
	Err error
	// Fatal이면 자동 재연결이 중단되었습니다.
	Fatal bool
	At    time.Time
}

// EventHandler는 연결 이벤트 관찰자입니다.
type EventHandler func(Event)

// FrameHandler는 수신 프레임을 처리합니다. Router가 구현합니다.
type FrameHandler interface {
	Route(ctx context.Context, frame []byte) error
}

type eventObserver struct {
	id uint64
	fn EventHandler
}

// Client는 하나의 논리 연결을 소유하는 연결 관리자입니다.
//
// 상태 전이는 mu 아래에서만 일어나고, 이벤트와 프레임 전달은 잠금 밖에서 합니다.
// 물리 연결마다 gen이 증가하며, 이전 세대의 타이머와 읽기 루프는 gen 비교로 무시됩니다.
type Client struct {
	baseURL           string
	dialer            Dialer
	sched             clock.Scheduler
	policy            ReconnectPolicy
	heartbeatInterval time.Duration
	connectTimeout    time.Duration
	tokenFn           func() (string, error)
	logger            zerolog.Logger
	metrics           *metrics.Metrics

	mu           sync.Mutex
	state        State
	token        string
	attempt      int
	gen          uint64
	connID       string
	conn         Conn
	everOpened   bool
	lastOpenedAt time.Time
	awaitingPong bool
	connCancel   context.CancelFunc
	// disconnected는 Disconnect 이후 다음 Connect 전까지 true입니다.
	disconnected bool

	heartbeatTimer clock.Timer
	staleTimer     clock.Timer
	connectTimer   clock.Timer
	retryTimer     clock.Timer

	frameHandler FrameHandler

	observersMu sync.RWMutex
	observers   []eventObserver
	nextObsID   uint64
}

// ClientOption은 Client 설정 옵션입니다.
type ClientOption func(*Client)

// WithDialer는 전송 계층을 설정합니다.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithScheduler는 타이머 스케줄러를 설정합니다.
func WithScheduler(s clock.Scheduler) ClientOption {
	return func(c *Client) {
		c.sched = s
	}
}

// WithReconnectPolicy는 재연결 정책을 설정합니다.
func WithReconnectPolicy(p ReconnectPolicy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithHeartbeatInterval은 ping 간격을 설정합니다.
func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithConnectTimeout은 연결 타임아웃을 설정합니다.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithTokenFunc는 자동 재연결 직전에 최신 토큰을 얻는 콜백을 설정합니다.
func WithTokenFunc(fn func() (string, error)) ClientOption {
	return func(c *Client) {
		c.tokenFn = fn
	}
}

// WithLogger는 로거를 설정합니다.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics는 메트릭 수집기를 설정합니다.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewClient는 새로운 Client를 생성합니다.
// baseURL은 ws://host 또는 wss://host 형식입니다.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		dialer:            GorillaDialer{HandshakeTimeout: DefaultConnectTimeout},
		sched:             clock.Real(),
		policy:            DefaultReconnectPolicy(),
		heartbeatInterval: DefaultHeartbeatInterval,
		connectTimeout:    DefaultConnectTimeout,
		logger:            log.Logger,
		metrics:           metrics.New(),
		state:             StateIdle,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL은 호스트와 TLS 여부로 WebSocket 기본 URL을 만듭니다.
func BaseURL(host string, useTLS bool) string {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	return scheme + "://" + host
}

// Endpoint는 토큰을 포함한 엔드포인트 URL을 반환합니다.
func (c *Client) Endpoint(token string) string {
	return c.baseURL + EndpointPath + "?" + url.Values{"token": {token}}.Encode()
}

// SetFrameHandler는 수신 프레임 처리기를 설정합니다.
// Router는 Client의 MarkAlive를 참조하므로 생성 후에 연결합니다.
func (c *Client) SetFrameHandler(h FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameHandler = h
}

// Connect는 연결을 시작합니다. Open을 기다리지 않고 바로 반환합니다.
//
// 이미 Open이면 아무 것도 하지 않고, 연결 시도 중이면 ErrAlreadyConnecting을 반환합니다.
// 명시적 호출은 재연결 시도 횟수를 초기화하고 예약된 재시도를 취소합니다.
func (c *Client) Connect(token string) error {
	if token == "" {
		return ErrNoToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		return nil
	case StateConnecting:
		return ErrAlreadyConnecting
	}

	stopTimer(&c.retryTimer)
	c.token = token
	c.attempt = 0
	c.disconnected = false
	c.dialLocked()
	return nil
}

// dialLocked는 새 세대로 연결 시도를 시작합니다. mu를 잡은 상태에서 호출합니다.
func (c *Client) dialLocked() {
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.connID = uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	c.connCancel = cancel
	c.connectTimer = c.sched.AfterFunc(c.connectTimeout, func() {
		c.onConnectTimeout(gen)
	})

	endpoint := c.Endpoint(c.token)
	started := c.sched.Now()
	c.metrics.ConnectionAttempts.Add(1)

	c.logger.Debug().
		Str("conn_id", c.connID).
		Str("url", c.baseURL+EndpointPath).
		Int("attempt", c.attempt).
		Msg("연결 시도")

	go func() {
		conn, err := c.dialer.Dial(ctx, endpoint)
		c.handleDialResult(ctx, gen, conn, err, started)
	}()
}

func (c *Client) handleDialResult(ctx context.Context, gen uint64, conn Conn, err error, started time.Time) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	stopTimer(&c.connectTimer)

	if err != nil {
		events := c.closedLocked(err, CloseAbnormal)
		c.mu.Unlock()
		c.emit(events)
		return
	}

	now := c.sched.Now()
	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	c.lastOpenedAt = now
	c.awaitingPong = false
	reconnected := c.everOpened
	c.everOpened = true
	c.heartbeatTimer = c.sched.AfterFunc(c.heartbeatInterval, func() {
		c.onHeartbeat(gen)
	})
	connID := c.connID
	handler := c.frameHandler
	c.mu.Unlock()

	c.metrics.ConnectionSuccesses.Add(1)
	c.metrics.RecordConnectLatency(now.Sub(started))
	if reconnected {
		c.metrics.Reconnections.Add(1)
	}
	c.logger.Info().Str("conn_id", connID).Bool("reconnected", reconnected).Msg("연결됨")

	// 읽기 루프의 closed보다 opened가 먼저 전달되어야 합니다.
	events := []Event{{Kind: EventOpened, ConnID: connID, State: StateOpen, At: now}}
	if reconnected {
		events = append(events, Event{Kind: EventReconnected, ConnID: connID, State: StateOpen, At: now})
	}
	c.emit(events)

	go c.readLoop(ctx, gen, conn, handler)
}

// closedLocked는 현재 연결을 정리하고 재연결 여부를 결정합니다.
// mu를 잡은 상태에서 호출하며, 잠금 해제 후 발행할 이벤트를 반환합니다.
func (c *Client) closedLocked(cause error, code int) []Event {
	c.stopTimersLocked()
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.state = StateClosed
	c.awaitingPong = false

	now := c.sched.Now()
	connID := c.connID
	closed := Event{Kind: EventClosed, ConnID: connID, State: StateClosed, Code: code, Attempt: c.attempt, At: now}

	var authErr *AuthError
	if errors.As(cause, &authErr) || isAuthCloseCode(code) {
		if authErr == nil {
			authErr = &AuthError{CloseCode: code, Reason: closeTextOf(cause)}
		}
		c.metrics.AuthFailures.Add(1)
		c.logger.Error().Err(authErr).Str("conn_id", connID).Msg("인증 거부, 재연결 중단")
		return []Event{closed, {Kind: EventError, ConnID: connID, State: StateClosed, Code: code, Err: authErr, Fatal: true, At: now}}
	}

	if code == CloseNormal {
		c.logger.Info().Str("conn_id", connID).Msg("서버가 연결을 정상 종료")
		return []Event{closed}
	}

	c.metrics.ConnectionFailures.Add(1)

	if c.policy.CanRetry(c.attempt) {
		delay := c.policy.Delay(c.attempt)
		gen := c.gen
		c.retryTimer = c.sched.AfterFunc(delay, func() {
			c.retry(gen)
		})
		closed.RetryIn = delay
		c.logger.Warn().
			Err(cause).
			Str("conn_id", connID).
			Int("code", code).
			Int("attempt", c.attempt).
			Dur("delay", delay).
			Msg("연결 끊김, 재연결 예약")
		return []Event{closed}
	}

	connErr := &ConnectionError{ConnID: connID, Code: code, Attempts: c.attempt, Fatal: true, Err: cause}
	c.logger.Error().Err(connErr).Str("conn_id", connID).Msg("최대 재연결 시도 소진")
	return []Event{closed, {Kind: EventError, ConnID: connID, State: StateClosed, Code: code, Attempt: c.attempt, Err: connErr, Fatal: true, At: now}}
}

// retry는 백오프 대기가 끝난 뒤 재연결합니다.
func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.attempt++
	tokenFn := c.tokenFn
	c.mu.Unlock()

	// 재연결 전 토큰 갱신 시도
	var token string
	if tokenFn != nil {
		t, err := tokenFn()
		if err != nil {
			c.logger.Warn().Err(err).Msg("재연결 전 토큰 갱신 실패, 기존 토큰 사용")
		} else {
			token = t
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// 토큰 조회 중 Disconnect/Connect가 끼어들었으면 포기합니다.
	if gen != c.gen || c.state != StateClosed {
		return
	}
	if token != "" {
		c.token = token
	}
	c.dialLocked()
}

func (c *Client) onConnectTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.logger.Warn().Str("conn_id", c.connID).Dur("timeout", c.connectTimeout).Msg("연결 타임아웃")
	events := c.closedLocked(ErrConnectTimeout, CloseAbnormal)
	c.mu.Unlock()
	c.emit(events)
}

// onHeartbeat는 ping을 보내고, 대기 중인 응답이 없으면 만료 타이머를 겁니다.
func (c *Client) onHeartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	if !c.awaitingPong {
		c.awaitingPong = true
		c.staleTimer = c.sched.AfterFunc(2*c.heartbeatInterval, func() {
			c.onStale(gen)
		})
	}
	c.heartbeatTimer = c.sched.AfterFunc(c.heartbeatInterval, func() {
		c.onHeartbeat(gen)
	})
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, protocol.Ping(c.sched.Now())); err != nil {
		// 읽기 루프가 끊김을 감지합니다.
		c.logger.Debug().Err(err).Msg("ping 전송 실패")
	}
}

func (c *Client) onStale(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen || !c.awaitingPong {
		c.mu.Unlock()
		return
	}
	c.metrics.HeartbeatTimeouts.Add(1)
	c.logger.Warn().
		Str("conn_id", c.connID).
		Dur("timeout", 2*c.heartbeatInterval).
		Msg("하트비트 응답 없음, 연결 재설정")
	events := c.closedLocked(ErrHeartbeatTimeout, CloseAbnormal)
	c.mu.Unlock()
	c.emit(events)
}

// MarkAlive는 pong/heartbeat 수신을 기록하고 만료 타이머를 해제합니다.
func (c *Client) MarkAlive() {
	c.mu.Lock()
	c.awaitingPong = false
	stopTimer(&c.staleTimer)
	c.mu.Unlock()

	c.metrics.RecordHeartbeat(c.sched.Now())
}

// readLoop는 연결이 끊길 때까지 프레임을 읽어 FrameHandler로 넘깁니다.
// gorilla/websocket은 ReadMessage 오류 후 재시도하면 panic하므로 오류 시 즉시 종료합니다.
func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn, handler FrameHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("readLoop panic 복구")
			c.handleReadError(gen, fmt.Errorf("readLoop panic: %v", r))
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(gen, err)
			return
		}
		if !c.isCurrent(gen) {
			return
		}

		c.metrics.FramesReceived.Add(1)
		if handler != nil {
			// 라우터가 오류를 기록하므로 여기서는 무시합니다.
			_ = handler.Route(ctx, data)
		}
	}
}

func (c *Client) handleReadError(gen uint64, err error) {
	code := closeCodeOf(err)

	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	events := c.closedLocked(&ConnectionError{ConnID: c.connID, Code: code, Attempts: c.attempt, Err: err}, code)
	c.mu.Unlock()
	c.emit(events)
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.state == StateOpen
}

// ForceReconnect는 현재 연결을 버리고 재연결 시도 횟수를 초기화한 뒤 다시 연결합니다.
// Open이면 연결을 끊고 첫 백오프 뒤에, 재연결 대기 중이면 즉시 연결합니다.
// Disconnect 이후나 인증 거부 뒤에는 아무 것도 하지 않습니다.
func (c *Client) ForceReconnect(reason error) {
	c.mu.Lock()
	switch {
	case c.state == StateOpen:
		c.attempt = 0
		c.logger.Info().Err(reason).Str("conn_id", c.connID).Msg("외부 재연결 트리거")
		events := c.closedLocked(reason, CloseAbnormal)
		c.mu.Unlock()
		c.emit(events)
	case c.state == StateClosed && c.retryTimer != nil:
		stopTimer(&c.retryTimer)
		c.attempt = 0
		c.dialLocked()
		c.mu.Unlock()
	default:
		c.mu.Unlock()
	}
}

// Disconnect는 연결을 정상 종료합니다.
// 모든 타이머를 취소한 뒤 닫기 프레임(1000)을 한 번만 보냅니다. 여러 번 호출해도 안전합니다.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.disconnected = true
	c.stopTimersLocked()
	stopTimer(&c.retryTimer)
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}

	prev := c.state
	if prev == StateClosing || prev == StateClosed || prev == StateIdle {
		if prev == StateIdle {
			c.state = StateClosed
		}
		c.mu.Unlock()
		return
	}

	conn := c.conn
	c.conn = nil
	c.state = StateClosing
	connID := c.connID
	c.mu.Unlock()

	if conn != nil {
		if err := conn.WriteClose(CloseNormal, "client disconnect"); err != nil {
			c.logger.Debug().Err(err).Msg("닫기 프레임 전송 실패")
		}
		_ = conn.Close()
	}

	// 닫는 동안 Connect가 새 연결을 시작했으면 그 상태를 덮어쓰지 않습니다.
	c.mu.Lock()
	if c.gen == gen && c.state == StateClosing {
		c.state = StateClosed
	}
	c.mu.Unlock()

	c.logger.Info().Str("conn_id", connID).Msg("연결 종료")
	c.emit([]Event{{Kind: EventClosed, ConnID: connID, State: StateClosed, Code: CloseNormal, At: c.sched.Now()}})
}

// Send는 Open 상태에서만 메시지를 보냅니다. 그 외에는 ErrNotConnected를,
// Disconnect 이후에는 ErrClosed를 반환합니다.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		err := c.notOpenErrLocked()
		c.mu.Unlock()
		return err
	}
	conn := c.conn
	c.mu.Unlock()

	return c.write(conn, msg)
}

// SendOn은 connID 연결이 아직 현재 연결일 때만 메시지를 보냅니다.
func (c *Client) SendOn(connID string, msg protocol.Message) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil || c.connID != connID {
		err := c.notOpenErrLocked()
		c.mu.Unlock()
		return err
	}
	conn := c.conn
	c.mu.Unlock()

	return c.write(conn, msg)
}

func (c *Client) notOpenErrLocked() error {
	if c.disconnected {
		return ErrClosed
	}
	return ErrNotConnected
}

func (c *Client) write(conn Conn, msg protocol.Message) error {
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("메시지 전송 실패: %w", err)
	}
	c.metrics.FramesSent.Add(1)
	return nil
}

// OpenConn은 현재 Open인 연결의 ID를 반환합니다.
func (c *Client) OpenConn() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return "", false
	}
	return c.connID, true
}

// State는 현재 연결 상태를 반환합니다.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt는 현재 재연결 시도 횟수를 반환합니다.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// LastOpenedAt은 마지막으로 Open된 시각을 반환합니다.
func (c *Client) LastOpenedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOpenedAt
}

// Metrics는 메트릭 수집기를 반환합니다.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// OnConnectionChange는 연결 이벤트 관찰자를 등록하고 해제 함수를 반환합니다.
func (c *Client) OnConnectionChange(fn EventHandler) (remove func()) {
	c.observersMu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers = append(c.observers, eventObserver{id: id, fn: fn})
	c.observersMu.Unlock()

	return func() {
		c.observersMu.Lock()
		defer c.observersMu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) emit(events []Event) {
	if len(events) == 0 {
		return
	}

	c.observersMu.RLock()
	obs := make([]eventObserver, len(c.observers))
	copy(obs, c.observers)
	c.observersMu.RUnlock()

	for _, ev := range events {
		for _, o := range obs {
			c.safeNotify(o.fn, ev)
		}
	}
}

func (c *Client) safeNotify(fn EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("event", string(ev.Kind)).
				Msg("연결 이벤트 관찰자 panic 복구")
		}
	}()
	fn(ev)
}

func (c *Client) stopTimersLocked() {
	stopTimer(&c.heartbeatTimer)
	stopTimer(&c.staleTimer)
	stopTimer(&c.connectTimer)
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closeTextOf(err error) string {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Text
	}
	return ""
}
