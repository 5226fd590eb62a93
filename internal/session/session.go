// Package session은 인증된 세션 하나에 대응하는 연결, 구독, 작업 상태를 소유합니다.
// 전역 상태가 아니라 명시적으로 생성한 Session을 필요한 곳에 주입해서 사용합니다.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/insajin/taskwatch/internal/auth"
	"github.com/insajin/taskwatch/internal/clock"
	"github.com/insajin/taskwatch/internal/config"
	"github.com/insajin/taskwatch/internal/metrics"
	"github.com/insajin/taskwatch/internal/protocol"
	"github.com/insajin/taskwatch/internal/task"
	"github.com/insajin/taskwatch/internal/websocket"
)

// ErrNoToken은 세션 토큰이 없을 때 반환됩니다.
var ErrNoToken = websocket.ErrNoToken

// ReconnectHook은 재연결이 완료된 뒤 호출됩니다.
// 끊겨 있던 동안 놓친 상태를 REST로 다시 맞추는 용도입니다.
type ReconnectHook func(ev websocket.Event)

type reconnectObserver struct {
	id uint64
	fn ReconnectHook
}

// Session은 연결 관리자, 라우터, 구독 레지스트리, 작업 저장소를 묶습니다.
type Session struct {
	client   *websocket.Client
	router   *websocket.Router
	registry *websocket.SubscriptionRegistry
	store    *task.Store
	sched    clock.Scheduler
	tokens   auth.TokenProvider
	logger   zerolog.Logger

	mu     sync.Mutex
	hooks  []reconnectObserver
	nextID uint64
}

type options struct {
	dialer  websocket.Dialer
	sched   clock.Scheduler
	tokens  auth.TokenProvider
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option은 Session 설정 함수입니다.
type Option func(*options)

// WithDialer는 전송 계층을 교체합니다 (테스트용).
func WithDialer(d websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithScheduler는 타이머와 현재 시각의 출처를 지정합니다.
func WithScheduler(s clock.Scheduler) Option {
	return func(o *options) {
		o.sched = s
	}
}

// WithTokenProvider는 Start와 자동 재연결에서 사용할 토큰 출처를 지정합니다.
func WithTokenProvider(p auth.TokenProvider) Option {
	return func(o *options) {
		o.tokens = p
	}
}

// WithLogger는 로거를 지정합니다.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics는 메트릭 수집기를 지정합니다.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New는 설정을 검증하고 구성 요소를 연결한 Session을 생성합니다.
// 연결은 Init 또는 Start를 호출할 때 시작됩니다.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("설정이 없습니다")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("설정 검증 실패: %w", err)
	}

	o := options{
		sched:   clock.Real(),
		logger:  log.Logger,
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger.With().Str("component", "session").Logger()

	clientOpts := []websocket.ClientOption{
		websocket.WithScheduler(o.sched),
		websocket.WithReconnectPolicy(cfg.ReconnectPolicy()),
		websocket.WithHeartbeatInterval(cfg.HeartbeatInterval()),
		websocket.WithConnectTimeout(cfg.ConnectTimeout()),
		websocket.WithLogger(o.logger),
		websocket.WithMetrics(o.metrics),
	}
	if o.dialer != nil {
		clientOpts = append(clientOpts, websocket.WithDialer(o.dialer))
	}
	if o.tokens != nil {
		clientOpts = append(clientOpts, websocket.WithTokenFunc(o.tokens.Token))
	}

	client := websocket.NewClient(cfg.WebSocketURL(), clientOpts...)
	router := websocket.NewRouter(
		websocket.WithHeartbeatObserver(client.MarkAlive),
		websocket.WithRouterLogger(o.logger),
		websocket.WithRouterMetrics(o.metrics),
	)
	client.SetFrameHandler(router)

	s := &Session{
		client:   client,
		router:   router,
		registry: websocket.NewSubscriptionRegistry(client, websocket.WithRegistryClock(o.sched.Now), websocket.WithRegistryLogger(o.logger)),
		store:    task.NewStore(task.WithClock(o.sched.Now), task.WithLogger(o.logger)),
		sched:    o.sched,
		tokens:   o.tokens,
		logger:   logger,
	}

	router.OnMessage(protocol.KindStatusUpdate, s.handleStatusUpdate)
	router.OnMessage(protocol.KindError, s.handleServerError)
	client.OnConnectionChange(s.handleConnectionEvent)

	return s, nil
}

// Init은 주어진 토큰으로 연결을 시작합니다.
// 빈 토큰이면 연결하지 않고 ErrNoToken을 반환합니다.
func (s *Session) Init(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	return s.client.Connect(token)
}

// Start는 TokenProvider에서 토큰을 얻어 연결을 시작합니다.
func (s *Session) Start() error {
	if s.tokens == nil {
		return ErrNoToken
	}
	token, err := s.tokens.Token()
	if err != nil {
		return fmt.Errorf("토큰 조회 실패: %w", err)
	}
	return s.Init(token)
}

// Teardown은 연결을 닫고 예약된 재연결을 취소합니다.
// 구독과 작업 상태는 유지되므로 이후 Init으로 다시 시작할 수 있습니다.
func (s *Session) Teardown() {
	s.client.Disconnect()
}

// Subscribe는 작업 구독을 등록하고 작업을 추적 대상에 추가합니다.
func (s *Session) Subscribe(taskID string) error {
	if err := s.registry.Subscribe(taskID); err != nil {
		return err
	}
	s.store.Track(taskID)
	return nil
}

// Unsubscribe는 로컬 구독만 해제합니다. 서버에는 알리지 않습니다.
func (s *Session) Unsubscribe(taskID string) bool {
	return s.registry.Unsubscribe(taskID)
}

// Subscriptions는 활성 구독 ID 목록을 반환합니다.
func (s *Session) Subscriptions() []string {
	return s.registry.Active()
}

// GetTask는 작업 레코드 복사본을 반환합니다. 없으면 nil입니다.
func (s *Session) GetTask(taskID string) *task.Record {
	return s.store.Get(taskID)
}

// Tasks는 모든 작업 레코드의 스냅샷을 반환합니다.
func (s *Session) Tasks() []task.Record {
	return s.store.Snapshot()
}

// IsProcessing은 작업이 진행 중인지 반환합니다.
func (s *Session) IsProcessing(taskID string) bool {
	return s.store.IsProcessing(taskID)
}

// IsTerminal은 작업이 완료, 실패, 반품 중 하나인지 반환합니다.
func (s *Session) IsTerminal(taskID string) bool {
	return s.store.IsTerminal(taskID)
}

// Reconcile은 REST로 조회한 권위 있는 상태를 적용합니다.
func (s *Session) Reconcile(taskID, status string, at time.Time) (task.Record, error) {
	rec, err := s.store.Reconcile(taskID, status, at)
	if err != nil {
		s.client.Metrics().StateErrors.Add(1)
		return rec, err
	}
	return rec, nil
}

// RequestStatus는 서버에 get_status를 보냅니다.
func (s *Session) RequestStatus() error {
	return s.client.Send(protocol.GetStatus(s.sched.Now()))
}

// State는 현재 연결 상태를 반환합니다.
func (s *Session) State() websocket.State {
	return s.client.State()
}

// Metrics는 메트릭 수집기를 반환합니다.
func (s *Session) Metrics() *metrics.Metrics {
	return s.client.Metrics()
}

// Client는 내부 연결 관리자를 반환합니다. NetworkMonitor 연결에 사용합니다.
func (s *Session) Client() *websocket.Client {
	return s.client
}

// OnMessage는 메시지 종류별 핸들러를 등록합니다.
func (s *Session) OnMessage(kind protocol.Kind, fn websocket.HandlerFunc) (remove func()) {
	return s.router.OnMessage(kind, fn)
}

// OnConnectionChange는 연결 이벤트 관찰자를 등록합니다.
func (s *Session) OnConnectionChange(fn websocket.EventHandler) (remove func()) {
	return s.client.OnConnectionChange(fn)
}

// OnTaskChange는 작업 레코드가 바뀔 때마다 호출될 관찰자를 등록합니다.
func (s *Session) OnTaskChange(fn task.ChangeFunc) (remove func()) {
	return s.store.OnChange(fn)
}

// OnReconnected는 재연결 완료 훅을 등록합니다.
func (s *Session) OnReconnected(fn ReconnectHook) (remove func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.hooks = append(s.hooks, reconnectObserver{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, h := range s.hooks {
			if h.id == id {
				s.hooks = append(s.hooks[:i], s.hooks[i+1:]...)
				return
			}
		}
	}
}

// handleStatusUpdate는 status_update를 작업 저장소에 적용합니다.
// 잘못된 전이는 기록만 하고 연결에는 영향을 주지 않습니다.
func (s *Session) handleStatusUpdate(_ context.Context, msg protocol.Message) error {
	rec, err := s.store.ApplyMessage(msg)
	if err != nil {
		var stateErr *task.StateError
		if errors.As(err, &stateErr) {
			s.client.Metrics().StateErrors.Add(1)
			s.logger.Warn().
				Str("task_id", stateErr.TaskID).
				Str("current", stateErr.Current.String()).
				Str("attempted", stateErr.Attempted).
				Err(stateErr.Err).
				Msg("작업 상태 전이 거부")
			return nil
		}
		return err
	}

	s.client.Metrics().TaskUpdates.Add(1)
	s.logger.Debug().
		Str("task_id", rec.TaskID).
		Str("status", rec.Status.String()).
		Int("progress", rec.ProgressPercent).
		Msg("상태 업데이트 수신")
	return nil
}

// handleServerError는 서버의 error 프레임을 기록합니다.
func (s *Session) handleServerError(_ context.Context, msg protocol.Message) error {
	ev := s.logger.Warn().Str("server_message", msg.Text)
	if msg.TaskID != "" {
		ev = ev.Str("task_id", msg.TaskID)
	}
	ev.Msg("서버 오류 메시지 수신")
	return nil
}

// handleConnectionEvent는 연결 이벤트를 구독 레지스트리와 재연결 훅에 전달합니다.
func (s *Session) handleConnectionEvent(ev websocket.Event) {
	switch ev.Kind {
	case websocket.EventOpened:
		s.registry.HandleOpened(ev.ConnID)
	case websocket.EventReconnected:
		s.runReconnectHooks(ev)
	case websocket.EventClosed:
		if ev.RetryIn > 0 {
			s.logger.Info().
				Int("code", ev.Code).
				Int("attempt", ev.Attempt).
				Dur("delay", ev.RetryIn).
				Msg("연결 종료, 재연결 예약")
		}
	case websocket.EventError:
		if ev.Fatal {
			s.logger.Error().Err(ev.Err).Msg("연결을 복구할 수 없습니다")
		}
	}
}

func (s *Session) runReconnectHooks(ev websocket.Event) {
	s.mu.Lock()
	hooks := make([]reconnectObserver, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, h := range hooks {
		s.safeCall(h.fn, ev)
	}
}

func (s *Session) safeCall(fn ReconnectHook, ev websocket.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("재연결 훅 패닉 복구")
		}
	}()
	fn(ev)
}
