package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/insajin/taskwatch/internal/metrics"
	"github.com/insajin/taskwatch/internal/protocol"
)

// HandlerFunc는 특정 메시지 종류에 대한 핸들러 함수입니다.
// 핸들러는 읽기 루프에서 동기적으로 호출되므로 오래 걸리는 작업은 고루틴으로 넘겨야 합니다.
type HandlerFunc func(ctx context.Context, msg protocol.Message) error

type handlerEntry struct {
	id uint64
	fn HandlerFunc
}

// Router는 수신 프레임을 파싱하고 종류별 핸들러로 전달합니다.
type Router struct {
	// handlers는 종류별 핸들러 목록입니다. protocol.KindWildcard 목록은 모든 종류에 호출됩니다.
	handlers   map[protocol.Kind][]handlerEntry
	handlersMu sync.RWMutex
	nextID     uint64

	// onAlive는 pong/heartbeat 수신 시 호출됩니다.
	onAlive func()

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// RouterOption은 Router 설정 옵션입니다.
type RouterOption func(*Router)

// WithHeartbeatObserver는 keepalive 프레임 수신 콜백을 설정합니다.
func WithHeartbeatObserver(fn func()) RouterOption {
	return func(r *Router) {
		r.onAlive = fn
	}
}

// WithRouterLogger는 Router 로거를 설정합니다.
func WithRouterLogger(l zerolog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// WithRouterMetrics는 Router 메트릭 수집기를 설정합니다.
func WithRouterMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRouter는 새로운 Router를 생성합니다.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		handlers: make(map[protocol.Kind][]handlerEntry),
		logger:   log.Logger,
		metrics:  metrics.New(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// OnMessage는 kind에 핸들러를 등록하고 해제 함수를 반환합니다.
// kind가 protocol.KindWildcard이면 전달되는 모든 메시지를 받습니다.
func (r *Router) OnMessage(kind protocol.Kind, fn HandlerFunc) (remove func()) {
	r.handlersMu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[kind] = append(r.handlers[kind], handlerEntry{id: id, fn: fn})
	r.handlersMu.Unlock()

	return func() {
		r.handlersMu.Lock()
		defer r.handlersMu.Unlock()
		list := r.handlers[kind]
		for i, h := range list {
			if h.id == id {
				r.handlers[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Route는 프레임 하나를 처리합니다.
//
// 파싱에 실패한 프레임은 기록 후 버리고 *ProtocolError를 반환합니다. 연결은 유지됩니다.
// pong/heartbeat는 하트비트 확인에만 쓰이고 핸들러로 전달되지 않습니다.
func (r *Router) Route(ctx context.Context, frame []byte) error {
	msg, err := protocol.Parse(frame)
	if err != nil {
		r.metrics.ProtocolErrors.Add(1)
		ev := r.logger.Warn().Err(err)
		var perr *ProtocolError
		if errors.As(err, &perr) {
			ev = ev.Str("frame", perr.Excerpt)
		}
		ev.Msg("잘못된 프레임 무시")
		return err
	}

	if msg.Kind.IsKeepalive() {
		if r.onAlive != nil {
			r.onAlive()
		}
		return nil
	}

	r.dispatch(ctx, msg)
	return nil
}

// dispatch는 정확히 일치하는 핸들러, 그다음 와일드카드 핸들러 순으로 호출합니다.
func (r *Router) dispatch(ctx context.Context, msg protocol.Message) {
	r.handlersMu.RLock()
	exact := r.handlers[msg.Kind]
	wildcard := r.handlers[protocol.KindWildcard]
	targets := make([]handlerEntry, 0, len(exact)+len(wildcard))
	targets = append(targets, exact...)
	targets = append(targets, wildcard...)
	r.handlersMu.RUnlock()

	for _, h := range targets {
		if err := r.invoke(ctx, h.fn, msg); err != nil {
			r.metrics.HandlerErrors.Add(1)
			r.logger.Error().
				Err(err).
				Str("type", msg.Kind.String()).
				Str("task_id", msg.TaskID).
				Msg("메시지 핸들러 오류")
		}
	}
}

// invoke는 핸들러 panic을 오류로 바꿔 다른 핸들러 호출을 보호합니다.
func (r *Router) invoke(ctx context.Context, fn HandlerFunc, msg protocol.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("핸들러 panic: %v", rec)
		}
	}()
	return fn(ctx, msg)
}
