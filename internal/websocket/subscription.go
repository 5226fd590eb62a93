package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/insajin/taskwatch/internal/protocol"
)

// Sender는 구독 프레임을 특정 연결로 보냅니다. Client가 구현합니다.
type Sender interface {
	// OpenConn은 현재 Open인 연결 ID를 반환합니다.
	OpenConn() (connID string, ok bool)
	// SendOn은 connID가 여전히 현재 연결일 때만 보냅니다.
	SendOn(connID string, msg protocol.Message) error
}

// Subscription은 한 작업에 대한 구독입니다.
type Subscription struct {
	TaskID       string
	RegisteredAt time.Time
}

type subscriptionEntry struct {
	Subscription
	// sentOn은 subscribe 프레임을 보낸 연결 ID입니다. 연결마다 한 번만 보냅니다.
	sentOn string
}

// SubscriptionRegistry는 관심 있는 작업 ID 집합을 관리하고
// 새 연결이 열릴 때마다 구독을 다시 보냅니다.
type SubscriptionRegistry struct {
	mu    sync.Mutex
	subs  map[string]*subscriptionEntry
	order []string

	sender Sender
	now    func() time.Time
	logger zerolog.Logger
}

// RegistryOption은 SubscriptionRegistry 설정 옵션입니다.
type RegistryOption func(*SubscriptionRegistry)

// WithRegistryClock은 등록 시각에 쓸 시계를 설정합니다.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.now = now
	}
}

// WithRegistryLogger는 로거를 설정합니다.
func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *SubscriptionRegistry) {
		r.logger = l
	}
}

// NewSubscriptionRegistry는 새로운 SubscriptionRegistry를 생성합니다.
func NewSubscriptionRegistry(sender Sender, opts ...RegistryOption) *SubscriptionRegistry {
	r := &SubscriptionRegistry{
		subs:   make(map[string]*subscriptionEntry),
		sender: sender,
		now:    time.Now,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe는 작업을 구독합니다. 이미 있으면 아무 것도 하지 않습니다.
// Open이면 바로 subscribe를 보내고, 아니면 다음 Open까지 미룹니다.
func (r *SubscriptionRegistry) Subscribe(taskID string) error {
	if taskID == "" {
		return errors.New("task_id가 비어 있습니다")
	}

	r.mu.Lock()
	if _, ok := r.subs[taskID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.subs[taskID] = &subscriptionEntry{
		Subscription: Subscription{TaskID: taskID, RegisteredAt: r.now()},
	}
	r.order = append(r.order, taskID)
	r.mu.Unlock()

	connID, open := r.sender.OpenConn()
	if !open {
		r.logger.Debug().Str("task_id", taskID).Msg("연결 전 구독, Open 시 전송")
		return nil
	}
	return r.sendOnce(connID, taskID)
}

// Unsubscribe는 구독을 로컬에서만 제거합니다.
// 서버 쪽 구독은 연결과 함께 만료됩니다.
func (r *SubscriptionRegistry) Unsubscribe(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[taskID]; !ok {
		return false
	}
	delete(r.subs, taskID)
	for i, id := range r.order {
		if id == taskID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// HandleOpened는 새 연결에서 모든 활성 구독을 정확히 한 번씩 다시 보냅니다.
func (r *SubscriptionRegistry) HandleOpened(connID string) {
	ids := r.Active()
	for _, id := range ids {
		if err := r.sendOnce(connID, id); err != nil {
			r.logger.Warn().Err(err).Str("task_id", id).Str("conn_id", connID).Msg("구독 재전송 실패")
		}
	}
	if len(ids) > 0 {
		r.logger.Info().Int("count", len(ids)).Str("conn_id", connID).Msg("구독 재전송")
	}
}

// sendOnce는 connID에서 아직 보내지 않은 경우에만 subscribe를 보냅니다.
// 보내기 전에 표시를 남겨 Subscribe와 HandleOpened가 겹쳐도 중복되지 않게 합니다.
func (r *SubscriptionRegistry) sendOnce(connID, taskID string) error {
	r.mu.Lock()
	sub, ok := r.subs[taskID]
	if !ok || sub.sentOn == connID {
		r.mu.Unlock()
		return nil
	}
	sub.sentOn = connID
	r.mu.Unlock()

	err := r.sender.SendOn(connID, protocol.Subscribe(taskID, r.now()))
	if err == nil {
		return nil
	}

	// 보내지 못했으면 다음 Open에서 다시 보냅니다.
	r.mu.Lock()
	if sub.sentOn == connID {
		sub.sentOn = ""
	}
	r.mu.Unlock()

	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Active는 활성 작업 ID를 등록 순서대로 반환합니다.
func (r *SubscriptionRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Subscriptions는 활성 구독을 등록 순서대로 반환합니다.
func (r *SubscriptionRegistry) Subscriptions() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subs[id].Subscription)
	}
	return out
}

// Has는 작업이 구독 중인지 확인합니다.
func (r *SubscriptionRegistry) Has(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.subs[taskID]
	return ok
}
