package task

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/insajin/taskwatch/internal/protocol"
)

// ChangeFunc는 작업 레코드가 바뀔 때 호출되는 관찰자입니다.
type ChangeFunc func(rec Record)

type observer struct {
	id uint64
	fn ChangeFunc
}

// Store는 작업별 상태 머신 집합을 소유합니다.
// 레코드는 Store를 통해서만 변경되며, 관찰자 호출은 잠금 밖에서 이루어집니다.
type Store struct {
	mu       sync.RWMutex
	machines map[string]*Machine

	obsMu     sync.RWMutex
	observers []observer
	nextObsID uint64

	now    func() time.Time
	logger zerolog.Logger
}

// StoreOption은 Store 설정 옵션입니다.
type StoreOption func(*Store)

// WithClock은 이력 타임스탬프에 쓸 시계를 설정합니다.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger는 Store가 사용할 로거를 설정합니다.
func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore는 빈 Store를 생성합니다.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		machines: make(map[string]*Machine),
		now:      time.Now,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track은 구독 시점에 레코드를 만듭니다. 새로 만들었으면 true입니다.
func (s *Store) Track(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.machines[taskID]; ok {
		return false
	}
	s.machines[taskID] = NewMachine(taskID)
	return true
}

// ApplyMessage는 status_update 메시지를 해당 작업의 상태 머신에 적용합니다.
// 메시지 타임스탬프가 있으면 이력 시각으로 사용합니다.
func (s *Store) ApplyMessage(msg protocol.Message) (Record, error) {
	at := msg.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	return s.apply(msg.TaskID, msg.Status, msg.Text, at, false)
}

// Apply는 상태 문자열을 직접 적용합니다.
func (s *Store) Apply(taskID, status string, at time.Time) (Record, error) {
	return s.apply(taskID, status, "", at, false)
}

// Reconcile은 REST 조회 결과를 적용합니다 (Machine.Reconcile 참고).
func (s *Store) Reconcile(taskID, status string, at time.Time) (Record, error) {
	return s.apply(taskID, status, "", at, true)
}

func (s *Store) apply(taskID, status, text string, at time.Time, reconcile bool) (Record, error) {
	if taskID == "" {
		return Record{}, &StateError{Attempted: status, Err: ErrMissingTaskID}
	}

	s.mu.Lock()
	m, existed := s.machines[taskID]
	if !existed {
		m = NewMachine(taskID)
	}

	var (
		changed bool
		err     error
	)
	if reconcile {
		changed, err = m.Reconcile(status, at)
	} else {
		changed, err = m.Apply(status, at)
	}
	if err != nil {
		rec := m.Record()
		s.mu.Unlock()
		return rec, err
	}

	if !existed {
		s.machines[taskID] = m
	}
	if changed && text != "" {
		m.rec.LastMessage = text
	}
	rec := m.Record()
	s.mu.Unlock()

	if changed {
		s.logger.Debug().
			Str("task_id", taskID).
			Str("status", rec.Status.String()).
			Int("progress", rec.ProgressPercent).
			Msg("작업 상태 갱신")
		s.notify(rec)
	}
	return rec, nil
}

// Get은 레코드 복사본을 반환합니다. 없으면 nil입니다.
func (s *Store) Get(taskID string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[taskID]
	if !ok {
		return nil
	}
	rec := m.Record()
	return &rec
}

// IsProcessing은 작업이 처리 중인지 확인합니다.
func (s *Store) IsProcessing(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[taskID]
	return ok && m.Status().IsProcessing()
}

// IsTerminal은 작업이 종료 상태인지 확인합니다.
func (s *Store) IsTerminal(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[taskID]
	return ok && m.Status().IsTerminal()
}

// Evict는 레코드를 제거합니다. Store 스스로는 레코드를 지우지 않습니다.
func (s *Store) Evict(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.machines[taskID]; !ok {
		return false
	}
	delete(s.machines, taskID)
	return true
}

// Snapshot은 모든 레코드의 복사본을 task_id 순으로 반환합니다.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m.Record())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// OnChange는 관찰자를 등록하고 해제 함수를 반환합니다.
func (s *Store) OnChange(fn ChangeFunc) (remove func()) {
	s.obsMu.Lock()
	s.nextObsID++
	id := s.nextObsID
	s.observers = append(s.observers, observer{id: id, fn: fn})
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(rec Record) {
	s.obsMu.RLock()
	obs := make([]observer, len(s.observers))
	copy(obs, s.observers)
	s.obsMu.RUnlock()

	for _, o := range obs {
		s.safeCall(o.fn, rec)
	}
}

func (s *Store) safeCall(fn ChangeFunc, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("task_id", rec.TaskID).
				Msg("작업 변경 관찰자 panic 복구")
		}
	}()
	fn(rec.clone())
}
