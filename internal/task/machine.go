package task

import "time"

// Transition은 상태 이력의 한 항목입니다.
type Transition struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Record는 한 작업의 로컬 기준 상태입니다.
type Record struct {
	TaskID          string       `json:"task_id"`
	Status          Status       `json:"status"`
	ProgressPercent int          `json:"progress_percent"`
	History         []Transition `json:"history"`
	// LastMessage는 마지막 status_update에 포함된 서버 메시지입니다.
	LastMessage string    `json:"last_message,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsProcessing은 작업이 처리 중인지 확인합니다.
func (r Record) IsProcessing() bool {
	return r.Status.IsProcessing()
}

// IsTerminal은 작업이 종료 상태인지 확인합니다.
func (r Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

func (r Record) clone() Record {
	out := r
	out.History = make([]Transition, len(r.History))
	copy(out.History, r.History)
	return out
}

// Machine은 작업 하나의 상태 머신입니다.
// 동시성 보호는 Store가 담당하므로 Machine 자체는 잠금을 갖지 않습니다.
type Machine struct {
	rec Record
}

// NewMachine은 아직 상태를 받지 못한 작업의 상태 머신을 생성합니다.
func NewMachine(taskID string) *Machine {
	return &Machine{rec: Record{TaskID: taskID}}
}

// Record는 현재 레코드의 복사본을 반환합니다.
func (m *Machine) Record() Record {
	return m.rec.clone()
}

// Status는 현재 상태를 반환합니다.
func (m *Machine) Status() Status {
	return m.rec.Status
}

// Apply는 푸시된 상태를 적용합니다.
//
// 같은 상태의 반복은 아무 것도 바꾸지 않습니다(changed=false, err=nil).
// 허용되는 전이는 정방향 바로 다음 상태, 그리고 비종료 상태에서의
// failed/returned뿐입니다. 그 외에는 *StateError를 반환하며 레코드는
// 그대로 유지됩니다.
func (m *Machine) Apply(status string, at time.Time) (bool, error) {
	return m.transition(status, at, false)
}

// Reconcile은 REST로 조회한 권위 있는 상태를 적용합니다.
// 연결이 끊긴 동안 놓친 푸시를 메우기 위해 여러 단계를 건너뛰는
// 정방향 전이를 허용합니다. 역방향 전이와 종료 상태 이탈은 거부합니다.
func (m *Machine) Reconcile(status string, at time.Time) (bool, error) {
	return m.transition(status, at, true)
}

func (m *Machine) transition(raw string, at time.Time, allowJump bool) (bool, error) {
	next, err := ParseStatus(raw)
	if err != nil {
		return false, m.stateError(raw, err)
	}

	cur := m.rec.Status
	if next == cur {
		return false, nil
	}

	if !allowed(cur, next, allowJump) {
		return false, m.stateError(raw, ErrInvalidTransition)
	}

	m.rec.Status = next
	m.rec.ProgressPercent = next.Progress()
	m.rec.History = append(m.rec.History, Transition{Status: next, At: at})
	m.rec.UpdatedAt = at
	return true, nil
}

func allowed(cur, next Status, allowJump bool) bool {
	switch {
	case cur == StatusUnknown:
		// 구독 직후 첫 상태는 진행 중간 어디든 될 수 있습니다.
		return true
	case cur.IsTerminal():
		return false
	case next == StatusFailed || next == StatusReturned:
		return true
	case allowJump:
		return next.rank() > cur.rank()
	default:
		succ, ok := cur.Next()
		return ok && succ == next
	}
}

func (m *Machine) stateError(attempted string, err error) *StateError {
	return &StateError{
		TaskID:    m.rec.TaskID,
		Current:   m.rec.Status,
		Attempted: attempted,
		Err:       err,
	}
}
