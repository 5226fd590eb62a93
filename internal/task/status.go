// Package task는 서버 푸시 이벤트로 구동되는 작업 수명주기 상태 머신을 제공합니다.
// 이미지 → QR 인식 → 물류 조회 → 문서 생성 순으로 진행되는 작업의
// 로컬 기준 상태를 유지합니다.
package task

import "fmt"

// Status는 작업 상태입니다.
type Status string

// 정방향 진행 순서대로 정의합니다.
const (
	// StatusUnknown은 구독만 되어 있고 아직 상태를 받지 못한 레코드의 상태입니다.
	StatusUnknown     Status = ""
	StatusPending     Status = "pending"
	StatusRecognizing Status = "recognizing"
	StatusTracking    Status = "tracking"
	StatusDelivered   Status = "delivered"
	StatusGenerating  Status = "generating"
	StatusCompleted   Status = "completed"
	// StatusFailed와 StatusReturned는 비종료 상태 어디서든 도달 가능한 흡수 상태입니다.
	StatusFailed   Status = "failed"
	StatusReturned Status = "returned"
)

// forward는 정방향 진행 순서입니다. 인덱스가 곧 순위입니다.
var forward = []Status{
	StatusPending,
	StatusRecognizing,
	StatusTracking,
	StatusDelivered,
	StatusGenerating,
	StatusCompleted,
}

// statusInfo는 상태별 표시 정보입니다.
type statusInfo struct {
	progress int
	label    string
	step     int
}

var statusTable = map[Status]statusInfo{
	StatusPending:     {progress: 10, label: "待处理", step: 0},
	StatusRecognizing: {progress: 25, label: "识别中", step: 1},
	StatusTracking:    {progress: 50, label: "查询物流中", step: 2},
	StatusDelivered:   {progress: 75, label: "已签收", step: 3},
	StatusGenerating:  {progress: 90, label: "生成文档中", step: 4},
	StatusCompleted:   {progress: 100, label: "已完成", step: 5},
	StatusFailed:      {progress: 0, label: "失败", step: -1},
	// 退签은 물류 조회 이후에 종료되므로 step은 delivered와 같습니다.
	StatusReturned: {progress: 100, label: "退签", step: 3},
}

// ParseStatus는 문자열을 Status로 변환합니다.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := statusTable[st]; !ok {
		return StatusUnknown, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Valid는 알려진 상태인지 확인합니다. StatusUnknown은 유효하지 않습니다.
func (s Status) Valid() bool {
	_, ok := statusTable[s]
	return ok
}

// Progress는 상태에 해당하는 진행률(%)을 반환합니다.
func (s Status) Progress() int {
	return statusTable[s].progress
}

// Label은 화면 표시용 문구를 반환합니다.
func (s Status) Label() string {
	if info, ok := statusTable[s]; ok {
		return info.label
	}
	return statusTable[StatusPending].label
}

// StepIndex는 처리 단계 타임라인 상의 위치를 반환합니다 (failed는 -1).
func (s Status) StepIndex() int {
	if info, ok := statusTable[s]; ok {
		return info.step
	}
	return 0
}

// IsTerminal은 더 이상 전이가 없는 상태인지 확인합니다.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReturned
}

// IsProcessing은 서버에서 처리 중인 상태인지 확인합니다.
// delivered는 문서 생성을 기다리는 대기 상태이므로 포함하지 않습니다.
func (s Status) IsProcessing() bool {
	switch s {
	case StatusPending, StatusRecognizing, StatusTracking, StatusGenerating:
		return true
	default:
		return false
	}
}

// Next는 정방향 다음 상태를 반환합니다. 없으면 false입니다.
func (s Status) Next() (Status, bool) {
	r := s.rank()
	if r < 0 || r+1 >= len(forward) {
		return StatusUnknown, false
	}
	return forward[r+1], true
}

func (s Status) rank() int {
	for i, st := range forward {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Status) String() string {
	if s == StatusUnknown {
		return "unknown"
	}
	return string(s)
}
