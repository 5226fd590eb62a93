package task

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStatus는 상태 문자열이 알려진 집합에 없을 때 반환됩니다.
	ErrUnknownStatus = errors.New("알 수 없는 작업 상태")
	// ErrInvalidTransition은 허용되지 않는 전이를 나타냅니다.
	ErrInvalidTransition = errors.New("허용되지 않는 상태 전이")
	// ErrMissingTaskID는 task_id 없는 메시지를 적용하려 할 때 반환됩니다.
	ErrMissingTaskID = errors.New("task_id가 없습니다")
)

// StateError는 메시지가 유효하지 않은 작업 전이를 요구할 때 반환됩니다.
// 이 경우 레코드는 변경되지 않습니다.
type StateError struct {
	TaskID    string
	Current   Status
	Attempted string
	Err       error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("작업 %s: %s -> %q: %v", e.TaskID, e.Current, e.Attempted, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}
