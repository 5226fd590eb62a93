package websocket

import (
	"errors"
	"fmt"

	"github.com/insajin/taskwatch/internal/protocol"
)

var (
	// ErrAlreadyConnecting는 연결 시도가 진행 중일 때 Connect가 반환합니다.
	ErrAlreadyConnecting = errors.New("이미 연결 중입니다")
	// ErrNotConnected는 Open 상태가 아닐 때 Send가 반환합니다.
	ErrNotConnected = errors.New("연결되지 않은 상태입니다")
	// ErrNoToken은 토큰 없이 연결하려 할 때 반환됩니다.
	ErrNoToken = errors.New("인증 토큰이 없습니다")
	// ErrClosed는 Disconnect 이후 Send가 반환합니다. ErrNotConnected를 감쌉니다.
	ErrClosed = fmt.Errorf("%w: 연결이 종료되었습니다", ErrNotConnected)
	// ErrConnectTimeout은 연결 타임아웃 내에 Open되지 않았을 때의 원인입니다.
	ErrConnectTimeout = errors.New("연결 타임아웃")
	// ErrHeartbeatTimeout은 pong/heartbeat가 오지 않아 연결을 끊을 때의 원인입니다.
	ErrHeartbeatTimeout = errors.New("하트비트 응답 없음")
)

// ProtocolError는 라우터가 버린 프레임의 오류입니다.
type ProtocolError = protocol.ProtocolError

// ConnectionError는 전송 계층이 열리지 못했거나 비정상 종료된 경우입니다.
// Fatal이면 재연결 시도를 모두 소진한 것입니다.
type ConnectionError struct {
	ConnID   string
	Code     int
	Attempts int
	Fatal    bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("연결 실패 (재시도 %d회 소진): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("연결 끊김 (code=%d): %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthError는 서버가 토큰을 거부한 경우입니다. 자동 재연결하지 않습니다.
type AuthError struct {
	// StatusCode는 핸드셰이크 HTTP 상태 코드입니다 (닫기 코드로 감지된 경우 0).
	StatusCode int
	// CloseCode는 WebSocket 닫기 코드입니다 (핸드셰이크에서 감지된 경우 0).
	CloseCode int
	Reason    string
}

func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("인증 거부 (HTTP %d)", e.StatusCode)
	case e.Reason != "":
		return fmt.Sprintf("인증 거부 (close %d): %s", e.CloseCode, e.Reason)
	default:
		return fmt.Sprintf("인증 거부 (close %d)", e.CloseCode)
	}
}

// isAuthCloseCode는 토큰 거부를 뜻하는 닫기 코드인지 확인합니다.
func isAuthCloseCode(code int) bool {
	switch code {
	case ClosePolicyViolation, 4001, 4003, 4401, 4403:
		return true
	default:
		return false
	}
}
