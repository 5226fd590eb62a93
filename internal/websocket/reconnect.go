package websocket

import "time"

// ReconnectPolicy는 지수 백오프 재연결 설정입니다. 값 타입이며 변경되지 않습니다.
//
//	delay(n) = min(BaseDelay * 2^n, MaxDelay)
type ReconnectPolicy struct {
	// BaseDelay는 첫 재시도 대기 시간입니다.
	BaseDelay time.Duration
	// MaxDelay는 대기 시간 상한입니다.
	MaxDelay time.Duration
	// MaxAttempts는 최대 재연결 시도 횟수입니다 (0 = 무제한).
	MaxAttempts int
}

// DefaultReconnectPolicy는 기본 정책(1초, 최대 30초, 5회)을 반환합니다.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay는 attempt번째(0부터) 재시도 전 대기 시간을 반환합니다.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		// 오버플로 전에 상한에서 멈춥니다.
		if delay >= p.MaxDelay || delay > p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// CanRetry는 attempt번 시도한 뒤에도 재시도할 수 있는지 확인합니다.
func (p ReconnectPolicy) CanRetry(attempt int) bool {
	if p.MaxAttempts == 0 {
		return true
	}
	return attempt < p.MaxAttempts
}
