package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 전송 계층 상수
const (
	// MaxMessageSize는 최대 수신 프레임 크기입니다 (1MB).
	MaxMessageSize = 1024 * 1024

	// WriteTimeout은 프레임 쓰기 타임아웃입니다.
	WriteTimeout = 10 * time.Second
)

// WebSocket 닫기 코드
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseAbnormal        = websocket.CloseAbnormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
)

// Conn은 열린 전송 연결입니다.
// ReadMessage는 하나의 고루틴에서만 호출되고, 쓰기 메서드는 동시 호출에 안전해야 합니다.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// WriteClose는 닫기 프레임을 보냅니다.
	WriteClose(code int, reason string) error
	Close() error
}

// Dialer는 엔드포인트에 연결을 엽니다.
// 토큰 거부는 *AuthError로 반환해야 합니다.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// CloseError는 상대가 닫기 프레임을 보내 연결이 끝났음을 나타냅니다.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Text)
}

// closeCodeOf는 읽기 오류에서 닫기 코드를 꺼냅니다. 닫기 프레임 없이 끊겼으면 1006입니다.
func closeCodeOf(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

// GorillaDialer는 gorilla/websocket 기반 Dialer입니다.
type GorillaDialer struct {
	// HandshakeTimeout은 핸드셰이크 제한 시간입니다. 연결 타임아웃은 Client가 따로 관리합니다.
	HandshakeTimeout time.Duration
}

// Dial은 WebSocket 연결을 엽니다.
func (d GorillaDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("WebSocket 연결 실패: %w", err)
	}

	conn.SetReadLimit(MaxMessageSize)

	// 서버 PING 제어 프레임에는 PONG으로 응답합니다.
	gc := &gorillaConn{conn: conn}
	conn.SetPingHandler(func(appData string) error {
		gc.writeMu.Lock()
		defer gc.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(WriteTimeout))
	})

	return gc, nil
}

// gorillaConn은 gorilla 연결을 Conn으로 감쌉니다.
type gorillaConn struct {
	conn *websocket.Conn
	// gorilla/websocket은 동시 쓰기를 지원하지 않으므로 모든 쓰기를 직렬화합니다.
	writeMu sync.Mutex
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (g *gorillaConn) WriteMessage(data []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	_ = g.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) WriteClose(code int, reason string) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	return g.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(WriteTimeout),
	)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}
