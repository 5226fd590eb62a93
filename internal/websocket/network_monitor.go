package websocket

import (
	"context"
	"errors"
	"net"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/insajin/taskwatch/internal/clock"
	"github.com/insajin/taskwatch/internal/protocol"
)

// DefaultNetworkCheckInterval은 네트워크 변경 감지 기본 폴링 간격입니다.
const DefaultNetworkCheckInterval = 5 * time.Second

// ErrNetworkChanged는 네트워크 변경으로 연결을 재설정할 때의 원인입니다.
var ErrNetworkChanged = errors.New("네트워크 인터페이스 변경")

// Reconnector는 NetworkMonitor가 제어하는 연결입니다. Client가 구현합니다.
type Reconnector interface {
	State() State
	Send(msg protocol.Message) error
	ForceReconnect(reason error)
}

// NetworkMonitor는 네트워크 인터페이스 변경을 감지하여 재연결을 앞당깁니다.
// 주기적으로 인터페이스 주소를 폴링하고, 변경 시 연결에 ping을 보내 실패하면 재연결합니다.
type NetworkMonitor struct {
	conn          Reconnector
	sched         clock.Scheduler
	checkInterval time.Duration
	logger        zerolog.Logger

	mu        sync.Mutex
	lastAddrs []string
	timer     clock.Timer

	// getAddrs는 테스트에서 주입할 수 있도록 함수 필드로 둡니다.
	getAddrs func() ([]string, error)
}

// NewNetworkMonitor는 새로운 NetworkMonitor를 생성합니다.
func NewNetworkMonitor(conn Reconnector, sched clock.Scheduler, interval time.Duration) *NetworkMonitor {
	if interval <= 0 {
		interval = DefaultNetworkCheckInterval
	}
	if sched == nil {
		sched = clock.Real()
	}

	return &NetworkMonitor{
		conn:          conn,
		sched:         sched,
		checkInterval: interval,
		logger:        log.Logger,
		getAddrs:      defaultGetInterfaceAddrs,
	}
}

// Start는 모니터링을 시작합니다. ctx가 취소되면 다음 폴링에서 멈춥니다.
func (m *NetworkMonitor) Start(ctx context.Context) {
	addrs, err := m.getAddrs()
	if err != nil {
		m.logger.Warn().Err(err).Msg("네트워크 주소 초기 조회 실패, 빈 상태로 시작합니다")
	}

	m.mu.Lock()
	m.lastAddrs = addrs
	m.mu.Unlock()

	m.logger.Debug().
		Int("addr_count", len(addrs)).
		Dur("interval", m.checkInterval).
		Msg("네트워크 변경 감지 모니터 시작")

	m.schedule(ctx)
}

// Stop은 예약된 폴링을 취소합니다.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	stopTimer(&m.timer)
}

func (m *NetworkMonitor) schedule(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timer = m.sched.AfterFunc(m.checkInterval, func() {
		m.tick(ctx)
	})
}

func (m *NetworkMonitor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if m.hasChanged() {
		m.logger.Info().Msg("네트워크 인터페이스 변경 감지됨")
		if !m.validateConnection() {
			m.logger.Warn().Msg("연결이 유효하지 않음, 재연결 트리거")
			m.conn.ForceReconnect(ErrNetworkChanged)
		}
	}

	m.schedule(ctx)
}

// hasChanged는 현재 주소 목록을 이전 목록과 비교합니다.
func (m *NetworkMonitor) hasChanged() bool {
	current, err := m.getAddrs()
	if err != nil {
		m.logger.Debug().Err(err).Msg("네트워크 주소 조회 실패, 변경 없음으로 처리")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := !slices.Equal(m.lastAddrs, current)
	if changed {
		m.logger.Debug().
			Strs("prev_addrs", m.lastAddrs).
			Strs("curr_addrs", current).
			Msg("네트워크 주소 변경 상세")
	}
	m.lastAddrs = current
	return changed
}

// validateConnection은 Open이 아니면 재연결 루프에 맡기고 true를 반환합니다.
// Open이면 ping 전송 성공 여부를 반환합니다.
func (m *NetworkMonitor) validateConnection() bool {
	if m.conn.State() != StateOpen {
		return true
	}
	if err := m.conn.Send(protocol.Ping(m.sched.Now())); err != nil {
		m.logger.Debug().Err(err).Msg("ping 실패")
		return false
	}
	return true
}

// defaultGetInterfaceAddrs는 루프백을 제외한 인터페이스 주소를 정렬해 반환합니다.
func defaultGetInterfaceAddrs() ([]string, error) {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(ifaces))
	for _, addr := range ifaces {
		s := addr.String()
		if strings.HasPrefix(s, "127.") || strings.HasPrefix(s, "::1") {
			continue
		}
		addrs = append(addrs, s)
	}
	sort.Strings(addrs)
	return addrs, nil
}
