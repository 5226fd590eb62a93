package websocket

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/insajin/taskwatch/internal/protocol"
)

// fakeSender는 연결 상태를 직접 제어하는 Sender입니다.
type fakeSender struct {
	mu     sync.Mutex
	connID string
	open   bool
	fail   error
	sent   map[string][]string // connID -> task IDs
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]string)}
}

func (s *fakeSender) OpenConn() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID, s.open
}

func (s *fakeSender) SendOn(connID string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if !s.open || connID != s.connID {
		return ErrNotConnected
	}
	s.sent[connID] = append(s.sent[connID], msg.TaskID)
	return nil
}

func (s *fakeSender) setOpen(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connID = connID
	s.open = true
}

func (s *fakeSender) sentOn(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent[connID]...)
}

// TestRegistry_DeferredUntilOpen은 연결 전 구독이 Open 시 전송되는지 검증합니다.
func TestRegistry_DeferredUntilOpen(t *testing.T) {
	s := newFakeSender()
	r := NewSubscriptionRegistry(s)

	if err := r.Subscribe("T1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := r.Subscribe("T1"); err != nil {
		t.Fatalf("duplicate Subscribe() error = %v", err)
	}
	if got := r.Active(); len(got) != 1 {
		t.Fatalf("Active() = %v, want [T1]", got)
	}

	s.setOpen("c1")
	r.HandleOpened("c1")
	r.HandleOpened("c1")

	if got := s.sentOn("c1"); len(got) != 1 || got[0] != "T1" {
		t.Errorf("sent on c1 = %v, want [T1]", got)
	}
}

// TestRegistry_SubscribeWhileOpenSendsImmediately는 Open 중 구독이 즉시 전송되고
// 이어지는 HandleOpened가 중복 전송하지 않는지 검증합니다.
func TestRegistry_SubscribeWhileOpenSendsImmediately(t *testing.T) {
	s := newFakeSender()
	s.setOpen("c1")
	r := NewSubscriptionRegistry(s)

	if err := r.Subscribe("T1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	r.HandleOpened("c1")

	if got := s.sentOn("c1"); len(got) != 1 {
		t.Errorf("sent on c1 = %v, want exactly one", got)
	}
}

// TestRegistry_UnsubscribeIsLocal은 구독 해제가 다음 연결에 영향을 주는지 검증합니다.
func TestRegistry_UnsubscribeIsLocal(t *testing.T) {
	s := newFakeSender()
	r := NewSubscriptionRegistry(s)
	_ = r.Subscribe("T1")
	_ = r.Subscribe("T2")
	_ = r.Subscribe("T3")

	if !r.Unsubscribe("T2") {
		t.Fatal("Unsubscribe(T2) = false")
	}
	if r.Unsubscribe("T2") {
		t.Error("second Unsubscribe(T2) = true")
	}

	s.setOpen("c1")
	r.HandleOpened("c1")

	got := s.sentOn("c1")
	if len(got) != 2 || got[0] != "T1" || got[1] != "T3" {
		t.Errorf("sent on c1 = %v, want [T1 T3]", got)
	}
	if r.Has("T2") {
		t.Error("T2 should not be active")
	}
}

// TestRegistry_FailedSendIsRetriedOnNextOpen은 전송 실패 후 다음 연결에서 다시 보내는지 검증합니다.
func TestRegistry_FailedSendIsRetriedOnNextOpen(t *testing.T) {
	s := newFakeSender()
	s.setOpen("c1")
	s.fail = errors.New("write: broken pipe")
	r := NewSubscriptionRegistry(s)

	if err := r.Subscribe("T1"); err == nil {
		t.Error("Subscribe() should surface write error")
	}

	s.mu.Lock()
	s.fail = nil
	s.mu.Unlock()
	r.HandleOpened("c1")

	if got := s.sentOn("c1"); len(got) != 1 {
		t.Errorf("sent on c1 = %v, want one retry", got)
	}
}

// TestRegistry_SubscriptionsKeepRegistrationTime은 재연결 후에도 등록 시각이 유지되는지 검증합니다.
func TestRegistry_SubscriptionsKeepRegistrationTime(t *testing.T) {
	now := testStart
	r := NewSubscriptionRegistry(newFakeSender(), WithRegistryClock(func() time.Time { return now }))

	_ = r.Subscribe("T1")
	now = now.Add(time.Minute)
	_ = r.Subscribe("T2")
	_ = r.Subscribe("T1")

	subs := r.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("Subscriptions() = %v", subs)
	}
	if !subs[0].RegisteredAt.Equal(testStart) {
		t.Errorf("T1 registeredAt = %v, want %v", subs[0].RegisteredAt, testStart)
	}
}

// TestRegistry_ResubscribeAfterReconnect는 재연결 후 활성 구독마다 subscribe가 정확히 한 번 전송되는지 검증합니다.
func TestRegistry_ResubscribeAfterReconnect(t *testing.T) {
	h := newHarness(t)
	reg := NewSubscriptionRegistry(h.client)
	h.client.OnConnectionChange(func(ev Event) {
		if ev.Kind == EventOpened {
			reg.HandleOpened(ev.ConnID)
		}
	})

	_ = reg.Subscribe("T1")
	_ = reg.Subscribe("T2")
	_ = reg.Subscribe("T3")
	reg.Unsubscribe("T3")

	first := h.open("abc")
	waitFor(t, "initial subscribes", func() bool {
		return len(first.sentKinds(t, protocol.KindSubscribe)) == 2
	})

	first.drop()
	h.waitClosedWithRetry(time.Second)
	h.clock.Advance(time.Second)
	h.waitOpen(2)

	second := h.dialer.conn(1)
	waitFor(t, "resubscribes", func() bool {
		return len(second.sentKinds(t, protocol.KindSubscribe)) >= 2
	})

	var ids []string
	for _, m := range second.sentKinds(t, protocol.KindSubscribe) {
		ids = append(ids, m.TaskID)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "T1" || ids[1] != "T2" {
		t.Errorf("resubscribed = %v, want exactly [T1 T2]", ids)
	}
}
