package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insajin/taskwatch/internal/protocol"
)

func statusUpdate(taskID, status string, at time.Time) protocol.Message {
	return protocol.Message{
		Kind:      protocol.KindStatusUpdate,
		TaskID:    taskID,
		Status:    status,
		Timestamp: at,
	}
}

func TestStore_TrackThenApply(t *testing.T) {
	s := NewStore()

	assert.True(t, s.Track("T1"))
	assert.False(t, s.Track("T1"))

	rec := s.Get("T1")
	require.NotNil(t, rec)
	assert.Equal(t, StatusUnknown, rec.Status)
	assert.False(t, s.IsProcessing("T1"))

	got, err := s.ApplyMessage(statusUpdate("T1", "tracking", t0))
	require.NoError(t, err)
	assert.Equal(t, 50, got.ProgressPercent)
	assert.True(t, s.IsProcessing("T1"))
	assert.False(t, s.IsTerminal("T1"))
}

func TestStore_ApplyCreatesUnseenTask(t *testing.T) {
	s := NewStore()

	_, err := s.ApplyMessage(statusUpdate("T9", "pending", t0))
	require.NoError(t, err)
	require.NotNil(t, s.Get("T9"))
}

func TestStore_RejectedMessageLeavesNoTrace(t *testing.T) {
	s := NewStore()

	_, err := s.ApplyMessage(statusUpdate("T9", "bogus", t0))
	assert.ErrorIs(t, err, ErrUnknownStatus)
	assert.Nil(t, s.Get("T9"))

	s.Track("T1")
	_, err = s.ApplyMessage(statusUpdate("T1", "completed", t0))
	require.NoError(t, err)

	_, err = s.ApplyMessage(statusUpdate("T1", "pending", t0.Add(time.Second)))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, s.Get("T1").Status)
	assert.True(t, s.IsTerminal("T1"))
}

func TestStore_MissingTaskID(t *testing.T) {
	s := NewStore()

	_, err := s.ApplyMessage(statusUpdate("", "pending", t0))
	assert.ErrorIs(t, err, ErrMissingTaskID)
}

func TestStore_LastMessage(t *testing.T) {
	s := NewStore()

	msg := statusUpdate("T1", "pending", t0)
	msg.Text = "대기열에 등록됨"
	_, err := s.ApplyMessage(msg)
	require.NoError(t, err)

	assert.Equal(t, "대기열에 등록됨", s.Get("T1").LastMessage)
}

func TestStore_ZeroTimestampUsesClock(t *testing.T) {
	fixed := t0.Add(time.Hour)
	s := NewStore(WithClock(func() time.Time { return fixed }))

	_, err := s.ApplyMessage(statusUpdate("T1", "pending", time.Time{}))
	require.NoError(t, err)
	assert.Equal(t, fixed, s.Get("T1").UpdatedAt)
}

func TestStore_OnChange(t *testing.T) {
	s := NewStore()

	var got []Status
	remove := s.OnChange(func(rec Record) {
		got = append(got, rec.Status)
	})
	s.OnChange(func(Record) {
		panic("관찰자 오류")
	})

	_, err := s.ApplyMessage(statusUpdate("T1", "pending", t0))
	require.NoError(t, err)
	// 같은 상태 반복은 알리지 않음
	_, err = s.ApplyMessage(statusUpdate("T1", "pending", t0))
	require.NoError(t, err)
	_, err = s.ApplyMessage(statusUpdate("T1", "recognizing", t0))
	require.NoError(t, err)

	remove()
	_, err = s.ApplyMessage(statusUpdate("T1", "tracking", t0))
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusPending, StatusRecognizing}, got)
}

func TestStore_ReconcileAndEvict(t *testing.T) {
	s := NewStore()
	s.Track("T1")
	s.Track("T2")

	_, err := s.Reconcile("T1", "delivered", t0)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, s.Get("T1").Status)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "T1", snap[0].TaskID)
	assert.Equal(t, "T2", snap[1].TaskID)

	assert.True(t, s.Evict("T1"))
	assert.False(t, s.Evict("T1"))
	assert.Nil(t, s.Get("T1"))
}

func TestStore_ConcurrentApply(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.ApplyMessage(statusUpdate("T1", "pending", t0))
			_ = s.Get("T1")
			_ = s.IsProcessing("T1")
		}()
	}
	wg.Wait()

	rec := s.Get("T1")
	require.NotNil(t, rec)
	assert.Len(t, rec.History, 1)
}
