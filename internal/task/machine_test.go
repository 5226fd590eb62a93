package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// machineAt은 정방향 경로를 따라 원하는 상태까지 진행한 머신을 만듭니다.
func machineAt(t *testing.T, st Status) *Machine {
	t.Helper()
	m := NewMachine("T1")
	if st == StatusUnknown {
		return m
	}
	_, err := m.Apply(string(st), t0)
	require.NoError(t, err)
	return m
}

func TestMachine_TransitionGrid(t *testing.T) {
	all := []Status{
		StatusPending, StatusRecognizing, StatusTracking, StatusDelivered,
		StatusGenerating, StatusCompleted, StatusFailed, StatusReturned,
	}

	want := map[Status]map[Status]bool{
		StatusPending:     {StatusRecognizing: true, StatusFailed: true, StatusReturned: true},
		StatusRecognizing: {StatusTracking: true, StatusFailed: true, StatusReturned: true},
		StatusTracking:    {StatusDelivered: true, StatusFailed: true, StatusReturned: true},
		StatusDelivered:   {StatusGenerating: true, StatusFailed: true, StatusReturned: true},
		StatusGenerating:  {StatusCompleted: true, StatusFailed: true, StatusReturned: true},
		StatusCompleted:   {},
		StatusFailed:      {},
		StatusReturned:    {},
	}

	for _, from := range all {
		for _, to := range all {
			if from == to {
				continue
			}
			name := from.String() + "->" + to.String()
			t.Run(name, func(t *testing.T) {
				m := machineAt(t, from)
				before := m.Record()

				changed, err := m.Apply(string(to), t0.Add(time.Second))
				if want[from][to] {
					require.NoError(t, err)
					assert.True(t, changed)
					assert.Equal(t, to, m.Status())
					assert.Equal(t, to.Progress(), m.Record().ProgressPercent)
					return
				}

				require.Error(t, err)
				assert.False(t, changed)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, before, m.Record(), "거부된 전이는 레코드를 바꾸지 않아야 함")
			})
		}
	}
}

func TestMachine_SameStatusIsNoop(t *testing.T) {
	m := machineAt(t, StatusTracking)
	before := m.Record()

	changed, err := m.Apply("tracking", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, m.Record())
	assert.Len(t, m.Record().History, 1)
}

func TestMachine_TerminalIsAbsorbing(t *testing.T) {
	m := machineAt(t, StatusCompleted)

	_, err := m.Apply("pending", t0)
	var serr *StateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, StatusCompleted, serr.Current)
	assert.Equal(t, "pending", serr.Attempted)
	assert.Equal(t, "T1", serr.TaskID)

	changed, err := m.Apply("completed", t0)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMachine_UnknownStatus(t *testing.T) {
	m := machineAt(t, StatusPending)

	_, err := m.Apply("bogus", t0)
	assert.ErrorIs(t, err, ErrUnknownStatus)
	assert.Equal(t, StatusPending, m.Status())
}

func TestMachine_FirstStatusMayBeAnywhere(t *testing.T) {
	m := NewMachine("T1")

	changed, err := m.Apply("tracking", t0)
	require.NoError(t, err)
	assert.True(t, changed)

	rec := m.Record()
	assert.Equal(t, 50, rec.ProgressPercent)
	require.Len(t, rec.History, 1)
	assert.Equal(t, Transition{Status: StatusTracking, At: t0}, rec.History[0])
}

func TestMachine_FullForwardPathHistory(t *testing.T) {
	m := NewMachine("T1")
	for i, st := range forward {
		_, err := m.Apply(string(st), t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	rec := m.Record()
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.ProgressPercent)
	require.Len(t, rec.History, len(forward))
	for i := 1; i < len(rec.History); i++ {
		assert.True(t, rec.History[i].At.After(rec.History[i-1].At))
	}
}

func TestMachine_ReconcileAllowsForwardJump(t *testing.T) {
	m := machineAt(t, StatusRecognizing)

	changed, err := m.Reconcile("generating", t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusGenerating, m.Status())

	_, err = m.Reconcile("tracking", t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusGenerating, m.Status())
}

func TestMachine_RecordIsACopy(t *testing.T) {
	m := machineAt(t, StatusPending)

	rec := m.Record()
	rec.History[0].Status = StatusFailed
	rec.Status = StatusFailed

	assert.Equal(t, StatusPending, m.Status())
	assert.Equal(t, StatusPending, m.Record().History[0].Status)
}

func TestStatus_Tables(t *testing.T) {
	tests := []struct {
		status     Status
		progress   int
		step       int
		terminal   bool
		processing bool
	}{
		{StatusPending, 10, 0, false, true},
		{StatusRecognizing, 25, 1, false, true},
		{StatusTracking, 50, 2, false, true},
		{StatusDelivered, 75, 3, false, false},
		{StatusGenerating, 90, 4, false, true},
		{StatusCompleted, 100, 5, true, false},
		{StatusFailed, 0, -1, true, false},
		{StatusReturned, 100, 3, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.True(t, tt.status.Valid())
			assert.Equal(t, tt.progress, tt.status.Progress())
			assert.Equal(t, tt.step, tt.status.StepIndex())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.processing, tt.status.IsProcessing())
			assert.NotEmpty(t, tt.status.Label())
		})
	}

	assert.False(t, StatusUnknown.Valid())
	assert.Equal(t, "unknown", StatusUnknown.String())
}
