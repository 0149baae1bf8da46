package services

import (
	"testing"
	"time"

	"bulk-order-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, s OperationState, cmds ...Command) OperationState {
	t.Helper()
	for _, c := range cmds {
		var err error
		s, err = ReduceOperation(s, c)
		require.NoError(t, err, "%T", c)
	}
	return s
}

func added(row int) RecordProgress {
	return RecordProgress{Row: row, Success: true, Outcome: models.OutcomeAdded}
}

func unavailable(row int) RecordProgress {
	return RecordProgress{Row: row, Outcome: models.OutcomeUnavailable}
}

func TestReduce_TerminalStatus(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	tests := []struct {
		name  string
		total int
		cmds  []Command
		want  string
	}{
		{"all added", 2, []Command{added(1), added(2), Finalize{}}, models.OperationCompleted},
		{"mixed", 2, []Command{added(1), unavailable(2), Finalize{}}, models.OperationPartial},
		{"none added", 2, []Command{unavailable(1), unavailable(2), Finalize{}}, models.OperationFailed},
		{"rows never reported", 3, []Command{added(1), added(2), Finalize{}}, models.OperationPartial},
		{"fault", 2, []Command{added(1), added(2), Finalize{Fault: true}}, models.OperationFailed},
		{"no rows", 2, []Command{Finalize{}}, models.OperationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := apply(t, NewOperationState(tt.total, deadline), tt.cmds...)
			assert.Equal(t, tt.want, s.Status)
		})
	}
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	s0 := NewOperationState(2, time.Now().Add(time.Hour))
	s1, err := ReduceOperation(s0, added(1))
	require.NoError(t, err)
	assert.Empty(t, s0.Rows)
	assert.Len(t, s1.Rows, 1)
}

func TestReduce_RowRecordedOnce(t *testing.T) {
	s := apply(t, NewOperationState(2, time.Now().Add(time.Hour)), added(1))
	_, err := ReduceOperation(s, unavailable(1))
	assert.ErrorIs(t, err, ErrRowAlreadyRecorded)
}

func TestReduce_NoProgressAfterFinalize(t *testing.T) {
	s := apply(t, NewOperationState(2, time.Now().Add(time.Hour)), added(1), Finalize{})
	_, err := ReduceOperation(s, added(2))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = ReduceOperation(s, Finalize{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReduce_FullRollback(t *testing.T) {
	now := time.Now()
	s := apply(t, NewOperationState(3, now.Add(time.Hour)), added(1), unavailable(2), added(3), Finalize{})
	require.Equal(t, models.OperationPartial, s.Status)
	assert.ElementsMatch(t, []int{1, 3}, s.PendingReversals())

	s = apply(t, s,
		BeginRollback{At: now},
		RecordReversal{Row: 1, OK: true},
		RecordReversal{Row: 3, OK: true},
		CompleteRollback{},
	)
	assert.Equal(t, models.OperationRolledBack, s.Status)
	assert.False(t, s.RollbackStarted)
	assert.Empty(t, s.PendingReversals())
}

func TestReduce_PartialRollbackCanBeRetried(t *testing.T) {
	now := time.Now()
	s := apply(t, NewOperationState(2, now.Add(time.Hour)), added(1), added(2), Finalize{})
	s = apply(t, s,
		BeginRollback{At: now},
		RecordReversal{Row: 1, OK: true},
		RecordReversal{Row: 2, OK: false},
		CompleteRollback{},
	)
	assert.Equal(t, models.OperationPartial, s.Status)
	assert.Equal(t, []int{2}, s.PendingReversals())

	s = apply(t, s, BeginRollback{At: now}, RecordReversal{Row: 2, OK: true}, CompleteRollback{})
	assert.Equal(t, models.OperationRolledBack, s.Status)
}

func TestReduce_RowNeverReversedTwice(t *testing.T) {
	now := time.Now()
	s := apply(t, NewOperationState(1, now.Add(time.Hour)), added(1), Finalize{}, BeginRollback{At: now}, RecordReversal{Row: 1, OK: true})
	_, err := ReduceOperation(s, RecordReversal{Row: 1, OK: true})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReduce_ReversalOfUnsuccessfulRow(t *testing.T) {
	now := time.Now()
	s := apply(t, NewOperationState(2, now.Add(time.Hour)), added(1), unavailable(2), Finalize{}, BeginRollback{At: now})
	_, err := ReduceOperation(s, RecordReversal{Row: 2, OK: true})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReduce_SecondBeginRollbackIsRejected(t *testing.T) {
	now := time.Now()
	s := apply(t, NewOperationState(1, now.Add(time.Hour)), added(1), Finalize{}, BeginRollback{At: now})
	_, err := ReduceOperation(s, BeginRollback{At: now})
	assert.ErrorIs(t, err, ErrRollbackInFlight)
}

func TestReduce_RollbackCommandsNeedBegin(t *testing.T) {
	s := apply(t, NewOperationState(1, time.Now().Add(time.Hour)), added(1), Finalize{})
	_, err := ReduceOperation(s, RecordReversal{Row: 1, OK: true})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = ReduceOperation(s, CompleteRollback{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEligibility(t *testing.T) {
	now := time.Now()
	done := func(deadline time.Time, cmds ...Command) OperationState {
		return apply(t, NewOperationState(2, deadline), append([]Command{added(1), added(2), Finalize{}}, cmds...)...)
	}

	tests := []struct {
		name     string
		state    OperationState
		at       time.Time
		eligible bool
		reason   string
	}{
		{"completed within window", done(now.Add(time.Hour)), now, true, ""},
		{"just before deadline", done(now.Add(time.Hour)), now.Add(time.Hour - time.Nanosecond), true, ""},
		{"at deadline", done(now.Add(time.Hour)), now.Add(time.Hour), false, "rollback window has expired"},
		{"after deadline", done(now.Add(time.Hour)), now.Add(25 * time.Hour), false, "rollback window has expired"},
		{"still processing", NewOperationState(2, now.Add(time.Hour)), now, false, "operation is still processing"},
		{"failed", apply(t, NewOperationState(1, now.Add(time.Hour)), unavailable(1), Finalize{}), now, false, "operation failed; nothing to roll back"},
		{"rolled back", done(now.Add(time.Hour), BeginRollback{At: now}, RecordReversal{Row: 1, OK: true}, RecordReversal{Row: 2, OK: true}, CompleteRollback{}), now, false, "operation has already been rolled back"},
		{"in flight", done(now.Add(time.Hour), BeginRollback{At: now}), now, false, "rollback already in progress"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Eligibility(tt.state, tt.at)
			assert.Equal(t, tt.eligible, e.Eligible)
			assert.Equal(t, tt.reason, e.Reason)
			assert.Equal(t, tt.state.Status, e.Status)
		})
	}
}

func TestBeginRollback_AfterDeadline(t *testing.T) {
	now := time.Now()
	s := apply(t, NewOperationState(1, now.Add(-time.Minute)), added(1), Finalize{})
	_, err := ReduceOperation(s, BeginRollback{At: now})
	assert.ErrorIs(t, err, ErrRollbackIneligible)
}

func TestStateFromRecord(t *testing.T) {
	started := time.Now()
	op := &models.Operation{
		Status:            models.OperationPartial,
		TotalItems:        2,
		RollbackDeadline:  started.Add(time.Hour),
		RollbackStartedAt: &started,
	}
	entries := []models.ProgressEntry{
		{RowIndex: 1, Success: true, Outcome: string(models.OutcomeAdded), Reversed: true},
		{RowIndex: 2, Success: true, Outcome: string(models.OutcomeAdded)},
	}
	s := StateFromRecord(op, entries)
	assert.True(t, s.RollbackStarted)
	assert.Equal(t, []int{2}, s.PendingReversals())

	op.Status = models.OperationRolledBack
	assert.False(t, StateFromRecord(op, entries).RollbackStarted)
}
