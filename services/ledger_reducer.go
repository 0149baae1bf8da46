package services

import (
	"errors"
	"fmt"
	"time"

	"bulk-order-service/models"
)

var (
	ErrRowAlreadyRecorded = errors.New("row already has a terminal outcome")
	ErrInvalidTransition  = errors.New("invalid operation state transition")
	ErrRollbackInFlight   = errors.New("rollback already in progress")
	ErrRollbackIneligible = errors.New("operation is not eligible for rollback")
)

// RowState is the ledger's view of one submitted row.
type RowState struct {
	Success  bool
	Outcome  models.ItemOutcome
	Reversed bool
}

// OperationState is the in-memory projection of an operation the reducer works on.
type OperationState struct {
	Status          string
	TotalRows       int
	Deadline        time.Time
	RollbackStarted bool
	Rows            map[int]RowState
}

// Command is one of RecordProgress, Finalize, BeginRollback, RecordReversal, CompleteRollback.
type Command interface{ isCommand() }

type RecordProgress struct {
	Row     int
	Success bool
	Outcome models.ItemOutcome
}

// Finalize derives the terminal status from the recorded rows. Fault forces failed.
type Finalize struct{ Fault bool }

type BeginRollback struct{ At time.Time }

type RecordReversal struct {
	Row int
	OK  bool
}

type CompleteRollback struct{}

func (RecordProgress) isCommand()   {}
func (Finalize) isCommand()         {}
func (BeginRollback) isCommand()    {}
func (RecordReversal) isCommand()   {}
func (CompleteRollback) isCommand() {}

// NewOperationState is the state of a freshly created operation.
func NewOperationState(totalRows int, deadline time.Time) OperationState {
	return OperationState{
		Status:    models.OperationProcessing,
		TotalRows: totalRows,
		Deadline:  deadline,
		Rows:      make(map[int]RowState, totalRows),
	}
}

// StateFromRecord projects a persisted operation and its progress log.
func StateFromRecord(op *models.Operation, entries []models.ProgressEntry) OperationState {
	s := OperationState{
		Status:          op.Status,
		TotalRows:       op.TotalItems,
		Deadline:        op.RollbackDeadline,
		RollbackStarted: op.RollbackStartedAt != nil && (op.Status == models.OperationCompleted || op.Status == models.OperationPartial),
		Rows:            make(map[int]RowState, len(entries)),
	}
	for _, e := range entries {
		s.Rows[e.RowIndex] = RowState{Success: e.Success, Outcome: models.ItemOutcome(e.Outcome), Reversed: e.Reversed}
	}
	return s
}

func (s OperationState) clone() OperationState {
	rows := make(map[int]RowState, len(s.Rows))
	for k, v := range s.Rows {
		rows[k] = v
	}
	s.Rows = rows
	return s
}

// ReduceOperation applies cmd to state and returns the new state. state is never modified.
func ReduceOperation(state OperationState, cmd Command) (OperationState, error) {
	switch c := cmd.(type) {
	case RecordProgress, Finalize:
		return reduceProgress(state, c)
	case BeginRollback, RecordReversal, CompleteRollback:
		return reduceRollback(state, c)
	default:
		return state, fmt.Errorf("%w: unknown command %T", ErrInvalidTransition, cmd)
	}
}

func reduceProgress(state OperationState, cmd Command) (OperationState, error) {
	if state.Status != models.OperationProcessing {
		return state, fmt.Errorf("%w: operation is %s", ErrInvalidTransition, state.Status)
	}

	switch c := cmd.(type) {
	case RecordProgress:
		if _, done := state.Rows[c.Row]; done {
			return state, fmt.Errorf("%w: row %d", ErrRowAlreadyRecorded, c.Row)
		}
		next := state.clone()
		next.Rows[c.Row] = RowState{Success: c.Success, Outcome: c.Outcome}
		return next, nil

	case Finalize:
		next := state.clone()
		next.Status = terminalStatus(state, c.Fault)
		return next, nil
	}
	return state, fmt.Errorf("%w: %T", ErrInvalidTransition, cmd)
}

func terminalStatus(state OperationState, fault bool) string {
	if fault {
		return models.OperationFailed
	}
	succeeded := 0
	for _, r := range state.Rows {
		if r.Success {
			succeeded++
		}
	}
	switch {
	case succeeded == 0:
		return models.OperationFailed
	case succeeded == len(state.Rows) && len(state.Rows) >= state.TotalRows:
		return models.OperationCompleted
	default:
		return models.OperationPartial
	}
}

func reduceRollback(state OperationState, cmd Command) (OperationState, error) {
	switch c := cmd.(type) {
	case BeginRollback:
		if state.RollbackStarted {
			return state, ErrRollbackInFlight
		}
		if e := Eligibility(state, c.At); !e.Eligible {
			return state, fmt.Errorf("%w: %s", ErrRollbackIneligible, e.Reason)
		}
		next := state.clone()
		next.RollbackStarted = true
		return next, nil

	case RecordReversal:
		if !state.RollbackStarted {
			return state, fmt.Errorf("%w: no rollback in progress", ErrInvalidTransition)
		}
		row, ok := state.Rows[c.Row]
		if !ok || !row.Success {
			return state, fmt.Errorf("%w: row %d has nothing to reverse", ErrInvalidTransition, c.Row)
		}
		if row.Reversed {
			return state, fmt.Errorf("%w: row %d already reversed", ErrInvalidTransition, c.Row)
		}
		if !c.OK {
			return state, nil
		}
		next := state.clone()
		row.Reversed = true
		next.Rows[c.Row] = row
		return next, nil

	case CompleteRollback:
		if !state.RollbackStarted {
			return state, fmt.Errorf("%w: no rollback in progress", ErrInvalidTransition)
		}
		next := state.clone()
		next.RollbackStarted = false
		next.Status = models.OperationRolledBack
		for _, r := range next.Rows {
			if r.Success && !r.Reversed {
				next.Status = models.OperationPartial
				break
			}
		}
		return next, nil
	}
	return state, fmt.Errorf("%w: %T", ErrInvalidTransition, cmd)
}

// PendingReversals lists the rows a rollback still has to reverse.
func (s OperationState) PendingReversals() []int {
	var rows []int
	for idx, r := range s.Rows {
		if r.Success && !r.Reversed {
			rows = append(rows, idx)
		}
	}
	return rows
}

// Eligibility answers whether state may be rolled back at now.
func Eligibility(state OperationState, now time.Time) models.RollbackEligibility {
	e := models.RollbackEligibility{Deadline: state.Deadline, Status: state.Status}
	switch {
	case state.Status == models.OperationRolledBack:
		e.Reason = "operation has already been rolled back"
	case state.Status == models.OperationProcessing:
		e.Reason = "operation is still processing"
	case state.Status == models.OperationFailed:
		e.Reason = "operation failed; nothing to roll back"
	case state.Status != models.OperationCompleted && state.Status != models.OperationPartial:
		e.Reason = fmt.Sprintf("operation status %q cannot be rolled back", state.Status)
	case !now.Before(state.Deadline):
		e.Reason = "rollback window has expired"
	case state.RollbackStarted:
		e.Reason = "rollback already in progress"
	case len(state.PendingReversals()) == 0:
		e.Reason = "no items left to reverse"
	default:
		e.Eligible = true
	}
	return e
}
