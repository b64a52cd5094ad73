/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import "errors"

// Command errors. All are synchronous and non-retryable by the scheduler
// itself except ErrPersistenceConflict, which gets one automatic
// reload-and-reapply before being surfaced to the caller.
var (
	// ErrInvalidTransition means the command is illegal for the entry's
	// current status. The aggregate is left untouched.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrScheduleNotReady means a structural mutation was attempted
	// after the schedule left draft.
	ErrScheduleNotReady = errors.New("schedule structure is frozen")

	// ErrScheduleBusy means another command on the same schedule is in
	// flight. Commands on one aggregate never interleave.
	ErrScheduleBusy = errors.New("schedule busy")

	// ErrDuplicateStartOrder means a reorder would not produce a dense,
	// unique start order.
	ErrDuplicateStartOrder = errors.New("duplicate start order")

	// ErrInvalidInterval means a custom start interval is shorter than
	// the sequence itself.
	ErrInvalidInterval = errors.New("interval shorter than start sequence")

	// ErrScheduleNotFound and ErrEntryNotFound report unknown ids.
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrEntryNotFound    = errors.New("entry not found")

	// ErrPersistenceConflict means the aggregate changed under us
	// (another instance won the write). Callers may retry.
	ErrPersistenceConflict = errors.New("schedule was modified concurrently")
)
