/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/models"
	"github.com/saltline/startline/internal/sequence"
	"github.com/saltline/startline/internal/telemetry"
	"github.com/saltline/startline/internal/timeline"
)

// entryCommand locates the entry's aggregate and applies fn to it.
func (s *Service) entryCommand(ctx context.Context, entryID, command string, fn func(*models.StartSchedule, *models.FleetStartEntry) ([]pendingEvent, error)) (*models.FleetStartEntry, error) {
	scheduleID, err := s.scheduleIDForEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	sched, err := s.mutate(ctx, scheduleID, command, func(sched *models.StartSchedule) ([]pendingEvent, error) {
		entry := sched.Entry(entryID)
		if entry == nil {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		return fn(sched, entry)
	})
	if err != nil {
		return nil, err
	}
	return sched.Entry(entryID), nil
}

// applyWarning records the warning signal on a pending entry.
func (s *Service) applyWarning(sched *models.StartSchedule, e *models.FleetStartEntry, now time.Time) pendingEvent {
	ts := now
	e.Status = models.EntryWarning
	e.ActualWarningTime = &ts
	s.logger.Info().Str("schedule_id", sched.ID).Str("fleet", e.FleetName).Time("at", ts).Msg("warning signal")
	return pendingEvent{events.EventWarningSignaled, s.entryEvent(sched, e, ts, nil)}
}

// SignalWarning raises the warning flag for a pending fleet.
func (s *Service) SignalWarning(ctx context.Context, entryID string) (*models.FleetStartEntry, error) {
	return s.entryCommand(ctx, entryID, "signal_warning", func(sched *models.StartSchedule, e *models.FleetStartEntry) ([]pendingEvent, error) {
		if sched.Status != models.ScheduleActive {
			return nil, fmt.Errorf("%w: schedule is %s", ErrInvalidTransition, sched.Status)
		}
		if e.Status != models.EntryPending {
			return nil, invalidTransition("signal_warning", e.Status)
		}
		if other := sched.SignalingEntry(); other != nil {
			return nil, fmt.Errorf("%w: fleet %s is already mid-sequence", ErrInvalidTransition, other.FleetName)
		}
		return []pendingEvent{s.applyWarning(sched, e, s.clk.Now())}, nil
	})
}

// SignalPreparatory raises the preparatory flag.
func (s *Service) SignalPreparatory(ctx context.Context, entryID string) (*models.FleetStartEntry, error) {
	return s.entryCommand(ctx, entryID, "signal_preparatory", func(sched *models.StartSchedule, e *models.FleetStartEntry) ([]pendingEvent, error) {
		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}
		if !profile.HasPrep() {
			return nil, fmt.Errorf("%w: sequence %s has no preparatory signal", ErrInvalidTransition, profile.Name)
		}
		if e.Status != models.EntryWarning {
			return nil, invalidTransition("signal_preparatory", e.Status)
		}
		ts := s.clk.Now()
		e.Status = models.EntryPreparatory
		e.ActualPrepTime = &ts
		return []pendingEvent{{events.EventPreparatorySignaled, s.entryEvent(sched, e, ts, nil)}}, nil
	})
}

// SignalOneMinute raises the one-minute signal.
func (s *Service) SignalOneMinute(ctx context.Context, entryID string) (*models.FleetStartEntry, error) {
	return s.entryCommand(ctx, entryID, "signal_one_minute", func(sched *models.StartSchedule, e *models.FleetStartEntry) ([]pendingEvent, error) {
		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}
		if !profile.HasOneMinute() {
			return nil, fmt.Errorf("%w: sequence %s has no one-minute signal", ErrInvalidTransition, profile.Name)
		}
		from := models.EntryPreparatory
		if !profile.HasPrep() {
			from = models.EntryWarning
		}
		if e.Status != from {
			return nil, invalidTransition("signal_one_minute", e.Status)
		}
		ts := s.clk.Now()
		e.Status = models.EntryOneMinute
		return []pendingEvent{{events.EventOneMinuteSignaled, s.entryEvent(sched, e, ts, nil)}}, nil
	})
}

// lastStageBefore returns the status an entry must hold for the start
// gun to be legal, depending on which signals the sequence includes.
func lastStageBefore(profile sequence.Profile) models.EntryStatus {
	switch {
	case profile.HasOneMinute():
		return models.EntryOneMinute
	case profile.HasPrep():
		return models.EntryPreparatory
	default:
		return models.EntryWarning
	}
}

// SignalStart fires the start gun, re-anchors the pending timeline at
// the recorded start, and auto-advances the next pending fleet when its
// warning falls on this gun.
func (s *Service) SignalStart(ctx context.Context, entryID string) (*models.FleetStartEntry, error) {
	return s.entryCommand(ctx, entryID, "signal_start", func(sched *models.StartSchedule, e *models.FleetStartEntry) ([]pendingEvent, error) {
		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}
		if e.Status != lastStageBefore(profile) {
			return nil, invalidTransition("signal_start", e.Status)
		}

		ts := s.clk.Now()
		e.Status = models.EntryStarted
		e.ActualStartTime = &ts
		s.logger.Info().Str("schedule_id", sched.ID).Str("fleet", e.FleetName).Time("at", ts).Msg("start gun")
		evts := []pendingEvent{{events.EventStartSignaled, s.entryEvent(sched, e, ts, nil)}}

		// The recorded start, not the planned one, becomes the reference
		// point for every fleet still waiting.
		gap := timeline.IntervalAfter(e, profile, s.defaultInterval(sched))
		anchor := ts.Add(gap - profile.WarningOffset)
		timeline.Recompute(sched.Entries, anchor, profile, s.defaultInterval(sched))

		if next := firstPending(sched); next != nil && next.PlannedWarningTime.Equal(ts) {
			evts = append(evts, s.applyWarning(sched, next, ts))
		}

		evts = append(evts, s.completeIfFinished(sched, ts)...)
		return evts, nil
	})
}

// GeneralRecall recalls a whole fleet mid-sequence: its signals are
// voided and it requeues behind the last pending fleet, every other
// fleet keeping its relative order.
func (s *Service) GeneralRecall(ctx context.Context, entryID, reason string) (*models.FleetStartEntry, error) {
	return s.entryCommand(ctx, entryID, "general_recall", func(sched *models.StartSchedule, e *models.FleetStartEntry) ([]pendingEvent, error) {
		if !e.Status.Signaling() {
			return nil, invalidTransition("general_recall", e.Status)
		}
		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}

		ts := s.clk.Now()
		anchor := e.PlannedWarningTime // the slot the recalled fleet vacates
		e.RecallCount++
		e.LastRecallAt = &ts
		if reason != "" {
			e.RecallNotes = reason
		}
		e.ClearActualTimes()
		e.Status = models.EntryPending

		requeue(sched, e.ID)
		timeline.Recompute(sched.Entries, anchor, profile, s.defaultInterval(sched))
		telemetry.GeneralRecallsTotal.Inc()

		recalled := sched.Entry(entryID)
		s.logger.Warn().Str("schedule_id", sched.ID).Str("fleet", recalled.FleetName).Int("recall_count", recalled.RecallCount).Msg("general recall")
		return []pendingEvent{{events.EventGeneralRecall, s.entryEvent(sched, recalled, ts, map[string]any{
			"reason":       reason,
			"recall_count": recalled.RecallCount,
		})}}, nil
	})
}

// requeue moves the entry behind the last pending fleet and compacts
// the start order.
func requeue(sched *models.StartSchedule, entryID string) {
	idx := -1
	for i := range sched.Entries {
		if sched.Entries[i].ID == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	moved := sched.Entries[idx]
	rest := append(sched.Entries[:idx:idx], sched.Entries[idx+1:]...)

	// Insert behind the last pending fleet; with none left, go to the end.
	insert := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Status == models.EntryPending {
			insert = i + 1
			break
		}
	}

	entries := make([]models.FleetStartEntry, 0, len(rest)+1)
	entries = append(entries, rest[:insert]...)
	entries = append(entries, moved)
	entries = append(entries, rest[insert:]...)
	sched.Entries = entries
	reindex(sched)
}

// IndividualRecall records OCS boats against a started fleet without
// disturbing the sequence.
func (s *Service) IndividualRecall(ctx context.Context, entryID string, boatIDs []string) (*models.FleetStartEntry, error) {
	return s.entryCommand(ctx, entryID, "individual_recall", func(sched *models.StartSchedule, e *models.FleetStartEntry) ([]pendingEvent, error) {
		if e.Status != models.EntryStarted {
			return nil, invalidTransition("individual_recall", e.Status)
		}
		seen := make(map[string]struct{}, len(e.OCSBoats))
		for _, id := range e.OCSBoats {
			seen[id] = struct{}{}
		}
		for _, id := range boatIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			e.OCSBoats = append(e.OCSBoats, id)
		}
		ts := s.clk.Now()
		return []pendingEvent{{events.EventIndividualRecall, s.entryEvent(sched, e, ts, map[string]any{
			"ocs_boats": boatIDs,
		})}}, nil
	})
}

// Postpone takes a fleet out of the running; downstream fleets close up
// into its slot.
func (s *Service) Postpone(ctx context.Context, entryID, reason string) (*models.FleetStartEntry, error) {
	return s.entryCommand(ctx, entryID, "postpone", func(sched *models.StartSchedule, e *models.FleetStartEntry) ([]pendingEvent, error) {
		switch e.Status {
		case models.EntryPending, models.EntryWarning, models.EntryPreparatory:
		default:
			return nil, invalidTransition("postpone", e.Status)
		}
		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}

		ts := s.clk.Now()
		anchor := pendingAnchor(sched)
		if e.Status.Signaling() {
			anchor = e.PlannedWarningTime
		}
		e.ClearActualTimes()
		e.Status = models.EntryPostponed
		e.StatusNotes = reason

		timeline.Recompute(sched.Entries, anchor, profile, s.defaultInterval(sched))
		evts := []pendingEvent{{events.EventPostponed, s.entryEvent(sched, e, ts, map[string]any{
			"reason": reason,
		})}}
		evts = append(evts, s.completeIfFinished(sched, ts)...)
		return evts, nil
	})
}

// Resume puts a postponed fleet back in play at a caller-supplied
// warning time; the whole downstream timeline shifts by the same delta.
func (s *Service) Resume(ctx context.Context, entryID string, newWarningTime time.Time) (*models.FleetStartEntry, error) {
	return s.entryCommand(ctx, entryID, "resume", func(sched *models.StartSchedule, e *models.FleetStartEntry) ([]pendingEvent, error) {
		if e.Status != models.EntryPostponed {
			return nil, invalidTransition("resume", e.Status)
		}
		if sched.Status == models.ScheduleCompleted {
			return nil, fmt.Errorf("%w: schedule is completed", ErrInvalidTransition)
		}
		if newWarningTime.IsZero() {
			return nil, fmt.Errorf("%w: resume requires a new warning time", ErrInvalidTransition)
		}

		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}

		ts := s.clk.Now()
		e.Status = models.EntryPending
		e.StatusNotes = ""

		// The caller's time anchors the timeline from the resumed fleet's
		// slot. When fleets are still queued ahead of it the existing
		// anchor wins and the resumed fleet re-chains behind them.
		anchor := newWarningTime
		if first := firstPending(sched); first != nil && first.ID != e.ID {
			anchor = first.PlannedWarningTime
		} else if sched.Status != models.ScheduleActive {
			sched.FirstWarningTime = newWarningTime
		}
		timeline.Recompute(sched.Entries, anchor, profile, s.defaultInterval(sched))

		return []pendingEvent{{events.EventResumed, s.entryEvent(sched, e, ts, map[string]any{
			"new_warning_time": newWarningTime,
		})}}, nil
	})
}

// Abandon terminally withdraws a fleet from the schedule.
func (s *Service) Abandon(ctx context.Context, entryID, reason string) (*models.FleetStartEntry, error) {
	return s.entryCommand(ctx, entryID, "abandon", func(sched *models.StartSchedule, e *models.FleetStartEntry) ([]pendingEvent, error) {
		if e.Status.Terminal() {
			return nil, invalidTransition("abandon", e.Status)
		}
		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}

		ts := s.clk.Now()
		anchor := pendingAnchor(sched)
		if e.Status.Signaling() {
			anchor = e.PlannedWarningTime
		}
		e.Status = models.EntryAbandoned
		e.StatusNotes = reason

		timeline.Recompute(sched.Entries, anchor, profile, s.defaultInterval(sched))
		evts := []pendingEvent{{events.EventAbandoned, s.entryEvent(sched, e, ts, map[string]any{
			"reason": reason,
		})}}
		evts = append(evts, s.completeIfFinished(sched, ts)...)
		return evts, nil
	})
}

// completeIfFinished closes an active schedule once no fleet can still
// progress toward a start.
func (s *Service) completeIfFinished(sched *models.StartSchedule, ts time.Time) []pendingEvent {
	if sched.Status != models.ScheduleActive || !sched.Finished() {
		return nil
	}
	sched.Status = models.ScheduleCompleted
	s.logger.Info().Str("schedule_id", sched.ID).Msg("start schedule completed")
	return []pendingEvent{{events.EventScheduleCompleted, s.entryEvent(sched, nil, ts, nil)}}
}
