/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/models"
	"github.com/saltline/startline/internal/timeline"
)

// CreateScheduleInput configures a new start schedule.
type CreateScheduleInput struct {
	RegattaID            string
	Name                 string
	ScheduledDate        time.Time
	SequenceType         string
	StartIntervalMinutes int
	FirstWarningTime     time.Time

	// Offsets for SequenceType "custom", in minutes before the gun.
	CustomWarningMinutes   int
	CustomPrepMinutes      int
	CustomOneMinuteMinutes int
}

// FleetInput describes one fleet to append to the start order.
type FleetInput struct {
	FleetName             string
	ClassFlag             string
	RaceNumber            int
	CustomIntervalMinutes int
}

// CreateSchedule creates a schedule in draft.
func (s *Service) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*models.StartSchedule, error) {
	sched := &models.StartSchedule{
		ID:                     uuid.NewString(),
		RegattaID:              in.RegattaID,
		Name:                   in.Name,
		ScheduledDate:          in.ScheduledDate,
		SequenceType:           in.SequenceType,
		StartIntervalMinutes:   in.StartIntervalMinutes,
		CustomWarningMinutes:   in.CustomWarningMinutes,
		CustomPrepMinutes:      in.CustomPrepMinutes,
		CustomOneMinuteMinutes: in.CustomOneMinuteMinutes,
		FirstWarningTime:       in.FirstWarningTime,
		Status:                 models.ScheduleDraft,
	}

	profile, err := s.profileFor(sched)
	if err != nil {
		return nil, err
	}
	if in.StartIntervalMinutes > 0 && time.Duration(in.StartIntervalMinutes)*time.Minute < profile.Length() {
		return nil, fmt.Errorf("%w: default interval %dm vs %s sequence", ErrInvalidInterval, in.StartIntervalMinutes, profile.Name)
	}

	if err := s.db.WithContext(ctx).Create(sched).Error; err != nil {
		return nil, err
	}

	s.logger.Info().Str("schedule_id", sched.ID).Str("sequence", sched.SequenceType).Msg("schedule created")
	s.bus.Publish(events.EventScheduleCreated, s.entryEvent(sched, nil, s.clk.Now(), map[string]any{
		"name":          sched.Name,
		"sequence_type": sched.SequenceType,
	}))
	return sched, nil
}

// AddFleets appends fleets to the end of the start order. Draft only.
func (s *Service) AddFleets(ctx context.Context, scheduleID string, fleets []FleetInput) (*models.StartSchedule, error) {
	return s.mutate(ctx, scheduleID, "add_fleets", func(sched *models.StartSchedule) ([]pendingEvent, error) {
		if sched.Status != models.ScheduleDraft {
			return nil, fmt.Errorf("%w: fleets can only be added in draft", ErrScheduleNotReady)
		}
		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}

		now := s.clk.Now()
		added := make([]string, 0, len(fleets))
		for _, f := range fleets {
			if f.CustomIntervalMinutes > 0 && time.Duration(f.CustomIntervalMinutes)*time.Minute < profile.Length() {
				return nil, fmt.Errorf("%w: fleet %s interval %dm vs %s sequence", ErrInvalidInterval, f.FleetName, f.CustomIntervalMinutes, profile.Name)
			}
			entry := models.FleetStartEntry{
				ID:                    uuid.NewString(),
				ScheduleID:            sched.ID,
				FleetName:             f.FleetName,
				ClassFlag:             f.ClassFlag,
				RaceNumber:            f.RaceNumber,
				StartOrder:            len(sched.Entries),
				Status:                models.EntryPending,
				CustomIntervalMinutes: f.CustomIntervalMinutes,
			}
			sched.Entries = append(sched.Entries, entry)
			added = append(added, entry.ID)
		}
		reindex(sched)
		timeline.Recompute(sched.Entries, sched.FirstWarningTime, profile, s.defaultInterval(sched))

		return []pendingEvent{{events.EventFleetsAdded, s.entryEvent(sched, nil, now, map[string]any{
			"entry_ids": added,
			"count":     len(added),
		})}}, nil
	})
}

// ReorderFleets rewrites the start order to match orderedIDs. Draft only;
// orderedIDs must be a permutation of the schedule's entries.
func (s *Service) ReorderFleets(ctx context.Context, scheduleID string, orderedIDs []string) (*models.StartSchedule, error) {
	return s.mutate(ctx, scheduleID, "reorder_fleets", func(sched *models.StartSchedule) ([]pendingEvent, error) {
		if sched.Status != models.ScheduleDraft {
			return nil, fmt.Errorf("%w: fleets can only be reordered in draft", ErrScheduleNotReady)
		}
		if len(orderedIDs) != len(sched.Entries) {
			return nil, fmt.Errorf("%w: got %d ids, schedule has %d entries", ErrDuplicateStartOrder, len(orderedIDs), len(sched.Entries))
		}

		byID := make(map[string]*models.FleetStartEntry, len(sched.Entries))
		for i := range sched.Entries {
			byID[sched.Entries[i].ID] = &sched.Entries[i]
		}

		reordered := make([]models.FleetStartEntry, 0, len(orderedIDs))
		seen := make(map[string]struct{}, len(orderedIDs))
		for _, id := range orderedIDs {
			if _, dup := seen[id]; dup {
				return nil, fmt.Errorf("%w: entry %s listed twice", ErrDuplicateStartOrder, id)
			}
			seen[id] = struct{}{}
			entry, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
			}
			reordered = append(reordered, *entry)
		}

		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}
		sched.Entries = reordered
		reindex(sched)
		timeline.Recompute(sched.Entries, sched.FirstWarningTime, profile, s.defaultInterval(sched))

		return []pendingEvent{{events.EventFleetsReordered, s.entryEvent(sched, nil, s.clk.Now(), map[string]any{
			"order": orderedIDs,
		})}}, nil
	})
}

// MarkReady freezes the configuration and computes the initial timeline.
func (s *Service) MarkReady(ctx context.Context, scheduleID string) (*models.StartSchedule, error) {
	return s.mutate(ctx, scheduleID, "mark_ready", func(sched *models.StartSchedule) ([]pendingEvent, error) {
		if sched.Status != models.ScheduleDraft {
			return nil, fmt.Errorf("%w: mark_ready not allowed while %s", ErrInvalidTransition, sched.Status)
		}
		if len(sched.Entries) == 0 {
			return nil, fmt.Errorf("%w: schedule has no fleets", ErrInvalidTransition)
		}
		if sched.FirstWarningTime.IsZero() {
			return nil, fmt.Errorf("%w: first warning time not set", ErrInvalidTransition)
		}
		profile, err := s.profileFor(sched)
		if err != nil {
			return nil, err
		}
		if err := validateDenseOrder(sched); err != nil {
			return nil, err
		}

		timeline.Recompute(sched.Entries, sched.FirstWarningTime, profile, s.defaultInterval(sched))
		sched.Status = models.ScheduleReady

		return []pendingEvent{{events.EventScheduleReady, s.entryEvent(sched, nil, s.clk.Now(), map[string]any{
			"fleets": len(sched.Entries),
		})}}, nil
	})
}

// StartSequence activates the schedule and fires the first warning.
func (s *Service) StartSequence(ctx context.Context, scheduleID string) (*models.StartSchedule, error) {
	return s.mutate(ctx, scheduleID, "start_sequence", func(sched *models.StartSchedule) ([]pendingEvent, error) {
		if sched.Status != models.ScheduleReady {
			return nil, fmt.Errorf("%w: start_sequence not allowed while %s", ErrInvalidTransition, sched.Status)
		}
		first := firstPending(sched)
		if first == nil {
			return nil, fmt.Errorf("%w: no pending fleet to signal", ErrInvalidTransition)
		}

		now := s.clk.Now()
		sched.Status = models.ScheduleActive
		evts := []pendingEvent{{events.EventSequenceStarted, s.entryEvent(sched, nil, now, nil)}}
		evts = append(evts, s.applyWarning(sched, first, now))
		return evts, nil
	})
}

func firstPending(sched *models.StartSchedule) *models.FleetStartEntry {
	for i := range sched.Entries {
		if sched.Entries[i].Status == models.EntryPending {
			return &sched.Entries[i]
		}
	}
	return nil
}

func validateDenseOrder(sched *models.StartSchedule) error {
	sortEntries(sched)
	for i := range sched.Entries {
		if sched.Entries[i].StartOrder != i {
			return fmt.Errorf("%w: order %d held by %s", ErrDuplicateStartOrder, sched.Entries[i].StartOrder, sched.Entries[i].FleetName)
		}
	}
	return nil
}
