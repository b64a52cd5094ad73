/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler is the start sequence state machine. It owns every
// mutation of a StartSchedule aggregate: officer commands are validated
// against the transition table, the pending timeline is recomputed, the
// aggregate is persisted in one transaction, and one event is emitted
// per externally observable change.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/saltline/startline/internal/cache"
	"github.com/saltline/startline/internal/clock"
	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/models"
	"github.com/saltline/startline/internal/sequence"
	"github.com/saltline/startline/internal/telemetry"
)

// Service orchestrates rolling multi-class starts.
type Service struct {
	db       *gorm.DB
	profiles *sequence.Registry
	bus      *events.Bus
	cache    *cache.Cache
	clk      clock.Clock
	logger   zerolog.Logger

	// One mutex per schedule: commands against the same aggregate are
	// serialized, different regattas run fully in parallel.
	locks sync.Map
}

// New constructs the scheduler service.
func New(db *gorm.DB, profiles *sequence.Registry, bus *events.Bus, clk clock.Clock, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		db:       db,
		profiles: profiles,
		bus:      bus,
		clk:      clk,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// SetCache sets the snapshot cache for the read path.
func (s *Service) SetCache(c *cache.Cache) {
	s.cache = c
}

// pendingEvent is an event held back until the transaction commits.
type pendingEvent struct {
	typ     events.EventType
	payload events.Payload
}

func (s *Service) lockFor(scheduleID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(scheduleID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// mutate runs fn under the schedule's writer lock against a freshly
// loaded aggregate and persists the result atomically. On an optimistic
// concurrency conflict the command is reapplied once against the
// reloaded aggregate before the conflict is surfaced.
func (s *Service) mutate(ctx context.Context, scheduleID, command string, fn func(*models.StartSchedule) ([]pendingEvent, error)) (*models.StartSchedule, error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", command)
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{"schedule_id": scheduleID})

	started := time.Now()
	sched, err := s.mutateLocked(ctx, scheduleID, fn)
	telemetry.CommandDuration.WithLabelValues(command).Observe(time.Since(started).Seconds())
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.CommandsTotal.WithLabelValues(command, "error").Inc()
		if errors.Is(err, ErrInvalidTransition) {
			telemetry.InvalidTransitionsTotal.WithLabelValues(command).Inc()
		}
		return nil, err
	}
	telemetry.CommandsTotal.WithLabelValues(command, "ok").Inc()
	return sched, nil
}

func (s *Service) mutateLocked(ctx context.Context, scheduleID string, fn func(*models.StartSchedule) ([]pendingEvent, error)) (*models.StartSchedule, error) {
	mu := s.lockFor(scheduleID)
	if !mu.TryLock() {
		return nil, ErrScheduleBusy
	}
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sched, err := s.loadSchedule(ctx, scheduleID)
		if err != nil {
			return nil, err
		}

		prevStatus := sched.Status
		evts, err := fn(sched)
		if err != nil {
			return nil, err
		}

		if err := s.persist(ctx, sched); err != nil {
			if errors.Is(err, ErrPersistenceConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		s.trackActive(prevStatus, sched.Status)
		s.invalidate(ctx, scheduleID)
		for _, evt := range evts {
			s.bus.Publish(evt.typ, evt.payload)
		}
		return sched, nil
	}
	return nil, lastErr
}

// trackActive keeps the active-schedule gauge in step with committed
// status transitions.
func (s *Service) trackActive(before, after models.ScheduleStatus) {
	if before == after {
		return
	}
	if after == models.ScheduleActive {
		telemetry.ActiveSchedules.Inc()
	}
	if before == models.ScheduleActive {
		telemetry.ActiveSchedules.Dec()
	}
}

func (s *Service) loadSchedule(ctx context.Context, scheduleID string) (*models.StartSchedule, error) {
	var sched models.StartSchedule
	err := s.db.WithContext(ctx).
		Preload("Entries", func(db *gorm.DB) *gorm.DB {
			return db.Order("start_order ASC")
		}).
		First(&sched, "id = ?", scheduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// persist writes the schedule and its entries in one transaction,
// guarded by the schedule's version column.
func (s *Service) persist(ctx context.Context, sched *models.StartSchedule) error {
	prevVersion := sched.Version
	sched.Version++
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.StartSchedule{}).
			Where("id = ? AND version = ?", sched.ID, prevVersion).
			Updates(map[string]any{
				"name":                      sched.Name,
				"scheduled_date":            sched.ScheduledDate,
				"sequence_type":             sched.SequenceType,
				"start_interval_minutes":    sched.StartIntervalMinutes,
				"custom_warning_minutes":    sched.CustomWarningMinutes,
				"custom_prep_minutes":       sched.CustomPrepMinutes,
				"custom_one_minute_minutes": sched.CustomOneMinuteMinutes,
				"first_warning_time":        sched.FirstWarningTime,
				"status":                    sched.Status,
				"version":                   sched.Version,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrPersistenceConflict
		}
		for i := range sched.Entries {
			if err := tx.Save(&sched.Entries[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		sched.Version = prevVersion
	}
	return err
}

func (s *Service) invalidate(ctx context.Context, scheduleID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateSchedule(ctx, scheduleID); err != nil {
		s.logger.Debug().Err(err).Str("schedule_id", scheduleID).Msg("cache invalidation failed")
	}
}

// scheduleIDForEntry resolves which aggregate an entry command targets.
func (s *Service) scheduleIDForEntry(ctx context.Context, entryID string) (string, error) {
	var entry models.FleetStartEntry
	err := s.db.WithContext(ctx).Select("schedule_id").First(&entry, "id = ?", entryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrEntryNotFound
	}
	if err != nil {
		return "", err
	}
	return entry.ScheduleID, nil
}

// profileFor resolves the schedule's sequence profile.
func (s *Service) profileFor(sched *models.StartSchedule) (sequence.Profile, error) {
	if sched.SequenceType == "custom" {
		p := sequence.Profile{
			Name:            "custom",
			WarningOffset:   time.Duration(sched.CustomWarningMinutes) * time.Minute,
			PrepOffset:      time.Duration(sched.CustomPrepMinutes) * time.Minute,
			OneMinuteOffset: time.Duration(sched.CustomOneMinuteMinutes) * time.Minute,
		}
		if err := p.Validate(); err != nil {
			return sequence.Profile{}, err
		}
		return p, nil
	}
	return s.profiles.Get(sched.SequenceType)
}

func (s *Service) defaultInterval(sched *models.StartSchedule) time.Duration {
	return time.Duration(sched.StartIntervalMinutes) * time.Minute
}

// GetSchedule returns the schedule with entries in start order. Reads go
// through the snapshot cache when one is configured.
func (s *Service) GetSchedule(ctx context.Context, scheduleID string) (*models.StartSchedule, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetSchedule(ctx, scheduleID); ok {
			return cached, nil
		}
	}
	sched, err := s.loadSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetSchedule(ctx, sched); err != nil {
			s.logger.Debug().Err(err).Str("schedule_id", scheduleID).Msg("failed to cache schedule")
		}
	}
	return sched, nil
}

// ListSchedules returns schedules for a regatta ordered by date.
func (s *Service) ListSchedules(ctx context.Context, regattaID string) ([]models.StartSchedule, error) {
	var scheds []models.StartSchedule
	q := s.db.WithContext(ctx).Order("scheduled_date ASC, created_at ASC")
	if regattaID != "" {
		q = q.Where("regatta_id = ?", regattaID)
	}
	err := q.Find(&scheds).Error
	return scheds, err
}

// SequenceTypes returns the names the registry currently resolves.
func (s *Service) SequenceTypes() []string {
	return s.profiles.Names()
}

// TimelineEntry is the full signal ladder for one fleet, planned and
// actual. One-minute times are derived from the profile since the gun
// time anchors them.
type TimelineEntry struct {
	EntryID          string             `json:"entry_id"`
	FleetName        string             `json:"fleet_name"`
	ClassFlag        string             `json:"class_flag,omitempty"`
	StartOrder       int                `json:"start_order"`
	Status           models.EntryStatus `json:"status"`
	PlannedWarning   time.Time          `json:"planned_warning"`
	PlannedPrep      *time.Time         `json:"planned_prep,omitempty"`
	PlannedOneMinute *time.Time         `json:"planned_one_minute,omitempty"`
	PlannedStart     time.Time          `json:"planned_start"`
	ActualWarning    *time.Time         `json:"actual_warning,omitempty"`
	ActualPrep       *time.Time         `json:"actual_prep,omitempty"`
	ActualStart      *time.Time         `json:"actual_start,omitempty"`
}

// Timeline returns the schedule's signal ladder in start order.
func (s *Service) Timeline(ctx context.Context, scheduleID string) ([]TimelineEntry, error) {
	sched, err := s.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	profile, err := s.profileFor(sched)
	if err != nil {
		return nil, err
	}

	out := make([]TimelineEntry, 0, len(sched.Entries))
	for i := range sched.Entries {
		e := &sched.Entries[i]
		te := TimelineEntry{
			EntryID:        e.ID,
			FleetName:      e.FleetName,
			ClassFlag:      e.ClassFlag,
			StartOrder:     e.StartOrder,
			Status:         e.Status,
			PlannedWarning: e.PlannedWarningTime,
			PlannedStart:   e.PlannedStartTime,
			ActualWarning:  e.ActualWarningTime,
			ActualPrep:     e.ActualPrepTime,
			ActualStart:    e.ActualStartTime,
		}
		if profile.HasPrep() {
			prep := e.PlannedPrepTime
			te.PlannedPrep = &prep
		}
		if profile.HasOneMinute() {
			oneMin := e.PlannedStartTime.Add(-profile.OneMinuteOffset)
			te.PlannedOneMinute = &oneMin
		}
		out = append(out, te)
	}
	return out, nil
}

// sortEntries orders the aggregate's entries by start order.
func sortEntries(sched *models.StartSchedule) {
	sort.SliceStable(sched.Entries, func(i, j int) bool {
		return sched.Entries[i].StartOrder < sched.Entries[j].StartOrder
	})
}

// reindex compacts start orders to a dense 0..n-1 sequence following the
// current slice order. Run after every structural mutation so duplicate
// orders cannot survive a reorder or recall.
func reindex(sched *models.StartSchedule) {
	for i := range sched.Entries {
		sched.Entries[i].StartOrder = i
	}
}

// pendingAnchor returns the planned warning time of the first pending
// entry, the instant the pending timeline re-derives from.
func pendingAnchor(sched *models.StartSchedule) time.Time {
	for i := range sched.Entries {
		if sched.Entries[i].Status == models.EntryPending {
			return sched.Entries[i].PlannedWarningTime
		}
	}
	return time.Time{}
}

func (s *Service) entryEvent(sched *models.StartSchedule, e *models.FleetStartEntry, ts time.Time, details map[string]any) events.Payload {
	payload := events.Payload{
		"schedule_id": sched.ID,
		"regatta_id":  sched.RegattaID,
		"timestamp":   ts,
	}
	if e != nil {
		payload["entry_id"] = e.ID
		payload["fleet"] = e.FleetName
		payload["start_order"] = e.StartOrder
	}
	for k, v := range details {
		payload[k] = v
	}
	return payload
}

func invalidTransition(cmd string, status models.EntryStatus) error {
	return fmt.Errorf("%w: %s not allowed while %s", ErrInvalidTransition, cmd, status)
}
