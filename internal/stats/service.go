/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package stats aggregates race-day statistics from recorded start
// data: how late the guns fired, how many fleets needed a recall, and
// how a regatta's schedules compare.
package stats

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/saltline/startline/internal/models"
)

// Service computes start statistics.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewService creates the stats service.
func NewService(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "stats").Logger(),
	}
}

// FleetStats is one fleet's line in the schedule report.
type FleetStats struct {
	EntryID           string  `json:"entry_id"`
	FleetName         string  `json:"fleet_name"`
	Status            string  `json:"status"`
	StartDelaySecs    float64 `json:"start_delay_seconds"`
	RecallCount       int     `json:"recall_count"`
	OCSBoatCount      int     `json:"ocs_boat_count"`
	StartedOnSchedule bool    `json:"started_on_schedule"`
}

// ScheduleStats summarizes one schedule's race day.
type ScheduleStats struct {
	ScheduleID        string       `json:"schedule_id"`
	Status            string       `json:"status"`
	FleetCount        int          `json:"fleet_count"`
	StartedCount      int          `json:"started_count"`
	AbandonedCount    int          `json:"abandoned_count"`
	PostponedCount    int          `json:"postponed_count"`
	TotalRecalls      int          `json:"total_recalls"`
	AvgStartDelaySecs float64      `json:"avg_start_delay_seconds"`
	MaxStartDelaySecs float64      `json:"max_start_delay_seconds"`
	Fleets            []FleetStats `json:"fleets"`
}

// ForSchedule builds the report for one schedule.
func (s *Service) ForSchedule(ctx context.Context, scheduleID string) (*ScheduleStats, error) {
	var sched models.StartSchedule
	err := s.db.WithContext(ctx).
		Preload("Entries", func(db *gorm.DB) *gorm.DB {
			return db.Order("start_order ASC")
		}).
		First(&sched, "id = ?", scheduleID).Error
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}

	report := &ScheduleStats{
		ScheduleID: sched.ID,
		Status:     string(sched.Status),
		FleetCount: len(sched.Entries),
		Fleets:     make([]FleetStats, 0, len(sched.Entries)),
	}

	var delaySum float64
	var delayCount int
	for i := range sched.Entries {
		e := &sched.Entries[i]
		fs := FleetStats{
			EntryID:      e.ID,
			FleetName:    e.FleetName,
			Status:       string(e.Status),
			RecallCount:  e.RecallCount,
			OCSBoatCount: len(e.OCSBoats),
		}

		switch e.Status {
		case models.EntryStarted:
			report.StartedCount++
			if e.ActualStartTime != nil && !e.PlannedStartTime.IsZero() {
				fs.StartDelaySecs = e.ActualStartTime.Sub(e.PlannedStartTime).Seconds()
				fs.StartedOnSchedule = fs.StartDelaySecs <= 0
				delaySum += fs.StartDelaySecs
				delayCount++
				if fs.StartDelaySecs > report.MaxStartDelaySecs {
					report.MaxStartDelaySecs = fs.StartDelaySecs
				}
			}
		case models.EntryAbandoned:
			report.AbandonedCount++
		case models.EntryPostponed:
			report.PostponedCount++
		}
		report.TotalRecalls += e.RecallCount
		report.Fleets = append(report.Fleets, fs)
	}

	if delayCount > 0 {
		report.AvgStartDelaySecs = delaySum / float64(delayCount)
	}
	return report, nil
}

// RegattaStats rolls schedules up across a regatta.
type RegattaStats struct {
	RegattaID          string  `json:"regatta_id"`
	ScheduleCount      int     `json:"schedule_count"`
	CompletedSchedules int     `json:"completed_schedules"`
	FleetStarts        int     `json:"fleet_starts"`
	TotalRecalls       int     `json:"total_recalls"`
	AvgStartDelaySecs  float64 `json:"avg_start_delay_seconds"`
}

// ForRegatta aggregates completed starts across every schedule of a
// regatta with a single query over the entries table.
func (s *Service) ForRegatta(ctx context.Context, regattaID string) (*RegattaStats, error) {
	report := &RegattaStats{RegattaID: regattaID}

	var schedules, completed int64
	err := s.db.WithContext(ctx).Model(&models.StartSchedule{}).
		Where("regatta_id = ?", regattaID).
		Count(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("count schedules: %w", err)
	}
	err = s.db.WithContext(ctx).Model(&models.StartSchedule{}).
		Where("regatta_id = ? AND status = ?", regattaID, models.ScheduleCompleted).
		Count(&completed).Error
	if err != nil {
		return nil, fmt.Errorf("count completed schedules: %w", err)
	}
	report.ScheduleCount = int(schedules)
	report.CompletedSchedules = int(completed)

	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT e.planned_start_time, e.actual_start_time, e.recall_count, e.status
		FROM fleet_start_entries e
		JOIN start_schedules s ON e.schedule_id = s.id
		WHERE s.regatta_id = ?
	`, regattaID).Rows()
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var delaySum float64
	var delayCount int
	for rows.Next() {
		var planned, actual sql.NullTime
		var recalls int
		var status string
		if err := rows.Scan(&planned, &actual, &recalls, &status); err != nil {
			continue
		}
		report.TotalRecalls += recalls
		if status == string(models.EntryStarted) {
			report.FleetStarts++
			if actual.Valid && planned.Valid {
				delaySum += actual.Time.Sub(planned.Time).Seconds()
				delayCount++
			}
		}
	}
	if delayCount > 0 {
		report.AvgStartDelaySecs = delaySum / float64(delayCount)
	}
	return report, nil
}
