/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/models"
)

// actionFor maps event types onto audit actions. Every domain event the
// scheduler emits ends up in the race log.
var actionFor = map[events.EventType]models.AuditAction{
	events.EventScheduleCreated:     models.AuditActionScheduleCreate,
	events.EventFleetsAdded:         models.AuditActionFleetsAdd,
	events.EventFleetsReordered:     models.AuditActionFleetsReorder,
	events.EventScheduleReady:       models.AuditActionScheduleReady,
	events.EventSequenceStarted:     models.AuditActionSequenceStart,
	events.EventScheduleCompleted:   models.AuditActionScheduleComplete,
	events.EventWarningSignaled:     models.AuditActionWarningSignal,
	events.EventPreparatorySignaled: models.AuditActionPrepSignal,
	events.EventOneMinuteSignaled:   models.AuditActionOneMinuteSignal,
	events.EventStartSignaled:       models.AuditActionStartSignal,
	events.EventGeneralRecall:       models.AuditActionGeneralRecall,
	events.EventIndividualRecall:    models.AuditActionIndividualRecall,
	events.EventPostponed:           models.AuditActionPostpone,
	events.EventResumed:             models.AuditActionResume,
	events.EventAbandoned:           models.AuditActionAbandon,
}

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to every event type and logs each as an audit entry.
// Blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	type subscription struct {
		eventType events.EventType
		ch        events.Subscriber
	}

	subs := make([]subscription, 0, len(events.All()))
	for _, eventType := range events.All() {
		subs = append(subs, subscription{eventType, s.bus.Subscribe(eventType)})
	}
	defer func() {
		for _, sub := range subs {
			s.bus.Unsubscribe(sub.eventType, sub.ch)
		}
	}()

	// One fan-in goroutine per subscription keeps the select simple.
	type tagged struct {
		eventType events.EventType
		payload   events.Payload
	}
	merged := make(chan tagged, 32)
	for _, sub := range subs {
		go func(sub subscription) {
			for payload := range sub.ch {
				select {
				case merged <- tagged{sub.eventType, payload}:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	s.logger.Info().Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return
		case ev := <-merged:
			action, ok := actionFor[ev.eventType]
			if !ok {
				continue
			}
			s.logAuditEntry(ctx, action, ev.payload)
		}
	}
}

// logAuditEntry creates an audit log entry from an event payload.
func (s *Service) logAuditEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		Details:   make(map[string]any),
		CreatedAt: time.Now(),
	}

	if userID, ok := payload["user_id"].(string); ok && userID != "" {
		entry.UserID = &userID
	}
	if scheduleID, ok := payload["schedule_id"].(string); ok && scheduleID != "" {
		entry.ScheduleID = &scheduleID
	}
	if entryID, ok := payload["entry_id"].(string); ok && entryID != "" {
		entry.EntryID = &entryID
	}
	if ipAddress, ok := payload["ip_address"].(string); ok {
		entry.IPAddress = ipAddress
	}
	if userAgent, ok := payload["user_agent"].(string); ok {
		entry.UserAgent = userAgent
	}

	for k, v := range payload {
		switch k {
		case "user_id", "schedule_id", "entry_id", "ip_address", "user_agent":
			// Already extracted
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly (for non-event-bus actions).
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	UserID     *string
	ScheduleID *string
	Action     *models.AuditAction
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

// Query retrieves audit logs with filters, most recent first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.UserID != nil {
		query = query.Where("user_id = ?", *filters.UserID)
	}
	if filters.ScheduleID != nil {
		query = query.Where("schedule_id = ?", *filters.ScheduleID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	if err := query.Order("timestamp DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
