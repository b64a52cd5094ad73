/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package notifications emails race committee members when a start is
// disrupted. It listens on the event bus for postponements, recalls,
// and abandonments and records every delivery attempt.
package notifications

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/models"
)

// Config holds SMTP delivery settings. An empty Host disables email;
// notifications are still recorded for the in-app feed.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
}

// alertEvents are the disruptions worth an email. Routine signals stay
// on the websocket feed only.
var alertEvents = []events.EventType{
	events.EventPostponed,
	events.EventResumed,
	events.EventGeneralRecall,
	events.EventAbandoned,
	events.EventScheduleCompleted,
}

// Service delivers race alerts.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	config Config
	logger zerolog.Logger

	mu      sync.RWMutex
	running bool
}

// NewService creates the notification service.
func NewService(db *gorm.DB, bus *events.Bus, config Config, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		config: config,
		logger: logger.With().Str("component", "notifications").Logger(),
	}
}

// Start subscribes to disruption events and delivers alerts until ctx
// is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	type tagged struct {
		typ     events.EventType
		payload events.Payload
	}
	merged := make(chan tagged, 16)

	var wg sync.WaitGroup
	subs := make(map[events.EventType]events.Subscriber, len(alertEvents))
	for _, typ := range alertEvents {
		sub := s.bus.Subscribe(typ)
		subs[typ] = sub
		wg.Add(1)
		go func(typ events.EventType, sub events.Subscriber) {
			defer wg.Done()
			for payload := range sub {
				select {
				case merged <- tagged{typ, payload}:
				case <-ctx.Done():
					return
				}
			}
		}(typ, sub)
	}

	defer func() {
		for typ, sub := range subs {
			s.bus.Unsubscribe(typ, sub)
		}
		wg.Wait()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info().Int("event_types", len(alertEvents)).Msg("notification service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("notification service stopping")
			return
		case evt := <-merged:
			s.handleAlert(ctx, evt.typ, evt.payload)
		}
	}
}

// handleAlert fans one disruption out to every officer and admin.
func (s *Service) handleAlert(ctx context.Context, typ events.EventType, payload events.Payload) {
	scheduleID, _ := payload["schedule_id"].(string)
	subject, body := composeAlert(typ, payload)

	var recipients []models.User
	err := s.db.WithContext(ctx).
		Where("role IN ?", []models.RoleName{models.RoleAdmin, models.RoleOfficer}).
		Find(&recipients).Error
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load alert recipients")
		return
	}

	for i := range recipients {
		notification := &models.Notification{
			ID:         uuid.NewString(),
			UserID:     recipients[i].ID,
			ScheduleID: scheduleID,
			EventType:  string(typ),
			Subject:    subject,
			Body:       body,
			Status:     models.NotificationPending,
			CreatedAt:  time.Now(),
		}
		if err := s.Send(ctx, notification, &recipients[i]); err != nil {
			s.logger.Warn().Err(err).Str("user_id", recipients[i].ID).Msg("alert delivery failed")
		}
	}
}

// composeAlert turns an event payload into an email subject and body.
func composeAlert(typ events.EventType, payload events.Payload) (string, string) {
	fleet, _ := payload["fleet"].(string)
	reason, _ := payload["reason"].(string)

	var subject, body string
	switch typ {
	case events.EventPostponed:
		subject = fmt.Sprintf("Postponed: %s", fleet)
		body = fmt.Sprintf("The start for fleet %s has been postponed.", fleet)
	case events.EventResumed:
		subject = fmt.Sprintf("Racing resumed: %s", fleet)
		body = fmt.Sprintf("Fleet %s is back in the start order.", fleet)
	case events.EventGeneralRecall:
		subject = fmt.Sprintf("General recall: %s", fleet)
		body = fmt.Sprintf("Fleet %s has been recalled and requeued for a fresh start.", fleet)
	case events.EventAbandoned:
		subject = fmt.Sprintf("Abandoned: %s", fleet)
		body = fmt.Sprintf("The start for fleet %s has been abandoned.", fleet)
	case events.EventScheduleCompleted:
		subject = "Start schedule completed"
		body = "All fleets in the schedule have started or been withdrawn."
	default:
		subject = string(typ)
		body = fmt.Sprintf("Race event: %s", typ)
	}
	if reason != "" {
		body += fmt.Sprintf("\n\nReason: %s", reason)
	}
	return subject, body
}

// Send persists the notification and attempts email delivery.
func (s *Service) Send(ctx context.Context, notification *models.Notification, user *models.User) error {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now()
	}

	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		s.logger.Error().Err(err).Str("id", notification.ID).Msg("failed to save notification")
		return err
	}

	err := s.sendEmail(notification, user)
	if err != nil {
		notification.Status = models.NotificationFailed
		notification.Error = err.Error()
	}

	s.db.WithContext(ctx).Model(notification).Updates(map[string]any{
		"status":  notification.Status,
		"sent_at": notification.SentAt,
		"error":   notification.Error,
	})
	return err
}

func (s *Service) sendEmail(notification *models.Notification, user *models.User) error {
	if s.config.SMTPHost == "" {
		// Email disabled; the stored row still feeds the in-app list.
		notification.Status = models.NotificationSent
		return nil
	}
	if user == nil || user.Email == "" {
		return fmt.Errorf("user has no email address")
	}

	from := s.config.SMTPFrom
	if s.config.SMTPFromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.SMTPFromName, s.config.SMTPFrom)
	}

	msg := strings.Builder{}
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", user.Email))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", notification.Subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(notification.Body)

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	var auth smtp.Auth
	if s.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, s.config.SMTPFrom, []string{user.Email}, []byte(msg.String())); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}

	notification.Status = models.NotificationSent
	now := time.Now()
	notification.SentAt = &now
	s.logger.Info().Str("to", user.Email).Str("subject", notification.Subject).Msg("alert emailed")
	return nil
}

// ListForUser returns a user's notifications, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]models.Notification, int64, error) {
	var notifications []models.Notification
	var total int64

	query := s.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("status != ?", models.NotificationRead)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&notifications).Error; err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

// MarkAsRead marks one of the user's notifications as read.
func (s *Service) MarkAsRead(ctx context.Context, notificationID, userID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Updates(map[string]any{
			"status":  models.NotificationRead,
			"read_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("notification not found")
	}
	return nil
}
