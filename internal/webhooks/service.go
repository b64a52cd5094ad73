/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webhooks pushes race events to registered external endpoints:
// results systems, club displays, tracker integrations. Payloads are
// signed with HMAC-SHA256 when the target has a secret configured.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/models"
)

// Payload is the JSON body delivered to webhook endpoints.
type Payload struct {
	Event      string         `json:"event"`
	Timestamp  time.Time      `json:"timestamp"`
	RegattaID  string         `json:"regatta_id,omitempty"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	Fleet      string         `json:"fleet,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Service delivers webhooks.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
	client *http.Client
}

// NewService creates the webhook delivery service.
func NewService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "webhooks").Logger(),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start listens for race events and fans them out to registered
// targets until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	type tagged struct {
		typ     events.EventType
		payload events.Payload
	}
	merged := make(chan tagged, 32)

	var wg sync.WaitGroup
	all := events.All()
	subs := make(map[events.EventType]events.Subscriber, len(all))
	for _, typ := range all {
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
	}()

	s.logger.Info().Msg("webhook service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("webhook service stopping")
			return
		case evt := <-merged:
			s.fire(ctx, evt.typ, evt.payload)
		}
	}
}

// fire delivers one event to every matching target.
func (s *Service) fire(ctx context.Context, typ events.EventType, payload events.Payload) {
	regattaID, _ := payload["regatta_id"].(string)

	query := s.db.WithContext(ctx).Where("active = ?", true)
	if regattaID != "" {
		query = query.Where("regatta_id = ? OR regatta_id = ''", regattaID)
	}
	var targets []models.WebhookTarget
	if err := query.Find(&targets).Error; err != nil {
		s.logger.Error().Err(err).Msg("failed to fetch webhook targets")
		return
	}

	body := s.buildPayload(typ, payload)
	for _, target := range targets {
		if !targetHandles(target, string(typ)) {
			continue
		}
		go s.deliver(ctx, target, string(typ), body)
	}
}

func (s *Service) buildPayload(typ events.EventType, payload events.Payload) Payload {
	out := Payload{
		Event:     string(typ),
		Timestamp: time.Now().UTC(),
		Details:   map[string]any{},
	}
	for k, v := range payload {
		switch k {
		case "regatta_id":
			out.RegattaID, _ = v.(string)
		case "schedule_id":
			out.ScheduleID, _ = v.(string)
		case "fleet":
			out.Fleet, _ = v.(string)
		default:
			out.Details[k] = v
		}
	}
	return out
}

// targetHandles checks the target's event filter.
func targetHandles(target models.WebhookTarget, eventType string) bool {
	if target.Events == "" {
		return true
	}
	for _, e := range strings.Split(target.Events, ",") {
		if strings.TrimSpace(e) == eventType {
			return true
		}
	}
	return false
}

// deliver sends one webhook request and records the attempt.
func (s *Service) deliver(ctx context.Context, target models.WebhookTarget, eventType string, payload Payload) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("webhook", target.ID).Msg("failed to marshal webhook payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		s.logDelivery(target, eventType, 0, err.Error())
		return
	}
	setHeaders(req, eventType, body, target.Secret)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("webhook", target.ID).Str("url", target.URL).Msg("webhook delivery failed")
		s.logDelivery(target, eventType, 0, err.Error())
		return
	}
	defer resp.Body.Close()

	s.logDelivery(target, eventType, resp.StatusCode, "")
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug().Str("webhook", target.ID).Str("event", eventType).Int("status", resp.StatusCode).Msg("webhook delivered")
	} else {
		s.logger.Warn().Str("webhook", target.ID).Str("event", eventType).Int("status", resp.StatusCode).Msg("webhook returned error status")
	}
}

func setHeaders(req *http.Request, eventType string, body []byte, secret string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Startline-Webhook/1.0")
	req.Header.Set("X-Startline-Event", eventType)
	req.Header.Set("X-Startline-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if secret != "" {
		req.Header.Set("X-Startline-Signature", Sign(body, secret))
	}
}

// Sign creates the HMAC-SHA256 signature header value for a payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func (s *Service) logDelivery(target models.WebhookTarget, eventType string, statusCode int, errorMsg string) {
	log := &models.WebhookLog{
		ID:         uuid.NewString(),
		TargetID:   target.ID,
		Event:      eventType,
		StatusCode: statusCode,
		Error:      errorMsg,
	}
	if err := s.db.Create(log).Error; err != nil {
		s.logger.Error().Err(err).Msg("failed to log webhook delivery")
	}
}

// Register stores a new webhook target.
func (s *Service) Register(ctx context.Context, target *models.WebhookTarget) error {
	if target.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if target.ID == "" {
		target.ID = uuid.NewString()
	}
	target.Active = true
	return s.db.WithContext(ctx).Create(target).Error
}

// List returns registered targets, optionally scoped to a regatta.
func (s *Service) List(ctx context.Context, regattaID string) ([]models.WebhookTarget, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC")
	if regattaID != "" {
		query = query.Where("regatta_id = ?", regattaID)
	}
	var targets []models.WebhookTarget
	err := query.Find(&targets).Error
	return targets, err
}

// Delete removes a target.
func (s *Service) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.WebhookTarget{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("webhook not found")
	}
	return nil
}

// Test sends a test payload to a target so officers can verify the
// endpoint before race day.
func (s *Service) Test(ctx context.Context, id string) error {
	var target models.WebhookTarget
	if err := s.db.WithContext(ctx).First(&target, "id = ?", id).Error; err != nil {
		return fmt.Errorf("webhook not found")
	}

	payload := Payload{
		Event:      "test",
		Timestamp:  time.Now().UTC(),
		RegattaID:  target.RegattaID,
		ScheduleID: "test-schedule-id",
		Fleet:      "Test Fleet",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(req, "test", body, target.Secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
