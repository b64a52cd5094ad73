/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// NotificationStatus tracks delivery of one notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
	NotificationRead    NotificationStatus = "read"
)

// Notification is one race-day alert delivered to a user. Email
// delivery is recorded here whether or not the SMTP send succeeded.
type Notification struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	UserID     string `gorm:"type:uuid;index"`
	ScheduleID string `gorm:"type:uuid;index"`
	EventType  string `gorm:"type:varchar(48)"`
	Subject    string
	Body       string             `gorm:"type:text"`
	Status     NotificationStatus `gorm:"type:varchar(16);index"`
	Error      string             `gorm:"type:text"`
	SentAt     *time.Time
	ReadAt     *time.Time
	CreatedAt  time.Time
}

// WebhookTarget is an external endpoint registered to receive race
// events for a regatta. Events is a comma-separated list of event
// types; empty means all.
type WebhookTarget struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	RegattaID string `gorm:"type:uuid;index"`
	URL       string
	Secret    string
	Events    string `gorm:"type:text"`
	Active    bool   `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WebhookLog records one delivery attempt.
type WebhookLog struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	TargetID   string `gorm:"type:uuid;index"`
	Event      string `gorm:"type:varchar(48)"`
	StatusCode int
	Error      string `gorm:"type:text"`
	CreatedAt  time.Time
}
