/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction defines the type of audited action.
type AuditAction string

// Audit action constants, one per externally observable transition.
const (
	AuditActionScheduleCreate   AuditAction = "schedule.create"
	AuditActionFleetsAdd        AuditAction = "schedule.fleets_add"
	AuditActionFleetsReorder    AuditAction = "schedule.reorder"
	AuditActionScheduleReady    AuditAction = "schedule.ready"
	AuditActionSequenceStart    AuditAction = "schedule.sequence_start"
	AuditActionScheduleComplete AuditAction = "schedule.complete"
	AuditActionWarningSignal    AuditAction = "signal.warning"
	AuditActionPrepSignal       AuditAction = "signal.preparatory"
	AuditActionOneMinuteSignal  AuditAction = "signal.one_minute"
	AuditActionStartSignal      AuditAction = "signal.start"
	AuditActionGeneralRecall    AuditAction = "recall.general"
	AuditActionIndividualRecall AuditAction = "recall.individual"
	AuditActionPostpone         AuditAction = "entry.postpone"
	AuditActionResume           AuditAction = "entry.resume"
	AuditActionAbandon          AuditAction = "entry.abandon"
)

// AuditLog records committee actions for the race log.
type AuditLog struct {
	ID         string         `gorm:"type:uuid;primaryKey"`
	Timestamp  time.Time      `gorm:"index:idx_audit_timestamp;not null"`
	UserID     *string        `gorm:"type:uuid;index:idx_audit_user"` // NULL for system actions
	ScheduleID *string        `gorm:"type:uuid;index:idx_audit_schedule"`
	EntryID    *string        `gorm:"type:uuid"`
	Action     AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null"`
	Details    map[string]any `gorm:"type:jsonb;serializer:json"`
	IPAddress  string         `gorm:"type:varchar(45)"`
	UserAgent  string         `gorm:"type:varchar(512)"`
	CreatedAt  time.Time
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}
