/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/saltline/startline/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.User{},
		&models.StartSchedule{},
		&models.FleetStartEntry{},
		&models.AuditLog{},
		&models.Notification{},
		&models.WebhookTarget{},
		&models.WebhookLog{},
	); err != nil {
		return err
	}

	if err := applyPostgresStartOrderGuard(database); err != nil {
		return err
	}

	return nil
}

// applyPostgresStartOrderGuard enforces dense, unique start orders among
// pending entries at the database level. AutoMigrate cannot express a
// partial unique index, so it is applied by hand on postgres.
func applyPostgresStartOrderGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE UNIQUE INDEX IF NOT EXISTS idx_fleet_start_entries_pending_order
ON fleet_start_entries (schedule_id, start_order)
WHERE status = 'pending';
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres start order guard: %w", err)
	}

	return nil
}
