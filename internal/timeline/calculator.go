/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timeline derives planned signal times for an ordered list of
// fleet start entries. It is pure: the scheduler calls Recompute after
// every structural change and persists the result.
package timeline

import (
	"time"

	"github.com/saltline/startline/internal/models"
	"github.com/saltline/startline/internal/sequence"
)

// Recompute fills in planned warning, prep, and start times for every
// pending entry in startOrder, anchoring the first pending entry's
// warning at anchor. Entries past pending keep whatever was already
// recorded; their planned times are left untouched.
//
// defaultInterval is the schedule-wide start-to-start gap. A fleet's
// CustomIntervalMinutes replaces it for the gap to the next fleet.
// Intervals shorter than the sequence length collapse to pure rolling
// chaining (next warning fires on the previous start gun) so planned
// times stay monotonic.
func Recompute(entries []models.FleetStartEntry, anchor time.Time, profile sequence.Profile, defaultInterval time.Duration) {
	cursor := anchor
	prevPending := -1
	for i := range entries {
		e := &entries[i]
		if e.Status != models.EntryPending {
			continue
		}
		if prevPending >= 0 {
			gap := IntervalAfter(&entries[prevPending], profile, defaultInterval)
			cursor = entries[prevPending].PlannedStartTime.Add(gap - profile.WarningOffset)
		}
		plan(e, cursor, profile)
		prevPending = i
	}
}

// IntervalAfter resolves the start-to-start gap between entry and its
// successor.
func IntervalAfter(e *models.FleetStartEntry, profile sequence.Profile, defaultInterval time.Duration) time.Duration {
	gap := defaultInterval
	if e.CustomIntervalMinutes > 0 {
		gap = time.Duration(e.CustomIntervalMinutes) * time.Minute
	}
	if gap < profile.WarningOffset {
		gap = profile.WarningOffset
	}
	return gap
}

// plan sets one entry's planned times from its warning instant.
func plan(e *models.FleetStartEntry, warning time.Time, profile sequence.Profile) {
	e.PlannedWarningTime = warning
	e.PlannedStartTime = warning.Add(profile.WarningOffset)
	if profile.HasPrep() {
		e.PlannedPrepTime = e.PlannedStartTime.Add(-profile.PrepOffset)
	} else {
		e.PlannedPrepTime = time.Time{}
	}
}
