package models

import "time"

// RoleName enumerates the RBAC roles.
type RoleName string

const (
	RoleAdmin   RoleName = "admin"
	RoleOfficer RoleName = "officer"
	RoleViewer  RoleName = "viewer"
)

// User represents an authenticated account. Password holds a bcrypt
// hash and is never serialized.
type User struct {
	ID        string   `gorm:"type:uuid;primaryKey"`
	Email     string   `gorm:"uniqueIndex"`
	Password  string   `json:"-"`
	Role      RoleName `gorm:"type:varchar(16)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduleStatus tracks the lifecycle of a start schedule.
type ScheduleStatus string

const (
	ScheduleDraft     ScheduleStatus = "draft"
	ScheduleReady     ScheduleStatus = "ready"
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
)

// EntryStatus tracks one fleet's position in its start sequence.
type EntryStatus string

const (
	EntryPending     EntryStatus = "pending"
	EntryWarning     EntryStatus = "warning"
	EntryPreparatory EntryStatus = "preparatory"
	EntryOneMinute   EntryStatus = "one_minute"
	EntryStarted     EntryStatus = "started"
	EntryPostponed   EntryStatus = "postponed"
	EntryAbandoned   EntryStatus = "abandoned"
)

// Signaling reports whether the entry is mid-sequence, between its warning
// signal and its start gun.
func (s EntryStatus) Signaling() bool {
	return s == EntryWarning || s == EntryPreparatory || s == EntryOneMinute
}

// Terminal reports whether the entry can accept no further commands.
func (s EntryStatus) Terminal() bool {
	return s == EntryStarted || s == EntryAbandoned
}

// StartSchedule is the aggregate root for one committee boat's rolling
// start sequence. The schedule and its entries are always loaded and
// persisted together.
type StartSchedule struct {
	ID                   string `gorm:"type:uuid;primaryKey"`
	RegattaID            string `gorm:"type:uuid;index"`
	Name                 string `gorm:"index"`
	ScheduledDate        time.Time
	SequenceType         string `gorm:"type:varchar(32)"`
	StartIntervalMinutes int

	// Custom sequence offsets, set only when SequenceType is "custom".
	CustomWarningMinutes   int
	CustomPrepMinutes      int
	CustomOneMinuteMinutes int
	FirstWarningTime       time.Time
	Status                 ScheduleStatus    `gorm:"type:varchar(16);index"`
	Entries                []FleetStartEntry `gorm:"foreignKey:ScheduleID"`

	// Version guards against concurrent officers editing the same
	// schedule from two instances.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry returns the entry with the given id, or nil.
func (s *StartSchedule) Entry(entryID string) *FleetStartEntry {
	for i := range s.Entries {
		if s.Entries[i].ID == entryID {
			return &s.Entries[i]
		}
	}
	return nil
}

// SignalingEntry returns the entry currently mid-sequence, or nil. The
// rolling model allows at most one.
func (s *StartSchedule) SignalingEntry() *FleetStartEntry {
	for i := range s.Entries {
		if s.Entries[i].Status.Signaling() {
			return &s.Entries[i]
		}
	}
	return nil
}

// Finished reports whether no entry can still progress toward a start.
func (s *StartSchedule) Finished() bool {
	for i := range s.Entries {
		switch s.Entries[i].Status {
		case EntryPending, EntryWarning, EntryPreparatory, EntryOneMinute:
			return false
		}
	}
	return true
}

// FleetStartEntry is one fleet's slot in the start order.
type FleetStartEntry struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	ScheduleID string `gorm:"type:uuid;index"`
	FleetName  string
	ClassFlag  string `gorm:"type:varchar(32)"`
	StartOrder int    `gorm:"index"`
	RaceNumber int

	// Planned times are derived by the timeline calculator and only
	// meaningful while the entry is pending or mid-sequence.
	PlannedWarningTime time.Time
	PlannedPrepTime    time.Time
	PlannedStartTime   time.Time

	// Actual times are recorded when the corresponding signal command
	// succeeds and are only cleared by a general recall.
	ActualWarningTime *time.Time
	ActualPrepTime    *time.Time
	ActualStartTime   *time.Time

	Status       EntryStatus `gorm:"type:varchar(16);index"`
	StatusNotes  string      `gorm:"type:text"` // postpone/abandon reason
	RecallCount  int
	LastRecallAt *time.Time
	RecallNotes  string   `gorm:"type:text"`
	OCSBoats     []string `gorm:"type:jsonb;serializer:json"`

	// CustomIntervalMinutes overrides the schedule's default gap between
	// this entry's start and the next entry's start. Zero means default.
	CustomIntervalMinutes int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (FleetStartEntry) TableName() string {
	return "fleet_start_entries"
}

// ClearActualTimes voids recorded signals after a general recall.
func (e *FleetStartEntry) ClearActualTimes() {
	e.ActualWarningTime = nil
	e.ActualPrepTime = nil
	e.ActualStartTime = nil
}
