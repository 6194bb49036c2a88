package store

import (
	"time"

	"github.com/roach88/patchlog/internal/dose"
)

// BatchRecord is the persisted form of the shared batch record.
// Revision increases by one on every write.
type BatchRecord struct {
	dose.Record
	Revision  int64
	UpdatedAt time.Time
}

// WakeupState is the lifecycle of a persisted wake-up.
type WakeupState string

const (
	WakeupPending   WakeupState = "pending"
	WakeupFired     WakeupState = "fired"
	WakeupCancelled WakeupState = "cancelled"
)

// Wakeup is the next scheduled run of a deferred task. A Wakeup is only
// current while its Version matches the stored row.
type Wakeup struct {
	TaskID  string
	DueAt   time.Time
	Version int64
	State   WakeupState
}

// DoseStatus is the upload lifecycle of a finalized dose.
type DoseStatus string

const (
	DosePending  DoseStatus = "PENDING"
	DoseUploaded DoseStatus = "UPLOADED"
	DoseFailed   DoseStatus = "FAILED"
)

// Dose is a finalized dose record.
type Dose struct {
	ID            string
	FinalizedAt   time.Time
	Clicks        int
	Units         float64
	UnitsPerClick float64
	InsulinName   string
	Concentration int
	Status        DoseStatus
	Attempts      int
	LastError     string
	UploadedAt    time.Time
}

// ActivityLevel classifies an activity entry.
type ActivityLevel string

const (
	LevelInfo    ActivityLevel = "INFO"
	LevelSuccess ActivityLevel = "SUCCESS"
	LevelError   ActivityLevel = "ERROR"
)

// ActivityEntry is one line of the user-visible activity log.
type ActivityEntry struct {
	ID      int64
	At      time.Time
	Level   ActivityLevel
	Message string
	Details string
}
