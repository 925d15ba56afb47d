package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallOutcome summarizes how a call attempt finished.
type CallOutcome string

const (
	CallOutcomeCompleted CallOutcome = "completed" // accepted, then hung up normally
	CallOutcomeRejected  CallOutcome = "rejected"  // callee declined while ringing
	CallOutcomeMissed    CallOutcome = "missed"    // rang out or callee was offline
	CallOutcomeDropped   CallOutcome = "dropped"   // a party disconnected mid-call
)

// CallRecord is the persisted log entry written when an invitation ends.
type CallRecord struct {
	ID         string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	RoomID     string      `gorm:"type:varchar(36);uniqueIndex;not null" json:"room_id"`
	CallerID   string      `gorm:"type:varchar(36);not null;index" json:"caller_id"`
	CalleeID   string      `gorm:"type:varchar(36);not null;index" json:"callee_id"`
	Kind       CallKind    `gorm:"type:varchar(10);not null" json:"kind"`
	Outcome    CallOutcome `gorm:"type:varchar(16);not null" json:"outcome"`
	StartedAt  time.Time   `json:"started_at"`
	AcceptedAt *time.Time  `json:"accepted_at,omitempty"`
	EndedAt    time.Time   `json:"ended_at"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (r *CallRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}
