package models

import (
	"strings"
	"time"
)

// Column limits of the callers table.
const (
	MaxNameLength       = 255
	MaxPhoneLength      = 255
	MaxNationalIDLength = 50
)

// Status is the participation state of a caller.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
	StatusBlocked  Status = "blocked"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{StatusActive, StatusInactive, StatusPending, StatusBlocked}

// ParseStatus returns the status named by s (case-insensitive).
// The second value is false when s is blank or unknown, in which case StatusActive is returned.
func ParseStatus(s string) (Status, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return StatusActive, false
}

// Caller represents the callers table.
// NationalID is the CPR number; empty means the caller has none on file.
type Caller struct {
	ID         int64      `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	Phone      string     `db:"phone" json:"phone"`
	NationalID string     `db:"cpr" json:"cpr,omitempty"`
	Hits       int        `db:"hits" json:"hits"`
	LastHitAt  *time.Time `db:"last_hit" json:"last_hit,omitempty"`
	Status     Status     `db:"status" json:"status"`
	Notes      string     `db:"notes" json:"notes,omitempty"`
	IsWinner   bool       `db:"is_winner" json:"is_winner"`
	IsFamily   bool       `db:"is_family" json:"is_family"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// CallerStat is one row of an aggregate over the callers table.
type CallerStat struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}
