package models

import "time"

// ShareStatus is the lifecycle state of a published challenge.
type ShareStatus string

const (
	StatusActive    ShareStatus = "active"
	StatusExhausted ShareStatus = "exhausted"
	StatusExpired   ShareStatus = "expired"
	StatusDestroyed ShareStatus = "destroyed"
	StatusPurged    ShareStatus = "purged"
)

// Share is a single upload's published, access-limited record.
type Share struct {
	ID          string
	Status      ShareStatus
	Profile     string
	ContentType string
	DeviceHash  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	MaxViews    int
	ViewCount   int
	// StorageKey is empty once the payload has been destroyed.
	StorageKey     string
	DestroyedAt    *time.Time
	NeedsReconcile bool
}

// DenyReason explains why a share cannot be served. The zero value means servable.
type DenyReason string

const (
	DenyNone      DenyReason = ""
	DenyNotFound  DenyReason = "not_found"
	DenyExpired   DenyReason = "expired"
	DenyExhausted DenyReason = "exhausted"
	DenyGone      DenyReason = "gone"
)

// ViewOutcome is the committed result of one attempt to consume a view.
type ViewOutcome struct {
	Share  Share
	Denied DenyReason
	// Counted is true when this call incremented the view count.
	Counted bool
	// Changed is true when the record must be written back.
	Changed bool
	// Triggered is true for the single call that moved the share out of active.
	Triggered bool
}

// Remaining reports how many views are left in the budget.
func (s Share) Remaining() int {
	if s.ViewCount >= s.MaxViews {
		return 0
	}
	return s.MaxViews - s.ViewCount
}
