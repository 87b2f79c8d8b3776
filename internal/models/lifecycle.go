package models

import "time"

var statusRank = map[ShareStatus]int{
	StatusActive:    0,
	StatusExhausted: 1,
	StatusExpired:   2,
	StatusDestroyed: 3,
	StatusPurged:    4,
}

// Valid reports whether s is a known status.
func (s ShareStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s ShareStatus) CanAdvanceTo(next ShareStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// HoldsPayload reports whether a share in this status may still own a stored object.
func (s ShareStatus) HoldsPayload() bool {
	return s == StatusActive || s == StatusExhausted || s == StatusExpired
}

// Terminal reports whether the share can never be served again.
func (s ShareStatus) Terminal() bool {
	return s != StatusActive
}

// ApplyView evaluates one consuming access against the current record and returns the
// state that must be committed. Expiry is checked before the view budget, so a view
// arriving exactly at the deadline is denied as expired.
func ApplyView(share Share, now time.Time) ViewOutcome {
	out := ViewOutcome{Share: share}

	switch share.Status {
	case StatusPurged:
		out.Denied = DenyNotFound
		return out
	case StatusDestroyed:
		out.Denied = terminalReason(share)
		return out
	}

	if !now.Before(share.ExpiresAt) {
		out.Denied = DenyExpired
		if share.Status == StatusActive || share.Status == StatusExhausted {
			out.Triggered = share.Status == StatusActive
			out.Share.Status = StatusExpired
			out.Changed = true
		}
		return out
	}

	if share.Status == StatusExpired {
		out.Denied = DenyExpired
		return out
	}

	if share.ViewCount >= share.MaxViews || share.Status == StatusExhausted {
		out.Denied = DenyExhausted
		return out
	}

	out.Share.ViewCount++
	out.Counted = true
	out.Changed = true
	if out.Share.ViewCount == out.Share.MaxViews {
		out.Share.Status = StatusExhausted
		out.Triggered = true
	}
	return out
}

// Inspect reports how a share would answer a non-consuming status probe.
func Inspect(share Share, now time.Time) DenyReason {
	switch share.Status {
	case StatusPurged:
		return DenyNotFound
	case StatusDestroyed:
		return terminalReason(share)
	case StatusExpired:
		return DenyExpired
	}
	if !now.Before(share.ExpiresAt) {
		return DenyExpired
	}
	if share.Status == StatusExhausted || share.ViewCount >= share.MaxViews {
		return DenyExhausted
	}
	if share.NeedsReconcile {
		return DenyGone
	}
	return DenyNone
}

// ExpireTransition moves an overdue active or exhausted share to expired. The second
// return value is true when the share left active with this transition.
func ExpireTransition(share Share, now time.Time) (Share, bool, bool) {
	if share.Status != StatusActive && share.Status != StatusExhausted {
		return share, false, false
	}
	if now.Before(share.ExpiresAt) {
		return share, false, false
	}
	fromActive := share.Status == StatusActive
	share.Status = StatusExpired
	return share, true, fromActive
}

// terminalReason keeps the reason a destroyed share stopped serving visible to callers.
func terminalReason(share Share) DenyReason {
	if share.ViewCount >= share.MaxViews {
		return DenyExhausted
	}
	return DenyExpired
}
