package prevision

import "time"

// LateThreshold is how long a request may wait before it counts as late.
const LateThreshold = 30 * 24 * time.Hour

// IsLate reports whether a request submitted at dateDemande is overdue at now.
// Records that were never requested are never late. The result is advisory:
// nothing forces a late record into StatusEnRetard.
func IsLate(dateDemande *time.Time, now time.Time) bool {
	if dateDemande == nil {
		return false
	}
	return now.Sub(*dateDemande) > LateThreshold
}

// DaysSinceRequest returns the whole days elapsed since dateDemande.
func DaysSinceRequest(dateDemande *time.Time, now time.Time) (int, bool) {
	if dateDemande == nil {
		return 0, false
	}
	elapsed := now.Sub(*dateDemande)
	if elapsed < 0 {
		return 0, true
	}
	return int(elapsed / (24 * time.Hour)), true
}
