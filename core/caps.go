package core

import "time"

// CapKey identifies one cap accumulator.
type CapKey struct {
	GroupID GroupID
	Rule    string
}

func (k CapKey) String() string { return string(k.GroupID) + "/" + k.Rule }

// CapEntry is the persisted state for a CapKey. HasPoints is false after a
// reset, which reads as zero. A zero LastReset means the Unix epoch.
type CapEntry struct {
	Points    int64
	HasPoints bool
	LastReset time.Time
}

// Epoch is the default last-reset instant.
var Epoch = time.Unix(0, 0).UTC()

// LastResetOrEpoch returns LastReset, defaulting to the epoch.
func (e CapEntry) LastResetOrEpoch() time.Time {
	if e.LastReset.IsZero() {
		return Epoch
	}
	return e.LastReset
}

// Clamp returns the delta that may be granted given current accumulated
// points, the requested points and the cap.
func Clamp(current, requested, maxPoints int64) int64 {
	switch {
	case current >= maxPoints:
		return 0
	case current+requested > maxPoints:
		return maxPoints - current
	default:
		return requested
	}
}
