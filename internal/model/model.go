package model

import "time"

// Occurrence is a single concrete instance of a calendar event after
// recurrence expansion, in the display timezone.
type Occurrence struct {
	SourceID string
	UID      string

	// InstanceKey identifies one instance of a recurring event.
	InstanceKey string

	Summary  string
	Location string

	AllDay bool
	Start  time.Time
	End    time.Time
}

// Day returns the local calendar date the occurrence starts on.
func (o Occurrence) Day() time.Time {
	y, m, d := o.Start.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, o.Start.Location())
}
