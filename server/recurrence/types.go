package recurrence

import (
	"time"
)

// RecurrenceInfo contains all recurrence-related information for an event
type RecurrenceInfo struct {
	RRULE  string      // The RRULE string (without "RRULE:" prefix)
	RDATE  []time.Time // Additional recurrence dates
	EXDATE []time.Time // Exception dates (excluded occurrences)
}

// TimeOccurrence represents a single occurrence of an event in time
type TimeOccurrence struct {
	Start time.Time // Start time of this occurrence
	End   time.Time // End time of this occurrence
}
