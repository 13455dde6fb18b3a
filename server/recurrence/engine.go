// Package recurrence expands recurring components into concrete
// occurrences for free-busy aggregation and auto-accept evaluation.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrTooManyInstances is returned when an expansion exceeds the caller's
// instance cap. The caller treats this as fatal for the whole request,
// never as a partial result.
var ErrTooManyInstances = errors.New("recurrence expansion exceeded instance limit")

// Engine provides unified recurrence expansion logic
type Engine struct{}

// NewEngine creates a new recurrence engine instance
func NewEngine() *Engine {
	return &Engine{}
}

// ExpandInstances expands an event into its occurrences overlapping
// [rangeStart, rangeEnd): the master occurrence, RRULE occurrences and
// RDATEs, minus EXDATEs. max bounds the number of returned occurrences;
// exceeding it fails the expansion with ErrTooManyInstances. max <= 0
// means unlimited.
func (e *Engine) ExpandInstances(
	masterStart, masterEnd time.Time,
	info RecurrenceInfo,
	rangeStart, rangeEnd time.Time,
	max int,
) ([]TimeOccurrence, error) {
	duration := masterEnd.Sub(masterStart)
	var occurrences []TimeOccurrence

	add := func(start time.Time) error {
		end := start.Add(duration)
		// Overlap: start < rangeEnd AND end > rangeStart, with
		// instantaneous events counted when they touch the range start.
		if !start.Before(rangeEnd) || (!end.After(rangeStart) && !start.Equal(rangeStart)) {
			return nil
		}
		if e.isExcluded(start, info.EXDATE) {
			return nil
		}
		occurrences = append(occurrences, TimeOccurrence{Start: start, End: end})
		if max > 0 && len(occurrences) > max {
			return fmt.Errorf("expansion produced more than %d occurrences: %w", max, ErrTooManyInstances)
		}
		return nil
	}

	if info.RRULE == "" {
		if err := add(masterStart); err != nil {
			return nil, err
		}
	} else {
		starts, err := e.expandRRule(masterStart, info.RRULE, rangeStart, rangeEnd)
		if err != nil {
			return nil, err
		}
		for _, start := range starts {
			if err := add(start); err != nil {
				return nil, err
			}
		}
	}

	for _, rdate := range info.RDATE {
		if err := add(rdate); err != nil {
			return nil, err
		}
	}

	return occurrences, nil
}

// expandRRule expands an RRULE within the given time range
func (e *Engine) expandRRule(masterStart time.Time, rruleStr string, rangeStart, rangeEnd time.Time) ([]time.Time, error) {
	// Build the full RRULE string for parsing
	dtstart := masterStart.UTC().Format("20060102T150405Z")
	fullRRule := fmt.Sprintf("DTSTART:%s\nRRULE:%s", dtstart, rruleStr)

	ruleSet, err := rrule.StrToRRuleSet(fullRRule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE '%s': %w", rruleStr, err)
	}

	// rrule-go's Between method is inclusive of start, exclusive of end
	return ruleSet.Between(rangeStart, rangeEnd, true), nil
}

// isExcluded checks if a given time is in the EXDATE list
func (e *Engine) isExcluded(t time.Time, exdates []time.Time) bool {
	for _, exdate := range exdates {
		// Handle both exact timestamp matches and date-only matches
		if t.Equal(exdate) {
			return true
		}

		// For date-only exceptions (stored as midnight UTC), check if the occurrence
		// falls on the same date when normalized to midnight UTC
		if exdate.Hour() == 0 && exdate.Minute() == 0 && exdate.Second() == 0 && exdate.Location() == time.UTC {
			occurrenceAtMidnight := time.Date(
				t.Year(), t.Month(), t.Day(),
				0, 0, 0, 0, time.UTC,
			)
			if occurrenceAtMidnight.Equal(exdate) {
				return true
			}
		}
	}
	return false
}
