package recurrence

import (
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// InfoFromComponent extracts recurrence information from an iCal component.
func InfoFromComponent(comp *ical.Component) RecurrenceInfo {
	info := RecurrenceInfo{}

	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil && prop.Value != "" {
		info.RRULE = prop.Value
	}
	for _, prop := range comp.Props.Values(ical.PropRecurrenceDates) {
		info.RDATE = append(info.RDATE, parseDateList(prop)...)
	}
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		info.EXDATE = append(info.EXDATE, parseDateList(prop)...)
	}
	return info
}

// TimesFromComponent extracts the start and end times of a component.
// End falls back to DURATION and then to the RFC 5545 defaults (one day
// for all-day events, instantaneous otherwise).
func TimesFromComponent(comp *ical.Component) (start, end time.Time, ok bool) {
	if comp.Props.Get(ical.PropDateTimeStart) == nil {
		return time.Time{}, time.Time{}, false
	}
	start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	if dtend, err := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC); err == nil && !dtend.IsZero() {
		return start, dtend, true
	}
	if durProp := comp.Props.Get(ical.PropDuration); durProp != nil {
		if dur, err := durProp.Duration(); err == nil {
			return start, start.Add(dur), true
		}
	}
	if isAllDayDate(start) {
		return start, start.AddDate(0, 0, 1), true
	}
	return start, start, true
}

// parseDateList parses a comma-separated RDATE/EXDATE value. Date-only
// values become midnight UTC.
func parseDateList(prop ical.Prop) []time.Time {
	var out []time.Time
	dateOnly := strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
	for _, value := range strings.Split(prop.Value, ",") {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		layout := "20060102T150405Z"
		if dateOnly || len(value) == 8 {
			layout = "20060102"
		}
		if t, err := time.Parse(layout, value); err == nil {
			out = append(out, t.UTC())
			continue
		}
		// Floating local times are treated as UTC; the engine only
		// compares occurrences against UTC windows.
		if t, err := time.Parse("20060102T150405", value); err == nil {
			out = append(out, t.UTC())
		}
	}
	return out
}

func isAllDayDate(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}
