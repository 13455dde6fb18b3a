package storage

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-ical"
)

// CalendarToICS serializes a VCALENDAR payload to its wire form.
func CalendarToICS(cal *ical.Calendar) (string, error) {
	if cal.Props.Get(ical.PropVersion) == nil {
		cal.Props.SetText(ical.PropVersion, "2.0")
	}
	if cal.Props.Get(ical.PropProductID) == nil {
		cal.Props.SetText(ical.PropProductID, "-//Caldora//Go Scheduling//EN")
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.String(), nil
}

// ICSToCalendar parses wire-form iCalendar data into a VCALENDAR payload.
func ICSToCalendar(ics string) (*ical.Calendar, error) {
	dec := ical.NewDecoder(strings.NewReader(ics))
	cal, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode calendar: %w", err)
	}
	return cal, nil
}
