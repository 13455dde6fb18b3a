package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/cyp0633/caldora-scheduling/config"
	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/recurrence"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// compAvailable is the RFC 7953 sub-component of VAVAILABILITY.
const (
	compAvailability = "VAVAILABILITY"
	compAvailable    = "AVAILABLE"
)

// Period is a half-open [Start, End) time interval.
type Period struct {
	Start time.Time
	End   time.Time
}

// FreeBusyRequest asks for the busy intervals of one user over a UTC
// range.
type FreeBusyRequest struct {
	Start time.Time
	End   time.Time
	// UserID owns the calendars below.
	UserID string
	// CalendarIDs are the collections to aggregate. Empty uses the
	// user's free-busy calendar set.
	CalendarIDs []string
	// MaskUID excludes the event itself, so an attendee doesn't see
	// their own pending invitation as a conflict.
	MaskUID string
	// ForOrganizer marks queries made on behalf of the event organizer;
	// other requesters get tentative time folded into busy.
	ForOrganizer bool
}

// FreeBusyInfo is the aggregated result, one merged period list per
// busy classification.
type FreeBusyInfo struct {
	Busy        []Period
	Tentative   []Period
	Unavailable []Period
}

// BusyAt reports whether any bucket overlaps [start, end).
func (i *FreeBusyInfo) BusyAt(start, end time.Time) bool {
	for _, bucket := range [][]Period{i.Busy, i.Tentative, i.Unavailable} {
		for _, p := range bucket {
			if p.Start.Before(end) && p.End.After(start) {
				return true
			}
		}
	}
	return false
}

// FreeBusyEngine aggregates busy intervals across a calendar set.
type FreeBusyEngine struct {
	Storage    storage.Storage
	Recurrence *recurrence.Engine
	Config     *config.Config
	Logger     *slog.Logger
}

// Query runs the aggregation. Exceeding the configured instance cap is
// fatal for the entire request, never a partial result.
func (e *FreeBusyEngine) Query(ctx context.Context, req FreeBusyRequest) (*FreeBusyInfo, error) {
	if !req.End.After(req.Start) {
		return nil, &ValidationError{Precondition: "valid-calendar-data", Message: "free-busy range is empty"}
	}

	calendarIDs := req.CalendarIDs
	if len(calendarIDs) == 0 {
		user, err := e.Storage.GetUser(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to load free-busy user: %w", err)
		}
		calendarIDs = user.FreeBusyCalendarIDs
	}
	if len(calendarIDs) == 0 {
		// No restriction configured: every calendar contributes.
		cals, err := e.Storage.ListCalendars(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to list calendars for %s: %w", req.UserID, err)
		}
		for _, cal := range cals {
			calendarIDs = append(calendarIDs, cal.ID)
		}
	}

	info := &FreeBusyInfo{}
	budget := e.Config.Scheduling().FreeBusyInstanceCap

	// Availability restrictions layer first.
	if err := e.applyAvailability(ctx, req, info); err != nil {
		return nil, err
	}

	for _, calendarID := range calendarIDs {
		objects, err := e.Storage.ListObjects(ctx, req.UserID, calendarID)
		if err != nil {
			return nil, fmt.Errorf("failed to list calendar %s: %w", calendarID, err)
		}
		for _, obj := range objects {
			if obj.Data == nil {
				continue
			}
			used, err := e.collectObject(obj, req, info, budget)
			if err != nil {
				return nil, err
			}
			budget -= used
		}
	}

	info.Busy = coalesce(info.Busy)
	info.Tentative = coalesce(info.Tentative)
	info.Unavailable = coalesce(info.Unavailable)

	if !req.ForOrganizer {
		info.Busy = coalesce(append(info.Busy, info.Tentative...))
		info.Tentative = nil
	}
	return info, nil
}

// collectObject adds one stored object's occurrences to info and
// returns how many instances it consumed from the budget.
func (e *FreeBusyEngine) collectObject(obj *storage.CalendarObject, req FreeBusyRequest, info *FreeBusyInfo, budget int) (int, error) {
	co, err := calobj.New(obj.Data)
	if err != nil {
		// Non-scheduling payloads (e.g. standalone VTIMEZONE) don't
		// contribute.
		return 0, nil
	}
	if req.MaskUID != "" && co.UID() == req.MaskUID {
		return 0, nil
	}

	used := 0
	overridden := make(map[calobj.InstanceKey]bool)

	for key, comp := range co.Overrides() {
		overridden[key] = true
		bucket, ok := classify(comp)
		if !ok {
			continue
		}
		start, end, ok := recurrence.TimesFromComponent(comp)
		if !ok {
			continue
		}
		if clipped, ok := clip(Period{Start: start, End: end}, req.Start, req.End); ok {
			appendBucket(info, bucket, clipped)
			used++
		}
	}

	master := co.Master()
	if master == nil {
		return used, nil
	}
	bucket, ok := classify(master)
	if !ok {
		return used, nil
	}
	start, end, ok := recurrence.TimesFromComponent(master)
	if !ok {
		return used, nil
	}

	occurrences, err := e.Recurrence.ExpandInstances(
		start, end, recurrence.InfoFromComponent(master), req.Start, req.End, budget-used)
	if err != nil {
		if errors.Is(err, recurrence.ErrTooManyInstances) {
			return used, &ValidationError{
				Precondition: "number-of-matches-within-limits",
				Status:       StatusServiceUnavailable,
				Message:      fmt.Sprintf("free-busy query for %s exceeds the instance limit", req.UserID),
			}
		}
		return used, fmt.Errorf("failed to expand uid %s: %w", co.UID(), err)
	}
	for _, occ := range occurrences {
		if overridden[calobj.KeyForTime(occ.Start)] {
			continue
		}
		if clipped, ok := clip(Period{Start: occ.Start, End: occ.End}, req.Start, req.End); ok {
			appendBucket(info, bucket, clipped)
			used++
		}
	}
	return used, nil
}

// applyAvailability turns VAVAILABILITY components in the user's inbox
// into BUSY-UNAVAILABLE time outside the AVAILABLE windows.
func (e *FreeBusyEngine) applyAvailability(ctx context.Context, req FreeBusyRequest, info *FreeBusyInfo) error {
	items, err := e.Storage.ListInboxItems(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to list inbox for availability: %w", err)
	}

	var windows []Period
	found := false
	for _, item := range items {
		if item.Data == nil {
			continue
		}
		for _, comp := range item.Data.Children {
			if comp.Name != compAvailability {
				continue
			}
			found = true
			for _, child := range comp.Children {
				if child.Name != compAvailable {
					continue
				}
				start, end, ok := recurrence.TimesFromComponent(child)
				if !ok {
					continue
				}
				if clipped, ok := clip(Period{Start: start, End: end}, req.Start, req.End); ok {
					windows = append(windows, clipped)
				}
			}
		}
	}
	if !found {
		return nil
	}
	info.Unavailable = append(info.Unavailable,
		subtract(Period{Start: req.Start, End: req.End}, coalesce(windows))...)
	return nil
}

type fbBucket int

const (
	fbBusy fbBucket = iota
	fbTentative
)

// classify buckets one component by TRANSP and STATUS. ok=false means
// the component doesn't count against free-busy at all.
func classify(comp *ical.Component) (fbBucket, bool) {
	if calobj.Transparency(comp) == calobj.TranspTransparent {
		return 0, false
	}
	status := ""
	if prop := comp.Props.Get(ical.PropStatus); prop != nil {
		status = strings.ToUpper(prop.Value)
	}
	switch status {
	case calobj.StatusCancelled:
		return 0, false
	case calobj.StatusTentative:
		return fbTentative, true
	default:
		return fbBusy, true
	}
}

func appendBucket(info *FreeBusyInfo, bucket fbBucket, p Period) {
	if bucket == fbTentative {
		info.Tentative = append(info.Tentative, p)
	} else {
		info.Busy = append(info.Busy, p)
	}
}

func clip(p Period, start, end time.Time) (Period, bool) {
	if p.Start.Before(start) {
		p.Start = start
	}
	if p.End.After(end) {
		p.End = end
	}
	if !p.End.After(p.Start) {
		return Period{}, false
	}
	return p, true
}

// coalesce sorts and merges overlapping or adjacent periods.
func coalesce(periods []Period) []Period {
	if len(periods) < 2 {
		return periods
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Start.Before(periods[j].Start) })
	out := periods[:1]
	for _, p := range periods[1:] {
		last := &out[len(out)-1]
		if !p.Start.After(last.End) {
			if p.End.After(last.End) {
				last.End = p.End
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

// subtract removes the (coalesced) windows from one period.
func subtract(p Period, windows []Period) []Period {
	var out []Period
	cursor := p.Start
	for _, w := range windows {
		if !w.End.After(cursor) {
			continue
		}
		if !w.Start.Before(p.End) {
			break
		}
		if w.Start.After(cursor) {
			out = append(out, Period{Start: cursor, End: w.Start})
		}
		if w.End.After(cursor) {
			cursor = w.End
		}
	}
	if cursor.Before(p.End) {
		out = append(out, Period{Start: cursor, End: p.End})
	}
	return out
}

// BuildVFreeBusy renders a free-busy result as a VFREEBUSY reply
// payload for direct scheduling queries.
func BuildVFreeBusy(info *FreeBusyInfo, start, end time.Time, organizer, attendee string) (*calobj.Object, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Caldora//Go Scheduling//EN")
	cal.Props.SetText(ical.PropMethod, calobj.MethodReply)

	comp := ical.NewComponent(ical.CompFreeBusy)
	comp.Props.SetText(ical.PropUID, uuid.NewString())
	comp.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	comp.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	comp.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	if organizer != "" {
		comp.Props.SetText(ical.PropOrganizer, organizer)
	}
	if attendee != "" {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Value = attendee
		comp.Props.Add(prop)
	}

	addPeriods := func(periods []Period, fbtype string) {
		for _, p := range periods {
			prop := ical.NewProp(ical.PropFreeBusy)
			prop.Params.Set(ical.ParamFreeBusyType, fbtype)
			prop.Value = fmt.Sprintf("%s/%s",
				p.Start.UTC().Format("20060102T150405Z"),
				p.End.UTC().Format("20060102T150405Z"))
			comp.Props.Add(prop)
		}
	}
	addPeriods(info.Busy, "BUSY")
	addPeriods(info.Tentative, "BUSY-TENTATIVE")
	addPeriods(info.Unavailable, "BUSY-UNAVAILABLE")

	cal.Children = append(cal.Children, comp)
	return calobj.New(cal)
}
