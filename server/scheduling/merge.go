package scheduling

import (
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora-scheduling/server/calobj"
)

// AttendeeMerge reconciles an attendee's proposed write against the
// organizer's authoritative copy. Only the attendee's own ATTENDEE
// property, VALARM components, TRANSP, and overrides for instances they
// were already invited to may differ; every other difference is
// silently reverted to the organizer's value. Changes beyond that
// envelope are rejected.
//
// The returned keys are the instances on which the attendee's own
// PARTSTAT actually changed; empty means the write was cosmetic and no
// REPLY is due.
func (a *ChangeAnalyzer) AttendeeMerge(organizerCopy, proposed *calobj.Object, attendee string) (*calobj.Object, []calobj.InstanceKey, error) {
	attendee = calobj.NormalizeAddress(attendee)

	if organizerCopy.Organizer().OrElse("") != proposed.Organizer().OrElse("") {
		return nil, nil, &ValidationError{
			Precondition: "allowed-attendee-scheduling-object-change",
			Status:       StatusOrganizerChange,
			Message:      "organizer cannot be changed",
		}
	}
	if organizerCopy.UID() != proposed.UID() {
		return nil, nil, &ValidationError{
			Precondition: "allowed-attendee-scheduling-object-change",
			Message:      "attendee changes are not allowed",
		}
	}

	merged := organizerCopy.Clone()
	merged.SetMethod("")
	var replyKeys []calobj.InstanceKey

	for _, key := range proposed.InstanceKeys() {
		proposedComp := proposed.ComponentFor(key)
		mergedComp := merged.ComponentFor(key)

		if mergedComp == nil {
			// The attendee is materializing an override. Allowed only
			// for instances they were invited to through the master.
			master := merged.Master()
			if master == nil || !calobj.HasAttendee(master, attendee) {
				return nil, nil, &ValidationError{
					Precondition: "allowed-attendee-scheduling-object-change",
					Message:      "attendee changes are not allowed",
				}
			}
			mergedComp = materializeOverride(merged, key)
			if mergedComp == nil {
				return nil, nil, &ValidationError{
					Precondition: "allowed-attendee-scheduling-object-change",
					Message:      "attendee changes are not allowed",
				}
			}
		}

		own, ok := calobj.FindAttendee(proposedComp, attendee).Get()
		if !ok {
			// The attendee may not remove themselves via the copy; a
			// delete of the copy handles declines.
			return nil, nil, &ValidationError{
				Precondition: "allowed-attendee-scheduling-object-change",
				Message:      "attendee changes are not allowed",
			}
		}

		current, ok := calobj.FindAttendee(mergedComp, attendee).Get()
		if !ok {
			return nil, nil, &ValidationError{
				Precondition: "allowed-attendee-scheduling-object-change",
				Message:      "attendee changes are not allowed",
			}
		}

		if current.PartStat() != own.PartStat() {
			replyKeys = append(replyKeys, key)
		}
		current.SetPartStat(own.PartStat())
		current.SetRSVP(own.RSVP())
		if status := own.ScheduleStatus(); status != "" {
			current.SetScheduleStatus(status)
		}

		calobj.SetTransparency(mergedComp, calobj.Transparency(proposedComp))
		copyAlarms(proposedComp, mergedComp)
	}

	sortInstanceKeys(replyKeys)
	return merged, replyKeys, nil
}

// materializeOverride clones the master into a new override component
// for the given instance.
func materializeOverride(obj *calobj.Object, key calobj.InstanceKey) *ical.Component {
	t, ok := key.Time().Get()
	if !ok {
		return nil
	}
	master := obj.Master()
	if master == nil {
		return nil
	}

	override := obj.Clone().Master()
	override.Props.SetDateTime(ical.PropRecurrenceID, t)
	override.Props.SetDateTime(ical.PropDateTimeStart, t)
	if _, end, ok := timesOf(master); ok {
		if start, _, ok2 := timesOf(master); ok2 {
			override.Props.SetDateTime(ical.PropDateTimeEnd, t.Add(end.Sub(start)))
		}
	}
	override.Props.Del(ical.PropRecurrenceRule)
	override.Props.Del(ical.PropRecurrenceDates)
	override.Props.Del(ical.PropExceptionDates)

	obj.Cal.Children = append(obj.Cal.Children, override)
	return override
}

func timesOf(comp *ical.Component) (time.Time, time.Time, bool) {
	if comp.Props.Get(ical.PropDateTimeStart) == nil {
		return time.Time{}, time.Time{}, false
	}
	start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
	if err != nil || end.IsZero() {
		end = start
	}
	return start, end, true
}

// copyAlarms replaces dst's VALARM children with src's.
func copyAlarms(src, dst *ical.Component) {
	var kept []*ical.Component
	for _, child := range dst.Children {
		if child.Name != ical.CompAlarm {
			kept = append(kept, child)
		}
	}
	for _, child := range src.Children {
		if child.Name == ical.CompAlarm {
			kept = append(kept, child)
		}
	}
	dst.Children = kept
}
