package calobj

import (
	"strings"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

// Attendee is a live view over one ATTENDEE property; setters write
// through to the underlying component.
type Attendee struct {
	Prop *ical.Prop
}

// Attendees lists the ATTENDEE properties of one component.
func Attendees(comp *ical.Component) []Attendee {
	props := comp.Props.Values(ical.PropAttendee)
	attendees := make([]Attendee, 0, len(props))
	for i := range props {
		attendees = append(attendees, Attendee{Prop: &props[i]})
	}
	return attendees
}

// FindAttendee locates the ATTENDEE with the given address on a
// component. Addresses compare case-insensitively.
func FindAttendee(comp *ical.Component, address string) mo.Option[Attendee] {
	address = NormalizeAddress(address)
	for _, att := range Attendees(comp) {
		if att.Address() == address {
			return mo.Some(att)
		}
	}
	return mo.None[Attendee]()
}

// HasAttendee reports whether a component lists the address.
func HasAttendee(comp *ical.Component, address string) bool {
	return FindAttendee(comp, address).IsPresent()
}

// RemoveAttendee drops the ATTENDEE with the given address from a
// component, keeping all others.
func RemoveAttendee(comp *ical.Component, address string) {
	address = NormalizeAddress(address)
	props := comp.Props.Values(ical.PropAttendee)
	var kept []ical.Prop
	for _, prop := range props {
		if NormalizeAddress(prop.Value) != address {
			kept = append(kept, prop)
		}
	}
	comp.Props.Del(ical.PropAttendee)
	for i := range kept {
		prop := kept[i]
		comp.Props.Add(&prop)
	}
}

// Address returns the normalized calendar user address.
func (a Attendee) Address() string {
	return NormalizeAddress(a.Prop.Value)
}

// PartStat returns the participation status, defaulting to NEEDS-ACTION.
func (a Attendee) PartStat() string {
	if v := a.Prop.Params.Get(ical.ParamParticipationStatus); v != "" {
		return strings.ToUpper(v)
	}
	return PartStatNeedsAction
}

// SetPartStat writes the participation status.
func (a Attendee) SetPartStat(partstat string) {
	a.Prop.Params.Set(ical.ParamParticipationStatus, partstat)
}

// RSVP reports whether a response is requested.
func (a Attendee) RSVP() bool {
	return strings.EqualFold(a.Prop.Params.Get(ical.ParamRSVP), "TRUE")
}

// SetRSVP writes the RSVP flag.
func (a Attendee) SetRSVP(rsvp bool) {
	if rsvp {
		a.Prop.Params.Set(ical.ParamRSVP, "TRUE")
	} else {
		a.Prop.Params.Set(ical.ParamRSVP, "FALSE")
	}
}

// ScheduleAgent returns the SCHEDULE-AGENT, defaulting to SERVER.
func (a Attendee) ScheduleAgent() string {
	if v := a.Prop.Params.Get(ParamScheduleAgent); v != "" {
		return strings.ToUpper(v)
	}
	return AgentServer
}

// ScheduleStatus returns the delivery status written back after the
// last scheduling attempt, empty if none.
func (a Attendee) ScheduleStatus() string {
	return a.Prop.Params.Get(ParamScheduleStatus)
}

// SetScheduleStatus records the iTIP request-status of a delivery.
func (a Attendee) SetScheduleStatus(status string) {
	a.Prop.Params.Set(ParamScheduleStatus, status)
}

// ForceSend returns the SCHEDULE-FORCE-SEND value, empty if absent.
func (a Attendee) ForceSend() string {
	return strings.ToUpper(a.Prop.Params.Get(ParamScheduleForceSend))
}

// ClearForceSend removes the SCHEDULE-FORCE-SEND request; it is a
// one-shot client instruction and never stored.
func (a Attendee) ClearForceSend() {
	a.Prop.Params.Del(ParamScheduleForceSend)
}

// CommonName returns the display name parameter.
func (a Attendee) CommonName() string {
	return a.Prop.Params.Get(ical.ParamCommonName)
}
