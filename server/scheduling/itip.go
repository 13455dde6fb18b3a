package scheduling

import (
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora-scheduling/server/calobj"
)

// SchedulingMessage is one outbound iTIP message.
type SchedulingMessage struct {
	Method string
	// Payload carries the (possibly instance-subsetted) calendar data.
	Payload *calobj.Object
	// Originator is the calendar user address the message is sent on
	// behalf of.
	Originator string
	// Recipients are the target addresses, in order.
	Recipients []string
}

// MessageGenerator builds iTIP payloads for the implicit scheduler.
type MessageGenerator struct {
	// ProductID stamps generated calendars. Empty uses the default.
	ProductID string
}

// Request builds a REQUEST (or attendee refresh) covering the given
// instances. Nil instances means the full object.
func (g *MessageGenerator) Request(obj *calobj.Object, instances []calobj.InstanceKey, originator string, recipients []string) (*SchedulingMessage, error) {
	payload := obj.SubsetInstances(instances)
	if len(payload.Components()) == 0 {
		return nil, fmt.Errorf("request covers no instances of uid %s", obj.UID())
	}
	payload.SetMethod(calobj.MethodRequest)
	g.stamp(payload)
	for _, comp := range payload.Components() {
		for _, att := range calobj.Attendees(comp) {
			att.ClearForceSend()
		}
	}
	return &SchedulingMessage{
		Method:     calobj.MethodRequest,
		Payload:    payload,
		Originator: originator,
		Recipients: recipients,
	}, nil
}

// Cancel builds a CANCEL for one recipient covering the given
// instances. A set containing the master key cancels the whole UID with
// a single component carrying no RECURRENCE-ID; otherwise one skeleton
// component per recurrence instance is produced. sequence is the
// already-bumped SEQUENCE to carry.
func (g *MessageGenerator) Cancel(obj *calobj.Object, instances []calobj.InstanceKey, originator, recipient string, sequence int) (*SchedulingMessage, error) {
	organizer := obj.OrganizerProp()
	if organizer == nil {
		return nil, fmt.Errorf("cannot cancel uid %s without an organizer", obj.UID())
	}

	wholeUID := false
	for _, key := range instances {
		if key.IsMaster() {
			wholeUID = true
			break
		}
	}
	if wholeUID {
		instances = []calobj.InstanceKey{calobj.MasterKey}
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, g.productID())
	cal.Props.SetText(ical.PropMethod, calobj.MethodCancel)

	compName := ical.CompEvent
	if comps := obj.Components(); len(comps) > 0 {
		compName = comps[0].Name
	}

	for _, key := range instances {
		comp := ical.NewComponent(compName)
		comp.Props.SetText(ical.PropUID, obj.UID())
		comp.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
		comp.Props.SetText(ical.PropSequence, strconv.Itoa(sequence))
		comp.Props.SetText(ical.PropStatus, calobj.StatusCancelled)

		orgProp := *organizer
		comp.Props.Set(&orgProp)

		attProp := g.attendeeProp(obj, key, recipient)
		comp.Props.Add(attProp)

		if source := obj.ComponentFor(key); source != nil {
			if summary := source.Props.Get(ical.PropSummary); summary != nil {
				comp.Props.SetText(ical.PropSummary, summary.Value)
			}
			if start := source.Props.Get(ical.PropDateTimeStart); start != nil {
				copied := *start
				comp.Props.Set(&copied)
			}
		}
		if !key.IsMaster() {
			if t, ok := key.Time().Get(); ok {
				comp.Props.SetDateTime(ical.PropRecurrenceID, t)
			}
		}
		cal.Children = append(cal.Children, comp)
	}

	payload, err := calobj.New(cal)
	if err != nil {
		return nil, err
	}
	return &SchedulingMessage{
		Method:     calobj.MethodCancel,
		Payload:    payload,
		Originator: originator,
		Recipients: []string{recipient},
	}, nil
}

// Reply builds the attendee's REPLY to the organizer, covering the
// given instances and retaining only the replying ATTENDEE property.
func (g *MessageGenerator) Reply(obj *calobj.Object, attendee, organizer string, instances []calobj.InstanceKey) (*SchedulingMessage, error) {
	payload := obj.SubsetInstances(instances)
	if len(payload.Components()) == 0 {
		return nil, fmt.Errorf("reply covers no instances of uid %s", obj.UID())
	}
	payload.SetMethod(calobj.MethodReply)
	g.stamp(payload)

	attendee = calobj.NormalizeAddress(attendee)
	for _, comp := range payload.Components() {
		own, ok := calobj.FindAttendee(comp, attendee).Get()
		if !ok {
			return nil, fmt.Errorf("attendee %s is not on uid %s", attendee, obj.UID())
		}
		ownProp := *own.Prop
		comp.Props.Set(&ownProp)
		// REQUEST-STATUS is a structured value; its semicolons are
		// separators and must not be text-escaped.
		statusProp := ical.NewProp(ical.PropRequestStatus)
		statusProp.Value = StatusSuccess
		comp.Props.Set(statusProp)
		// A reply never carries alarms.
		var children []*ical.Component
		for _, child := range comp.Children {
			if child.Name != ical.CompAlarm {
				children = append(children, child)
			}
		}
		comp.Children = children
	}
	return &SchedulingMessage{
		Method:     calobj.MethodReply,
		Payload:    payload,
		Originator: attendee,
		Recipients: []string{organizer},
	}, nil
}

func (g *MessageGenerator) stamp(obj *calobj.Object) {
	now := time.Now().UTC()
	for _, comp := range obj.Components() {
		comp.Props.SetDateTime(ical.PropDateTimeStamp, now)
	}
}

func (g *MessageGenerator) productID() string {
	if g.ProductID != "" {
		return g.ProductID
	}
	return "-//Caldora//Go Scheduling//EN"
}

// attendeeProp returns a copy of the recipient's ATTENDEE property from
// the addressed component, or a minimal one when the component no
// longer lists them.
func (g *MessageGenerator) attendeeProp(obj *calobj.Object, key calobj.InstanceKey, recipient string) *ical.Prop {
	if comp := obj.ComponentFor(key); comp != nil {
		if att, ok := calobj.FindAttendee(comp, recipient).Get(); ok {
			copied := *att.Prop
			return &copied
		}
	}
	prop := ical.NewProp(ical.PropAttendee)
	prop.Value = recipient
	return prop
}
