// Package calobj provides a typed view over a VCALENDAR payload for the
// scheduling engine: UID, SEQUENCE, ORGANIZER, ATTENDEE access and the
// master/override component structure of a recurring series.
package calobj

import (
	"sort"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"
)

// iTIP METHOD values (RFC 5546).
const (
	MethodRequest = "REQUEST"
	MethodReply   = "REPLY"
	MethodCancel  = "CANCEL"
	MethodAdd     = "ADD"
	MethodRefresh = "REFRESH"
)

// Participation status values.
const (
	PartStatNeedsAction = "NEEDS-ACTION"
	PartStatAccepted    = "ACCEPTED"
	PartStatDeclined    = "DECLINED"
	PartStatTentative   = "TENTATIVE"
	PartStatDelegated   = "DELEGATED"
)

// TRANSP and STATUS values.
const (
	TranspOpaque      = "OPAQUE"
	TranspTransparent = "TRANSPARENT"
	StatusConfirmed   = "CONFIRMED"
	StatusTentative   = "TENTATIVE"
	StatusCancelled   = "CANCELLED"
)

// RFC 6638 scheduling parameters and SCHEDULE-AGENT values. go-ical does
// not define these.
const (
	ParamScheduleAgent     = "SCHEDULE-AGENT"
	ParamScheduleStatus    = "SCHEDULE-STATUS"
	ParamScheduleForceSend = "SCHEDULE-FORCE-SEND"

	AgentServer = "SERVER"
	AgentClient = "CLIENT"
	AgentNone   = "NONE"
)

// instanceKeyLayout is the UTC basic format used for RECURRENCE-ID keys.
const instanceKeyLayout = "20060102T150405Z"

// InstanceKey identifies one recurrence instance of a calendar object.
// The zero value addresses the master component; any other value is the
// RECURRENCE-ID timestamp in UTC basic format.
type InstanceKey string

// MasterKey addresses the master component.
const MasterKey InstanceKey = ""

// KeyForTime builds the instance key for an occurrence start time.
func KeyForTime(t time.Time) InstanceKey {
	return InstanceKey(t.UTC().Format(instanceKeyLayout))
}

// Time parses the key back into a timestamp. None for the master key or
// a malformed key.
func (k InstanceKey) Time() mo.Option[time.Time] {
	if k == MasterKey {
		return mo.None[time.Time]()
	}
	t, err := time.Parse(instanceKeyLayout, string(k))
	if err != nil {
		return mo.None[time.Time]()
	}
	return mo.Some(t)
}

// IsMaster reports whether the key addresses the master component.
func (k InstanceKey) IsMaster() bool { return k == MasterKey }

// keyForComponent derives the instance key from a component's
// RECURRENCE-ID, or MasterKey when it has none.
func keyForComponent(comp *ical.Component) InstanceKey {
	prop := comp.Props.Get(ical.PropRecurrenceID)
	if prop == nil {
		return MasterKey
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return InstanceKey(prop.Value)
	}
	return KeyForTime(t)
}

func sortKeys(keys []InstanceKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
