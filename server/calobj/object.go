package calobj

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/samber/mo"

	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// Object wraps a VCALENDAR payload whose scheduling components share one
// UID: a master component plus zero or more overrides keyed by
// RECURRENCE-ID.
type Object struct {
	Cal *ical.Calendar
}

// New validates the payload invariants: all scheduling components carry
// the same UID, and at most one distinct ORGANIZER value exists.
func New(cal *ical.Calendar) (*Object, error) {
	o := &Object{Cal: cal}
	comps := o.Components()
	if len(comps) == 0 {
		return nil, fmt.Errorf("calendar contains no scheduling components")
	}

	uid := ""
	organizer := ""
	for _, comp := range comps {
		prop := comp.Props.Get(ical.PropUID)
		if prop == nil || prop.Value == "" {
			return nil, fmt.Errorf("component %s is missing UID", comp.Name)
		}
		if uid == "" {
			uid = prop.Value
		} else if uid != prop.Value {
			return nil, fmt.Errorf("calendar mixes UIDs %q and %q", uid, prop.Value)
		}

		if org := comp.Props.Get(ical.PropOrganizer); org != nil {
			addr := NormalizeAddress(org.Value)
			if organizer == "" {
				organizer = addr
			} else if organizer != addr {
				return nil, fmt.Errorf("calendar carries more than one ORGANIZER")
			}
		}
	}
	return o, nil
}

// Decode parses wire-form iCalendar data into an Object.
func Decode(ics string) (*Object, error) {
	cal, err := storage.ICSToCalendar(ics)
	if err != nil {
		return nil, err
	}
	return New(cal)
}

// Encode serializes the object back to wire form.
func (o *Object) Encode() (string, error) {
	return storage.CalendarToICS(o.Cal)
}

// Clone returns a deep copy sharing no state with the receiver.
func (o *Object) Clone() *Object {
	return &Object{Cal: &ical.Calendar{Component: cloneComponent(o.Cal.Component)}}
}

// Components returns the scheduling components, skipping VTIMEZONE.
func (o *Object) Components() []*ical.Component {
	var comps []*ical.Component
	for _, child := range o.Cal.Children {
		if child.Name == ical.CompTimezone {
			continue
		}
		comps = append(comps, child)
	}
	return comps
}

// UID returns the shared UID of the scheduling components.
func (o *Object) UID() string {
	for _, comp := range o.Components() {
		if prop := comp.Props.Get(ical.PropUID); prop != nil {
			return prop.Value
		}
	}
	return ""
}

// Method returns the iTIP METHOD of the payload, empty for plain data.
func (o *Object) Method() string {
	if prop := o.Cal.Props.Get(ical.PropMethod); prop != nil {
		return strings.ToUpper(prop.Value)
	}
	return ""
}

// SetMethod sets the iTIP METHOD on the payload. Empty removes it.
func (o *Object) SetMethod(method string) {
	if method == "" {
		o.Cal.Props.Del(ical.PropMethod)
		return
	}
	o.Cal.Props.SetText(ical.PropMethod, method)
}

// Master returns the master component, nil when the object only holds
// overrides (an attendee invited to selected instances).
func (o *Object) Master() *ical.Component {
	for _, comp := range o.Components() {
		if keyForComponent(comp) == MasterKey {
			return comp
		}
	}
	return nil
}

// Overrides returns the override components keyed by instance.
func (o *Object) Overrides() map[InstanceKey]*ical.Component {
	overrides := make(map[InstanceKey]*ical.Component)
	for _, comp := range o.Components() {
		if key := keyForComponent(comp); key != MasterKey {
			overrides[key] = comp
		}
	}
	return overrides
}

// InstanceKeys lists the present instance keys, master first.
func (o *Object) InstanceKeys() []InstanceKey {
	var keys []InstanceKey
	if o.Master() != nil {
		keys = append(keys, MasterKey)
	}
	var overrides []InstanceKey
	for key := range o.Overrides() {
		overrides = append(overrides, key)
	}
	sortKeys(overrides)
	return append(keys, overrides...)
}

// ComponentFor returns the component addressed by key: the override if
// one exists, else the master for MasterKey, else nil.
func (o *Object) ComponentFor(key InstanceKey) *ical.Component {
	if key == MasterKey {
		return o.Master()
	}
	return o.Overrides()[key]
}

// Sequence returns the master's SEQUENCE, or the first component's when
// no master exists. Missing SEQUENCE reads as 0.
func (o *Object) Sequence() int {
	comp := o.Master()
	if comp == nil {
		comps := o.Components()
		if len(comps) == 0 {
			return 0
		}
		comp = comps[0]
	}
	return componentSequence(comp)
}

// MaxSequence returns the highest SEQUENCE across all components.
func (o *Object) MaxSequence() int {
	max := 0
	for _, comp := range o.Components() {
		if seq := componentSequence(comp); seq > max {
			max = seq
		}
	}
	return max
}

// SetSequence writes the SEQUENCE on every scheduling component.
func (o *Object) SetSequence(seq int) {
	for _, comp := range o.Components() {
		comp.Props.SetText(ical.PropSequence, strconv.Itoa(seq))
	}
}

// Organizer returns the normalized ORGANIZER address, None for
// unscheduled objects.
func (o *Object) Organizer() mo.Option[string] {
	if prop := o.OrganizerProp(); prop != nil {
		return mo.Some(NormalizeAddress(prop.Value))
	}
	return mo.None[string]()
}

// OrganizerProp returns the first ORGANIZER property present.
func (o *Object) OrganizerProp() *ical.Prop {
	for _, comp := range o.Components() {
		if prop := comp.Props.Get(ical.PropOrganizer); prop != nil {
			return prop
		}
	}
	return nil
}

// OrganizerScheduleAgent returns the SCHEDULE-AGENT of the ORGANIZER,
// defaulting to SERVER per RFC 6638.
func (o *Object) OrganizerScheduleAgent() string {
	prop := o.OrganizerProp()
	if prop == nil {
		return AgentServer
	}
	if agent := prop.Params.Get(ParamScheduleAgent); agent != "" {
		return strings.ToUpper(agent)
	}
	return AgentServer
}

// IsScheduled reports whether the object takes part in implicit
// scheduling: it has an ORGANIZER and at least one ATTENDEE.
func (o *Object) IsScheduled() bool {
	if o.OrganizerProp() == nil {
		return false
	}
	for _, comp := range o.Components() {
		if len(comp.Props.Values(ical.PropAttendee)) > 0 {
			return true
		}
	}
	return false
}

// AllCancelled reports whether every scheduling component is cancelled.
func (o *Object) AllCancelled() bool {
	comps := o.Components()
	if len(comps) == 0 {
		return false
	}
	for _, comp := range comps {
		status := ""
		if prop := comp.Props.Get(ical.PropStatus); prop != nil {
			status = strings.ToUpper(prop.Value)
		}
		if status != StatusCancelled {
			return false
		}
	}
	return true
}

// ExDateKeys returns the instance keys excluded by master EXDATEs.
func (o *Object) ExDateKeys() []InstanceKey {
	master := o.Master()
	if master == nil {
		return nil
	}
	var keys []InstanceKey
	for _, prop := range master.Props.Values(ical.PropExceptionDates) {
		for _, value := range strings.Split(prop.Value, ",") {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if t, err := time.Parse(instanceKeyLayout, value); err == nil {
				keys = append(keys, KeyForTime(t))
			} else {
				keys = append(keys, InstanceKey(value))
			}
		}
	}
	sortKeys(keys)
	return keys
}

// AddExDate excludes one instance on the master component.
func (o *Object) AddExDate(key InstanceKey) {
	master := o.Master()
	if master == nil {
		return
	}
	for _, existing := range o.ExDateKeys() {
		if existing == key {
			return
		}
	}
	prop := ical.NewProp(ical.PropExceptionDates)
	prop.Value = string(key)
	master.Props.Add(prop)
}

// RemoveOverride deletes the override component for key, if present.
func (o *Object) RemoveOverride(key InstanceKey) {
	for i, child := range o.Cal.Children {
		if child.Name == ical.CompTimezone {
			continue
		}
		if keyForComponent(child) == key && key != MasterKey {
			o.Cal.Children = append(o.Cal.Children[:i], o.Cal.Children[i+1:]...)
			return
		}
	}
}

// SubsetInstances returns a deep copy carrying only the named instances
// (plus any VTIMEZONE children). Nil keys means the whole object.
func (o *Object) SubsetInstances(keys []InstanceKey) *Object {
	clone := o.Clone()
	if keys == nil {
		return clone
	}
	wanted := make(map[InstanceKey]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}
	var children []*ical.Component
	for _, child := range clone.Cal.Children {
		if child.Name == ical.CompTimezone || wanted[keyForComponent(child)] {
			children = append(children, child)
		}
	}
	clone.Cal.Children = children
	return clone
}

// SetTransparency writes TRANSP on one component.
func SetTransparency(comp *ical.Component, transp string) {
	comp.Props.SetText(ical.PropTransparency, transp)
}

// Transparency reads TRANSP, defaulting to OPAQUE.
func Transparency(comp *ical.Component) string {
	if prop := comp.Props.Get(ical.PropTransparency); prop != nil {
		return strings.ToUpper(prop.Value)
	}
	return TranspOpaque
}

// NormalizeAddress lowercases and trims a calendar user address so that
// addresses compare reliably.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func componentSequence(comp *ical.Component) int {
	prop := comp.Props.Get(ical.PropSequence)
	if prop == nil {
		return 0
	}
	seq, err := strconv.Atoi(prop.Value)
	if err != nil {
		return 0
	}
	return seq
}

func cloneComponent(c *ical.Component) *ical.Component {
	out := ical.NewComponent(c.Name)
	for name, props := range c.Props {
		copied := make([]ical.Prop, len(props))
		for i, p := range props {
			np := p
			np.Params = cloneParams(p.Params)
			copied[i] = np
		}
		out.Props[name] = copied
	}
	for _, child := range c.Children {
		out.Children = append(out.Children, cloneComponent(child))
	}
	return out
}

func cloneParams(params ical.Params) ical.Params {
	if params == nil {
		return nil
	}
	out := make(ical.Params, len(params))
	for name, values := range params {
		copied := make([]string, len(values))
		copy(copied, values)
		out[name] = copied
	}
	return out
}
