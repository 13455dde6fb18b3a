package scheduling

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora-scheduling/server/calobj"
)

// Properties whose change makes an update visible to attendees.
// DTSTAMP, SEQUENCE, CREATED, LAST-MODIFIED, TRANSP, VALARM and X-
// properties are attendee-private or bookkeeping and never significant.
var significantProps = []string{
	ical.PropDateTimeStart,
	ical.PropDateTimeEnd,
	ical.PropDuration,
	ical.PropRecurrenceRule,
	ical.PropRecurrenceDates,
	ical.PropExceptionDates,
	ical.PropStatus,
	ical.PropSummary,
	ical.PropDescription,
	ical.PropLocation,
}

// Properties whose change shifts the scheduled time and therefore
// demands a SEQUENCE bump.
var sequenceProps = map[string]bool{
	ical.PropDateTimeStart:   true,
	ical.PropDateTimeEnd:     true,
	ical.PropDuration:        true,
	ical.PropRecurrenceDates: true,
}

// InstanceChange describes what changed for one recurrence instance.
type InstanceChange struct {
	Key               calobj.InstanceKey
	ChangedProps      []string
	AttendeesChanged  bool
	Significant       bool
	NeedsSequenceBump bool
}

// ChangeSet is the result of diffing two versions of an object.
type ChangeSet struct {
	OrganizerChanged bool
	// Significant means at least one attendee-visible change exists.
	Significant bool
	// NeedsSequenceBump means the change is semantically significant
	// enough that SEQUENCE must advance if the client didn't do it.
	NeedsSequenceBump bool
	// MasterChanged means the master component itself changed; a
	// REQUEST then carries the full object rather than a subset.
	MasterChanged bool
	// Instances maps changed or added instances to their details.
	Instances map[calobj.InstanceKey]*InstanceChange
	// AddedInstances are overrides present only in the new version.
	AddedInstances []calobj.InstanceKey
	// RemovedInstances are overrides present only in the old version.
	RemovedInstances []calobj.InstanceKey
	// AddedExDates are master EXDATEs present only in the new version.
	AddedExDates []calobj.InstanceKey
}

// ChangedKeys lists the instances a modify REQUEST must carry. Nil when
// the master changed, meaning the whole object.
func (c *ChangeSet) ChangedKeys() []calobj.InstanceKey {
	if c.MasterChanged {
		return nil
	}
	var keys []calobj.InstanceKey
	for key := range c.Instances {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ChangeAnalyzer diffs two versions of a calendar object per recurrence
// instance.
type ChangeAnalyzer struct {
	Logger *slog.Logger
}

// Diff compares the prior stored version against the proposed one.
// old may be nil, in which case everything in new is an addition.
func (a *ChangeAnalyzer) Diff(old, new *calobj.Object) *ChangeSet {
	cs := &ChangeSet{Instances: make(map[calobj.InstanceKey]*InstanceChange)}
	if old == nil {
		cs.Significant = true
		cs.MasterChanged = true
		for _, key := range new.InstanceKeys() {
			cs.Instances[key] = &InstanceChange{Key: key, Significant: true}
		}
		return cs
	}

	oldOrg, newOrg := old.Organizer().OrElse(""), new.Organizer().OrElse("")
	cs.OrganizerChanged = oldOrg != newOrg

	oldOverrides := old.Overrides()
	newOverrides := new.Overrides()

	for key := range oldOverrides {
		if _, ok := newOverrides[key]; !ok {
			cs.RemovedInstances = append(cs.RemovedInstances, key)
		}
	}
	sortInstanceKeys(cs.RemovedInstances)

	oldExDates := keySet(old.ExDateKeys())
	for _, key := range new.ExDateKeys() {
		if !oldExDates[key] {
			cs.AddedExDates = append(cs.AddedExDates, key)
		}
	}

	// Master vs master.
	if oldMaster, newMaster := old.Master(), new.Master(); oldMaster != nil && newMaster != nil {
		if ic := a.diffComponent(calobj.MasterKey, oldMaster, newMaster); ic != nil {
			cs.Instances[calobj.MasterKey] = ic
			cs.MasterChanged = true
		}
	} else if (old.Master() == nil) != (new.Master() == nil) {
		cs.Instances[calobj.MasterKey] = &InstanceChange{Key: calobj.MasterKey, Significant: true, NeedsSequenceBump: true}
		cs.MasterChanged = true
	}

	// Overrides vs their old counterpart, falling back to the old
	// master for newly added overrides.
	for key, newComp := range newOverrides {
		oldComp, existed := oldOverrides[key]
		if !existed {
			cs.AddedInstances = append(cs.AddedInstances, key)
			oldComp = old.Master()
		}
		if oldComp == nil {
			cs.Instances[key] = &InstanceChange{Key: key, Significant: true}
			continue
		}
		if ic := a.diffComponent(key, oldComp, newComp); ic != nil {
			cs.Instances[key] = ic
		} else if !existed {
			// A new override identical to the master is still an
			// attendee-visible addition.
			cs.Instances[key] = &InstanceChange{Key: key, Significant: true}
		}
	}
	sortInstanceKeys(cs.AddedInstances)

	for _, ic := range cs.Instances {
		if ic.Significant {
			cs.Significant = true
		}
		if ic.NeedsSequenceBump {
			cs.NeedsSequenceBump = true
		}
	}
	if len(cs.RemovedInstances) > 0 || len(cs.AddedExDates) > 0 {
		cs.Significant = true
	}
	return cs
}

// diffComponent compares one instance. Returns nil when nothing
// attendee-visible changed.
func (a *ChangeAnalyzer) diffComponent(key calobj.InstanceKey, oldComp, newComp *ical.Component) *InstanceChange {
	ic := &InstanceChange{Key: key}

	for _, name := range significantProps {
		oldValues := propValues(oldComp, name)
		newValues := propValues(newComp, name)
		if equalValues(oldValues, newValues) {
			continue
		}
		ic.ChangedProps = append(ic.ChangedProps, name)
		ic.Significant = true

		switch {
		case len(newValues) == 0:
			// Property removal.
			ic.NeedsSequenceBump = true
		case name == ical.PropRecurrenceRule:
			if !isTruncationOnly(first(oldValues), first(newValues)) {
				ic.NeedsSequenceBump = true
			}
		case sequenceProps[name]:
			ic.NeedsSequenceBump = true
		}
	}

	if !equalAttendeeSets(oldComp, newComp) {
		ic.AttendeesChanged = true
		ic.Significant = true
	}

	if !ic.Significant {
		return nil
	}
	return ic
}

// isTruncationOnly reports whether an RRULE change merely shortens the
// series via COUNT or UNTIL, leaving every other part identical.
func isTruncationOnly(oldRule, newRule string) bool {
	oldParts := ruleParts(oldRule)
	newParts := ruleParts(newRule)

	for name, value := range oldParts {
		if name == "COUNT" || name == "UNTIL" {
			continue
		}
		if newParts[name] != value {
			return false
		}
	}
	for name := range newParts {
		if name == "COUNT" || name == "UNTIL" {
			continue
		}
		if _, ok := oldParts[name]; !ok {
			return false
		}
	}
	// The new rule must actually bound the series.
	return newParts["COUNT"] != "" || newParts["UNTIL"] != ""
}

func ruleParts(rule string) map[string]string {
	parts := make(map[string]string)
	for _, pair := range strings.Split(rule, ";") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		parts[strings.ToUpper(name)] = strings.ToUpper(value)
	}
	return parts
}

func propValues(comp *ical.Component, name string) []string {
	props := comp.Props.Values(name)
	values := make([]string, 0, len(props))
	for _, prop := range props {
		values = append(values, prop.Value)
	}
	sort.Strings(values)
	return values
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalAttendeeSets(oldComp, newComp *ical.Component) bool {
	oldSet := make(map[string]bool)
	for _, att := range calobj.Attendees(oldComp) {
		oldSet[att.Address()] = true
	}
	newSet := make(map[string]bool)
	for _, att := range calobj.Attendees(newComp) {
		newSet[att.Address()] = true
	}
	if len(oldSet) != len(newSet) {
		return false
	}
	for addr := range oldSet {
		if !newSet[addr] {
			return false
		}
	}
	return true
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func keySet(keys []calobj.InstanceKey) map[calobj.InstanceKey]bool {
	set := make(map[calobj.InstanceKey]bool, len(keys))
	for _, key := range keys {
		set[key] = true
	}
	return set
}

func sortInstanceKeys(keys []calobj.InstanceKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
