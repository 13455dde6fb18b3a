package calobj

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recurringEvent = `BEGIN:VCALENDAR
PRODID:-//Caldora//Go Scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:team-sync-1
SUMMARY:Team Sync
DTSTART:20250901T100000Z
DTEND:20250901T110000Z
DTSTAMP:20250801T120000Z
RRULE:FREQ=WEEKLY
SEQUENCE:2
ORGANIZER:mailto:alice@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:bob@example.com
END:VEVENT
BEGIN:VEVENT
UID:team-sync-1
SUMMARY:Team Sync (moved)
RECURRENCE-ID:20250908T100000Z
DTSTART:20250908T140000Z
DTEND:20250908T150000Z
DTSTAMP:20250801T120000Z
SEQUENCE:3
ORGANIZER:mailto:alice@example.com
ATTENDEE;PARTSTAT=ACCEPTED:mailto:bob@example.com
END:VEVENT
END:VCALENDAR`

func TestDecodeRecurringEvent(t *testing.T) {
	obj, err := Decode(recurringEvent)
	require.NoError(t, err)

	assert.Equal(t, "team-sync-1", obj.UID())
	assert.Equal(t, "mailto:alice@example.com", obj.Organizer().OrElse(""))
	assert.True(t, obj.IsScheduled())
	assert.NotNil(t, obj.Master())

	keys := obj.InstanceKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, MasterKey, keys[0])
	assert.Equal(t, InstanceKey("20250908T100000Z"), keys[1])

	assert.Equal(t, 2, obj.Sequence())
	assert.Equal(t, 3, obj.MaxSequence())
}

func TestNewRejectsMixedUIDs(t *testing.T) {
	ics := `BEGIN:VCALENDAR
PRODID:-//Caldora//Go Scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:first
DTSTART:20250901T100000Z
DTSTAMP:20250801T120000Z
END:VEVENT
BEGIN:VEVENT
UID:second
DTSTART:20250902T100000Z
DTSTAMP:20250801T120000Z
END:VEVENT
END:VCALENDAR`
	_, err := Decode(ics)
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	obj, err := Decode(recurringEvent)
	require.NoError(t, err)

	clone := obj.Clone()
	clone.SetSequence(9)

	assert.Equal(t, 9, clone.Sequence())
	assert.Equal(t, 2, obj.Sequence())
}

func TestSubsetInstances(t *testing.T) {
	obj, err := Decode(recurringEvent)
	require.NoError(t, err)

	subset := obj.SubsetInstances([]InstanceKey{"20250908T100000Z"})
	require.Len(t, subset.Components(), 1)
	assert.Nil(t, subset.Master())
	assert.NotNil(t, subset.ComponentFor("20250908T100000Z"))

	whole := obj.SubsetInstances(nil)
	assert.Len(t, whole.Components(), 2)
}

func TestExDates(t *testing.T) {
	obj, err := Decode(recurringEvent)
	require.NoError(t, err)

	key := KeyForTime(time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC))
	obj.AddExDate(key)
	obj.AddExDate(key) // idempotent

	keys := obj.ExDateKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])
}

func TestRemoveOverride(t *testing.T) {
	obj, err := Decode(recurringEvent)
	require.NoError(t, err)

	obj.RemoveOverride("20250908T100000Z")
	assert.Len(t, obj.Components(), 1)
	assert.Nil(t, obj.ComponentFor("20250908T100000Z"))

	// Removing the master via RemoveOverride is a no-op.
	obj.RemoveOverride(MasterKey)
	assert.NotNil(t, obj.Master())
}

func TestMethodRoundTrip(t *testing.T) {
	obj, err := Decode(recurringEvent)
	require.NoError(t, err)

	assert.Equal(t, "", obj.Method())
	obj.SetMethod(MethodRequest)
	assert.Equal(t, MethodRequest, obj.Method())
	obj.SetMethod("")
	assert.Equal(t, "", obj.Method())
}

func TestAllCancelled(t *testing.T) {
	obj, err := Decode(recurringEvent)
	require.NoError(t, err)
	assert.False(t, obj.AllCancelled())

	for _, comp := range obj.Components() {
		comp.Props.SetText("STATUS", StatusCancelled)
	}
	assert.True(t, obj.AllCancelled())
}

func TestOrganizerScheduleAgent(t *testing.T) {
	obj, err := Decode(recurringEvent)
	require.NoError(t, err)
	assert.Equal(t, AgentServer, obj.OrganizerScheduleAgent())

	obj.OrganizerProp().Params.Set(ParamScheduleAgent, AgentClient)
	assert.Equal(t, AgentClient, obj.OrganizerScheduleAgent())
}

func TestInstanceKeyTime(t *testing.T) {
	key := KeyForTime(time.Date(2025, 9, 8, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, InstanceKey("20250908T100000Z"), key)

	parsed, ok := key.Time().Get()
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 9, 8, 10, 0, 0, 0, time.UTC), parsed)

	assert.True(t, MasterKey.IsMaster())
	assert.False(t, key.IsMaster())
}
