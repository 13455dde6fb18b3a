package scheduling

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/storage"
	"github.com/cyp0633/caldora-scheduling/server/storage/memory"
)

// createMeeting runs the organizer-create write for alice and stores the
// resulting organizer copy, emulating the storage commit the HTTP layer
// performs.
func createMeeting(t *testing.T, engine *Engine, store *memory.Store, ics string) *calobj.Object {
	t.Helper()
	ctx := context.Background()
	obj := mustDecode(t, ics)

	outcome, err := engine.Scheduler.ProcessWrite(ctx, &WriteOp{
		UserID:       "alice",
		CalendarID:   "work",
		ObjectID:     obj.UID() + ".ics",
		ResourcePath: "/caldav/alice/calendars/work/" + obj.UID() + ".ics",
		New:          obj,
	})
	require.NoError(t, err)
	require.Equal(t, DispositionContinue, outcome.Disposition)

	_, err = store.PutObject(ctx, &storage.CalendarObject{
		ID:         obj.UID() + ".ics",
		CalendarID: "work",
		UserID:     "alice",
		Path:       "/caldav/alice/calendars/work/" + obj.UID() + ".ics",
		Data:       outcome.Object.Cal,
	})
	require.NoError(t, err)
	return outcome.Object
}

func attendeeCopy(t *testing.T, store *memory.Store, userID, uid string) *calobj.Object {
	t.Helper()
	stored, err := store.FindObjectByUID(context.Background(), userID, uid)
	require.NoError(t, err)
	obj, err := calobj.New(stored.Data)
	require.NoError(t, err)
	return obj
}

func TestOrganizerCreateFansOutRequests(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	stored := createMeeting(t, engine, store, meetingICS)

	// Both attendees received a copy, forced back to NEEDS-ACTION.
	for _, userID := range []string{"bob", "carol"} {
		copy := attendeeCopy(t, store, userID, "meeting-1")
		address := "mailto:" + userID + "@example.com"
		att, ok := calobj.FindAttendee(copy.Master(), address).Get()
		require.True(t, ok, "attendee %s must be on their own copy", userID)
		assert.Equal(t, calobj.PartStatNeedsAction, att.PartStat())
		assert.Equal(t, "", copy.Method(), "stored copies carry no METHOD")
	}

	// The organizer copy records the delivery per attendee.
	for _, address := range []string{"mailto:bob@example.com", "mailto:carol@example.com"} {
		att, ok := calobj.FindAttendee(stored.Master(), address).Get()
		require.True(t, ok)
		assert.Equal(t, "1.2", att.ScheduleStatus())
	}

	// Individuals keep the inbox notification.
	items, err := store.ListInboxItems(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestOrganizerCreateRejectsInvalidRecipient(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ics := strings.Replace(meetingICS,
		"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:carol@example.com",
		"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:ghost@example.com", 1)
	stored := createMeeting(t, engine, store, ics)

	att, ok := calobj.FindAttendee(stored.Master(), "mailto:ghost@example.com").Get()
	require.True(t, ok)
	assert.Equal(t, "3.7", att.ScheduleStatus())
}

func TestOrganizerCreateRequiresScheduleEnabled(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	store.AddUser(&storage.User{
		ID:          "mallory",
		UserAddress: "mailto:mallory@example.com",
		Path:        "/caldav/mallory/",
	})
	ics := strings.ReplaceAll(meetingICS, "alice@example.com", "mallory@example.com")
	obj := mustDecode(t, ics)

	_, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "mallory",
		CalendarID:   "work",
		ObjectID:     "m.ics",
		ResourcePath: "/caldav/mallory/calendars/work/m.ics",
		New:          obj,
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, StatusNoAuthority, ve.Status)
}

func TestOrganizerCreateSkipsClientAgentAttendees(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ics := strings.Replace(meetingICS,
		"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:carol@example.com",
		"ATTENDEE;SCHEDULE-AGENT=CLIENT:mailto:carol@example.com", 1)
	createMeeting(t, engine, store, ics)

	_, err := store.FindObjectByUID(context.Background(), "carol", "meeting-1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "client-scheduled attendees get no server delivery")
}

func TestUIDUniquenessConflict(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	createMeeting(t, engine, store, meetingICS)

	other := mustDecode(t, meetingICS)
	_, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "alice",
		CalendarID:   "work",
		ObjectID:     "duplicate.ics",
		ResourcePath: "/caldav/alice/calendars/work/duplicate.ics",
		New:          other,
	})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "meeting-1", ce.UID)
}

func TestOrganizerModifyRejectsOrganizerChange(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	stored := createMeeting(t, engine, store, meetingICS)

	hijacked := mustDecode(t, strings.Replace(meetingICS,
		"ORGANIZER:mailto:alice@example.com",
		"ORGANIZER:mailto:carol@example.com", 1))
	_, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "alice",
		CalendarID:   "work",
		ObjectID:     "meeting-1.ics",
		ResourcePath: "/caldav/alice/calendars/work/meeting-1.ics",
		Old:          stored,
		New:          hijacked,
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, StatusOrganizerChange, ve.Status)
}

func TestOrganizerModifySignificantChange(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	stored := createMeeting(t, engine, store, meetingICS)

	// Bob accepted in the meantime.
	bobAtt, ok := calobj.FindAttendee(stored.Master(), "mailto:bob@example.com").Get()
	require.True(t, ok)
	bobAtt.SetPartStat(calobj.PartStatAccepted)

	moved := stored.Clone()
	moved.Master().Props.SetDateTime("DTSTART", time.Date(2025, 9, 1, 14, 0, 0, 0, time.UTC))
	moved.Master().Props.SetDateTime("DTEND", time.Date(2025, 9, 1, 15, 0, 0, 0, time.UTC))

	outcome, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "alice",
		CalendarID:   "work",
		ObjectID:     "meeting-1.ics",
		ResourcePath: "/caldav/alice/calendars/work/meeting-1.ics",
		Old:          stored,
		New:          moved,
	})
	require.NoError(t, err)

	// Rescheduling resets participation and bumps the sequence.
	att, ok := calobj.FindAttendee(outcome.Object.Master(), "mailto:bob@example.com").Get()
	require.True(t, ok)
	assert.Equal(t, calobj.PartStatNeedsAction, att.PartStat())
	assert.True(t, att.RSVP())
	assert.Equal(t, 1, outcome.Object.MaxSequence())
}

func TestOrganizerModifyInsignificantIsSilent(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	stored := createMeeting(t, engine, store, meetingICS)

	before, err := store.ListInboxItems(context.Background(), "bob")
	require.NoError(t, err)

	touched := stored.Clone()
	touched.Master().Props.SetDateTime("DTSTAMP", time.Now().UTC())

	outcome, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "alice",
		CalendarID:   "work",
		ObjectID:     "meeting-1.ics",
		ResourcePath: "/caldav/alice/calendars/work/meeting-1.ics",
		Old:          stored,
		New:          touched,
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.Responses.Entries())

	after, err := store.ListInboxItems(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, after, len(before), "a bookkeeping change must not message attendees")
}

func TestOrganizerModifyCancelsRemovedAttendee(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	stored := createMeeting(t, engine, store, meetingICS)

	trimmed := stored.Clone()
	calobj.RemoveAttendee(trimmed.Master(), "mailto:carol@example.com")

	_, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "alice",
		CalendarID:   "work",
		ObjectID:     "meeting-1.ics",
		ResourcePath: "/caldav/alice/calendars/work/meeting-1.ics",
		Old:          stored,
		New:          trimmed,
	})
	require.NoError(t, err)

	// Carol's copy is gone; bob's remains.
	_, err = store.FindObjectByUID(context.Background(), "carol", "meeting-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.FindObjectByUID(context.Background(), "bob", "meeting-1")
	assert.NoError(t, err)
}

// weeklyDropOverrideICS is weeklyICS plus a new override for the second
// occurrence that no longer lists bob, who stays on the master.
const weeklyDropOverrideICS = `BEGIN:VCALENDAR
PRODID:-//Caldora//Go Scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:weekly-1
SUMMARY:Weekly Sync
DTSTART:20250901T100000Z
DTEND:20250901T110000Z
DTSTAMP:20250801T120000Z
RRULE:FREQ=WEEKLY
ORGANIZER:mailto:alice@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:bob@example.com
END:VEVENT
BEGIN:VEVENT
UID:weekly-1
SUMMARY:Weekly Sync
RECURRENCE-ID:20250908T100000Z
DTSTART:20250908T100000Z
DTEND:20250908T110000Z
DTSTAMP:20250801T120000Z
ORGANIZER:mailto:alice@example.com
END:VEVENT
END:VCALENDAR`

func TestNewOverrideDroppingAttendeeOwedCancel(t *testing.T) {
	old := mustDecode(t, weeklyICS)
	new := mustDecode(t, weeklyDropOverrideICS)

	cs := (&ChangeAnalyzer{Logger: testLogger()}).Diff(old, new)
	require.Contains(t, cs.AddedInstances, calobj.InstanceKey("20250908T100000Z"))

	removed := findRemovedAttendees(old, new, cs)
	assert.Equal(t, map[string][]calobj.InstanceKey{
		"mailto:bob@example.com": {"20250908T100000Z"},
	}, removed, "an override dropping an invited attendee owes them a per-instance cancel")
}

func TestOrganizerModifyCancelsExcludedInstance(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	stored := createMeeting(t, engine, store, weeklyICS)

	key := calobj.InstanceKey("20250908T100000Z")
	excluded := stored.Clone()
	excluded.AddExDate(key)

	_, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "alice",
		CalendarID:   "work",
		ObjectID:     "weekly-1.ics",
		ResourcePath: "/caldav/alice/calendars/work/weekly-1.ics",
		Old:          stored,
		New:          excluded,
	})
	require.NoError(t, err)

	// Bob received exactly one CANCEL, naming just the excluded
	// occurrence rather than the series.
	items, err := store.ListInboxItems(context.Background(), "bob")
	require.NoError(t, err)
	var cancel *calobj.Object
	for _, item := range items {
		obj, err := calobj.New(item.Data)
		require.NoError(t, err)
		if obj.Method() != calobj.MethodCancel {
			continue
		}
		require.Nil(t, cancel, "only one cancel expected")
		cancel = obj
	}
	require.NotNil(t, cancel, "excluding an occurrence must cancel it for attendees")
	assert.Nil(t, cancel.Master())
	assert.NotNil(t, cancel.ComponentFor(key))

	// Bob's series survives, minus the occurrence.
	bobCopy := attendeeCopy(t, store, "bob", "weekly-1")
	require.NotNil(t, bobCopy.Master())
	assert.Contains(t, bobCopy.ExDateKeys(), key)
}

func TestOrganizerDeleteCancelsEverywhere(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	stored := createMeeting(t, engine, store, meetingICS)

	_, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "alice",
		CalendarID:   "work",
		ObjectID:     "meeting-1.ics",
		ResourcePath: "/caldav/alice/calendars/work/meeting-1.ics",
		Old:          stored,
	})
	require.NoError(t, err)

	for _, userID := range []string{"bob", "carol"} {
		_, err = store.FindObjectByUID(context.Background(), userID, "meeting-1")
		assert.ErrorIs(t, err, storage.ErrNotFound, "cancel must remove %s's copy", userID)
	}
}

func TestAttendeeAcceptFlowsBackToOrganizer(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	createMeeting(t, engine, store, meetingICS)

	bobCopy := attendeeCopy(t, store, "bob", "meeting-1")
	bobStored, err := store.FindObjectByUID(context.Background(), "bob", "meeting-1")
	require.NoError(t, err)

	accepted := bobCopy.Clone()
	att, ok := calobj.FindAttendee(accepted.Master(), "mailto:bob@example.com").Get()
	require.True(t, ok)
	att.SetPartStat(calobj.PartStatAccepted)

	outcome, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "bob",
		CalendarID:   bobStored.CalendarID,
		ObjectID:     bobStored.ID,
		ResourcePath: bobStored.Path,
		Old:          bobCopy,
		New:          accepted,
	})
	require.NoError(t, err)
	require.Equal(t, DispositionContinue, outcome.Disposition)

	// The reply reached alice's copy synchronously.
	aliceCopy := attendeeCopy(t, store, "alice", "meeting-1")
	orgView, ok := calobj.FindAttendee(aliceCopy.Master(), "mailto:bob@example.com").Get()
	require.True(t, ok)
	assert.Equal(t, calobj.PartStatAccepted, orgView.PartStat())

	// The merged attendee copy records the reply delivery.
	merged, ok := calobj.FindAttendee(outcome.Object.Master(), "mailto:bob@example.com").Get()
	require.True(t, ok)
	assert.Equal(t, calobj.PartStatAccepted, merged.PartStat())
}

func TestAttendeeCannotEditEventData(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	createMeeting(t, engine, store, meetingICS)

	bobCopy := attendeeCopy(t, store, "bob", "meeting-1")
	bobStored, err := store.FindObjectByUID(context.Background(), "bob", "meeting-1")
	require.NoError(t, err)

	edited := bobCopy.Clone()
	edited.Master().Props.SetText("SUMMARY", "Bob's preferred title")

	outcome, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "bob",
		CalendarID:   bobStored.CalendarID,
		ObjectID:     bobStored.ID,
		ResourcePath: bobStored.Path,
		Old:          bobCopy,
		New:          edited,
	})
	require.NoError(t, err)

	// The organizer's data silently wins.
	summary := outcome.Object.Master().Props.Get("SUMMARY")
	require.NotNil(t, summary)
	assert.Equal(t, "Planning", summary.Value)
}

func TestAttendeeDeleteDeclines(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	createMeeting(t, engine, store, meetingICS)

	bobCopy := attendeeCopy(t, store, "bob", "meeting-1")
	bobStored, err := store.FindObjectByUID(context.Background(), "bob", "meeting-1")
	require.NoError(t, err)

	_, err = engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "bob",
		CalendarID:   bobStored.CalendarID,
		ObjectID:     bobStored.ID,
		ResourcePath: bobStored.Path,
		Old:          bobCopy,
	})
	require.NoError(t, err)

	aliceCopy := attendeeCopy(t, store, "alice", "meeting-1")
	orgView, ok := calobj.FindAttendee(aliceCopy.Master(), "mailto:bob@example.com").Get()
	require.True(t, ok)
	assert.Equal(t, calobj.PartStatDeclined, orgView.PartStat())
}

func TestOrphanedAttendeeCopyIsDropped(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	createMeeting(t, engine, store, meetingICS)

	bobCopy := attendeeCopy(t, store, "bob", "meeting-1")
	bobStored, err := store.FindObjectByUID(context.Background(), "bob", "meeting-1")
	require.NoError(t, err)

	// The organizer copy disappears out-of-band.
	aliceStored, err := store.FindObjectByUID(context.Background(), "alice", "meeting-1")
	require.NoError(t, err)
	require.NoError(t, store.DeleteObject(context.Background(), "alice", aliceStored.CalendarID, aliceStored.ID))

	accepted := bobCopy.Clone()
	att, ok := calobj.FindAttendee(accepted.Master(), "mailto:bob@example.com").Get()
	require.True(t, ok)
	att.SetPartStat(calobj.PartStatAccepted)

	outcome, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "bob",
		CalendarID:   bobStored.CalendarID,
		ObjectID:     bobStored.ID,
		ResourcePath: bobStored.Path,
		Old:          bobCopy,
		New:          accepted,
	})
	require.NoError(t, err)
	assert.Equal(t, DispositionDeleteResource, outcome.Disposition)
}

func TestRoomAutoAccepts(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ics := strings.Replace(meetingICS,
		"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:carol@example.com",
		"ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:room-1@example.com", 1)
	createMeeting(t, engine, store, ics)

	// The room's copy is accepted immediately.
	roomCopy := attendeeCopy(t, store, "room-1", "meeting-1")
	att, ok := calobj.FindAttendee(roomCopy.Master(), "mailto:room-1@example.com").Get()
	require.True(t, ok)
	assert.Equal(t, calobj.PartStatAccepted, att.PartStat())
	assert.Equal(t, calobj.TranspOpaque, calobj.Transparency(roomCopy.Master()))

	// The auto-reply reaches the organizer copy asynchronously.
	assert.Eventually(t, func() bool {
		aliceCopy := attendeeCopy(t, store, "alice", "meeting-1")
		orgView, ok := calobj.FindAttendee(aliceCopy.Master(), "mailto:room-1@example.com").Get()
		return ok && orgView.PartStat() == calobj.PartStatAccepted
	}, 2*time.Second, 10*time.Millisecond)

	// Non-human principals don't keep inbox notifications around.
	items, err := store.ListInboxItems(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUnscheduledObjectPassesThrough(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	plain := mustDecode(t, `BEGIN:VCALENDAR
PRODID:-//Caldora//Go Scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:solo-1
SUMMARY:Dentist
DTSTART:20250901T100000Z
DTEND:20250901T110000Z
DTSTAMP:20250801T120000Z
END:VEVENT
END:VCALENDAR`)

	outcome, err := engine.Scheduler.ProcessWrite(context.Background(), &WriteOp{
		UserID:       "alice",
		CalendarID:   "work",
		ObjectID:     "solo-1.ics",
		ResourcePath: "/caldav/alice/calendars/work/solo-1.ics",
		New:          plain,
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.Responses.Entries())
	assert.Same(t, plain, outcome.Object)
}
