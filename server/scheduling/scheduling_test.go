package scheduling

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyp0633/caldora-scheduling/config"
	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/storage"
	"github.com/cyp0633/caldora-scheduling/server/storage/memory"
)

// testConfig uses short timings so lock-timeout and batching tests run
// fast.
func testConfig() *config.Config {
	s := config.Default()
	s.LocalDomains = []string{"example.com"}
	s.PartitionNodes = map[string]string{"branch.example.net": "node-2"}
	s.Scheduling.LockTimeout = 500 * time.Millisecond
	s.Scheduling.LockRetryInterval = 5 * time.Millisecond
	s.Scheduling.ReservationAttempts = 3
	s.Scheduling.ReservationRetryInterval = 5 * time.Millisecond
	s.Scheduling.RefreshBatchDelay = 30 * time.Millisecond
	s.Scheduling.RefreshBatchSize = 2
	s.NATS.URL = ""
	return config.New(s)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUsers() []*storage.User {
	return []*storage.User{
		{
			ID:              "alice",
			DisplayName:     "Alice",
			UserAddress:     "mailto:alice@example.com",
			Path:            "/caldav/alice/",
			ScheduleEnabled: true,
		},
		{
			ID:              "bob",
			DisplayName:     "Bob",
			UserAddress:     "mailto:bob@example.com",
			Path:            "/caldav/bob/",
			ScheduleEnabled: true,
		},
		{
			ID:              "carol",
			DisplayName:     "Carol",
			UserAddress:     "mailto:carol@example.com",
			Path:            "/caldav/carol/",
			ScheduleEnabled: true,
		},
		{
			ID:               "room-1",
			DisplayName:      "Conference Room 1",
			UserAddress:      "mailto:room-1@example.com",
			Path:             "/caldav/room-1/",
			CalendarUserType: "ROOM",
			ScheduleEnabled:  true,
			AutoSchedule:     storage.AutoScheduleAcceptAlways,
		},
	}
}

// newTestEngine builds an engine over a seeded memory store.
func newTestEngine(t *testing.T) (*Engine, *memory.Store, *config.Config) {
	t.Helper()
	store := memory.New()
	for _, user := range testUsers() {
		store.AddUser(user)
	}
	cfg := testConfig()
	return NewEngine(store, cfg, nil, testLogger()), store, cfg
}

func mustDecode(t *testing.T, ics string) *calobj.Object {
	t.Helper()
	obj, err := calobj.Decode(ics)
	require.NoError(t, err)
	return obj
}

const meetingICS = `BEGIN:VCALENDAR
PRODID:-//Caldora//Go Scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:meeting-1
SUMMARY:Planning
DTSTART:20250901T100000Z
DTEND:20250901T110000Z
DTSTAMP:20250801T120000Z
ORGANIZER:mailto:alice@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:bob@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:carol@example.com
END:VEVENT
END:VCALENDAR`

const weeklyICS = `BEGIN:VCALENDAR
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
END:VCALENDAR`
