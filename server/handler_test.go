package caldav

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/caldora-scheduling/config"
	"github.com/cyp0633/caldora-scheduling/server/scheduling"
	"github.com/cyp0633/caldora-scheduling/server/storage"
	"github.com/cyp0633/caldora-scheduling/server/storage/memory"
)

func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	for _, user := range []*storage.User{
		{
			ID:              "alice",
			UserAddress:     "mailto:alice@example.com",
			Path:            "/caldav/alice/",
			ScheduleEnabled: true,
		},
		{
			ID:              "bob",
			UserAddress:     "mailto:bob@example.com",
			Path:            "/caldav/bob/",
			ScheduleEnabled: true,
		},
	} {
		store.AddUser(user)
	}

	s := config.Default()
	s.LocalDomains = []string{"example.com"}
	s.Scheduling.LockTimeout = 500 * time.Millisecond
	s.Scheduling.LockRetryInterval = 5 * time.Millisecond
	cfg := config.New(s)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := scheduling.NewEngine(store, cfg, nil, logger)
	return NewHandler("/caldav/", "test", store, engine, cfg, logger), store
}

func doRequest(handler *Handler, method, path, user, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.SetBasicAuth(user, "ignored")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const soloICS = `BEGIN:VCALENDAR
PRODID:-//Caldora//Go Scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:solo-1
SUMMARY:Dentist
DTSTART:20250901T100000Z
DTEND:20250901T110000Z
DTSTAMP:20250801T120000Z
END:VEVENT
END:VCALENDAR`

const invitationICS = `BEGIN:VCALENDAR
PRODID:-//Caldora//Go Scheduling//EN
VERSION:2.0
BEGIN:VEVENT
UID:http-meeting-1
SUMMARY:Planning
DTSTART:20250901T100000Z
DTEND:20250901T110000Z
DTSTAMP:20250801T120000Z
ORGANIZER:mailto:alice@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:bob@example.com
END:VEVENT
END:VCALENDAR`

func TestHandlerRequiresAuth(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/solo-1.ics", "", soloICS, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func TestHandlerRejectsUnknownPrincipal(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/solo-1.ics", "mallory", soloICS, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerRejectsCrossUserAccess(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/solo-1.ics", "bob", soloICS, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPutAndGetRoundTrip(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/solo-1.ics", "alice", soloICS, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	etag := rec.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	rec = doRequest(handler, http.MethodGet, "/caldav/alice/calendars/work/solo-1.ics", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	assert.Equal(t, etag, rec.Header().Get("ETag"))
	assert.Contains(t, rec.Body.String(), "UID:solo-1")
}

func TestPutRejectsInvalidBody(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/bad.ics", "alice", "this is not icalendar", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutIfNoneMatchExisting(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/solo-1.ics", "alice", soloICS, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/solo-1.ics", "alice", soloICS,
		map[string]string{"If-None-Match": "*"})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestPutIfMatchMismatch(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/solo-1.ics", "alice", soloICS, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/solo-1.ics", "alice", soloICS,
		map[string]string{"If-Match": `"stale-etag"`})
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestPutInvitationDeliversToAttendee(t *testing.T) {
	handler, store := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/http-meeting-1.ics", "alice", invitationICS, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	stored, err := store.FindObjectByUID(context.Background(), "bob", "http-meeting-1")
	require.NoError(t, err)
	assert.NotNil(t, stored.Data)
}

func TestDeleteObject(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/solo-1.ics", "alice", soloICS, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(handler, http.MethodDelete, "/caldav/alice/calendars/work/solo-1.ics", "alice", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(handler, http.MethodGet, "/caldav/alice/calendars/work/solo-1.ics", "alice", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetInboxItem(t *testing.T) {
	handler, store := newTestHandler(t)

	rec := doRequest(handler, http.MethodPut, "/caldav/alice/calendars/work/http-meeting-1.ics", "alice", invitationICS, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	items, err := store.ListInboxItems(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, items, 1)

	rec = doRequest(handler, http.MethodGet, "/caldav/bob/inbox/"+items[0].ID, "bob", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "METHOD:REQUEST")
}

const freeBusyQueryICS = `BEGIN:VCALENDAR
PRODID:-//Caldora//Go Scheduling//EN
VERSION:2.0
METHOD:REQUEST
BEGIN:VFREEBUSY
UID:fbq-1
DTSTAMP:20250801T120000Z
DTSTART:20250901T000000Z
DTEND:20250902T000000Z
ORGANIZER:mailto:alice@example.com
ATTENDEE:mailto:bob@example.com
END:VFREEBUSY
END:VCALENDAR`

func TestOutboxFreeBusyQuery(t *testing.T) {
	handler, store := newTestHandler(t)
	require.NoError(t, store.CreateCalendar(context.Background(), &storage.Calendar{
		ID:     "work",
		UserID: "bob",
		Name:   "Work",
	}))

	// Bob has a busy block in the window.
	rec := doRequest(handler, http.MethodPut, "/caldav/bob/calendars/work/solo-1.ics", "bob", soloICS, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(handler, http.MethodPost, "/caldav/alice/outbox/", "alice", freeBusyQueryICS,
		map[string]string{"Recipient": "mailto:bob@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml")

	body := rec.Body.String()
	assert.Contains(t, body, "schedule-response")
	assert.Contains(t, body, "mailto:bob@example.com")
	assert.Contains(t, body, "2.0;Success")
	assert.Contains(t, body, "20250901T100000Z/20250901T110000Z")
}

func TestOutboxRejectsForeignOriginator(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/caldav/alice/outbox/", "alice", freeBusyQueryICS,
		map[string]string{
			"Originator": "mailto:bob@example.com",
			"Recipient":  "mailto:bob@example.com",
		})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOutboxRequiresRecipients(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/caldav/alice/outbox/", "alice", freeBusyQueryICS, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutboxReportsUnknownRecipient(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodPost, "/caldav/alice/outbox/", "alice", freeBusyQueryICS,
		map[string]string{"Recipient": "mailto:ghost@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "3.7")
}
