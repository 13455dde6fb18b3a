// Package storage defines the persistence contract consumed by the
// scheduling engine. Backends store principals, calendar collections,
// calendar objects and scheduling inbox items; the engine never touches
// physical storage directly. Please use the error values provided.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/emersion/go-ical"
)

var (
	// ErrNotFound is returned when a requested resource doesn't exist
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned when creating a resource that exists
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrInvalidInput is returned when the input parameters are invalid
	ErrInvalidInput = errors.New("invalid input parameters")
	// ErrPermissionDenied is returned when the operation is not allowed
	ErrPermissionDenied = errors.New("permission denied")
	// ErrStorageUnavailable is returned when the storage backend is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// AutoScheduleMode controls how incoming invitations are answered on
// behalf of a principal.
type AutoScheduleMode string

const (
	AutoScheduleNone          AutoScheduleMode = "none"
	AutoScheduleAcceptIfFree  AutoScheduleMode = "accept-if-free"
	AutoScheduleDeclineIfBusy AutoScheduleMode = "decline-if-busy"
	AutoScheduleAutomatic     AutoScheduleMode = "automatic"
	AutoScheduleAcceptAlways  AutoScheduleMode = "accept-always"
	AutoScheduleDeclineAlways AutoScheduleMode = "decline-always"
)

// User represents a calendar principal hosted on this server.
type User struct {
	ID          string
	DisplayName string
	// UserAddress is the calendar user address, e.g. "mailto:alice@example.com".
	UserAddress string
	// Path is the principal path, e.g. "/principals/alice/".
	Path string
	// InboxPath and OutboxPath locate the schedule collections.
	InboxPath  string
	OutboxPath string
	// CalendarUserType is the CUTYPE: INDIVIDUAL, ROOM, RESOURCE, GROUP.
	CalendarUserType string
	// ScheduleEnabled gates whether this principal may originate
	// scheduling messages.
	ScheduleEnabled bool
	// AutoSchedule selects the auto-accept policy for incoming invitations.
	AutoSchedule AutoScheduleMode
	// AllowScheduleFrom restricts who may deliver into this principal's
	// inbox. Empty means any resolvable originator.
	AllowScheduleFrom []string
	// DefaultCalendarID is where new invitations land. Empty means one is
	// provisioned on first use.
	DefaultCalendarID string
	// FreeBusyCalendarIDs restricts which collections contribute to
	// free-busy. Empty means all of them.
	FreeBusyCalendarIDs []string
}

// Calendar represents a calendar collection.
type Calendar struct {
	ID     string
	UserID string
	Name   string
	// Components lists supported component types (VEVENT, VTODO, ...).
	Components []string
	CTag       string
	ETag       string
	Created    time.Time
	Modified   time.Time
}

// CalendarObject represents one calendar resource (an event series with
// its overrides, a task, ...) inside a collection.
type CalendarObject struct {
	ID         string
	CalendarID string
	UserID     string
	// Path is the resource URI path. This has nothing to do with the
	// iCal UID.
	Path string
	// ETag changes whenever the object's data changes. Generating it is
	// the backend's responsibility.
	ETag string
	// ScheduleTag changes only on scheduling-significant updates.
	ScheduleTag  string
	LastModified time.Time
	// Data is the full VCALENDAR payload.
	Data *ical.Calendar
}

// InboxItem is a scheduling message stored in a principal's inbox.
type InboxItem struct {
	ID     string
	UserID string
	Path   string
	// Sender is the originator calendar user address.
	Sender   string
	Data     *ical.Calendar
	Received time.Time
}

// Storage connects a backend (database, filesystem, ...) with the
// scheduling engine.
type Storage interface {
	// GetUser gets principal information by ID.
	GetUser(ctx context.Context, userID string) (*User, error)
	// GetUserByAddress finds a principal by calendar user address.
	// The address is matched case-insensitively.
	GetUserByAddress(ctx context.Context, address string) (*User, error)

	// GetCalendar retrieves a calendar collection.
	GetCalendar(ctx context.Context, userID, calendarID string) (*Calendar, error)
	// ListCalendars retrieves all calendar collections of a user.
	ListCalendars(ctx context.Context, userID string) ([]*Calendar, error)
	// CreateCalendar creates a new calendar collection.
	CreateCalendar(ctx context.Context, cal *Calendar) error

	// GetObject finds a calendar object by user, calendar and object ID.
	GetObject(ctx context.Context, userID, calendarID, objectID string) (*CalendarObject, error)
	// FindObjectByUID searches all of a user's calendars for the object
	// carrying the given iCal UID. Returns ErrNotFound if absent.
	FindObjectByUID(ctx context.Context, userID, uid string) (*CalendarObject, error)
	// ListObjects retrieves all objects in one collection.
	ListObjects(ctx context.Context, userID, calendarID string) ([]*CalendarObject, error)
	// PutObject creates or replaces a calendar object and returns the
	// new ETag.
	PutObject(ctx context.Context, obj *CalendarObject) (etag string, err error)
	// DeleteObject removes a calendar object.
	DeleteObject(ctx context.Context, userID, calendarID, objectID string) error

	// PutInboxItem stores a scheduling message in a principal's inbox.
	PutInboxItem(ctx context.Context, item *InboxItem) error
	// ListInboxItems retrieves all pending inbox items for a principal.
	ListInboxItems(ctx context.Context, userID string) ([]*InboxItem, error)
	// DeleteInboxItem removes a processed inbox item.
	DeleteInboxItem(ctx context.Context, userID, itemID string) error
}
