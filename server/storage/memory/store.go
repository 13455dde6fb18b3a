// Package memory is a map-backed Storage implementation for tests and
// single-process deployments.
package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// Store implements the storage.Storage interface using in-memory maps.
type Store struct {
	mu         sync.RWMutex
	users      map[string]*storage.User
	byAddress  map[string]string                  // lowercased address -> userID
	calendars  map[string]*storage.Calendar       // key: userID/calendarID
	objects    map[string]*storage.CalendarObject // key: userID/calendarID/objectID
	inboxItems map[string]*storage.InboxItem      // key: userID/itemID
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:      make(map[string]*storage.User),
		byAddress:  make(map[string]string),
		calendars:  make(map[string]*storage.Calendar),
		objects:    make(map[string]*storage.CalendarObject),
		inboxItems: make(map[string]*storage.InboxItem),
	}
}

// AddUser registers a principal. Not part of the Storage interface;
// provisioning is a directory concern in real deployments.
func (s *Store) AddUser(user *storage.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	if user.UserAddress != "" {
		s.byAddress[strings.ToLower(user.UserAddress)] = user.ID
	}
}

func calendarKey(userID, calendarID string) string {
	return fmt.Sprintf("%s/%s", userID, calendarID)
}

func objectKey(userID, calendarID, objectID string) string {
	return fmt.Sprintf("%s/%s/%s", userID, calendarID, objectID)
}

// generateETag returns the bare tag; HTTP handlers add the quotes.
func generateETag(data []byte) string {
	hash := sha1.Sum(data)
	return hex.EncodeToString(hash[:])
}

func (s *Store) GetUser(_ context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", userID, storage.ErrNotFound)
	}
	return user, nil
}

func (s *Store) GetUserByAddress(_ context.Context, address string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, fmt.Errorf("address %q: %w", address, storage.ErrNotFound)
	}
	return s.users[id], nil
}

func (s *Store) GetCalendar(_ context.Context, userID, calendarID string) (*storage.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cal, ok := s.calendars[calendarKey(userID, calendarID)]
	if !ok {
		return nil, fmt.Errorf("calendar %q: %w", calendarID, storage.ErrNotFound)
	}
	return cal, nil
}

func (s *Store) ListCalendars(_ context.Context, userID string) ([]*storage.Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var calendars []*storage.Calendar
	for _, cal := range s.calendars {
		if cal.UserID == userID {
			calendars = append(calendars, cal)
		}
	}
	return calendars, nil
}

func (s *Store) CreateCalendar(_ context.Context, cal *storage.Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := calendarKey(cal.UserID, cal.ID)
	if _, exists := s.calendars[key]; exists {
		return fmt.Errorf("calendar %q: %w", cal.ID, storage.ErrAlreadyExists)
	}

	now := time.Now()
	cal.Created = now
	cal.Modified = now
	s.calendars[key] = cal
	return nil
}

func (s *Store) GetObject(_ context.Context, userID, calendarID, objectID string) (*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[objectKey(userID, calendarID, objectID)]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", objectID, storage.ErrNotFound)
	}
	return obj, nil
}

func (s *Store) FindObjectByUID(_ context.Context, userID, uid string) (*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, obj := range s.objects {
		if obj.UserID != userID || obj.Data == nil {
			continue
		}
		if payloadUID(obj.Data) == uid {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("uid %q: %w", uid, storage.ErrNotFound)
}

func (s *Store) ListObjects(_ context.Context, userID, calendarID string) ([]*storage.CalendarObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []*storage.CalendarObject
	for _, obj := range s.objects {
		if obj.UserID == userID && obj.CalendarID == calendarID {
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

func (s *Store) PutObject(_ context.Context, obj *storage.CalendarObject) (string, error) {
	if obj.Data == nil {
		return "", fmt.Errorf("object payload is required: %w", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ics, err := encodeForETag(obj.Data)
	if err != nil {
		return "", err
	}
	obj.ETag = generateETag([]byte(ics))
	obj.LastModified = time.Now()
	s.objects[objectKey(obj.UserID, obj.CalendarID, obj.ID)] = obj
	return obj.ETag, nil
}

func (s *Store) DeleteObject(_ context.Context, userID, calendarID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := objectKey(userID, calendarID, objectID)
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("object %q: %w", objectID, storage.ErrNotFound)
	}
	delete(s.objects, key)
	return nil
}

func (s *Store) PutInboxItem(_ context.Context, item *storage.InboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item.Received = time.Now()
	s.inboxItems[fmt.Sprintf("%s/%s", item.UserID, item.ID)] = item
	return nil
}

func (s *Store) ListInboxItems(_ context.Context, userID string) ([]*storage.InboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*storage.InboxItem
	for _, item := range s.inboxItems {
		if item.UserID == userID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *Store) DeleteInboxItem(_ context.Context, userID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s/%s", userID, itemID)
	if _, ok := s.inboxItems[key]; !ok {
		return fmt.Errorf("inbox item %q: %w", itemID, storage.ErrNotFound)
	}
	delete(s.inboxItems, key)
	return nil
}

func payloadUID(cal *ical.Calendar) string {
	for _, child := range cal.Children {
		if child.Name == ical.CompTimezone {
			continue
		}
		if prop := child.Props.Get(ical.PropUID); prop != nil {
			return prop.Value
		}
	}
	return ""
}

func encodeForETag(cal *ical.Calendar) (string, error) {
	ics, err := storage.CalendarToICS(cal)
	if err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	return ics, nil
}
