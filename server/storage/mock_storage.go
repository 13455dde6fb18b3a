package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStorage implements the Storage interface for testing
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*User), args.Error(1)
}

func (m *MockStorage) GetUserByAddress(ctx context.Context, address string) (*User, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*User), args.Error(1)
}

func (m *MockStorage) GetCalendar(ctx context.Context, userID, calendarID string) (*Calendar, error) {
	args := m.Called(ctx, userID, calendarID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Calendar), args.Error(1)
}

func (m *MockStorage) ListCalendars(ctx context.Context, userID string) ([]*Calendar, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Calendar), args.Error(1)
}

func (m *MockStorage) CreateCalendar(ctx context.Context, cal *Calendar) error {
	args := m.Called(ctx, cal)
	return args.Error(0)
}

func (m *MockStorage) GetObject(ctx context.Context, userID, calendarID, objectID string) (*CalendarObject, error) {
	args := m.Called(ctx, userID, calendarID, objectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CalendarObject), args.Error(1)
}

func (m *MockStorage) FindObjectByUID(ctx context.Context, userID, uid string) (*CalendarObject, error) {
	args := m.Called(ctx, userID, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*CalendarObject), args.Error(1)
}

func (m *MockStorage) ListObjects(ctx context.Context, userID, calendarID string) ([]*CalendarObject, error) {
	args := m.Called(ctx, userID, calendarID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*CalendarObject), args.Error(1)
}

func (m *MockStorage) PutObject(ctx context.Context, obj *CalendarObject) (string, error) {
	args := m.Called(ctx, obj)
	return args.String(0), args.Error(1)
}

func (m *MockStorage) DeleteObject(ctx context.Context, userID, calendarID, objectID string) error {
	args := m.Called(ctx, userID, calendarID, objectID)
	return args.Error(0)
}

func (m *MockStorage) PutInboxItem(ctx context.Context, item *InboxItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockStorage) ListInboxItems(ctx context.Context, userID string) ([]*InboxItem, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*InboxItem), args.Error(1)
}

func (m *MockStorage) DeleteInboxItem(ctx context.Context, userID, itemID string) error {
	args := m.Called(ctx, userID, itemID)
	return args.Error(0)
}
