package caldav

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want Resource
	}{
		{
			name: "principal",
			path: "alice/",
			want: Resource{ResourceType: ResourcePrincipal, UserID: "alice"},
		},
		{
			name: "home set",
			path: "alice/calendars/",
			want: Resource{ResourceType: ResourceHomeSet, UserID: "alice"},
		},
		{
			name: "collection",
			path: "alice/calendars/work/",
			want: Resource{ResourceType: ResourceCollection, UserID: "alice", CalendarID: "work"},
		},
		{
			name: "object",
			path: "alice/calendars/work/event.ics",
			want: Resource{ResourceType: ResourceObject, UserID: "alice", CalendarID: "work", ObjectID: "event.ics"},
		},
		{
			name: "inbox",
			path: "alice/inbox/",
			want: Resource{ResourceType: ResourceInbox, UserID: "alice"},
		},
		{
			name: "inbox item",
			path: "alice/inbox/item-1.ics",
			want: Resource{ResourceType: ResourceInboxItem, UserID: "alice", ObjectID: "item-1.ics"},
		},
		{
			name: "outbox",
			path: "alice/outbox/",
			want: Resource{ResourceType: ResourceOutbox, UserID: "alice"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePath(tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParsePathErrors(t *testing.T) {
	for _, path := range []string{
		"",
		"alice/unknown/",
		"alice/calendars/work/event.ics/extra",
		"alice/outbox/item.ics",
	} {
		_, err := ParsePath(path)
		assert.Error(t, err, "path %q must not parse", path)
	}
}
