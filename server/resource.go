package caldav

import (
	"fmt"
	"strings"
)

// ResourceType identifies what a request path points at.
type ResourceType string

const (
	ResourcePrincipal  ResourceType = "principal"
	ResourceHomeSet    ResourceType = "homeSet"
	ResourceCollection ResourceType = "collection"
	ResourceObject     ResourceType = "object"
	ResourceInbox      ResourceType = "inbox"
	ResourceInboxItem  ResourceType = "inboxItem"
	ResourceOutbox     ResourceType = "outbox"
)

// Resource is a parsed request path.
type Resource struct {
	ResourceType ResourceType
	UserID       string
	CalendarID   string
	ObjectID     string
}

// ParsePath maps a prefix-relative path onto a Resource. The layout is
//
//	{user}/                             principal
//	{user}/calendars/                   home set
//	{user}/calendars/{calendar}/        collection
//	{user}/calendars/{calendar}/{obj}   object
//	{user}/inbox/                       scheduling inbox
//	{user}/inbox/{item}                 inbox item
//	{user}/outbox/                      scheduling outbox
func ParsePath(path string) (Resource, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return Resource{}, fmt.Errorf("empty resource path")
	}

	res := Resource{UserID: parts[0]}
	if len(parts) == 1 {
		res.ResourceType = ResourcePrincipal
		return res, nil
	}

	switch parts[1] {
	case "calendars":
		switch len(parts) {
		case 2:
			res.ResourceType = ResourceHomeSet
		case 3:
			res.ResourceType = ResourceCollection
			res.CalendarID = parts[2]
		case 4:
			res.ResourceType = ResourceObject
			res.CalendarID = parts[2]
			res.ObjectID = parts[3]
		default:
			return Resource{}, fmt.Errorf("unexpected path depth %d", len(parts))
		}
	case "inbox":
		switch len(parts) {
		case 2:
			res.ResourceType = ResourceInbox
		case 3:
			res.ResourceType = ResourceInboxItem
			res.ObjectID = parts[2]
		default:
			return Resource{}, fmt.Errorf("unexpected path depth %d", len(parts))
		}
	case "outbox":
		if len(parts) != 2 {
			return Resource{}, fmt.Errorf("unexpected path depth %d", len(parts))
		}
		res.ResourceType = ResourceOutbox
	default:
		return Resource{}, fmt.Errorf("unknown collection %q", parts[1])
	}
	return res, nil
}

func splitPath(path string) []string {
	var parts []string
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
