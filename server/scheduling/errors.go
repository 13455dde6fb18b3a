// Package scheduling implements the iTIP implicit scheduling engine: it
// turns plain writes to scheduled calendar objects into REQUEST, REPLY
// and CANCEL traffic between organizer and attendees (RFC 6638).
package scheduling

import (
	"errors"
	"fmt"
)

// iTIP request-status literals (RFC 5546 / RFC 6638).
const (
	StatusPending               = "1.0;Pending"
	StatusSent                  = "1.1;Scheduling message has been sent"
	StatusDelivered             = "1.2;Scheduling message has been delivered"
	StatusSuccess               = "2.0;Success"
	StatusInvalidUser           = "3.7;Invalid Calendar User"
	StatusNoAuthority           = "3.8;No authority"
	StatusUnsupportedCapability = "3.14;Unsupported capability"
	StatusServiceUnavailable    = "5.1;Service unavailable"
	StatusOrganizerChange       = "5.3;Organizer change not allowed"
)

// ValidationError rejects a malformed or unauthorized scheduling
// message. Fatal, never retried; surfaced with a precondition tag.
type ValidationError struct {
	// Precondition is the CalDAV precondition element name, e.g.
	// "valid-organizer" or "unique-scheduling-object-resource".
	Precondition string
	// Status is the iTIP request-status to report, when one applies.
	Status  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Precondition != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Precondition)
	}
	return e.Message
}

// ConflictError reports a UID collision or lock-acquisition timeout.
// The whole operation may be retried by the caller.
type ConflictError struct {
	UID     string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s (uid %s)", e.Message, e.UID)
}

// DeliveryError is a per-recipient transient failure. It is recorded
// against that recipient's response entry only; the rest of the batch
// proceeds.
type DeliveryError struct {
	Recipient string
	Status    string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery to %s failed: %v", e.Recipient, e.Err)
	}
	return fmt.Sprintf("delivery to %s failed: %s", e.Recipient, e.Status)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// FatalStorageError means the acting party's own copy could not be read
// or written. It aborts the entire operation and triggers caller-level
// rollback.
type FatalStorageError struct {
	Op  string
	Err error
}

func (e *FatalStorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *FatalStorageError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole operation rather
// than a single recipient.
func IsFatal(err error) bool {
	var se *FatalStorageError
	var ve *ValidationError
	return errors.As(err, &se) || errors.As(err, &ve)
}

// statusForError maps an error to the request-status reported for one
// recipient.
func statusForError(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Status != "" {
		return ve.Status
	}
	var de *DeliveryError
	if errors.As(err, &de) && de.Status != "" {
		return de.Status
	}
	return StatusServiceUnavailable
}
