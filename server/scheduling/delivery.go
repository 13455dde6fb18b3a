package scheduling

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// DeliveryStatus is the per-recipient result of one delivery attempt.
type DeliveryStatus struct {
	Recipient string
	// Status is the iTIP request-status literal to record.
	Status string
	Err    error
}

// RemoteTransport forwards scheduling messages to recipients this node
// doesn't host: foreign servers (iSchedule/iMIP) and partition peers.
// It returns the request-status to record for the recipient; the
// message is only required to eventually resolve to a final status.
type RemoteTransport interface {
	Send(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) (string, error)
}

// DeliveryService routes one iTIP message to one recipient.
type DeliveryService struct {
	Storage  storage.Storage
	Resolver AddressResolver
	// Processor handles local deliveries synchronously. Set after
	// construction; the processor needs the delivery service too.
	Processor *ImplicitProcessor
	// Remote handles non-local recipients. Nil reports 5.1 for them.
	Remote RemoteTransport
	Logger *slog.Logger
}

// Deliver routes msg to a single recipient address. The returned status
// is always usable in a response entry; Err carries the cause when the
// status is a failure.
func (d *DeliveryService) Deliver(ctx context.Context, msg *SchedulingMessage, recipientAddr string) DeliveryStatus {
	recipient, err := d.Resolver.Resolve(ctx, recipientAddr)
	if err != nil {
		return DeliveryStatus{Recipient: recipientAddr, Status: StatusServiceUnavailable, Err: err}
	}

	switch recipient.Kind {
	case KindLocal:
		return d.deliverLocal(ctx, msg, recipient)
	case KindRemote, KindPartitioned:
		return d.deliverRemote(ctx, msg, recipient)
	default:
		d.Logger.Warn("scheduling message for invalid calendar user",
			"recipient", recipientAddr,
			"method", msg.Method)
		return DeliveryStatus{
			Recipient: recipient.Address,
			Status:    StatusInvalidUser,
			Err:       &DeliveryError{Recipient: recipient.Address, Status: StatusInvalidUser},
		}
	}
}

func (d *DeliveryService) deliverLocal(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) DeliveryStatus {
	if err := d.checkInboxPrivilege(ctx, msg, recipient); err != nil {
		return DeliveryStatus{Recipient: recipient.Address, Status: statusForError(err), Err: err}
	}

	itemID := uuid.NewString() + ".ics"
	item := &storage.InboxItem{
		ID:     itemID,
		UserID: recipient.User.ID,
		Path:   recipient.InboxPath + itemID,
		Sender: msg.Originator,
		Data:   msg.Payload.Cal,
	}
	if err := d.Storage.PutInboxItem(ctx, item); err != nil {
		err = &DeliveryError{Recipient: recipient.Address, Status: StatusServiceUnavailable, Err: err}
		return DeliveryStatus{Recipient: recipient.Address, Status: StatusServiceUnavailable, Err: err}
	}

	result, err := d.Processor.ProcessInbound(ctx, msg, recipient)
	if err != nil {
		d.Logger.Warn("inbound processing failed",
			"recipient", recipient.Address,
			"method", msg.Method,
			"error", err)
		return DeliveryStatus{Recipient: recipient.Address, Status: statusForError(err), Err: err}
	}

	if !result.StoreNotification {
		if err := d.Storage.DeleteInboxItem(ctx, recipient.User.ID, item.ID); err != nil {
			// The copy is already updated; a stale inbox item is not a
			// delivery failure.
			d.Logger.Warn("failed to remove processed inbox item",
				"recipient", recipient.Address,
				"item", item.ID,
				"error", err)
		}
	}

	d.Logger.Info("scheduling message delivered",
		"recipient", recipient.Address,
		"method", msg.Method,
		"uid", msg.Payload.UID())
	return DeliveryStatus{Recipient: recipient.Address, Status: StatusDelivered}
}

func (d *DeliveryService) deliverRemote(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) DeliveryStatus {
	if d.Remote == nil {
		err := &DeliveryError{
			Recipient: recipient.Address,
			Status:    StatusServiceUnavailable,
			Err:       fmt.Errorf("no transport configured for %s recipients", recipient.Kind),
		}
		return DeliveryStatus{Recipient: recipient.Address, Status: StatusServiceUnavailable, Err: err}
	}
	status, err := d.Remote.Send(ctx, msg, recipient)
	if err != nil {
		err = &DeliveryError{Recipient: recipient.Address, Status: StatusServiceUnavailable, Err: err}
		return DeliveryStatus{Recipient: recipient.Address, Status: StatusServiceUnavailable, Err: err}
	}
	if status == "" {
		status = StatusSent
	}
	return DeliveryStatus{Recipient: recipient.Address, Status: status}
}

// checkInboxPrivilege verifies the originator may deliver scheduling
// messages into the recipient's inbox.
func (d *DeliveryService) checkInboxPrivilege(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) error {
	originator, err := d.Resolver.Resolve(ctx, msg.Originator)
	if err != nil {
		return &DeliveryError{Recipient: recipient.Address, Status: StatusServiceUnavailable, Err: err}
	}
	if originator.Kind == KindInvalid {
		return &ValidationError{
			Precondition: "originator-allowed",
			Status:       StatusNoAuthority,
			Message:      fmt.Sprintf("originator %q may not schedule", msg.Originator),
		}
	}

	allowed := recipient.User.AllowScheduleFrom
	if len(allowed) == 0 {
		return nil
	}
	for _, addr := range allowed {
		if addr == originator.Address {
			return nil
		}
	}
	return &ValidationError{
		Precondition: "originator-allowed",
		Status:       StatusNoAuthority,
		Message:      fmt.Sprintf("originator %q is not allowed to schedule with %q", originator.Address, recipient.Address),
	}
}
