package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// processAttendeeWrite handles writes by a listed attendee: validating
// the change against the organizer's copy, sending the REPLY the change
// implies, and turning deletes into declines.
func (s *Scheduler) processAttendeeWrite(ctx context.Context, op *WriteOp, owner *storage.User, action Action) (*Outcome, error) {
	if action == ActionRemove {
		return s.attendeeRemove(ctx, op, owner)
	}

	target := op.New
	if op.Old != nil && op.Old.Organizer().OrElse("") != target.Organizer().OrElse("") {
		return nil, &ValidationError{
			Precondition: "allowed-attendee-scheduling-object-change",
			Status:       StatusOrganizerChange,
			Message:      "the organizer of a scheduling object cannot be changed",
		}
	}
	if target.OrganizerScheduleAgent() != calobj.AgentServer {
		// The client or nobody handles scheduling for this organizer;
		// store the copy untouched.
		return &Outcome{Object: target, Responses: &ResponseQueue{}}, nil
	}

	organizerAddr := target.Organizer().OrElse("")
	organizer, err := s.Resolver.Resolve(ctx, organizerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve organizer %s: %w", organizerAddr, err)
	}

	if organizer.Kind != KindLocal {
		return s.attendeeWriteRemoteOrganizer(ctx, op, owner, organizerAddr)
	}

	authoritative, err := s.Storage.FindObjectByUID(ctx, organizer.User.ID, target.UID())
	if errors.Is(err, storage.ErrNotFound) {
		// The organizer's copy is gone: the event was cancelled while
		// this client still held the old version. Drop the orphan
		// rather than resurrecting it, unless the attendee is keeping a
		// fully-cancelled tombstone around.
		if target.AllCancelled() {
			return &Outcome{Object: target, Responses: &ResponseQueue{}}, nil
		}
		s.Logger.Info("dropping orphaned attendee copy",
			"user_id", owner.ID,
			"uid", target.UID())
		return &Outcome{Disposition: DispositionDeleteResource, Responses: &ResponseQueue{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load organizer copy of uid %s: %w", target.UID(), err)
	}

	organizerCopy, err := calobj.New(authoritative.Data)
	if err != nil {
		return nil, fmt.Errorf("organizer copy of uid %s is unusable: %w", target.UID(), err)
	}

	merged, replyKeys, err := s.Analyzer.AttendeeMerge(organizerCopy, target, owner.UserAddress)
	if err != nil {
		return nil, err
	}

	queue := &ResponseQueue{}
	if len(replyKeys) > 0 {
		msg, err := s.Generator.Reply(merged, owner.UserAddress, organizerAddr, replyKeys)
		if err != nil {
			return nil, err
		}
		status := s.Delivery.Deliver(ctx, msg, organizerAddr)
		queue.Add(ResponseEntry{Recipient: status.Recipient, Status: status.Status, Err: status.Err})
		recordOrganizerStatus(merged, status.Status)
	}
	return &Outcome{Object: merged, Responses: queue}, nil
}

// attendeeWriteRemoteOrganizer handles a copy whose organizer lives on
// another server: there is no authoritative copy to merge against, so
// the prior stored version plays that part.
func (s *Scheduler) attendeeWriteRemoteOrganizer(ctx context.Context, op *WriteOp, owner *storage.User, organizerAddr string) (*Outcome, error) {
	queue := &ResponseQueue{}
	ownerAddr := calobj.NormalizeAddress(owner.UserAddress)

	var replyKeys []calobj.InstanceKey
	if op.Old != nil {
		for _, key := range op.New.InstanceKeys() {
			newComp := op.New.ComponentFor(key)
			oldComp := op.Old.ComponentFor(key)
			newAtt, ok := calobj.FindAttendee(newComp, ownerAddr).Get()
			if !ok {
				continue
			}
			if oldComp == nil {
				replyKeys = append(replyKeys, key)
				continue
			}
			if oldAtt, ok := calobj.FindAttendee(oldComp, ownerAddr).Get(); !ok || oldAtt.PartStat() != newAtt.PartStat() {
				replyKeys = append(replyKeys, key)
			}
		}
	}

	if len(replyKeys) > 0 {
		msg, err := s.Generator.Reply(op.New, owner.UserAddress, organizerAddr, replyKeys)
		if err != nil {
			return nil, err
		}
		status := s.Delivery.Deliver(ctx, msg, organizerAddr)
		queue.Add(ResponseEntry{Recipient: status.Recipient, Status: status.Status, Err: status.Err})
		recordOrganizerStatus(op.New, status.Status)
	}
	return &Outcome{Object: op.New, Responses: queue}, nil
}

// attendeeRemove turns the deletion of an attendee copy into a DECLINED
// reply for every instance.
func (s *Scheduler) attendeeRemove(ctx context.Context, op *WriteOp, owner *storage.User) (*Outcome, error) {
	queue := &ResponseQueue{}
	if op.Old.OrganizerScheduleAgent() != calobj.AgentServer {
		return &Outcome{Responses: queue}, nil
	}
	organizerAddr := op.Old.Organizer().OrElse("")

	declined := op.Old.Clone()
	ownerAddr := calobj.NormalizeAddress(owner.UserAddress)
	for _, comp := range declined.Components() {
		if att, ok := calobj.FindAttendee(comp, ownerAddr).Get(); ok {
			att.SetPartStat(calobj.PartStatDeclined)
		}
	}

	msg, err := s.Generator.Reply(declined, owner.UserAddress, organizerAddr, nil)
	if err != nil {
		// The copy may never have listed the owner on every component;
		// deleting it still succeeds.
		s.Logger.Warn("failed to build decline for deleted copy",
			"user_id", owner.ID,
			"uid", op.Old.UID(),
			"error", err)
		return &Outcome{Responses: queue}, nil
	}
	status := s.Delivery.Deliver(ctx, msg, organizerAddr)
	queue.Add(ResponseEntry{Recipient: status.Recipient, Status: status.Status, Err: status.Err})
	return &Outcome{Responses: queue}, nil
}

// recordOrganizerStatus stores the reply delivery result as
// SCHEDULE-STATUS on the ORGANIZER property.
func recordOrganizerStatus(obj *calobj.Object, status string) {
	if prop := obj.OrganizerProp(); prop != nil {
		prop.Params.Set(calobj.ParamScheduleStatus, statusCode(status))
	}
}
