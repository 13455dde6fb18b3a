package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/cyp0633/caldora-scheduling/config"
	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// ProcessResult reports how an inbound message was handled.
type ProcessResult struct {
	Status string
	// StoreNotification keeps the delivered inbox item visible to the
	// recipient. Suppressed for fully auto-processed non-human
	// principals, always kept for INDIVIDUALs.
	StoreNotification bool
}

// ImplicitProcessor applies inbound scheduling messages to the
// recipient's calendar data.
type ImplicitProcessor struct {
	Storage   storage.Storage
	Resolver  AddressResolver
	Analyzer  *ChangeAnalyzer
	Generator *MessageGenerator
	FreeBusy  *FreeBusyEngine
	Locks     LockService
	Config    *config.Config
	// Delivery sends auto-accept replies. Set after construction.
	Delivery  *DeliveryService
	Refresher *RefreshCoalescer
	Logger    *slog.Logger
}

// ProcessInbound dispatches one scheduling message delivered to a local
// recipient's inbox.
func (p *ImplicitProcessor) ProcessInbound(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) (*ProcessResult, error) {
	switch msg.Method {
	case calobj.MethodRequest:
		return p.withRepair(ctx, msg, recipient, p.processRequest)
	case calobj.MethodCancel:
		return p.withRepair(ctx, msg, recipient, p.processCancel)
	case calobj.MethodReply:
		return p.processReply(ctx, msg, recipient)
	case calobj.MethodAdd:
		// Instance addition via ADD has no implementation; reject
		// rather than guessing merge semantics.
		return nil, &ValidationError{
			Precondition: "supported-calendar-data",
			Status:       StatusUnsupportedCapability,
			Message:      "the ADD method is not supported",
		}
	case calobj.MethodRefresh:
		p.Logger.Debug("ignoring REFRESH message",
			"recipient", recipient.Address,
			"uid", msg.Payload.UID())
		return &ProcessResult{Status: StatusSuccess}, nil
	default:
		return nil, &ValidationError{
			Precondition: "supported-calendar-data",
			Status:       StatusUnsupportedCapability,
			Message:      fmt.Sprintf("unsupported iTIP method %q", msg.Method),
		}
	}
}

type inboundFunc func(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) (*ProcessResult, error)

// withRepair runs fn and, on an unexpected data error, attempts exactly
// one repair pass re-deriving the recipient's copy from the organizer's
// authoritative copy, then retries once before surfacing a fatal 5.1.
func (p *ImplicitProcessor) withRepair(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser, fn inboundFunc) (*ProcessResult, error) {
	result, err := fn(ctx, msg, recipient)
	if err == nil {
		return result, nil
	}
	var ve *ValidationError
	var ce *ConflictError
	if errors.As(err, &ve) || errors.As(err, &ce) {
		return nil, err
	}

	p.Logger.Warn("inbound processing hit unexpected error, attempting repair",
		"recipient", recipient.Address,
		"uid", msg.Payload.UID(),
		"error", err)
	if repairErr := p.repairFromOrganizer(ctx, msg, recipient); repairErr != nil {
		p.Logger.Error("repair pass failed",
			"recipient", recipient.Address,
			"uid", msg.Payload.UID(),
			"error", repairErr)
	} else if result, err = fn(ctx, msg, recipient); err == nil {
		return result, nil
	}

	return nil, &ValidationError{
		Precondition: "valid-schedule-message",
		Status:       StatusServiceUnavailable,
		Message:      fmt.Sprintf("failed to process %s for %s: %v", msg.Method, recipient.Address, err),
	}
}

// repairFromOrganizer rewrites the recipient's copy from the organizer's
// authoritative copy when both are hosted here.
func (p *ImplicitProcessor) repairFromOrganizer(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) error {
	organizer, err := p.Resolver.Resolve(ctx, msg.Payload.Organizer().OrElse(""))
	if err != nil || organizer.Kind != KindLocal {
		return fmt.Errorf("organizer copy is not locally available")
	}
	authoritative, err := p.Storage.FindObjectByUID(ctx, organizer.User.ID, msg.Payload.UID())
	if err != nil {
		return fmt.Errorf("failed to read organizer copy: %w", err)
	}
	own, err := p.Storage.FindObjectByUID(ctx, recipient.User.ID, msg.Payload.UID())
	if err != nil {
		return fmt.Errorf("failed to read recipient copy: %w", err)
	}

	source, err := calobj.New(authoritative.Data)
	if err != nil {
		return fmt.Errorf("organizer copy is unusable: %w", err)
	}
	repaired := source.Clone()
	repaired.SetMethod("")
	own.Data = repaired.Cal
	if _, err := p.Storage.PutObject(ctx, own); err != nil {
		return fmt.Errorf("failed to rewrite recipient copy: %w", err)
	}
	p.Logger.Info("re-derived attendee copy from organizer copy",
		"recipient", recipient.Address,
		"uid", msg.Payload.UID())
	return nil
}

func (p *ImplicitProcessor) processRequest(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) (*ProcessResult, error) {
	uid := msg.Payload.UID()
	existing, err := p.Storage.FindObjectByUID(ctx, recipient.User.ID, uid)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up uid %s for %s: %w", uid, recipient.Address, err)
	}
	if existing == nil || errors.Is(err, storage.ErrNotFound) {
		return p.newRequest(ctx, msg, recipient)
	}
	return p.updateRequest(ctx, msg, recipient, existing)
}

func (p *ImplicitProcessor) newRequest(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) (*ProcessResult, error) {
	copy := msg.Payload.Clone()
	copy.SetMethod("")

	autoEnabled := recipient.User.AutoSchedule != storage.AutoScheduleNone &&
		recipient.User.AutoSchedule != ""
	var replyKeys []calobj.InstanceKey
	if autoEnabled {
		// Auto-accept runs before the first write completes so the
		// stored PARTSTAT is already final.
		keys, err := p.runAutoAccept(ctx, recipient.User, copy)
		if err != nil {
			return nil, err
		}
		replyKeys = keys
	}

	calendarID, err := p.defaultCalendar(ctx, recipient.User, copy)
	if err != nil {
		return nil, err
	}

	objectID := uuid.NewString() + ".ics"
	obj := &storage.CalendarObject{
		ID:         objectID,
		CalendarID: calendarID,
		UserID:     recipient.User.ID,
		Path:       fmt.Sprintf("%scalendars/%s/%s", recipient.User.Path, calendarID, objectID),
		Data:       copy.Cal,
	}
	if _, err := p.Storage.PutObject(ctx, obj); err != nil {
		return nil, fmt.Errorf("failed to store invitation for %s: %w", recipient.Address, err)
	}

	if len(replyKeys) > 0 {
		p.sendReplyAsync(ctx, recipient, copy, replyKeys)
	}

	return &ProcessResult{
		Status:            StatusDelivered,
		StoreNotification: p.storeNotification(recipient.User, autoEnabled),
	}, nil
}

func (p *ImplicitProcessor) updateRequest(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser, existing *storage.CalendarObject) (*ProcessResult, error) {
	stored, err := calobj.New(existing.Data)
	if err != nil {
		return nil, fmt.Errorf("stored copy for %s is unusable: %w", recipient.Address, err)
	}

	cs := p.Analyzer.Diff(stored, msg.Payload)
	if !cs.Significant {
		p.Logger.Debug("request carries no recipient-visible change, ignoring",
			"recipient", recipient.Address,
			"uid", msg.Payload.UID())
		return &ProcessResult{Status: StatusDelivered}, nil
	}

	merged := msg.Payload.Clone()
	merged.SetMethod("")
	// The organizer's payload is authoritative, but the recipient's
	// alarms and transparency are private to them.
	for _, key := range merged.InstanceKeys() {
		storedComp := stored.ComponentFor(key)
		mergedComp := merged.ComponentFor(key)
		if storedComp == nil || mergedComp == nil {
			continue
		}
		copyAlarms(storedComp, mergedComp)
		calobj.SetTransparency(mergedComp, calobj.Transparency(storedComp))
	}

	autoEnabled := recipient.User.AutoSchedule != storage.AutoScheduleNone &&
		recipient.User.AutoSchedule != ""
	var replyKeys []calobj.InstanceKey
	if autoEnabled {
		replyKeys, err = p.runAutoAccept(ctx, recipient.User, merged)
		if err != nil {
			return nil, err
		}
	}

	existing.Data = merged.Cal
	if _, err := p.Storage.PutObject(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update copy for %s: %w", recipient.Address, err)
	}

	if len(replyKeys) > 0 {
		p.sendReplyAsync(ctx, recipient, merged, replyKeys)
	}

	return &ProcessResult{
		Status:            StatusDelivered,
		StoreNotification: p.storeNotification(recipient.User, autoEnabled),
	}, nil
}

func (p *ImplicitProcessor) processCancel(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) (*ProcessResult, error) {
	uid := msg.Payload.UID()
	existing, err := p.Storage.FindObjectByUID(ctx, recipient.User.ID, uid)
	if errors.Is(err, storage.ErrNotFound) {
		// Nothing to cancel; the copy is already gone.
		return &ProcessResult{Status: StatusDelivered}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up uid %s for %s: %w", uid, recipient.Address, err)
	}

	wholeSeries := msg.Payload.Master() != nil
	if wholeSeries {
		if err := p.Storage.DeleteObject(ctx, recipient.User.ID, existing.CalendarID, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to delete cancelled copy for %s: %w", recipient.Address, err)
		}
		p.Logger.Info("cancelled whole series",
			"recipient", recipient.Address,
			"uid", uid)
		return &ProcessResult{
			Status:            StatusDelivered,
			StoreNotification: recipient.User.CalendarUserType == "" || strings.EqualFold(recipient.User.CalendarUserType, "INDIVIDUAL"),
		}, nil
	}

	stored, err := calobj.New(existing.Data)
	if err != nil {
		return nil, fmt.Errorf("stored copy for %s is unusable: %w", recipient.Address, err)
	}
	for key := range msg.Payload.Overrides() {
		stored.RemoveOverride(key)
		stored.AddExDate(key)
	}
	if len(stored.Components()) == 0 {
		if err := p.Storage.DeleteObject(ctx, recipient.User.ID, existing.CalendarID, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to delete emptied copy for %s: %w", recipient.Address, err)
		}
	} else {
		existing.Data = stored.Cal
		if _, err := p.Storage.PutObject(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update cancelled copy for %s: %w", recipient.Address, err)
		}
	}
	return &ProcessResult{
		Status:            StatusDelivered,
		StoreNotification: recipient.User.CalendarUserType == "" || strings.EqualFold(recipient.User.CalendarUserType, "INDIVIDUAL"),
	}, nil
}

// processReply applies an attendee's REPLY to the organizer's stored
// copy and queues a refresh of the other attendees.
func (p *ImplicitProcessor) processReply(ctx context.Context, msg *SchedulingMessage, recipient CalendarUser) (*ProcessResult, error) {
	uid := msg.Payload.UID()
	lock, err := p.Locks.Acquire(ctx, uid)
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	ctx = ContextWithHeldLock(ctx, uid)

	existing, err := p.Storage.FindObjectByUID(ctx, recipient.User.ID, uid)
	if err != nil {
		return nil, &ValidationError{
			Precondition: "valid-schedule-reply",
			Message:      fmt.Sprintf("no scheduling object with uid %s for %s", uid, recipient.Address),
		}
	}
	stored, err := calobj.New(existing.Data)
	if err != nil {
		return nil, fmt.Errorf("stored copy for %s is unusable: %w", recipient.Address, err)
	}

	replier := calobj.NormalizeAddress(msg.Originator)
	changed := false
	for _, replyComp := range msg.Payload.Components() {
		key := instanceKeyOf(replyComp)
		storedComp := stored.ComponentFor(key)
		if storedComp == nil {
			storedComp = materializeOverride(stored, key)
			if storedComp == nil {
				continue
			}
		}

		replyAtt, ok := calobj.FindAttendee(replyComp, replier).Get()
		if !ok {
			return nil, &ValidationError{
				Precondition: "valid-schedule-reply",
				Status:       StatusInvalidUser,
				Message:      fmt.Sprintf("reply from %s carries no matching ATTENDEE", replier),
			}
		}
		storedAtt, ok := calobj.FindAttendee(storedComp, replier).Get()
		if !ok {
			return nil, &ValidationError{
				Precondition: "valid-schedule-reply",
				Status:       StatusInvalidUser,
				Message:      fmt.Sprintf("%s is not an attendee of uid %s", replier, uid),
			}
		}

		if storedAtt.PartStat() != replyAtt.PartStat() {
			storedAtt.SetPartStat(replyAtt.PartStat())
			changed = true
		}
		storedAtt.SetScheduleStatus(replyStatusCode(replyComp))
	}

	if changed {
		if _, err := p.Storage.PutObject(ctx, existing); err != nil {
			return nil, &FatalStorageError{Op: "apply reply", Err: err}
		}

		var others []string
		seen := map[string]bool{replier: true, stored.Organizer().OrElse(""): true}
		for _, comp := range stored.Components() {
			for _, att := range calobj.Attendees(comp) {
				if addr := att.Address(); !seen[addr] {
					seen[addr] = true
					others = append(others, addr)
				}
			}
		}
		if len(others) > 0 && p.Refresher != nil {
			p.Refresher.Enqueue(uid, recipient.User, others)
		}
	}

	return &ProcessResult{
		Status:            StatusDelivered,
		StoreNotification: strings.EqualFold(recipient.User.CalendarUserType, "INDIVIDUAL") || recipient.User.CalendarUserType == "",
	}, nil
}

// defaultCalendar picks or provisions the collection a new invitation
// lands in.
func (p *ImplicitProcessor) defaultCalendar(ctx context.Context, user *storage.User, obj *calobj.Object) (string, error) {
	if user.DefaultCalendarID != "" {
		return user.DefaultCalendarID, nil
	}

	compName := ical.CompEvent
	if comps := obj.Components(); len(comps) > 0 {
		compName = comps[0].Name
	}
	for _, cal := range listOrNil(ctx, p.Storage, user.ID) {
		for _, supported := range cal.Components {
			if supported == compName {
				return cal.ID, nil
			}
		}
	}

	cal := &storage.Calendar{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		Name:       "Calendar",
		Components: []string{compName},
	}
	if err := p.Storage.CreateCalendar(ctx, cal); err != nil {
		return "", fmt.Errorf("failed to provision default calendar for %s: %w", user.ID, err)
	}
	p.Logger.Info("provisioned default calendar",
		"user_id", user.ID,
		"calendar_id", cal.ID,
		"component", compName)
	return cal.ID, nil
}

func listOrNil(ctx context.Context, store storage.Storage, userID string) []*storage.Calendar {
	cals, err := store.ListCalendars(ctx, userID)
	if err != nil {
		return nil
	}
	return cals
}

// storeNotification decides whether the inbox item stays visible.
func (p *ImplicitProcessor) storeNotification(user *storage.User, autoProcessed bool) bool {
	if strings.EqualFold(user.CalendarUserType, "INDIVIDUAL") || user.CalendarUserType == "" {
		return true
	}
	return !autoProcessed
}

func instanceKeyOf(comp *ical.Component) calobj.InstanceKey {
	prop := comp.Props.Get(ical.PropRecurrenceID)
	if prop == nil {
		return calobj.MasterKey
	}
	if t, err := prop.DateTime(time.UTC); err == nil {
		return calobj.KeyForTime(t)
	}
	return calobj.InstanceKey(prop.Value)
}

// replyStatusCode extracts the numeric code of the REQUEST-STATUS in a
// reply component, defaulting to success. SCHEDULE-STATUS carries the
// bare code, not the full literal.
func replyStatusCode(comp *ical.Component) string {
	if prop := comp.Props.Get(ical.PropRequestStatus); prop != nil {
		return statusCode(prop.Value)
	}
	return statusCode(StatusSuccess)
}

// statusCode reduces an iTIP request-status literal to its code part.
func statusCode(status string) string {
	code, _, _ := strings.Cut(status, ";")
	return code
}
