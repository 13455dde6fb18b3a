package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora-scheduling/config"
	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// Role is the writing user's relationship to a scheduling object.
type Role int

const (
	// RoleNone marks an unscheduled object; writes pass through.
	RoleNone Role = iota
	// RoleOrganizer marks the owner as the ORGANIZER.
	RoleOrganizer
	// RoleAttendee marks the owner as a listed ATTENDEE.
	RoleAttendee
	// RoleAttendeeMissing marks an object organized by someone else that
	// doesn't list the owner at all.
	RoleAttendeeMissing
)

func (r Role) String() string {
	switch r {
	case RoleOrganizer:
		return "organizer"
	case RoleAttendee:
		return "attendee"
	case RoleAttendeeMissing:
		return "attendee-missing"
	default:
		return "none"
	}
}

// Action is the kind of write being processed.
type Action int

const (
	ActionCreate Action = iota
	ActionModify
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionModify:
		return "modify"
	default:
		return "remove"
	}
}

// Disposition tells the storage layer what to do with the resource
// after scheduling ran.
type Disposition int

const (
	// DispositionContinue stores Outcome.Object (or completes the
	// delete) as usual.
	DispositionContinue Disposition = iota
	// DispositionDeleteResource drops the resource instead of storing
	// it, reporting success to the client. Used for orphaned attendee
	// copies.
	DispositionDeleteResource
)

// WriteOp describes one calendar object write about to be committed.
type WriteOp struct {
	UserID       string
	CalendarID   string
	ObjectID     string
	ResourcePath string
	// Old is the currently stored version, nil on create.
	Old *calobj.Object
	// New is the proposed version, nil on delete.
	New *calobj.Object
}

func (op *WriteOp) action() Action {
	switch {
	case op.Old == nil:
		return ActionCreate
	case op.New == nil:
		return ActionRemove
	default:
		return ActionModify
	}
}

// Outcome is the scheduler's verdict on a write.
type Outcome struct {
	Disposition Disposition
	// Object is the version to store, possibly rewritten with reset
	// PARTSTATs and SCHEDULE-STATUS. Nil on delete.
	Object *calobj.Object
	// Responses holds per-recipient delivery results for the
	// Schedule-Response the caller may render.
	Responses *ResponseQueue
}

// Scheduler implements implicit scheduling around calendar object
// writes: it classifies the writer's role, generates and delivers the
// iTIP messages the write implies, and rewrites the stored version.
type Scheduler struct {
	Storage      storage.Storage
	Resolver     AddressResolver
	Analyzer     *ChangeAnalyzer
	Generator    *MessageGenerator
	Delivery     *DeliveryService
	Locks        LockService
	Reservations ReservationService
	Config       *config.Config
	Logger       *slog.Logger
}

// ProcessWrite runs implicit scheduling for one write. The caller
// commits the storage change according to the returned Outcome.
func (s *Scheduler) ProcessWrite(ctx context.Context, op *WriteOp) (*Outcome, error) {
	target := op.New
	if target == nil {
		target = op.Old
	}
	if target == nil {
		return &Outcome{Responses: &ResponseQueue{}}, nil
	}
	if !target.IsScheduled() {
		return &Outcome{Object: op.New, Responses: &ResponseQueue{}}, nil
	}

	owner, err := s.Storage.GetUser(ctx, op.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load writing user %s: %w", op.UserID, err)
	}
	// The stored version is authoritative for the writer's role: a
	// proposed copy that swaps the ORGANIZER must still route to the
	// organizer/attendee modify paths, where the swap is rejected.
	roleSource := target
	if op.Old != nil && op.Old.IsScheduled() {
		roleSource = op.Old
	}
	role := classifyRole(owner, roleSource)
	action := op.action()
	uid := target.UID()

	s.Logger.Debug("processing scheduling write",
		"user_id", op.UserID,
		"uid", uid,
		"role", role.String(),
		"action", action.String())

	if action == ActionCreate {
		reservation, err := s.reserveUID(ctx, op, uid)
		if err != nil {
			return nil, err
		}
		defer reservation.Release()
	}

	lock, err := s.Locks.Acquire(ctx, uid)
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	ctx = ContextWithHeldLock(ctx, uid)

	switch role {
	case RoleOrganizer:
		switch action {
		case ActionCreate:
			return s.organizerCreate(ctx, op, owner)
		case ActionModify:
			return s.organizerModify(ctx, op, owner)
		default:
			return s.organizerRemove(ctx, op, owner)
		}
	case RoleAttendee:
		return s.processAttendeeWrite(ctx, op, owner, action)
	case RoleAttendeeMissing:
		if action == ActionRemove {
			// Nothing to signal; the owner was never invited.
			return &Outcome{Responses: &ResponseQueue{}}, nil
		}
		return nil, &ValidationError{
			Precondition: "attendee-allowed",
			Status:       StatusNoAuthority,
			Message:      fmt.Sprintf("%s is neither the organizer nor an attendee of uid %s", owner.UserAddress, uid),
		}
	default:
		return &Outcome{Object: op.New, Responses: &ResponseQueue{}}, nil
	}
}

// reserveUID claims the UID for this resource and verifies no other
// resource in the same home already carries it.
func (s *Scheduler) reserveUID(ctx context.Context, op *WriteOp, uid string) (Reservation, error) {
	reservation, err := s.Reservations.Reserve(ctx, uid, op.ResourcePath)
	if err != nil {
		return nil, err
	}
	existing, err := s.Storage.FindObjectByUID(ctx, op.UserID, uid)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		reservation.Release()
		return nil, fmt.Errorf("failed to check uid uniqueness: %w", err)
	}
	if existing != nil && err == nil && existing.Path != op.ResourcePath {
		reservation.Release()
		return nil, &ConflictError{
			UID:     uid,
			Message: fmt.Sprintf("uid %s is already used by %s", uid, existing.Path),
		}
	}
	return reservation, nil
}

func classifyRole(owner *storage.User, target *calobj.Object) Role {
	ownerAddr := calobj.NormalizeAddress(owner.UserAddress)
	orgAddr, hasOrganizer := target.Organizer().Get()
	if hasOrganizer && orgAddr == ownerAddr {
		return RoleOrganizer
	}
	if !hasOrganizer {
		return RoleNone
	}
	for _, comp := range target.Components() {
		if calobj.HasAttendee(comp, ownerAddr) {
			return RoleAttendee
		}
	}
	return RoleAttendeeMissing
}

func (s *Scheduler) organizerCreate(ctx context.Context, op *WriteOp, owner *storage.User) (*Outcome, error) {
	if !owner.ScheduleEnabled {
		return nil, &ValidationError{
			Precondition: "organizer-allowed",
			Status:       StatusNoAuthority,
			Message:      fmt.Sprintf("%s may not originate scheduling messages", owner.UserAddress),
		}
	}
	if op.New.Master() == nil {
		return nil, &ValidationError{
			Precondition: "valid-calendar-data",
			Message:      "an organizer copy must contain a master component",
		}
	}

	ownerAddr := calobj.NormalizeAddress(owner.UserAddress)
	// A new invitation always starts from NEEDS-ACTION, whatever the
	// client put there.
	for _, comp := range op.New.Components() {
		for _, att := range calobj.Attendees(comp) {
			if att.Address() == ownerAddr || att.ScheduleAgent() != calobj.AgentServer {
				continue
			}
			att.SetPartStat(calobj.PartStatNeedsAction)
			att.SetRSVP(true)
		}
	}

	recipients := serverAttendees(op.New, ownerAddr)
	queue := &ResponseQueue{}
	var items []outboundItem
	for _, addr := range recipients {
		msg, err := s.Generator.Request(op.New, nil, ownerAddr, []string{addr})
		if err != nil {
			return nil, err
		}
		items = append(items, outboundItem{recipient: addr, msg: msg})
	}
	for _, status := range s.fanOut(ctx, items) {
		queue.Add(ResponseEntry{Recipient: status.Recipient, Status: status.Status, Err: status.Err})
		applyScheduleStatus(op.New, status.Recipient, status.Status)
	}

	return &Outcome{Object: op.New, Responses: queue}, nil
}

func (s *Scheduler) organizerModify(ctx context.Context, op *WriteOp, owner *storage.User) (*Outcome, error) {
	cs := s.Analyzer.Diff(op.Old, op.New)
	if cs.OrganizerChanged {
		return nil, &ValidationError{
			Precondition: "allowed-organizer-scheduling-object-change",
			Status:       StatusOrganizerChange,
			Message:      "the organizer of a scheduling object cannot be changed",
		}
	}

	ownerAddr := calobj.NormalizeAddress(owner.UserAddress)
	forced := forceSendRequested(op.New)
	if !cs.Significant && !forced {
		// Bookkeeping-only change; store silently.
		return &Outcome{Object: op.New, Responses: &ResponseQueue{}}, nil
	}

	if cs.NeedsSequenceBump && op.New.MaxSequence() <= op.Old.MaxSequence() {
		op.New.SetSequence(op.Old.MaxSequence() + 1)
	}

	// A significant change reopens the question for everyone invited to
	// the touched instances.
	if cs.Significant {
		resetKeys := cs.ChangedKeys()
		if resetKeys == nil {
			resetKeys = op.New.InstanceKeys()
		}
		for _, key := range resetKeys {
			comp := op.New.ComponentFor(key)
			if comp == nil {
				continue
			}
			for _, att := range calobj.Attendees(comp) {
				if att.Address() == ownerAddr || att.ScheduleAgent() != calobj.AgentServer {
					continue
				}
				att.SetPartStat(calobj.PartStatNeedsAction)
				att.SetRSVP(true)
			}
		}
	}

	queue := &ResponseQueue{}
	var items []outboundItem

	// Cancels for attendees dropped entirely, dropped per instance, or
	// whose instance went away.
	sequence := op.New.MaxSequence()
	for addr, keys := range findRemovedAttendees(op.Old, op.New, cs) {
		msg, err := s.Generator.Cancel(op.Old, keys, ownerAddr, addr, sequence)
		if err != nil {
			return nil, err
		}
		items = append(items, outboundItem{recipient: addr, msg: msg})
	}

	// Requests for everyone still invited.
	oldAtts := attendeeSet(op.Old, ownerAddr)
	subset := cs.ChangedKeys()
	if !cs.Significant {
		// Force-send without a real change still carries the whole
		// object.
		subset = nil
	}
	for _, addr := range serverAttendees(op.New, ownerAddr) {
		keys := subset
		if !oldAtts[addr] {
			// Newly invited attendees need the full object, not the
			// changed slice.
			keys = nil
		}
		msg, err := s.Generator.Request(op.New, keys, ownerAddr, []string{addr})
		if err != nil {
			return nil, err
		}
		items = append(items, outboundItem{recipient: addr, msg: msg})
	}

	for _, status := range s.fanOut(ctx, items) {
		queue.Add(ResponseEntry{Recipient: status.Recipient, Status: status.Status, Err: status.Err})
		applyScheduleStatus(op.New, status.Recipient, status.Status)
	}
	return &Outcome{Object: op.New, Responses: queue}, nil
}

func (s *Scheduler) organizerRemove(ctx context.Context, op *WriteOp, owner *storage.User) (*Outcome, error) {
	ownerAddr := calobj.NormalizeAddress(owner.UserAddress)
	sequence := op.Old.MaxSequence() + 1

	queue := &ResponseQueue{}
	var items []outboundItem
	for _, addr := range serverAttendees(op.Old, ownerAddr) {
		msg, err := s.Generator.Cancel(op.Old, []calobj.InstanceKey{calobj.MasterKey}, ownerAddr, addr, sequence)
		if err != nil {
			return nil, err
		}
		items = append(items, outboundItem{recipient: addr, msg: msg})
	}
	for _, status := range s.fanOut(ctx, items) {
		queue.Add(ResponseEntry{Recipient: status.Recipient, Status: status.Status, Err: status.Err})
	}
	return &Outcome{Responses: queue}, nil
}

type outboundItem struct {
	recipient string
	msg       *SchedulingMessage
}

// fanOut delivers every item concurrently and returns the statuses in
// item order.
func (s *Scheduler) fanOut(ctx context.Context, items []outboundItem) []DeliveryStatus {
	statuses := make([]DeliveryStatus, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item outboundItem) {
			defer wg.Done()
			statuses[i] = s.Delivery.Deliver(ctx, item.msg, item.recipient)
		}(i, item)
	}
	wg.Wait()
	return statuses
}

// findRemovedAttendees maps each attendee owed a CANCEL to the instance
// keys it must cover. A key set containing the master key means the
// whole UID.
func findRemovedAttendees(old, new *calobj.Object, cs *ChangeSet) map[string][]calobj.InstanceKey {
	ownerAddr := calobj.NormalizeAddress(old.Organizer().OrElse(""))
	oldAtts := attendeeSet(old, ownerAddr)
	newAtts := attendeeSet(new, ownerAddr)

	result := make(map[string][]calobj.InstanceKey)
	add := func(addr string, key calobj.InstanceKey) {
		for _, existing := range result[addr] {
			if existing == key {
				return
			}
		}
		result[addr] = append(result[addr], key)
	}

	for addr := range oldAtts {
		if !newAtts[addr] {
			// Dropped everywhere: one whole-UID cancel.
			result[addr] = []calobj.InstanceKey{calobj.MasterKey}
			continue
		}
		// Dropped from individual components they used to be on.
		for _, key := range old.InstanceKeys() {
			oldComp := old.ComponentFor(key)
			if oldComp == nil || !calobj.HasAttendee(oldComp, addr) {
				continue
			}
			if newComp := new.ComponentFor(key); newComp != nil && !calobj.HasAttendee(newComp, addr) {
				add(addr, key)
			}
		}
	}

	// Overrides introduced by this write that drop an attendee the old
	// master still invited to that occurrence.
	for _, key := range cs.AddedInstances {
		newComp := new.ComponentFor(key)
		source := old.ComponentFor(key)
		if source == nil {
			source = old.Master()
		}
		if newComp == nil || source == nil {
			continue
		}
		for _, att := range calobj.Attendees(source) {
			addr := att.Address()
			if addr == ownerAddr || att.ScheduleAgent() != calobj.AgentServer {
				continue
			}
			if !newAtts[addr] || calobj.HasAttendee(newComp, addr) {
				continue
			}
			add(addr, key)
		}
	}

	// Instances that no longer exist: overrides removed outright and
	// occurrences newly excluded on the master.
	cancelInstance := func(key calobj.InstanceKey, comp *ical.Component) {
		for _, att := range calobj.Attendees(comp) {
			addr := att.Address()
			if addr == ownerAddr || att.ScheduleAgent() != calobj.AgentServer {
				continue
			}
			if !newAtts[addr] {
				// Already covered by the whole-UID cancel.
				continue
			}
			add(addr, key)
		}
	}
	for _, key := range cs.RemovedInstances {
		if comp := old.ComponentFor(key); comp != nil {
			cancelInstance(key, comp)
		}
	}
	for _, key := range cs.AddedExDates {
		source := old.ComponentFor(key)
		if source == nil {
			source = old.Master()
		}
		if source != nil {
			cancelInstance(key, source)
		}
	}

	for addr, keys := range result {
		for _, key := range keys {
			if key.IsMaster() {
				result[addr] = []calobj.InstanceKey{calobj.MasterKey}
				break
			}
		}
		sortInstanceKeys(result[addr])
	}
	return result
}

// serverAttendees lists every server-scheduled attendee address across
// the object's components, excluding the owner, sorted.
func serverAttendees(obj *calobj.Object, ownerAddr string) []string {
	set := attendeeSet(obj, ownerAddr)
	addrs := make([]string, 0, len(set))
	for addr := range set {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func attendeeSet(obj *calobj.Object, ownerAddr string) map[string]bool {
	set := make(map[string]bool)
	if obj == nil {
		return set
	}
	for _, comp := range obj.Components() {
		for _, att := range calobj.Attendees(comp) {
			addr := att.Address()
			if addr == ownerAddr || att.ScheduleAgent() != calobj.AgentServer {
				continue
			}
			set[addr] = true
		}
	}
	return set
}

// forceSendRequested reports whether any attendee carries
// SCHEDULE-FORCE-SEND=REQUEST.
func forceSendRequested(obj *calobj.Object) bool {
	for _, comp := range obj.Components() {
		for _, att := range calobj.Attendees(comp) {
			if att.ForceSend() == calobj.MethodRequest {
				return true
			}
		}
	}
	return false
}

// applyScheduleStatus records a delivery result on every ATTENDEE
// property naming the recipient. SCHEDULE-STATUS carries the bare code.
func applyScheduleStatus(obj *calobj.Object, recipient, status string) {
	if obj == nil {
		return
	}
	for _, comp := range obj.Components() {
		if att, ok := calobj.FindAttendee(comp, recipient).Get(); ok {
			att.SetScheduleStatus(statusCode(status))
		}
	}
}
