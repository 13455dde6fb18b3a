package scheduling

import (
	"context"
	"time"

	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/recurrence"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// autoDecision is the outcome of the free-busy check for one instance.
type autoDecision int

const (
	decisionNone autoDecision = iota
	decisionAccept
	decisionDecline
)

// runAutoAccept answers an incoming invitation on behalf of a principal
// whose auto-schedule mode says so, rewriting obj's own ATTENDEE
// PARTSTAT and TRANSP in place. The returned keys are the instances
// whose PARTSTAT changed; the caller sends the REPLY once the copy is
// stored.
func (p *ImplicitProcessor) runAutoAccept(ctx context.Context, user *storage.User, obj *calobj.Object) ([]calobj.InstanceKey, error) {
	switch user.AutoSchedule {
	case storage.AutoScheduleAcceptAlways:
		return p.applyUniform(user, obj, decisionAccept), nil
	case storage.AutoScheduleDeclineAlways:
		return p.applyUniform(user, obj, decisionDecline), nil
	case storage.AutoScheduleAcceptIfFree, storage.AutoScheduleDeclineIfBusy, storage.AutoScheduleAutomatic:
	default:
		return nil, nil
	}

	decisions, err := p.decidePerInstance(ctx, user, obj)
	if err != nil {
		// A failed free-busy check must not lose the invitation; leave
		// the PARTSTAT at NEEDS-ACTION for a human to sort out.
		p.Logger.Warn("auto-accept free-busy check failed, leaving invitation pending",
			"user_id", user.ID,
			"uid", obj.UID(),
			"error", err)
		return nil, nil
	}
	if len(decisions) == 0 {
		return nil, nil
	}

	uniform := true
	var overall autoDecision
	for i, d := range decisions {
		if i == 0 {
			overall = d.decision
			continue
		}
		if d.decision != overall {
			uniform = false
		}
	}
	if uniform {
		if overall == decisionNone {
			return nil, nil
		}
		return p.applyUniform(user, obj, overall), nil
	}
	return p.applyMixed(user, obj, decisions), nil
}

type instanceDecision struct {
	key      calobj.InstanceKey
	decision autoDecision
}

// decidePerInstance expands the invitation out to the auto-accept
// horizon and runs a masked free-busy check per occurrence.
func (p *ImplicitProcessor) decidePerInstance(ctx context.Context, user *storage.User, obj *calobj.Object) ([]instanceDecision, error) {
	cfg := p.Config.Scheduling()
	now := time.Now().UTC()
	horizon := now.Add(cfg.AutoAcceptHorizon)

	var decisions []instanceDecision
	overridden := make(map[calobj.InstanceKey]bool)

	for key, comp := range obj.Overrides() {
		overridden[key] = true
		start, end, ok := recurrence.TimesFromComponent(comp)
		if !ok || !start.Before(horizon) {
			continue
		}
		d, err := p.decideOccurrence(ctx, user, obj.UID(), start, end)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, instanceDecision{key: key, decision: d})
	}

	master := obj.Master()
	if master != nil {
		start, end, ok := recurrence.TimesFromComponent(master)
		if ok {
			occurrences, err := p.FreeBusy.Recurrence.ExpandInstances(
				start, end, recurrence.InfoFromComponent(master), now.Add(-24*time.Hour), horizon, cfg.FreeBusyInstanceCap)
			if err != nil {
				return nil, err
			}
			for _, occ := range occurrences {
				key := calobj.KeyForTime(occ.Start)
				if overridden[key] {
					continue
				}
				d, err := p.decideOccurrence(ctx, user, obj.UID(), occ.Start, occ.End)
				if err != nil {
					return nil, err
				}
				decisions = append(decisions, instanceDecision{key: key, decision: d})
			}
		}
	}
	return decisions, nil
}

func (p *ImplicitProcessor) decideOccurrence(ctx context.Context, user *storage.User, uid string, start, end time.Time) (autoDecision, error) {
	info, err := p.FreeBusy.Query(ctx, FreeBusyRequest{
		Start:   start,
		End:     end,
		UserID:  user.ID,
		MaskUID: uid,
	})
	if err != nil {
		return decisionNone, err
	}
	busy := info.BusyAt(start, end)

	switch user.AutoSchedule {
	case storage.AutoScheduleAcceptIfFree:
		if !busy {
			return decisionAccept, nil
		}
		return decisionNone, nil
	case storage.AutoScheduleDeclineIfBusy:
		if busy {
			return decisionDecline, nil
		}
		return decisionNone, nil
	default: // automatic
		if busy {
			return decisionDecline, nil
		}
		return decisionAccept, nil
	}
}

// applyUniform answers every component of the object the same way.
func (p *ImplicitProcessor) applyUniform(user *storage.User, obj *calobj.Object, decision autoDecision) []calobj.InstanceKey {
	var changed []calobj.InstanceKey
	for _, key := range obj.InstanceKeys() {
		comp := obj.ComponentFor(key)
		if comp == nil {
			continue
		}
		if p.applyDecision(user, obj, key, decision) {
			changed = append(changed, key)
		}
	}
	return changed
}

// applyMixed answers the majority decision on the master and records the
// minority per-instance, materializing overrides where needed.
func (p *ImplicitProcessor) applyMixed(user *storage.User, obj *calobj.Object, decisions []instanceDecision) []calobj.InstanceKey {
	counts := map[autoDecision]int{}
	for _, d := range decisions {
		counts[d.decision]++
	}
	majority := decisionNone
	best := -1
	for _, candidate := range []autoDecision{decisionAccept, decisionDecline, decisionNone} {
		if counts[candidate] > best {
			best = counts[candidate]
			majority = candidate
		}
	}

	var changed []calobj.InstanceKey
	if p.applyDecision(user, obj, calobj.MasterKey, majority) {
		changed = append(changed, calobj.MasterKey)
	}
	for _, d := range decisions {
		if d.key.IsMaster() {
			continue
		}
		if d.decision == majority && obj.ComponentFor(d.key) == nil {
			// Master already answers for this occurrence.
			continue
		}
		if obj.ComponentFor(d.key) == nil {
			if materializeOverride(obj, d.key) == nil {
				continue
			}
		}
		if p.applyDecision(user, obj, d.key, d.decision) {
			changed = append(changed, d.key)
		}
	}
	sortInstanceKeys(changed)
	return changed
}

// applyDecision rewrites one component's own ATTENDEE and TRANSP,
// preserving the RSVP flag the organizer set. Returns whether the
// PARTSTAT actually changed.
func (p *ImplicitProcessor) applyDecision(user *storage.User, obj *calobj.Object, key calobj.InstanceKey, decision autoDecision) bool {
	if decision == decisionNone {
		return false
	}
	comp := obj.ComponentFor(key)
	if comp == nil {
		return false
	}
	att, ok := calobj.FindAttendee(comp, user.UserAddress).Get()
	if !ok {
		return false
	}

	partstat := calobj.PartStatAccepted
	transp := calobj.TranspOpaque
	if decision == decisionDecline {
		partstat = calobj.PartStatDeclined
		transp = calobj.TranspTransparent
	}
	changed := att.PartStat() != partstat
	att.SetPartStat(partstat)
	calobj.SetTransparency(comp, transp)
	return changed
}

// sendReplyAsync delivers the auto-generated REPLY to the organizer in
// the background, serialized against other work on the UID.
func (p *ImplicitProcessor) sendReplyAsync(ctx context.Context, recipient CalendarUser, obj *calobj.Object, keys []calobj.InstanceKey) {
	organizer, ok := obj.Organizer().Get()
	if !ok {
		return
	}
	uid := obj.UID()
	reply := obj.Clone()
	// The goroutine outlives the request and must contend for the UID
	// lock on its own, so it gets a fresh context.
	detached := context.Background()

	go func() {
		lock, err := p.Locks.Acquire(detached, uid)
		if err != nil {
			p.Logger.Warn("auto-accept reply skipped, uid busy",
				"uid", uid, "attendee", recipient.Address, "error", err)
			return
		}
		defer lock.Release()
		ctx := ContextWithHeldLock(detached, uid)

		msg, err := p.Generator.Reply(reply, recipient.Address, organizer, keys)
		if err != nil {
			p.Logger.Error("failed to build auto-accept reply",
				"uid", uid, "attendee", recipient.Address, "error", err)
			return
		}
		status := p.Delivery.Deliver(ctx, msg, organizer)
		if status.Err != nil {
			p.Logger.Warn("auto-accept reply delivery failed",
				"uid", uid,
				"organizer", organizer,
				"status", status.Status,
				"error", status.Err)
			return
		}
		p.Logger.Info("auto-accept reply delivered",
			"uid", uid, "attendee", recipient.Address, "organizer", organizer)
	}()
}
