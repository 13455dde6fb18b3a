package scheduling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cyp0633/caldora-scheduling/config"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// RefreshSender delivers one batch of attendee refreshes for a UID.
type RefreshSender func(ctx context.Context, uid string, organizer *storage.User, attendees []string) error

// RefreshCoalescer batches the attendee refreshes triggered by incoming
// replies. Replies often arrive in bursts right after an invitation
// goes out; coalescing per UID turns n replies into one refresh per
// attendee instead of n.
type RefreshCoalescer struct {
	Locks  LockService
	Config *config.Config
	Logger *slog.Logger
	// Send performs the actual delivery. Set after construction.
	Send RefreshSender

	mu      sync.Mutex
	pending map[string]*pendingRefresh
}

type pendingRefresh struct {
	organizer *storage.User
	attendees map[string]bool
	draining  bool
}

func NewRefreshCoalescer(cfg *config.Config, locks LockService, logger *slog.Logger) *RefreshCoalescer {
	return &RefreshCoalescer{
		Locks:   locks,
		Config:  cfg,
		Logger:  logger,
		pending: make(map[string]*pendingRefresh),
	}
}

// Enqueue records that the given attendees need a refreshed copy of the
// UID. The first enqueue for a UID arms the batch timer; later ones
// within the window just widen the set.
func (r *RefreshCoalescer) Enqueue(uid string, organizer *storage.User, attendees []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[uid]
	if !ok {
		entry = &pendingRefresh{
			organizer: organizer,
			attendees: make(map[string]bool),
		}
		r.pending[uid] = entry
		delay := r.Config.Scheduling().RefreshBatchDelay
		time.AfterFunc(delay, func() { r.drain(uid) })
	}
	for _, addr := range attendees {
		entry.attendees[addr] = true
	}
}

// drain sends one batch at a time until the pending set for the UID is
// empty, re-queuing whatever exceeds the batch size. Attendees enqueued
// while draining are picked up by the same drain.
func (r *RefreshCoalescer) drain(uid string) {
	r.mu.Lock()
	entry, ok := r.pending[uid]
	if !ok || entry.draining {
		r.mu.Unlock()
		return
	}
	entry.draining = true
	r.mu.Unlock()

	ctx := context.Background()
	for {
		batch, organizer, done := r.takeBatch(uid)
		if done {
			return
		}

		lock, err := r.Locks.Acquire(ctx, uid)
		if err != nil {
			r.Logger.Warn("refresh batch skipped, uid busy",
				"uid", uid, "attendees", len(batch), "error", err)
			r.requeue(uid, organizer, batch)
			return
		}
		err = r.Send(ContextWithHeldLock(ctx, uid), uid, organizer, batch)
		lock.Release()
		if err != nil {
			r.Logger.Warn("refresh batch failed",
				"uid", uid, "attendees", len(batch), "error", err)
			// Dropping the batch here; the next reply re-triggers it.
			continue
		}
		r.Logger.Debug("refresh batch sent", "uid", uid, "attendees", len(batch))
	}
}

// takeBatch removes up to the configured batch size from the pending
// set. done reports the set is empty and the entry has been retired.
func (r *RefreshCoalescer) takeBatch(uid string) (batch []string, organizer *storage.User, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[uid]
	if !ok || len(entry.attendees) == 0 {
		delete(r.pending, uid)
		return nil, nil, true
	}

	size := r.Config.Scheduling().RefreshBatchSize
	for addr := range entry.attendees {
		if len(batch) >= size {
			break
		}
		batch = append(batch, addr)
		delete(entry.attendees, addr)
	}
	return batch, entry.organizer, false
}

// requeue puts a batch back and re-arms the timer, for the case where
// the UID lock couldn't be taken.
func (r *RefreshCoalescer) requeue(uid string, organizer *storage.User, batch []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.pending[uid]
	if !ok {
		entry = &pendingRefresh{
			organizer: organizer,
			attendees: make(map[string]bool),
		}
		r.pending[uid] = entry
	}
	entry.draining = false
	for _, addr := range batch {
		entry.attendees[addr] = true
	}
	delay := r.Config.Scheduling().RefreshBatchDelay
	time.AfterFunc(delay, func() { r.drain(uid) })
}

// PendingFor reports how many attendees await a refresh for the UID.
func (r *RefreshCoalescer) PendingFor(uid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.pending[uid]; ok {
		return len(entry.attendees)
	}
	return 0
}
