package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/cyp0633/caldora-scheduling/config"
)

// Lock is a held per-UID lock. Release is idempotent and must always be
// called, success or failure.
type Lock interface {
	Release()
}

// LockService serializes implicit-scheduling side effects for one UID.
// Acquire blocks up to the configured timeout, retrying at a fixed
// interval, and returns a ConflictError on timeout rather than blocking
// indefinitely. Implementations may be backed by an external store; the
// in-memory one covers single-process deployments and tests.
type LockService interface {
	Acquire(ctx context.Context, uid string) (Lock, error)
}

// Reservation is a held UID-uniqueness claim. Release is idempotent.
type Reservation interface {
	Release()
}

// ReservationService prevents two different resource URIs from claiming
// the same UID concurrently. Distinct from the lock: the reservation is
// a global uid-to-claimant map checked with its own bounded retry loop.
type ReservationService interface {
	Reserve(ctx context.Context, uid, resourcePath string) (Reservation, error)
}

// MemoryLockService is a mutex-registry LockService.
type MemoryLockService struct {
	Config *config.Config

	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLockService creates an empty lock registry.
func NewMemoryLockService(cfg *config.Config) *MemoryLockService {
	return &MemoryLockService{Config: cfg, held: make(map[string]bool)}
}

// heldLockKey marks UIDs the current call chain already locked, so a
// write that synchronously delivers to a local inbox doesn't deadlock
// against itself.
type heldLockKey struct{}

// ContextWithHeldLock records that the caller holds the UID lock for
// everything downstream of ctx.
func ContextWithHeldLock(ctx context.Context, uid string) context.Context {
	held, _ := ctx.Value(heldLockKey{}).(map[string]bool)
	next := make(map[string]bool, len(held)+1)
	for k := range held {
		next[k] = true
	}
	next[uid] = true
	return context.WithValue(ctx, heldLockKey{}, next)
}

func lockHeldInContext(ctx context.Context, uid string) bool {
	held, _ := ctx.Value(heldLockKey{}).(map[string]bool)
	return held[uid]
}

type noopLock struct{}

func (noopLock) Release() {}

// Acquire implements LockService.
func (s *MemoryLockService) Acquire(ctx context.Context, uid string) (Lock, error) {
	if lockHeldInContext(ctx, uid) {
		return noopLock{}, nil
	}
	settings := s.Config.Scheduling()
	deadline := time.Now().Add(settings.LockTimeout)

	for {
		s.mu.Lock()
		if !s.held[uid] {
			s.held[uid] = true
			s.mu.Unlock()
			return &memoryLock{svc: s, uid: uid}, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, &ConflictError{UID: uid, Message: "timed out waiting for uid lock"}
		}
		select {
		case <-ctx.Done():
			return nil, &ConflictError{UID: uid, Message: "cancelled while waiting for uid lock"}
		case <-time.After(settings.LockRetryInterval):
		}
	}
}

type memoryLock struct {
	svc  *MemoryLockService
	uid  string
	once sync.Once
}

func (l *memoryLock) Release() {
	l.once.Do(func() {
		l.svc.mu.Lock()
		delete(l.svc.held, l.uid)
		l.svc.mu.Unlock()
	})
}

// MemoryReservationService is a map-backed ReservationService.
type MemoryReservationService struct {
	Config *config.Config

	mu     sync.Mutex
	claims map[string]string // uid -> resource path
}

// NewMemoryReservationService creates an empty reservation table.
func NewMemoryReservationService(cfg *config.Config) *MemoryReservationService {
	return &MemoryReservationService{Config: cfg, claims: make(map[string]string)}
}

// Reserve implements ReservationService. Re-reserving a UID for the
// resource that already holds it succeeds immediately.
func (s *MemoryReservationService) Reserve(ctx context.Context, uid, resourcePath string) (Reservation, error) {
	settings := s.Config.Scheduling()

	for attempt := 0; attempt < settings.ReservationAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &ConflictError{UID: uid, Message: "cancelled while waiting for uid reservation"}
			case <-time.After(settings.ReservationRetryInterval):
			}
		}

		s.mu.Lock()
		claimant, taken := s.claims[uid]
		if !taken || claimant == resourcePath {
			s.claims[uid] = resourcePath
			s.mu.Unlock()
			return &memoryReservation{svc: s, uid: uid, path: resourcePath}, nil
		}
		s.mu.Unlock()
	}
	return nil, &ConflictError{UID: uid, Message: "uid is reserved by another resource"}
}

type memoryReservation struct {
	svc  *MemoryReservationService
	uid  string
	path string
	once sync.Once
}

func (r *memoryReservation) Release() {
	r.once.Do(func() {
		r.svc.mu.Lock()
		if r.svc.claims[r.uid] == r.path {
			delete(r.svc.claims, r.uid)
		}
		r.svc.mu.Unlock()
	})
}
