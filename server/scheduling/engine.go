package scheduling

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cyp0633/caldora-scheduling/config"
	"github.com/cyp0633/caldora-scheduling/server/calobj"
	"github.com/cyp0633/caldora-scheduling/server/recurrence"
	"github.com/cyp0633/caldora-scheduling/server/storage"
)

// Engine bundles the implicit scheduling machinery around one storage
// backend.
type Engine struct {
	Scheduler *Scheduler
	Processor *ImplicitProcessor
	Delivery  *DeliveryService
	FreeBusy  *FreeBusyEngine
	Resolver  AddressResolver
	Refresher *RefreshCoalescer
	Generator *MessageGenerator
	Logger    *slog.Logger
}

// NewEngine wires the scheduling components together. remote may be nil
// for single-node deployments without federation.
func NewEngine(store storage.Storage, cfg *config.Config, remote RemoteTransport, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	resolver := &DirectoryResolver{Storage: store, Config: cfg, Logger: logger}
	analyzer := &ChangeAnalyzer{Logger: logger}
	generator := &MessageGenerator{}
	locks := NewMemoryLockService(cfg)
	reservations := NewMemoryReservationService(cfg)
	freebusy := &FreeBusyEngine{
		Storage:    store,
		Recurrence: recurrence.NewEngine(),
		Config:     cfg,
		Logger:     logger,
	}
	refresher := NewRefreshCoalescer(cfg, locks, logger)

	processor := &ImplicitProcessor{
		Storage:   store,
		Resolver:  resolver,
		Analyzer:  analyzer,
		Generator: generator,
		FreeBusy:  freebusy,
		Locks:     locks,
		Config:    cfg,
		Refresher: refresher,
		Logger:    logger,
	}
	delivery := &DeliveryService{
		Storage:   store,
		Resolver:  resolver,
		Processor: processor,
		Remote:    remote,
		Logger:    logger,
	}
	processor.Delivery = delivery

	scheduler := &Scheduler{
		Storage:      store,
		Resolver:     resolver,
		Analyzer:     analyzer,
		Generator:    generator,
		Delivery:     delivery,
		Locks:        locks,
		Reservations: reservations,
		Config:       cfg,
		Logger:       logger,
	}

	engine := &Engine{
		Scheduler: scheduler,
		Processor: processor,
		Delivery:  delivery,
		FreeBusy:  freebusy,
		Resolver:  resolver,
		Refresher: refresher,
		Generator: generator,
		Logger:    logger,
	}
	refresher.Send = engine.sendRefreshBatch
	return engine
}

// sendRefreshBatch re-sends the organizer's current copy of a UID to
// one batch of attendees, so their PARTSTAT views converge after a
// burst of replies.
func (e *Engine) sendRefreshBatch(ctx context.Context, uid string, organizer *storage.User, attendees []string) error {
	stored, err := e.Scheduler.Storage.FindObjectByUID(ctx, organizer.ID, uid)
	if err != nil {
		return fmt.Errorf("failed to load uid %s for refresh: %w", uid, err)
	}
	obj, err := calobj.New(stored.Data)
	if err != nil {
		return fmt.Errorf("stored copy of uid %s is unusable: %w", uid, err)
	}

	organizerAddr := obj.Organizer().OrElse(calobj.NormalizeAddress(organizer.UserAddress))
	for _, addr := range attendees {
		msg, err := e.Generator.Request(obj, nil, organizerAddr, []string{addr})
		if err != nil {
			return err
		}
		if status := e.Delivery.Deliver(ctx, msg, addr); status.Err != nil {
			e.Logger.Warn("attendee refresh failed",
				"uid", uid,
				"attendee", addr,
				"status", status.Status,
				"error", status.Err)
		}
	}
	return nil
}
