package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/metrics"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

const DefaultEventBuffer = 1000

// Event est une mutation du registre, appliquée par le Coordinator.
type Event interface {
	kind() string
}

// AddSubscription: l'id attribué est renvoyé sur Reply (canal bufferisé, optionnel).
type AddSubscription struct {
	Subscription domain.Subscription
	Reply        chan<- uint64
}

// UpdateSubscription fusionne Subscription dans le record de même id, s'il existe encore.
type UpdateSubscription struct {
	Subscription domain.Subscription
	// Options: applique aussi AutoDownload et UpdateInterval (modification utilisateur).
	// Les updates des pollers laissent ces champs intacts.
	Options bool
}

type RemoveSubscription struct {
	ID    uint64
	Reply chan<- bool
}

// SaveSnapshot: le résultat est renvoyé sur Done (optionnel, bufferisé).
type SaveSnapshot struct {
	Done chan<- error
}

func (AddSubscription) kind() string    { return "add" }
func (UpdateSubscription) kind() string { return "update" }
func (RemoveSubscription) kind() string { return "remove" }
func (SaveSnapshot) kind() string       { return "save" }

// PollerSpawner lance la boucle de poll d'un record. Elle doit rendre la main quand
// le Handle ne se résout plus ou que ctx est annulé.
type PollerSpawner func(ctx context.Context, h Handle)

// Coordinator est l'unique consommateur du canal d'événements: une seule mutation
// du registre à la fois, dans l'ordre d'arrivée.
type Coordinator struct {
	logger    zerolog.Logger
	registry  *Registry
	snapshots *Snapshotter
	bus       ports.EventBus
	events    chan Event

	spawn   PollerSpawner
	pollers sync.WaitGroup
}

func NewCoordinator(logger zerolog.Logger, registry *Registry, snapshots *Snapshotter, bus ports.EventBus, capacity int) *Coordinator {
	if capacity <= 0 {
		capacity = DefaultEventBuffer
	}
	return &Coordinator{
		logger:    logger,
		registry:  registry,
		snapshots: snapshots,
		bus:       bus,
		events:    make(chan Event, capacity),
	}
}

// SetSpawner doit être appelé avant Run.
func (c *Coordinator) SetSpawner(fn PollerSpawner) {
	c.spawn = fn
}

func (c *Coordinator) Registry() *Registry { return c.registry }

// Emit bloque tant que le canal est plein (backpressure), ou jusqu'à l'annulation de ctx.
func (c *Coordinator) Emit(ctx context.Context, ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restore recharge un snapshot avant Run. Les pollers des records restaurés
// démarrent au lancement de Run.
func (c *Coordinator) Restore(snap domain.Snapshot) int {
	recs := c.registry.restore(snap.LastID, snap.Subscriptions)
	metrics.Subscriptions.Set(float64(c.registry.Len()))
	return len(recs)
}

func (c *Coordinator) Run(ctx context.Context) {
	for _, rec := range c.registry.Records() {
		c.startPoller(ctx, rec)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("coordinator stopped")
			return
		case ev := <-c.events:
			c.apply(ctx, ev)
		}
	}
}

// WaitPollers attend la fin de tous les pollers lancés par Run.
func (c *Coordinator) WaitPollers() {
	c.pollers.Wait()
}

func (c *Coordinator) apply(ctx context.Context, ev Event) {
	metrics.CoordinatorEventsTotal.WithLabelValues(ev.kind()).Inc()

	switch e := ev.(type) {
	case AddSubscription:
		rec := c.registry.insert(e.Subscription)
		metrics.Subscriptions.Set(float64(c.registry.Len()))
		c.logger.Info().Uint64("subscription_id", rec.ID()).Str("url", e.Subscription.URL).Msg("subscription added")
		c.startPoller(ctx, rec)
		if e.Reply != nil {
			e.Reply <- rec.ID()
		}
		c.publish("subscription.added", rec.Snapshot())
		c.requestSave(ctx)

	case UpdateSubscription:
		rec, ok := c.registry.Get(e.Subscription.ID)
		if !ok {
			// Course bénigne: le record a été retiré entre-temps.
			c.logger.Debug().Uint64("subscription_id", e.Subscription.ID).Msg("update for removed subscription ignored")
			return
		}
		rec.Mutate(func(live *domain.Subscription) {
			mergeSubscription(live, e.Subscription, e.Options)
		})
		c.publish("subscription.updated", rec.Snapshot())

	case RemoveSubscription:
		rec, ok := c.registry.remove(e.ID)
		metrics.Subscriptions.Set(float64(c.registry.Len()))
		if e.Reply != nil {
			e.Reply <- ok
		}
		if !ok {
			return
		}
		c.logger.Info().Uint64("subscription_id", e.ID).Msg("subscription removed")
		c.publish("subscription.removed", rec.Snapshot())
		c.requestSave(ctx)

	case SaveSnapshot:
		err := c.save(ctx, "event")
		if e.Done != nil {
			e.Done <- err
		}
	}
}

func (c *Coordinator) startPoller(ctx context.Context, rec *Record) {
	if c.spawn == nil {
		return
	}
	h := rec.Handle()
	c.pollers.Add(1)
	go func() {
		defer c.pollers.Done()
		metrics.RunningPollers.Inc()
		defer metrics.RunningPollers.Dec()
		c.spawn(ctx, h)
	}()
}

// requestSave ne bloque jamais le consommateur: si le canal est plein, on sauvegarde tout de suite.
func (c *Coordinator) requestSave(ctx context.Context) {
	select {
	case c.events <- SaveSnapshot{}:
	default:
		_ = c.save(ctx, "event")
	}
}

func (c *Coordinator) save(ctx context.Context, trigger string) error {
	if c.snapshots == nil {
		return nil
	}
	err := c.snapshots.Save(ctx, trigger)
	if err != nil {
		c.logger.Error().Err(err).Msg("save snapshot failed")
		return err
	}
	c.logger.Debug().Msg("snapshot saved")
	return nil
}

func (c *Coordinator) publish(topic string, sub domain.Subscription) {
	if c.bus == nil {
		return
	}
	b, err := json.Marshal(toSubscriptionInfo(sub))
	if err != nil {
		return
	}
	c.bus.Publish(topic, b)
}

// mergeSubscription applique une copie (éventuellement périmée) sur le record vivant.
// Les ids d'items ne sont jamais réécrits; la date ne régresse pas.
func mergeSubscription(live *domain.Subscription, in domain.Subscription, options bool) {
	if in.URL != "" {
		live.URL = in.URL
	}
	if in.Title != "" {
		live.Title = in.Title
	}
	if in.Description != "" {
		live.Description = in.Description
	}
	if options {
		if in.UpdateInterval > 0 {
			live.UpdateInterval = in.UpdateInterval
		}
		live.AutoDownload = in.AutoDownload
	}

	// Status, StatusReason et RetryAt appartiennent au poller, qui les écrit
	// directement sur le record: une copie n'y touche jamais.
	if in.LastUpdate.After(live.LastUpdate) {
		live.LastUpdate = in.LastUpdate
	}

	for _, it := range in.Items {
		switch {
		case it.ID < len(live.Items):
			existing := &live.Items[it.ID]
			if it.Torrent != nil && (existing.Torrent == nil || it.Torrent.FetchedAt.After(existing.Torrent.FetchedAt)) {
				t := it.Torrent.Clone()
				existing.Torrent = &t
			}
		case it.ID == len(live.Items):
			live.Items = append(live.Items, it.Clone())
		}
	}
}
