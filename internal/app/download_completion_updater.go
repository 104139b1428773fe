package app

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

// DownloadCompletionUpdater écoute les fins de téléchargement sur le bus: le
// statut de l'item a changé, on republie la subscription et on sauvegarde.
type DownloadCompletionUpdater struct {
	logger   zerolog.Logger
	bus      ports.EventBus
	registry *Registry
	emitter  Emitter
}

func NewDownloadCompletionUpdater(logger zerolog.Logger, bus ports.EventBus, registry *Registry, emitter Emitter) *DownloadCompletionUpdater {
	return &DownloadCompletionUpdater{logger: logger, bus: bus, registry: registry, emitter: emitter}
}

func (u *DownloadCompletionUpdater) Run(ctx context.Context) {
	if u == nil || u.bus == nil || u.emitter == nil {
		return
	}
	ch, cancel := u.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			u.logger.Info().Msg("download completion updater stopped")
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			u.handleEvent(ctx, evt)
		}
	}
}

func (u *DownloadCompletionUpdater) handleEvent(ctx context.Context, evt ports.Event) {
	state, ok := strings.CutPrefix(evt.Topic, "download.")
	if !ok {
		return
	}
	switch state {
	case "completed", "failed", "canceled":
	default:
		return
	}

	var task DownloadDTO
	if err := json.Unmarshal(evt.Payload, &task); err != nil {
		return
	}
	rec, ok := u.registry.Get(task.SubscriptionID)
	if !ok {
		return
	}

	if err := u.emitter.Emit(ctx, UpdateSubscription{Subscription: rec.Snapshot()}); err != nil {
		return
	}
	if err := u.emitter.Emit(ctx, SaveSnapshot{}); err != nil {
		return
	}
	u.logger.Debug().
		Uint64("subscription_id", task.SubscriptionID).
		Int("item_id", task.ItemID).
		Str("state", state).
		Msg("download finished, snapshot requested")
}
