package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const DefaultSaveInterval = 60 * time.Second

// PersistenceTask sauvegarde le registre à intervalle fixe, indépendamment
// des SaveSnapshot du Coordinator. Une erreur est loggée et la boucle continue.
type PersistenceTask struct {
	logger    zerolog.Logger
	snapshots *Snapshotter

	Interval time.Duration
}

func NewPersistenceTask(logger zerolog.Logger, snapshots *Snapshotter) *PersistenceTask {
	return &PersistenceTask{logger: logger, snapshots: snapshots, Interval: DefaultSaveInterval}
}

func (t *PersistenceTask) Run(ctx context.Context) {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("persistence task stopped")
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *PersistenceTask) tick(ctx context.Context) {
	if t.snapshots == nil {
		return
	}
	if err := t.snapshots.Save(ctx, "periodic"); err != nil {
		t.logger.Error().Err(err).Msg("periodic snapshot failed")
		return
	}
	t.logger.Debug().Msg("periodic snapshot saved")
}
