package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/metrics"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

// Snapshotter construit l'image du registre et l'écrit dans le store.
// Les écritures sont sérialisées (Coordinator et tâche périodique partagent le store).
type Snapshotter struct {
	registry *Registry
	store    ports.SnapshotStore
	clock    Clock

	// Optionnels.
	SettingsFunc  func() domain.Settings
	DownloadsFunc func() []domain.DownloadTask

	mu sync.Mutex
}

func NewSnapshotter(registry *Registry, store ports.SnapshotStore, clock Clock) *Snapshotter {
	if clock == nil {
		clock = RealClock()
	}
	return &Snapshotter{registry: registry, store: store, clock: clock}
}

func (s *Snapshotter) Build() domain.Snapshot {
	lastID, subs := s.registry.Snapshot()
	snap := domain.Snapshot{
		LastID:        lastID,
		Subscriptions: subs,
		Settings:      domain.DefaultSettings(),
		SavedAt:       s.clock.Now(),
	}
	if s.SettingsFunc != nil {
		snap.Settings = s.SettingsFunc()
	}
	if s.DownloadsFunc != nil {
		snap.Downloads = s.DownloadsFunc()
	}
	return snap
}

// Save écrit un snapshot complet. trigger n'est utilisé que pour les métriques.
func (s *Snapshotter) Save(ctx context.Context, trigger string) error {
	if s.store == nil {
		return errors.New("no snapshot store configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	err := s.store.Save(ctx, s.Build())
	metrics.RecordSnapshotSave(trigger, err, time.Since(start).Seconds())
	return err
}
