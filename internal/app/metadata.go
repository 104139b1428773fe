package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/metrics"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

// EngineRef contient la session du moteur torrent. Elle peut être absente
// (démarrage, arrêt): Get renvoie alors ErrEngineNotReady.
type EngineRef struct {
	mu sync.RWMutex
	e  ports.AcquisitionEngine
}

func NewEngineRef(e ports.AcquisitionEngine) *EngineRef {
	return &EngineRef{e: e}
}

func (r *EngineRef) Set(e ports.AcquisitionEngine) {
	r.mu.Lock()
	r.e = e
	r.mu.Unlock()
}

func (r *EngineRef) Get() (ports.AcquisitionEngine, error) {
	if r == nil {
		return nil, ErrEngineNotReady
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.e == nil {
		return nil, ErrEngineNotReady
	}
	return r.e, nil
}

// MetadataFetcher demande au moteur la liste des fichiers d'un torrent, sans transfert.
// Chaque requête est bornée par Settings().MetadataTimeout.
type MetadataFetcher struct {
	logger zerolog.Logger
	engine *EngineRef
	clock  Clock

	Settings func() domain.Settings
}

func NewMetadataFetcher(logger zerolog.Logger, engine *EngineRef, clock Clock) *MetadataFetcher {
	if clock == nil {
		clock = RealClock()
	}
	return &MetadataFetcher{logger: logger, engine: engine, clock: clock, Settings: domain.DefaultSettings}
}

func (f *MetadataFetcher) timeout() time.Duration {
	if f.Settings != nil {
		if d := f.Settings().MetadataTimeout; d > 0 {
			return d
		}
	}
	return domain.DefaultSettings().MetadataTimeout
}

func (f *MetadataFetcher) Fetch(ctx context.Context, src ports.Source, trackers []string) (domain.TorrentMetadata, error) {
	if src.Empty() {
		return domain.TorrentMetadata{}, ErrInvalidRequest
	}
	engine, err := f.engine.Get()
	if err != nil {
		metrics.RecordMetadataFetch(err)
		return domain.TorrentMetadata{}, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout())
	files, err := engine.FetchMetadata(fetchCtx, src, cleanTrackers(trackers))
	cancel()
	metrics.RecordMetadataFetch(err)
	if err != nil {
		return domain.TorrentMetadata{}, err
	}
	return domain.TorrentMetadata{Files: files, FetchedAt: f.clock.Now()}, nil
}

// FetchForItem écrit les métadonnées sur l'item visé. Si l'item a disparu (avant ou
// après la requête), c'est un no-op silencieux: written=false, err=nil.
func (f *MetadataFetcher) FetchForItem(ctx context.Context, ih ItemHandle, trackers []string) (domain.TorrentMetadata, bool, error) {
	it, ok := ih.Snapshot()
	if !ok {
		return domain.TorrentMetadata{}, false, nil
	}
	meta, err := f.Fetch(ctx, ports.Source{URL: it.Source()}, trackers)
	if err != nil {
		return domain.TorrentMetadata{}, false, err
	}
	written := ih.Update(func(it *domain.Item) {
		m := meta.Clone()
		it.Torrent = &m
	})
	if !written {
		f.logger.Debug().Uint64("subscription_id", ih.Sub.ID()).Int("item_id", ih.ItemID).Msg("item gone, metadata dropped")
	}
	return meta, written, nil
}

func cleanTrackers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
