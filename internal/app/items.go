package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

// Dispatcher est implémenté par DownloadManager.
type Dispatcher interface {
	Dispatch(ctx context.Context, ih ItemHandle) (domain.DownloadTask, error)
}

// ItemPipeline prend en charge les nouveaux items: récupération des métadonnées
// (concurrence bornée, retries), puis téléchargement automatique si la subscription le demande.
type ItemPipeline struct {
	logger   zerolog.Logger
	fetcher  *MetadataFetcher
	limiter  *DynamicLimiter
	emitter  Emitter
	settings func() domain.Settings

	Downloads Dispatcher

	MaxTries        uint
	InitialInterval time.Duration

	wg sync.WaitGroup
}

func NewItemPipeline(logger zerolog.Logger, fetcher *MetadataFetcher, limiter *DynamicLimiter, emitter Emitter, settings func() domain.Settings) *ItemPipeline {
	if settings == nil {
		settings = domain.DefaultSettings
	}
	if limiter == nil {
		limiter = NewDynamicLimiter(settings().MaxConcurrentMetadata)
	}
	return &ItemPipeline{
		logger:          logger,
		fetcher:         fetcher,
		limiter:         limiter,
		emitter:         emitter,
		settings:        settings,
		MaxTries:        3,
		InitialInterval: 2 * time.Second,
	}
}

// OnNewItem est branché sur FeedPoller.OnNewItem. Chaque item est traité dans sa goroutine.
func (p *ItemPipeline) OnNewItem(ctx context.Context, ih ItemHandle) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.process(ctx, ih)
	}()
}

// Wait attend la fin des traitements en cours.
func (p *ItemPipeline) Wait() {
	p.wg.Wait()
}

func (p *ItemPipeline) process(ctx context.Context, ih ItemHandle) {
	logger := p.logger.With().Uint64("subscription_id", ih.Sub.ID()).Int("item_id", ih.ItemID).Logger()

	written, err := p.fetchMetadata(ctx, ih)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("metadata fetch failed")
		}
		return
	}
	if !written {
		return
	}

	rec, ok := ih.Sub.Resolve()
	if !ok {
		return
	}
	sub := rec.Snapshot()
	if p.emitter != nil {
		_ = p.emitter.Emit(ctx, UpdateSubscription{Subscription: sub})
	}

	if !sub.AutoDownload || p.Downloads == nil {
		return
	}
	task, err := p.Downloads.Dispatch(ctx, ih)
	if err != nil {
		logger.Warn().Err(err).Msg("auto download dispatch failed")
		return
	}
	logger.Info().Str("download_id", task.ID).Msg("auto download queued")
}

func (p *ItemPipeline) fetchMetadata(ctx context.Context, ih ItemHandle) (bool, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	op := func() (bool, error) {
		var written bool
		err := p.limiter.Do(ctx, func(ctx context.Context) error {
			var err error
			_, written, err = p.fetcher.FetchForItem(ctx, ih, p.settings().Trackers)
			return err
		})
		if errors.Is(err, ErrEngineNotReady) || errors.Is(err, ErrInvalidRequest) {
			return false, backoff.Permanent(err)
		}
		return written, err
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
}
