package app

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/metrics"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

const DefaultFetchTimeout = 30 * time.Second

// Emitter est implémenté par Coordinator.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// FeedPoller exécute la boucle de poll d'une subscription: une goroutine par record,
// qui ne tient qu'un Handle sur son record.
type FeedPoller struct {
	logger   zerolog.Logger
	fetcher  ports.FeedFetcher
	emitter  Emitter
	clock    Clock
	settings func() domain.Settings

	FetchTimeout time.Duration

	// OnNewItem est appelé pour chaque nouvel item sans métadonnées torrent.
	OnNewItem func(ctx context.Context, ih ItemHandle)
}

func NewFeedPoller(logger zerolog.Logger, fetcher ports.FeedFetcher, emitter Emitter, clock Clock, settings func() domain.Settings) *FeedPoller {
	if clock == nil {
		clock = RealClock()
	}
	if settings == nil {
		settings = domain.DefaultSettings
	}
	return &FeedPoller{
		logger:       logger,
		fetcher:      fetcher,
		emitter:      emitter,
		clock:        clock,
		settings:     settings,
		FetchTimeout: DefaultFetchTimeout,
	}
}

// Spawner adapte Run à Coordinator.SetSpawner.
func (p *FeedPoller) Spawner() PollerSpawner {
	return p.Run
}

// Run boucle jusqu'à ce que le record quitte le Registry ou que ctx soit annulé.
func (p *FeedPoller) Run(ctx context.Context, h Handle) {
	logger := p.logger.With().Uint64("subscription_id", h.ID()).Logger()
	logger.Debug().Msg("poller started")
	defer logger.Debug().Msg("poller stopped")

	var (
		retry  backoff.BackOff
		policy domain.RetryPolicy
	)

	for {
		rec, ok := h.Resolve()
		if !ok {
			return
		}
		sub := rec.Snapshot()

		if wait := p.waitFor(sub); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-h.Done():
				return
			case <-p.clock.After(wait):
			}
			continue
		}

		settings := p.settings()
		if retry == nil || policy != settings.RetryPolicy {
			policy = settings.RetryPolicy
			retry = newRetryBackOff(policy, effectiveInterval(sub))
		}

		p.PollOnce(ctx, rec, retry)
		if ctx.Err() != nil {
			return
		}
	}
}

// waitFor renvoie le temps restant avant le prochain fetch.
func (p *FeedPoller) waitFor(sub domain.Subscription) time.Duration {
	now := p.clock.Now()
	switch sub.Status {
	case domain.SubscriptionCreated:
		return 0
	case domain.SubscriptionError:
		if !sub.RetryAt.IsZero() {
			return sub.RetryAt.Sub(now)
		}
	}
	return sub.LastUpdate.Add(effectiveInterval(sub)).Sub(now)
}

func effectiveInterval(sub domain.Subscription) time.Duration {
	if sub.UpdateInterval <= 0 {
		return domain.DefaultSettings().DefaultUpdateInterval
	}
	return sub.UpdateInterval
}

// PollOnce fait un cycle fetch, diff, mutation. Renvoie le nombre de nouveaux items.
func (p *FeedPoller) PollOnce(ctx context.Context, rec *Record, retry backoff.BackOff) (int, error) {
	sub := rec.Snapshot()
	logger := p.logger.With().Uint64("subscription_id", sub.ID).Logger()

	timeout := p.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	feed, err := p.fetcher.Fetch(fetchCtx, sub.URL)
	cancel()

	if err != nil {
		metrics.RecordPoll(err, 0)
		if ctx.Err() != nil {
			return 0, err
		}
		now := p.clock.Now()
		delay := nextRetryDelay(retry, effectiveInterval(sub))
		rec.Mutate(func(live *domain.Subscription) {
			// Les items existants sont conservés.
			live.Status = domain.SubscriptionError
			live.StatusReason = err.Error()
			live.RetryAt = now.Add(delay)
		})
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("feed fetch failed")
		_ = p.emitter.Emit(ctx, UpdateSubscription{Subscription: rec.Snapshot()})
		return 0, err
	}
	if retry != nil {
		retry.Reset()
	}

	candidates := ParseEntries(feed.Entries)
	key := p.settings().DiffKey
	now := p.clock.Now()

	var added []domain.Item
	rec.Mutate(func(live *domain.Subscription) {
		added = Diff(live.Items, candidates, key)
		for _, it := range added {
			live.Items = append(live.Items, it.Clone())
		}
		if feed.Title != "" {
			live.Title = feed.Title
		}
		if feed.Description != "" {
			live.Description = feed.Description
		}
		live.LastUpdate = now
		live.Status = domain.SubscriptionUpdated
		live.StatusReason = ""
		live.RetryAt = time.Time{}
	})
	metrics.RecordPoll(nil, len(added))
	if len(added) > 0 {
		logger.Info().Int("new_items", len(added)).Msg("feed updated")
	}

	if err := p.emitter.Emit(ctx, UpdateSubscription{Subscription: rec.Snapshot()}); err != nil {
		return len(added), nil
	}

	if p.OnNewItem != nil {
		h := rec.Handle()
		for _, it := range added {
			if it.Torrent == nil {
				p.OnNewItem(ctx, h.Item(it.ID))
			}
		}
	}
	return len(added), nil
}

func newRetryBackOff(policy domain.RetryPolicy, interval time.Duration) backoff.BackOff {
	if policy != domain.RetryExponential {
		return backoff.NewConstantBackOff(interval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(30*time.Second, interval)
	b.MaxInterval = interval
	b.Multiplier = 2
	b.Reset()
	return b
}

// nextRetryDelay: au-delà de la politique (Stop), on retombe sur l'intervalle.
func nextRetryDelay(retry backoff.BackOff, interval time.Duration) time.Duration {
	if retry == nil {
		return interval
	}
	d := retry.NextBackOff()
	if d == backoff.Stop || d <= 0 || d > interval {
		return interval
	}
	return d
}
