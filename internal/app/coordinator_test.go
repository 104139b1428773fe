package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

func TestCoordinator_AddAssignsIncreasingIDs(t *testing.T) {
	h := newHarness(t)
	h.coord.SetSpawner(nil)
	h.fetcher.set("https://a.example/rss", feedOf("A"))
	h.fetcher.set("https://b.example/rss", feedOf("B"))
	h.start(t)

	id1, err := h.svc.AddSubscription(h.ctx, "https://a.example/rss", true)
	require.NoError(t, err)
	id2, err := h.svc.AddSubscription(h.ctx, "https://b.example/rss", false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id1)
	require.Equal(t, uint64(2), id2)

	list := h.svc.ListSubscriptions(h.ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].Title)
	assert.True(t, list[0].AutoDownload)
	assert.Equal(t, domain.SubscriptionCreated, list[1].Status)
	assert.Equal(t, int64(3600), list[1].IntervalSeconds)

	// Chaque ajout déclenche une sauvegarde.
	require.Eventually(t, func() bool { return h.store.Saves() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_AddBadURLEmitsNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.AddSubscription(context.Background(), "bad://url", false)
	require.Error(t, err)
	require.Equal(t, 0, h.registry.Len())
	require.Equal(t, uint64(0), h.registry.LastID())
	require.Len(t, h.coord.events, 0)
	require.Equal(t, 1, h.fetcher.Calls("bad://url"))

	_, err = h.svc.AddSubscription(context.Background(), "not a url", false)
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Len(t, h.coord.events, 0)
}

func TestCoordinator_UpdateForRemovedIDIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.coord.apply(ctx, UpdateSubscription{Subscription: domain.Subscription{ID: 42, Title: "ghost"}})
	require.Equal(t, 0, h.registry.Len())

	rec := h.registry.insert(domain.Subscription{URL: feedURL, Title: "kept"})
	h.registry.remove(rec.ID())
	h.coord.apply(ctx, UpdateSubscription{Subscription: domain.Subscription{ID: rec.ID(), Title: "late"}})
	require.Equal(t, "kept", rec.Snapshot().Title)
}

func TestCoordinator_SaveFailureDoesNotStopLoop(t *testing.T) {
	h := newHarness(t)
	h.coord.SetSpawner(nil)
	h.fetcher.set(feedURL, feedOf("Show"))
	h.store.setErr(errors.New("disk full"))
	h.start(t)

	err := h.svc.SaveDatabase(h.ctx)
	require.ErrorContains(t, err, "disk full")

	id, err := h.svc.AddSubscription(h.ctx, feedURL, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	h.store.setErr(nil)
	require.NoError(t, h.svc.SaveDatabase(h.ctx))
	snap, err := h.store.Load(h.ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.LastID)
	require.Len(t, snap.Subscriptions, 1)
}

func TestCoordinator_RemoveAndPatch(t *testing.T) {
	h := newHarness(t)
	h.coord.SetSpawner(nil)
	h.fetcher.set(feedURL, feedOf("Show"))
	h.start(t)

	id, err := h.svc.AddSubscription(h.ctx, feedURL, false)
	require.NoError(t, err)

	interval := int64(600)
	auto := true
	info, err := h.svc.UpdateSubscription(h.ctx, id, SubscriptionPatch{IntervalSeconds: &interval, AutoDownload: &auto})
	require.NoError(t, err)
	assert.Equal(t, int64(600), info.IntervalSeconds)
	assert.True(t, info.AutoDownload)

	bad := int64(0)
	_, err = h.svc.UpdateSubscription(h.ctx, id, SubscriptionPatch{IntervalSeconds: &bad})
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.NoError(t, h.svc.RemoveSubscription(h.ctx, id))
	require.ErrorIs(t, h.svc.RemoveSubscription(h.ctx, id), ErrNotFound)
	_, err = h.svc.GetSubscription(h.ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	// Les ids ne sont jamais réutilisés.
	id2, err := h.svc.AddSubscription(h.ctx, feedURL, false)
	require.NoError(t, err)
	require.Equal(t, uint64(2), id2)
}

func TestCoordinator_RestoreSpawnsPollers(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(feedURL, feedOf("Show", "A"))

	n := h.coord.Restore(domain.Snapshot{
		LastID: 7,
		Subscriptions: []domain.Subscription{{
			ID: 5, URL: feedURL, Title: "Show", Status: domain.SubscriptionCreated, UpdateInterval: time.Hour,
		}},
	})
	require.Equal(t, 1, n)
	require.Equal(t, uint64(7), h.registry.LastID())

	h.start(t)
	require.Eventually(t, func() bool {
		return len(h.snapshot(t, 5).Items) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMergeSubscription(t *testing.T) {
	now := testEpoch
	live := domain.Subscription{
		ID: 1, URL: feedURL, Title: "live", UpdateInterval: time.Hour, AutoDownload: true,
		LastUpdate: now, Status: domain.SubscriptionUpdated,
		Items: []domain.Item{
			{ID: 0, Title: "A", Status: domain.ItemRead, Torrent: &domain.TorrentMetadata{FetchedAt: now}},
		},
	}

	stale := domain.Subscription{
		ID: 1, Title: "stale", UpdateInterval: 5 * time.Minute, AutoDownload: false,
		LastUpdate: now.Add(-time.Hour), Status: domain.SubscriptionError, StatusReason: "old",
		Items: []domain.Item{
			{ID: 0, Title: "rewritten", Status: domain.ItemUnread},
			{ID: 1, Title: "B"},
			{ID: 5, Title: "gap"},
		},
	}
	mergeSubscription(&live, stale, false)

	assert.Equal(t, "stale", live.Title)
	assert.Equal(t, time.Hour, live.UpdateInterval)
	assert.True(t, live.AutoDownload)
	assert.Equal(t, domain.SubscriptionUpdated, live.Status)
	assert.Equal(t, now, live.LastUpdate)
	require.Len(t, live.Items, 2)
	assert.Equal(t, "A", live.Items[0].Title)
	assert.Equal(t, domain.ItemRead, live.Items[0].Status)
	assert.Equal(t, "B", live.Items[1].Title)

	newer := domain.TorrentMetadata{Files: []domain.TorrentFile{{Filename: "x"}}, FetchedAt: now.Add(time.Minute)}
	mergeSubscription(&live, domain.Subscription{
		ID: 1, LastUpdate: now, Status: domain.SubscriptionUpdated, UpdateInterval: 5 * time.Minute,
		Items: []domain.Item{{ID: 0, Torrent: &newer}},
	}, true)
	assert.Equal(t, 5*time.Minute, live.UpdateInterval)
	assert.False(t, live.AutoDownload)
	require.NotNil(t, live.Items[0].Torrent)
	assert.Equal(t, "x", live.Items[0].Torrent.Files[0].Filename)
}

func TestMergeSubscription_StaleCopyKeepsErrorStatus(t *testing.T) {
	now := testEpoch
	live := domain.Subscription{
		ID: 1, URL: feedURL, Title: "Show", UpdateInterval: time.Hour, LastUpdate: now,
		Status: domain.SubscriptionError, StatusReason: "timeout", RetryAt: now.Add(time.Hour),
		Items: []domain.Item{{ID: 0, Title: "A"}},
	}
	// Copie prise avant l'échec: même LastUpdate, statut encore updated.
	stale := domain.Subscription{
		ID: 1, URL: feedURL, Title: "Show", UpdateInterval: time.Hour, LastUpdate: now,
		Status: domain.SubscriptionUpdated,
		Items:  []domain.Item{{ID: 0, Title: "A"}},
	}
	mergeSubscription(&live, stale, false)
	assert.Equal(t, domain.SubscriptionError, live.Status)
	assert.Equal(t, "timeout", live.StatusReason)
	assert.Equal(t, now.Add(time.Hour), live.RetryAt)

	// Même chose pour une modification utilisateur (options).
	auto := stale
	auto.AutoDownload = true
	mergeSubscription(&live, auto, true)
	assert.True(t, live.AutoDownload)
	assert.Equal(t, domain.SubscriptionError, live.Status)
	assert.Equal(t, now.Add(time.Hour), live.RetryAt)
}

func TestCoordinator_QueuedUpdateDoesNotHideFetchError(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(feedURL, feedOf("Show", "A"))
	rec := h.registry.insert(domain.Subscription{URL: feedURL, Status: domain.SubscriptionCreated, UpdateInterval: time.Hour})

	_, err := h.poller.PollOnce(context.Background(), rec, nil)
	require.NoError(t, err)
	before := rec.Snapshot()

	h.fetcher.fail(feedURL, errors.New("connection refused"))
	_, err = h.poller.PollOnce(context.Background(), rec, nil)
	require.Error(t, err)

	h.coord.apply(context.Background(), UpdateSubscription{Subscription: before})
	got := rec.Snapshot()
	assert.Equal(t, domain.SubscriptionError, got.Status)
	assert.Contains(t, got.StatusReason, "connection refused")
	assert.False(t, got.RetryAt.IsZero())
}

func TestNewCoordinator_DefaultCapacity(t *testing.T) {
	c := NewCoordinator(zerolog.Nop(), NewRegistry(), nil, nil, 0)
	require.Equal(t, DefaultEventBuffer, cap(c.events))

	c = NewCoordinator(zerolog.Nop(), NewRegistry(), nil, nil, 1)
	require.NoError(t, c.Emit(context.Background(), SaveSnapshot{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Canal plein et contexte annulé: Emit rend la main.
	require.ErrorIs(t, c.Emit(ctx, SaveSnapshot{}), context.Canceled)
}
