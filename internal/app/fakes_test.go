package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// fakeClock n'avance que sur Advance.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now.UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = pending
}

func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type fakeFetcher struct {
	mu    sync.Mutex
	feeds map[string]domain.Feed
	errs  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		feeds: make(map[string]domain.Feed),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (domain.Feed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err := f.errs[url]; err != nil {
		return domain.Feed{}, err
	}
	feed, ok := f.feeds[url]
	if !ok {
		return domain.Feed{}, errors.New("unsupported protocol scheme")
	}
	return feed, nil
}

func (f *fakeFetcher) set(url string, feed domain.Feed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[url] = feed
	delete(f.errs, url)
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func feedOf(title string, entries ...string) domain.Feed {
	feed := domain.Feed{Title: title, Description: "test feed"}
	for _, e := range entries {
		feed.Entries = append(feed.Entries, domain.FeedEntry{
			Title:       e,
			Link:        "magnet:?xt=urn:btih:" + e,
			Description: e + " description",
		})
	}
	return feed
}

type fakeEngine struct {
	mu          sync.Mutex
	files       []domain.TorrentFile
	metaErr     error
	metaCalls   int
	downloadErr error
	block       chan struct{}
	outputs     []string
}

func (e *fakeEngine) FetchMetadata(ctx context.Context, src ports.Source, trackers []string) ([]domain.TorrentFile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metaCalls++
	if e.metaErr != nil {
		return nil, e.metaErr
	}
	return append([]domain.TorrentFile(nil), e.files...), nil
}

func (e *fakeEngine) StartDownload(ctx context.Context, src ports.Source, trackers []string, outputPath string) (ports.DownloadHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs = append(e.outputs, outputPath)
	return &fakeHandle{id: src.URL, err: e.downloadErr, block: e.block}, nil
}

func (e *fakeEngine) MetaCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metaCalls
}

type fakeHandle struct {
	id    string
	err   error
	block chan struct{}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Wait(ctx context.Context) error {
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.err
}

func (h *fakeHandle) Cancel() error { return nil }

type memStore struct {
	mu    sync.Mutex
	snap  *domain.Snapshot
	saves int
	err   error
}

func (s *memStore) Load(ctx context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return domain.Snapshot{}, ports.ErrNotFound
	}
	return *s.snap, nil
}

func (s *memStore) Save(ctx context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return s.err
	}
	s.snap = &snap
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type harness struct {
	ctx      context.Context
	clock    *fakeClock
	fetcher  *fakeFetcher
	engine   *fakeEngine
	store    *memStore
	registry *Registry
	coord    *Coordinator
	poller   *FeedPoller
	settings *SettingsService
	svc      *SubscriptionService
}

// newHarness câble registre, Coordinator et pollers sur des fakes. Run n'est pas lancé.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(testEpoch),
		fetcher:  newFakeFetcher(),
		engine:   &fakeEngine{files: []domain.TorrentFile{{Filename: "ep01.mkv", Offset: 0, Length: 1024}}},
		store:    &memStore{},
		registry: NewRegistry(),
		settings: NewSettingsService(nil, domain.DefaultSettings()),
	}
	logger := zerolog.Nop()
	snaps := NewSnapshotter(h.registry, h.store, h.clock)
	snaps.SettingsFunc = h.settings.Current
	h.coord = NewCoordinator(logger, h.registry, snaps, nil, 0)
	h.poller = NewFeedPoller(logger, h.fetcher, h.coord, h.clock, h.settings.Current)
	h.coord.SetSpawner(h.poller.Run)
	h.svc = NewSubscriptionService(logger, h.coord, h.fetcher, h.clock, h.settings.Current)
	h.svc.Metadata = NewMetadataFetcher(logger, NewEngineRef(h.engine), h.clock)
	return h
}

// start lance le Coordinator; l'arrêt attend la fin des pollers.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		h.coord.WaitPollers()
	})
}

func (h *harness) snapshot(t *testing.T, id uint64) domain.Subscription {
	t.Helper()
	rec, ok := h.registry.Get(id)
	if !ok {
		t.Fatalf("subscription %d not found", id)
	}
	return rec.Snapshot()
}
