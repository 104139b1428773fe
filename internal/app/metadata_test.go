package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

func newRecordWithItems(r *Registry, titles ...string) *Record {
	sub := domain.Subscription{URL: feedURL, Title: "Show", Status: domain.SubscriptionUpdated, UpdateInterval: time.Hour}
	for i, title := range titles {
		sub.Items = append(sub.Items, domain.Item{ID: i, Title: title, Link: "magnet:?xt=urn:btih:" + title, Status: domain.ItemUnread})
	}
	return r.insert(sub)
}

func TestMetadataFetcher_WritesOntoItem(t *testing.T) {
	clock := newFakeClock(testEpoch)
	engine := &fakeEngine{files: []domain.TorrentFile{{Filename: "a.mkv", Length: 10}, {Filename: "b.srt", Offset: 10, Length: 2}}}
	f := NewMetadataFetcher(zerolog.Nop(), NewEngineRef(engine), clock)

	reg := NewRegistry()
	rec := newRecordWithItems(reg, "A", "B")
	ih := rec.Handle().Item(1)

	meta, written, err := f.FetchForItem(context.Background(), ih, []string{" udp://t ", ""})
	require.NoError(t, err)
	require.True(t, written)
	assert.Len(t, meta.Files, 2)
	assert.Equal(t, testEpoch, meta.FetchedAt)

	it, ok := ih.Snapshot()
	require.True(t, ok)
	require.NotNil(t, it.Torrent)
	assert.Equal(t, "b.srt", it.Torrent.Files[1].Filename)
	assert.Equal(t, int64(10), it.Torrent.Files[1].Offset)

	// Rafraîchir écrase.
	clock.Advance(time.Minute)
	engine.files = []domain.TorrentFile{{Filename: "c.mkv"}}
	_, written, err = f.FetchForItem(context.Background(), ih, nil)
	require.NoError(t, err)
	require.True(t, written)
	it, _ = ih.Snapshot()
	require.Len(t, it.Torrent.Files, 1)
	assert.Equal(t, testEpoch.Add(time.Minute), it.Torrent.FetchedAt)
}

func TestMetadataFetcher_GoneItemIsSilentNoop(t *testing.T) {
	engine := &fakeEngine{}
	f := NewMetadataFetcher(zerolog.Nop(), NewEngineRef(engine), nil)

	reg := NewRegistry()
	rec := newRecordWithItems(reg, "A")
	reg.remove(rec.ID())

	_, written, err := f.FetchForItem(context.Background(), rec.Handle().Item(0), nil)
	require.NoError(t, err)
	require.False(t, written)
	require.Equal(t, 0, engine.MetaCalls())

	rec2 := newRecordWithItems(reg, "A")
	_, written, err = f.FetchForItem(context.Background(), rec2.Handle().Item(9), nil)
	require.NoError(t, err)
	require.False(t, written)
}

func TestMetadataFetcher_EngineNotReady(t *testing.T) {
	ref := NewEngineRef(nil)
	f := NewMetadataFetcher(zerolog.Nop(), ref, nil)

	_, err := f.Fetch(context.Background(), ports.Source{URL: "magnet:?xt=urn:btih:x"}, nil)
	require.ErrorIs(t, err, ErrEngineNotReady)

	_, err = f.Fetch(context.Background(), ports.Source{}, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)

	ref.Set(&fakeEngine{metaErr: errors.New("tracker unreachable")})
	_, err = f.Fetch(context.Background(), ports.Source{URL: "magnet:?xt=urn:btih:x"}, nil)
	require.ErrorContains(t, err, "tracker unreachable")
}

func TestItemPipeline_RetriesThenGivesUp(t *testing.T) {
	engine := &fakeEngine{metaErr: errors.New("timeout")}
	fetcher := NewMetadataFetcher(zerolog.Nop(), NewEngineRef(engine), nil)
	p := NewItemPipeline(zerolog.Nop(), fetcher, NewDynamicLimiter(1), nil, nil)
	p.InitialInterval = time.Millisecond

	reg := NewRegistry()
	rec := newRecordWithItems(reg, "A")
	p.OnNewItem(context.Background(), rec.Handle().Item(0))
	p.Wait()

	require.Equal(t, 3, engine.MetaCalls())
	it, _ := rec.Handle().Item(0).Snapshot()
	require.Nil(t, it.Torrent)
}

func TestItemPipeline_EngineNotReadyIsNotRetried(t *testing.T) {
	fetcher := NewMetadataFetcher(zerolog.Nop(), NewEngineRef(nil), nil)
	p := NewItemPipeline(zerolog.Nop(), fetcher, nil, nil, nil)
	p.InitialInterval = time.Millisecond

	reg := NewRegistry()
	rec := newRecordWithItems(reg, "A")
	written, err := p.fetchMetadata(context.Background(), rec.Handle().Item(0))
	require.ErrorIs(t, err, ErrEngineNotReady)
	require.False(t, written)
}

// stallEngine ne répond jamais pour les sources contenant "dead", comme un magnet sans pair.
type stallEngine struct {
	fakeEngine

	mu        sync.Mutex
	deadlines []bool
}

func (e *stallEngine) FetchMetadata(ctx context.Context, src ports.Source, trackers []string) ([]domain.TorrentFile, error) {
	_, ok := ctx.Deadline()
	e.mu.Lock()
	e.deadlines = append(e.deadlines, ok)
	e.mu.Unlock()
	if strings.Contains(src.URL, "dead") {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []domain.TorrentFile{{Filename: "ep.mkv", Length: 1}}, nil
}

func (e *stallEngine) Deadlines() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.deadlines...)
}

func TestItemPipeline_StalledMetadataReleasesSlot(t *testing.T) {
	engine := &stallEngine{}
	fetcher := NewMetadataFetcher(zerolog.Nop(), NewEngineRef(engine), nil)
	fetcher.Settings = func() domain.Settings {
		s := domain.DefaultSettings()
		s.MetadataTimeout = 50 * time.Millisecond
		return s
	}
	p := NewItemPipeline(zerolog.Nop(), fetcher, NewDynamicLimiter(1), nil, nil)
	p.MaxTries = 1

	reg := NewRegistry()
	rec := newRecordWithItems(reg, "dead", "alive")
	p.OnNewItem(context.Background(), rec.Handle().Item(0))
	p.OnNewItem(context.Background(), rec.Handle().Item(1))

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("metadata pipeline stalled on a source without peers")
	}

	assert.Equal(t, []bool{true, true}, engine.Deadlines())
	dead, _ := rec.Handle().Item(0).Snapshot()
	assert.Nil(t, dead.Torrent)
	alive, _ := rec.Handle().Item(1).Snapshot()
	require.NotNil(t, alive.Torrent)
	assert.Equal(t, "ep.mkv", alive.Torrent.Files[0].Filename)
}

func TestMetadataFetcher_DefaultTimeout(t *testing.T) {
	f := NewMetadataFetcher(zerolog.Nop(), NewEngineRef(nil), nil)
	assert.Equal(t, time.Minute, f.timeout())

	f.Settings = nil
	assert.Equal(t, time.Minute, f.timeout())

	f.Settings = func() domain.Settings { return domain.Settings{MetadataTimeout: time.Second} }
	assert.Equal(t, time.Second, f.timeout())
}
