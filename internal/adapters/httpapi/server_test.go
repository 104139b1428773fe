package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guilhem-Bonnet/feedwatch/internal/adapters/feedhttp"
	"github.com/Guilhem-Bonnet/feedwatch/internal/adapters/memorybus"
	"github.com/Guilhem-Bonnet/feedwatch/internal/adapters/snapshotfile"
	"github.com/Guilhem-Bonnet/feedwatch/internal/app"
	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

const feedDoc = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Show</title><description>weekly</description>
<item><title>A</title><link>magnet:?xt=urn:btih:a</link></item>
<item><title>B</title><link>magnet:?xt=urn:btih:b</link></item>
</channel></rss>`

type testEnv struct {
	api      *httptest.Server
	feeds    *httptest.Server
	settings *app.SettingsService
	store    *snapshotfile.Store
	bus      *memorybus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	feeds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rss" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feedDoc))
	}))
	t.Cleanup(feeds.Close)

	store, err := snapshotfile.New(filepath.Join(t.TempDir(), "feedwatch.snap"))
	require.NoError(t, err)

	bus := memorybus.New()
	settings := app.NewSettingsService(nil, domain.DefaultSettings())
	registry := app.NewRegistry()
	snaps := app.NewSnapshotter(registry, store, nil)
	snaps.SettingsFunc = settings.Current
	coord := app.NewCoordinator(logger, registry, snaps, bus, 0)

	fetcher := feedhttp.New(logger, feedhttp.Options{Timeout: 5 * time.Second})
	subs := app.NewSubscriptionService(logger, coord, fetcher, nil, settings.Current)
	subs.Metadata = app.NewMetadataFetcher(logger, app.NewEngineRef(nil), nil)
	downloads := app.NewDownloadManager(logger, app.NewEngineRef(nil), bus, nil, settings.Current)
	subs.Downloads = downloads

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := NewServer(logger, subs, downloads, settings, bus)
	srv.Heartbeat = 50 * time.Millisecond
	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)

	return &testEnv{api: api, feeds: feeds, settings: settings, store: store, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAPI_AddListGet(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{"url": env.feeds.URL + "/rss", "autoDownload": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]uint64](t, resp)
	require.Equal(t, uint64(1), created["id"])

	resp = env.do(t, http.MethodGet, "/api/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]app.SubscriptionInfo](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "Show", list[0].Title)
	assert.Equal(t, "weekly", list[0].Description)
	assert.Equal(t, domain.SubscriptionCreated, list[0].Status)
	assert.True(t, list[0].AutoDownload)

	resp = env.do(t, http.MethodGet, "/api/v1/subscriptions/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/subscriptions/99", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/subscriptions/abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_AddErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{"url": "bad://url"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{"url": env.feeds.URL + "/missing"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{"url": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{"link": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/subscriptions", nil)
	require.Empty(t, decode[[]app.SubscriptionInfo](t, resp))
}

func TestAPI_SaveDatabaseAndPatch(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{"url": env.feeds.URL + "/rss"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPatch, "/api/v1/subscriptions/1", map[string]any{"intervalSeconds": 120})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[app.SubscriptionInfo](t, resp)
	assert.Equal(t, int64(120), info.IntervalSeconds)

	resp = env.do(t, http.MethodPost, "/api/v1/database/save", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap, err := env.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.LastID)
	require.Len(t, snap.Subscriptions, 1)
	assert.Equal(t, 2*time.Minute, snap.Subscriptions[0].UpdateInterval)

	resp = env.do(t, http.MethodDelete, "/api/v1/subscriptions/1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/v1/subscriptions/1", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_EngineNotReady(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/v1/torrents/metadata", map[string]any{"url": "magnet:?xt=urn:btih:a"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/torrents/metadata", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/downloads/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SettingsPutRunsHooks(t *testing.T) {
	env := newTestEnv(t)
	lim := app.NewDynamicLimiter(1)
	env.settings.OnChange(func(s domain.Settings) { lim.SetLimit(s.MaxConcurrentMetadata) })

	s := domain.DefaultSettings()
	s.MaxConcurrentMetadata = 6
	s.Trackers = []string{"udp://tracker.example:1337"}
	resp := env.do(t, http.MethodPut, "/api/v1/settings", s)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	if lim.Limit() != 6 {
		t.Fatalf("limiter limit: want %d, got %d", 6, lim.Limit())
	}

	resp = env.do(t, http.MethodGet, "/api/v1/settings", nil)
	got := decode[domain.Settings](t, resp)
	assert.Equal(t, []string{"udp://tracker.example:1337"}, got.Trackers)

	s.DiffKey = "guid"
	resp = env.do(t, http.MethodPut, "/api/v1/settings", s)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_EventsStream(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.api.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	waitLine := func(prefix string) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", prefix)
				}
				if strings.HasPrefix(l, prefix) {
					return
				}
			case <-deadline:
				t.Fatalf("timeout waiting for %q", prefix)
			}
		}
	}

	waitLine("event: hello")
	require.Eventually(t, func() bool { return env.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	add := env.do(t, http.MethodPost, "/api/v1/subscriptions", map[string]any{"url": env.feeds.URL + "/rss"})
	require.Equal(t, http.StatusCreated, add.StatusCode)
	waitLine(fmt.Sprintf("event: %s", "subscription.added"))
	waitLine("event: ping")
}

func TestAPI_OpenAPIAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/openapi.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode[map[string]any](t, resp)
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/api/v1/subscriptions")

	resp = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
