// Package torrentengine implémente ports.AcquisitionEngine au-dessus d'anacrolix/torrent.
package torrentengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

const (
	// Taille max d'un fichier .torrent récupéré en HTTP.
	MaxTorrentFileBytes = 10 << 20

	progressInterval = time.Second
)

var ErrBusy = errors.New("torrent already active")

type Options struct {
	// SessionDir contient l'état du client (DHT, pièces des requêtes metadata-only).
	SessionDir string
	ListenPort int
	NoUpload   bool
	HTTPClient *http.Client
}

// activeTorrent: refs compte les requêtes metadata et le téléchargement en cours.
type activeTorrent struct {
	t    *torrent.Torrent
	refs int
}

type Engine struct {
	logger zerolog.Logger
	client *torrent.Client
	http   *http.Client

	mu     sync.Mutex
	active map[metainfo.Hash]*activeTorrent
}

func New(logger zerolog.Logger, opts Options) (*Engine, error) {
	if opts.SessionDir == "" {
		opts.SessionDir = "session"
	}
	if err := os.MkdirAll(opts.SessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = opts.SessionDir
	cfg.ListenPort = opts.ListenPort
	cfg.NoUpload = opts.NoUpload
	cfg.Seed = false

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("start torrent client: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Engine{
		logger: logger,
		client: client,
		http:   httpClient,
		active: make(map[metainfo.Hash]*activeTorrent),
	}, nil
}

func (e *Engine) Close() error {
	return errors.Join(e.client.Close()...)
}

func (e *Engine) FetchMetadata(ctx context.Context, src ports.Source, trackers []string) ([]domain.TorrentFile, error) {
	spec, err := e.specFor(ctx, src)
	if err != nil {
		return nil, err
	}
	addTrackers(spec, trackers)

	t, fresh, err := e.acquire(spec, false)
	if err != nil {
		return nil, err
	}
	defer e.release(t.InfoHash())
	if fresh {
		// Un torrent déjà en téléchargement garde ses transferts.
		t.DisallowDataDownload()
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return filesOf(t), nil
}

func (e *Engine) StartDownload(ctx context.Context, src ports.Source, trackers []string, outputPath string) (ports.DownloadHandle, error) {
	spec, err := e.specFor(ctx, src)
	if err != nil {
		return nil, err
	}
	addTrackers(spec, trackers)
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	spec.Storage = storage.NewFile(outputPath)

	t, _, err := e.acquire(spec, true)
	if err != nil {
		return nil, err
	}
	h := &downloadHandle{engine: e, t: t, stopped: make(chan struct{})}
	go func() {
		select {
		case <-t.GotInfo():
			t.DownloadAll()
		case <-h.stopped:
		}
	}()
	e.logger.Info().Str("infohash", h.ID()).Str("output", outputPath).Msg("download started")
	return h, nil
}

// acquire ajoute (ou réutilise) le torrent. Un torrent déjà actif ne peut pas
// être repris pour un téléchargement: son stockage est déjà fixé.
func (e *Engine) acquire(spec *torrent.TorrentSpec, download bool) (*torrent.Torrent, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.active[spec.InfoHash]; ok {
		if download {
			return nil, false, fmt.Errorf("%w: %s", ErrBusy, spec.InfoHash.HexString())
		}
		a.refs++
		return a.t, false, nil
	}
	t, _, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, false, fmt.Errorf("add torrent: %w", err)
	}
	e.active[spec.InfoHash] = &activeTorrent{t: t, refs: 1}
	return t, true, nil
}

func (e *Engine) release(h metainfo.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.active[h]
	if !ok {
		return
	}
	a.refs--
	if a.refs > 0 {
		return
	}
	delete(e.active, h)
	a.t.Drop()
}

func (e *Engine) specFor(ctx context.Context, src ports.Source) (*torrent.TorrentSpec, error) {
	switch {
	case len(src.Bytes) > 0:
		return specFromBytes(src.Bytes)
	case strings.HasPrefix(src.URL, "magnet:"):
		spec, err := torrent.TorrentSpecFromMagnetUri(src.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
		}
		return spec, nil
	case strings.HasPrefix(src.URL, "http://"), strings.HasPrefix(src.URL, "https://"):
		data, err := e.download(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		return specFromBytes(data)
	default:
		return nil, fmt.Errorf("%w: unsupported torrent source %q", ports.ErrInvalidRequest, src.URL)
	}
}

func (e *Engine) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch torrent file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch torrent file: unexpected http status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxTorrentFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read torrent file: %w", err)
	}
	if len(data) > MaxTorrentFileBytes {
		return nil, errors.New("torrent file too large")
	}
	return data, nil
}

func specFromBytes(data []byte) (*torrent.TorrentSpec, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode torrent file: %v", ports.ErrInvalidRequest, err)
	}
	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}
	return spec, nil
}

func addTrackers(spec *torrent.TorrentSpec, trackers []string) {
	if len(trackers) == 0 {
		return
	}
	seen := make(map[string]struct{})
	for _, tier := range spec.Trackers {
		for _, tr := range tier {
			seen[tr] = struct{}{}
		}
	}
	var extra []string
	for _, tr := range trackers {
		if _, ok := seen[tr]; ok {
			continue
		}
		seen[tr] = struct{}{}
		extra = append(extra, tr)
	}
	if len(extra) > 0 {
		spec.Trackers = append(spec.Trackers, extra)
	}
}

func filesOf(t *torrent.Torrent) []domain.TorrentFile {
	files := t.Files()
	out := make([]domain.TorrentFile, 0, len(files))
	for _, f := range files {
		out = append(out, domain.TorrentFile{
			Filename: filepath.ToSlash(f.DisplayPath()),
			Offset:   f.Offset(),
			Length:   f.Length(),
		})
	}
	return out
}

type downloadHandle struct {
	engine *Engine
	t      *torrent.Torrent

	once    sync.Once
	stopped chan struct{}
}

func (h *downloadHandle) ID() string { return h.t.InfoHash().HexString() }

// Wait rend la main quand toutes les pièces sont présentes. Le torrent est
// libéré dans tous les cas (pas de seed).
func (h *downloadHandle) Wait(ctx context.Context) error {
	select {
	case <-h.t.GotInfo():
	case <-h.stopped:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		if h.t.BytesMissing() == 0 {
			h.stop()
			return nil
		}
		select {
		case <-ticker.C:
		case <-h.stopped:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *downloadHandle) Cancel() error {
	h.stop()
	return nil
}

func (h *downloadHandle) stop() {
	h.once.Do(func() {
		close(h.stopped)
		h.engine.release(h.t.InfoHash())
	})
}
