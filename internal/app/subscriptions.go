package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

// SubscriptionService expose les opérations externes. Toute mutation du registre
// passe par le canal du Coordinator.
type SubscriptionService struct {
	logger   zerolog.Logger
	coord    *Coordinator
	fetcher  ports.FeedFetcher
	clock    Clock
	settings func() domain.Settings

	Metadata  *MetadataFetcher
	Downloads *DownloadManager

	FetchTimeout time.Duration
}

func NewSubscriptionService(logger zerolog.Logger, coord *Coordinator, fetcher ports.FeedFetcher, clock Clock, settings func() domain.Settings) *SubscriptionService {
	if clock == nil {
		clock = RealClock()
	}
	if settings == nil {
		settings = domain.DefaultSettings
	}
	return &SubscriptionService{
		logger:       logger,
		coord:        coord,
		fetcher:      fetcher,
		clock:        clock,
		settings:     settings,
		FetchTimeout: DefaultFetchTimeout,
	}
}

type SubscriptionInfo struct {
	ID              uint64                    `json:"id"`
	URL             string                    `json:"url"`
	Title           string                    `json:"title"`
	Description     string                    `json:"description"`
	LastUpdate      time.Time                 `json:"lastUpdate"`
	IntervalSeconds int64                     `json:"intervalSeconds"`
	ItemCount       int                       `json:"itemCount"`
	Status          domain.SubscriptionStatus `json:"status"`
	StatusReason    string                    `json:"statusReason,omitempty"`
	AutoDownload    bool                      `json:"autoDownload"`
}

type ItemDTO struct {
	ID          int                     `json:"id"`
	Title       string                  `json:"title"`
	Link        string                  `json:"link"`
	Description string                  `json:"description"`
	Enclosure   string                  `json:"enclosure,omitempty"`
	Status      domain.ItemStatus       `json:"status"`
	Torrent     *domain.TorrentMetadata `json:"torrent,omitempty"`
}

type SubscriptionDetail struct {
	SubscriptionInfo
	Items []ItemDTO `json:"items"`
}

// SubscriptionPatch: les champs nil sont laissés intacts.
type SubscriptionPatch struct {
	IntervalSeconds *int64 `json:"intervalSeconds,omitempty"`
	AutoDownload    *bool  `json:"autoDownload,omitempty"`
}

func toSubscriptionInfo(s domain.Subscription) SubscriptionInfo {
	return SubscriptionInfo{
		ID:              s.ID,
		URL:             s.URL,
		Title:           s.Title,
		Description:     s.Description,
		LastUpdate:      s.LastUpdate,
		IntervalSeconds: int64(s.UpdateInterval / time.Second),
		ItemCount:       len(s.Items),
		Status:          s.Status,
		StatusReason:    s.StatusReason,
		AutoDownload:    s.AutoDownload,
	}
}

func toItemDTO(it domain.Item) ItemDTO {
	dto := ItemDTO{
		ID:          it.ID,
		Title:       it.Title,
		Link:        it.Link,
		Description: it.Description,
		Enclosure:   it.Enclosure,
		Status:      it.Status,
	}
	if it.Torrent != nil {
		t := it.Torrent.Clone()
		dto.Torrent = &t
	}
	return dto
}

func toSubscriptionDetail(s domain.Subscription) SubscriptionDetail {
	items := make([]ItemDTO, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, toItemDTO(it))
	}
	return SubscriptionDetail{SubscriptionInfo: toSubscriptionInfo(s), Items: items}
}

// AddSubscription récupère le flux de manière synchrone: en cas d'échec, aucun
// événement n'est émis et le registre reste inchangé.
func (s *SubscriptionService) AddSubscription(ctx context.Context, rawURL string, autoDownload bool) (uint64, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return 0, fmt.Errorf("%w: missing url", ErrInvalidRequest)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return 0, fmt.Errorf("%w: invalid url %q", ErrInvalidRequest, rawURL)
	}

	timeout := s.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	feed, err := s.fetcher.Fetch(fetchCtx, rawURL)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
	}

	title := strings.TrimSpace(feed.Title)
	if title == "" {
		title = domain.UntitledPlaceholder
	}
	sub := domain.Subscription{
		URL:            rawURL,
		Title:          title,
		Description:    strings.TrimSpace(feed.Description),
		LastUpdate:     s.clock.Now(),
		UpdateInterval: s.settings().DefaultUpdateInterval,
		Status:         domain.SubscriptionCreated,
		AutoDownload:   autoDownload,
	}

	reply := make(chan uint64, 1)
	if err := s.coord.Emit(ctx, AddSubscription{Subscription: sub, Reply: reply}); err != nil {
		return 0, err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ListSubscriptions renvoie un résumé de chaque subscription, triées par id.
func (s *SubscriptionService) ListSubscriptions(ctx context.Context) []SubscriptionInfo {
	recs := s.coord.Registry().Records()
	out := make([]SubscriptionInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toSubscriptionInfo(rec.Snapshot()))
	}
	return out
}

func (s *SubscriptionService) GetSubscription(ctx context.Context, id uint64) (SubscriptionDetail, error) {
	rec, ok := s.coord.Registry().Get(id)
	if !ok {
		return SubscriptionDetail{}, ErrNotFound
	}
	return toSubscriptionDetail(rec.Snapshot()), nil
}

func (s *SubscriptionService) UpdateSubscription(ctx context.Context, id uint64, patch SubscriptionPatch) (SubscriptionInfo, error) {
	rec, ok := s.coord.Registry().Get(id)
	if !ok {
		return SubscriptionInfo{}, ErrNotFound
	}
	sub := rec.Snapshot()
	if patch.IntervalSeconds != nil {
		if *patch.IntervalSeconds <= 0 {
			return SubscriptionInfo{}, fmt.Errorf("%w: intervalSeconds must be positive", ErrInvalidRequest)
		}
		sub.UpdateInterval = time.Duration(*patch.IntervalSeconds) * time.Second
	}
	if patch.AutoDownload != nil {
		sub.AutoDownload = *patch.AutoDownload
	}

	if err := s.coord.Emit(ctx, UpdateSubscription{Subscription: sub, Options: true}); err != nil {
		return SubscriptionInfo{}, err
	}
	// Le SaveSnapshot suivant garantit que l'update a été appliqué.
	if err := s.SaveDatabase(ctx); err != nil {
		s.logger.Warn().Err(err).Uint64("subscription_id", id).Msg("save after update failed")
	}
	if _, ok := s.coord.Registry().Get(id); !ok {
		return SubscriptionInfo{}, ErrNotFound
	}
	return toSubscriptionInfo(rec.Snapshot()), nil
}

func (s *SubscriptionService) RemoveSubscription(ctx context.Context, id uint64) error {
	reply := make(chan bool, 1)
	if err := s.coord.Emit(ctx, RemoveSubscription{ID: id, Reply: reply}); err != nil {
		return err
	}
	select {
	case ok := <-reply:
		if !ok {
			return ErrNotFound
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetItemStatus ne permet que read/unread; les autres statuts appartiennent aux téléchargements.
func (s *SubscriptionService) SetItemStatus(ctx context.Context, id uint64, itemID int, status domain.ItemStatus) (ItemDTO, error) {
	if status != domain.ItemRead && status != domain.ItemUnread {
		return ItemDTO{}, fmt.Errorf("%w: status must be read or unread", ErrInvalidRequest)
	}
	ih, err := s.itemHandle(id, itemID)
	if err != nil {
		return ItemDTO{}, err
	}

	var conflict bool
	ok := ih.Update(func(it *domain.Item) {
		if it.Status == domain.ItemDownloading {
			conflict = true
			return
		}
		it.Status = status
	})
	if !ok {
		return ItemDTO{}, ErrNotFound
	}
	if conflict {
		return ItemDTO{}, fmt.Errorf("%w: item is downloading", ports.ErrConflict)
	}
	s.notifyChanged(ctx, ih)

	it, ok := ih.Snapshot()
	if !ok {
		return ItemDTO{}, ErrNotFound
	}
	return toItemDTO(it), nil
}

// FetchItemMetadata récupère (ou rafraîchit) les métadonnées d'un item et les écrit dessus.
func (s *SubscriptionService) FetchItemMetadata(ctx context.Context, id uint64, itemID int) (domain.TorrentMetadata, error) {
	if s.Metadata == nil {
		return domain.TorrentMetadata{}, ErrEngineNotReady
	}
	ih, err := s.itemHandle(id, itemID)
	if err != nil {
		return domain.TorrentMetadata{}, err
	}
	meta, written, err := s.Metadata.FetchForItem(ctx, ih, s.settings().Trackers)
	if err != nil {
		return domain.TorrentMetadata{}, err
	}
	if written {
		s.notifyChanged(ctx, ih)
	}
	return meta, nil
}

// InspectTorrent liste les fichiers d'un torrent sans l'attacher à un item.
func (s *SubscriptionService) InspectTorrent(ctx context.Context, src ports.Source) (domain.TorrentMetadata, error) {
	if s.Metadata == nil {
		return domain.TorrentMetadata{}, ErrEngineNotReady
	}
	return s.Metadata.Fetch(ctx, src, s.settings().Trackers)
}

func (s *SubscriptionService) DownloadItem(ctx context.Context, id uint64, itemID int) (DownloadDTO, error) {
	if s.Downloads == nil {
		return DownloadDTO{}, ErrEngineNotReady
	}
	ih, err := s.itemHandle(id, itemID)
	if err != nil {
		return DownloadDTO{}, err
	}
	task, err := s.Downloads.Dispatch(ctx, ih)
	if err != nil {
		return DownloadDTO{}, err
	}
	return ToDownloadDTO(task), nil
}

// SaveDatabase demande un snapshot au Coordinator et attend son résultat.
func (s *SubscriptionService) SaveDatabase(ctx context.Context) error {
	done := make(chan error, 1)
	if err := s.coord.Emit(ctx, SaveSnapshot{Done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SubscriptionService) itemHandle(id uint64, itemID int) (ItemHandle, error) {
	rec, ok := s.coord.Registry().Get(id)
	if !ok {
		return ItemHandle{}, ErrNotFound
	}
	ih := rec.Handle().Item(itemID)
	if _, ok := ih.Snapshot(); !ok {
		return ItemHandle{}, ErrNotFound
	}
	return ih, nil
}

// notifyChanged publie l'état du record via un UpdateSubscription.
func (s *SubscriptionService) notifyChanged(ctx context.Context, ih ItemHandle) {
	rec, ok := ih.Sub.Resolve()
	if !ok {
		return
	}
	_ = s.coord.Emit(ctx, UpdateSubscription{Subscription: rec.Snapshot()})
}
