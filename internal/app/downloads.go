package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/metrics"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

const downloadQueueSize = 256

type DownloadDTO struct {
	ID             string               `json:"id"`
	SubscriptionID uint64               `json:"subscriptionId"`
	ItemID         int                  `json:"itemId"`
	Source         string               `json:"source"`
	OutputPath     string               `json:"outputPath"`
	State          domain.DownloadState `json:"state"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
	ErrorCode      string               `json:"errorCode,omitempty"`
	Error          string               `json:"error,omitempty"`
}

func ToDownloadDTO(t domain.DownloadTask) DownloadDTO {
	return DownloadDTO{
		ID:             t.ID,
		SubscriptionID: t.SubscriptionID,
		ItemID:         t.ItemID,
		Source:         t.Source,
		OutputPath:     t.OutputPath,
		State:          t.State,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		ErrorCode:      t.ErrorCode,
		Error:          t.Error,
	}
}

type downloadEntry struct {
	task     domain.DownloadTask
	item     ItemHandle
	cancel   context.CancelFunc
	canceled bool
}

// DownloadManager met en file les téléchargements d'items et les exécute
// sur un WorkerPool dimensionné par Settings.MaxConcurrentDownloads.
type DownloadManager struct {
	logger   zerolog.Logger
	engine   *EngineRef
	bus      ports.EventBus
	clock    Clock
	settings func() domain.Settings

	mu    sync.Mutex
	tasks map[string]*downloadEntry
	queue chan string

	ctx  context.Context
	pool *WorkerPool
}

func NewDownloadManager(logger zerolog.Logger, engine *EngineRef, bus ports.EventBus, clock Clock, settings func() domain.Settings) *DownloadManager {
	if clock == nil {
		clock = RealClock()
	}
	if settings == nil {
		settings = domain.DefaultSettings
	}
	return &DownloadManager{
		logger:   logger,
		engine:   engine,
		bus:      bus,
		clock:    clock,
		settings: settings,
		tasks:    make(map[string]*downloadEntry),
		queue:    make(chan string, downloadQueueSize),
	}
}

// Start lance les workers. Close les arrête.
func (m *DownloadManager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.pool = NewWorkerPool(ctx, m.logger, m.workLoop)
	m.mu.Unlock()
	m.pool.SetCount(m.settings().MaxConcurrentDownloads)
}

func (m *DownloadManager) SetWorkers(n int) {
	m.mu.Lock()
	pool := m.pool
	m.mu.Unlock()
	if pool != nil {
		pool.SetCount(n)
	}
}

func (m *DownloadManager) Close() {
	m.mu.Lock()
	pool := m.pool
	m.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}

// Restore recharge les tâches d'un snapshot. Une tâche non terminée a été
// interrompue par l'arrêt du processus: elle passe en failed.
func (m *DownloadManager) Restore(tasks []domain.DownloadTask) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if !t.State.IsTerminal() {
			t.State = domain.DownloadFailed
			t.ErrorCode = CodeInterrupted
			t.Error = "interrupted by shutdown"
			t.UpdatedAt = now
		}
		m.tasks[t.ID] = &downloadEntry{task: t}
	}
}

// ReleaseStaleItems repasse en unread les items restés downloading sans tâche
// active (processus arrêté en plein transfert). À appeler après Restore et
// Coordinator.Restore, avant tout Dispatch.
func (m *DownloadManager) ReleaseStaleItems(reg *Registry) int {
	type itemKey struct {
		sub  uint64
		item int
	}
	m.mu.Lock()
	active := make(map[itemKey]struct{})
	for _, e := range m.tasks {
		if !e.task.State.IsTerminal() {
			active[itemKey{e.task.SubscriptionID, e.task.ItemID}] = struct{}{}
		}
	}
	m.mu.Unlock()

	released := 0
	for _, rec := range reg.Records() {
		id := rec.ID()
		rec.Mutate(func(sub *domain.Subscription) {
			for i := range sub.Items {
				it := &sub.Items[i]
				if it.Status != domain.ItemDownloading {
					continue
				}
				if _, ok := active[itemKey{id, it.ID}]; ok {
					continue
				}
				it.Status = domain.ItemUnread
				released++
			}
		})
	}
	if released > 0 {
		m.logger.Info().Int("items", released).Msg("interrupted downloads released")
	}
	return released
}

// Tasks renvoie toutes les tâches, les plus anciennes d'abord.
func (m *DownloadManager) Tasks() []domain.DownloadTask {
	m.mu.Lock()
	out := make([]domain.DownloadTask, 0, len(m.tasks))
	for _, e := range m.tasks {
		out = append(out, e.task)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *DownloadManager) List(limit int) []DownloadDTO {
	tasks := m.Tasks()
	// Plus récentes d'abord.
	out := make([]DownloadDTO, 0, len(tasks))
	for i := len(tasks) - 1; i >= 0; i-- {
		out = append(out, ToDownloadDTO(tasks[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *DownloadManager) Get(id string) (DownloadDTO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return DownloadDTO{}, ErrNotFound
	}
	return ToDownloadDTO(e.task), nil
}

// Dispatch crée une tâche queued pour l'item. Un item qui a déjà une tâche
// non terminée renvoie ErrConflict.
func (m *DownloadManager) Dispatch(ctx context.Context, ih ItemHandle) (domain.DownloadTask, error) {
	rec, ok := ih.Sub.Resolve()
	if !ok {
		return domain.DownloadTask{}, ErrNotFound
	}
	it, ok := ih.Snapshot()
	if !ok {
		return domain.DownloadTask{}, ErrNotFound
	}
	source := it.Source()
	if it.Torrent == nil && source == "" {
		return domain.DownloadTask{}, ErrInvalidRequest
	}
	sub := rec.Snapshot()

	now := m.clock.Now()
	task := domain.DownloadTask{
		ID:             xid.New().String(),
		SubscriptionID: sub.ID,
		ItemID:         it.ID,
		Source:         source,
		OutputPath:     filepath.Join(m.settings().OutputPath, safeLabel(sub.Title)),
		State:          domain.DownloadQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	for _, e := range m.tasks {
		if e.task.SubscriptionID == task.SubscriptionID && e.task.ItemID == task.ItemID && !e.task.State.IsTerminal() {
			m.mu.Unlock()
			return domain.DownloadTask{}, ports.ErrConflict
		}
	}
	m.tasks[task.ID] = &downloadEntry{task: task, item: ih}
	m.mu.Unlock()

	select {
	case m.queue <- task.ID:
	case <-ctx.Done():
		m.finish(task.ID, domain.DownloadFailed, &CodedError{Code: CodeCanceled, Err: ctx.Err()})
		return domain.DownloadTask{}, ctx.Err()
	}

	m.logger.Info().Str("download_id", task.ID).Uint64("subscription_id", task.SubscriptionID).Int("item_id", task.ItemID).Msg("download queued")
	m.publish("download.queued", task)
	return task, nil
}

// Cancel annule une tâche queued (immédiatement) ou running (le worker conclut).
func (m *DownloadManager) Cancel(id string) (DownloadDTO, error) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return DownloadDTO{}, ErrNotFound
	}
	switch e.task.State {
	case domain.DownloadQueued:
		e.task.State = domain.DownloadCanceled
		e.task.ErrorCode = CodeCanceled
		e.task.UpdatedAt = m.clock.Now()
		task := e.task
		m.mu.Unlock()
		metrics.DownloadsTotal.WithLabelValues(string(task.State)).Inc()
		m.publish("download.canceled", task)
		return ToDownloadDTO(task), nil
	case domain.DownloadRunning:
		e.canceled = true
		if e.cancel != nil {
			e.cancel()
		}
	}
	task := e.task
	m.mu.Unlock()
	return ToDownloadDTO(task), nil
}

func (m *DownloadManager) workLoop(ctx context.Context, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.execute(id, logger)
		}
	}
}

// execute tourne sous le contexte du manager: un worker retiré par SetCount
// termine sa tâche.
func (m *DownloadManager) execute(id string, logger zerolog.Logger) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok || e.task.State != domain.DownloadQueued {
		m.mu.Unlock()
		return
	}
	parent := m.ctx
	if parent == nil {
		parent = context.Background()
	}
	runCtx, cancel := context.WithCancel(parent)
	defer cancel()
	e.cancel = cancel
	e.task.State = domain.DownloadRunning
	e.task.UpdatedAt = m.clock.Now()
	task := e.task
	ih := e.item
	m.mu.Unlock()

	logger = logger.With().Str("download_id", id).Logger()
	logger.Info().Msg("download started")
	m.publish("download.started", task)

	err := m.run(runCtx, task, ih)

	m.mu.Lock()
	userCanceled := e.canceled
	m.mu.Unlock()

	switch {
	case err == nil:
		ih.Update(func(it *domain.Item) { it.Status = domain.ItemDownloaded })
		m.finish(id, domain.DownloadCompleted, nil)
		logger.Info().Msg("download completed")
		return
	case userCanceled:
		m.finish(id, domain.DownloadCanceled, &CodedError{Code: CodeCanceled, Message: "canceled by user"})
	case isDone(ih.Sub.Done()):
		m.finish(id, domain.DownloadCanceled, &CodedError{Code: CodeItemRemoved, Message: "subscription removed"})
	case parent.Err() != nil:
		m.finish(id, domain.DownloadFailed, &CodedError{Code: CodeInterrupted, Message: "interrupted by shutdown"})
	default:
		m.finish(id, domain.DownloadFailed, err)
	}
	ih.Update(func(it *domain.Item) {
		if it.Status == domain.ItemDownloading {
			it.Status = domain.ItemUnread
		}
	})
	logger.Warn().Err(err).Msg("download did not complete")
}

func (m *DownloadManager) run(ctx context.Context, task domain.DownloadTask, ih ItemHandle) error {
	if _, ok := ih.Snapshot(); !ok {
		return &CodedError{Code: CodeItemRemoved, Message: "item no longer exists"}
	}
	engine, err := m.engine.Get()
	if err != nil {
		return &CodedError{Code: CodeEngineNotReady, Err: err}
	}

	// Retrait de la subscription pendant le transfert: on annule.
	go func() {
		select {
		case <-ih.Sub.Done():
			m.cancelTask(task.ID)
		case <-ctx.Done():
		}
	}()

	ih.Update(func(it *domain.Item) { it.Status = domain.ItemDownloading })

	handle, err := engine.StartDownload(ctx, ports.Source{URL: task.Source}, cleanTrackers(m.settings().Trackers), task.OutputPath)
	if err != nil {
		return &CodedError{Code: errorCode(err), Message: "start download", Err: err}
	}
	if err := handle.Wait(ctx); err != nil {
		_ = handle.Cancel()
		return &CodedError{Code: errorCode(err), Err: err}
	}
	return nil
}

func (m *DownloadManager) cancelTask(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tasks[id]; ok && e.cancel != nil {
		e.cancel()
	}
}

func (m *DownloadManager) finish(id string, state domain.DownloadState, err error) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok || !domain.CanTransition(e.task.State, state) {
		m.mu.Unlock()
		return
	}
	e.task.State = state
	e.task.UpdatedAt = m.clock.Now()
	e.cancel = nil
	if err != nil {
		e.task.ErrorCode = errorCode(err)
		e.task.Error = err.Error()
	}
	task := e.task
	m.mu.Unlock()

	metrics.DownloadsTotal.WithLabelValues(string(state)).Inc()
	m.publish("download."+string(state), task)
}

func (m *DownloadManager) publish(topic string, task domain.DownloadTask) {
	if m.bus == nil {
		return
	}
	b, err := json.Marshal(ToDownloadDTO(task))
	if err != nil {
		return
	}
	m.bus.Publish(topic, b)
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func safeLabel(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.ReplaceAll(s, "\x00", "")
	if s == "" || s == "." || s == ".." {
		return "feed"
	}
	return s
}
