package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

// SettingsService garde les réglages courants en mémoire. Le repo est optionnel
// (driver sqlite); sinon les réglages ne sont persistés que via le snapshot.
type SettingsService struct {
	repo ports.SettingsRepository

	mu      sync.RWMutex
	current domain.Settings
	hooks   []func(domain.Settings)
}

func NewSettingsService(repo ports.SettingsRepository, initial domain.Settings) *SettingsService {
	return &SettingsService{repo: repo, current: NormalizeSettings(initial)}
}

// Current renvoie une copie des réglages courants.
func (s *SettingsService) Current() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.current
	out.Trackers = append([]string{}, s.current.Trackers...)
	return out
}

func (s *SettingsService) Get(ctx context.Context) (domain.Settings, error) {
	return s.Current(), nil
}

// OnChange enregistre un hook appelé après chaque Put réussi.
func (s *SettingsService) OnChange(fn func(domain.Settings)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *SettingsService) Put(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	if settings.DiffKey != "" && !settings.DiffKey.Valid() {
		return domain.Settings{}, fmt.Errorf("%w: unknown diffKey %q", ErrInvalidRequest, settings.DiffKey)
	}
	switch settings.RetryPolicy {
	case "", domain.RetryFixed, domain.RetryExponential:
	default:
		return domain.Settings{}, fmt.Errorf("%w: unknown retryPolicy %q", ErrInvalidRequest, settings.RetryPolicy)
	}
	settings = NormalizeSettings(settings)

	if s.repo != nil {
		saved, err := s.repo.Put(ctx, settings)
		if err != nil {
			return domain.Settings{}, err
		}
		settings = NormalizeSettings(saved)
	}

	s.mu.Lock()
	s.current = settings
	hooks := append([]func(domain.Settings){}, s.hooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(settings)
	}
	return s.Current(), nil
}

// NormalizeSettings complète les champs vides avec les valeurs par défaut.
func NormalizeSettings(settings domain.Settings) domain.Settings {
	def := domain.DefaultSettings()
	settings.OutputPath = strings.TrimSpace(settings.OutputPath)
	if settings.OutputPath == "" {
		settings.OutputPath = def.OutputPath
	}
	settings.Trackers = cleanTrackers(settings.Trackers)
	if settings.DefaultUpdateInterval <= 0 {
		settings.DefaultUpdateInterval = def.DefaultUpdateInterval
	}
	if settings.MaxConcurrentDownloads <= 0 {
		settings.MaxConcurrentDownloads = def.MaxConcurrentDownloads
	}
	if settings.MaxConcurrentMetadata <= 0 {
		settings.MaxConcurrentMetadata = def.MaxConcurrentMetadata
	}
	if settings.MetadataTimeout <= 0 {
		settings.MetadataTimeout = def.MetadataTimeout
	}
	if !settings.DiffKey.Valid() {
		settings.DiffKey = def.DiffKey
	}
	if settings.RetryPolicy != domain.RetryExponential {
		settings.RetryPolicy = domain.RetryFixed
	}
	return settings
}
