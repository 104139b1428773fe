package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

type memSettingsRepo struct {
	puts int
	last domain.Settings
}

func (r *memSettingsRepo) Get(ctx context.Context) (domain.Settings, error) { return r.last, nil }

func (r *memSettingsRepo) Put(ctx context.Context, s domain.Settings) (domain.Settings, error) {
	r.puts++
	r.last = s
	return s, nil
}

func TestSettingsService_PutNormalizesAndRunsHooks(t *testing.T) {
	repo := &memSettingsRepo{}
	svc := NewSettingsService(repo, domain.Settings{})
	require.Equal(t, domain.DefaultSettings(), svc.Current())

	var seen []int
	svc.OnChange(func(s domain.Settings) { seen = append(seen, s.MaxConcurrentDownloads) })

	out, err := svc.Put(context.Background(), domain.Settings{
		OutputPath:             " /srv/media ",
		Trackers:               []string{"udp://tracker:80", " "},
		MaxConcurrentDownloads: 5,
		RetryPolicy:            domain.RetryExponential,
	})
	require.NoError(t, err)
	assert.Equal(t, "/srv/media", out.OutputPath)
	assert.Equal(t, []string{"udp://tracker:80"}, out.Trackers)
	assert.Equal(t, time.Hour, out.DefaultUpdateInterval)
	assert.Equal(t, time.Minute, out.MetadataTimeout)
	assert.Equal(t, domain.DiffByTitle, out.DiffKey)
	assert.Equal(t, domain.RetryExponential, out.RetryPolicy)
	assert.Equal(t, []int{5}, seen)
	assert.Equal(t, 1, repo.puts)

	// La copie renvoyée est indépendante.
	out.Trackers[0] = "mutated"
	assert.Equal(t, "udp://tracker:80", svc.Current().Trackers[0])
}

func TestSettingsService_RejectsUnknownEnums(t *testing.T) {
	svc := NewSettingsService(nil, domain.DefaultSettings())

	_, err := svc.Put(context.Background(), domain.Settings{DiffKey: "guid"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Put(context.Background(), domain.Settings{RetryPolicy: "jitter"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	got, err := svc.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.DefaultSettings(), got)
}
