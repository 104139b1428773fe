package ports

import (
	"context"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

// SnapshotStore sauvegarde et recharge l'image complète du registre.
// Load renvoie ErrNotFound si rien n'a encore été sauvegardé.
type SnapshotStore interface {
	Load(ctx context.Context) (domain.Snapshot, error)
	Save(ctx context.Context, snap domain.Snapshot) error
	Close() error
}

type SettingsRepository interface {
	Get(ctx context.Context) (domain.Settings, error)
	Put(ctx context.Context, settings domain.Settings) (domain.Settings, error)
}
