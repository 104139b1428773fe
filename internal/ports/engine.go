package ports

import (
	"context"

	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
)

// Source décrit ce qu'on donne au moteur: une URL (http(s) vers un .torrent, ou magnet)
// ou le contenu brut d'un fichier .torrent.
type Source struct {
	URL   string
	Bytes []byte
}

func (s Source) Empty() bool {
	return s.URL == "" && len(s.Bytes) == 0
}

type AcquisitionEngine interface {
	// FetchMetadata récupère la liste des fichiers sans transférer le contenu.
	FetchMetadata(ctx context.Context, src Source, trackers []string) ([]domain.TorrentFile, error)
	StartDownload(ctx context.Context, src Source, trackers []string, outputPath string) (DownloadHandle, error)
}

type DownloadHandle interface {
	ID() string
	// Wait bloque jusqu'à la fin du téléchargement ou l'annulation du contexte.
	Wait(ctx context.Context) error
	Cancel() error
}
