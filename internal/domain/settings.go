package domain

import "time"

type RetryPolicy string

const (
	RetryFixed       RetryPolicy = "fixed"
	RetryExponential RetryPolicy = "exponential"
)

type Settings struct {
	// Dossier racine des téléchargements.
	OutputPath string `json:"outputPath"`

	// Trackers ajoutés à chaque requête vers le moteur.
	Trackers []string `json:"trackers"`

	// Intervalle appliqué aux nouvelles subscriptions.
	DefaultUpdateInterval time.Duration `json:"defaultUpdateInterval"`

	// Concurrence.
	MaxConcurrentDownloads int `json:"maxConcurrentDownloads"`
	MaxConcurrentMetadata  int `json:"maxConcurrentMetadata"`

	// Délai maximal d'une requête de métadonnées (un magnet sans pair ne répond jamais).
	MetadataTimeout time.Duration `json:"metadataTimeout"`

	// Clé de comparaison des entrées (title ou link).
	DiffKey DiffKey `json:"diffKey"`

	RetryPolicy RetryPolicy `json:"retryPolicy"`
}

func DefaultSettings() Settings {
	return Settings{
		OutputPath:             "downloads",
		Trackers:               []string{},
		DefaultUpdateInterval:  time.Hour,
		MaxConcurrentDownloads: 2,
		MaxConcurrentMetadata:  4,
		MetadataTimeout:        time.Minute,
		DiffKey:                DiffByTitle,
		RetryPolicy:            RetryFixed,
	}
}

// Snapshot est l'image complète sauvegardée par le store.
type Snapshot struct {
	LastID        uint64
	Subscriptions []Subscription
	Downloads     []DownloadTask
	Settings      Settings
	SavedAt       time.Time
}
