package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

type Config struct {
	Addr string `yaml:"addr"`

	// Stockage du snapshot: sqlite (base) ou file (CBOR+zstd).
	StorePath   string `yaml:"store"`
	StoreDriver string `yaml:"storeDriver"`

	// Dossier de session du moteur torrent.
	SessionPath string `yaml:"session"`

	ConfigPath string `yaml:"-"`

	SaveInterval time.Duration `yaml:"saveInterval"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	// Délai minimal entre deux requêtes vers un même hôte de flux.
	HostInterval time.Duration `yaml:"hostInterval"`
	EventBuffer  int           `yaml:"eventBuffer"`

	LogLevel string `yaml:"logLevel"`
}

func Default() Config {
	return Config{
		Addr:         envOr("FEEDWATCH_ADDR", "127.0.0.1:8001"),
		StorePath:    envOr("FEEDWATCH_STORE", "feedwatch.db"),
		StoreDriver:  envOr("FEEDWATCH_STORE_DRIVER", DriverSQLite),
		SessionPath:  envOr("FEEDWATCH_SESSION", "session"),
		ConfigPath:   envOr("FEEDWATCH_CONFIG", ""),
		SaveInterval: 60 * time.Second,
		FetchTimeout: 30 * time.Second,
		HostInterval: time.Second,
		EventBuffer:  1000,
		LogLevel:     envOr("FEEDWATCH_LOG_LEVEL", "info"),
	}
}

// Load applique le fichier YAML path par-dessus base. Un fichier absent n'est pas une erreur.
func Load(path string, base Config) (Config, error) {
	if path == "" {
		return base, base.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, base.Validate()
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ConfigPath = path
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite, DriverFile:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.StorePath == "" {
		return errors.New("missing store path")
	}
	if c.SaveInterval <= 0 {
		return errors.New("saveInterval must be positive")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("fetchTimeout must be positive")
	}
	if c.HostInterval < 0 {
		return errors.New("hostInterval must not be negative")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
