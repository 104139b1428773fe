package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Guilhem-Bonnet/feedwatch/internal/adapters/feedhttp"
	"github.com/Guilhem-Bonnet/feedwatch/internal/adapters/httpapi"
	"github.com/Guilhem-Bonnet/feedwatch/internal/adapters/memorybus"
	"github.com/Guilhem-Bonnet/feedwatch/internal/adapters/snapshotfile"
	"github.com/Guilhem-Bonnet/feedwatch/internal/adapters/sqlite"
	"github.com/Guilhem-Bonnet/feedwatch/internal/adapters/torrentengine"
	"github.com/Guilhem-Bonnet/feedwatch/internal/app"
	"github.com/Guilhem-Bonnet/feedwatch/internal/buildinfo"
	"github.com/Guilhem-Bonnet/feedwatch/internal/config"
	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

func main() {
	def := config.Default()
	configPath := flag.String("config", def.ConfigPath, "Fichier de configuration YAML (optionnel)")
	addr := flag.String("addr", "", "Adresse d'écoute (ex: 127.0.0.1:8001)")
	store := flag.String("store", "", "Chemin du snapshot (base SQLite ou fichier)")
	driver := flag.String("driver", "", "Driver de stockage: sqlite ou file")
	session := flag.String("session", "", "Dossier de session du moteur torrent")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", "feedwatchd").Logger()
	log.Logger = logger

	cfg, err := config.Load(*configPath, def)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *store != "" {
		cfg.StorePath = *store
	}
	if *driver != "" {
		cfg.StoreDriver = *driver
	}
	if *session != "" {
		cfg.SessionPath = *session
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
		log.Logger = logger
	}

	logger.Info().
		Interface("build", buildinfo.Current()).
		Str("store", cfg.StorePath).
		Str("driver", cfg.StoreDriver).
		Msg("starting")

	ctx := context.Background()

	snapStore, settingsRepo, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() { _ = snapStore.Close() }()

	snap, err := snapStore.Load(ctx)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		snap = domain.Snapshot{Settings: domain.DefaultSettings()}
		if settingsRepo != nil {
			if s, err := settingsRepo.Get(ctx); err == nil {
				snap.Settings = s
			}
		}
	case err != nil:
		logger.Fatal().Err(err).Msg("failed to load snapshot")
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := memorybus.New()
	defer bus.Close()

	settingsSvc := app.NewSettingsService(settingsRepo, snap.Settings)

	engine, err := torrentengine.New(logger.With().Str("component", "engine").Logger(), torrentengine.Options{SessionDir: cfg.SessionPath})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start torrent engine")
	}
	// Vidée à l'arrêt: les requêtes tardives reçoivent engine_not_ready.
	engineRef := app.NewEngineRef(engine)

	registry := app.NewRegistry()
	clock := app.RealClock()

	downloads := app.NewDownloadManager(logger.With().Str("component", "downloads").Logger(), engineRef, bus, clock, settingsSvc.Current)
	downloads.Restore(snap.Downloads)
	downloads.Start(shutdownCtx)

	snapshots := app.NewSnapshotter(registry, snapStore, clock)
	snapshots.SettingsFunc = settingsSvc.Current
	snapshots.DownloadsFunc = downloads.Tasks

	coord := app.NewCoordinator(logger.With().Str("component", "coordinator").Logger(), registry, snapshots, bus, cfg.EventBuffer)
	restored := coord.Restore(snap)
	logger.Info().Int("subscriptions", restored).Uint64("last_id", registry.LastID()).Msg("registry restored")
	downloads.ReleaseStaleItems(registry)

	fetcher := feedhttp.New(logger.With().Str("component", "feeds").Logger(), feedhttp.Options{
		Timeout:      cfg.FetchTimeout,
		HostInterval: cfg.HostInterval,
	})
	metadata := app.NewMetadataFetcher(logger.With().Str("component", "metadata").Logger(), engineRef, clock)
	metadata.Settings = settingsSvc.Current

	metadataLimiter := app.NewDynamicLimiter(settingsSvc.Current().MaxConcurrentMetadata)
	pipeline := app.NewItemPipeline(logger.With().Str("component", "items").Logger(), metadata, metadataLimiter, coord, settingsSvc.Current)
	pipeline.Downloads = downloads

	poller := app.NewFeedPoller(logger.With().Str("component", "poller").Logger(), fetcher, coord, clock, settingsSvc.Current)
	poller.FetchTimeout = cfg.FetchTimeout
	poller.OnNewItem = pipeline.OnNewItem
	coord.SetSpawner(poller.Spawner())

	settingsSvc.OnChange(func(updated domain.Settings) {
		downloads.SetWorkers(updated.MaxConcurrentDownloads)
		metadataLimiter.SetLimit(updated.MaxConcurrentMetadata)
		logger.Info().
			Int("max_downloads", updated.MaxConcurrentDownloads).
			Int("max_metadata", updated.MaxConcurrentMetadata).
			Msg("settings updated")
	})

	subs := app.NewSubscriptionService(logger.With().Str("component", "subscriptions").Logger(), coord, fetcher, clock, settingsSvc.Current)
	subs.FetchTimeout = cfg.FetchTimeout
	subs.Metadata = metadata
	subs.Downloads = downloads

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.Run(shutdownCtx)
	}()

	// Republie la subscription et sauvegarde à chaque fin de téléchargement.
	updater := app.NewDownloadCompletionUpdater(logger.With().Str("component", "download-updater").Logger(), bus, registry, coord)
	go updater.Run(shutdownCtx)

	persistence := app.NewPersistenceTask(logger.With().Str("component", "persistence").Logger(), snapshots)
	persistence.Interval = cfg.SaveInterval
	go persistence.Run(shutdownCtx)

	srv := httpapi.NewServer(logger, subs, downloads, settingsSvc, bus)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server crashed")
			stop()
		}
	}()

	<-shutdownCtx.Done()
	logger.Info().Msg("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutCtx)

	<-coordDone
	coord.WaitPollers()
	pipeline.Wait()
	downloads.Close()

	if err := snapshots.Save(shutCtx, "shutdown"); err != nil {
		logger.Error().Err(err).Msg("final save failed")
	}

	engineRef.Set(nil)
	if err := engine.Close(); err != nil {
		logger.Warn().Err(err).Msg("engine close")
	}
	logger.Info().Msg("bye")
}

func openStore(ctx context.Context, cfg config.Config) (ports.SnapshotStore, ports.SettingsRepository, error) {
	switch cfg.StoreDriver {
	case config.DriverFile:
		s, err := snapshotfile.New(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		db, err := sqlite.Open(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return sqlite.NewSnapshotStore(db), sqlite.NewSettingsRepository(db.SQL), nil
	}
}
