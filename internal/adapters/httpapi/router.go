package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/Guilhem-Bonnet/feedwatch/internal/app"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

type Server struct {
	logger    zerolog.Logger
	subs      *app.SubscriptionService
	downloads *app.DownloadManager
	settings  *app.SettingsService
	bus       ports.EventBus

	// Heartbeat du flux SSE.
	Heartbeat time.Duration
}

func NewServer(logger zerolog.Logger, subs *app.SubscriptionService, downloads *app.DownloadManager, settings *app.SettingsService, bus ports.EventBus) *Server {
	return &Server{
		logger:    logger,
		subs:      subs,
		downloads: downloads,
		settings:  settings,
		bus:       bus,
		Heartbeat: 15 * time.Second,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("request_id", "Request-Id"))
	r.Use(hlog.RemoteAddrHandler("remote_ip"))
	r.Use(hlog.UserAgentHandler("user_agent"))
	r.Use(hlog.AccessHandler(accessLogFn))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/version", s.handleVersion)
		r.Get("/openapi.json", s.handleOpenAPI)
		// Le flux SSE échappe au timeout des requêtes.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultRequestTimeout))

			if s.subs != nil {
				NewSubscriptionsHandler(s.subs).Routes(r)
			}
			if s.downloads != nil {
				NewDownloadsHandler(s.downloads).Routes(r)
			}
			if s.settings != nil {
				NewSettingsHandler(s.settings).Routes(r)
			}
		})
	})

	return r
}
