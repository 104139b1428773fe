package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Guilhem-Bonnet/feedwatch/internal/app"
	"github.com/Guilhem-Bonnet/feedwatch/internal/httpjson"
)

type DownloadsHandler struct {
	downloads *app.DownloadManager
}

func NewDownloadsHandler(downloads *app.DownloadManager) *DownloadsHandler {
	return &DownloadsHandler{downloads: downloads}
}

func (h *DownloadsHandler) Routes(r chi.Router) {
	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/cancel", h.cancel)
	})
}

func (h *DownloadsHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	httpjson.Write(w, http.StatusOK, h.downloads.List(limit))
}

func (h *DownloadsHandler) get(w http.ResponseWriter, r *http.Request) {
	task, err := h.downloads.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, task)
}

func (h *DownloadsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	task, err := h.downloads.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, task)
}
