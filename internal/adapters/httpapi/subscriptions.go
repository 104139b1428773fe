package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Guilhem-Bonnet/feedwatch/internal/app"
	"github.com/Guilhem-Bonnet/feedwatch/internal/domain"
	"github.com/Guilhem-Bonnet/feedwatch/internal/httpjson"
	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

type SubscriptionsHandler struct {
	subs *app.SubscriptionService
}

func NewSubscriptionsHandler(subs *app.SubscriptionService) *SubscriptionsHandler {
	return &SubscriptionsHandler{subs: subs}
}

func (h *SubscriptionsHandler) Routes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)

		r.Put("/{id}/items/{itemID}/status", h.setItemStatus)
		r.Post("/{id}/items/{itemID}/metadata", h.fetchMetadata)
		r.Post("/{id}/items/{itemID}/download", h.download)
	})
	r.Post("/database/save", h.save)
	r.Post("/torrents/metadata", h.inspect)
}

type createSubscriptionRequest struct {
	URL          string `json:"url"`
	AutoDownload bool   `json:"autoDownload"`
}

type createSubscriptionResponse struct {
	ID uint64 `json:"id"`
}

func (h *SubscriptionsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.subs.AddSubscription(r.Context(), req.URL, req.AutoDownload)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, createSubscriptionResponse{ID: id})
}

func (h *SubscriptionsHandler) list(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, h.subs.ListSubscriptions(r.Context()))
}

func (h *SubscriptionsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	sub, err := h.subs.GetSubscription(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, sub)
}

func (h *SubscriptionsHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	var patch app.SubscriptionPatch
	if err := httpjson.Decode(r, &patch); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	info, err := h.subs.UpdateSubscription(r.Context(), id, patch)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, info)
}

func (h *SubscriptionsHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return
	}
	if err := h.subs.RemoveSubscription(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type itemStatusRequest struct {
	Status domain.ItemStatus `json:"status"`
}

func (h *SubscriptionsHandler) setItemStatus(w http.ResponseWriter, r *http.Request) {
	id, itemID, ok := itemRef(w, r)
	if !ok {
		return
	}
	var req itemStatusRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	item, err := h.subs.SetItemStatus(r.Context(), id, itemID, req.Status)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, item)
}

func (h *SubscriptionsHandler) fetchMetadata(w http.ResponseWriter, r *http.Request) {
	id, itemID, ok := itemRef(w, r)
	if !ok {
		return
	}
	meta, err := h.subs.FetchItemMetadata(r.Context(), id, itemID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, meta)
}

func (h *SubscriptionsHandler) download(w http.ResponseWriter, r *http.Request) {
	id, itemID, ok := itemRef(w, r)
	if !ok {
		return
	}
	task, err := h.subs.DownloadItem(r.Context(), id, itemID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusAccepted, task)
}

func (h *SubscriptionsHandler) save(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.SaveDatabase(r.Context()); err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, map[string]string{"status": "saved"})
}

// inspectRequest: url (magnet ou http) ou bytes (contenu .torrent encodé en base64).
type inspectRequest struct {
	URL   string `json:"url,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
}

func (h *SubscriptionsHandler) inspect(w http.ResponseWriter, r *http.Request) {
	var req inspectRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	meta, err := h.subs.InspectTorrent(r.Context(), ports.Source{URL: req.URL, Bytes: req.Bytes})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, meta)
}

func subscriptionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid subscription id")
		return 0, false
	}
	return id, true
}

func itemRef(w http.ResponseWriter, r *http.Request) (uint64, int, bool) {
	id, ok := subscriptionID(w, r)
	if !ok {
		return 0, 0, false
	}
	itemID, err := strconv.Atoi(chi.URLParam(r, "itemID"))
	if err != nil || itemID < 0 {
		httpjson.WriteError(w, http.StatusBadRequest, "invalid item id")
		return 0, 0, false
	}
	return id, itemID, true
}
