// internal/notify/handler.go
package notify

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler struct {
	inbox Inbox
}

func NewHandler(inbox Inbox) *Handler {
	return &Handler{inbox: inbox}
}

// Routes mounts the inbox endpoints under /users/{userID}/notifications.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/users/{userID}/notifications", h.HandleList)
	r.Post("/users/{userID}/notifications/read-all", h.HandleMarkAllRead)
	r.Post("/users/{userID}/notifications/{notificationID}/read", h.HandleMarkRead)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	items, err := h.inbox.List(r.Context(), userID, unreadOnly)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []Notification{}
	}

	w.Header().Set("Content-Type", "application/json")
	codec.NewEncoder(w).Encode(items)
}

func (h *Handler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "notificationID"))
	if err != nil {
		http.Error(w, "invalid notification ID", http.StatusBadRequest)
		return
	}

	n, err := h.inbox.MarkRead(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	codec.NewEncoder(w).Encode(n)
}

func (h *Handler) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	updated, err := h.inbox.MarkAllRead(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	codec.NewEncoder(w).Encode(map[string]int{"updated": updated})
}
