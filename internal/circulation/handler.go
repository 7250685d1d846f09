// internal/circulation/handler.go
package circulation

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"libralend/internal/inventory"
	"libralend/internal/journal"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// BookSeeder creates catalog entries. Catalog management lives elsewhere;
// stores implement this for local setups.
type BookSeeder interface {
	CreateBook(ctx context.Context, title string, totalCopies int) (*inventory.Book, error)
}

type Handler struct {
	service     Service
	seeder      BookSeeder
	logger      Logger
	dueSoonDays int
}

// HandlerOption configures the Handler.
type HandlerOption func(*Handler)

// WithSeeder mounts POST /books backed by seeder.
func WithSeeder(seeder BookSeeder) HandlerOption {
	return func(h *Handler) {
		h.seeder = seeder
	}
}

func WithHandlerLogger(l Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithDueSoonDays sets the lookahead used when a sweep request omits days.
func WithDueSoonDays(days int) HandlerOption {
	return func(h *Handler) {
		h.dueSoonDays = days
	}
}

func NewHandler(service Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:     service,
		logger:      nopLogger{},
		dueSoonDays: DefaultPolicy().DueSoonDays,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/loans", h.HandleBorrow)
	r.Get("/loans", h.HandleListLoans)
	r.Get("/loans/{loanID}", h.HandleGetLoan)
	r.Get("/loans/{loanID}/history", h.HandleHistory)
	r.Post("/loans/{loanID}/return", h.HandleReturn)
	r.Post("/loans/{loanID}/renew", h.HandleRenew)

	r.Post("/reservations", h.HandleReserve)
	r.Post("/reservations/{loanID}/cancel", h.HandleCancel)

	if h.seeder != nil {
		r.Post("/books", h.HandleCreateBook)
	}
	r.Get("/books/{bookID}", h.HandleGetBook)
	r.Put("/books/{bookID}/capacity", h.HandleAdjustCapacity)
	r.Post("/books/{bookID}/reconcile", h.HandleReconcile)

	r.Post("/sweeps/due-soon", h.HandleDueSoon)
}

type lendRequest struct {
	UserID uuid.UUID `json:"user_id"`
	BookID uuid.UUID `json:"book_id"`
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	var req lendRequest
	if !h.decode(w, r, &req) {
		return
	}
	loan, err := h.service.Borrow(r.Context(), req.UserID, req.BookID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	var req lendRequest
	if !h.decode(w, r, &req) {
		return
	}
	loan, err := h.service.Reserve(r.Context(), req.UserID, req.BookID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	h.loanTransition(w, r, h.service.Return)
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	h.loanTransition(w, r, h.service.Renew)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.loanTransition(w, r, h.service.CancelReservation)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	h.loanTransition(w, r, h.service.GetLoan)
}

func (h *Handler) loanTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (*Loan, error)) {
	id, ok := h.pathID(w, r, "loanID")
	if !ok {
		return
	}
	loan, err := op(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "loanID")
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f Filter
	var err error
	if f.UserID, err = optionalUUID(q.Get("user_id")); err != nil {
		h.writeError(w, err)
		return
	}
	if f.BookID, err = optionalUUID(q.Get("book_id")); err != nil {
		h.writeError(w, err)
		return
	}
	f.Type = Type(q.Get("type"))
	f.Status = Status(q.Get("status"))
	if f.Limit, err = optionalInt(q.Get("limit")); err != nil {
		h.writeError(w, err)
		return
	}
	if f.Offset, err = optionalInt(q.Get("offset")); err != nil {
		h.writeError(w, err)
		return
	}

	loans, err := h.service.ListLoans(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if loans == nil {
		loans = []*Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		TotalCopies int    `json:"total_copies"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	book, err := h.seeder.CreateBook(r.Context(), req.Title, req.TotalCopies)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	h.bookOperation(w, r, h.service.GetBook)
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	h.bookOperation(w, r, h.service.ReconcileAvailability)
}

func (h *Handler) HandleAdjustCapacity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalCopies *int `json:"total_copies"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.TotalCopies == nil {
		h.writeError(w, fmt.Errorf("%w: total_copies is required", ErrInvalidArgument))
		return
	}
	h.bookOperation(w, r, func(ctx context.Context, id uuid.UUID) (*inventory.Book, error) {
		return h.service.AdjustCapacity(ctx, id, *req.TotalCopies)
	})
}

func (h *Handler) bookOperation(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (*inventory.Book, error)) {
	id, ok := h.pathID(w, r, "bookID")
	if !ok {
		return
	}
	book, err := op(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) HandleDueSoon(w http.ResponseWriter, r *http.Request) {
	days := h.dueSoonDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		var err error
		if days, err = optionalInt(raw); err != nil {
			h.writeError(w, err)
			return
		}
	}
	n, err := h.service.NotifyDueSoon(r.Context(), days)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"notified": n})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := codec.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, fmt.Errorf("%w: %w", ErrInvalidArgument, err))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %w", ErrInvalidArgument, err))
		return uuid.Nil, false
	}
	return id, true
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code, status := Classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "code", code, "error", err)
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	codec.NewEncoder(w).Encode(v)
}

func optionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return id, nil
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return n, nil
}
