package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/piatok/piatok/internal/adapter/driven/gateway/ws"
	"github.com/piatok/piatok/internal/core/domain"
	"github.com/piatok/piatok/internal/core/service"
)

// userHeader carries the authenticated user id, set by the identity proxy in
// front of this service. Auth itself is out of scope here.
const userHeader = "X-User-ID"

type Handler struct {
	CallService    *service.CallService
	BalanceService *service.BalanceService
	Hub            *ws.Hub
}

func NewHandler(callService *service.CallService, balanceService *service.BalanceService, hub *ws.Hub) *Handler {
	return &Handler{
		CallService:    callService,
		BalanceService: balanceService,
		Hub:            hub,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/calls/pending", h.GetPendingCall)
	r.Get("/friday/balance/{userID}", h.GetFridayBalance)
	r.Post("/friday/balance/{userID}/credit", h.CreditFridayBalance)

	return r
}

// GetPendingCall is the REST fallback the PWA polls on reconnect or when it
// is reopened from a push notification.
func (h *Handler) GetPendingCall(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(r.Header.Get(userHeader))
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	pending, ok, err := h.CallService.PendingFor(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Msg("Pending-call lookup failed")
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	resp := struct {
		Pending *domain.PendingCall `json:"pending"`
	}{}
	if ok {
		resp.Pending = &pending
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetFridayBalance(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(chi.URLParam(r, "userID"))
	minutes, err := h.BalanceService.Minutes(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Msg("Balance lookup failed")
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"totalMinutes": minutes})
}

// CreditFridayBalance grants tokens. The purchase flow itself lives in an
// external service that calls this once payment settles.
func (h *Handler) CreditFridayBalance(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(chi.URLParam(r, "userID"))

	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes <= 0 {
		http.Error(w, "minutes must be positive", http.StatusBadRequest)
		return
	}

	minutes, err := h.BalanceService.Credit(r.Context(), userID, req.Minutes)
	if err != nil {
		log.Error().Err(err).Msg("Balance credit failed")
		http.Error(w, "credit failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"totalMinutes": minutes})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}
