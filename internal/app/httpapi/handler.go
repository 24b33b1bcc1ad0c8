// Package httpapi exposes the bottle service REST surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/bottle_service/internal/app/authz"
	"github.com/R3E-Network/bottle_service/internal/app/metrics"
	"github.com/R3E-Network/bottle_service/internal/app/services/allocation"
	"github.com/R3E-Network/bottle_service/internal/app/services/cellar"
	"github.com/R3E-Network/bottle_service/internal/app/services/tokenbank"
	"github.com/R3E-Network/bottle_service/internal/middleware"
	"github.com/R3E-Network/bottle_service/pkg/logger"
)

// Handler serves the REST API backed by the sale engine.
type Handler struct {
	engine *cellar.Service
	log    *logger.Logger
}

// New constructs the API handler.
func New(engine *cellar.Service, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{engine: engine, log: log}
}

// Register attaches all routes to the router.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/categories", h.handleListCategories).Methods(http.MethodGet)
	r.HandleFunc("/categories/{id}", h.handleGetCategory).Methods(http.MethodGet)
	r.HandleFunc("/categories/{id}/mint", h.handleMint).Methods(http.MethodPost)

	r.HandleFunc("/bottles/{id}", h.handleGetBottle).Methods(http.MethodGet)
	r.HandleFunc("/bottles/{id}/uri", h.handleTokenURI).Methods(http.MethodGet)
	r.HandleFunc("/bottles/{id}/open", h.handleOpenBottle).Methods(http.MethodPost)

	r.HandleFunc("/requests/{id}", h.handleGetRequest).Methods(http.MethodGet)
	r.HandleFunc("/vrf/pending", h.handlePendingRequests).Methods(http.MethodGet)
	r.HandleFunc("/vrf/fulfillments", h.handleFulfillment).Methods(http.MethodPost)

	r.HandleFunc("/admin/initialize", h.handleInitialize).Methods(http.MethodPost)
	r.HandleFunc("/admin/close-minting", h.handleCloseMinting).Methods(http.MethodPost)
	r.HandleFunc("/admin/withdraw", h.handleWithdraw).Methods(http.MethodPost)
	r.HandleFunc("/admin/royalty", h.handleRoyalty).Methods(http.MethodPost)
	r.HandleFunc("/admin/categories/{id}/price", h.handleUpdatePrice).Methods(http.MethodPost)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.engine.ListCategories(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

func (h *Handler) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	cat, err := h.engine.GetCategory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

type mintRequest struct {
	Quantity int    `json:"quantity"`
	To       string `json:"to,omitempty"`
}

func (h *Handler) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req mintRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.Mint(r.Context(), caller, req.To, mux.Vars(r)["id"], req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleGetBottle(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	b, err := h.engine.GetBottle(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleTokenURI(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	uri, err := h.engine.TokenURI(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uri": uri})
}

func (h *Handler) handleOpenBottle(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	b, err := h.engine.OpenBottle(r.Context(), caller, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	reqs, err := h.engine.ListPendingRequests(r.Context(), caller)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

type fulfillmentRequest struct {
	RequestID string   `json:"request_id"`
	Words     []uint64 `json:"words"`
}

func (h *Handler) handleFulfillment(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req fulfillmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.FulfillRandomWords(r.Context(), caller, req.RequestID, req.Words); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "fulfilled"})
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var params cellar.InitParams
	if !h.decode(w, r, &params) {
		return
	}
	if err := h.engine.Initialize(r.Context(), caller, params); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "initialized"})
}

func (h *Handler) handleCloseMinting(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	swept, err := h.engine.CloseMinting(r.Context(), caller)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swept": swept})
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	amount, err := h.engine.WithdrawStablecoin(r.Context(), caller)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

type royaltyRequest struct {
	Receiver string `json:"receiver"`
	FeeBps   uint16 `json:"fee_bps"`
}

func (h *Handler) handleRoyalty(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req royaltyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.SetDefaultRoyalty(r.Context(), caller, req.Receiver, req.FeeBps); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type priceRequest struct {
	Price int64 `json:"price"`
}

func (h *Handler) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	var req priceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.UpdateCategoryPrice(r.Context(), caller, mux.Vars(r)["id"], req.Price); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// principal resolves the authenticated wallet, writing a 401 when absent.
func principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok || claims.Wallet == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return "", false
	}
	return claims.Wallet, true
}

func tokenID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid token id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, cellar.ErrInvalidCategory),
		errors.Is(err, cellar.ErrUnknownBottle),
		errors.Is(err, cellar.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, cellar.ErrInvalidQuantity),
		errors.Is(err, cellar.ErrMaxQuantityReached),
		errors.Is(err, cellar.ErrWordCountMismatch):
		return http.StatusBadRequest
	case errors.Is(err, authz.ErrUnauthorizedAccount),
		errors.Is(err, cellar.ErrNotBottleOwner):
		return http.StatusForbidden
	case errors.Is(err, tokenbank.ErrInsufficientBalance),
		errors.Is(err, tokenbank.ErrInsufficientAllowance),
		errors.Is(err, cellar.ErrInsufficientTokenBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, cellar.ErrCategoryFullyMinted),
		errors.Is(err, cellar.ErrMintingClosed),
		errors.Is(err, cellar.ErrCategorySealed),
		errors.Is(err, cellar.ErrBottleNotRevealed),
		errors.Is(err, cellar.ErrBottleAlreadyOpened),
		errors.Is(err, cellar.ErrInvalidInitialization),
		errors.Is(err, cellar.ErrNotInitialized),
		errors.Is(err, allocation.ErrInventoryExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
