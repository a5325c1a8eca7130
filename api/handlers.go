/*
handlers.go - HTTP API handlers for the economy engine

PURPOSE:
  Exposes Purchase, Gift, Convert and reconciliation via REST. Handles HTTP
  request/response and JSON serialization, and delegates to economy.Engine.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/ledger          Wallet and holdings
    POST   /api/users/{id}/purchases       Buy a product with golds
    POST   /api/users/{id}/gifts           Send a gift (200 credited, 202 pending)
    POST   /api/users/{id}/conversions     Convert beans to golds

  Admin:
    POST   /api/admin/users                Create a ledger record
    PUT    /api/admin/products/{id}        Set a product price
    PUT    /api/admin/settings             Set the conversion rate

  Compensations:
    GET    /api/compensations              Pending gift credits
    POST   /api/compensations/reconcile    Run a reconciliation pass now

  Scenarios (demo data, see scenarios.go):
    GET    /api/scenarios                  Available scenarios
    GET    /api/scenarios/current          Last loaded scenario
    POST   /api/scenarios/load             Reset the store and load one

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, quantity below minimum
  - 402: Insufficient golds or beans
  - 404: Unknown user, product or missing conversion rate
  - 409: Insufficient product quantity, duplicate user
  - 503: Store unavailable (retryable)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. The user id in the path is trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/economy-engine/economy"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// CatalogAdmin is the write side of the local catalog and settings tables.
type CatalogAdmin interface {
	SetPrice(ctx context.Context, productID economy.ProductID, price decimal.Decimal) error
	SetConversionRate(ctx context.Context, rate economy.ConversionRate) error
}

// AdminStore is the write side of the catalog, settings and ledger.
type AdminStore interface {
	economy.LedgerAdmin
	CatalogAdmin
}

// PriceInvalidator drops cached prices after an admin update.
type PriceInvalidator interface {
	Invalidate(ctx context.Context, productID economy.ProductID) error
}

// RateInvalidator drops the cached conversion rate after an admin update.
type RateInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *economy.Engine
	Admin  economy.LedgerAdmin
	Log    logrus.FieldLogger

	// Catalog is nil when prices and the rate come from a remote catalog;
	// the price and settings endpoints then answer 501.
	Catalog CatalogAdmin

	// Optional.
	PriceCache PriceInvalidator
	RateCache  RateInvalidator
	Health     Pinger
	Resetter   Resetter

	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over engine. Admin may be nil when the catalog
// is owned by another service.
func NewHandler(engine *economy.Engine, admin AdminStore, log logrus.FieldLogger) *Handler {
	h := &Handler{Engine: engine, Log: log}
	if admin != nil {
		h.Admin = admin
		h.Catalog = admin
	}
	return h
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetLedger returns a user's wallet and holdings.
// GET /api/users/{id}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := economy.UserID(chi.URLParam(r, "id"))

	rec, err := h.Engine.Ledger.Get(r.Context(), userID)
	if errors.Is(err, economy.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(rec))
}

// Purchase buys a product with golds.
// POST /api/users/{id}/purchases
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "product_id is required", nil)
		return
	}

	out, err := h.Engine.Purchase(r.Context(), economy.UserID(chi.URLParam(r, "id")),
		economy.ProductID(req.ProductID), req.Quantity)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PurchaseResponse{
		BuyerID:   string(out.BuyerID),
		ProductID: string(out.ProductID),
		Quantity:  out.Quantity,
		UnitPrice: out.UnitPrice,
		Total:     out.Total,
	})
}

// Gift sends a gift from the path user to a receiver.
// POST /api/users/{id}/gifts
func (h *Handler) Gift(w http.ResponseWriter, r *http.Request) {
	var req GiftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ReceiverID == "" || req.GiftID == "" {
		writeError(w, http.StatusBadRequest, "receiver_id and gift_id are required", nil)
		return
	}

	out, err := h.Engine.Gift(r.Context(), economy.UserID(chi.URLParam(r, "id")),
		economy.UserID(req.ReceiverID), economy.ProductID(req.GiftID), req.Quantity)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := GiftResponse{
		Status:      string(out.Status),
		SenderID:    string(out.SenderID),
		ReceiverID:  string(out.ReceiverID),
		GiftID:      string(out.GiftID),
		Quantity:    out.Quantity,
		AmountBeans: out.AmountBeans,
	}
	status := http.StatusOK
	if out.Status == economy.GiftPending {
		status = http.StatusAccepted
		resp.CompensationID = string(out.Compensation.ID)
		resp.Reason = "receiver credit queued for reconciliation"
	}
	writeJSON(w, status, resp)
}

// Convert exchanges beans for golds.
// POST /api/users/{id}/conversions
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if !decodeBody(w, r, &req) {
		return
	}

	out, err := h.Engine.Convert(r.Context(), economy.UserID(chi.URLParam(r, "id")), req.Quantity)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ConvertResponse{
		UserID:       string(out.UserID),
		BeansSpent:   out.Beans,
		GoldsGained:  out.Golds,
		BeansPerGold: out.Rate,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateUser creates a ledger record.
// POST /api/admin/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}
	var req CreateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	rec := economy.NewUserLedgerRecord(economy.UserID(req.UserID), req.Golds, req.Beans)
	for _, hd := range req.Holdings {
		rec.AddHolding(economy.ProductID(hd.ProductID), hd.Quantity)
	}

	err := h.Admin.CreateRecord(r.Context(), rec)
	switch {
	case errors.Is(err, economy.ErrDuplicateRecord):
		writeError(w, http.StatusConflict, "User already exists", nil)
		return
	case errors.Is(err, economy.ErrInvariantViolation):
		writeError(w, http.StatusBadRequest, "Invalid ledger record", err)
		return
	case err != nil:
		h.writeEngineError(w, r, err)
		return
	}

	rec.Version = 1
	writeJSON(w, http.StatusCreated, toLedgerDTO(rec))
}

// SetPrice creates or updates a product price.
// PUT /api/admin/products/{id}
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	if !h.requireCatalog(w) {
		return
	}
	var req SetPriceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Price.IsNegative() {
		writeError(w, http.StatusBadRequest, "price must not be negative", nil)
		return
	}

	productID := economy.ProductID(chi.URLParam(r, "id"))
	if err := h.Catalog.SetPrice(r.Context(), productID, req.Price); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if h.PriceCache != nil {
		if err := h.PriceCache.Invalidate(r.Context(), productID); err != nil {
			h.Log.WithError(err).WithField("product_id", productID).Warn("price cache invalidation failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": productID, "price": req.Price})
}

// SetConversionRate replaces the conversion rate.
// PUT /api/admin/settings
func (h *Handler) SetConversionRate(w http.ResponseWriter, r *http.Request) {
	if !h.requireCatalog(w) {
		return
	}
	var req SetConversionRateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.BeansPerGold.IsPositive() {
		writeError(w, http.StatusBadRequest, "beans_per_gold must be positive", nil)
		return
	}

	if err := h.Catalog.SetConversionRate(r.Context(), economy.ConversionRate{BeansPerGold: req.BeansPerGold}); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if h.RateCache != nil {
		if err := h.RateCache.Invalidate(r.Context()); err != nil {
			h.Log.WithError(err).Warn("conversion rate cache invalidation failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"beans_per_gold": req.BeansPerGold})
}

// =============================================================================
// COMPENSATION HANDLERS
// =============================================================================

// ListCompensations returns pending compensations, oldest first.
// GET /api/compensations
func (h *Handler) ListCompensations(w http.ResponseWriter, r *http.Request) {
	comps, err := h.Engine.Compensations.ListCompensations(r.Context(), 0)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	dtos := make([]CompensationDTO, len(comps))
	for i, c := range comps {
		dtos[i] = toCompensationDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Reconcile runs one reconciliation pass.
// POST /api/compensations/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Reconcile(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Healthz reports whether the store is reachable.
// GET /health
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Store: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Store: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) requireAdmin(w http.ResponseWriter) bool {
	if h.Admin == nil {
		writeError(w, http.StatusNotImplemented, "Ledger administration is disabled", nil)
		return false
	}
	return true
}

func (h *Handler) requireCatalog(w http.ResponseWriter) bool {
	if h.Catalog == nil {
		writeError(w, http.StatusNotImplemented, "Catalog is managed externally", nil)
		return false
	}
	return true
}

// writeEngineError maps the economy error taxonomy to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound   *economy.NotFoundError
		funds      *economy.InsufficientFundsError
		unrecorded *economy.CompensationUnrecordedError
	)

	switch {
	case errors.As(err, &funds):
		writeErrorCode(w, http.StatusPaymentRequired, "Insufficient golds", "insufficient_funds",
			map[string]string{"required": funds.Required})
	case errors.Is(err, economy.ErrInsufficientBalance):
		writeErrorCode(w, http.StatusPaymentRequired, "Insufficient beans", "insufficient_balance", err.Error())
	case errors.Is(err, economy.ErrInsufficientProductQuantity):
		writeErrorCode(w, http.StatusConflict, "Insufficient product quantity", "insufficient_product_quantity", err.Error())
	case errors.Is(err, economy.ErrInvalidQuantity):
		writeErrorCode(w, http.StatusBadRequest, "Invalid quantity", "invalid_quantity", err.Error())
	case errors.As(err, &notFound):
		writeErrorCode(w, http.StatusNotFound, err.Error(), "not_found_"+string(notFound.Kind), nil)
	case economy.IsNotFound(err):
		writeErrorCode(w, http.StatusNotFound, "Not found", "not_found", err.Error())
	case errors.As(err, &unrecorded):
		// Debited but not queued: the client must not retry the gift.
		h.logFailure(r, err, logrus.ErrorLevel)
		writeErrorCode(w, http.StatusInternalServerError, "Gift debited; credit requires manual follow-up",
			"compensation_unrecorded", map[string]string{"compensation_id": string(unrecorded.Compensation.ID)})
	case economy.IsRetryable(err):
		h.logFailure(r, err, logrus.WarnLevel)
		writeErrorCode(w, http.StatusServiceUnavailable, "Store unavailable, retry later", "store_unavailable", nil)
	default:
		h.logFailure(r, err, logrus.ErrorLevel)
		writeErrorCode(w, http.StatusInternalServerError, "Internal error", "internal", nil)
	}
}

func (h *Handler) logFailure(r *http.Request, err error, level logrus.Level) {
	h.Log.WithError(err).WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": middleware.GetReqID(r.Context()),
	}).Log(level, "request failed")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}
