/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for testing and demos. Each scenario creates users, prices and the
	conversion rate, then drives the engine to reach an interesting state.

AVAILABLE SCENARIOS:

	starter-shop:  Two users, a small catalog, 5 beans per gold
	gift-exchange: alice has already gifted roses to bob
	pending-gift:  A gift to a user with no ledger record awaits reconciliation
	big-spender:   A user with enough beans to demo conversions

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Set prices and the conversion rate
 3. Create ledger records
 4. Optionally run purchases and gifts through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "pending-gift"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Admin handlers used for the same seeding by hand
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/economy-engine/economy"
)

// Resetter is implemented by stores that can clear all data.
type Resetter interface {
	Reset(ctx context.Context) error
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "starter-shop",
		Name:        "Starter Shop",
		Description: "alice with 100 golds, bob empty, roses at 10 golds, 5 beans per gold",
	},
	{
		ID:          "gift-exchange",
		Name:        "Gift Exchange",
		Description: "alice bought 4 roses and gifted 2 to bob",
	},
	{
		ID:          "pending-gift",
		Name:        "Pending Gift",
		Description: "alice gifted roses to carol, who has no ledger yet; create carol and reconcile",
	},
	{
		ID:          "big-spender",
		Name:        "Big Spender",
		Description: "whale holds 1200 beans at 50 beans per gold",
	},
}

var scenarioCatalog = map[economy.ProductID]decimal.Decimal{
	"rose":  decimal.NewFromInt(10),
	"teddy": decimal.RequireFromString("2.5"),
	"ring":  decimal.NewFromInt(250),
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) || !h.requireCatalog(w) {
		return
	}
	if h.Resetter == nil {
		writeError(w, http.StatusNotImplemented, "Store cannot be reset", nil)
		return
	}

	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "starter-shop":
		load = h.loadStarterShop
	case "gift-exchange":
		load = h.loadGiftExchange
	case "pending-gift":
		load = h.loadPendingGift
	case "big-spender":
		load = h.loadBigSpender
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Resetter.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.invalidateCaches(ctx)
	h.currentScenario = req.ScenarioID

	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadStarterShop(ctx context.Context) error {
	return h.seed(ctx, decimal.NewFromInt(5),
		economy.NewUserLedgerRecord("alice", decimal.NewFromInt(100), decimal.Zero),
		economy.NewUserLedgerRecord("bob", decimal.Zero, decimal.Zero),
	)
}

func (h *Handler) loadGiftExchange(ctx context.Context) error {
	if err := h.loadStarterShop(ctx); err != nil {
		return err
	}
	if _, err := h.Engine.Purchase(ctx, "alice", "rose", 4); err != nil {
		return err
	}
	_, err := h.Engine.Gift(ctx, "alice", "bob", "rose", 2)
	return err
}

func (h *Handler) loadPendingGift(ctx context.Context) error {
	if err := h.loadStarterShop(ctx); err != nil {
		return err
	}
	if _, err := h.Engine.Purchase(ctx, "alice", "rose", 3); err != nil {
		return err
	}
	out, err := h.Engine.Gift(ctx, "alice", "carol", "rose", 3)
	if err != nil {
		return err
	}
	if out.Status != economy.GiftPending {
		return fmt.Errorf("expected a pending gift, got %s", out.Status)
	}
	return nil
}

func (h *Handler) loadBigSpender(ctx context.Context) error {
	whale := economy.NewUserLedgerRecord("whale", decimal.NewFromInt(1000), decimal.NewFromInt(1200))
	whale.AddHolding("ring", 2)
	return h.seed(ctx, decimal.NewFromInt(50), whale)
}

func (h *Handler) seed(ctx context.Context, beansPerGold decimal.Decimal, users ...economy.UserLedgerRecord) error {
	for id, price := range scenarioCatalog {
		if err := h.Catalog.SetPrice(ctx, id, price); err != nil {
			return err
		}
	}
	if err := h.Catalog.SetConversionRate(ctx, economy.ConversionRate{BeansPerGold: beansPerGold}); err != nil {
		return err
	}
	for _, rec := range users {
		if err := h.Admin.CreateRecord(ctx, rec); err != nil {
			return fmt.Errorf("create %s: %w", rec.UserID, err)
		}
	}
	return nil
}

func (h *Handler) invalidateCaches(ctx context.Context) {
	if h.PriceCache != nil {
		for id := range scenarioCatalog {
			if err := h.PriceCache.Invalidate(ctx, id); err != nil {
				h.Log.WithError(err).WithField("product_id", id).Warn("price cache invalidation failed")
			}
		}
	}
	if h.RateCache != nil {
		if err := h.RateCache.Invalidate(ctx); err != nil {
			h.Log.WithError(err).Warn("conversion rate cache invalidation failed")
		}
	}
}
