/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the economy model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

MONEY:
  Golds, beans and prices are decimals serialized as JSON strings ("12.5").
  Requests accept either strings or numbers.

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/economy-engine/economy"
)

// =============================================================================
// LEDGER
// =============================================================================

type HoldingDTO struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// LedgerDTO is a user's wallet and holdings.
type LedgerDTO struct {
	UserID   string          `json:"user_id"`
	Golds    decimal.Decimal `json:"golds"`
	Beans    decimal.Decimal `json:"beans"`
	Holdings []HoldingDTO    `json:"holdings"`
	Version  int64           `json:"version"`
}

func toLedgerDTO(rec economy.UserLedgerRecord) LedgerDTO {
	holdings := make([]HoldingDTO, len(rec.Holdings))
	for i, h := range rec.Holdings {
		holdings[i] = HoldingDTO{ProductID: string(h.ProductID), Quantity: h.Quantity}
	}
	return LedgerDTO{
		UserID:   string(rec.UserID),
		Golds:    rec.Wallet.Golds,
		Beans:    rec.Wallet.Beans,
		Holdings: holdings,
		Version:  rec.Version,
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

type PurchaseRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type PurchaseResponse struct {
	BuyerID   string          `json:"buyer_id"`
	ProductID string          `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Total     decimal.Decimal `json:"total"`
}

type GiftRequest struct {
	ReceiverID string `json:"receiver_id"`
	GiftID     string `json:"gift_id"`
	Quantity   int64  `json:"quantity"`
}

// GiftResponse is returned with 200 when credited and 202 when the credit
// is pending compensation.
type GiftResponse struct {
	Status         string          `json:"status"`
	SenderID       string          `json:"sender_id"`
	ReceiverID     string          `json:"receiver_id"`
	GiftID         string          `json:"gift_id"`
	Quantity       int64           `json:"quantity"`
	AmountBeans    decimal.Decimal `json:"amount_beans"`
	CompensationID string          `json:"compensation_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

type ConvertRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

type ConvertResponse struct {
	UserID       string          `json:"user_id"`
	BeansSpent   decimal.Decimal `json:"beans_spent"`
	GoldsGained  decimal.Decimal `json:"golds_gained"`
	BeansPerGold decimal.Decimal `json:"beans_per_gold"`
}

// =============================================================================
// ADMIN
// =============================================================================

type CreateUserRequest struct {
	UserID   string          `json:"user_id"`
	Golds    decimal.Decimal `json:"golds"`
	Beans    decimal.Decimal `json:"beans"`
	Holdings []HoldingDTO    `json:"holdings,omitempty"`
}

type SetPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

type SetConversionRateRequest struct {
	BeansPerGold decimal.Decimal `json:"beans_per_gold"`
}

// =============================================================================
// COMPENSATIONS
// =============================================================================

type CompensationDTO struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"sender_id"`
	ReceiverID  string          `json:"receiver_id"`
	GiftID      string          `json:"gift_id"`
	Quantity    int64           `json:"quantity"`
	AmountBeans decimal.Decimal `json:"amount_beans"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
}

func toCompensationDTO(c economy.PendingCompensation) CompensationDTO {
	return CompensationDTO{
		ID:          string(c.ID),
		SenderID:    string(c.SenderID),
		ReceiverID:  string(c.ReceiverID),
		GiftID:      string(c.GiftID),
		Quantity:    c.Quantity,
		AmountBeans: c.AmountBeans,
		CreatedAt:   c.CreatedAt,
		Attempts:    c.Attempts,
		LastError:   c.LastError,
	}
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}
