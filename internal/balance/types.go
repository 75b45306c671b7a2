package balance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceRow is one asset row as reported by a venue
type BalanceRow struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

// ExchangeClient is the capability the balance manager consumes per venue
type ExchangeClient interface {
	FetchBalances(ctx context.Context) ([]BalanceRow, error)
}

// Balance is the cached view of a (venue, asset) pair. The venue's locked
// field is independent of reservations: it reflects exchange-acknowledged
// locks, while reservations are client-side intent.
type Balance struct {
	Venue       string          `json:"venue"`
	Asset       string          `json:"asset"`
	Total       decimal.Decimal `json:"total"`
	Available   decimal.Decimal `json:"available"`
	Locked      decimal.Decimal `json:"locked"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Reservation is a client-side hold on funds not yet committed to the
// exchange. Owned exclusively by the balance manager.
type Reservation struct {
	ID        string          `json:"id"`
	Venue     string          `json:"venue"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Purpose   string          `json:"purpose"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Expired reports whether the reservation's TTL has elapsed
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Rejection reasons returned by CheckAvailability and Reserve
const (
	ReasonUnknownBalance = "unknown_balance"
	ReasonStaleBalance   = "stale_balance"
	ReasonInsufficient   = "insufficient"
	ReasonInvalidAmount  = "invalid_amount"
	ReasonShuttingDown   = "shutting_down"
)

// VenueSummary aggregates one venue's balances for observability. Float
// conversion happens only at this serialization edge.
type VenueSummary struct {
	Assets       map[string]AssetSummary `json:"assets"`
	Reservations int                     `json:"reservations"`
}

// AssetSummary is the observability view of one (venue, asset) pair
type AssetSummary struct {
	Total       float64   `json:"total"`
	Available   float64   `json:"available"`
	Locked      float64   `json:"locked"`
	Reserved    float64   `json:"reserved"`
	LastUpdated time.Time `json:"last_updated"`
}

// Summary is the full balance manager snapshot
type Summary struct {
	Venues             map[string]VenueSummary `json:"venues"`
	ActiveReservations int                     `json:"active_reservations"`
	ReservedByPurpose  map[string]float64      `json:"reserved_by_purpose"`
	GeneratedAt        time.Time               `json:"generated_at"`
}
