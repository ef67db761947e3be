/**
 * @description
 * Wallet models for the settlement service: the per-user Xu account and the
 * append-only ledger that audits every realised money movement.
 *
 * @notes
 * - Amounts are whole Xu stored as int64. Fiat values are derived for display only.
 * - Ledger amounts are signed: deposits and refunds are positive, expenses negative.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a user's Xu wallet. Balance is spendable, Frozen is held in escrow
// against orders that have not settled yet.
type Account struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Frozen    int64     `json:"frozen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntryType classifies an audit row.
type LedgerEntryType string

const (
	LedgerEntryDeposit LedgerEntryType = "deposit"
	LedgerEntryExpense LedgerEntryType = "expense"
	LedgerEntryRefund  LedgerEntryType = "refund"
)

// LedgerEntry maps to the `ledger_entries` table. Rows are never updated or deleted.
type LedgerEntry struct {
	ID               uuid.UUID       `json:"id"`
	AccountID        uuid.UUID       `json:"account_id"`
	Type             LedgerEntryType `json:"type"`
	Amount           int64           `json:"amount"`
	RelatedOrderID   *uuid.UUID      `json:"related_order_id,omitempty"`
	RelatedPaymentID *uuid.UUID      `json:"related_payment_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// LedgerTotals aggregates an account's entries by type. Each field holds the
// absolute value of the summed amounts.
type LedgerTotals struct {
	Deposits int64 `json:"deposits"`
	Expenses int64 `json:"expenses"`
	Refunds  int64 `json:"refunds"`
}

// LedgerDiscrepancy is reported by the ledger audit when an account's totals
// no longer reproduce its balance and frozen amount.
type LedgerDiscrepancy struct {
	AccountID uuid.UUID    `json:"account_id"`
	Balance   int64        `json:"balance"`
	Frozen    int64        `json:"frozen"`
	Totals    LedgerTotals `json:"totals"`
}
