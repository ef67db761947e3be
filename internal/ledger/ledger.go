/**
 * @description
 * Package ledger holds the WalletLedger: the only code allowed to change an
 * account's balance or frozen amount. Each mutator runs inside the caller's
 * transaction, locks the account row first, and appends the audit entry in the
 * same transaction as the balance change.
 *
 * @notes
 * - freeze moves Xu from balance to frozen and writes no entry: nothing has
 *   been spent yet.
 * - settle_complete realises the spend (expense), settle_release returns the
 *   escrow (refund), credit records a top-up (deposit).
 */

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/google/uuid"
)

// Store is the slice of store.Tx the ledger needs.
type Store interface {
	GetAccountForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	UpdateAccountBalances(ctx context.Context, accountID uuid.UUID, balance, frozen int64) error
	InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error
}

// WalletLedger applies the four money mutators.
type WalletLedger struct {
	newID func() uuid.UUID
}

// New returns a WalletLedger.
func New() *WalletLedger {
	return &WalletLedger{newID: uuid.New}
}

func positive(op string, amount int64) error {
	if amount <= 0 {
		return domain.NewValidationError(op, fmt.Sprintf("amount must be positive, got %d", amount))
	}
	return nil
}

// Freeze moves amount from balance into escrow.
func (l *WalletLedger) Freeze(ctx context.Context, tx Store, accountID uuid.UUID, amount int64) (*domain.Account, error) {
	if err := positive("ledger.freeze", amount); err != nil {
		return nil, err
	}
	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Balance < amount {
		return nil, domain.NewInsufficientBalanceError(accountID, amount, account.Balance)
	}

	account.Balance -= amount
	account.Frozen += amount
	if err := tx.UpdateAccountBalances(ctx, accountID, account.Balance, account.Frozen); err != nil {
		return nil, err
	}
	return account, nil
}

// SettleComplete realises a frozen amount as spent.
func (l *WalletLedger) SettleComplete(ctx context.Context, tx Store, accountID uuid.UUID, amount int64, orderID uuid.UUID) (*domain.Account, error) {
	account, err := l.releaseFrozen(ctx, tx, "ledger.settle_complete", accountID, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateAccountBalances(ctx, accountID, account.Balance, account.Frozen); err != nil {
		return nil, err
	}
	if err := l.appendEntry(ctx, tx, accountID, domain.LedgerEntryExpense, -amount, &orderID, nil); err != nil {
		return nil, err
	}
	return account, nil
}

// SettleRelease returns a frozen amount to the spendable balance.
func (l *WalletLedger) SettleRelease(ctx context.Context, tx Store, accountID uuid.UUID, amount int64, orderID uuid.UUID) (*domain.Account, error) {
	account, err := l.releaseFrozen(ctx, tx, "ledger.settle_release", accountID, amount)
	if err != nil {
		return nil, err
	}
	account.Balance += amount
	if err := tx.UpdateAccountBalances(ctx, accountID, account.Balance, account.Frozen); err != nil {
		return nil, err
	}
	if err := l.appendEntry(ctx, tx, accountID, domain.LedgerEntryRefund, amount, &orderID, nil); err != nil {
		return nil, err
	}
	return account, nil
}

// Credit adds a confirmed top-up to the spendable balance.
func (l *WalletLedger) Credit(ctx context.Context, tx Store, accountID uuid.UUID, amount int64, paymentID uuid.UUID) (*domain.Account, error) {
	if err := positive("ledger.credit", amount); err != nil {
		return nil, err
	}
	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	account.Balance += amount
	if err := tx.UpdateAccountBalances(ctx, accountID, account.Balance, account.Frozen); err != nil {
		return nil, err
	}
	if err := l.appendEntry(ctx, tx, accountID, domain.LedgerEntryDeposit, amount, nil, &paymentID); err != nil {
		return nil, err
	}
	return account, nil
}

func (l *WalletLedger) releaseFrozen(ctx context.Context, tx Store, op string, accountID uuid.UUID, amount int64) (*domain.Account, error) {
	if err := positive(op, amount); err != nil {
		return nil, err
	}
	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Frozen < amount {
		// Escrow was never taken for this amount; settling would mint or burn Xu.
		return nil, domain.NewConflictError(op, fmt.Sprintf("frozen %d is less than settlement amount %d", account.Frozen, amount))
	}
	account.Frozen -= amount
	return account, nil
}

func (l *WalletLedger) appendEntry(ctx context.Context, tx Store, accountID uuid.UUID, entryType domain.LedgerEntryType, amount int64, orderID, paymentID *uuid.UUID) error {
	entry := &domain.LedgerEntry{
		ID:               l.newID(),
		AccountID:        accountID,
		Type:             entryType,
		Amount:           amount,
		RelatedOrderID:   orderID,
		RelatedPaymentID: paymentID,
		CreatedAt:        time.Now().UTC(),
	}
	return tx.InsertLedgerEntry(ctx, entry)
}

// Reconciles reports whether an account's ledger totals reproduce its balance
// and frozen amount. Refund entries record escrow that came back and are
// excluded: a refunded freeze never left balance+frozen in the first place.
func Reconciles(account domain.Account, totals domain.LedgerTotals) bool {
	return account.Balance+account.Frozen == totals.Deposits-totals.Expenses
}
