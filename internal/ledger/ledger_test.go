package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fundedAccount(t *testing.T, repo *store.MemoryRepository, l *WalletLedger, amount int64) *domain.Account {
	t.Helper()
	ctx := context.Background()
	account, err := repo.FindOrCreateAccountByUserID(ctx, "user_"+uuid.NewString())
	require.NoError(t, err)
	if amount > 0 {
		require.NoError(t, repo.WithTx(ctx, func(tx store.Tx) error {
			_, err := l.Credit(ctx, tx, account.ID, amount, uuid.New())
			return err
		}))
	}
	account, err = repo.FindAccountByID(ctx, account.ID)
	require.NoError(t, err)
	return account
}

func assertReconciles(t *testing.T, repo *store.MemoryRepository, accountID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	account, err := repo.FindAccountByID(ctx, accountID)
	require.NoError(t, err)
	totals, err := repo.GetLedgerTotals(ctx, accountID)
	require.NoError(t, err)
	assert.Truef(t, Reconciles(*account, totals), "balance=%d frozen=%d totals=%+v", account.Balance, account.Frozen, totals)
}

func TestFreezeThenComplete_RecordsExpense(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	l := New()
	account := fundedAccount(t, repo, l, 1000)
	orderID := uuid.New()

	require.NoError(t, repo.WithTx(ctx, func(tx store.Tx) error {
		acct, err := l.Freeze(ctx, tx, account.ID, 300)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(700), acct.Balance)
		assert.Equal(t, int64(300), acct.Frozen)
		return nil
	}))
	assertReconciles(t, repo, account.ID)

	require.NoError(t, repo.WithTx(ctx, func(tx store.Tx) error {
		_, err := l.SettleComplete(ctx, tx, account.ID, 300, orderID)
		return err
	}))

	got, err := repo.FindAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.Balance)
	assert.Equal(t, int64(0), got.Frozen)

	entries, err := repo.ListLedgerEntries(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.LedgerEntryExpense, entries[0].Type)
	assert.Equal(t, int64(-300), entries[0].Amount)
	require.NotNil(t, entries[0].RelatedOrderID)
	assert.Equal(t, orderID, *entries[0].RelatedOrderID)
	assertReconciles(t, repo, account.ID)
}

func TestFreezeThenRelease_RestoresBalanceExactly(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	l := New()
	account := fundedAccount(t, repo, l, 1000)

	require.NoError(t, repo.WithTx(ctx, func(tx store.Tx) error {
		if _, err := l.Freeze(ctx, tx, account.ID, 300); err != nil {
			return err
		}
		// A second order keeps its own escrow through the release below.
		_, err := l.Freeze(ctx, tx, account.ID, 200)
		return err
	}))

	require.NoError(t, repo.WithTx(ctx, func(tx store.Tx) error {
		_, err := l.SettleRelease(ctx, tx, account.ID, 300, uuid.New())
		return err
	}))

	got, err := repo.FindAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(800), got.Balance)
	assert.Equal(t, int64(200), got.Frozen)

	entries, err := repo.ListLedgerEntries(ctx, account.ID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LedgerEntryRefund, entries[0].Type)
	assert.Equal(t, int64(300), entries[0].Amount)
	assertReconciles(t, repo, account.ID)
}

func TestFreeze_InsufficientBalanceLeavesAccountUntouched(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	l := New()
	account := fundedAccount(t, repo, l, 100)

	err := repo.WithTx(ctx, func(tx store.Tx) error {
		_, err := l.Freeze(ctx, tx, account.ID, 101)
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))

	got, err := repo.FindAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.Equal(t, int64(0), got.Frozen)
}

func TestSettle_RejectsAmountAboveFrozen(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	l := New()
	account := fundedAccount(t, repo, l, 500)

	err := repo.WithTx(ctx, func(tx store.Tx) error {
		_, err := l.SettleComplete(ctx, tx, account.ID, 50, uuid.New())
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrConflict))

	err = repo.WithTx(ctx, func(tx store.Tx) error {
		_, err := l.SettleRelease(ctx, tx, account.ID, 50, uuid.New())
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assertReconciles(t, repo, account.ID)
}

func TestMutators_RejectNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	l := New()
	account := fundedAccount(t, repo, l, 500)

	_ = repo.WithTx(ctx, func(tx store.Tx) error {
		_, err := l.Freeze(ctx, tx, account.ID, 0)
		assert.True(t, errors.Is(err, domain.ErrValidation))
		_, err = l.Credit(ctx, tx, account.ID, -5, uuid.New())
		assert.True(t, errors.Is(err, domain.ErrValidation))
		return nil
	})
}

func TestConcurrentFreezes_NeverOverdraw(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	l := New()
	account := fundedAccount(t, repo, l, 1000)

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.WithTx(ctx, func(tx store.Tx) error {
				_, err := l.Freeze(ctx, tx, account.ID, 300)
				return err
			})
		}()
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, attempts-3, insufficient)

	got, err := repo.FindAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.Equal(t, int64(900), got.Frozen)
	assertReconciles(t, repo, account.ID)
}
