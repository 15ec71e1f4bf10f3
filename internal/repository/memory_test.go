package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/licensebot/internal/model"
)

func newOrder(id string, chatID int64, kind model.OrderKind) model.Order {
	now := time.Now()
	return model.Order{
		ID:        id,
		ChatID:    chatID,
		Product:   model.ProductFF,
		Kind:      kind,
		Days:      7,
		Price:     80000,
		Points:    5,
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
}

func TestReplaceActiveOrder_Supersedes(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	cancelled, err := repo.ReplaceActiveOrder(ctx, newOrder("o1", 1, model.KindNew))
	require.NoError(t, err)
	assert.Empty(t, cancelled)

	cancelled, err = repo.ReplaceActiveOrder(ctx, newOrder("o2", 1, model.KindNew))
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "o1", cancelled[0].ID)
	assert.Equal(t, model.OrderStateCancelled, cancelled[0].State)
	assert.NotNil(t, cancelled[0].ResolvedAt)

	active, err := repo.ListActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "o2", active[0].ID)

	// Заказ другого чата не затрагивается.
	cancelled, err = repo.ReplaceActiveOrder(ctx, newOrder("o3", 2, model.KindNew))
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestCommitOrder_AssignsKeyAndCreditsPoints(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.AddLicenseKeys(ctx, model.ProductFF, []string{"KEY-1", "KEY-2"})
	require.NoError(t, err)
	_, err = repo.ReplaceActiveOrder(ctx, newOrder("o1", 1, model.KindNew))
	require.NoError(t, err)

	receipt, err := repo.CommitOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "KEY-1", receipt.License.Key)
	assert.Equal(t, model.OrderStateCommitted, receipt.Order.State)
	assert.Equal(t, "KEY-1", receipt.Order.LicenseKey)
	assert.EqualValues(t, 5, receipt.Balance)

	left, err := repo.AvailableKeys(ctx, model.ProductFF)
	require.NoError(t, err)
	assert.EqualValues(t, 1, left)

	_, err = repo.CommitOrder(ctx, "o1")
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = repo.ExpireOrder(ctx, "o1")
	assert.ErrorIs(t, err, ErrStateConflict)

	points, err := repo.GetPoints(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 5, points, "second commit must not credit again")
}

func TestCommitOrder_EmptyPoolFailsOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.ReplaceActiveOrder(ctx, newOrder("o1", 1, model.KindNew))
	require.NoError(t, err)

	receipt, err := repo.CommitOrder(ctx, "o1")
	assert.ErrorIs(t, err, ErrNoInventory)
	assert.Equal(t, model.OrderStateFailed, receipt.Order.State)

	points, _ := repo.GetPoints(ctx, 1)
	assert.Zero(t, points)

	rec := repo.Reconciliations()
	require.Len(t, rec, 1)
	assert.Equal(t, "o1", rec[0].OrderID)
}

func TestCommitOrder_Redeem(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.AddPoints(1, 30)

	_, err := repo.AddLicenseKeys(ctx, model.ProductFF, []string{"KEY-1"})
	require.NoError(t, err)

	o := newOrder("o1", 1, model.KindRedeem)
	o.Points = 24
	o.Price = 0
	_, err = repo.ReplaceActiveOrder(ctx, o)
	require.NoError(t, err)

	receipt, err := repo.CommitOrder(ctx, "o1")
	require.NoError(t, err)
	assert.EqualValues(t, 6, receipt.Balance)

	o2 := newOrder("o2", 1, model.KindRedeem)
	o2.Points = 12
	_, err = repo.ReplaceActiveOrder(ctx, o2)
	require.NoError(t, err)

	receipt, err = repo.CommitOrder(ctx, "o2")
	assert.ErrorIs(t, err, ErrInsufficientPoints)
	assert.Equal(t, model.OrderStateCancelled, receipt.Order.State)

	points, _ := repo.GetPoints(ctx, 1)
	assert.EqualValues(t, 6, points)
}

func TestCommitOrder_Extend(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	_, err := repo.AddLicenseKeys(ctx, model.ProductFF, []string{"KEY-1"})
	require.NoError(t, err)
	_, err = repo.ReplaceActiveOrder(ctx, newOrder("o1", 1, model.KindNew))
	require.NoError(t, err)
	first, err := repo.CommitOrder(ctx, "o1")
	require.NoError(t, err)

	ext := newOrder("o2", 1, model.KindExtend)
	ext.TargetKey = "KEY-1"
	ext.Days = 3
	ext.Points = 2
	_, err = repo.ReplaceActiveOrder(ctx, ext)
	require.NoError(t, err)

	receipt, err := repo.CommitOrder(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, "KEY-1", receipt.License.Key)
	assert.Equal(t, first.License.ExpiresAt.AddDate(0, 0, 3), receipt.License.ExpiresAt)
	assert.EqualValues(t, 7, receipt.Balance)

	foreign := newOrder("o3", 2, model.KindExtend)
	foreign.TargetKey = "KEY-1"
	_, err = repo.ReplaceActiveOrder(ctx, foreign)
	require.NoError(t, err)

	receipt, err = repo.CommitOrder(ctx, "o3")
	assert.ErrorIs(t, err, ErrLicenseNotFound)
	assert.Equal(t, model.OrderStateFailed, receipt.Order.State)
}

func TestCommitAndExpireRace(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	const trials = 200
	keys := make([]string, trials)
	for i := range keys {
		keys[i] = fmt.Sprintf("KEY-%d", i)
	}
	_, err := repo.AddLicenseKeys(ctx, model.ProductFF, keys)
	require.NoError(t, err)

	var committed, expired int
	for i := 0; i < trials; i++ {
		id := fmt.Sprintf("o%d", i)
		_, err := repo.ReplaceActiveOrder(ctx, newOrder(id, int64(i), model.KindNew))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var commitErr, expireErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, commitErr = repo.CommitOrder(ctx, id)
		}()
		go func() {
			defer wg.Done()
			_, expireErr = repo.ExpireOrder(ctx, id)
		}()
		wg.Wait()

		require.True(t, (commitErr == nil) != (expireErr == nil), "exactly one transition must win: %v / %v", commitErr, expireErr)
		if commitErr == nil {
			committed++
		} else {
			expired++
		}
	}

	var credited int64
	for i := 0; i < trials; i++ {
		p, _ := repo.GetPoints(ctx, int64(i))
		credited += p
	}
	left, _ := repo.AvailableKeys(ctx, model.ProductFF)

	assert.EqualValues(t, committed*5, credited)
	assert.EqualValues(t, trials-committed, left)
	assert.Equal(t, trials, committed+expired)
}

func TestAddLicenseKeys_SkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	added, err := repo.AddLicenseKeys(ctx, model.ProductFF, []string{"A", "B", "A"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, added)

	added, err = repo.AddLicenseKeys(ctx, model.ProductFFMax, []string{"B", "C"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, added)
}

func TestTransition_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.CancelOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
