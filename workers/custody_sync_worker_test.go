package workers

import (
	"context"
	"testing"

	"challenge-escrow-system/models"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// staticLedger satisfies services.TokenLedger with a fixed custody balance;
// reconciliation only reads BalanceOf.
type staticLedger struct {
	custodyBalance int64
}

func (l *staticLedger) TransferFrom(ctx context.Context, owner, spender string, amount int64) (string, error) {
	return "", nil
}

func (l *staticLedger) Transfer(ctx context.Context, from, to string, amount int64) (string, error) {
	return "", nil
}

func (l *staticLedger) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	return 0, nil
}

func (l *staticLedger) BalanceOf(ctx context.Context, address string) (int64, error) {
	return l.custodyBalance, nil
}

func TestCustodyReconciler_Reconcile(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:reconcile?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&models.Challenge{}, &models.Participation{}))

	challenges := []models.Challenge{
		{ID: 0, Name: "A", DurationDays: 7, EntryAmount: 100, TotalPool: 300, Status: models.ChallengeStatusOpen},
		{ID: 1, Name: "B", DurationDays: 7, EntryAmount: 50, TotalPool: 100, Status: models.ChallengeStatusOpen},
		// Closed pools are already disbursed and excluded from the claim.
		{ID: 2, Name: "C", DurationDays: 7, EntryAmount: 10, TotalPool: 0, Status: models.ChallengeStatusClosed},
	}
	assert.NoError(t, db.Create(&challenges).Error)

	t.Run("balanced custody", func(t *testing.T) {
		reconciler := NewCustodyReconciler(db, &staticLedger{custodyBalance: 400}, "0xCUSTODY")
		delta, err := reconciler.Reconcile(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, int64(0), delta)
	})

	t.Run("custody drift", func(t *testing.T) {
		reconciler := NewCustodyReconciler(db, &staticLedger{custodyBalance: 350}, "0xCUSTODY")
		delta, err := reconciler.Reconcile(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, int64(-50), delta)
	})
}
