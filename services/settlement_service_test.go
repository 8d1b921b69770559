package services

import (
	"context"
	"testing"

	"challenge-escrow-system/models"

	"github.com/stretchr/testify/assert"
)

// newSettledFixture creates a challenge with two funded participants and an
// elapsed window, ready to settle.
func newSettledFixture(t *testing.T) (*ChallengeService, *SettlementService, *fakeLedger) {
	t.Helper()
	ctx := context.Background()

	challengeService, ledger := newTestChallengeService(t)
	settlementService := NewSettlementService(
		challengeService.DB, ledger, testCustody, challengeService.Locks)

	fundAndApprove(ledger, userAlice, 100)
	fundAndApprove(ledger, userBob, 100)

	challenge, err := challengeService.CreateChallenge("Fitness Challenge", 7, 100)
	assert.NoError(t, err)
	assert.NoError(t, challengeService.JoinChallenge(ctx, challenge.ID, userAlice))
	assert.NoError(t, challengeService.JoinChallenge(ctx, challenge.ID, userBob))
	backdateChallenge(t, challengeService.DB, challenge.ID, 8)

	return challengeService, settlementService, ledger
}

func TestSettleChallenge_BeforeExpiry(t *testing.T) {
	ctx := context.Background()
	challengeService, ledger := newTestChallengeService(t)
	settlementService := NewSettlementService(
		challengeService.DB, ledger, testCustody, challengeService.Locks)

	challenge, err := challengeService.CreateChallenge("Fitness Challenge", 7, 100)
	assert.NoError(t, err)

	err = settlementService.SettleChallenge(ctx, challenge.ID, nil)
	assert.ErrorIs(t, err, ErrChallengeStillOpen)

	got, err := challengeService.GetChallenge(challenge.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusOpen, got.Status)
}

func TestSettleChallenge_UnknownChallenge(t *testing.T) {
	challengeService, ledger := newTestChallengeService(t)
	settlementService := NewSettlementService(
		challengeService.DB, ledger, testCustody, challengeService.Locks)

	err := settlementService.SettleChallenge(context.Background(), 7, nil)
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestSettleChallenge_RefundSplit(t *testing.T) {
	ctx := context.Background()
	challengeService, settlementService, ledger := newSettledFixture(t)

	assert.NoError(t, settlementService.SettleChallenge(ctx, 0, nil))

	// Pool drained, challenge closed, stakes back with their owners.
	got, err := challengeService.GetChallenge(0)
	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusClosed, got.Status)
	assert.Equal(t, int64(0), got.TotalPool)
	assert.NotNil(t, got.SettledAt)
	assert.Equal(t, int64(0), ledger.balance(testCustody))
	assert.Equal(t, int64(100), ledger.balance(userAlice))
	assert.Equal(t, int64(100), ledger.balance(userBob))

	var payouts []models.SettlementPayout
	assert.NoError(t, challengeService.DB.Where("challenge_id = ?", 0).Find(&payouts).Error)
	assert.Len(t, payouts, 2)
	for _, p := range payouts {
		assert.Equal(t, int64(100), p.Amount)
		assert.NotEmpty(t, p.LedgerTxID)
	}

	// Settling twice never re-disburses.
	err = settlementService.SettleChallenge(ctx, 0, nil)
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	assert.Equal(t, int64(100), ledger.balance(userAlice))
	assert.Equal(t, int64(100), ledger.balance(userBob))

	// Membership history survives settlement.
	participating, err := challengeService.IsParticipating(userAlice, 0)
	assert.NoError(t, err)
	assert.True(t, participating)
}

func TestSettleChallenge_ExplicitSplit(t *testing.T) {
	ctx := context.Background()
	challengeService, settlementService, ledger := newSettledFixture(t)

	// External judge sends the whole pool to Alice; Bob is recorded at 0.
	split := map[string]int64{userAlice: 200, userBob: 0}
	assert.NoError(t, settlementService.SettleChallenge(ctx, 0, split))

	assert.Equal(t, int64(200), ledger.balance(userAlice))
	assert.Equal(t, int64(0), ledger.balance(userBob))
	assert.Equal(t, int64(0), ledger.balance(testCustody))

	var payouts []models.SettlementPayout
	assert.NoError(t, challengeService.DB.
		Where("challenge_id = ?", 0).Order("amount DESC").Find(&payouts).Error)
	assert.Len(t, payouts, 2, "zero-amount entitlements are still accounted for")
	assert.Equal(t, int64(200), payouts[0].Amount)
	assert.Equal(t, int64(0), payouts[1].Amount)
	assert.Empty(t, payouts[1].LedgerTxID, "no ledger transfer for a zero payout")
}

func TestSettleChallenge_InvalidSplit(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		split map[string]int64
	}{
		{name: "sum below pool", split: map[string]int64{userAlice: 100, userBob: 50}},
		{name: "sum above pool", split: map[string]int64{userAlice: 200, userBob: 100}},
		{name: "negative payout", split: map[string]int64{userAlice: 300, userBob: -100}},
		{name: "non-participant", split: map[string]int64{userAlice: 100, "0xSTRANGER": 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challengeService, settlementService, ledger := newSettledFixture(t)

			err := settlementService.SettleChallenge(ctx, 0, tt.split)
			assert.ErrorIs(t, err, ErrInvalidParameters)

			// Nothing moved, challenge still open.
			got, err := challengeService.GetChallenge(0)
			assert.NoError(t, err)
			assert.Equal(t, models.ChallengeStatusOpen, got.Status)
			assert.Equal(t, int64(200), got.TotalPool)
			assert.Equal(t, int64(200), ledger.balance(testCustody))
		})
	}
}

func TestSettleChallenge_TransferFailureResumes(t *testing.T) {
	ctx := context.Background()
	challengeService, settlementService, ledger := newSettledFixture(t)

	// First attempt: Bob's payout bounces. Alice's stays committed.
	ledger.rejectTransferTo[userBob] = true
	err := settlementService.SettleChallenge(ctx, 0, nil)
	assert.ErrorIs(t, err, ErrTransferFailed)

	got, err := challengeService.GetChallenge(0)
	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusOpen, got.Status, "challenge stays open until the pool drains")
	assert.Equal(t, int64(100), got.TotalPool, "only the committed payout left the pool")
	assert.Equal(t, int64(100), ledger.balance(userAlice))
	assert.Equal(t, int64(0), ledger.balance(userBob))

	var payouts []models.SettlementPayout
	assert.NoError(t, challengeService.DB.Where("challenge_id = ?", 0).Find(&payouts).Error)
	assert.Len(t, payouts, 1)
	assert.Equal(t, userAlice, payouts[0].UserAddress)

	// Retry: resumes with Bob only; Alice is never paid twice.
	ledger.rejectTransferTo[userBob] = false
	assert.NoError(t, settlementService.SettleChallenge(ctx, 0, nil))

	got, err = challengeService.GetChallenge(0)
	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusClosed, got.Status)
	assert.Equal(t, int64(0), got.TotalPool)
	assert.Equal(t, int64(100), ledger.balance(userAlice), "no double payout on retry")
	assert.Equal(t, int64(100), ledger.balance(userBob))
}

func TestSettleExpired(t *testing.T) {
	ctx := context.Background()
	challengeService, ledger := newTestChallengeService(t)
	settlementService := NewSettlementService(
		challengeService.DB, ledger, testCustody, challengeService.Locks)

	fundAndApprove(ledger, userAlice, 200)

	// One expired challenge, one still running.
	expired, err := challengeService.CreateChallenge("Last Week", 7, 100)
	assert.NoError(t, err)
	assert.NoError(t, challengeService.JoinChallenge(ctx, expired.ID, userAlice))
	backdateChallenge(t, challengeService.DB, expired.ID, 8)

	running, err := challengeService.CreateChallenge("This Week", 7, 100)
	assert.NoError(t, err)
	assert.NoError(t, challengeService.JoinChallenge(ctx, running.ID, userAlice))

	settlementService.SettleExpired(ctx)

	got, err := challengeService.GetChallenge(expired.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusClosed, got.Status)

	got, err = challengeService.GetChallenge(running.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.ChallengeStatusOpen, got.Status)
	assert.Equal(t, int64(100), got.TotalPool)
}
