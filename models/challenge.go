package models

import (
	"time"
)

type ChallengeStatus string

const (
	ChallengeStatusOpen   ChallengeStatus = "open"
	ChallengeStatusClosed ChallengeStatus = "closed"
)

// Challenge is a time-boxed staking pool. Every participant posts exactly
// EntryAmount (token base units) into registry custody; TotalPool is the sum
// of stakes currently held for the challenge and is mutated only by join and
// settlement. IDs are sequential starting at 0 and never reused.
type Challenge struct {
	ID           int64           `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Name         string          `json:"name" gorm:"not null"`
	DurationDays int             `json:"duration_days" gorm:"not null"`
	EntryAmount  int64           `json:"entry_amount" gorm:"not null"`
	TotalPool    int64           `json:"total_pool" gorm:"not null;default:0"`
	Status       ChallengeStatus `json:"status" gorm:"type:varchar(16);not null;default:'open'"`
	CreatedAt    time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`

	// Relationships
	Participations []Participation `json:"participations,omitempty" gorm:"foreignKey:ChallengeID"`

	// Calculated fields (not stored in DB)
	ParticipantCount int64 `json:"participant_count,omitempty" gorm:"-"`
}

// EndsAt is the end of the challenge's active window. Joins are accepted up to
// this instant; settlement is accepted from it onward.
func (c *Challenge) EndsAt() time.Time {
	return c.CreatedAt.AddDate(0, 0, c.DurationDays)
}

// Participation records one user's membership in one challenge.
// A user may join a given challenge at most once — enforced by the unique
// index on (challenge_id, user_address) in addition to the service-level lock.
type Participation struct {
	ID          string    `json:"id" gorm:"primaryKey;type:uuid"`
	ChallengeID int64     `json:"challenge_id" gorm:"not null;uniqueIndex:idx_participation_challenge_user"`
	UserAddress string    `json:"user_address" gorm:"type:varchar(128);not null;index;uniqueIndex:idx_participation_challenge_user"`
	StakeAmount int64     `json:"stake_amount" gorm:"not null"`
	DepositTxID string    `json:"deposit_tx_id"`
	JoinedAt    time.Time `json:"joined_at" gorm:"autoCreateTime"`
}

// CustodyEntry is the journal of token movements in and out of the registry's
// custody address, one row per external-ledger transfer. The sum of deposits
// minus payouts for a challenge must always reconcile with its TotalPool.
type CustodyEntry struct {
	ID          string    `json:"id" gorm:"primaryKey;type:uuid"`
	ChallengeID int64     `json:"challenge_id" gorm:"not null;index"`
	UserAddress string    `json:"user_address" gorm:"type:varchar(128);not null"`
	Direction   string    `json:"direction" gorm:"type:varchar(16);not null"` // deposit, payout
	Amount      int64     `json:"amount" gorm:"not null"`
	LedgerTxID  string    `json:"ledger_tx_id"`
	RecordedAt  time.Time `json:"recorded_at" gorm:"autoCreateTime"`
}

const (
	CustodyDirectionDeposit = "deposit"
	CustodyDirectionPayout  = "payout"
)

// SettlementPayout is one participant's share of a settled pool. Zero-amount
// rows are recorded too (a participant directed to receive nothing is still
// accounted for exactly once). The unique index makes settlement resumable
// without double-paying anyone.
type SettlementPayout struct {
	ID          string    `json:"id" gorm:"primaryKey;type:uuid"`
	ChallengeID int64     `json:"challenge_id" gorm:"not null;uniqueIndex:idx_payout_challenge_user"`
	UserAddress string    `json:"user_address" gorm:"type:varchar(128);not null;uniqueIndex:idx_payout_challenge_user"`
	Amount      int64     `json:"amount" gorm:"not null"`
	LedgerTxID  string    `json:"ledger_tx_id"`
	PaidAt      time.Time `json:"paid_at" gorm:"autoCreateTime"`
}

// MiniChallenge is a brief summary of a challenge for listing views.
type MiniChallenge struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	DurationDays     int             `json:"duration_days"`
	EntryAmount      int64           `json:"entry_amount"`
	TotalPool        int64           `json:"total_pool"`
	Status           ChallengeStatus `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	EndsAt           time.Time       `json:"ends_at"`
	ParticipantCount int64           `json:"participant_count"`
}
