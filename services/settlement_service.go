// services/settlement_service.go
package services

import (
	"challenge-escrow-system/models"
	"challenge-escrow-system/utils"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

type SettlementService struct {
	DB             *gorm.DB
	Ledger         TokenLedger
	CustodyAddress string
	Locks          *ChallengeLocks
}

func NewSettlementService(db *gorm.DB, ledger TokenLedger, custodyAddress string, locks *ChallengeLocks) *SettlementService {
	return &SettlementService{
		DB:             db,
		Ledger:         ledger,
		CustodyAddress: custodyAddress,
		Locks:          locks,
	}
}

// SettleChallenge closes an expired challenge and disburses its pool.
//
// The default policy refunds every participant their entry amount. An explicit
// split (address -> amount) may be supplied by whoever owns scoring; it must
// cover exactly the remaining pool and name only participants. Winner
// selection itself is not a registry concern.
//
// Each payout is transferred and committed individually, so a ledger failure
// midway leaves the challenge open with the paid rows recorded; a retry
// resumes with the unpaid participants and can never pay anyone twice. The
// challenge is marked closed only after the pool has drained to 0, and a
// second settle fails with ErrAlreadyClosed.
func (s *SettlementService) SettleChallenge(ctx context.Context, challengeID int64, split map[string]int64) error {
	unlock := s.Locks.Lock(challengeID)
	defer unlock()

	var challenge models.Challenge
	if err := s.DB.First(&challenge, "id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChallengeNotFound
		}
		return fmt.Errorf("DB error loading challenge: %w", err)
	}

	if challenge.Status == models.ChallengeStatusClosed {
		return ErrAlreadyClosed
	}
	if time.Now().Before(challenge.EndsAt()) {
		return fmt.Errorf("%w: challenge %d runs until %s", ErrChallengeStillOpen, challengeID, challenge.EndsAt().Format(time.RFC3339))
	}

	var participants []models.Participation
	if err := s.DB.Where("challenge_id = ?", challengeID).
		Order("joined_at ASC").
		Find(&participants).Error; err != nil {
		return fmt.Errorf("DB error listing participants: %w", err)
	}

	var paid []models.SettlementPayout
	if err := s.DB.Where("challenge_id = ?", challengeID).Find(&paid).Error; err != nil {
		return fmt.Errorf("DB error listing payouts: %w", err)
	}
	alreadyPaid := make(map[string]bool, len(paid))
	for _, p := range paid {
		alreadyPaid[p.UserAddress] = true
	}

	plan, err := buildPayoutPlan(&challenge, participants, alreadyPaid, split)
	if err != nil {
		return err
	}

	for _, payout := range plan {
		var txID string
		if payout.Amount > 0 {
			txID, err = s.Ledger.Transfer(ctx, s.CustodyAddress, payout.UserAddress, payout.Amount)
			if err != nil {
				// Paid rows stay committed; the challenge stays open with the
				// remaining pool so a retry resumes here.
				return fmt.Errorf("payout to %s on challenge %d failed: %w", payout.UserAddress, challengeID, err)
			}
		}

		err = s.DB.Transaction(func(tx *gorm.DB) error {
			record := &models.SettlementPayout{
				ID:          uuid.NewString(),
				ChallengeID: challengeID,
				UserAddress: payout.UserAddress,
				Amount:      payout.Amount,
				LedgerTxID:  txID,
			}
			if err := tx.Create(record).Error; err != nil {
				return err
			}
			if payout.Amount > 0 {
				if err := tx.Create(&models.CustodyEntry{
					ID:          uuid.NewString(),
					ChallengeID: challengeID,
					UserAddress: payout.UserAddress,
					Direction:   models.CustodyDirectionPayout,
					Amount:      payout.Amount,
					LedgerTxID:  txID,
				}).Error; err != nil {
					return err
				}
				if err := tx.Model(&models.Challenge{}).
					Where("id = ?", challengeID).
					Update("total_pool", gorm.Expr("total_pool - ?", payout.Amount)).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			log.Printf("🚨 CRITICAL: payout to %s on challenge %d sent (tx %s) but not recorded: %v",
				payout.UserAddress, challengeID, txID, err)
			return fmt.Errorf("failed to record payout: %w", err)
		}
	}

	now := time.Now()
	if err := s.DB.Model(&models.Challenge{}).
		Where("id = ?", challengeID).
		Updates(map[string]interface{}{
			"status":     models.ChallengeStatusClosed,
			"settled_at": &now,
		}).Error; err != nil {
		return fmt.Errorf("failed to close challenge: %w", err)
	}

	log.Printf("✅ Settled challenge %d: %d payout(s) disbursed", challengeID, len(plan))

	s.archiveReport(ctx, &challenge)
	return nil
}

type plannedPayout struct {
	UserAddress string
	Amount      int64
}

// buildPayoutPlan computes the per-participant entitlements still owed.
// Invariant on return: the planned amounts sum to the challenge's remaining
// pool, and every unpaid participant appears exactly once.
func buildPayoutPlan(challenge *models.Challenge, participants []models.Participation, alreadyPaid map[string]bool, split map[string]int64) ([]plannedPayout, error) {
	isParticipant := make(map[string]bool, len(participants))
	for _, p := range participants {
		isParticipant[p.UserAddress] = true
	}
	for addr := range split {
		if !isParticipant[addr] {
			return nil, fmt.Errorf("%w: %s is not a participant of challenge %d", ErrInvalidParameters, addr, challenge.ID)
		}
		if alreadyPaid[addr] {
			return nil, fmt.Errorf("%w: %s was already paid out for challenge %d", ErrInvalidParameters, addr, challenge.ID)
		}
	}

	var plan []plannedPayout
	var sum int64
	for _, p := range participants {
		if alreadyPaid[p.UserAddress] {
			continue
		}
		amount := p.StakeAmount // refund split: everyone gets their stake back
		if split != nil {
			amount = split[p.UserAddress] // absent means 0, recorded as such
		}
		if amount < 0 {
			return nil, fmt.Errorf("%w: negative payout for %s", ErrInvalidParameters, p.UserAddress)
		}
		plan = append(plan, plannedPayout{UserAddress: p.UserAddress, Amount: amount})
		sum += amount
	}

	if sum != challenge.TotalPool {
		return nil, fmt.Errorf("%w: payout split sums to %d, pool holds %d", ErrInvalidParameters, sum, challenge.TotalPool)
	}
	return plan, nil
}

// SettleExpired settles every open challenge whose window has elapsed, using
// the refund split. Used by the scheduler; errors are logged per challenge so
// one stuck settlement doesn't block the rest.
func (s *SettlementService) SettleExpired(ctx context.Context) {
	var challenges []models.Challenge
	if err := s.DB.Where("status = ?", models.ChallengeStatusOpen).Find(&challenges).Error; err != nil {
		log.Printf("[Settlement] DB error: %v", err)
		return
	}

	now := time.Now()
	for _, ch := range challenges {
		if now.Before(ch.EndsAt()) {
			continue
		}
		if err := s.SettleChallenge(ctx, ch.ID, nil); err != nil {
			log.Printf("[Settlement] Failed to settle challenge %d: %v", ch.ID, err)
		} else {
			log.Printf("✅ Auto-settled expired challenge: %d (%s)", ch.ID, ch.Name)
		}
	}
}

// StartSettlementScheduler runs SettleExpired every minute.
func (s *SettlementService) StartSettlementScheduler(ctx context.Context) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			s.SettleExpired(ctx)
		}),
	)
}

// archiveReport uploads a JSON settlement report to R2 for audit. Best effort:
// a failed upload is logged and never blocks or reverts the settlement.
func (s *SettlementService) archiveReport(ctx context.Context, challenge *models.Challenge) {
	if !utils.R2Enabled() {
		return
	}

	var payouts []models.SettlementPayout
	if err := s.DB.Where("challenge_id = ?", challenge.ID).Find(&payouts).Error; err != nil {
		log.Printf("Failed to load payouts for settlement report of challenge %d: %v", challenge.ID, err)
		return
	}
	var entries []models.CustodyEntry
	if err := s.DB.Where("challenge_id = ?", challenge.ID).Order("recorded_at ASC").Find(&entries).Error; err != nil {
		log.Printf("Failed to load custody journal for settlement report of challenge %d: %v", challenge.ID, err)
		return
	}

	report := fiber.Map{
		"challenge_id":    challenge.ID,
		"challenge_name":  challenge.Name,
		"duration_days":   challenge.DurationDays,
		"entry_amount":    challenge.EntryAmount,
		"created_at":      challenge.CreatedAt,
		"settled_at":      time.Now().UTC(),
		"payouts":         payouts,
		"custody_journal": entries,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Printf("Failed to marshal settlement report for challenge %d: %v", challenge.ID, err)
		return
	}

	key := fmt.Sprintf("settlements/%d-%s.json", challenge.ID, slug.Make(challenge.Name))
	url, err := utils.UploadBytesToR2(ctx, key, data, "application/json")
	if err != nil {
		log.Printf("❌ Failed to archive settlement report for challenge %d: %v", challenge.ID, err)
		return
	}
	log.Printf("📄 Archived settlement report for challenge %d: %s", challenge.ID, url)
}

// --- Fiber endpoints ---

// SettleChallengeEndpoint settles a challenge, optionally with an explicit
// payout split from the external judge.
func (s *SettlementService) SettleChallengeEndpoint(c *fiber.Ctx) error {
	challengeID, err := parseChallengeID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid challenge ID"})
	}

	var req struct {
		Payouts map[string]int64 `json:"payouts"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	if err := s.SettleChallenge(c.UserContext(), challengeID, req.Payouts); err != nil {
		if StatusForError(err) == fiber.StatusInternalServerError {
			log.Printf("Error settling challenge %d: %v", challengeID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to settle challenge"})
		}
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "Challenge settled successfully", "challenge_id": challengeID})
}

// GetSettlementEndpoint returns the payout rows of a settled challenge.
func (s *SettlementService) GetSettlementEndpoint(c *fiber.Ctx) error {
	challengeID, err := parseChallengeID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid challenge ID"})
	}

	var challenge models.Challenge
	if err := s.DB.First(&challenge, "id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": ErrChallengeNotFound.Error()})
		}
		log.Printf("DB error fetching challenge %d: %v", challengeID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if challenge.Status != models.ChallengeStatusClosed {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": ErrChallengeStillOpen.Error()})
	}

	var payouts []models.SettlementPayout
	if err := s.DB.Where("challenge_id = ?", challengeID).Order("paid_at ASC").Find(&payouts).Error; err != nil {
		log.Printf("DB error fetching payouts for challenge %d: %v", challengeID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch settlement"})
	}

	return c.JSON(fiber.Map{
		"challenge_id": challengeID,
		"settled_at":   challenge.SettledAt,
		"payouts":      payouts,
	})
}
