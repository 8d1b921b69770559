package services

import (
	"challenge-escrow-system/models"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ChallengeService struct {
	DB             *gorm.DB
	Ledger         TokenLedger
	CustodyAddress string
	Locks          *ChallengeLocks

	// Serializes id allocation: under read-committed, two concurrent creates
	// could both compute max(id)+1 and collide on the primary key.
	createMu sync.Mutex
}

func NewChallengeService(db *gorm.DB, ledger TokenLedger, custodyAddress string, locks *ChallengeLocks) *ChallengeService {
	return &ChallengeService{
		DB:             db,
		Ledger:         ledger,
		CustodyAddress: custodyAddress,
		Locks:          locks,
	}
}

// --- Core registry operations ---

// CreateChallenge allocates a new challenge with the next sequential id
// (starting at 0). No token movement occurs at creation.
func (s *ChallengeService) CreateChallenge(name string, durationDays int, entryAmount int64) (*models.Challenge, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidParameters)
	}
	if durationDays <= 0 {
		return nil, fmt.Errorf("%w: duration_days must be positive", ErrInvalidParameters)
	}
	if entryAmount <= 0 {
		return nil, fmt.Errorf("%w: entry_amount must be positive", ErrInvalidParameters)
	}

	challenge := &models.Challenge{
		Name:         name,
		DurationDays: durationDays,
		EntryAmount:  entryAmount,
		TotalPool:    0,
		Status:       models.ChallengeStatusOpen,
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		// Sequential ids start at 0; DB autoincrement would start at 1.
		var maxID int64
		if err := tx.Model(&models.Challenge{}).
			Select("COALESCE(MAX(id), -1)").Scan(&maxID).Error; err != nil {
			return err
		}
		challenge.ID = maxID + 1
		return tx.Create(challenge).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}

	log.Printf("✅ Created challenge %d (%q, %d days, entry %d)",
		challenge.ID, challenge.Name, challenge.DurationDays, challenge.EntryAmount)
	return challenge, nil
}

// JoinChallenge pulls exactly entryAmount from caller into registry custody
// and records the membership. The local reservation and the ledger pull are
// one logical transaction: the participation row and pool increment are
// written inside a DB transaction that only commits after the ledger
// confirmed the pull, so any failure leaves state unchanged. Exactly one
// transferFrom call happens per successful join; precondition failures make
// zero transfer calls.
func (s *ChallengeService) JoinChallenge(ctx context.Context, challengeID int64, caller string) error {
	if caller == "" {
		return fmt.Errorf("%w: caller address must not be empty", ErrInvalidParameters)
	}

	unlock := s.Locks.Lock(challengeID)
	defer unlock()

	var challenge models.Challenge
	if err := s.DB.First(&challenge, "id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChallengeNotFound
		}
		return fmt.Errorf("DB error loading challenge: %w", err)
	}

	if challenge.Status != models.ChallengeStatusOpen {
		return fmt.Errorf("%w: challenge %d is settled", ErrChallengeClosed, challengeID)
	}
	if time.Now().After(challenge.EndsAt()) {
		// Expired but not yet settled: no longer joinable.
		return fmt.Errorf("%w: challenge %d ended %s", ErrChallengeClosed, challengeID, challenge.EndsAt().Format(time.RFC3339))
	}

	var existing int64
	if err := s.DB.Model(&models.Participation{}).
		Where("challenge_id = ? AND user_address = ?", challengeID, caller).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("DB error checking participation: %w", err)
	}
	if existing > 0 {
		return ErrAlreadyJoined
	}

	// Precondition checks against the external ledger — no transfer yet.
	allowance, err := s.Ledger.Allowance(ctx, caller, s.CustodyAddress)
	if err != nil {
		return fmt.Errorf("%w: allowance check failed: %v", ErrTransferFailed, err)
	}
	if allowance < challenge.EntryAmount {
		return fmt.Errorf("%w: allowance %d below entry amount %d", ErrTransferFailed, allowance, challenge.EntryAmount)
	}
	balance, err := s.Ledger.BalanceOf(ctx, caller)
	if err != nil {
		return fmt.Errorf("%w: balance check failed: %v", ErrTransferFailed, err)
	}
	if balance < challenge.EntryAmount {
		return fmt.Errorf("%w: balance %d below entry amount %d", ErrTransferFailed, balance, challenge.EntryAmount)
	}

	var depositTxID string
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// Reserve locally first; nothing is visible until commit.
		if err := tx.Model(&models.Challenge{}).
			Where("id = ?", challengeID).
			Update("total_pool", gorm.Expr("total_pool + ?", challenge.EntryAmount)).Error; err != nil {
			return err
		}

		participation := &models.Participation{
			ID:          uuid.NewString(),
			ChallengeID: challengeID,
			UserAddress: caller,
			StakeAmount: challenge.EntryAmount,
		}
		if err := tx.Create(participation).Error; err != nil {
			return err
		}

		// Confirm with the ledger; an error here rolls the reservation back.
		txID, err := s.Ledger.TransferFrom(ctx, caller, s.CustodyAddress, challenge.EntryAmount)
		if err != nil {
			return err
		}
		depositTxID = txID

		if err := tx.Model(participation).Update("deposit_tx_id", txID).Error; err != nil {
			return err
		}
		return tx.Create(&models.CustodyEntry{
			ID:          uuid.NewString(),
			ChallengeID: challengeID,
			UserAddress: caller,
			Direction:   models.CustodyDirectionDeposit,
			Amount:      challenge.EntryAmount,
			LedgerTxID:  txID,
		}).Error
	})
	if err != nil {
		if depositTxID != "" {
			// The pull succeeded but the local commit did not: compensate by
			// returning the stake so the ledger and our books stay reconciled.
			if _, refundErr := s.Ledger.Transfer(ctx, s.CustodyAddress, caller, challenge.EntryAmount); refundErr != nil {
				log.Printf("🚨 CRITICAL: join rollback refund failed for %s on challenge %d (deposit tx %s): %v",
					caller, challengeID, depositTxID, refundErr)
			} else {
				log.Printf("↩️  Refunded %d to %s after failed join commit on challenge %d",
					challenge.EntryAmount, caller, challengeID)
			}
			return fmt.Errorf("%w: join could not be committed: %v", ErrTransferFailed, err)
		}
		return err
	}

	log.Printf("✅ %s joined challenge %d (stake %d, tx %s)", caller, challengeID, challenge.EntryAmount, depositTxID)
	return nil
}

// IsParticipating reports whether user has a participation record for the
// challenge. Unknown challenge ids fail with ErrChallengeNotFound rather than
// returning false, so caller typos surface instead of hiding.
func (s *ChallengeService) IsParticipating(user string, challengeID int64) (bool, error) {
	var exists int64
	if err := s.DB.Model(&models.Challenge{}).Where("id = ?", challengeID).Count(&exists).Error; err != nil {
		return false, fmt.Errorf("DB error loading challenge: %w", err)
	}
	if exists == 0 {
		return false, ErrChallengeNotFound
	}

	var count int64
	if err := s.DB.Model(&models.Participation{}).
		Where("challenge_id = ? AND user_address = ?", challengeID, user).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("DB error checking participation: %w", err)
	}
	return count > 0, nil
}

// GetChallenge returns the challenge record with its participant count.
func (s *ChallengeService) GetChallenge(challengeID int64) (*models.Challenge, error) {
	var challenge models.Challenge
	if err := s.DB.First(&challenge, "id = ?", challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("DB error loading challenge: %w", err)
	}
	if err := s.DB.Model(&models.Participation{}).
		Where("challenge_id = ?", challengeID).
		Count(&challenge.ParticipantCount).Error; err != nil {
		return nil, fmt.Errorf("DB error counting participants: %w", err)
	}
	return &challenge, nil
}

// ListParticipants returns every participation record for a challenge.
func (s *ChallengeService) ListParticipants(challengeID int64) ([]models.Participation, error) {
	if _, err := s.GetChallenge(challengeID); err != nil {
		return nil, err
	}
	var participants []models.Participation
	if err := s.DB.Where("challenge_id = ?", challengeID).
		Order("joined_at ASC").
		Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("DB error listing participants: %w", err)
	}
	return participants, nil
}

func (s *ChallengeService) listMini(query *gorm.DB) ([]models.MiniChallenge, error) {
	var challenges []models.Challenge
	if err := query.Order("id ASC").Find(&challenges).Error; err != nil {
		return nil, err
	}

	minis := make([]models.MiniChallenge, 0, len(challenges))
	for _, ch := range challenges {
		var count int64
		if err := s.DB.Model(&models.Participation{}).
			Where("challenge_id = ?", ch.ID).Count(&count).Error; err != nil {
			return nil, err
		}
		minis = append(minis, models.MiniChallenge{
			ID:               ch.ID,
			Name:             ch.Name,
			DurationDays:     ch.DurationDays,
			EntryAmount:      ch.EntryAmount,
			TotalPool:        ch.TotalPool,
			Status:           ch.Status,
			CreatedAt:        ch.CreatedAt,
			EndsAt:           ch.EndsAt(),
			ParticipantCount: count,
		})
	}
	return minis, nil
}

// --- Fiber endpoints ---

func (s *ChallengeService) CreateChallengeEndpoint(c *fiber.Ctx) error {
	var req struct {
		Name         string `json:"name"`
		DurationDays int    `json:"duration_days"`
		EntryAmount  int64  `json:"entry_amount"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	challenge, err := s.CreateChallenge(req.Name, req.DurationDays, req.EntryAmount)
	if err != nil {
		if !errors.Is(err, ErrInvalidParameters) {
			log.Printf("DB Error creating challenge: %v", err)
		}
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(challenge)
}

func (s *ChallengeService) JoinChallengeEndpoint(c *fiber.Ctx) error {
	challengeID, err := parseChallengeID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid challenge ID"})
	}

	caller, _ := c.Locals("wallet_address").(string)
	if caller == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Wallet address not found in context"})
	}

	if err := s.JoinChallenge(c.UserContext(), challengeID, caller); err != nil {
		if StatusForError(err) == fiber.StatusInternalServerError {
			log.Printf("Error joining challenge %d: %v", challengeID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to join challenge"})
		}
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"message": "Joined challenge successfully", "challenge_id": challengeID})
}

func (s *ChallengeService) GetChallengeEndpoint(c *fiber.Ctx) error {
	challengeID, err := parseChallengeID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid challenge ID"})
	}

	challenge, err := s.GetChallenge(challengeID)
	if err != nil {
		if StatusForError(err) == fiber.StatusInternalServerError {
			log.Printf("Error fetching challenge %d: %v", challengeID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch challenge"})
		}
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(challenge)
}

func (s *ChallengeService) GetAllChallengesEndpoint(c *fiber.Ctx) error {
	minis, err := s.listMini(s.DB.Model(&models.Challenge{}))
	if err != nil {
		log.Printf("ERROR fetching challenges: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch challenges"})
	}
	return c.JSON(minis)
}

// GetOpenChallengesEndpoint lists challenges that are joinable right now:
// status open and still inside their active window.
func (s *ChallengeService) GetOpenChallengesEndpoint(c *fiber.Ctx) error {
	minis, err := s.listMini(s.DB.Model(&models.Challenge{}).
		Where("status = ?", models.ChallengeStatusOpen))
	if err != nil {
		log.Printf("ERROR fetching open challenges: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch challenges"})
	}

	now := time.Now()
	joinable := make([]models.MiniChallenge, 0, len(minis))
	for _, m := range minis {
		if now.Before(m.EndsAt) {
			joinable = append(joinable, m)
		}
	}
	return c.JSON(joinable)
}

func (s *ChallengeService) GetParticipantsEndpoint(c *fiber.Ctx) error {
	challengeID, err := parseChallengeID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid challenge ID"})
	}

	participants, err := s.ListParticipants(challengeID)
	if err != nil {
		if StatusForError(err) == fiber.StatusInternalServerError {
			log.Printf("Error listing participants for challenge %d: %v", challengeID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to list participants"})
		}
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(participants)
}

// IsParticipatingEndpoint answers for an explicit address (?address=) or, when
// omitted, for the authenticated caller.
func (s *ChallengeService) IsParticipatingEndpoint(c *fiber.Ctx) error {
	challengeID, err := parseChallengeID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid challenge ID"})
	}

	address := c.Query("address")
	if address == "" {
		address, _ = c.Locals("wallet_address").(string)
	}
	if address == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "address is required"})
	}

	participating, err := s.IsParticipating(address, challengeID)
	if err != nil {
		if StatusForError(err) == fiber.StatusInternalServerError {
			log.Printf("Error checking participation for challenge %d: %v", challengeID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to check participation"})
		}
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"challenge_id":  challengeID,
		"address":       address,
		"participating": participating,
	})
}

func parseChallengeID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}
