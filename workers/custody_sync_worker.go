package workers

import (
	"context"
	"log"
	"time"

	"challenge-escrow-system/models"
	"challenge-escrow-system/services"

	"gorm.io/gorm"
)

// CustodyReconciler checks that the token ledger's view of the custody
// address matches the sum of open pools. The registry only records claims;
// this is the loop that notices when the claims and the real balance drift.
type CustodyReconciler struct {
	DB             *gorm.DB
	Ledger         services.TokenLedger
	CustodyAddress string
}

func NewCustodyReconciler(db *gorm.DB, ledger services.TokenLedger, custodyAddress string) *CustodyReconciler {
	return &CustodyReconciler{
		DB:             db,
		Ledger:         ledger,
		CustodyAddress: custodyAddress,
	}
}

// Reconcile compares the ledger balance of the custody address with the sum
// of all open pools and reports the delta. A nonzero delta means a pull or a
// payout was recorded on one side only and needs operator attention.
func (r *CustodyReconciler) Reconcile(ctx context.Context) (int64, error) {
	var pooled int64
	if err := r.DB.Model(&models.Challenge{}).
		Where("status = ?", models.ChallengeStatusOpen).
		Select("COALESCE(SUM(total_pool), 0)").
		Scan(&pooled).Error; err != nil {
		return 0, err
	}

	balance, err := r.Ledger.BalanceOf(ctx, r.CustodyAddress)
	if err != nil {
		return 0, err
	}

	return balance - pooled, nil
}

// PollCustody runs Reconcile on a fixed interval until ctx is cancelled.
func PollCustody(ctx context.Context, reconciler *CustodyReconciler, pollInterval time.Duration) {
	log.Println("Starting custody reconciliation polling...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Custody reconciliation polling stopped.")
			return
		case <-ticker.C:
			delta, err := reconciler.Reconcile(ctx)
			if err != nil {
				log.Printf("❌ Custody reconciliation failed: %v", err)
				continue
			}
			if delta != 0 {
				// Do NOT attempt to self-heal — a drifted custody balance is
				// an incident, not something to paper over with transfers.
				log.Printf("🚨 Custody drift detected: ledger balance differs from open pools by %d", delta)
				continue
			}
			log.Printf("✅ Custody reconciled: ledger balance matches open pools")
		}
	}
}
