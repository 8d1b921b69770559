package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"challenge-escrow-system/handlers"
	"challenge-escrow-system/middleware"
	"challenge-escrow-system/models"
	"challenge-escrow-system/services"
	"challenge-escrow-system/utils"
	"challenge-escrow-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐 GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	// Load allowed origins from environment variable
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Wallet-Address, X-User-Roles, X-Service-Token",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Challenge{},
		&models.Participation{},
		&models.CustodyEntry{},
		&models.SettlementPayout{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// --- CONFIGURE external token ledger ---
	ledgerURL := os.Getenv("LEDGER_SERVICE_URL")
	if ledgerURL == "" {
		log.Fatal("LEDGER_SERVICE_URL environment variable not set")
	}
	ledgerToken := os.Getenv("LEDGER_SERVICE_TOKEN")
	if ledgerToken == "" {
		log.Fatal("LEDGER_SERVICE_TOKEN environment variable not set")
	}
	custodyAddress := os.Getenv("CUSTODY_ADDRESS")
	if custodyAddress == "" {
		log.Fatal("CUSTODY_ADDRESS environment variable not set")
	}
	// --- END CONFIG ---

	reportsEnabled := true
	if err := utils.InitR2(); err != nil {
		log.Printf("⚠️  R2 not configured, settlement report archival disabled: %v", err)
		reportsEnabled = false
	}

	ledger := services.NewTokenLedgerClient(ledgerURL, ledgerToken)
	locks := services.NewChallengeLocks()
	challengeService := services.NewChallengeService(db, ledger, custodyAddress, locks)
	settlementService := services.NewSettlementService(db, ledger, custodyAddress, locks)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Custody reconciliation: ledger balance vs. sum of open pools
	reconciler := workers.NewCustodyReconciler(db, ledger, custodyAddress)
	go workers.PollCustody(ctx, reconciler, 60*time.Second)

	settlementService.StartSettlementScheduler(ctx)

	handlers.SetupChallengeRoutes(app, challengeService, settlementService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Settlement scheduler running (every 1m)")
	log.Println("✅ Custody reconciliation running (every 60s)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)
	if !reportsEnabled {
		log.Println("⚠️  Settlement reports will NOT be archived to R2")
	}

	<-ctx.Done()
	log.Println("Shutting down server...")
}
