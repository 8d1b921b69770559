package handlers

import (
	"challenge-escrow-system/middleware"
	"challenge-escrow-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupChallengeRoutes(app *fiber.App, challengeService *services.ChallengeService, settlementService *services.SettlementService) {
	// 🔓 Read-only routes (gateway token only, no wallet context required)
	app.Get("/challenges", challengeService.GetAllChallengesEndpoint)
	app.Get("/challenges/open", challengeService.GetOpenChallengesEndpoint)
	app.Get("/challenges/:id", challengeService.GetChallengeEndpoint)
	app.Get("/challenges/:id/participants", challengeService.GetParticipantsEndpoint)
	app.Get("/challenges/:id/participation", challengeService.IsParticipatingEndpoint)
	app.Get("/challenges/:id/settlement", settlementService.GetSettlementEndpoint)

	// 🔐 Authenticated routes (wallet context from gateway)
	secured := app.Group("/", middleware.WalletContextMiddleware())

	secured.Post("/challenges", challengeService.CreateChallengeEndpoint)
	secured.Post("/challenges/:id/join", challengeService.JoinChallengeEndpoint)

	// Settlement — normally driven by the scheduler; the endpoint exists for
	// the external judge to submit a payout split or force an early run.
	admin := secured.Group("/admin", middleware.RequireRole("judge"))
	admin.Post("/challenges/:id/settle", settlementService.SettleChallengeEndpoint)
}
