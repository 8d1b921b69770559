// internal/middleware/wallet_context.go
package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// WalletContextMiddleware extracts the caller's wallet identity set by the
// Gateway. Join and settle need a caller address, so it is enforced here;
// read-only routes are wired outside this middleware.
func WalletContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		walletAddress := c.Get("X-Wallet-Address")
		rolesStr := c.Get("X-User-Roles")

		if walletAddress == "" {
			log.Printf("❌ [WALLET_CTX] X-Wallet-Address required but missing on secured route: %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-Wallet-Address — request must come through gateway with auth context",
			})
		}

		var roles []string
		if rolesStr != "" {
			for _, r := range strings.Split(rolesStr, ",") {
				r = strings.TrimSpace(r)
				if r != "" {
					roles = append(roles, r)
				}
			}
		}

		// Attach to ctx for handlers
		c.Locals("wallet_address", walletAddress)
		c.Locals("user_roles", roles)

		return c.Next()
	}
}

// RequireRole guards a route group on a gateway-assigned role. Settlement
// splits move the whole pool, so only the judge/admin roles may submit them —
// a participant must not be able to direct the pool to themselves.
func RequireRole(required string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals("user_roles").([]string)
		for _, r := range roles {
			if r == required {
				return c.Next()
			}
		}

		log.Printf("❌ [ROLE] %q role required for %s", required, c.Path())
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "insufficient role for this operation",
		})
	}
}
