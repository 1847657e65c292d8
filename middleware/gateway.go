package middleware

import (
	"crypto/subtle"
	"slices"
	"strings"

	"quiz-progression-system/logger"

	"github.com/gofiber/fiber/v2"
)

// GatewayAuthMiddleware accepts only requests carrying the gateway's service token, either as
// "Bearer <token>" or raw. Paths in openPaths (health probes) skip the check. An empty token
// disables it entirely for local development.
func GatewayAuthMiddleware(expectedToken string, log *logger.Logger, openPaths ...string) fiber.Handler {
	if expectedToken == "" {
		log.Warn("⚠️ GAME_SERVICE_TOKEN is not set, gateway authentication disabled")
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	want := []byte(expectedToken)

	return func(c *fiber.Ctx) error {
		if slices.Contains(openPaths, c.Path()) {
			return c.Next()
		}

		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			log.Warn("🚫 [GATEWAY_AUTH] missing Authorization header", "path", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway authentication token missing",
			})
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			log.Warn("❌ [GATEWAY_AUTH] invalid token", "path", c.Path(), "method", c.Method())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway authentication token",
			})
		}
		return c.Next()
	}
}
