package handlers

import (
	"strings"

	"quiz-progression-system/middleware"
	"quiz-progression-system/models"
	"quiz-progression-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupLeaderboardRoutes(app *fiber.App, s *Services) {
	lb := app.Group("/leaderboards")

	// Public; a gateway-supplied X-User-ID adds the caller's own rank.
	lb.Get("/:period", func(c *fiber.Ctx) error {
		page, err := s.Leaderboards.GetLeaderboard(c.UserContext(), services.LeaderboardQuery{
			Period:   models.PeriodType(c.Params("period")),
			Category: c.Query("category"),
			Limit:    c.QueryInt("limit", services.DefaultLeaderboardLimit),
			Offset:   c.QueryInt("offset", 0),
			UserID:   strings.TrimSpace(c.Get("X-User-ID")),
		})
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(page)
	})

	lb.Get("/:period/me", middleware.UserContextMiddleware(s.Log), func(c *fiber.Ctx) error {
		rank, err := s.Leaderboards.GetUserRank(c.UserContext(), middleware.UserID(c),
			models.PeriodType(c.Params("period")), c.Query("category"))
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(rank)
	})
}
