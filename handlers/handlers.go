package handlers

import (
	"errors"

	"quiz-progression-system/cache"
	"quiz-progression-system/logger"
	"quiz-progression-system/services"
	"quiz-progression-system/workers"

	"github.com/gofiber/fiber/v2"
)

// Services is everything the HTTP surface calls into. Warmer, Reconciler, Storage and Events may
// be nil; their routes then answer 503.
type Services struct {
	Progression  *services.ProgressionService
	Achievements *services.AchievementService
	Leaderboards *services.LeaderboardService
	Attempts     *services.AttemptService
	Storage      *services.StorageService
	Cache        *cache.Cache
	Warmer       *workers.CacheWarmer
	Reconciler   *workers.Reconciler
	Events       *services.EventHub
	Log          *logger.Logger
}

// HealthPath is served without gateway authentication.
const HealthPath = "/health"

// Setup registers every route group.
func Setup(app *fiber.App, s *Services) {
	app.Get(HealthPath, func(c *fiber.Ctx) error {
		out := fiber.Map{"status": "ok", "cache_entries": s.Cache.Len()}
		if s.Reconciler != nil {
			out["reconciler_scheduled"] = s.Reconciler.Status().Scheduled
		}
		return c.JSON(out)
	})
	SetupProgressionRoutes(app, s)
	SetupLeaderboardRoutes(app, s)
	SetupAdminRoutes(app, s)
}

// respondError maps the service error taxonomy onto HTTP statuses.
func respondError(c *fiber.Ctx, log *logger.Logger, err error) error {
	var (
		verr *services.ValidationError
		nerr *services.NotFoundError
		terr *services.TransientIOError
		ferr *fiber.Error
	)
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": verr.Error(),
			"field": verr.Field,
		})
	case errors.As(err, &nerr):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": nerr.Error()})
	case errors.Is(err, services.ErrReconcileInFlight):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &ferr):
		return c.Status(ferr.Code).JSON(fiber.Map{"error": ferr.Message})
	case errors.As(err, &terr):
		log.Error("transient failure", "path", c.Path(), "op", terr.Op, "error", terr.Err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "temporarily unavailable",
			"cause": terr.Op,
		})
	default:
		log.Error("request failed", "path", c.Path(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal error",
			"cause": err.Error(),
		})
	}
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	return nil
}

func unavailable(c *fiber.Ctx, what string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": what + " is not enabled",
	})
}
