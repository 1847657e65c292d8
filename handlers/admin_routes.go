package handlers

import (
	"time"

	"quiz-progression-system/middleware"

	"github.com/gofiber/fiber/v2"
)

func SetupAdminRoutes(app *fiber.App, s *Services) {
	admin := app.Group("/admin", middleware.UserContextMiddleware(s.Log), middleware.RequireAdmin())

	admin.Get("/cache", func(c *fiber.Ctx) error {
		return c.JSON(s.Cache.Stats())
	})

	// DELETE /admin/cache clears everything; ?prefix= limits it to one key family.
	admin.Delete("/cache", func(c *fiber.Ctx) error {
		if prefix := c.Query("prefix"); prefix != "" {
			n := s.Cache.InvalidatePrefix(prefix)
			return c.JSON(fiber.Map{"removed": n, "prefix": prefix})
		}
		n := s.Cache.Len()
		s.Cache.Clear()
		s.Log.Info("🧹 cache cleared by admin", "user_id", middleware.UserID(c), "removed", n)
		return c.JSON(fiber.Map{"removed": n})
	})

	admin.Post("/cache/warm", func(c *fiber.Ctx) error {
		if s.Warmer == nil {
			return unavailable(c, "cache warmer")
		}
		rep := s.Warmer.WarmNow(c.UserContext())
		if rep == nil {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "warm already running"})
		}
		return c.JSON(rep)
	})

	admin.Get("/reconciler", func(c *fiber.Ctx) error {
		if s.Reconciler == nil {
			return unavailable(c, "reconciler")
		}
		return c.JSON(s.Reconciler.Status())
	})

	// POST /admin/reconciler/run?force=true clears a stuck in-flight guard first.
	admin.Post("/reconciler/run", func(c *fiber.Ctx) error {
		if s.Reconciler == nil {
			return unavailable(c, "reconciler")
		}
		run := s.Reconciler.RunOnce
		if c.QueryBool("force", false) {
			run = s.Reconciler.ForceRun
		}
		rep, err := run(c.UserContext())
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(rep)
	})

	admin.Put("/reconciler/interval", func(c *fiber.Ctx) error {
		if s.Reconciler == nil {
			return unavailable(c, "reconciler")
		}
		var req struct {
			Interval string `json:"interval"`
		}
		if err := parseBody(c, &req); err != nil {
			return respondError(c, s.Log, err)
		}
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			return respondError(c, s.Log, fiber.NewError(fiber.StatusBadRequest, "interval must be a duration like 5m"))
		}
		if err := s.Reconciler.SetInterval(d); err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(s.Reconciler.Status())
	})

	admin.Get("/storage", func(c *fiber.Ctx) error {
		if s.Storage == nil {
			return unavailable(c, "storage monitor")
		}
		st, err := s.Storage.Status(c.UserContext())
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(st)
	})

	admin.Put("/storage/limit", func(c *fiber.Ctx) error {
		if s.Storage == nil {
			return unavailable(c, "storage monitor")
		}
		var req struct {
			LimitMB int64 `json:"limit_mb"`
		}
		if err := parseBody(c, &req); err != nil {
			return respondError(c, s.Log, err)
		}
		if err := s.Storage.SetLimitMB(req.LimitMB); err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(fiber.Map{"limit_mb": req.LimitMB})
	})

	admin.Post("/storage/report", func(c *fiber.Ctx) error {
		if s.Storage == nil {
			return unavailable(c, "storage monitor")
		}
		rep, err := s.Storage.Report(c.UserContext())
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(rep)
	})

	admin.Post("/storage/housekeep", func(c *fiber.Ctx) error {
		if s.Storage == nil {
			return unavailable(c, "storage monitor")
		}
		res, err := s.Storage.Housekeep(c.UserContext())
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(res)
	})
}
