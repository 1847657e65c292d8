package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"quiz-progression-system/middleware"
	"quiz-progression-system/models"
	"quiz-progression-system/services"

	"github.com/gofiber/fiber/v2"
)

const sseKeepAlive = 15 * time.Second

func SetupProgressionRoutes(app *fiber.App, s *Services) {
	// Pure calculator, no user context needed.
	app.Post("/xp/calculate", func(c *fiber.Ctx) error {
		var req services.AttemptResult
		if err := parseBody(c, &req); err != nil {
			return respondError(c, s.Log, err)
		}
		xp, err := s.Attempts.Weights.Compute(req)
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(fiber.Map{"xp": xp})
	})

	userCtx := middleware.UserContextMiddleware(s.Log)
	user := app.Group("/user", userCtx)

	user.Get("/progression", func(c *fiber.Ctx) error {
		view, err := s.Progression.GetProgression(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(view)
	})

	user.Post("/xp", func(c *fiber.Ctx) error {
		var req struct {
			XP int64 `json:"xp"`
		}
		if err := parseBody(c, &req); err != nil {
			return respondError(c, s.Log, err)
		}
		snap, err := s.Progression.ApplyXP(c.UserContext(), middleware.UserID(c), req.XP)
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(snap)
	})

	user.Get("/statistics", func(c *fiber.Ctx) error {
		stats, err := s.Progression.GetStatistics(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(stats)
	})

	user.Post("/statistics", func(c *fiber.Ctx) error {
		var req services.AttemptStats
		if err := parseBody(c, &req); err != nil {
			return respondError(c, s.Log, err)
		}
		// Streaks follow the server clock; a client timestamp is ignored.
		req.CompletedAt = s.Progression.Now()
		stats, err := s.Progression.RecordAttempt(c.UserContext(), middleware.UserID(c), req)
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(stats)
	})

	user.Get("/achievements", func(c *fiber.Ctx) error {
		list, err := s.Achievements.ListAchievements(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(list)
	})

	user.Post("/achievements/check", func(c *fiber.Ctx) error {
		var req struct {
			Trigger string         `json:"trigger"`
			Social  map[string]int `json:"social"`
		}
		if len(c.Body()) > 0 {
			if err := parseBody(c, &req); err != nil {
				return respondError(c, s.Log, err)
			}
		}
		if req.Trigger == "" {
			req.Trigger = "manual"
		}
		unlocked, err := s.Achievements.CheckAndGrant(c.UserContext(), middleware.UserID(c), services.EvalContext{
			Trigger: req.Trigger,
			Social:  req.Social,
		})
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(fiber.Map{"unlocked": unlocked})
	})

	user.Get("/events", func(c *fiber.Ctx) error {
		if s.Events == nil {
			return unavailable(c, "event stream")
		}
		return streamEvents(c, s.Events, middleware.UserID(c))
	})

	quiz := app.Group("/quiz", userCtx)

	quiz.Post("/sessions", func(c *fiber.Ctx) error {
		var req struct {
			Category   string            `json:"category"`
			Difficulty models.Difficulty `json:"difficulty"`
		}
		if err := parseBody(c, &req); err != nil {
			return respondError(c, s.Log, err)
		}
		sess, err := s.Attempts.StartSession(c.UserContext(), middleware.UserID(c), req.Category, req.Difficulty)
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(sess)
	})

	quiz.Get("/sessions/:id", func(c *fiber.Ctx) error {
		sess, err := s.Attempts.GetSession(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.JSON(sess)
	})

	quiz.Post("/attempts", func(c *fiber.Ctx) error {
		var req services.CompleteAttemptRequest
		if err := parseBody(c, &req); err != nil {
			return respondError(c, s.Log, err)
		}
		out, err := s.Attempts.CompleteAttempt(c.UserContext(), middleware.UserID(c), req)
		if err != nil {
			return respondError(c, s.Log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(out)
	})
}

// streamEvents pushes the caller's notifications as server-sent events until the client leaves.
func streamEvents(c *fiber.Ctx, hub *services.EventHub, userID string) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	events, cancel := hub.Subscribe(userID)
	done := c.Context().Done()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()

		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
			case <-ticker.C:
				w.WriteString(":\n\n")
			case <-done:
				return
			}
			// A failed flush means the client disconnected.
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}
