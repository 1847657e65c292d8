package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"quiz-progression-system/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(t *testing.T, app *fiber.App, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("s3cret", logger.Nop()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })

	assert.Equal(t, http.StatusUnauthorized, request(t, app, nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, request(t, app, map[string]string{"Authorization": "Bearer nope"}).StatusCode)
	assert.Equal(t, http.StatusNoContent, request(t, app, map[string]string{"Authorization": "Bearer s3cret"}).StatusCode)
	assert.Equal(t, http.StatusNoContent, request(t, app, map[string]string{"Authorization": "s3cret"}).StatusCode)
}

func TestGatewayAuthOpenPaths(t *testing.T) {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("s3cret", logger.Nop(), "/health"))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, request(t, app, nil).StatusCode)
}

func TestGatewayAuthDisabledWithoutToken(t *testing.T) {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("", logger.Nop()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, request(t, app, nil).StatusCode)
}

func TestUserContextAndRequireAdmin(t *testing.T) {
	app := fiber.New()
	app.Use(UserContextMiddleware(logger.Nop()), RequireAdmin())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(UserID(c)) })

	assert.Equal(t, http.StatusUnauthorized, request(t, app, nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, request(t, app, map[string]string{"X-User-ID": "   "}).StatusCode)
	assert.Equal(t, http.StatusForbidden, request(t, app, map[string]string{
		"X-User-ID": "u1", "X-User-Roles": "player",
	}).StatusCode)
	assert.Equal(t, http.StatusOK, request(t, app, map[string]string{
		"X-User-ID": "u1", "X-User-Roles": "player, admin ",
	}).StatusCode)
}
