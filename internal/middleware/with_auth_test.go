package middleware_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/middleware"
)

const testSecret = "secret"

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func identityApp() *fiber.App {
	app := fiber.New()
	app.Use(middleware.JWTProtected(testSecret), middleware.RequireIdentity())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(middleware.TenantID(c) + "/" + middleware.UserID(c))
	})
	return app
}

func TestJWTResolvesUserAndTenant(t *testing.T) {
	app := identityApp()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{"sub": "user-7", "tenant_id": "acme"}))

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "acme/user-7", readBody(t, resp))
}

func TestJWTAcceptsNumericSubject(t *testing.T) {
	app := identityApp()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{"user_id": float64(42), "tid": "acme"}))

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "acme/42", readBody(t, resp))
}

func TestJWTRejectsMissingAndForgedTokens(t *testing.T) {
	app := identityApp()

	resp := perform(t, app, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u", "tenant_id": "t"}).SignedString([]byte("other"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	resp = perform(t, app, req)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestQueryTokenOnlyForUpgrades(t *testing.T) {
	app := identityApp()
	token := signedToken(t, jwt.MapClaims{"sub": "u", "tenant_id": "t"})

	resp := perform(t, app, httptest.NewRequest(http.MethodGet, "/?token="+token, nil))
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	resp = perform(t, app, req)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRequireIdentityNeedsTenant(t *testing.T) {
	app := identityApp()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, jwt.MapClaims{"sub": "user-7"}))

	resp := perform(t, app, req)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func perform(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
