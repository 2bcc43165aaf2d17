package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidatedApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Use(Middleware(cfg))
	handler := func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true})
	}
	app.Post("/api/v1/ask", handler)
	app.Post("/api/v1/concepts/ingest", handler)
	return app
}

func post(t *testing.T, app *fiber.App, path, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestAskPassesNaturalLanguage(t *testing.T) {
	t.Parallel()

	app := newValidatedApp(Config{})

	for _, request := range []string{
		"Find all counties created after 1850 in Ohio State",
		"What is the union of the Scioto and Paint Creek watersheds",
		"Select the dams along the Ohio River and count them per county",
	} {
		status := post(t, app, "/api/v1/ask", `{"request": `+quote(request)+`}`)
		assert.Equal(t, http.StatusOK, status, "question %q should pass", request)
	}
}

func TestAskRejectsMarkup(t *testing.T) {
	t.Parallel()

	app := newValidatedApp(Config{})

	status := post(t, app, "/api/v1/ask", `{"request": "<script>alert(1)</script>"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAskRejectsOverlongRequest(t *testing.T) {
	t.Parallel()

	app := newValidatedApp(Config{MaxRequestLength: 50})

	status := post(t, app, "/api/v1/ask", `{"request": "`+strings.Repeat("a", 60)+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRejectsNonJSONContentType(t *testing.T) {
	t.Parallel()

	app := newValidatedApp(Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader("request=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestIngestValidatesURL(t *testing.T) {
	t.Parallel()

	app := newValidatedApp(Config{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"url": "https://example.com/permits", "html_content": "<html></html>"}`, http.StatusOK},
		{"missing url", `{"html_content": "<html></html>"}`, http.StatusBadRequest},
		{"bad scheme", `{"url": "ftp://example.com/doc", "html_content": "x"}`, http.StatusBadRequest},
		{"no host", `{"url": "https://", "html_content": "x"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, post(t, app, "/api/v1/concepts/ingest", tt.body))
		})
	}
}

func TestIngestRejectsOversizedPage(t *testing.T) {
	t.Parallel()

	app := newValidatedApp(Config{MaxPageSize: 100})

	body := `{"url": "https://example.com/big", "html_content": "` + strings.Repeat("x", 200) + `"}`
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(t, app, "/api/v1/concepts/ingest", body))
}

func quote(s string) string {
	return `"` + s + `"`
}
