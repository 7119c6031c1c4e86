package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	app := fiber.New()
	app.Use(RequestIDMiddleware(zap.New(core)))
	app.Get("/", func(c *fiber.Ctx) error {
		RequestLogger(c, zap.NewNop()).Info("handled")
		return c.SendStatus(fiber.StatusNoContent)
	})

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"client id kept", "abc-123_x.y", true},
		{"missing id generated", "", false},
		{"unsafe id replaced", "bad id;drop", false},
		{"overlong id replaced", strings.Repeat("a", maxRequestIDLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := logs.Len()
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set(fiber.HeaderXRequestID, tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)

			got := resp.Header.Get(fiber.HeaderXRequestID)
			if tt.keep {
				assert.Equal(t, tt.header, got)
			} else {
				_, err := uuid.Parse(got)
				assert.NoError(t, err, "generated id %q", got)
			}

			entries := logs.All()
			require.Len(t, entries, before+1)
			assert.Equal(t, got, entries[before].ContextMap()["request_id"])
		})
	}
}

func TestRequestLoggerFallback(t *testing.T) {
	app := fiber.New()
	fallback := zap.NewNop()
	var got *zap.Logger
	app.Get("/", func(c *fiber.Ctx) error {
		got = RequestLogger(c, fallback)
		return nil
	})
	_, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Same(t, fallback, got)
}
