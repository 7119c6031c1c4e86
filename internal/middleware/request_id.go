package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CtxRequestID = "request_id"
	CtxLogger    = "request_logger"

	maxRequestIDLen = 64
)

// RequestIDMiddleware tags every request with an id, taken from X-Request-ID
// when the client sent a usable one, and stores a logger carrying that id.
func RequestIDMiddleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		reqID := c.Get(fiber.HeaderXRequestID)
		if !validRequestID(reqID) {
			reqID = uuid.New().String()
		}
		c.Locals(CtxRequestID, reqID)
		c.Locals(CtxLogger, log.With(zap.String("request_id", reqID)))
		c.Set(fiber.HeaderXRequestID, reqID)
		return c.Next()
	}
}

// RequestLogger returns the request-scoped logger, or fallback outside
// RequestIDMiddleware.
func RequestLogger(c *fiber.Ctx, fallback *zap.Logger) *zap.Logger {
	if l, ok := c.Locals(CtxLogger).(*zap.Logger); ok {
		return l
	}
	return fallback
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
