package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// ContentSecurityPolicy allows the map tiles and marker assets the web client
// loads from outside the origin.
const ContentSecurityPolicy = "default-src 'self'; " +
	"script-src 'self' 'unsafe-inline' 'unsafe-eval'; " +
	"style-src 'self' 'unsafe-inline' https://cdnjs.cloudflare.com; " +
	"img-src 'self' data: https://*.tile.openstreetmap.org https://cdnjs.cloudflare.com; " +
	"font-src 'self' https://fonts.gstatic.com; " +
	"connect-src 'self'; " +
	"frame-ancestors 'none'; " +
	"form-action 'self';"

// SecurityHeaders sets the response hardening headers. Geolocation stays
// allowed for the page's own origin.
func SecurityHeaders() fiber.Handler {
	return helmet.New(helmet.Config{
		ContentSecurityPolicy: ContentSecurityPolicy,
		XFrameOptions:         "DENY",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		PermissionPolicy:      "camera=(), microphone=(), geolocation=(self), payment=(), usb=()",
		HSTSMaxAge:            31536000,
	})
}

// RateLimit caps requests per client IP within window. Exceeding it answers
// 429 in the API error shape.
func RateLimit(max int, window time.Duration) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    fiber.StatusTooManyRequests,
					"status":  "RATE_LIMITED",
					"message": "Too many requests. Please try again later.",
				},
			})
		},
	})
}
