package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ineyio/gridcredit"
)

const (
	localUserID   = "gridcredit.user_id"
	localDeviceID = "gridcredit.device_id"
)

var botPatterns = []string{
	"bot", "crawler", "spider", "slurp", "yandex",
	"facebookexternalhit", "whatsapp", "slack",
}

// IsBot reports whether userAgent looks like a crawler.
func IsBot(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	ua := strings.ToLower(userAgent)
	for _, p := range botPatterns {
		if strings.Contains(ua, p) {
			return true
		}
	}
	return false
}

func (s *Server) blockBots(c *fiber.Ctx) error {
	ua := c.Get(fiber.HeaderUserAgent)
	if IsBot(ua) {
		if len(ua) > 100 {
			ua = ua[:100]
		}
		s.logger.Info().Str("method", c.Method()).Str("path", c.Path()).Str("user_agent", ua).Msg("bot blocked")
		return c.Status(fiber.StatusForbidden).SendString("API access not allowed for bots. Please check /robots.txt")
	}
	return c.Next()
}

func (s *Server) identify(c *fiber.Ctx) error {
	deviceID := strings.TrimSpace(c.Get("X-Device-Id"))
	if deviceID == "" {
		return fail(c, fiber.StatusBadRequest, invalidRequest, "missing X-Device-Id header", nil)
	}
	id := gridcredit.Identity{IP: c.IP(), DeviceID: deviceID}
	if id.IP == "" {
		id.IP = "unknown"
	}
	c.Locals(localDeviceID, deviceID)
	c.Locals(localUserID, id.UserID())
	return c.Next()
}

func (s *Server) rateLimit(c *fiber.Ctx) error {
	d, err := s.deps.Limiter.Allow(c.UserContext(), c.IP(), c.Route().Path)
	if err != nil {
		return err
	}
	if !d.Allowed {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(d.RetryAfter))
		return fail(c, fiber.StatusTooManyRequests, gridcredit.Code(gridcredit.ErrRateLimited),
			fmt.Sprintf("too many requests, retry in %ds", d.RetryAfter),
			fiber.Map{"retryAfterSeconds": d.RetryAfter})
	}
	return c.Next()
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	if chainErr := c.Next(); chainErr != nil {
		if err := s.app.ErrorHandler(c, chainErr); err != nil {
			_ = c.SendStatus(fiber.StatusInternalServerError)
		}
	}

	status := c.Response().StatusCode()
	ev := s.logger.Info()
	if status >= fiber.StatusInternalServerError {
		ev = s.logger.Error()
	}
	ev.Int("status", status).
		Str("method", c.Method()).
		Str("path", c.OriginalURL()).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Str("ip", c.IP()).
		Str("device", c.Get("X-Device-Id")).
		Str("user", userID(c)).
		Msg("request")
	return nil
}

func userID(c *fiber.Ctx) string {
	v, _ := c.Locals(localUserID).(string)
	return v
}

func deviceID(c *fiber.Ctx) string {
	v, _ := c.Locals(localDeviceID).(string)
	return v
}
