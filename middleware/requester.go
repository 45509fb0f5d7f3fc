package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"mailprobe/utils"
)

// RequesterKey is the fiber Locals key holding the requester identity.
const RequesterKey = "requesterID"

type RequesterConfig struct {
	// JWTSecret enables bearer tokens issued by utils.GenerateRequesterToken.
	JWTSecret string
	// APIKeys enables X-API-Key authentication.
	APIKeys []string
}

// Requester identifies the caller for admission and rate limiting. When
// neither tokens nor API keys are configured, callers are told apart by
// IP address.
func Requester(cfg RequesterConfig) fiber.Handler {
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}
	authRequired := cfg.JWTSecret != "" || len(keys) > 0

	return func(c *fiber.Ctx) error {
		if authHeader := c.Get("Authorization"); authHeader != "" && cfg.JWTSecret != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization format", nil)
			}
			claims, err := utils.ParseRequesterToken(tokenParts[1], cfg.JWTSecret)
			if err != nil {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
			}
			c.Locals(RequesterKey, "user:"+claims.RequesterID)
			return c.Next()
		}

		if key := c.Get("X-API-Key"); key != "" && len(keys) > 0 {
			if _, ok := keys[key]; !ok {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid API key", nil)
			}
			c.Locals(RequesterKey, "key:"+keyID(key))
			return c.Next()
		}

		if authRequired {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
		}
		c.Locals(RequesterKey, "ip:"+c.IP())
		return c.Next()
	}
}

// RequesterID returns the identity set by Requester, or the client IP when
// the middleware did not run.
func RequesterID(c *fiber.Ctx) string {
	if id, ok := c.Locals(RequesterKey).(string); ok && id != "" {
		return id
	}
	return "ip:" + c.IP()
}

// keyID keeps raw API keys out of logs and rate-limit keys.
func keyID(key string) string {
	if len(key) <= 8 {
		return key[:len(key)/2] + "***"
	}
	return key[:8]
}
