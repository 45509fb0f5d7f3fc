package middleware

import (
	"errors"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"mailprobe/admission"
	"mailprobe/utils"
)

// Admission holds each request until the manager grants its requester a
// slot and releases the slot when the handler returns.
func Admission(m *admission.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ticket, err := m.RequestSlot(RequesterID(c))
		switch {
		case errors.Is(err, admission.ErrQueueFull):
			c.Set(fiber.HeaderRetryAfter, "30")
			return utils.ErrorResponse(c, fiber.StatusTooManyRequests, "Server is busy, too many queued requests", err)
		case err != nil:
			return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Server is shutting down", err)
		}
		defer ticket.Release()

		if !ticket.Granted() {
			c.Set("X-Queue-Position", strconv.Itoa(ticket.Position()))
			if err := ticket.Wait(c.UserContext()); err != nil {
				c.Set(fiber.HeaderRetryAfter, retryAfter(ticket))
				return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Timed out waiting in queue, try again later", err)
			}
		}
		return c.Next()
	}
}

func retryAfter(t *admission.Ticket) string {
	secs := int(math.Ceil(t.EstimatedWait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
