package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ineyio/gridcredit"
)

// invalidRequest is the code for malformed input, whichever layer rejects it.
var invalidRequest = gridcredit.Code(gridcredit.ErrInvalidRequest)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(envelope{Success: true, Data: data})
}

func fail(c *fiber.Ctx, status int, code, message string, data any) error {
	return c.Status(status).JSON(envelope{Error: code, Message: message, Data: data})
}

// failErr writes err with the status and code derived from it.
func (s *Server) failErr(c *fiber.Ctx, err error, data any) error {
	status := statusFor(err)
	msg := gridcredit.Message(err)
	if status == fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		if s.cfg.Production {
			msg = "internal server error"
		}
	}
	return fail(c, status, gridcredit.Code(err), msg, data)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gridcredit.ErrInvalidRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, gridcredit.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, gridcredit.ErrIPDeviceLimit), errors.Is(err, gridcredit.ErrRateLimited):
		return fiber.StatusTooManyRequests
	case gridcredit.IsLedgerDenial(err):
		return fiber.StatusPaymentRequired
	case errors.Is(err, gridcredit.ErrCredentialPoolExhausted):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, gridcredit.ErrSynthesisFailed):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := "INTERNAL_ERROR"
		switch fe.Code {
		case fiber.StatusNotFound:
			code = "NOT_FOUND"
		case fiber.StatusBadRequest:
			code = invalidRequest
		case fiber.StatusRequestEntityTooLarge:
			code = "PAYLOAD_TOO_LARGE"
		case fiber.StatusMethodNotAllowed:
			code = "METHOD_NOT_ALLOWED"
		}
		return fail(c, fe.Code, code, fe.Message, nil)
	}
	return s.failErr(c, err, nil)
}
