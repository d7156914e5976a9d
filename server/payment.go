package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ineyio/gridcredit"
)

type createOrderBody struct {
	Count int `json:"count" validate:"required,oneof=4 8 12"`
}

type orderIDBody struct {
	OrderID string `json:"orderId" validate:"required"`
}

func (s *Server) createOrder(c *fiber.Ctx) error {
	var body createOrderBody
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, invalidRequest, "invalid request body", nil)
	}
	if fields, err := s.check(&body); err != nil {
		return s.failErr(c, err, fields)
	}

	o, err := s.deps.Ledger.CreateOrder(c.UserContext(), userID(c), body.Count)
	if err != nil {
		return s.failErr(c, err, nil)
	}
	return ok(c, fiber.Map{
		"orderId":        o.OrderID,
		"amount":         o.Amount,
		"paymentUrl":     "/payment/mock?orderId=" + o.OrderID,
		"paymentToken":   o.PaymentToken,
		"expiresAt":      o.ExpiresAt,
		"remainingGrids": o.RemainingGrids,
		"totalGrids":     o.TotalGrids,
	})
}

func (s *Server) verifyOrder(c *fiber.Ctx) error {
	orderID := c.Query("orderId")
	if orderID == "" {
		return fail(c, fiber.StatusBadRequest, invalidRequest, "missing orderId", nil)
	}
	o, err := s.deps.Ledger.Order(c.UserContext(), orderID)
	if err != nil {
		return s.orderErr(c, err)
	}

	data := fiber.Map{
		"status":         o.Status,
		"orderId":        o.OrderID,
		"count":          o.Count,
		"paidAt":         o.PaidAt,
		"expiresAt":      o.ExpiresAt,
		"remainingGrids": o.RemainingGrids,
		"totalGrids":     o.TotalGrids,
	}
	if o.UserID == userID(c) {
		data["paymentToken"] = o.PaymentToken
	}
	return ok(c, data)
}

func (s *Server) mockPay(c *fiber.Ctx) error {
	if s.cfg.Production {
		return fail(c, fiber.StatusNotFound, "NOT_FOUND", "not found", nil)
	}
	var body orderIDBody
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, invalidRequest, "invalid request body", nil)
	}
	if fields, err := s.check(&body); err != nil {
		return s.failErr(c, err, fields)
	}

	ctx := c.UserContext()
	if _, err := s.deps.Ledger.Order(ctx, body.OrderID); err != nil {
		return s.orderErr(c, err)
	}
	o, err := s.deps.Ledger.MarkPaid(ctx, body.OrderID)
	if err != nil {
		return s.failErr(c, err, nil)
	}
	return ok(c, fiber.Map{"status": o.Status, "orderId": o.OrderID, "paidAt": o.PaidAt})
}

func (s *Server) cancelOrder(c *fiber.Ctx) error {
	var body orderIDBody
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, invalidRequest, "invalid request body", nil)
	}
	if fields, err := s.check(&body); err != nil {
		return s.failErr(c, err, fields)
	}

	o, err := s.deps.Ledger.CancelOrder(c.UserContext(), body.OrderID, userID(c))
	if err != nil {
		return s.orderErr(c, err)
	}
	return ok(c, fiber.Map{"status": o.Status, "orderId": o.OrderID})
}

func (s *Server) quota(c *fiber.Ctx) error {
	uid := userID(c)
	q, err := s.deps.Ledger.FreeQuota(c.UserContext(), uid)
	if err != nil {
		return s.failErr(c, err, nil)
	}
	by, vip := s.deps.Ledger.VIP(uid)

	data := fiber.Map{
		"mode":       s.cfg.PaymentMode,
		"remaining":  q.Remaining(),
		"used":       q.Used,
		"limit":      q.Limit,
		"resetAt":    q.ResetAt.Format(time.RFC3339),
		"isFreeMode": s.cfg.PaymentMode == gridcredit.PaymentFree,
		"isVip":      vip,
	}
	if vip {
		data["vipMatchedBy"] = by
	}
	return ok(c, data)
}

func (s *Server) orderErr(c *fiber.Ctx, err error) error {
	if errors.Is(err, gridcredit.ErrNotFound) {
		return fail(c, fiber.StatusNotFound, "NOT_FOUND", "order not found", nil)
	}
	return s.failErr(c, err, nil)
}
