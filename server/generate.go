package server

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/ineyio/gridcredit"
)

type promptBody struct {
	ID     string `json:"id" validate:"omitempty,max=64"`
	Prompt string `json:"prompt" validate:"required,max=500"`
}

type gridBody struct {
	CharacterDNA   string       `json:"characterDNA" validate:"required,max=4000"`
	Prompts        []promptBody `json:"prompts" validate:"required,min=1,max=4,dive"`
	Style          string       `json:"style" validate:"required,max=64"`
	ReferenceImage string       `json:"referenceImage" validate:"required,image"`
	AnchorImage    string       `json:"anchorImage" validate:"omitempty,image"`
	// IsSlave marks ReferenceImage itself as the anchor of an earlier grid.
	IsSlave bool `json:"isSlave"`
}

type batchBody struct {
	CharacterDNA   string       `json:"characterDNA" validate:"required,max=4000"`
	Items          []promptBody `json:"items" validate:"required,min=1,dive"`
	Style          string       `json:"style" validate:"required,max=64"`
	ReferenceImage string       `json:"referenceImage" validate:"required,image"`
	AnchorImage    string       `json:"anchorImage" validate:"omitempty,image"`
}

type itemView struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	Group  int    `json:"group"`
	Status string `json:"status"`
	Image  string `json:"image,omitempty"`
	Error  string `json:"error,omitempty"`
}

type groupView struct {
	Index      int    `json:"index"`
	Mode       string `json:"mode"`
	Items      int    `json:"items"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	Refunded   bool   `json:"refunded"`
}

type batchView struct {
	Items       []itemView  `json:"items"`
	Groups      []groupView `json:"groups"`
	AnchorImage string      `json:"anchorImage,omitempty"`
	Succeeded   int         `json:"succeeded"`
	RateLimited bool        `json:"rateLimited"`
	Canceled    bool        `json:"canceled"`
	StopReason  string      `json:"stopReason,omitempty"`
}

func (s *Server) generateGrid(c *fiber.Ctx) error {
	var body gridBody
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, invalidRequest, "invalid request body", nil)
	}
	if fields, err := s.check(&body); err != nil {
		return s.failErr(c, err, fields)
	}

	req := gridcredit.BatchRequest{
		Items:       workItems(body.Prompts),
		Description: body.CharacterDNA,
		Style:       body.Style,
	}
	req.Reference, _ = decodeImage(body.ReferenceImage)
	switch {
	case body.AnchorImage != "":
		anchor, _ := decodeImage(body.AnchorImage)
		req.Anchor = &anchor
	case body.IsSlave:
		anchor := req.Reference
		req.Anchor = &anchor
	}

	res, err := s.run(c, req)
	if res == nil {
		return err
	}
	if res.Succeeded() == 0 {
		refunded := len(res.Groups) > 0 && res.Groups[0].Refunded
		return s.failErr(c, firstFailure(res.BatchResult, res.err), fiber.Map{"refunded": refunded})
	}

	g := res.Groups[0]
	images := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		images = append(images, encodeImage(it.Image))
	}
	return ok(c, fiber.Map{
		"gridImage": encodeImage(g.Composite),
		"images":    images,
		"mode":      g.Mode,
	})
}

func (s *Server) generateBatch(c *fiber.Ctx) error {
	var body batchBody
	if err := c.BodyParser(&body); err != nil {
		return fail(c, fiber.StatusBadRequest, invalidRequest, "invalid request body", nil)
	}
	if fields, err := s.check(&body); err != nil {
		return s.failErr(c, err, fields)
	}
	if len(body.Items) > s.cfg.MaxBatchItems {
		return fail(c, fiber.StatusBadRequest, invalidRequest,
			"too many items, at most "+strconv.Itoa(s.cfg.MaxBatchItems)+" per batch", nil)
	}

	req := gridcredit.BatchRequest{
		Items:       workItems(body.Items),
		Description: body.CharacterDNA,
		Style:       body.Style,
	}
	req.Reference, _ = decodeImage(body.ReferenceImage)
	if body.AnchorImage != "" {
		anchor, _ := decodeImage(body.AnchorImage)
		req.Anchor = &anchor
	}

	res, err := s.run(c, req)
	if res == nil {
		return err
	}
	view := newBatchView(res.BatchResult, res.err)
	if res.Succeeded() == 0 {
		return s.failErr(c, firstFailure(res.BatchResult, res.err), view)
	}
	return ok(c, view)
}

// outcome is a finished run and the error it stopped with, if any.
type outcome struct {
	gridcredit.BatchResult
	err error
}

// admit applies the payment mode's admission checks and returns the credit
// the run draws on. A nil credit means a response was already written and
// err is what the handler returns.
func (s *Server) admit(c *fiber.Ctx) (gridcredit.Credit, error) {
	uid := userID(c)
	if s.cfg.PaymentMode == gridcredit.PaymentPaid {
		token := c.Get("X-Payment-Token")
		if token == "" {
			return nil, s.denied(c, gridcredit.ErrPaymentRequired)
		}
		return s.deps.Ledger.OrderCredit(token, uid), nil
	}

	ip := gridcredit.ParseUserID(uid).IP
	verdict, err := s.deps.Guard.Check(c.UserContext(), ip, deviceID(c))
	if err != nil {
		return nil, s.failErr(c, err, nil)
	}
	if !verdict.Allowed {
		return nil, fail(c, fiber.StatusTooManyRequests, gridcredit.Code(gridcredit.ErrIPDeviceLimit),
			"too many devices from this network today", fiber.Map{"deviceCount": verdict.DeviceCount})
	}
	return s.deps.Ledger.FreeCredit(uid), nil
}

// run admits the caller and runs req. A nil result means a response was
// already written and err is what the handler returns.
func (s *Server) run(c *fiber.Ctx, req gridcredit.BatchRequest) (*outcome, error) {
	credit, err := s.admit(c)
	if credit == nil {
		return nil, err
	}
	res, err := s.deps.Orchestrator.Run(c.UserContext(), req, credit)
	if err != nil && gridcredit.IsLedgerDenial(err) && len(res.Groups) == 0 {
		return nil, s.denied(c, err)
	}
	return &outcome{BatchResult: res, err: err}, nil
}

func (s *Server) denied(c *fiber.Ctx, err error) error {
	if s.cfg.PaymentMode == gridcredit.PaymentPaid {
		return s.failErr(c, err, fiber.Map{"paymentUrl": "/payment?count=4"})
	}
	return s.failErr(c, err, fiber.Map{"mode": gridcredit.PaymentFree})
}

func workItems(prompts []promptBody) []gridcredit.WorkItem {
	items := make([]gridcredit.WorkItem, len(prompts))
	for i, p := range prompts {
		id := p.ID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		items[i] = gridcredit.WorkItem{ID: id, Prompt: p.Prompt}
	}
	return items
}

// firstFailure picks the error that explains a run with no successes.
func firstFailure(res gridcredit.BatchResult, err error) error {
	if err != nil {
		return err
	}
	for _, g := range res.Groups {
		if g.Err != nil {
			return g.Err
		}
	}
	return gridcredit.ErrSynthesisFailed
}

func newBatchView(res gridcredit.BatchResult, err error) batchView {
	v := batchView{
		Items:       make([]itemView, 0, len(res.Items)),
		Groups:      make([]groupView, 0, len(res.Groups)),
		AnchorImage: encodeImage(res.Anchor),
		Succeeded:   res.Succeeded(),
		RateLimited: res.RateLimited,
		Canceled:    res.Canceled,
	}
	if err != nil {
		v.StopReason = gridcredit.Code(err)
	}
	for _, it := range res.Items {
		iv := itemView{
			ID:     it.Item.ID,
			Prompt: it.Item.Prompt,
			Group:  it.Group,
			Status: string(it.Status),
			Image:  encodeImage(it.Image),
		}
		if it.Err != nil {
			iv.Error = gridcredit.Code(it.Err)
		}
		v.Items = append(v.Items, iv)
	}
	for _, g := range res.Groups {
		gv := groupView{
			Index:      g.Index,
			Mode:       string(g.Mode),
			Items:      len(g.Items),
			DurationMs: g.Duration.Milliseconds(),
			Refunded:   g.Refunded,
		}
		if g.Err != nil {
			gv.Error = gridcredit.Code(g.Err)
		}
		v.Groups = append(v.Groups, gv)
	}
	return v
}
