package handlers

import (
	"errors"
	"html"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/example/courtside/internal/database"
	"github.com/example/courtside/internal/models"
	"github.com/example/courtside/internal/newebpay"
	"github.com/example/courtside/internal/services"
	"github.com/example/courtside/internal/utils"
)

// PaymentHandler manages checkout, the NewebPay notify callback and the
// back-stage payment operations.
type PaymentHandler struct {
	service *services.PaymentService
	store   *database.PaymentStore
	log     *logrus.Logger
}

func NewPaymentHandler(service *services.PaymentService, store *database.PaymentStore, log *logrus.Logger) *PaymentHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PaymentHandler{service: service, store: store, log: log}
}

type payerInfoRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type checkoutRequest struct {
	ReservationID  string           `json:"reservation_id"`
	Payer          payerInfoRequest `json:"payer_info"`
	Amount         int              `json:"amount"`
	ItemDesc       string           `json:"item_desc"`
	NotifyURL      string           `json:"notify_url"`
	ReturnURL      string           `json:"return_url"`
	CustomerURL    string           `json:"customer_url"`
	ClientBackURL  string           `json:"client_back_url"`
	LangType       string           `json:"lang_type"`
	EnablePayments map[string]int   `json:"enable_payments"`
}

// Checkout creates a pending payment and responds with an auto-submitting
// HTML form targeting the MPG gateway.
func (h *PaymentHandler) Checkout(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if req.Amount <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid amount")
	}
	if strings.TrimSpace(req.ItemDesc) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "item_desc is required")
	}
	if strings.TrimSpace(req.NotifyURL) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "notify_url is required")
	}

	result, err := h.service.CreatePayment(c.Context(), services.CreatePaymentCommand{
		ReservationID: req.ReservationID,
		Payer: services.PayerInfo{
			Name:  req.Payer.Name,
			Email: req.Payer.Email,
			Phone: req.Payer.Phone,
		},
		Amount:         req.Amount,
		ItemDesc:       req.ItemDesc,
		NotifyURL:      req.NotifyURL,
		ReturnURL:      req.ReturnURL,
		CustomerURL:    req.CustomerURL,
		ClientBackURL:  req.ClientBackURL,
		LangType:       req.LangType,
		EnablePayments: req.EnablePayments,
	})
	if err != nil {
		return mapPaymentError(err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(renderCheckoutForm(result.Checkout))
}

// Notify receives the provider's asynchronous payment notification. The
// reply is always the fixed literal "OK": anything else makes the provider
// retry indefinitely, and the processing outcome must not leak into the
// transport reply.
func (h *PaymentHandler) Notify(c *fiber.Ctx) error {
	n := newebpay.Notification{
		Status:     c.FormValue("Status"),
		MerchantID: c.FormValue("MerchantID"),
		Version:    c.FormValue("Version"),
		TradeInfo:  c.FormValue("TradeInfo"),
		TradeSha:   c.FormValue("TradeSha"),
	}

	if _, err := h.service.HandleNotify(c.Context(), n); err != nil {
		h.log.WithError(err).Warn("notify processing failed")
	}

	return c.SendString("OK")
}

// GetPayment returns one payment record by merchant order no.
func (h *PaymentHandler) GetPayment(c *fiber.Ctx) error {
	payment, err := h.service.GetPayment(c.Context(), c.Params("orderNo"))
	if err != nil {
		return mapPaymentError(err)
	}
	return c.JSON(payment)
}

// ListPayments returns payment history, optionally filtered by status.
func (h *PaymentHandler) ListPayments(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)

	status := models.PaymentStatus(strings.TrimSpace(c.Query("status")))
	payments, total, err := h.store.List(c.Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    payments,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// Query asks the provider for the current trade state.
func (h *PaymentHandler) Query(c *fiber.Ctx) error {
	resp, err := h.service.Query(c.Context(), c.Params("orderNo"))
	if err != nil {
		return mapPaymentError(err)
	}
	return c.JSON(providerResponseBody(resp))
}

// CancelPending voids a checkout that was never paid.
func (h *PaymentHandler) CancelPending(c *fiber.Ctx) error {
	if err := h.service.CancelPending(c.Context(), c.Params("orderNo")); err != nil {
		return mapPaymentError(err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// CancelAuth voids the credit-card authorization of a paid order.
func (h *PaymentHandler) CancelAuth(c *fiber.Ctx) error {
	resp, err := h.service.CancelAuth(c.Context(), c.Params("orderNo"))
	if err != nil {
		return mapPaymentError(err)
	}
	return c.JSON(providerResponseBody(resp))
}

// Capture requests settlement of a paid credit-card order.
func (h *PaymentHandler) Capture(c *fiber.Ctx) error {
	resp, err := h.service.Capture(c.Context(), c.Params("orderNo"))
	if err != nil {
		return mapPaymentError(err)
	}
	return c.JSON(providerResponseBody(resp))
}

// Refund submits an e-wallet refund for a paid order.
func (h *PaymentHandler) Refund(c *fiber.Ctx) error {
	resp, err := h.service.Refund(c.Context(), c.Params("orderNo"))
	if err != nil {
		return mapPaymentError(err)
	}
	return c.JSON(providerResponseBody(resp))
}

// ConfirmRefund completes a refund confirmed settled by the provider.
func (h *PaymentHandler) ConfirmRefund(c *fiber.Ctx) error {
	if err := h.service.ConfirmRefund(c.Context(), c.Params("orderNo")); err != nil {
		return mapPaymentError(err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func renderCheckoutForm(req *newebpay.CheckoutRequest) string {
	var b strings.Builder
	b.WriteString("<html><body>\n")
	b.WriteString(`<form id="newebpay" method="post" action="` + html.EscapeString(req.ActionURL) + "\">\n")
	for _, f := range req.Fields {
		b.WriteString(`<input type="hidden" name="` + html.EscapeString(f.Key) + `" value="` + html.EscapeString(f.Value) + "\"/>\n")
	}
	b.WriteString("<noscript><button type=\"submit\">Continue to Pay</button></noscript>\n")
	b.WriteString("</form>\n")
	b.WriteString(`<script>document.getElementById("newebpay").submit();</script>` + "\n")
	b.WriteString("</body></html>\n")
	return b.String()
}

func providerResponseBody(resp *newebpay.ProviderResponse) fiber.Map {
	if resp.JSON != nil {
		return fiber.Map{"result": resp.JSON}
	}
	return fiber.Map{"raw": resp.Raw}
}

func mapPaymentError(err error) error {
	switch {
	case errors.Is(err, services.ErrUnknownOrder):
		return fiber.NewError(fiber.StatusNotFound, "payment not found")
	case errors.Is(err, newebpay.ErrInvalidAmount), errors.Is(err, newebpay.ErrInvalidSelector):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, newebpay.ErrTimeout):
		return fiber.NewError(fiber.StatusGatewayTimeout, "provider request timed out")
	case errors.Is(err, newebpay.ErrTransport):
		return fiber.NewError(fiber.StatusBadGateway, "provider request failed")
	default:
		return err
	}
}
