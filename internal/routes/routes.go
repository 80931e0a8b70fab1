package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/example/courtside/internal/config"
	"github.com/example/courtside/internal/database"
	"github.com/example/courtside/internal/handlers"
	"github.com/example/courtside/internal/newebpay"
	"github.com/example/courtside/internal/services"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config, log *logrus.Logger) {
	gateway := newebpay.NewClient(
		newebpay.Secrets{
			MerchantID: cfg.NewebpayMerchantID,
			HashKey:    cfg.NewebpayHashKey,
			HashIV:     cfg.NewebpayHashIV,
		},
		newebpay.Endpoints{
			MPG:           cfg.NewebpayMPGURL,
			Query:         cfg.NewebpayQueryURL,
			Cancel:        cfg.NewebpayCancelURL,
			Close:         cfg.NewebpayCloseURL,
			EWalletRefund: cfg.NewebpayEWalletRefundURL,
		},
		cfg.ProviderTimeout,
	)

	store := database.NewPaymentStore(db)
	paymentService := services.NewPaymentService(store, gateway, log)
	paymentHandler := handlers.NewPaymentHandler(paymentService, store, log)

	api := app.Group("/api")

	api.Post("/payment/checkout", paymentHandler.Checkout)
	api.Post("/newebpay/notify", paymentHandler.Notify)

	payments := api.Group("/payments")
	payments.Get("/", paymentHandler.ListPayments)
	payments.Get("/:orderNo", paymentHandler.GetPayment)
	payments.Get("/:orderNo/query", paymentHandler.Query)
	payments.Post("/:orderNo/cancel", paymentHandler.CancelPending)
	payments.Post("/:orderNo/cancel-auth", paymentHandler.CancelAuth)
	payments.Post("/:orderNo/capture", paymentHandler.Capture)
	payments.Post("/:orderNo/refund", paymentHandler.Refund)
	payments.Post("/:orderNo/refund/confirm", paymentHandler.ConfirmRefund)
}
