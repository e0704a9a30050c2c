package settlement

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/middleware"
	"github.com/talamala/bullion/internal/validate"
)

// Handler exposes the orchestrated flows over HTTP. Every mutating route
// expects the Idempotency-Key accepted by middleware.Idempotency.
type Handler struct {
	service   *Service
	validator *validate.Validator
}

func NewHandler(service *Service, v *validate.Validator) *Handler {
	return &Handler{service: service, validator: v}
}

type selectorDTO struct {
	Serial     string `json:"serial" validate:"required_without=ProductID"`
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
}

type checkoutDTO struct {
	OrderID    string        `json:"order_id" validate:"required"`
	BuyerID    string        `json:"buyer_id" validate:"required"`
	Asset      string        `json:"asset" validate:"omitempty,asset"`
	Amount     int64         `json:"amount" validate:"gt=0"`
	Units      []selectorDTO `json:"units" validate:"required,min=1,dive"`
	TTLSeconds int           `json:"ttl_seconds" validate:"gte=0"`
}

type settleDTO struct {
	BuyerID     string   `json:"buyer_id" validate:"required"`
	Asset       string   `json:"asset" validate:"omitempty,asset"`
	Amount      int64    `json:"amount" validate:"gt=0"`
	Tokens      []string `json:"tokens" validate:"required,min=1,dive,required"`
	Success     bool     `json:"success"`
	ExternalRef string   `json:"external_ref"`
}

type posReserveDTO struct {
	DealerID   string `json:"dealer_id" validate:"required"`
	ProductID  string `json:"product_id" validate:"required"`
	CustomerID string `json:"customer_id"`
	TTLSeconds int    `json:"ttl_seconds" validate:"gte=0"`
}

type posConfirmDTO struct {
	SaleID          string `json:"sale_id" validate:"required"`
	DealerID        string `json:"dealer_id" validate:"required"`
	CustomerID      string `json:"customer_id"`
	PaymentRef      string `json:"payment_ref"`
	Commission      int64  `json:"commission" validate:"gte=0"`
	CommissionAsset string `json:"commission_asset" validate:"omitempty,asset"`
}

type buybackDTO struct {
	BuybackID   string `json:"buyback_id" validate:"required"`
	Serial      string `json:"serial" validate:"required"`
	CustomerID  string `json:"customer_id" validate:"required"`
	LocationID  string `json:"location_id"`
	Payout      int64  `json:"payout" validate:"gt=0"`
	PayoutAsset string `json:"payout_asset" validate:"omitempty,asset"`
	WageRefund  int64  `json:"wage_refund" validate:"gte=0"`
}

type tradeDTO struct {
	TradeID     string `json:"trade_id" validate:"required"`
	OwnerID     string `json:"owner_id" validate:"required"`
	Side        string `json:"side" validate:"required,oneof=buy sell"`
	MoneyAmount int64  `json:"money_amount" validate:"gt=0"`
	MetalAmount int64  `json:"metal_amount" validate:"gt=0"`
}

func orIRR(raw string) asset.Code {
	if raw == "" {
		return asset.IRR
	}
	return asset.Code(raw)
}

// StartCheckout handles POST /checkouts.
func (h *Handler) StartCheckout(c *fiber.Ctx) error {
	var req checkoutDTO
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}
	units := make([]inventory.Selector, 0, len(req.Units))
	for _, u := range req.Units {
		units = append(units, inventory.Selector{Serial: u.Serial, ProductID: u.ProductID, LocationID: u.LocationID})
	}
	hold, err := h.service.StartCheckout(c.UserContext(), CheckoutRequest{
		Key:     middleware.IdempotencyKey(c),
		OrderID: req.OrderID,
		BuyerID: req.BuyerID,
		Asset:   orIRR(req.Asset),
		Amount:  req.Amount,
		Units:   units,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(hold)
}

// SettleCheckout handles POST /checkouts/:orderId/settle.
func (h *Handler) SettleCheckout(c *fiber.Ctx) error {
	var req settleDTO
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}
	out, err := h.service.SettleCheckout(c.UserContext(), SettleRequest{
		Key:     middleware.IdempotencyKey(c),
		OrderID: c.Params("orderId"),
		BuyerID: req.BuyerID,
		Asset:   orIRR(req.Asset),
		Amount:  req.Amount,
		Tokens:  req.Tokens,
		Outcome: PaymentOutcome{Success: req.Success, ExternalRef: req.ExternalRef},
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(out)
}

// ReservePOS handles POST /pos/reservations.
func (h *Handler) ReservePOS(c *fiber.Ctx) error {
	var req posReserveDTO
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}
	res, err := h.service.ReservePOS(c.UserContext(), POSReserveRequest{
		Key:        middleware.IdempotencyKey(c),
		DealerID:   req.DealerID,
		ProductID:  req.ProductID,
		CustomerID: req.CustomerID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(res)
}

// ConfirmPOSSale handles POST /pos/reservations/:token/confirm.
func (h *Handler) ConfirmPOSSale(c *fiber.Ctx) error {
	var req posConfirmDTO
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}
	sale, err := h.service.ConfirmPOSSale(c.UserContext(), POSSaleRequest{
		Key:             middleware.IdempotencyKey(c),
		SaleID:          req.SaleID,
		Token:           c.Params("token"),
		DealerID:        req.DealerID,
		CustomerID:      req.CustomerID,
		PaymentRef:      req.PaymentRef,
		Commission:      req.Commission,
		CommissionAsset: asset.Code(req.CommissionAsset),
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(sale)
}

// CancelPOS handles DELETE /pos/reservations/:token?dealer_id=.
func (h *Handler) CancelPOS(c *fiber.Ctx) error {
	dealer := c.Query("dealer_id")
	if dealer == "" {
		return fiber.NewError(http.StatusBadRequest, "dealer_id is required")
	}
	released, err := h.service.CancelPOS(c.UserContext(), dealer, c.Params("token"))
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"released": released})
}

// Buyback handles POST /buybacks.
func (h *Handler) Buyback(c *fiber.Ctx) error {
	var req buybackDTO
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}
	out, err := h.service.Buyback(c.UserContext(), BuybackRequest{
		Key:         middleware.IdempotencyKey(c),
		BuybackID:   req.BuybackID,
		Serial:      req.Serial,
		CustomerID:  req.CustomerID,
		LocationID:  req.LocationID,
		Payout:      req.Payout,
		PayoutAsset: asset.Code(req.PayoutAsset),
		WageRefund:  req.WageRefund,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(out)
}

// Trade handles POST /trades.
func (h *Handler) Trade(c *fiber.Ctx) error {
	var req tradeDTO
	if err := h.validator.Body(c, &req); err != nil {
		return err
	}
	out, err := h.service.TradeMetal(c.UserContext(), TradeRequest{
		Key:         middleware.IdempotencyKey(c),
		TradeID:     req.TradeID,
		OwnerID:     req.OwnerID,
		Side:        Side(req.Side),
		MoneyAmount: req.MoneyAmount,
		MetalAmount: req.MetalAmount,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(out)
}
