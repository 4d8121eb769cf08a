package service

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mpesa-reconciler/internal/currency"
	"mpesa-reconciler/internal/db"
	"mpesa-reconciler/internal/logcontext"
	"mpesa-reconciler/internal/mpesa"
	"mpesa-reconciler/internal/payload"
)

type Payments interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Reverse(ctx context.Context, orderID, remarks string) (*mpesa.ReversalResult, error)
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler exposes payment initiation and reversal over HTTP.
type Handler struct {
	payments Payments
	logger   *slog.Logger
}

func NewHandler(payments Payments, logger *slog.Logger) *Handler {
	return &Handler{payments: payments, logger: logger}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/payments", h.Initiate)
	r.POST("/payments/:orderId/reversal", h.Reverse)
}

func (h *Handler) Initiate(c *gin.Context) {
	ctx := logcontext.AppendCtx(c.Request.Context(), slog.String("requestId", uuid.New().String()))

	var req payload.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	res, err := h.payments.Initiate(ctx, InitiateRequest{
		OrderID:     req.OrderID,
		Phone:       req.Phone,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
	})
	if err != nil {
		h.fail(ctx, c, err)
		return
	}

	if res.Rejection != nil {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handler) Reverse(c *gin.Context) {
	orderID := c.Param("orderId")
	ctx := logcontext.AppendCtx(c.Request.Context(), slog.String("requestId", uuid.New().String()))

	var req payload.ReversalRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
	}

	res, err := h.payments.Reverse(ctx, orderID, req.Remarks)
	if err != nil {
		h.fail(ctx, c, err)
		return
	}

	if res.Rejection != nil {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handler) fail(ctx context.Context, c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "Payment request failed", "error", err)
	}
	c.JSON(status, errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, currency.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrReversalDisabled):
		return http.StatusForbidden
	case errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrNotPaid):
		return http.StatusConflict
	case errors.Is(err, currency.ErrNoRateAvailable), errors.Is(err, currency.ErrInvalidRate):
		return http.StatusUnprocessableEntity
	case mpesa.KindOf(err) != 0:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
