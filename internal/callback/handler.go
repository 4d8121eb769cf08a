package callback

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mpesa-reconciler/internal/logcontext"
	"mpesa-reconciler/internal/payload"
)

const (
	ActionReconcile       = "reconcile"
	ActionConfirm         = "confirm"
	ActionValidate        = "validate"
	ActionReversalResult  = "reversal_result"
	ActionReversalTimeout = "reversal_timeout"

	SignatureHeader = "X-Signature"

	// provider webhooks are a few KiB at most
	maxWebhookBody = 64 << 10
)

type SignatureValidator interface {
	ValidateCallback(payload []byte, providedSignature string) bool
}

type HandlerConfig struct {
	RequireSignature   bool
	ReversalForwardURL string
}

// Handler is the single webhook entry point; the action query parameter picks the flow.
type Handler struct {
	processor *Processor
	validator Validator
	signature SignatureValidator
	sender    *Sender
	cfg       HandlerConfig
	logger    *slog.Logger
}

func NewHandler(processor *Processor, validator Validator, signature SignatureValidator, sender *Sender, cfg HandlerConfig, logger *slog.Logger) *Handler {
	return &Handler{
		processor: processor,
		validator: validator,
		signature: signature,
		sender:    sender,
		cfg:       cfg,
		logger:    logger,
	}
}

func (h *Handler) Handle(c *gin.Context) {
	action := c.Query("action")
	ctx := logcontext.AppendCtx(c.Request.Context(),
		slog.String("requestId", uuid.New().String()),
		slog.String("action", action))

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.logger.WarnContext(ctx, "Webhook body too large", "limit", tooLarge.Limit)
		outcomeCounter(action, "too_large").Inc()
		c.JSON(http.StatusRequestEntityTooLarge, payload.AckRejected("Payload too large"))
		return
	}
	if err != nil {
		h.logger.WarnContext(ctx, "Error reading webhook body", "error", err)
		c.JSON(http.StatusBadRequest, payload.AckRejected("Unreadable body"))
		return
	}

	if h.cfg.RequireSignature && !h.signature.ValidateCallback(body, c.GetHeader(SignatureHeader)) {
		h.logger.WarnContext(ctx, "Webhook signature rejected")
		outcomeCounter(action, "bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, payload.AckRejected("Invalid signature"))
		return
	}

	switch action {
	case ActionReconcile:
		c.JSON(http.StatusOK, h.processor.HandleReconciliation(ctx, body).Ack)
	case ActionConfirm:
		c.JSON(http.StatusOK, h.processor.HandleC2BConfirmation(ctx, body).Ack)
	case ActionValidate:
		c.JSON(http.StatusOK, h.processor.HandleC2BValidation(ctx, body, h.validator))
	case ActionReversalResult, ActionReversalTimeout:
		h.forward(ctx, action, body)
		c.JSON(http.StatusOK, payload.AckAccepted())
	default:
		h.logger.WarnContext(ctx, "Unknown webhook action")
		c.JSON(http.StatusBadRequest, payload.AckRejected("Unknown action"))
	}
}

func (h *Handler) forward(ctx context.Context, action string, body []byte) {
	if h.cfg.ReversalForwardURL == "" || h.sender == nil {
		h.logger.InfoContext(ctx, "Reversal webhook received, no forward URL configured", "body", string(body))
		outcomeCounter(action, Ignored).Inc()
		return
	}

	if err := h.sender.Send(ctx, withAction(h.cfg.ReversalForwardURL, action), body); err != nil {
		h.logger.ErrorContext(ctx, "Error forwarding reversal webhook", "error", err)
		outcomeCounter(action, Failed).Inc()
		return
	}
	outcomeCounter(action, Processed).Inc()
}

func withAction(raw, action string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("action", action)
	u.RawQuery = q.Encode()
	return u.String()
}
