package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v74/webhook"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atelier-erp/settlement/internal/models"
	"github.com/atelier-erp/settlement/internal/services"
)

// Handlers holds every route handler and its dependencies.
type Handlers struct {
	invoices    *services.InvoiceService
	payments    *services.PaymentService
	creditNotes *services.CreditNoteService
	refunds     *services.RefundService
	webhooks    *services.WebhookService
	syncer      *services.SyncService
	monitoring  *services.MonitoringService
	logger      *zap.Logger

	webhookSecret  string
	webhookLimiter *rate.Limiter
}

func NewHandlers(
	invoices *services.InvoiceService,
	payments *services.PaymentService,
	creditNotes *services.CreditNoteService,
	refunds *services.RefundService,
	webhooks *services.WebhookService,
	syncer *services.SyncService,
	monitoring *services.MonitoringService,
	webhookSecret string,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		invoices:    invoices,
		payments:    payments,
		creditNotes: creditNotes,
		refunds:     refunds,
		webhooks:    webhooks,
		syncer:      syncer,
		monitoring:  monitoring,
		logger:      logger,

		webhookSecret: webhookSecret,
		// Stripe bursts on redelivery; 50 rps with burst headroom.
		webhookLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// RegisterRoutes mounts all routes on the router.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})
	router.GET("/health/detailed", h.monitoring.HandleHealthCheck)
	router.GET("/metrics", h.monitoring.HandleMetrics)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/webhooks/stripe", h.HandleStripeWebhook)
		v1.POST("/webhooks/retry/:event_id", h.RetryWebhook)
		v1.POST("/webhooks/retry-all", h.RetryAllWebhooks)

		v1.POST("/invoices", h.CreateInvoice)
		v1.POST("/invoices/:id/issue", h.IssueInvoice)

		v1.GET("/payments", h.ListPayments)
		v1.POST("/payments/bank", h.CreateBankPayment)
		v1.POST("/payments/:id/apply", h.ApplyPayment)
		v1.POST("/payments/:id/reconcile", h.ReconcilePayment)

		v1.GET("/credit-notes", h.ListCreditNotes)
		v1.POST("/credit-notes", h.CreateCreditNote)
		v1.POST("/credit-notes/:id/issue", h.IssueCreditNote)
		v1.POST("/credit-notes/:id/apply", h.ApplyCreditNote)

		v1.POST("/refunds", h.CreateRefund)
		v1.POST("/refunds/:id/process", h.ProcessRefund)
		v1.POST("/refunds/:id/mark-processed", h.MarkRefundProcessed)
		v1.POST("/refunds/:id/retry", h.RetryRefund)

		v1.GET("/sync/logs", h.ListSyncLogs)
		v1.POST("/sync/invoices/:id", h.SyncInvoice)
		v1.POST("/sync/credit-notes/:id", h.SyncCreditNote)
		v1.POST("/sync/payments/:id", h.SyncPayment)
		v1.POST("/sync/retry/:log_id", h.RetrySync)
		v1.POST("/sync/retry-all", h.RetryAllSync)
	}
}

// HandleStripeWebhook verifies the processor signature and dispatches
// the event. A processing failure returns 500 so the processor
// redelivers; dedup makes that safe.
func (h *Handlers) HandleStripeWebhook(c *gin.Context) {
	if !h.webhookLimiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	event, err := webhook.ConstructEvent(body, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	if err := h.webhooks.ProcessEvent(c.Request.Context(), &event, body); err != nil {
		h.logger.Error("webhook processing failed",
			zap.String("event_id", event.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handlers) RetryWebhook(c *gin.Context) {
	if err := h.webhooks.RetryFailedWebhook(c.Request.Context(), c.Param("event_id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": true})
}

func (h *Handlers) RetryAllWebhooks(c *gin.Context) {
	retried, err := h.webhooks.RetryAllFailedWebhooks(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": retried})
}

type createInvoiceRequest struct {
	CustomerID  uuid.UUID  `json:"customer_id" binding:"required"`
	TotalAmount string     `json:"total_amount" binding:"required"`
	Currency    string     `json:"currency" binding:"required"`
	DueDate     *time.Time `json:"due_date"`
	Notes       string     `json:"notes"`
}

func (h *Handlers) CreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.TotalAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_amount"})
		return
	}

	invoice, err := h.invoices.CreateDraft(c.Request.Context(), req.CustomerID, amount, req.Currency, req.DueDate, req.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invoice)
}

func (h *Handlers) IssueInvoice(c *gin.Context) {
	id, ok := h.parseID(c, c.Param("id"))
	if !ok {
		return
	}
	invoice, err := h.invoices.Issue(c.Request.Context(), id, h.userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, invoice)
}

func (h *Handlers) ListPayments(c *gin.Context) {
	page, limit := h.pagination(c)

	filters := make(map[string]interface{})
	if status := c.Query("status"); status != "" {
		filters["status"] = status
	}
	if recon := c.Query("reconciliation_status"); recon != "" {
		filters["reconciliation_status"] = recon
	}
	if source := c.Query("source"); source != "" {
		filters["source"] = source
	}
	if customerID := c.Query("customer_id"); customerID != "" {
		id, err := uuid.Parse(customerID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid customer_id"})
			return
		}
		filters["customer_id"] = id
	}

	payments, total, err := h.payments.ListPayments(c.Request.Context(), filters, page, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

type createBankPaymentRequest struct {
	Amount        string     `json:"amount" binding:"required"`
	Currency      string     `json:"currency" binding:"required"`
	BankReference string     `json:"bank_reference"`
	CustomerID    *uuid.UUID `json:"customer_id"`
	ReceivedAt    *time.Time `json:"received_at"`
}

func (h *Handlers) CreateBankPayment(c *gin.Context) {
	var req createBankPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	payment, err := h.payments.CreateBankPayment(c.Request.Context(), amount, req.BankReference, req.CustomerID, req.Currency, req.ReceivedAt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

type applyPaymentRequest struct {
	InvoiceID uuid.UUID `json:"invoice_id" binding:"required"`
	Amount    string    `json:"amount" binding:"required"`
}

func (h *Handlers) ApplyPayment(c *gin.Context) {
	paymentID, ok := h.parseID(c, c.Param("id"))
	if !ok {
		return
	}
	var req applyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	application, err := h.payments.ApplyToInvoice(c.Request.Context(), paymentID, req.InvoiceID, amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, application)
}

type reconcilePaymentRequest struct {
	Status models.ReconciliationStatus `json:"status" binding:"required"`
}

func (h *Handlers) ReconcilePayment(c *gin.Context) {
	paymentID, ok := h.parseID(c, c.Param("id"))
	if !ok {
		return
	}
	var req reconcilePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payment, err := h.payments.MarkReconciled(c.Request.Context(), paymentID, req.Status, h.userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handlers) ListCreditNotes(c *gin.Context) {
	page, limit := h.pagination(c)

	var invoiceID *uuid.UUID
	if raw := c.Query("invoice_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice_id"})
			return
		}
		invoiceID = &id
	}

	notes, total, err := h.creditNotes.ListCreditNotes(c.Request.Context(), invoiceID, page, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credit_notes": notes,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

type createCreditNoteRequest struct {
	InvoiceID uuid.UUID `json:"invoice_id" binding:"required"`
	Amount    string    `json:"amount" binding:"required"`
	Reason    string    `json:"reason" binding:"required"`
}

func (h *Handlers) CreateCreditNote(c *gin.Context) {
	var req createCreditNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	note, err := h.creditNotes.CreateDraft(c.Request.Context(), req.InvoiceID, amount, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *Handlers) IssueCreditNote(c *gin.Context) {
	id, ok := h.parseID(c, c.Param("id"))
	if !ok {
		return
	}
	note, err := h.creditNotes.Issue(c.Request.Context(), id, h.userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *Handlers) ApplyCreditNote(c *gin.Context) {
	id, ok := h.parseID(c, c.Param("id"))
	if !ok {
		return
	}
	note, err := h.creditNotes.Apply(c.Request.Context(), id, h.userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

type createRefundRequest struct {
	InvoiceID uuid.UUID           `json:"invoice_id" binding:"required"`
	PaymentID uuid.UUID           `json:"payment_id" binding:"required"`
	Amount    string              `json:"amount" binding:"required"`
	Method    models.RefundMethod `json:"method" binding:"required"`
	Reason    string              `json:"reason" binding:"required"`
}

func (h *Handlers) CreateRefund(c *gin.Context) {
	var req createRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	refund, err := h.refunds.Create(c.Request.Context(), req.InvoiceID, req.PaymentID, amount, req.Method, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

func (h *Handlers) ProcessRefund(c *gin.Context) {
	id, ok := h.parseID(c, c.Param("id"))
	if !ok {
		return
	}
	refund, err := h.refunds.ProcessStripeRefund(c.Request.Context(), id)
	if err != nil {
		if refund != nil {
			// The refund failed at the processor; report its final
			// state rather than a bare error.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "refund": refund})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

type markRefundProcessedRequest struct {
	BankReference string `json:"bank_reference" binding:"required"`
}

func (h *Handlers) MarkRefundProcessed(c *gin.Context) {
	id, ok := h.parseID(c, c.Param("id"))
	if !ok {
		return
	}
	var req markRefundProcessedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	refund, err := h.refunds.MarkProcessed(c.Request.Context(), id, req.BankReference)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

func (h *Handlers) RetryRefund(c *gin.Context) {
	id, ok := h.parseID(c, c.Param("id"))
	if !ok {
		return
	}
	refund, err := h.refunds.RetryRefund(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

func (h *Handlers) ListSyncLogs(c *gin.Context) {
	page, limit := h.pagination(c)
	logs, total, err := h.syncer.ListSyncLogs(c.Request.Context(), c.Query("sync_type"), c.Query("status"), page, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sync_logs": logs,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

func (h *Handlers) SyncInvoice(c *gin.Context) {
	h.runSync(c, h.syncer.SyncInvoice)
}

func (h *Handlers) SyncCreditNote(c *gin.Context) {
	h.runSync(c, h.syncer.SyncCreditNote)
}

func (h *Handlers) SyncPayment(c *gin.Context) {
	h.runSync(c, h.syncer.SyncPayment)
}

func (h *Handlers) RetrySync(c *gin.Context) {
	id, ok := h.parseID(c, c.Param("log_id"))
	if !ok {
		return
	}
	log, err := h.syncer.RetryFailed(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *Handlers) RetryAllSync(c *gin.Context) {
	retried, err := h.syncer.RetryAllFailed(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": retried})
}

func (h *Handlers) runSync(c *gin.Context, sync func(ctx context.Context, id uuid.UUID) (*models.XeroSyncLog, error)) {
	id, ok := h.parseID(c, c.Param("id"))
	if !ok {
		return
	}
	log, err := sync(c.Request.Context(), id)
	if err != nil {
		if log != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "sync_log": log})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (h *Handlers) parseID(c *gin.Context, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

// userID extracts the acting user from the X-User-ID header when the
// caller's gateway provides one.
func (h *Handlers) userID(c *gin.Context) *uuid.UUID {
	if raw := c.GetHeader("X-User-ID"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return &id
		}
	}
	return nil
}
