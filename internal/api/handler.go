package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"trust-service/internal/models"
	"trust-service/internal/service"
	"trust-service/internal/util"
)

// Handler contains HTTP handlers
type Handler struct {
	trust   *service.TrustService
	orders  *service.OrderService
	wallets *service.WalletService
}

// NewHandler creates a new HTTP handler
func NewHandler(trust *service.TrustService, orders *service.OrderService, wallets *service.WalletService) *Handler {
	return &Handler{
		trust:   trust,
		orders:  orders,
		wallets: wallets,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/users/:id/trust", h.getTrustSnapshot)
		v1.POST("/trust/events", h.recordTrustEvent)
		v1.POST("/users/:id/kyc/approve", h.approveKYC)
		v1.POST("/users/:id/login-failures", h.registerLoginFailure)

		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/pay", h.chargeOrder)
		v1.POST("/orders/:id/shipped", h.markShipped)
		v1.POST("/orders/:id/delivered", h.markDelivered)
		v1.POST("/orders/:id/dispute", h.disputeEscrow)
		v1.POST("/orders/:id/release", h.releaseEscrow)

		v1.GET("/users/:id/wallet", h.getWallet)
		v1.POST("/users/:id/wallet/topup", h.topupWallet)
		v1.POST("/payments/:id/refund", h.refundPayment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) getTrustSnapshot(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}

	snap, err := h.trust.GetTrustSnapshot(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Profile not found", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type recordTrustEventRequest struct {
	UserID         int64  `json:"user_id" binding:"required"`
	Kind           string `json:"kind" binding:"required"`
	SourceApp      string `json:"source_app" binding:"required"`
	SourceEventID  string `json:"source_event_id" binding:"required"`
	Meta           string `json:"meta,omitempty"`
	DeltaBuyer     int    `json:"delta_buyer"`
	DeltaSeller    int    `json:"delta_seller"`
	ApplyBonusSync *bool  `json:"apply_bonus_sync,omitempty"`
}

func (h *Handler) recordTrustEvent(c *gin.Context) {
	var req recordTrustEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	applyBonus := true
	if req.ApplyBonusSync != nil {
		applyBonus = *req.ApplyBonusSync
	}

	ev, err := h.trust.RecordEvent(c.Request.Context(), service.RecordEventParams{
		UserID:         req.UserID,
		Kind:           models.TrustEventKind(req.Kind),
		SourceApp:      req.SourceApp,
		SourceEventID:  req.SourceEventID,
		Meta:           req.Meta,
		DeltaBuyer:     req.DeltaBuyer,
		DeltaSeller:    req.DeltaSeller,
		ApplyBonusSync: applyBonus,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *Handler) approveKYC(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req struct {
		SourceEventID string `json:"source_event_id,omitempty"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.trust.ApproveKYC(c.Request.Context(), userID, req.SourceEventID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

func (h *Handler) registerLoginFailure(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.trust.RegisterLoginFailure(c.Request.Context(), userID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	order, items, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "items": items})
}

func (h *Handler) chargeOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	payment, err := h.wallets.ChargeOrderFromWallet(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

func (h *Handler) markShipped(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req struct {
		ShippedAt time.Time `json:"shipped_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.ShippedAt.IsZero() {
		req.ShippedAt = time.Now().UTC()
	}

	if err := h.orders.MarkShipped(c.Request.Context(), orderID, req.ShippedAt); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shipped"})
}

func (h *Handler) markDelivered(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req struct {
		DeliveredAt time.Time `json:"delivered_at"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.DeliveredAt.IsZero() {
		req.DeliveredAt = time.Now().UTC()
	}

	if err := h.orders.MarkDelivered(c.Request.Context(), orderID, req.DeliveredAt); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

func (h *Handler) disputeEscrow(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.orders.MarkEscrowDisputed(c.Request.Context(), orderID, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disputed"})
}

func (h *Handler) releaseEscrow(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	if err := h.orders.ReleaseEscrow(c.Request.Context(), orderID, "manual"); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

func (h *Handler) getWallet(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}

	wallet, err := h.wallets.GetWallet(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Wallet not found", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, wallet)
}

type topupRequest struct {
	Amount     string `json:"amount" binding:"required"`
	ExternalID string `json:"external_id,omitempty"`
}

func (h *Handler) topupWallet(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req topupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount", "details": err.Error()})
		return
	}

	tx, err := h.wallets.Credit(c.Request.Context(), userID, amount, models.TxTopup, req.ExternalID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

type refundRequest struct {
	Amount   string `json:"amount" binding:"required"`
	ToWallet bool   `json:"to_wallet"`
}

func (h *Handler) refundPayment(c *gin.Context) {
	paymentID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount", "details": err.Error()})
		return
	}

	refund, err := h.wallets.RefundPayment(c.Request.Context(), paymentID, amount, req.ToWallet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}

// writeError maps the domain error taxonomy onto HTTP statuses: validation
// to 400, insufficient funds to 402, policy boundaries to 409.
func writeError(c *gin.Context, err error) {
	switch {
	case models.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case models.IsPolicy(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "details": err.Error()})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
