package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wenwu/saas-platform/panel-order-service/internal/client"
	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
	"github.com/wenwu/saas-platform/panel-order-service/internal/repository"
	"github.com/wenwu/saas-platform/panel-order-service/internal/service"
)

// OrderAPI is the order lifecycle as seen by the HTTP layer.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, userRef string, planID int64) (*models.Order, error)
	SubmitReceipt(ctx context.Context, id int64, receiptRef string) (*models.Order, error)
	ResubmitReceipt(ctx context.Context, id int64, receiptRef string) (*models.Order, error)
	ApproveOrder(ctx context.Context, id int64) (string, error)
	RejectOrder(ctx context.Context, id int64, reason string) (*models.Order, error)
	ExpireOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	ListOrders(ctx context.Context, status models.OrderStatus, limit, offset int) ([]*models.Order, error)
	GetOrderLogs(ctx context.Context, id int64, limit int) ([]*models.OrderLog, error)
}

// SweepAPI runs one expiry sweep on demand.
type SweepAPI interface {
	RunExpirySweepCycle(ctx context.Context) service.SweepReport
}

// PlanCatalog lists the plans sold on a server.
type PlanCatalog interface {
	GetPlansByServer(ctx context.Context, serverID int64) ([]*models.Plan, error)
}

type Handler struct {
	orders  OrderAPI
	sweeper SweepAPI
	plans   PlanCatalog
	logger  *slog.Logger
}

func NewHandler(orders OrderAPI, sweeper SweepAPI, plans PlanCatalog, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		orders:  orders,
		sweeper: sweeper,
		plans:   plans,
		logger:  logger.With("component", "Handler"),
	}
}

// ==================== Internal API Handlers ====================

// PlaceOrder creates an order when the user picks a plan
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req models.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.orders.PlaceOrder(c.Request.Context(), req.UserRef, req.PlanID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.NewOrderResponse(order))
}

// GetOrder returns one order
func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewOrderResponse(order))
}

// SubmitReceipt attaches the payment receipt
func (h *Handler) SubmitReceipt(c *gin.Context) {
	h.receipt(c, h.orders.SubmitReceipt)
}

// ResubmitReceipt sends a rejected order back to review
func (h *Handler) ResubmitReceipt(c *gin.Context) {
	h.receipt(c, h.orders.ResubmitReceipt)
}

func (h *Handler) receipt(c *gin.Context, submit func(context.Context, int64, string) (*models.Order, error)) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req models.ReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := submit(c.Request.Context(), id, req.ReceiptRef)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewOrderResponse(order))
}

// ApproveOrder provisions the order and returns its connection URI
func (h *Handler) ApproveOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	h.logger.Info("approve requested", "order_id", id, "reviewer", c.GetString("userID"))

	uri, err := h.orders.ApproveOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := &models.ApproveOrderResponse{
		OrderID:       id,
		Status:        string(models.OrderStatusActive),
		ConnectionURI: uri,
	}
	if order, err := h.orders.GetOrder(c.Request.Context(), id); err == nil && order.ExpiresAt != nil {
		resp.ExpiresAt = order.ExpiresAt.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, resp)
}

// RejectOrder rejects a pending order with a reason
func (h *Handler) RejectOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req models.RejectOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("reject requested", "order_id", id, "reviewer", c.GetString("userID"))

	order, err := h.orders.RejectOrder(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewOrderResponse(order))
}

// ExpireOrder revokes an active order ahead of its expiry
func (h *Handler) ExpireOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	order, err := h.orders.ExpireOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.NewOrderResponse(order))
}

// GetOrderLogs returns the audit history of an order
func (h *Handler) GetOrderLogs(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	logs, err := h.orders.GetOrderLogs(c.Request.Context(), id, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]*models.OrderLogResponse, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, &models.OrderLogResponse{
			Action:    l.Action,
			Status:    l.Status,
			Message:   l.Message,
			Metadata:  l.Metadata,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": resp})
}

// RunSweep runs one expiry sweep cycle immediately
func (h *Handler) RunSweep(c *gin.Context) {
	report := h.sweeper.RunExpirySweepCycle(c.Request.Context())
	c.JSON(http.StatusOK, &models.SweepReportResponse{
		Found:     report.Found,
		Claimed:   report.Claimed,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Skipped:   report.Skipped,
	})
}

// GetServerPlans lists the plans sold on a server
func (h *Handler) GetServerPlans(c *gin.Context) {
	serverID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || serverID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid server id"})
		return
	}

	plans, err := h.plans.GetPlansByServer(c.Request.Context(), serverID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]*models.PlanResponse, 0, len(plans))
	for _, p := range plans {
		resp = append(resp, models.NewPlanResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"plans": resp})
}

// ==================== Review API Handlers ====================

// ListOrders lists orders for reviewers, optionally by status
func (h *Handler) ListOrders(c *gin.Context) {
	status := models.OrderStatus(c.Query("status"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	orders, err := h.orders.ListOrders(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]*models.OrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, models.NewOrderResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": resp})
}

// ==================== Helpers ====================

func orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return 0, false
	}
	return id, true
}

// writeError maps service and panel errors to HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func classify(err error) (int, string) {
	var (
		invalid     *service.InvalidTransitionError
		conflict    *service.ProvisioningConflictError
		unreachable *client.PanelUnreachableError
		authErr     *client.AuthError
		sessionErr  *client.SessionError
		validation  *client.ValidationError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, service.ErrClaimConflict):
		return http.StatusConflict, "claim_conflict"
	case errors.As(err, &conflict):
		return http.StatusConflict, "provisioning_conflict"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.As(err, &unreachable):
		return http.StatusServiceUnavailable, "panel_unreachable"
	case errors.As(err, &authErr):
		return http.StatusBadGateway, "panel_auth_failed"
	case errors.As(err, &sessionErr):
		return http.StatusBadGateway, "panel_session_rejected"
	case errors.As(err, &validation):
		return http.StatusBadGateway, "panel_invalid_response"
	}
	return http.StatusInternalServerError, "internal"
}
