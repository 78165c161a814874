package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/panel-order-service/internal/clock"
	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
)

var (
	// ErrClaimConflict means another worker holds or won the order.
	ErrClaimConflict = errors.New("order is claimed by another worker")
	// ErrInvalidArgument marks caller input the service refuses.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Event is a state machine input.
type Event string

const (
	EventReceiptSubmitted Event = "receiptSubmitted"
	EventApprove          Event = "approve"
	EventReject           Event = "reject"
	EventExpire           Event = "expire"
	EventResubmitReceipt  Event = "resubmitReceipt"
)

var transitions = map[models.OrderStatus]map[Event]models.OrderStatus{
	models.OrderStatusWaitingReceipt: {EventReceiptSubmitted: models.OrderStatusPendingReview},
	models.OrderStatusPendingReview: {
		EventApprove: models.OrderStatusActive,
		EventReject:  models.OrderStatusRejected,
	},
	models.OrderStatusActive:   {EventExpire: models.OrderStatusExpired},
	models.OrderStatusRejected: {EventResubmitReceipt: models.OrderStatusPendingReview},
}

// NextStatus looks up the transition table.
func NextStatus(from models.OrderStatus, event Event) (models.OrderStatus, bool) {
	to, ok := transitions[from][event]
	return to, ok
}

// InvalidTransitionError is returned for any (state, event) pair outside
// the transition table. The order is left unchanged.
type InvalidTransitionError struct {
	OrderID int64
	From    models.OrderStatus
	Event   Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %d: cannot %s from %s", e.OrderID, e.Event, e.From)
}

// OrderStore persists orders. Claim and CompareAndSwap are conditional
// updates and report false when the condition did not hold.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	List(ctx context.Context, status models.OrderStatus, limit, offset int) ([]*models.Order, error)
	// ListExpiredActive returns ACTIVE orders whose expiry is at or before
	// now and that carry no claim younger than claimTTL.
	ListExpiredActive(ctx context.Context, now time.Time, claimTTL time.Duration, limit int) ([]*models.Order, error)
	Claim(ctx context.Context, id int64, expected models.OrderStatus, token string, now time.Time, claimTTL time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id int64, token string) error
	// CompareAndSwap writes next when the stored order is in expected and
	// holds token (nil: no claim). The claim is cleared on success.
	CompareAndSwap(ctx context.Context, next *models.Order, expected models.OrderStatus, token *string) (bool, error)
}

// CatalogStore reads panel servers and plans.
type CatalogStore interface {
	GetServer(ctx context.Context, id int64) (*models.Server, error)
	GetPlan(ctx context.Context, id int64) (*models.Plan, error)
}

// AuditLog records order history.
type AuditLog interface {
	LogActionWithMetadata(ctx context.Context, orderID int64, action, status, message string, metadata map[string]interface{}) error
	GetByOrderID(ctx context.Context, orderID int64, limit int) ([]*models.OrderLog, error)
}

// Notifier delivers messages to the order's user.
type Notifier interface {
	Notify(ctx context.Context, userRef, message string) error
}

// OrderService drives orders through their lifecycle
type OrderService struct {
	orders       OrderStore
	catalog      CatalogStore
	provisioning *ProvisioningService
	audit        AuditLog
	notifier     Notifier
	clock        clock.Clock
	claimTTL     time.Duration
	logger       *slog.Logger
}

// NewOrderService creates a new order service. notifier may be nil.
func NewOrderService(
	orders OrderStore,
	catalog CatalogStore,
	provisioning *ProvisioningService,
	audit AuditLog,
	notifier Notifier,
	clk clock.Clock,
	claimTTL time.Duration,
	logger *slog.Logger,
) *OrderService {
	if clk == nil {
		clk = clock.Real()
	}
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OrderService{
		orders:       orders,
		catalog:      catalog,
		provisioning: provisioning,
		audit:        audit,
		notifier:     notifier,
		clock:        clk,
		claimTTL:     claimTTL,
		logger:       logger.With("component", "OrderService"),
	}
}

// PlaceOrder creates an order for plan in WAITING_RECEIPT.
func (s *OrderService) PlaceOrder(ctx context.Context, userRef string, planID int64) (*models.Order, error) {
	userRef = strings.TrimSpace(userRef)
	if userRef == "" {
		return nil, fmt.Errorf("%w: user reference is required", ErrInvalidArgument)
	}

	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan %d: %w", planID, err)
	}

	now := s.clock.Now()
	order := &models.Order{
		UserRef:   userRef,
		PlanID:    plan.ID,
		ServerID:  plan.ServerID,
		Status:    models.OrderStatusWaitingReceipt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order placed", "order_id", order.ID, "plan_id", plan.ID, "server_id", plan.ServerID)
	s.record(ctx, order.ID, models.ActionOrderPlaced, order.Status, "order placed",
		map[string]interface{}{"plan_id": plan.ID})
	return order, nil
}

// SubmitReceipt attaches the payment receipt and queues the order for review.
func (s *OrderService) SubmitReceipt(ctx context.Context, id int64, receiptRef string) (*models.Order, error) {
	receiptRef = strings.TrimSpace(receiptRef)
	if receiptRef == "" {
		return nil, fmt.Errorf("%w: receipt reference is required", ErrInvalidArgument)
	}
	order, err := s.transition(ctx, id, EventReceiptSubmitted, func(next *models.Order, _ time.Time) {
		next.ReceiptRef = &receiptRef
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, models.ActionReceiptSubmitted, order.Status, "receipt submitted", nil)
	return order, nil
}

// ResubmitReceipt sends a rejected order back to review with a new receipt.
func (s *OrderService) ResubmitReceipt(ctx context.Context, id int64, receiptRef string) (*models.Order, error) {
	receiptRef = strings.TrimSpace(receiptRef)
	if receiptRef == "" {
		return nil, fmt.Errorf("%w: receipt reference is required", ErrInvalidArgument)
	}
	order, err := s.transition(ctx, id, EventResubmitReceipt, func(next *models.Order, _ time.Time) {
		next.ReceiptRef = &receiptRef
		next.RejectionReason = nil
		next.RejectedAt = nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, models.ActionReceiptResubmitted, order.Status, "receipt resubmitted", nil)
	return order, nil
}

// RejectOrder closes a pending order and tells the user why.
func (s *OrderService) RejectOrder(ctx context.Context, id int64, reason string) (*models.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", ErrInvalidArgument)
	}
	order, err := s.transition(ctx, id, EventReject, func(next *models.Order, now time.Time) {
		next.RejectionReason = &reason
		next.RejectedAt = &now
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order rejected", "order_id", id)
	s.record(ctx, id, models.ActionOrderRejected, order.Status, reason, nil)
	s.notify(ctx, order, fmt.Sprintf("Your order #%d was rejected: %s", id, reason))
	return order, nil
}

// ApproveOrder provisions the grant and activates the order, returning the
// connection URI. Approving an order that is already active returns the
// stored URI without creating another panel client.
func (s *OrderService) ApproveOrder(ctx context.Context, id int64) (string, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("order %d: %w", id, err)
	}
	if order.Status == models.OrderStatusActive && order.HasGrant() {
		return s.replayApproval(ctx, order)
	}
	if _, ok := NextStatus(order.Status, EventApprove); !ok {
		return "", &InvalidTransitionError{OrderID: id, From: order.Status, Event: EventApprove}
	}

	plan, err := s.catalog.GetPlan(ctx, order.PlanID)
	if err != nil {
		return "", fmt.Errorf("order %d: load plan: %w", id, err)
	}
	server, err := s.catalog.GetServer(ctx, order.ServerID)
	if err != nil {
		return "", fmt.Errorf("order %d: load server: %w", id, err)
	}

	token, err := s.claim(ctx, order, EventApprove)
	if err != nil {
		if errors.Is(err, ErrClaimConflict) {
			return s.afterLostApproval(ctx, id, err)
		}
		return "", err
	}

	// Claimed: finish the panel work even if the caller goes away.
	work := context.WithoutCancel(ctx)

	grant, err := s.provisioning.Provision(work, order, plan, server)
	if err != nil {
		s.release(work, id, token)
		s.record(work, id, models.ActionOrderApproveFailed, order.Status, err.Error(), nil)
		return "", err
	}

	uri, err := s.provisioning.BuildConnectionURI(work, server, grant.InboundID, grant)
	if err != nil {
		s.compensate(work, id, server, grant)
		s.release(work, id, token)
		s.record(work, id, models.ActionOrderApproveFailed, order.Status, err.Error(), nil)
		return "", fmt.Errorf("order %d: %w", id, err)
	}

	now := s.clock.Now()
	expiresAt := grant.ExpiresAt()
	next := order.Clone()
	next.Status = models.OrderStatusActive
	next.Grant = grant
	next.ExpiresAt = &expiresAt
	next.ConnectionURI = &uri
	next.ApprovedAt = &now
	next.UpdatedAt = now

	if err := s.commit(work, next, order.Status, token); err != nil {
		s.compensate(work, id, server, grant)
		s.record(work, id, models.ActionOrderApproveFailed, order.Status, err.Error(), nil)
		return "", err
	}

	s.logger.Info("order approved", "order_id", id, "client_id", grant.ClientID, "expires_at", expiresAt)
	s.record(work, id, models.ActionOrderApproved, next.Status, "order approved",
		map[string]interface{}{"client_id": grant.ClientID, "inbound_id": grant.InboundID, "expires_at": expiresAt})
	s.notify(work, next, approvalMessage(plan, next))
	return uri, nil
}

// replayApproval answers a repeated approve from the stored state.
func (s *OrderService) replayApproval(ctx context.Context, order *models.Order) (string, error) {
	if _, err := s.provisioning.Provision(ctx, order, nil, nil); err != nil {
		return "", err
	}
	if order.ConnectionURI != nil {
		return *order.ConnectionURI, nil
	}
	server, err := s.catalog.GetServer(ctx, order.ServerID)
	if err != nil {
		return "", fmt.Errorf("order %d: load server: %w", order.ID, err)
	}
	uri, err := s.provisioning.BuildConnectionURI(ctx, server, order.Grant.InboundID, order.Grant)
	if err != nil {
		return "", fmt.Errorf("order %d: %w", order.ID, err)
	}
	return uri, nil
}

// afterLostApproval re-reads an order whose claim went to a peer. A peer
// that already activated it makes this call a replay.
func (s *OrderService) afterLostApproval(ctx context.Context, id int64, claimErr error) (string, error) {
	current, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return "", claimErr
	}
	if current.Status == models.OrderStatusActive && current.HasGrant() && current.ConnectionURI != nil {
		return *current.ConnectionURI, nil
	}
	return "", claimErr
}

// ExpireOrder revokes the grant of an active order and closes it.
func (s *OrderService) ExpireOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", id, err)
	}
	next, _, err := s.expire(ctx, order)
	return next, err
}

// expire runs the claimed expiry of order. claimed reports whether this
// caller won the claim, so the sweeper can tell skips from failures.
func (s *OrderService) expire(ctx context.Context, order *models.Order) (next *models.Order, claimed bool, err error) {
	if _, ok := NextStatus(order.Status, EventExpire); !ok {
		return nil, false, &InvalidTransitionError{OrderID: order.ID, From: order.Status, Event: EventExpire}
	}

	token, err := s.claim(ctx, order, EventExpire)
	if err != nil {
		return nil, false, err
	}

	work := context.WithoutCancel(ctx)

	if err := s.provisioning.Revoke(work, order); err != nil {
		s.release(work, order.ID, token)
		s.record(work, order.ID, models.ActionOrderExpireFailed, order.Status, err.Error(), nil)
		return nil, true, err
	}

	now := s.clock.Now()
	next = order.Clone()
	next.Status = models.OrderStatusExpired
	next.Grant = nil
	next.ExpiresAt = nil
	next.ExpiredAt = &now
	next.UpdatedAt = now

	if err := s.commit(work, next, order.Status, token); err != nil {
		s.record(work, order.ID, models.ActionOrderExpireFailed, order.Status, err.Error(), nil)
		return nil, true, err
	}

	s.logger.Info("order expired", "order_id", order.ID)
	s.record(work, order.ID, models.ActionOrderExpired, next.Status, "order expired", nil)
	s.notify(work, next, fmt.Sprintf("Your VPN access for order #%d has expired.", order.ID))
	return next, true, nil
}

// GetOrder returns one order.
func (s *OrderService) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", id, err)
	}
	return order, nil
}

// ListOrders lists orders, optionally filtered by status.
func (s *OrderService) ListOrders(ctx context.Context, status models.OrderStatus, limit, offset int) ([]*models.Order, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.orders.List(ctx, status, limit, offset)
}

// GetOrderLogs returns the audit history of an order, newest first.
func (s *OrderService) GetOrderLogs(ctx context.Context, id int64, limit int) ([]*models.OrderLog, error) {
	if _, err := s.GetOrder(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.GetByOrderID(ctx, id, limit)
}

// transition applies a transition that needs no panel call. It is a
// compare-and-swap against the state that was read, so it loses against
// a concurrent writer or a live claim instead of overwriting them.
func (s *OrderService) transition(ctx context.Context, id int64, event Event, mutate func(next *models.Order, now time.Time)) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("order %d: %w", id, err)
	}
	to, ok := NextStatus(order.Status, event)
	if !ok {
		return nil, &InvalidTransitionError{OrderID: id, From: order.Status, Event: event}
	}

	now := s.clock.Now()
	next := order.Clone()
	next.Status = to
	next.UpdatedAt = now
	mutate(next, now)

	if err := s.commit(ctx, next, order.Status, ""); err != nil {
		if errors.Is(err, ErrClaimConflict) {
			s.record(ctx, id, models.ActionClaimConflict, order.Status, err.Error(),
				map[string]interface{}{"event": string(event)})
		}
		return nil, err
	}
	return next, nil
}

// claim takes the lease on order for a panel call.
func (s *OrderService) claim(ctx context.Context, order *models.Order, event Event) (string, error) {
	token := uuid.NewString()
	ok, err := s.orders.Claim(ctx, order.ID, order.Status, token, s.clock.Now(), s.claimTTL)
	if err != nil {
		return "", fmt.Errorf("order %d: claim: %w", order.ID, err)
	}
	if !ok {
		s.logger.Info("order claimed elsewhere, skipping", "order_id", order.ID, "event", event)
		s.record(ctx, order.ID, models.ActionClaimConflict, order.Status, "claim lost",
			map[string]interface{}{"event": string(event)})
		return "", fmt.Errorf("order %d: %w", order.ID, ErrClaimConflict)
	}
	return token, nil
}

// commit writes next if the order is still in expected under token. A
// failed write releases the claim.
func (s *OrderService) commit(ctx context.Context, next *models.Order, expected models.OrderStatus, token string) error {
	if !next.Consistent() {
		if token != "" {
			s.release(ctx, next.ID, token)
		}
		return fmt.Errorf("order %d: %s without matching grant and expiry", next.ID, next.Status)
	}

	var tokenRef *string
	if token != "" {
		tokenRef = &token
	}
	ok, err := s.orders.CompareAndSwap(ctx, next, expected, tokenRef)
	if err != nil {
		if token != "" {
			s.release(ctx, next.ID, token)
		}
		return fmt.Errorf("order %d: commit: %w", next.ID, err)
	}
	if !ok {
		return fmt.Errorf("order %d: %w", next.ID, ErrClaimConflict)
	}
	next.ClaimToken = nil
	next.ClaimedAt = nil
	return nil
}

func (s *OrderService) release(ctx context.Context, id int64, token string) {
	if err := s.orders.ReleaseClaim(ctx, id, token); err != nil {
		s.logger.Warn("failed to release claim", "order_id", id, "error", err)
	}
}

// compensate removes a grant whose approval was not committed.
func (s *OrderService) compensate(ctx context.Context, id int64, server *models.Server, grant *models.Grant) {
	if err := s.provisioning.RevokeGrant(ctx, id, server, grant); err != nil {
		s.logger.Error("failed to revoke uncommitted grant",
			"order_id", id, "client_id", grant.ClientID, "error", err)
		return
	}
	s.record(ctx, id, models.ActionGrantCompensated, models.OrderStatusPendingReview, "uncommitted grant revoked",
		map[string]interface{}{"client_id": grant.ClientID})
}

func (s *OrderService) record(ctx context.Context, id int64, action string, status models.OrderStatus, message string, metadata map[string]interface{}) {
	recordAudit(ctx, s.audit, s.logger, id, action, string(status), message, metadata)
}

func (s *OrderService) notify(ctx context.Context, order *models.Order, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, order.UserRef, message); err != nil {
		s.logger.Warn("failed to notify user", "order_id", order.ID, "error", err)
	}
}

func approvalMessage(plan *models.Plan, order *models.Order) string {
	lines := []string{
		"Your VPN configuration is ready!",
		"Plan: " + plan.Name,
	}
	if order.ExpiresAt != nil {
		lines = append(lines, "Expires: "+order.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if order.ConnectionURI != nil {
		lines = append(lines, "", "Config: "+*order.ConnectionURI)
	}
	return strings.Join(lines, "\n")
}

// recordAudit writes an audit entry; a failing audit log never fails the
// operation.
func recordAudit(ctx context.Context, audit AuditLog, logger *slog.Logger, id int64, action, status, message string, metadata map[string]interface{}) {
	if audit == nil {
		return
	}
	if err := audit.LogActionWithMetadata(ctx, id, action, status, message, metadata); err != nil {
		logger.Warn("failed to write audit log", "order_id", id, "action", action, "error", err)
	}
}
