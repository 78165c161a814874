package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/panel-order-service/internal/client"
	"github.com/wenwu/saas-platform/panel-order-service/internal/clock"
	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
)

// PanelAPI is the part of the panel client the provisioning service uses.
type PanelAPI interface {
	AddClient(ctx context.Context, server *models.Server, inboundID int, entry client.ClientEntry) error
	DelClient(ctx context.Context, server *models.Server, inboundID int, clientID string) error
	GetInbound(ctx context.Context, server *models.Server, inboundID int) (*client.Inbound, error)
}

// ProvisioningConflictError reports an approve that found a grant already
// in place, either on the order or on the panel. Err is the panel error
// when the panel refused a duplicate client.
type ProvisioningConflictError struct {
	OrderID int64
	Err     error
}

func (e *ProvisioningConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order %d: provisioning conflict: %v", e.OrderID, e.Err)
	}
	return fmt.Sprintf("order %d: provisioning conflict: grant already exists", e.OrderID)
}

func (e *ProvisioningConflictError) Unwrap() error { return e.Err }

// ProvisioningService creates and removes panel clients for orders
type ProvisioningService struct {
	panel   PanelAPI
	catalog CatalogStore
	audit   AuditLog
	clock   clock.Clock
	logger  *slog.Logger
}

// NewProvisioningService creates a new provisioning service
func NewProvisioningService(panel PanelAPI, catalog CatalogStore, audit AuditLog, clk clock.Clock, logger *slog.Logger) *ProvisioningService {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProvisioningService{
		panel:   panel,
		catalog: catalog,
		audit:   audit,
		clock:   clk,
		logger:  logger.With("component", "ProvisioningService"),
	}
}

// Provision creates the panel client for order. An order that already
// carries a grant is never provisioned again: the existing grant is
// returned and the conflict is recorded. plan and server are only read
// when a new grant is created.
func (s *ProvisioningService) Provision(ctx context.Context, order *models.Order, plan *models.Plan, server *models.Server) (*models.Grant, error) {
	if order.HasGrant() {
		conflict := &ProvisioningConflictError{OrderID: order.ID}
		s.logger.Warn("order already provisioned, skipping panel call",
			"order_id", order.ID, "client_id", order.Grant.ClientID)
		recordAudit(ctx, s.audit, s.logger, order.ID, models.ActionProvisioningConflict, string(order.Status), conflict.Error(), nil)
		existing := *order.Grant
		return &existing, nil
	}
	if plan == nil || server == nil {
		return nil, fmt.Errorf("order %d: plan and server are required", order.ID)
	}

	grant := NewGrant(order.ID, plan, s.clock.Now())
	if err := s.panel.AddClient(ctx, server, plan.InboundID, client.NewClientEntry(grant)); err != nil {
		if client.IsDuplicate(err) {
			conflict := &ProvisioningConflictError{OrderID: order.ID, Err: err}
			recordAudit(ctx, s.audit, s.logger, order.ID, models.ActionProvisioningConflict, string(order.Status), conflict.Error(),
				map[string]interface{}{"email": grant.Email, "server_id": server.ID})
			return nil, conflict
		}
		return nil, fmt.Errorf("order %d: %w", order.ID, err)
	}

	s.logger.Info("grant provisioned",
		"order_id", order.ID, "server_id", server.ID, "inbound_id", plan.InboundID, "client_id", grant.ClientID)
	return grant, nil
}

// NewGrant builds the grant descriptor for a new panel client.
func NewGrant(orderID int64, plan *models.Plan, now time.Time) *models.Grant {
	id := uuid.New()
	expiry := now.Add(time.Duration(plan.DurationDays) * 24 * time.Hour)
	return &models.Grant{
		ClientID:   id.String(),
		InboundID:  plan.InboundID,
		SubID:      SubscriptionID(id),
		Email:      fmt.Sprintf("order-%d", orderID),
		TotalBytes: plan.VolumeGB * models.BytesPerGB,
		ExpiryTime: expiry.UnixMilli(),
		LimitIP:    plan.MultiUser,
		Enable:     true,
	}
}

// SubscriptionID derives the panel subscription id from the client id.
func SubscriptionID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}

// BuildConnectionURI reads the inbound from the panel and renders the
// client link for grant.
func (s *ProvisioningService) BuildConnectionURI(ctx context.Context, server *models.Server, inboundID int, grant *models.Grant) (string, error) {
	inbound, err := s.panel.GetInbound(ctx, server, inboundID)
	if err != nil {
		return "", err
	}
	return ComposeConnectionURI(server.BaseURL, inbound, grant)
}

// Revoke removes the order's panel client. An order without a grant is a
// no-op, and a client the panel no longer knows counts as removed.
func (s *ProvisioningService) Revoke(ctx context.Context, order *models.Order) error {
	if !order.HasGrant() {
		return nil
	}
	server, err := s.catalog.GetServer(ctx, order.ServerID)
	if err != nil {
		return fmt.Errorf("order %d: load server: %w", order.ID, err)
	}
	return s.RevokeGrant(ctx, order.ID, server, order.Grant)
}

// RevokeGrant removes one panel client. It is also used to compensate a
// grant whose approval could not be committed.
func (s *ProvisioningService) RevokeGrant(ctx context.Context, orderID int64, server *models.Server, grant *models.Grant) error {
	err := s.panel.DelClient(ctx, server, grant.InboundID, grant.ClientID)
	if err == nil {
		return nil
	}
	if client.IsNotFound(err) {
		s.logger.Info("panel client already gone",
			"order_id", orderID, "server_id", server.ID, "client_id", grant.ClientID)
		return nil
	}
	return fmt.Errorf("order %d: %w", orderID, err)
}
