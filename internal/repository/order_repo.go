package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
)

var ErrNotFound = errors.New("not found")

const orderColumns = `
	id, user_ref, plan_id, server_id, status, receipt_ref, grant_data,
	expires_at, connection_uri, rejection_reason, claim_token, claimed_at,
	created_at, approved_at, rejected_at, expired_at, updated_at`

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create inserts a new order and assigns its ID
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	grant, err := encodeGrant(order.Grant)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO orders (
			user_ref, plan_id, server_id, status, receipt_ref, grant_data,
			expires_at, connection_uri, rejection_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	err = r.pool.QueryRow(ctx, query,
		order.UserRef, order.PlanID, order.ServerID, string(order.Status), order.ReceiptRef, grant,
		order.ExpiresAt, order.ConnectionURI, order.RejectionReason, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	return nil
}

// GetByID retrieves an order by ID
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return scanOrder(r.pool.QueryRow(ctx, query, id))
}

// List retrieves orders, newest first. An empty status lists all of them.
func (r *OrderRepository) List(ctx context.Context, status models.OrderStatus, limit, offset int) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ListExpiredActive retrieves ACTIVE orders due for expiry that are not
// held by a live claim
func (r *OrderRepository) ListExpiredActive(ctx context.Context, now time.Time, claimTTL time.Duration, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1
		  AND expires_at <= $2
		  AND (claim_token IS NULL OR claimed_at < $3)
		ORDER BY expires_at
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query,
		string(models.OrderStatusActive), now, now.Add(-claimTTL), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// Claim takes the lease on an order in the expected status. A lease older
// than claimTTL is taken over.
func (r *OrderRepository) Claim(ctx context.Context, id int64, expected models.OrderStatus, token string, now time.Time, claimTTL time.Duration) (bool, error) {
	query := `
		UPDATE orders
		SET claim_token = $3, claimed_at = $4
		WHERE id = $1
		  AND status = $2
		  AND (claim_token IS NULL OR claimed_at < $5)
	`

	tag, err := r.pool.Exec(ctx, query, id, string(expected), token, now, now.Add(-claimTTL))
	if err != nil {
		return false, fmt.Errorf("claim order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim drops the lease if it is still held under token
func (r *OrderRepository) ReleaseClaim(ctx context.Context, id int64, token string) error {
	query := `
		UPDATE orders
		SET claim_token = NULL, claimed_at = NULL
		WHERE id = $1 AND claim_token = $2
	`

	if _, err := r.pool.Exec(ctx, query, id, token); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// CompareAndSwap writes every mutable column of next when the stored row
// is still in expected under token, and clears the claim
func (r *OrderRepository) CompareAndSwap(ctx context.Context, next *models.Order, expected models.OrderStatus, token *string) (bool, error) {
	grant, err := encodeGrant(next.Grant)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE orders
		SET status = $2, receipt_ref = $3, grant_data = $4, expires_at = $5,
		    connection_uri = $6, rejection_reason = $7, approved_at = $8,
		    rejected_at = $9, expired_at = $10, updated_at = $11,
		    claim_token = NULL, claimed_at = NULL
		WHERE id = $1
		  AND status = $12
		  AND claim_token IS NOT DISTINCT FROM $13::text
	`

	tag, err := r.pool.Exec(ctx, query,
		next.ID, string(next.Status), next.ReceiptRef, grant, next.ExpiresAt,
		next.ConnectionURI, next.RejectionReason, next.ApprovedAt,
		next.RejectedAt, next.ExpiredAt, next.UpdatedAt,
		string(expected), token,
	)
	if err != nil {
		return false, fmt.Errorf("update order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// encodeGrant renders the grant column. A nil grant is SQL NULL.
func encodeGrant(g *models.Grant) (*string, error) {
	if g == nil {
		return nil, nil
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal grant: %w", err)
	}
	s := string(raw)
	return &s, nil
}

func decodeGrant(raw []byte) (*models.Grant, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	g := &models.Grant{}
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, fmt.Errorf("unmarshal grant: %w", err)
	}
	return g, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return order, nil
}

func scanOrders(rows pgx.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrderRow(row pgx.Row) (*models.Order, error) {
	var (
		order  = &models.Order{}
		status string
		grant  []byte
	)
	err := row.Scan(
		&order.ID, &order.UserRef, &order.PlanID, &order.ServerID, &status, &order.ReceiptRef, &grant,
		&order.ExpiresAt, &order.ConnectionURI, &order.RejectionReason, &order.ClaimToken, &order.ClaimedAt,
		&order.CreatedAt, &order.ApprovedAt, &order.RejectedAt, &order.ExpiredAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Status = models.OrderStatus(status)
	if order.Grant, err = decodeGrant(grant); err != nil {
		return nil, err
	}
	return order, nil
}
