package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/panel-order-service/internal/models"
)

// CatalogRepository reads panel servers and the plans sold on them.
// Both are maintained by the admin tooling.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetServer retrieves a panel server by ID
func (r *CatalogRepository) GetServer(ctx context.Context, id int64) (*models.Server, error) {
	query := `
		SELECT id, title, base_url, username, password, created_at
		FROM servers
		WHERE id = $1
	`

	server := &models.Server{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&server.ID, &server.Title, &server.BaseURL,
		&server.Username, &server.Password, &server.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return server, nil
}

// GetPlan retrieves a plan by ID
func (r *CatalogRepository) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	query := `
		SELECT id, server_id, inbound_id, name, country, volume_gb,
			   duration_days, multi_user, created_at
		FROM plans
		WHERE id = $1
	`

	plan := &models.Plan{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&plan.ID, &plan.ServerID, &plan.InboundID, &plan.Name, &plan.Country,
		&plan.VolumeGB, &plan.DurationDays, &plan.MultiUser, &plan.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	return plan, nil
}

// GetPlansByServer retrieves the plans sold on a server
func (r *CatalogRepository) GetPlansByServer(ctx context.Context, serverID int64) ([]*models.Plan, error) {
	query := `
		SELECT id, server_id, inbound_id, name, country, volume_gb,
			   duration_days, multi_user, created_at
		FROM plans
		WHERE server_id = $1
		ORDER BY name
	`

	rows, err := r.pool.Query(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		plan := &models.Plan{}
		err := rows.Scan(
			&plan.ID, &plan.ServerID, &plan.InboundID, &plan.Name, &plan.Country,
			&plan.VolumeGB, &plan.DurationDays, &plan.MultiUser, &plan.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, plan)
	}

	return plans, rows.Err()
}
