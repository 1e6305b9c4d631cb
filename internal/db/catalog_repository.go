package db

import (
	"context"

	"payment-reconciler/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// CatalogRepository reads the plans and router definitions payments refer to.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

func (r *CatalogRepository) GetPlan(ctx context.Context, id int64) (*model.Plan, error) {
	var p model.Plan
	query := `SELECT id, name, profile, price, owner_share_rate FROM plans WHERE id = $1`
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Profile, &p.Price, &p.OwnerShareRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select plan")
	}
	return &p, nil
}

func (r *CatalogRepository) GetRouter(ctx context.Context, id int64) (*model.Router, error) {
	var rt model.Router
	query := `SELECT id, owner_user_id, host, port, username, password, token, use_tls FROM routers WHERE id = $1`
	err := r.pool.QueryRow(ctx, query, id).Scan(&rt.ID, &rt.OwnerUserID, &rt.Host, &rt.Port, &rt.Username,
		&rt.Password, &rt.Token, &rt.UseTLS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select router")
	}
	return &rt, nil
}
