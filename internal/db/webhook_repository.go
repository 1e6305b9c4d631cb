package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

// SaveDelivery stores the raw notification body for audit.
func (r *WebhookRepository) SaveDelivery(ctx context.Context, provider, signature string, body []byte) error {
	query := `INSERT INTO webhook_deliveries (provider, signature, body) VALUES ($1, $2, $3)`
	_, err := r.pool.Exec(ctx, query, provider, signature, string(body))
	return errors.Wrap(err, "insert webhook delivery")
}
