package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"iara_bot/internal/entities"
)

// CatalogRepository reads the grounding records of a business. All queries return active rows
// in creation order so rendered context is stable.
type CatalogRepository struct {
	db *pgxpool.Pool
}

func NewCatalogRepository(db *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) ActiveCatalogItems(ctx context.Context, businessID string) ([]entities.CatalogItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, business_id::text, name, COALESCE(description, ''), price::float8, stock,
		       COALESCE(category, ''), active, created_at
		FROM products
		WHERE business_id = $1 AND active
		ORDER BY created_at ASC, id ASC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.CatalogItem, error) {
		var it entities.CatalogItem
		err := row.Scan(&it.ID, &it.BusinessID, &it.Name, &it.Description, &it.Price, &it.Stock,
			&it.Category, &it.Active, &it.CreatedAt)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan products: %w", err)
	}
	return items, nil
}

func (r *CatalogRepository) ActivePolicies(ctx context.Context, businessID string) ([]entities.Policy, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, business_id::text, type, title, COALESCE(description, ''), active, created_at
		FROM policies
		WHERE business_id = $1 AND active
		ORDER BY created_at ASC, id ASC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}

	policies, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.Policy, error) {
		var p entities.Policy
		err := row.Scan(&p.ID, &p.BusinessID, &p.Type, &p.Title, &p.Description, &p.Active, &p.CreatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan policies: %w", err)
	}
	return policies, nil
}

// ActivePromotions returns every active promotion; the validity window is checked by the caller
// against its own clock.
func (r *CatalogRepository) ActivePromotions(ctx context.Context, businessID string) ([]entities.Promotion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::text, business_id::text, title, COALESCE(description, ''),
		       discount_percentage::float8, discount_amount::float8,
		       valid_from, valid_until, active, created_at
		FROM promotions
		WHERE business_id = $1 AND active
		ORDER BY created_at ASC, id ASC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("query promotions: %w", err)
	}

	promos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.Promotion, error) {
		var p entities.Promotion
		err := row.Scan(&p.ID, &p.BusinessID, &p.Title, &p.Description,
			&p.DiscountPercentage, &p.DiscountAmount,
			&p.ValidFrom, &p.ValidUntil, &p.Active, &p.CreatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan promotions: %w", err)
	}
	return promos, nil
}
