package repositories

import (
	"context"
	"fmt"
	"strings"

	"stockledger/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type ProductRepository interface {
	Create(ctx context.Context, product *models.Product) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
	// GetForUpdate reads the product holding its row lock until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Product, error)
	UpdateQuantity(ctx context.Context, id uuid.UUID, quantity int) error
	List(ctx context.Context, limit, offset int) ([]*models.Product, error)
	ListIDsByScope(ctx context.Context, scope models.CountScope) ([]uuid.UUID, error)
	// Quantities returns current quantities for ids, or for every product
	// when ids is empty.
	Quantities(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error)
	// LockShared takes share locks on ids (every product when empty) so
	// no delta commits on them before the surrounding transaction ends.
	LockShared(ctx context.Context, ids []uuid.UUID) error
	ListBelowReorder(ctx context.Context, limit int) ([]*models.Product, error)
}

type productRepo struct {
	db Querier
}

func NewProductRepo(db Querier) ProductRepository {
	return &productRepo{db: db}
}

const productColumns = `id, sku, barcode, name, category_id, location, quantity_in_stock, reorder_level, cost_price, base_price, created_at, updated_at`

func scanProduct(row pgx.Row) (*models.Product, error) {
	p := &models.Product{}
	err := row.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.CategoryID, &p.Location, &p.QuantityInStock,
		&p.ReorderLevel, &p.CostPrice, &p.BasePrice, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *productRepo) Create(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (id, sku, barcode, name, category_id, location, quantity_in_stock, reorder_level, cost_price, base_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`
	_, err := conn(ctx, r.db).Exec(ctx, query, p.ID, p.SKU, p.Barcode, p.Name, p.CategoryID, p.Location,
		p.QuantityInStock, p.ReorderLevel, p.CostPrice, p.BasePrice)
	return err
}

func (r *productRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	p, err := scanProduct(conn(ctx, r.db).QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "product "+id.String())
	}
	return p, nil
}

func (r *productRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1 FOR UPDATE`
	p, err := scanProduct(conn(ctx, r.db).QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "product "+id.String())
	}
	return p, nil
}

func (r *productRepo) UpdateQuantity(ctx context.Context, id uuid.UUID, quantity int) error {
	query := `UPDATE products SET quantity_in_stock = $1, updated_at = NOW() WHERE id = $2`
	tag, err := conn(ctx, r.db).Exec(ctx, query, quantity, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "product "+id.String())
	}
	return nil
}

func (r *productRepo) List(ctx context.Context, limit, offset int) ([]*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY id LIMIT $1 OFFSET $2`
	return r.queryProducts(ctx, query, limit, offset)
}

func (r *productRepo) ListBelowReorder(ctx context.Context, limit int) ([]*models.Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE reorder_level > 0 AND quantity_in_stock <= reorder_level
		ORDER BY quantity_in_stock ASC
		LIMIT $1
	`
	return r.queryProducts(ctx, query, limit)
}

func (r *productRepo) queryProducts(ctx context.Context, query string, args ...any) ([]*models.Product, error) {
	rows, err := conn(ctx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *productRepo) ListIDsByScope(ctx context.Context, scope models.CountScope) ([]uuid.UUID, error) {
	var (
		where []string
		args  []any
	)
	if scope.CategoryID != nil {
		args = append(args, *scope.CategoryID)
		where = append(where, fmt.Sprintf("category_id = $%d", len(args)))
	}
	if scope.Location != nil {
		args = append(args, *scope.Location)
		where = append(where, fmt.Sprintf("location = $%d", len(args)))
	}
	if len(scope.ProductIDs) > 0 {
		args = append(args, uuidStrings(scope.ProductIDs))
		where = append(where, fmt.Sprintf("id = ANY($%d::uuid[])", len(args)))
	}
	query := `SELECT id FROM products`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := conn(ctx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *productRepo) Quantities(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	query := `SELECT id, quantity_in_stock FROM products`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE id = ANY($1::uuid[])`
		args = append(args, uuidStrings(ids))
	}
	rows, err := conn(ctx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quantities := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			id  uuid.UUID
			qty int
		)
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		quantities[id] = qty
	}
	return quantities, rows.Err()
}

func (r *productRepo) LockShared(ctx context.Context, ids []uuid.UUID) error {
	query := `SELECT id FROM products`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE id = ANY($1::uuid[])`
		args = append(args, uuidStrings(ids))
	}
	_, err := conn(ctx, r.db).Exec(ctx, query+` FOR SHARE`, args...)
	return err
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
