package repositories

import (
	"context"
	"fmt"

	"stockledger/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AdjustmentRepository is append-only: adjustments are never updated or
// deleted.
type AdjustmentRepository interface {
	Create(ctx context.Context, adj *models.InventoryAdjustment) error
	NextNumber(ctx context.Context) (string, error)
	ListByProduct(ctx context.Context, productID uuid.UUID, limit, offset int) ([]*models.InventoryAdjustment, error)
	LatestForProduct(ctx context.Context, productID uuid.UUID) (*models.InventoryAdjustment, error)
	// SumForProduct folds the product's log into a net change and row count.
	SumForProduct(ctx context.Context, productID uuid.UUID) (int, int, error)
	// ChainBreaks counts rows whose old_quantity differs from the previous
	// row's new_quantity.
	ChainBreaks(ctx context.Context, productID uuid.UUID) (int, error)
	// LatestNumbers returns the newest adjustment number per product, or
	// for every product with adjustments when ids is empty.
	LatestNumbers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	// SumAfter nets, per product, the adjustments numbered after the given
	// watermark. An empty watermark counts the whole log.
	SumAfter(ctx context.Context, watermarks map[uuid.UUID]string) (map[uuid.UUID]int, error)
}

type adjustmentRepo struct {
	db Querier
}

func NewAdjustmentRepo(db Querier) AdjustmentRepository {
	return &adjustmentRepo{db: db}
}

const adjustmentColumns = `id, adjustment_number, product_id, adjustment_type, quantity_change, old_quantity, new_quantity, reason, actor, reference_type, reference_id, created_at`

func scanAdjustment(row pgx.Row) (*models.InventoryAdjustment, error) {
	a := &models.InventoryAdjustment{}
	err := row.Scan(&a.ID, &a.AdjustmentNumber, &a.ProductID, &a.Type, &a.QuantityChange, &a.OldQuantity,
		&a.NewQuantity, &a.Reason, &a.Actor, &a.ReferenceType, &a.ReferenceID, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *adjustmentRepo) Create(ctx context.Context, a *models.InventoryAdjustment) error {
	query := `
		INSERT INTO inventory_adjustments (id, adjustment_number, product_id, adjustment_type, quantity_change, old_quantity, new_quantity, reason, actor, reference_type, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := conn(ctx, r.db).Exec(ctx, query, a.ID, a.AdjustmentNumber, a.ProductID, a.Type, a.QuantityChange,
		a.OldQuantity, a.NewQuantity, a.Reason, a.Actor, a.ReferenceType, a.ReferenceID, a.CreatedAt)
	return err
}

func (r *adjustmentRepo) NextNumber(ctx context.Context) (string, error) {
	var n int64
	if err := conn(ctx, r.db).QueryRow(ctx, `SELECT nextval('adjustment_number_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("ADJ-%08d", n), nil
}

func (r *adjustmentRepo) ListByProduct(ctx context.Context, productID uuid.UUID, limit, offset int) ([]*models.InventoryAdjustment, error) {
	query := `
		SELECT ` + adjustmentColumns + `
		FROM inventory_adjustments
		WHERE product_id = $1
		ORDER BY adjustment_number DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := conn(ctx, r.db).Query(ctx, query, productID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var adjustments []*models.InventoryAdjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}

func (r *adjustmentRepo) LatestForProduct(ctx context.Context, productID uuid.UUID) (*models.InventoryAdjustment, error) {
	query := `
		SELECT ` + adjustmentColumns + `
		FROM inventory_adjustments
		WHERE product_id = $1
		ORDER BY adjustment_number DESC
		LIMIT 1
	`
	a, err := scanAdjustment(conn(ctx, r.db).QueryRow(ctx, query, productID))
	if err != nil {
		return nil, notFound(err, "adjustments for product "+productID.String())
	}
	return a, nil
}

func (r *adjustmentRepo) SumForProduct(ctx context.Context, productID uuid.UUID) (int, int, error) {
	var sum, count int
	query := `SELECT COALESCE(SUM(quantity_change), 0), COUNT(*) FROM inventory_adjustments WHERE product_id = $1`
	if err := conn(ctx, r.db).QueryRow(ctx, query, productID).Scan(&sum, &count); err != nil {
		return 0, 0, err
	}
	return sum, count, nil
}

func (r *adjustmentRepo) ChainBreaks(ctx context.Context, productID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*) FROM (
			SELECT old_quantity, LAG(new_quantity) OVER (ORDER BY adjustment_number) AS prev
			FROM inventory_adjustments
			WHERE product_id = $1
		) chain
		WHERE prev IS NOT NULL AND prev <> old_quantity
	`
	var breaks int
	if err := conn(ctx, r.db).QueryRow(ctx, query, productID).Scan(&breaks); err != nil {
		return 0, err
	}
	return breaks, nil
}

func (r *adjustmentRepo) LatestNumbers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	query := `SELECT product_id, MAX(adjustment_number) FROM inventory_adjustments`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE product_id = ANY($1::uuid[])`
		args = append(args, uuidStrings(ids))
	}
	rows, err := conn(ctx, r.db).Query(ctx, query+` GROUP BY product_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make(map[uuid.UUID]string)
	for rows.Next() {
		var (
			id     uuid.UUID
			number string
		)
		if err := rows.Scan(&id, &number); err != nil {
			return nil, err
		}
		latest[id] = number
	}
	return latest, rows.Err()
}

func (r *adjustmentRepo) SumAfter(ctx context.Context, watermarks map[uuid.UUID]string) (map[uuid.UUID]int, error) {
	sums := make(map[uuid.UUID]int)
	if len(watermarks) == 0 {
		return sums, nil
	}
	ids := make([]string, 0, len(watermarks))
	after := make([]string, 0, len(watermarks))
	for id, number := range watermarks {
		ids = append(ids, id.String())
		after = append(after, number)
	}
	query := `
		SELECT a.product_id, SUM(a.quantity_change)
		FROM inventory_adjustments a
		JOIN unnest($1::uuid[], $2::text[]) AS w(product_id, after) ON a.product_id = w.product_id
		WHERE a.adjustment_number > w.after
		GROUP BY a.product_id
	`
	rows, err := conn(ctx, r.db).Query(ctx, query, ids, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  uuid.UUID
			sum int
		)
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}
