package repositories

import (
	"context"

	"stockledger/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *models.InventorySnapshot) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.InventorySnapshot, error)
	SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error
	List(ctx context.Context, limit, offset int) ([]*models.InventorySnapshot, error)
}

type snapshotRepo struct {
	db Querier
}

func NewSnapshotRepo(db Querier) SnapshotRepository {
	return &snapshotRepo{db: db}
}

func (r *snapshotRepo) Create(ctx context.Context, s *models.InventorySnapshot) error {
	db := conn(ctx, r.db)
	query := `INSERT INTO inventory_snapshots (id, kind, session_id, taken_at) VALUES ($1, $2, $3, $4)`
	if _, err := db.Exec(ctx, query, s.ID, s.Kind, s.SessionID, s.TakenAt); err != nil {
		return err
	}
	if len(s.Items) == 0 {
		return nil
	}

	ids := make([]string, len(s.Items))
	quantities := make([]int32, len(s.Items))
	watermarks := make([]string, len(s.Items))
	for i, it := range s.Items {
		ids[i] = it.ProductID.String()
		quantities[i] = int32(it.Quantity)
		watermarks[i] = it.LastAdjustment
	}
	itemQuery := `
		INSERT INTO inventory_snapshot_items (snapshot_id, product_id, quantity, last_adjustment)
		SELECT $1, unnest($2::uuid[]), unnest($3::int[]), unnest($4::text[])
	`
	_, err := db.Exec(ctx, itemQuery, s.ID, ids, quantities, watermarks)
	return err
}

func (r *snapshotRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.InventorySnapshot, error) {
	db := conn(ctx, r.db)
	s := &models.InventorySnapshot{}
	query := `SELECT id, kind, session_id, taken_at, archive_key FROM inventory_snapshots WHERE id = $1`
	if err := db.QueryRow(ctx, query, id).Scan(&s.ID, &s.Kind, &s.SessionID, &s.TakenAt, &s.ArchiveKey); err != nil {
		return nil, notFound(err, "snapshot "+id.String())
	}

	rows, err := db.Query(ctx, `SELECT product_id, quantity, last_adjustment FROM inventory_snapshot_items WHERE snapshot_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it models.SnapshotItem
		if err := rows.Scan(&it.ProductID, &it.Quantity, &it.LastAdjustment); err != nil {
			return nil, err
		}
		s.Items = append(s.Items, it)
	}
	return s, rows.Err()
}

func (r *snapshotRepo) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `UPDATE inventory_snapshots SET archive_key = $1 WHERE id = $2`, key, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "snapshot "+id.String())
	}
	return nil
}

// List returns snapshot headers, newest first, without items.
func (r *snapshotRepo) List(ctx context.Context, limit, offset int) ([]*models.InventorySnapshot, error) {
	query := `
		SELECT id, kind, session_id, taken_at, archive_key
		FROM inventory_snapshots
		ORDER BY taken_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := conn(ctx, r.db).Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*models.InventorySnapshot
	for rows.Next() {
		s := &models.InventorySnapshot{}
		if err := rows.Scan(&s.ID, &s.Kind, &s.SessionID, &s.TakenAt, &s.ArchiveKey); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}
