package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stockledger/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type CountSessionRepository interface {
	Create(ctx context.Context, session *models.CountSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.CountSession, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.CountSession, error)
	Update(ctx context.Context, session *models.CountSession) error
	NextNumber(ctx context.Context) (string, error)
	// ListDue returns scheduled sessions whose start time has passed.
	ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

type CountRepository interface {
	Create(ctx context.Context, count *models.InventoryCount) error
	// ListBySession returns every entry in submission order.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.InventoryCount, error)
	LatestForProduct(ctx context.Context, sessionID, productID uuid.UUID) (*models.InventoryCount, error)
}

type countSessionRepo struct {
	db Querier
}

func NewCountSessionRepo(db Querier) CountSessionRepository {
	return &countSessionRepo{db: db}
}

const countSessionColumns = `id, session_number, session_type, status, blind, scope, scope_product_ids, counters, snapshot_id, scheduled_for, started_at, finished_at, closed_at, created_by, created_at, updated_at`

func scanCountSession(row pgx.Row) (*models.CountSession, error) {
	s := &models.CountSession{}
	var scope, scopeIDs []byte
	err := row.Scan(&s.ID, &s.SessionNumber, &s.Type, &s.Status, &s.Blind, &scope, &scopeIDs, &s.Counters,
		&s.SnapshotID, &s.ScheduledFor, &s.StartedAt, &s.FinishedAt, &s.ClosedAt, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scope, &s.Scope); err != nil {
		return nil, fmt.Errorf("decode session scope: %w", err)
	}
	if err := json.Unmarshal(scopeIDs, &s.ScopeProductIDs); err != nil {
		return nil, fmt.Errorf("decode session scope items: %w", err)
	}
	return s, nil
}

func encodeScope(s *models.CountSession) ([]byte, []byte, error) {
	scope, err := json.Marshal(s.Scope)
	if err != nil {
		return nil, nil, err
	}
	ids := s.ScopeProductIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	scopeIDs, err := json.Marshal(ids)
	if err != nil {
		return nil, nil, err
	}
	return scope, scopeIDs, nil
}

func (r *countSessionRepo) Create(ctx context.Context, s *models.CountSession) error {
	scope, scopeIDs, err := encodeScope(s)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO count_sessions (id, session_number, session_type, status, blind, scope, scope_product_ids, counters, snapshot_id, scheduled_for, started_at, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = conn(ctx, r.db).Exec(ctx, query, s.ID, s.SessionNumber, s.Type, s.Status, s.Blind, scope, scopeIDs, s.Counters,
		s.SnapshotID, s.ScheduledFor, s.StartedAt, s.CreatedBy, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *countSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.CountSession, error) {
	s, err := scanCountSession(conn(ctx, r.db).QueryRow(ctx, `SELECT `+countSessionColumns+` FROM count_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "count session "+id.String())
	}
	return s, nil
}

func (r *countSessionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.CountSession, error) {
	s, err := scanCountSession(conn(ctx, r.db).QueryRow(ctx, `SELECT `+countSessionColumns+` FROM count_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "count session "+id.String())
	}
	return s, nil
}

func (r *countSessionRepo) Update(ctx context.Context, s *models.CountSession) error {
	_, scopeIDs, err := encodeScope(s)
	if err != nil {
		return err
	}
	query := `
		UPDATE count_sessions
		SET status = $1, scope_product_ids = $2, snapshot_id = $3, started_at = $4, finished_at = $5, closed_at = $6, updated_at = $7
		WHERE id = $8
	`
	tag, err := conn(ctx, r.db).Exec(ctx, query, s.Status, scopeIDs, s.SnapshotID, s.StartedAt, s.FinishedAt, s.ClosedAt, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "count session "+s.ID.String())
	}
	return nil
}

func (r *countSessionRepo) NextNumber(ctx context.Context) (string, error) {
	var n int64
	if err := conn(ctx, r.db).QueryRow(ctx, `SELECT nextval('count_session_number_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("CS-%06d", n), nil
}

func (r *countSessionRepo) ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM count_sessions
		WHERE status = 'scheduled' AND scheduled_for <= $1
		ORDER BY scheduled_for
	`
	rows, err := conn(ctx, r.db).Query(ctx, query, now)
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

type countRepo struct {
	db Querier
}

func NewCountRepo(db Querier) CountRepository {
	return &countRepo{db: db}
}

const countColumns = `id, session_id, product_id, counted_quantity, system_quantity, variance, counter, status, recount_of, notes, entry_seq, created_at`

func scanCount(row pgx.Row) (*models.InventoryCount, error) {
	c := &models.InventoryCount{}
	err := row.Scan(&c.ID, &c.SessionID, &c.ProductID, &c.CountedQuantity, &c.SystemQuantity, &c.Variance,
		&c.Counter, &c.Status, &c.RecountOf, &c.Notes, &c.Sequence, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *countRepo) Create(ctx context.Context, c *models.InventoryCount) error {
	query := `
		INSERT INTO inventory_counts (id, session_id, product_id, counted_quantity, system_quantity, variance, counter, status, recount_of, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING entry_seq
	`
	return conn(ctx, r.db).QueryRow(ctx, query, c.ID, c.SessionID, c.ProductID, c.CountedQuantity, c.SystemQuantity,
		c.Variance, c.Counter, c.Status, c.RecountOf, c.Notes, c.CreatedAt).Scan(&c.Sequence)
}

func (r *countRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.InventoryCount, error) {
	query := `SELECT ` + countColumns + ` FROM inventory_counts WHERE session_id = $1 ORDER BY entry_seq`
	rows, err := conn(ctx, r.db).Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []*models.InventoryCount
	for rows.Next() {
		c, err := scanCount(rows)
		if err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (r *countRepo) LatestForProduct(ctx context.Context, sessionID, productID uuid.UUID) (*models.InventoryCount, error) {
	query := `
		SELECT ` + countColumns + `
		FROM inventory_counts
		WHERE session_id = $1 AND product_id = $2
		ORDER BY entry_seq DESC
		LIMIT 1
	`
	c, err := scanCount(conn(ctx, r.db).QueryRow(ctx, query, sessionID, productID))
	if err != nil {
		return nil, notFound(err, "count for product "+productID.String())
	}
	return c, nil
}
