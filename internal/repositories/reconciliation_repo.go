package repositories

import (
	"context"
	"fmt"

	"stockledger/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type ReconciliationRepository interface {
	Create(ctx context.Context, rec *models.Reconciliation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Reconciliation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Reconciliation, error)
	// OpenForSession returns the draft or submitted reconciliation of a session.
	OpenForSession(ctx context.Context, sessionID uuid.UUID) (*models.Reconciliation, error)
	Update(ctx context.Context, rec *models.Reconciliation) error
	ReplaceItems(ctx context.Context, id uuid.UUID, items []models.ReconciliationItem) error
	AddApproval(ctx context.Context, approval *models.ReconciliationApproval) error
	NextNumber(ctx context.Context) (string, error)
}

type reconciliationRepo struct {
	db Querier
}

func NewReconciliationRepo(db Querier) ReconciliationRepository {
	return &reconciliationRepo{db: db}
}

const reconciliationColumns = `id, reconciliation_number, session_id, status, total_variance_units, shrinkage_units, overage_units, total_cost_impact, valuation_method, requires_second_approval, notes, submitted_by, decided_by, created_at, submitted_at, decided_at`

func scanReconciliation(row pgx.Row) (*models.Reconciliation, error) {
	rec := &models.Reconciliation{}
	err := row.Scan(&rec.ID, &rec.ReconciliationNumber, &rec.SessionID, &rec.Status, &rec.TotalVarianceUnits,
		&rec.ShrinkageUnits, &rec.OverageUnits, &rec.TotalCostImpact, &rec.ValuationMethod, &rec.RequiresSecondApproval,
		&rec.Notes, &rec.SubmittedBy, &rec.DecidedBy, &rec.CreatedAt, &rec.SubmittedAt, &rec.DecidedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *reconciliationRepo) Create(ctx context.Context, rec *models.Reconciliation) error {
	query := `
		INSERT INTO reconciliations (id, reconciliation_number, session_id, status, total_variance_units, shrinkage_units, overage_units, total_cost_impact, valuation_method, requires_second_approval, notes, submitted_by, created_at, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := conn(ctx, r.db).Exec(ctx, query, rec.ID, rec.ReconciliationNumber, rec.SessionID, rec.Status,
		rec.TotalVarianceUnits, rec.ShrinkageUnits, rec.OverageUnits, rec.TotalCostImpact, rec.ValuationMethod,
		rec.RequiresSecondApproval, rec.Notes, rec.SubmittedBy, rec.CreatedAt, rec.SubmittedAt)
	if err != nil {
		return err
	}
	return r.insertItems(ctx, rec.ID, rec.Items)
}

func (r *reconciliationRepo) insertItems(ctx context.Context, id uuid.UUID, items []models.ReconciliationItem) error {
	query := `
		INSERT INTO reconciliation_items (reconciliation_id, product_id, count_id, system_quantity, counted_quantity, variance, unit_cost, cost_impact)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, it := range items {
		if _, err := conn(ctx, r.db).Exec(ctx, query, id, it.ProductID, it.CountID, it.SystemQuantity, it.CountedQuantity,
			it.Variance, it.UnitCost, it.CostImpact); err != nil {
			return fmt.Errorf("insert reconciliation item: %w", err)
		}
	}
	return nil
}

func (r *reconciliationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Reconciliation, error) {
	return r.get(ctx, `SELECT `+reconciliationColumns+` FROM reconciliations WHERE id = $1`, id)
}

func (r *reconciliationRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Reconciliation, error) {
	return r.get(ctx, `SELECT `+reconciliationColumns+` FROM reconciliations WHERE id = $1 FOR UPDATE`, id)
}

func (r *reconciliationRepo) OpenForSession(ctx context.Context, sessionID uuid.UUID) (*models.Reconciliation, error) {
	return r.get(ctx, `SELECT `+reconciliationColumns+` FROM reconciliations WHERE session_id = $1 AND status IN ('draft', 'submitted')`, sessionID)
}

func (r *reconciliationRepo) get(ctx context.Context, query string, id uuid.UUID) (*models.Reconciliation, error) {
	rec, err := scanReconciliation(conn(ctx, r.db).QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "reconciliation "+id.String())
	}
	if rec.Items, err = r.items(ctx, rec.ID); err != nil {
		return nil, err
	}
	if rec.Approvals, err = r.approvals(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *reconciliationRepo) items(ctx context.Context, id uuid.UUID) ([]models.ReconciliationItem, error) {
	query := `
		SELECT reconciliation_id, product_id, count_id, system_quantity, counted_quantity, variance, unit_cost, cost_impact
		FROM reconciliation_items
		WHERE reconciliation_id = $1
		ORDER BY product_id
	`
	rows, err := conn(ctx, r.db).Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.ReconciliationItem
	for rows.Next() {
		var it models.ReconciliationItem
		if err := rows.Scan(&it.ReconciliationID, &it.ProductID, &it.CountID, &it.SystemQuantity, &it.CountedQuantity,
			&it.Variance, &it.UnitCost, &it.CostImpact); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *reconciliationRepo) approvals(ctx context.Context, id uuid.UUID) ([]models.ReconciliationApproval, error) {
	query := `
		SELECT reconciliation_id, approver, role, created_at
		FROM reconciliation_approvals
		WHERE reconciliation_id = $1
		ORDER BY created_at
	`
	rows, err := conn(ctx, r.db).Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []models.ReconciliationApproval
	for rows.Next() {
		var a models.ReconciliationApproval
		if err := rows.Scan(&a.ReconciliationID, &a.Approver, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func (r *reconciliationRepo) Update(ctx context.Context, rec *models.Reconciliation) error {
	query := `
		UPDATE reconciliations
		SET status = $1, total_variance_units = $2, shrinkage_units = $3, overage_units = $4, total_cost_impact = $5,
			requires_second_approval = $6, notes = $7, decided_by = $8, submitted_at = $9, decided_at = $10
		WHERE id = $11
	`
	tag, err := conn(ctx, r.db).Exec(ctx, query, rec.Status, rec.TotalVarianceUnits, rec.ShrinkageUnits, rec.OverageUnits,
		rec.TotalCostImpact, rec.RequiresSecondApproval, rec.Notes, rec.DecidedBy, rec.SubmittedAt, rec.DecidedAt, rec.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "reconciliation "+rec.ID.String())
	}
	return nil
}

func (r *reconciliationRepo) ReplaceItems(ctx context.Context, id uuid.UUID, items []models.ReconciliationItem) error {
	if _, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM reconciliation_items WHERE reconciliation_id = $1`, id); err != nil {
		return err
	}
	return r.insertItems(ctx, id, items)
}

func (r *reconciliationRepo) AddApproval(ctx context.Context, a *models.ReconciliationApproval) error {
	query := `
		INSERT INTO reconciliation_approvals (reconciliation_id, approver, role, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := conn(ctx, r.db).Exec(ctx, query, a.ReconciliationID, a.Approver, a.Role, a.CreatedAt)
	return err
}

func (r *reconciliationRepo) NextNumber(ctx context.Context) (string, error) {
	var n int64
	if err := conn(ctx, r.db).QueryRow(ctx, `SELECT nextval('reconciliation_number_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return fmt.Sprintf("REC-%06d", n), nil
}
