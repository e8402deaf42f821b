package repositories

import (
	"context"

	"stockledger/internal/models"

	"github.com/jackc/pgx/v5"
)

type SyncRepository interface {
	// Save records a processed operation. It returns false when the
	// terminal's sequence number was already recorded.
	Save(ctx context.Context, op *models.SyncOperation) (bool, error)
	Get(ctx context.Context, terminalID string, localSeq int64) (*models.SyncOperation, error)
	ListByStatus(ctx context.Context, terminalID string, status models.SyncStatus, limit int) ([]*models.SyncOperation, error)
}

type syncRepo struct {
	db Querier
}

func NewSyncRepo(db Querier) SyncRepository {
	return &syncRepo{db: db}
}

const syncColumns = `id, terminal_id, local_seq, kind, idempotency_key, payload, status, result_code, message, result, client_time, received_at`

func scanSyncOperation(row pgx.Row) (*models.SyncOperation, error) {
	op := &models.SyncOperation{}
	var payload, result []byte
	err := row.Scan(&op.ID, &op.TerminalID, &op.LocalSeq, &op.Kind, &op.IdempotencyKey, &payload, &op.Status,
		&op.ResultCode, &op.Message, &result, &op.ClientTime, &op.ReceivedAt)
	if err != nil {
		return nil, err
	}
	op.Payload = payload
	op.Result = result
	return op, nil
}

func (r *syncRepo) Save(ctx context.Context, op *models.SyncOperation) (bool, error) {
	query := `
		INSERT INTO sync_operations (id, terminal_id, local_seq, kind, idempotency_key, payload, status, result_code, message, result, client_time, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (terminal_id, local_seq) DO NOTHING
	`
	var result []byte
	if len(op.Result) > 0 {
		result = op.Result
	}
	tag, err := conn(ctx, r.db).Exec(ctx, query, op.ID, op.TerminalID, op.LocalSeq, op.Kind, op.IdempotencyKey,
		[]byte(op.Payload), op.Status, op.ResultCode, op.Message, result, op.ClientTime, op.ReceivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *syncRepo) Get(ctx context.Context, terminalID string, localSeq int64) (*models.SyncOperation, error) {
	query := `SELECT ` + syncColumns + ` FROM sync_operations WHERE terminal_id = $1 AND local_seq = $2`
	op, err := scanSyncOperation(conn(ctx, r.db).QueryRow(ctx, query, terminalID, localSeq))
	if err != nil {
		return nil, notFound(err, "sync operation")
	}
	return op, nil
}

func (r *syncRepo) ListByStatus(ctx context.Context, terminalID string, status models.SyncStatus, limit int) ([]*models.SyncOperation, error) {
	query := `
		SELECT ` + syncColumns + `
		FROM sync_operations
		WHERE terminal_id = $1 AND status = $2
		ORDER BY local_seq
		LIMIT $3
	`
	rows, err := conn(ctx, r.db).Query(ctx, query, terminalID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanSyncOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
