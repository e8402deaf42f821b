package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/google/uuid"
)

type snapshotRepo struct{ s *Store }

func (r *snapshotRepo) Create(ctx context.Context, snap *models.InventorySnapshot) error {
	return r.s.do(ctx, func(d *data) error {
		d.snapshots[snap.ID] = copySnapshot(*snap)
		return nil
	})
}

func (r *snapshotRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.InventorySnapshot, error) {
	var out *models.InventorySnapshot
	err := r.s.do(ctx, func(d *data) error {
		snap, ok := d.snapshots[id]
		if !ok {
			return fmt.Errorf("snapshot %s: %w", id, common.ErrNotFound)
		}
		cp := copySnapshot(snap)
		out = &cp
		return nil
	})
	return out, err
}

func (r *snapshotRepo) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	return r.s.do(ctx, func(d *data) error {
		snap, ok := d.snapshots[id]
		if !ok {
			return fmt.Errorf("snapshot %s: %w", id, common.ErrNotFound)
		}
		snap.ArchiveKey = &key
		d.snapshots[id] = snap
		return nil
	})
}

func (r *snapshotRepo) List(ctx context.Context, limit, offset int) ([]*models.InventorySnapshot, error) {
	var all []models.InventorySnapshot
	err := r.s.do(ctx, func(d *data) error {
		for _, snap := range d.snapshots {
			snap.Items = nil
			all = append(all, snap)
		}
		return nil
	})
	sort.Slice(all, func(i, j int) bool { return all[i].TakenAt.After(all[j].TakenAt) })
	var out []*models.InventorySnapshot
	for i := offset; i < len(all) && len(out) < limit; i++ {
		snap := all[i]
		out = append(out, &snap)
	}
	return out, err
}

type idempotencyRepo struct{ s *Store }

func (r *idempotencyRepo) Reserve(ctx context.Context, key, operation string) (bool, error) {
	reserved := false
	err := r.s.do(ctx, func(d *data) error {
		if _, ok := d.idempotency[key]; ok {
			return nil
		}
		d.idempotency[key] = models.IdempotencyRecord{Key: key, Operation: operation}
		reserved = true
		return nil
	})
	return reserved, err
}

func (r *idempotencyRepo) Complete(ctx context.Context, key string, resourceID *uuid.UUID, response json.RawMessage) error {
	return r.s.do(ctx, func(d *data) error {
		rec, ok := d.idempotency[key]
		if !ok {
			return fmt.Errorf("idempotency key %s: %w", key, common.ErrNotFound)
		}
		rec.ResourceID = resourceID
		rec.Response = append(json.RawMessage(nil), response...)
		d.idempotency[key] = rec
		return nil
	})
}

func (r *idempotencyRepo) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var out *models.IdempotencyRecord
	err := r.s.do(ctx, func(d *data) error {
		rec, ok := d.idempotency[key]
		if !ok {
			return fmt.Errorf("idempotency key %s: %w", key, common.ErrNotFound)
		}
		out = &rec
		return nil
	})
	return out, err
}

type syncRepo struct{ s *Store }

func (r *syncRepo) Save(ctx context.Context, op *models.SyncOperation) (bool, error) {
	saved := false
	err := r.s.do(ctx, func(d *data) error {
		k := syncKey{op.TerminalID, op.LocalSeq}
		if _, ok := d.syncOps[k]; ok {
			return nil
		}
		d.syncOps[k] = *op
		saved = true
		return nil
	})
	return saved, err
}

func (r *syncRepo) Get(ctx context.Context, terminalID string, localSeq int64) (*models.SyncOperation, error) {
	var out *models.SyncOperation
	err := r.s.do(ctx, func(d *data) error {
		op, ok := d.syncOps[syncKey{terminalID, localSeq}]
		if !ok {
			return fmt.Errorf("sync operation: %w", common.ErrNotFound)
		}
		out = &op
		return nil
	})
	return out, err
}

func (r *syncRepo) ListByStatus(ctx context.Context, terminalID string, status models.SyncStatus, limit int) ([]*models.SyncOperation, error) {
	var out []*models.SyncOperation
	err := r.s.do(ctx, func(d *data) error {
		for _, op := range d.syncOps {
			if op.TerminalID == terminalID && op.Status == status {
				op := op
				out = append(out, &op)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].LocalSeq < out[j].LocalSeq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}
