package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/google/uuid"
)

type countSessionRepo struct{ s *Store }

func (r *countSessionRepo) Create(ctx context.Context, cs *models.CountSession) error {
	return r.s.do(ctx, func(d *data) error {
		d.sessions[cs.ID] = copySession(*cs)
		return nil
	})
}

func (r *countSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.CountSession, error) {
	var out *models.CountSession
	err := r.s.do(ctx, func(d *data) error {
		cs, ok := d.sessions[id]
		if !ok {
			return fmt.Errorf("count session %s: %w", id, common.ErrNotFound)
		}
		cp := copySession(cs)
		out = &cp
		return nil
	})
	return out, err
}

func (r *countSessionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.CountSession, error) {
	return r.GetByID(ctx, id)
}

func (r *countSessionRepo) Update(ctx context.Context, cs *models.CountSession) error {
	return r.s.do(ctx, func(d *data) error {
		cur, ok := d.sessions[cs.ID]
		if !ok {
			return fmt.Errorf("count session %s: %w", cs.ID, common.ErrNotFound)
		}
		cur.Status = cs.Status
		cur.ScopeProductIDs = append([]uuid.UUID(nil), cs.ScopeProductIDs...)
		cur.SnapshotID = cs.SnapshotID
		cur.StartedAt = cs.StartedAt
		cur.FinishedAt = cs.FinishedAt
		cur.ClosedAt = cs.ClosedAt
		cur.UpdatedAt = cs.UpdatedAt
		d.sessions[cs.ID] = cur
		return nil
	})
}

func (r *countSessionRepo) NextNumber(ctx context.Context) (string, error) {
	var n int64
	err := r.s.do(ctx, func(d *data) error {
		d.sessionSeq++
		n = d.sessionSeq
		return nil
	})
	return fmt.Sprintf("CS-%06d", n), err
}

func (r *countSessionRepo) ListDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	var due []models.CountSession
	err := r.s.do(ctx, func(d *data) error {
		for _, cs := range d.sessions {
			if cs.Status == models.CountSessionScheduled && cs.ScheduledFor != nil && !cs.ScheduledFor.After(now) {
				due = append(due, cs)
			}
		}
		return nil
	})
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(*due[j].ScheduledFor) })
	ids := make([]uuid.UUID, len(due))
	for i, cs := range due {
		ids[i] = cs.ID
	}
	return ids, err
}

type countRepo struct{ s *Store }

func (r *countRepo) Create(ctx context.Context, c *models.InventoryCount) error {
	return r.s.do(ctx, func(d *data) error {
		d.countSeq++
		c.Sequence = d.countSeq
		d.counts = append(d.counts, *c)
		return nil
	})
}

func (r *countRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.InventoryCount, error) {
	var out []*models.InventoryCount
	err := r.s.do(ctx, func(d *data) error {
		for _, c := range d.counts {
			if c.SessionID == sessionID {
				c := c
				out = append(out, &c)
			}
		}
		return nil
	})
	return out, err
}

func (r *countRepo) LatestForProduct(ctx context.Context, sessionID, productID uuid.UUID) (*models.InventoryCount, error) {
	var out *models.InventoryCount
	err := r.s.do(ctx, func(d *data) error {
		for i := len(d.counts) - 1; i >= 0; i-- {
			c := d.counts[i]
			if c.SessionID == sessionID && c.ProductID == productID {
				out = &c
				return nil
			}
		}
		return fmt.Errorf("count for product %s: %w", productID, common.ErrNotFound)
	})
	return out, err
}

type reconciliationRepo struct{ s *Store }

func (r *reconciliationRepo) Create(ctx context.Context, rec *models.Reconciliation) error {
	return r.s.do(ctx, func(d *data) error {
		for _, existing := range d.recs {
			if existing.SessionID == rec.SessionID && !existing.Status.Decided() {
				return fmt.Errorf("session %s already has an open reconciliation", rec.SessionID)
			}
		}
		cp := copyReconciliation(*rec)
		for i := range cp.Items {
			cp.Items[i].ReconciliationID = rec.ID
		}
		d.recs[rec.ID] = cp
		return nil
	})
}

func (r *reconciliationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Reconciliation, error) {
	var out *models.Reconciliation
	err := r.s.do(ctx, func(d *data) error {
		rec, ok := d.recs[id]
		if !ok {
			return fmt.Errorf("reconciliation %s: %w", id, common.ErrNotFound)
		}
		cp := copyReconciliation(rec)
		out = &cp
		return nil
	})
	return out, err
}

func (r *reconciliationRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Reconciliation, error) {
	return r.GetByID(ctx, id)
}

func (r *reconciliationRepo) OpenForSession(ctx context.Context, sessionID uuid.UUID) (*models.Reconciliation, error) {
	var out *models.Reconciliation
	err := r.s.do(ctx, func(d *data) error {
		for _, rec := range d.recs {
			if rec.SessionID == sessionID && !rec.Status.Decided() {
				cp := copyReconciliation(rec)
				out = &cp
				return nil
			}
		}
		return fmt.Errorf("open reconciliation for session %s: %w", sessionID, common.ErrNotFound)
	})
	return out, err
}

func (r *reconciliationRepo) Update(ctx context.Context, rec *models.Reconciliation) error {
	return r.s.do(ctx, func(d *data) error {
		cur, ok := d.recs[rec.ID]
		if !ok {
			return fmt.Errorf("reconciliation %s: %w", rec.ID, common.ErrNotFound)
		}
		cur.Status = rec.Status
		cur.TotalVarianceUnits = rec.TotalVarianceUnits
		cur.ShrinkageUnits = rec.ShrinkageUnits
		cur.OverageUnits = rec.OverageUnits
		cur.TotalCostImpact = rec.TotalCostImpact
		cur.RequiresSecondApproval = rec.RequiresSecondApproval
		cur.Notes = rec.Notes
		cur.DecidedBy = rec.DecidedBy
		cur.SubmittedAt = rec.SubmittedAt
		cur.DecidedAt = rec.DecidedAt
		d.recs[rec.ID] = cur
		return nil
	})
}

func (r *reconciliationRepo) ReplaceItems(ctx context.Context, id uuid.UUID, items []models.ReconciliationItem) error {
	return r.s.do(ctx, func(d *data) error {
		cur, ok := d.recs[id]
		if !ok {
			return fmt.Errorf("reconciliation %s: %w", id, common.ErrNotFound)
		}
		cur.Items = append([]models.ReconciliationItem(nil), items...)
		for i := range cur.Items {
			cur.Items[i].ReconciliationID = id
		}
		d.recs[id] = cur
		return nil
	})
}

func (r *reconciliationRepo) AddApproval(ctx context.Context, a *models.ReconciliationApproval) error {
	return r.s.do(ctx, func(d *data) error {
		cur, ok := d.recs[a.ReconciliationID]
		if !ok {
			return fmt.Errorf("reconciliation %s: %w", a.ReconciliationID, common.ErrNotFound)
		}
		cur.Approvals = append(cur.Approvals, *a)
		d.recs[a.ReconciliationID] = cur
		return nil
	})
}

func (r *reconciliationRepo) NextNumber(ctx context.Context) (string, error) {
	var n int64
	err := r.s.do(ctx, func(d *data) error {
		d.recSeq++
		n = d.recSeq
		return nil
	})
	return fmt.Sprintf("REC-%06d", n), err
}
