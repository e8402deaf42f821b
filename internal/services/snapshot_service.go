package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/events"
	"stockledger/internal/models"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SnapshotService records point-in-time copies of stock quantities and
// compares them with the ledger afterwards.
type SnapshotService interface {
	// Take copies the quantities of productIDs, or of every product when
	// productIDs is empty.
	Take(ctx context.Context, kind models.SnapshotKind, sessionID *uuid.UUID, productIDs []uuid.UUID) (*models.InventorySnapshot, error)
	Get(ctx context.Context, id uuid.UUID) (*models.InventorySnapshot, error)
	List(ctx context.Context, limit, offset int) ([]*models.InventorySnapshot, error)
	DriftReport(ctx context.Context, id uuid.UUID) (*models.DriftReport, error)
	// Archive uploads a stored snapshot to the object store and records its
	// key. Archiving an already archived snapshot is a no-op.
	Archive(ctx context.Context, id uuid.UUID) error
	// ArchiveURL returns a time-limited download link for the archived copy.
	ArchiveURL(ctx context.Context, id uuid.UUID, expiry time.Duration) (string, error)
}

// ArchiveQueue hands snapshot uploads to a background worker.
type ArchiveQueue interface {
	EnqueueArchive(ctx context.Context, snapshotID uuid.UUID) error
}

type snapshotService struct {
	tx          repositories.TxManager
	snapshots   repositories.SnapshotRepository
	products    repositories.ProductRepository
	adjustments repositories.AdjustmentRepository
	archiver    SnapshotArchiver
	queue       ArchiveQueue
	publisher   events.Publisher
	now         func() time.Time
}

// NewSnapshotService builds the service. archiver may be nil when no object
// store is configured; with a nil queue uploads run inline after commit.
func NewSnapshotService(store *repositories.Store, archiver SnapshotArchiver, queue ArchiveQueue, publisher events.Publisher) SnapshotService {
	return &snapshotService{
		tx:          store.Tx,
		snapshots:   store.Snapshots,
		products:    store.Products,
		adjustments: store.Adjustments,
		archiver:    archiver,
		queue:       queue,
		publisher:   publisher,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *snapshotService) Take(ctx context.Context, kind models.SnapshotKind, sessionID *uuid.UUID, productIDs []uuid.UUID) (*models.InventorySnapshot, error) {
	switch kind {
	case models.SnapshotSessionStart, models.SnapshotDayEnd, models.SnapshotManual:
	default:
		return nil, common.NewValidationError("kind", fmt.Sprintf("unknown snapshot kind %q", kind))
	}

	snapshot := &models.InventorySnapshot{
		ID:        uuid.New(),
		Kind:      kind,
		SessionID: sessionID,
	}
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.products.LockShared(ctx, productIDs); err != nil {
			return fmt.Errorf("lock products: %w", err)
		}
		quantities, err := s.products.Quantities(ctx, productIDs)
		if err != nil {
			return fmt.Errorf("read quantities: %w", err)
		}
		latest, err := s.adjustments.LatestNumbers(ctx, productIDs)
		if err != nil {
			return fmt.Errorf("read adjustment watermarks: %w", err)
		}
		snapshot.TakenAt = s.now()
		snapshot.Items = make([]models.SnapshotItem, 0, len(quantities))
		for id, qty := range quantities {
			snapshot.Items = append(snapshot.Items, models.SnapshotItem{ProductID: id, Quantity: qty, LastAdjustment: latest[id]})
		}
		sort.Slice(snapshot.Items, func(i, j int) bool {
			return snapshot.Items[i].ProductID.String() < snapshot.Items[j].ProductID.String()
		})
		if err := s.snapshots.Create(ctx, snapshot); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		s.tx.AfterCommit(ctx, s.archive(ctx, snapshot))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// archive uploads the snapshot after commit. Archive failures are logged; the
// database copy stays authoritative.
func (s *snapshotService) archive(ctx context.Context, snapshot *models.InventorySnapshot) func() {
	ctx = context.WithoutCancel(ctx)
	return func() {
		events.Emit(ctx, s.publisher, events.SnapshotTaken, snapshot.ID.String(), map[string]any{
			"snapshot_id": snapshot.ID,
			"kind":        snapshot.Kind,
			"products":    len(snapshot.Items),
		})
		if s.archiver == nil {
			return
		}
		if s.queue != nil {
			err := s.queue.EnqueueArchive(ctx, snapshot.ID)
			if err == nil {
				return
			}
			log.Warn().Err(err).Str("snapshot_id", snapshot.ID.String()).Msg("archive queue unavailable, uploading inline")
		}
		if err := s.upload(ctx, snapshot); err != nil {
			log.Warn().Err(err).Str("snapshot_id", snapshot.ID.String()).Msg("failed to archive snapshot")
		}
	}
}

func (s *snapshotService) upload(ctx context.Context, snapshot *models.InventorySnapshot) error {
	key, err := s.archiver.Archive(ctx, snapshot)
	if err != nil {
		return err
	}
	if err := s.snapshots.SetArchiveKey(ctx, snapshot.ID, key); err != nil {
		return fmt.Errorf("record archive key: %w", err)
	}
	snapshot.ArchiveKey = &key
	return nil
}

func (s *snapshotService) Archive(ctx context.Context, id uuid.UUID) error {
	if s.archiver == nil {
		return fmt.Errorf("archive snapshot %s: no object store configured", id)
	}
	snapshot, err := s.snapshots.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if snapshot.ArchiveKey != nil {
		return nil
	}
	return s.upload(ctx, snapshot)
}

func (s *snapshotService) Get(ctx context.Context, id uuid.UUID) (*models.InventorySnapshot, error) {
	return s.snapshots.GetByID(ctx, id)
}

func (s *snapshotService) List(ctx context.Context, limit, offset int) ([]*models.InventorySnapshot, error) {
	limit, offset, err := common.ValidatePaginationParams(limit, offset)
	if err != nil {
		return nil, err
	}
	return s.snapshots.List(ctx, limit, offset)
}

func (s *snapshotService) ArchiveURL(ctx context.Context, id uuid.UUID, expiry time.Duration) (string, error) {
	snapshot, err := s.snapshots.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if s.archiver == nil || snapshot.ArchiveKey == nil {
		return "", fmt.Errorf("snapshot %s is not archived: %w", id, common.ErrNotFound)
	}
	return s.archiver.GetPresignedURL(ctx, *snapshot.ArchiveKey, expiry)
}

func (s *snapshotService) DriftReport(ctx context.Context, id uuid.UUID) (*models.DriftReport, error) {
	snapshot, err := s.snapshots.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(snapshot.Items))
	watermarks := make(map[uuid.UUID]string, len(snapshot.Items))
	for _, item := range snapshot.Items {
		ids = append(ids, item.ProductID)
		watermarks[item.ProductID] = item.LastAdjustment
	}

	report := &models.DriftReport{SnapshotID: snapshot.ID, TakenAt: snapshot.TakenAt, Checked: len(snapshot.Items)}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		since, err := s.adjustments.SumAfter(ctx, watermarks)
		if err != nil {
			return fmt.Errorf("sum adjustments since snapshot: %w", err)
		}
		current, err := s.products.Quantities(ctx, ids)
		if err != nil {
			return fmt.Errorf("read quantities: %w", err)
		}
		for _, item := range snapshot.Items {
			expected := item.Quantity + since[item.ProductID]
			actual := current[item.ProductID]
			if expected == actual {
				continue
			}
			report.Entries = append(report.Entries, models.DriftEntry{
				ProductID:        item.ProductID,
				SnapshotQuantity: item.Quantity,
				AdjustmentsSince: since[item.ProductID],
				Expected:         expected,
				Actual:           actual,
				Drift:            actual - expected,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
