package services

import (
	"context"
	"errors"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/events"
	"stockledger/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) Archive(ctx context.Context, snapshot *models.InventorySnapshot) (string, error) {
	args := m.Called(ctx, snapshot)
	return args.String(0), args.Error(1)
}

func (m *mockArchiver) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	args := m.Called(ctx, key, expiry)
	return args.String(0), args.Error(1)
}

func (m *mockArchiver) EnsureBucketExists(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockArchiver) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (s *engineSuite) TestSnapshotCoversRequestedProducts() {
	s.product("A", 10, 1)
	b := s.product("B", 20, 1)

	all, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotManual, nil, nil)
	s.Require().NoError(err)
	s.Len(all.Items, 2)

	one, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotManual, nil, []uuid.UUID{b.ID})
	s.Require().NoError(err)
	s.Require().Len(one.Items, 1)
	s.Equal(b.ID, one.Items[0].ProductID)
	s.Equal(20, one.Items[0].Quantity)

	list, err := s.engine.Snapshots.List(s.ctx, 10, 0)
	s.Require().NoError(err)
	s.Len(list, 2)
	s.Len(s.recorder.OfType(events.SnapshotTaken), 2)

	_, err = s.engine.Snapshots.ArchiveURL(s.ctx, all.ID, time.Minute)
	s.Equal(common.CodeNotFound, common.ErrorCode(err), "no archiver configured")
}

func (s *engineSuite) TestDriftReportFlagsOutOfBandChanges() {
	p := s.product("A", 10, 1)
	q := s.product("B", 10, 1)

	snapshot, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotManual, nil, nil)
	s.Require().NoError(err)

	_, err = s.sell("T1-0001", cashier, line(p.ID, 3))
	s.Require().NoError(err)

	report, err := s.engine.Snapshots.DriftReport(s.ctx, snapshot.ID)
	s.Require().NoError(err)
	s.Equal(2, report.Checked)
	s.Empty(report.Entries)

	s.Require().NoError(s.store.Products.UpdateQuantity(s.ctx, q.ID, 7))
	report, err = s.engine.Snapshots.DriftReport(s.ctx, snapshot.ID)
	s.Require().NoError(err)
	s.Require().Len(report.Entries, 1)
	entry := report.Entries[0]
	s.Equal(q.ID, entry.ProductID)
	s.Equal(10, entry.Expected)
	s.Equal(7, entry.Actual)
	s.Equal(-3, entry.Drift)

	_, err = s.engine.Snapshots.DriftReport(s.ctx, uuid.New())
	s.Equal(common.CodeNotFound, common.ErrorCode(err))
}

// Adjustment timestamps come from the writer's clock, so they can land on
// either side of the snapshot time regardless of commit order.
func (s *engineSuite) TestDriftIgnoresAdjustmentClockSkew() {
	p := s.product("A", 10, 1)
	ledger := s.engine.Ledger.(*ledgerService)
	dc := DeltaContext{Type: models.AdjustmentDamage, Reason: "crushed", Actor: manager}

	ledger.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	_, err := s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -1, dc)
	s.Require().NoError(err)

	snapshot, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotManual, nil, []uuid.UUID{p.ID})
	s.Require().NoError(err)
	s.Require().Len(snapshot.Items, 1)
	s.Equal(9, snapshot.Items[0].Quantity)
	s.NotEmpty(snapshot.Items[0].LastAdjustment)

	ledger.now = func() time.Time { return snapshot.TakenAt.Add(-time.Hour) }
	_, err = s.engine.Ledger.ApplyDelta(s.ctx, p.ID, -2, dc)
	s.Require().NoError(err)

	report, err := s.engine.Snapshots.DriftReport(s.ctx, snapshot.ID)
	s.Require().NoError(err)
	s.Empty(report.Entries)
}

func (s *engineSuite) TestDriftCountsWholeLogForProductWithoutAdjustments() {
	p, err := s.engine.Ledger.RegisterProduct(s.ctx, &models.Product{SKU: "EMPTY", Name: "Empty"}, 0, manager)
	s.Require().NoError(err)

	snapshot, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotManual, nil, []uuid.UUID{p.ID})
	s.Require().NoError(err)
	s.Empty(snapshot.Items[0].LastAdjustment)

	_, err = s.engine.Ledger.ApplyDelta(s.ctx, p.ID, 4, DeltaContext{Type: models.AdjustmentFound, Reason: "back room", Actor: manager})
	s.Require().NoError(err)

	report, err := s.engine.Snapshots.DriftReport(s.ctx, snapshot.ID)
	s.Require().NoError(err)
	s.Empty(report.Entries)
}

func (s *engineSuite) TestSnapshotArchiveAfterCommit() {
	archiver := new(mockArchiver)
	engine, err := NewEngine(Deps{Store: s.store, Cache: s.cache, Publisher: s.recorder, Archiver: archiver, Policy: s.policy})
	s.Require().NoError(err)
	s.engine = engine
	s.product("A", 5, 1)

	archiver.On("Archive", mock.Anything, mock.AnythingOfType("*models.InventorySnapshot")).Return("snapshots/manual/a.json", nil).Once()
	archiver.On("GetPresignedURL", mock.Anything, "snapshots/manual/a.json", 15*time.Minute).Return("https://objects.local/a.json?sig=1", nil).Once()

	snapshot, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotManual, nil, nil)
	s.Require().NoError(err)

	url, err := s.engine.Snapshots.ArchiveURL(s.ctx, snapshot.ID, 15*time.Minute)
	s.Require().NoError(err)
	s.Equal("https://objects.local/a.json?sig=1", url)
	archiver.AssertExpectations(s.T())
}

func (s *engineSuite) TestSnapshotArchiveFailureKeepsSnapshot() {
	archiver := new(mockArchiver)
	engine, err := NewEngine(Deps{Store: s.store, Cache: s.cache, Publisher: s.recorder, Archiver: archiver, Policy: s.policy})
	s.Require().NoError(err)
	s.engine = engine
	s.product("A", 5, 1)

	archiver.On("Archive", mock.Anything, mock.Anything).Return("", errors.New("bucket unavailable")).Once()

	snapshot, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotDayEnd, nil, nil)
	s.Require().NoError(err)

	stored, err := s.engine.Snapshots.Get(s.ctx, snapshot.ID)
	s.Require().NoError(err)
	s.Nil(stored.ArchiveKey)
	s.Equal(models.SnapshotDayEnd, stored.Kind)
	archiver.AssertExpectations(s.T())
}

type recordingQueue struct {
	ids []uuid.UUID
	err error
}

func (q *recordingQueue) EnqueueArchive(_ context.Context, id uuid.UUID) error {
	q.ids = append(q.ids, id)
	return q.err
}

func (s *engineSuite) TestSnapshotArchiveIsQueued() {
	archiver := new(mockArchiver)
	queue := &recordingQueue{}
	engine, err := NewEngine(Deps{Store: s.store, Cache: s.cache, Publisher: s.recorder, Archiver: archiver, ArchiveQueue: queue, Policy: s.policy})
	s.Require().NoError(err)
	s.engine = engine
	s.product("A", 5, 1)

	snapshot, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotManual, nil, nil)
	s.Require().NoError(err)
	s.Equal([]uuid.UUID{snapshot.ID}, queue.ids)
	archiver.AssertNotCalled(s.T(), "Archive", mock.Anything, mock.Anything)

	// the worker side
	archiver.On("Archive", mock.Anything, mock.AnythingOfType("*models.InventorySnapshot")).Return("snapshots/manual/q.json", nil).Once()
	s.Require().NoError(s.engine.Snapshots.Archive(s.ctx, snapshot.ID))
	s.Require().NoError(s.engine.Snapshots.Archive(s.ctx, snapshot.ID), "already archived")

	stored, err := s.engine.Snapshots.Get(s.ctx, snapshot.ID)
	s.Require().NoError(err)
	s.Require().NotNil(stored.ArchiveKey)
	s.Equal("snapshots/manual/q.json", *stored.ArchiveKey)
	archiver.AssertExpectations(s.T())
}

func (s *engineSuite) TestSnapshotArchiveFallsBackWhenQueueFails() {
	archiver := new(mockArchiver)
	queue := &recordingQueue{err: errors.New("redis down")}
	engine, err := NewEngine(Deps{Store: s.store, Cache: s.cache, Publisher: s.recorder, Archiver: archiver, ArchiveQueue: queue, Policy: s.policy})
	s.Require().NoError(err)
	s.engine = engine
	s.product("A", 5, 1)

	archiver.On("Archive", mock.Anything, mock.Anything).Return("snapshots/manual/f.json", nil).Once()

	snapshot, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotManual, nil, nil)
	s.Require().NoError(err)

	stored, err := s.engine.Snapshots.Get(s.ctx, snapshot.ID)
	s.Require().NoError(err)
	s.Require().NotNil(stored.ArchiveKey)
	archiver.AssertExpectations(s.T())
}

func (s *engineSuite) TestArchiveWithoutObjectStore() {
	s.product("A", 5, 1)
	snapshot, err := s.engine.Snapshots.Take(s.ctx, models.SnapshotManual, nil, nil)
	s.Require().NoError(err)

	s.Error(s.engine.Snapshots.Archive(s.ctx, snapshot.ID))
}
