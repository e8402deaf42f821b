package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stockledger/internal/services"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Task type definitions
const (
	TypeSnapshotArchive = "snapshot:archive"

	ArchiveQueueName = "archive"
)

const (
	archiveMaxRetry = 8
	archiveTimeout  = 2 * time.Minute
)

// SnapshotArchivePayload defines the payload for snapshot archive tasks
type SnapshotArchivePayload struct {
	SnapshotID uuid.UUID `json:"snapshot_id"`
}

// NewSnapshotArchiveTask creates a task that uploads one snapshot. The task
// id is the snapshot id, so enqueueing the same snapshot twice is a no-op.
func NewSnapshotArchiveTask(snapshotID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(SnapshotArchivePayload{SnapshotID: snapshotID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSnapshotArchive, data,
		asynq.TaskID(snapshotID.String()),
		asynq.Queue(ArchiveQueueName),
		asynq.MaxRetry(archiveMaxRetry),
		asynq.Timeout(archiveTimeout),
	), nil
}

// TaskEnqueuer is the part of *asynq.Client the archive queue needs.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ArchiveQueue sends snapshot uploads to asynq workers.
type ArchiveQueue struct {
	client TaskEnqueuer
}

func NewArchiveQueue(client TaskEnqueuer) *ArchiveQueue {
	return &ArchiveQueue{client: client}
}

func (q *ArchiveQueue) EnqueueArchive(ctx context.Context, snapshotID uuid.UUID) error {
	task, err := NewSnapshotArchiveTask(snapshotID)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue snapshot archive: %w", err)
	}
	log.Debug().Str("task_id", info.ID).Str("queue", info.Queue).Msg("snapshot archive enqueued")
	return nil
}

// SnapshotArchiveHandler runs archive tasks against the snapshot service.
type SnapshotArchiveHandler struct {
	snapshots services.SnapshotService
}

func NewSnapshotArchiveHandler(snapshots services.SnapshotService) *SnapshotArchiveHandler {
	return &SnapshotArchiveHandler{snapshots: snapshots}
}

// ProcessTask handles snapshot archive tasks. A malformed payload is not
// retried.
func (h *SnapshotArchiveHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload SnapshotArchivePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal archive payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.SnapshotID == uuid.Nil {
		return fmt.Errorf("archive payload has no snapshot id: %w", asynq.SkipRetry)
	}

	if err := h.snapshots.Archive(ctx, payload.SnapshotID); err != nil {
		log.Warn().Err(err).Str("snapshot_id", payload.SnapshotID.String()).Msg("snapshot archive failed")
		return err
	}
	log.Info().Str("snapshot_id", payload.SnapshotID.String()).Msg("snapshot archived")
	return nil
}

// NewArchiveMux routes archive tasks to h.
func NewArchiveMux(h *SnapshotArchiveHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeSnapshotArchive, h)
	return mux
}

// NewArchiveServer builds an asynq server that only consumes the archive
// queue.
func NewArchiveServer(redis asynq.RedisConnOpt, concurrency int) *asynq.Server {
	return asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{ArchiveQueueName: 1},
		Logger:      asynqLogger{log.With().Str("component", "archive-worker").Logger()},
	})
}

// asynqLogger adapts zerolog to asynq.Logger.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
