package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockledger/internal/models"
	"stockledger/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const defaultBatchSize = 100

// SyncReport counts what happened to the entries sent in one SyncOnce call.
type SyncReport struct {
	Sent      int `json:"sent"`
	Applied   int `json:"applied"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
	Retry     int `json:"retry"`
}

type SyncerOptions struct {
	BatchSize int
	// PushAttempts bounds retries of a batch that failed in transit.
	PushAttempts   int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultSyncerOptions() SyncerOptions {
	return SyncerOptions{
		BatchSize:      defaultBatchSize,
		PushAttempts:   3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Syncer drains a terminal's queue into the server in sequence order.
type Syncer struct {
	queue      *Queue
	transport  Transport
	terminalID string
	opts       SyncerOptions
	logger     zerolog.Logger
}

func NewSyncer(queue *Queue, transport Transport, terminalID string, opts SyncerOptions) *Syncer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PushAttempts <= 0 {
		opts.PushAttempts = 1
	}
	return &Syncer{
		queue:      queue,
		transport:  transport,
		terminalID: terminalID,
		opts:       opts,
		logger:     logger.Component("terminal-sync").With().Str("terminal_id", terminalID).Logger(),
	}
}

// SyncOnce pushes pending entries batch by batch until the queue is empty or
// the server asks for a retry. Applied and duplicate entries are acked;
// rejected entries stay on the terminal flagged for manual resolution.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	for {
		entries, err := s.queue.Pending(ctx, s.opts.BatchSize)
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			return report, nil
		}

		ops := make([]models.SyncOperationRequest, len(entries))
		for i, e := range entries {
			ops[i] = e.Operation()
		}
		results, err := s.push(ctx, ops)
		if err != nil {
			return report, err
		}
		report.Sent += len(entries)

		bySeq := make(map[int64]models.SyncOpResult, len(results))
		for _, r := range results {
			bySeq[r.LocalSeq] = r
		}

		stop := false
		for _, e := range entries {
			r, ok := bySeq[e.Seq]
			if !ok {
				r = models.SyncOpResult{Status: models.SyncRetry}
			}
			if err := s.record(ctx, e, r, &report); err != nil {
				return report, err
			}
			if r.Status == models.SyncRetry {
				stop = true
			}
		}
		if stop || len(entries) < s.opts.BatchSize {
			return report, nil
		}
	}
}

func (s *Syncer) record(ctx context.Context, e Entry, r models.SyncOpResult, report *SyncReport) error {
	switch r.Status {
	case models.SyncApplied:
		report.Applied++
		return s.queue.ack(ctx, e.Seq)
	case models.SyncDuplicate:
		report.Duplicate++
		// a duplicate of an operation the server once refused is still refused
		if r.OriginalStatus == models.SyncRejected {
			return s.queue.reject(ctx, e.Seq, r.Code, r.Message)
		}
		return s.queue.ack(ctx, e.Seq)
	case models.SyncRejected:
		report.Rejected++
		s.logger.Warn().
			Int64("seq", e.Seq).
			Str("kind", string(e.Kind)).
			Str("code", r.Code).
			Str("message", r.Message).
			Msg("Queued operation rejected, needs manual resolution")
		return s.queue.reject(ctx, e.Seq, r.Code, r.Message)
	case models.SyncRetry:
		report.Retry++
		return nil
	default:
		return fmt.Errorf("unknown sync status %q for seq %d", r.Status, e.Seq)
	}
}

func (s *Syncer) push(ctx context.Context, ops []models.SyncOperationRequest) ([]models.SyncOpResult, error) {
	b := backoff.NewExponentialBackOff()
	if s.opts.InitialBackoff > 0 {
		b.InitialInterval = s.opts.InitialBackoff
	}
	if s.opts.MaxBackoff > 0 {
		b.MaxInterval = s.opts.MaxBackoff
	}
	b.MaxElapsedTime = 0

	var results []models.SyncOpResult
	err := backoff.RetryNotify(func() error {
		var err error
		results, err = s.transport.Push(ctx, s.terminalID, ops)
		if err != nil && !isTemporary(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.PushAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Sync push failed")
		})
	return results, err
}

// Run syncs every interval until ctx is done. Failed rounds are logged and
// retried on the next tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := s.SyncOnce(ctx)
		switch {
		case err != nil && errors.Is(err, ctx.Err()):
			return ctx.Err()
		case err != nil:
			s.logger.Error().Err(err).Msg("Sync round failed")
		case report.Sent > 0:
			s.logger.Info().
				Int("sent", report.Sent).
				Int("applied", report.Applied).
				Int("duplicate", report.Duplicate).
				Int("rejected", report.Rejected).
				Int("retry", report.Retry).
				Msg("Sync round finished")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
