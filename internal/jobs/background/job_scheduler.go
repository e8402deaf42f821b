package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stockledger/internal/events"
	"stockledger/internal/jobs"
	"stockledger/internal/models"
	"stockledger/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

const (
	JobDayEndSnapshot = "day-end-snapshot"
	JobStartSessions  = "start-due-sessions"
	JobLowStockAlerts = "low-stock-alerts"
	JobVerifyLedger   = "verify-ledger"
)

type Config struct {
	DayEndSnapshotCron string
	DueSessionInterval time.Duration
	LowStockInterval   time.Duration
	VerifyInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		DayEndSnapshotCron: "55 23 * * *",
		DueSessionInterval: time.Minute,
		LowStockInterval:   30 * time.Minute,
		VerifyInterval:     time.Hour,
	}
}

// JobScheduler runs the engine's periodic work: day-end snapshots, starting
// scheduled count sessions, low stock reports and ledger verification.
type JobScheduler struct {
	scheduler gocron.Scheduler
	snapshots services.SnapshotService
	counts    services.CountService
	ledger    services.LedgerService
	alerts    *jobs.InventoryAlertService
	publisher events.Publisher
	ctx       context.Context
	cancel    context.CancelFunc
	jobJobs   map[string]gocron.Job
	mu        sync.RWMutex
}

func NewJobScheduler(engine *services.Engine, alerts *jobs.InventoryAlertService, publisher events.Publisher, cfg Config) (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}

	ctx, cancel := context.WithCancel(context.Background())
	js := &JobScheduler{
		scheduler: scheduler,
		snapshots: engine.Snapshots,
		counts:    engine.Counts,
		ledger:    engine.Ledger,
		alerts:    alerts,
		publisher: publisher,
		ctx:       ctx,
		cancel:    cancel,
		jobJobs:   make(map[string]gocron.Job),
	}

	if err := js.registerJobs(cfg); err != nil {
		cancel()
		_ = scheduler.Shutdown()
		return nil, err
	}
	return js, nil
}

func (js *JobScheduler) Start() {
	log.Info().Int("jobs", len(js.jobJobs)).Msg("starting background job scheduler")
	js.scheduler.Start()
}

func (js *JobScheduler) Stop() error {
	log.Info().Msg("stopping background job scheduler")
	js.cancel()
	return js.scheduler.Shutdown()
}

type scheduledJob struct {
	name string
	def  gocron.JobDefinition
	task func(context.Context) error
}

func (js *JobScheduler) registerJobs(cfg Config) error {
	defaults := DefaultConfig()
	if cfg.DayEndSnapshotCron == "" {
		cfg.DayEndSnapshotCron = defaults.DayEndSnapshotCron
	}
	if cfg.DueSessionInterval <= 0 {
		cfg.DueSessionInterval = defaults.DueSessionInterval
	}
	if cfg.LowStockInterval <= 0 {
		cfg.LowStockInterval = defaults.LowStockInterval
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = defaults.VerifyInterval
	}

	definitions := []scheduledJob{
		{JobDayEndSnapshot, gocron.CronJob(cfg.DayEndSnapshotCron, false), js.takeDayEndSnapshot},
		{JobStartSessions, gocron.DurationJob(cfg.DueSessionInterval), js.startDueSessions},
		{JobVerifyLedger, gocron.DurationJob(cfg.VerifyInterval), js.verifyLedger},
	}
	if js.alerts != nil {
		definitions = append(definitions, scheduledJob{JobLowStockAlerts, gocron.DurationJob(cfg.LowStockInterval), js.alerts.ScheduledLowStockCheck})
	}

	for _, d := range definitions {
		if err := js.addJob(d.name, d.def, d.task); err != nil {
			return err
		}
	}
	log.Info().Int("jobs", len(js.jobJobs)).Msg("registered background jobs")
	return nil
}

func (js *JobScheduler) addJob(name string, def gocron.JobDefinition, task func(context.Context) error) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	job, err := js.scheduler.NewJob(
		def,
		gocron.NewTask(func() {
			started := time.Now()
			if err := task(js.ctx); err != nil {
				log.Error().Err(err).Str("job", name).Msg("background job failed")
				return
			}
			log.Debug().Str("job", name).Dur("took", time.Since(started)).Msg("background job completed")
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s job: %w", name, err)
	}
	js.jobJobs[name] = job
	return nil
}

func (js *JobScheduler) takeDayEndSnapshot(ctx context.Context) error {
	snapshot, err := js.snapshots.Take(ctx, models.SnapshotDayEnd, nil, nil)
	if err != nil {
		return err
	}
	log.Info().Str("snapshot_id", snapshot.ID.String()).Int("products", len(snapshot.Items)).Msg("day-end snapshot taken")
	return nil
}

func (js *JobScheduler) startDueSessions(ctx context.Context) error {
	started, err := js.counts.StartDueSessions(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if started > 0 {
		log.Info().Int("sessions", started).Msg("started scheduled count sessions")
	}
	return nil
}

// verifyLedger reports products whose stored quantity no longer matches their
// adjustment history. It never repairs them.
func (js *JobScheduler) verifyLedger(ctx context.Context) error {
	mismatches, err := js.ledger.VerifyAll(ctx)
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		log.Error().
			Str("product_id", m.ProductID.String()).
			Int("stored", m.StoredQuantity).
			Int("ledger", m.LedgerQuantity).
			Msg("ledger mismatch")
		events.Emit(ctx, js.publisher, events.LedgerMismatch, m.ProductID.String(), m)
	}
	return nil
}

// GetJobStatus returns information about scheduled jobs
func (js *JobScheduler) GetJobStatus() map[string]any {
	js.mu.RLock()
	defer js.mu.RUnlock()

	names := make([]string, 0, len(js.jobJobs))
	for name := range js.jobJobs {
		names = append(names, name)
	}
	return map[string]any{
		"total_jobs": len(js.jobJobs),
		"jobs":       names,
	}
}
