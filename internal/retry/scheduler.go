package retry

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/ledger"
	"payment-webhook-service/internal/lock"
	"payment-webhook-service/internal/logcontext"
	"payment-webhook-service/internal/model"
	"payment-webhook-service/internal/webhook"
)

const scanLockKey = "webhook-retry-scan"

var (
	// scan metrics
	scanSuccessCounter  = metrics.GetOrCreateCounter(`retry_scans_total{result="success"}`)
	scanFetchingCounter = metrics.GetOrCreateCounter(`retry_scans_total{result="fetching_failed"}`)
	scanSkippedCounter  = metrics.GetOrCreateCounter(`retry_scans_total{result="skipped"}`)

	scanDurationHistogram = metrics.GetOrCreateHistogram(`retry_scan_duration_milliseconds`)

	// per entry metrics
	entryRecoveredCounter = metrics.GetOrCreateCounter(`retry_entries_total{result="recovered"}`)
	entryFailedCounter    = metrics.GetOrCreateCounter(`retry_entries_total{result="failed"}`)
)

type State int32

const (
	Idle State = iota
	Scanning
	Sleeping
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Sleeping:
		return "sleeping"
	default:
		return "idle"
	}
}

type Redriver interface {
	Redrive(ctx context.Context, a *model.DeliveryAttempt) (*webhook.Outcome, error)
}

type Report struct {
	RunID     string `json:"runId"`
	Due       int    `json:"due"`
	Recovered int    `json:"recovered"`
	Failed    int    `json:"failed"`
	// Skipped is true when another scan held the lease.
	Skipped bool `json:"skipped"`
}

type Scheduler struct {
	ledger   *ledger.Ledger
	redriver Redriver
	locker   lock.Locker
	interval time.Duration
	lockTTL  time.Duration
	scanning sync.Mutex
	state    atomic.Int32
	done     chan struct{}
	logger   *slog.Logger
}

func NewScheduler(l *ledger.Ledger, redriver Redriver, locker lock.Locker, cfg config.Retry, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		ledger:   l,
		redriver: redriver,
		locker:   locker,
		interval: cfg.Interval(),
		lockTTL:  cfg.LockTTL(),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Start scans once right away and then every interval until ctx is cancelled.
// Done is closed once the loop has exited.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		defer s.state.Store(int32(Idle))

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.scanLogged(ctx)
		for {
			select {
			case <-ticker.C:
				s.scanLogged(ctx)
			case <-ctx.Done():
				s.logger.InfoContext(ctx, "Context done, stopping retry scheduler")
				return
			}
		}
	}()
}

func (s *Scheduler) scanLogged(ctx context.Context) {
	if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "Retry scan failed", "error", err)
	}
	s.state.Store(int32(Sleeping))
}

func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Scan redrives every due ledger entry once. Only one scan runs at a time,
// both in this process and across instances sharing the locker.
func (s *Scheduler) Scan(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.New().String()}
	// set runId as a correlation id for all logs in scope
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", report.RunID))

	if !s.scanning.TryLock() {
		s.logger.InfoContext(ctx, "Retry scan already running, skipping")
		scanSkippedCounter.Inc()
		report.Skipped = true
		return report, nil
	}
	defer s.scanning.Unlock()

	release, ok, err := s.locker.Acquire(ctx, scanLockKey, s.lockTTL)
	if err != nil {
		scanFetchingCounter.Inc()
		return nil, errors.Wrap(err, "acquiring scan lock")
	}
	if !ok {
		s.logger.InfoContext(ctx, "Retry scan held by another instance, skipping")
		scanSkippedCounter.Inc()
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "Error releasing scan lock", "error", err)
		}
	}()

	startTime := time.Now()
	s.state.Store(int32(Scanning))
	defer s.state.Store(int32(Sleeping))

	s.logger.InfoContext(ctx, "Fetching due webhook deliveries")
	due, err := s.ledger.ListDue(ctx)
	if err != nil {
		scanFetchingCounter.Inc()
		return nil, errors.Wrap(err, "listing due deliveries")
	}
	report.Due = len(due)

	for _, a := range due {
		if err := ctx.Err(); err != nil {
			s.logger.InfoContext(ctx, "Retry scan interrupted", "remaining", report.Due-report.Recovered-report.Failed)
			return report, err
		}

		if err := s.redrive(ctx, a); err != nil {
			report.Failed++
		} else {
			report.Recovered++
		}
	}

	s.logger.InfoContext(ctx, "Retry scan finished", "due", report.Due, "recovered", report.Recovered, "failed", report.Failed)
	scanSuccessCounter.Inc()
	scanDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	return report, nil
}

// RetryNow redrives one entry immediately, regardless of its schedule.
func (s *Scheduler) RetryNow(ctx context.Context, id uuid.UUID) (*webhook.Outcome, error) {
	a, err := s.ledger.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, apperr.Newf(apperr.NotFound, "webhook delivery %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, err, "loading webhook delivery")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("id", id.String()))
	s.logger.InfoContext(ctx, "Manual webhook retry requested", "attempts", a.AttemptCount, "processed", a.IsProcessed)
	return s.redriver.Redrive(ctx, a)
}

func (s *Scheduler) redrive(ctx context.Context, a *model.DeliveryAttempt) (err error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("id", a.ID.String()))

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
			s.logger.ErrorContext(ctx, "Recovered panic while retrying webhook", "panic", r, "stack", string(debug.Stack()))
		}
		if err != nil {
			entryFailedCounter.Inc()
		}
	}()

	s.logger.InfoContext(ctx, "Retrying webhook delivery", "attempts", a.AttemptCount)
	if _, err := s.redriver.Redrive(ctx, a); err != nil {
		s.logger.WarnContext(ctx, "Webhook retry failed", "error", err, "kind", apperr.KindOf(err).String())
		return err
	}

	entryRecoveredCounter.Inc()
	return nil
}
