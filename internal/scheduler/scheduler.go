package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ecodeclub/ekit/slice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/broadcast-service/internal/assembler"
	"github.com/example/broadcast-service/internal/common"
	"github.com/example/broadcast-service/internal/delivery"
	"github.com/example/broadcast-service/internal/directory"
	"github.com/example/broadcast-service/internal/errs"
	"github.com/example/broadcast-service/internal/events"
	"github.com/example/broadcast-service/internal/mailing"
)

var (
	tickCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "Scheduler ticks by outcome",
	}, []string{"outcome"})
	tickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "Duration of a scheduler tick",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	mailingCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_mailings_total",
		Help: "Mailings finished by the scheduler, by resulting status",
	}, []string{"status"})
	batchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_batches_total",
		Help: "Audience pages handed to the delivery worker",
	}, []string{"result"})
)

const (
	DefaultInterval = 60 * time.Second
	DefaultPageSize = 100
)

type Directory interface {
	FetchFilteredUsers(ctx context.Context, filters mailing.Filters, page, limit int) (directory.UserPage, error)
}

type Dispatcher interface {
	Submit(ctx context.Context, s delivery.Submission) error
}

type MessageAssembler interface {
	Assemble(m mailing.Mailing) []assembler.Message
}

type Lease interface {
	Acquire(ctx context.Context) (bool, error)
}

// Scheduler polls for due mailings and dispatches them page by page.
type Scheduler struct {
	Repo       mailing.Repository
	Assembler  MessageAssembler
	Directory  Directory
	Dispatcher Dispatcher
	Events     events.Publisher
	// Lease is optional; the claim in the repository is what prevents
	// double dispatch.
	Lease    Lease
	Disabled bool
	Interval time.Duration
	PageSize int
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Run ticks once, then every Interval until ctx is cancelled. It returns
// after the in-flight tick has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Repo == nil || s.Assembler == nil || s.Directory == nil || s.Dispatcher == nil {
		return errors.New("scheduler requires repository, assembler, directory and dispatcher")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.runTick(ctx)

	cronLogger := common.CronLogger(s.Logger)
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	c.Schedule(cron.Every(interval), cron.FuncJob(func() { s.runTick(ctx) }))
	c.Start()
	s.Logger.Info().Dur("interval", interval).Msg("scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	s.Logger.Info().Msg("scheduler stopped")
	return nil
}

func (s *Scheduler) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		logger := common.WithContext(ctx, s.Logger)
		logger.Error().Err(err).Msg("scheduler tick failed")
	}
}

// Tick processes every mailing due at the current time. Failures of a single
// mailing are logged and do not stop the tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.Disabled {
		s.Logger.Debug().Msg("scheduler disabled, skipping tick")
		tickCounter.WithLabelValues("disabled").Inc()
		return nil
	}

	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.tick")
	defer span.End()
	start := time.Now()
	defer func() { tickLatency.Observe(time.Since(start).Seconds()) }()

	logger := common.WithContext(ctx, s.Logger)

	if s.Lease != nil {
		held, err := s.Lease.Acquire(ctx)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("tick lease unavailable, relying on claim")
		case !held:
			logger.Debug().Msg("tick lease held by another instance")
			tickCounter.WithLabelValues("skipped").Inc()
			return nil
		}
	}

	ids, err := s.Repo.DueMailings(ctx, s.now())
	if err != nil {
		span.RecordError(err)
		tickCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("select due mailings: %w", err)
	}
	span.SetAttributes(attribute.Int("mailings.due", len(ids)))

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := s.process(ctx, id); err != nil {
			logger.Error().Err(err).Int64("mailing_id", id).Msg("mailing processing failed")
		}
	}
	tickCounter.WithLabelValues("ok").Inc()
	return nil
}

func (s *Scheduler) process(ctx context.Context, id int64) error {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.process")
	defer span.End()
	span.SetAttributes(attribute.Int64("mailing.id", id))
	logger := common.WithContext(ctx, s.Logger).With().Int64("mailing_id", id).Logger()

	claimed, err := s.Repo.ClaimMailing(ctx, id, s.now())
	if err != nil {
		return fmt.Errorf("claim mailing: %w", err)
	}
	if !claimed {
		logger.Debug().Msg("mailing claimed elsewhere, skipping")
		return nil
	}
	s.publish(ctx, id, mailing.StatusProcessing, "")

	m, err := s.Repo.GetMailing(ctx, id)
	if err != nil {
		err = fmt.Errorf("load mailing: %w", err)
		s.finish(ctx, id, mailing.StatusFailed, err.Error())
		return err
	}

	messages := s.Assembler.Assemble(m)
	if len(messages) == 0 {
		logger.Warn().Msg("mailing has nothing to send")
		s.finish(ctx, id, mailing.StatusCompleted, "")
		return nil
	}

	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	probe, err := s.Directory.FetchFilteredUsers(ctx, m.GroupFilters, 1, 1)
	if err != nil {
		return s.abort(ctx, id, false, fmt.Errorf("count audience: %w", err))
	}
	totalBatches := (probe.Count + pageSize - 1) / pageSize
	span.SetAttributes(attribute.Int("audience.count", probe.Count), attribute.Int("batches.total", totalBatches))

	var accepted, attempted int
	var rejected []int
	// The reported count can be stale, so the loop runs until the directory
	// returns an empty page rather than stopping at totalBatches.
	for page := 1; ; page++ {
		users, err := s.Directory.FetchFilteredUsers(ctx, m.GroupFilters, page, pageSize)
		if err != nil {
			return s.abort(ctx, id, attempted > 0, fmt.Errorf("fetch audience page %d: %w", page, err))
		}
		if len(users.Users) == 0 {
			break
		}

		attempted++
		err = s.Dispatcher.Submit(ctx, delivery.Submission{
			MailingID:    id,
			Messages:     messages,
			UserIDs:      users.Users,
			BatchNumber:  page,
			TotalBatches: totalBatches,
		})
		if err != nil {
			batchCounter.WithLabelValues("rejected").Inc()
			logger.Error().Err(err).Int("batch", page).Int("users", len(users.Users)).Msg("batch dispatch failed")
			rejected = append(rejected, page)
			continue
		}
		batchCounter.WithLabelValues("accepted").Inc()
		accepted++
		logger.Info().Int("batch", page).Int("total_batches", totalBatches).Int("users", len(users.Users)).Msg("batch dispatched")
	}

	switch {
	case attempted == 0:
		logger.Info().Msg("audience is empty")
		s.finish(ctx, id, mailing.StatusCompleted, "")
	case accepted > 0:
		s.finish(ctx, id, mailing.StatusCompleted, rejectedMessage(rejected))
	default:
		s.finish(ctx, id, mailing.StatusFailed, rejectedMessage(rejected))
	}
	logger.Info().Int("accepted", accepted).Int("rejected", len(rejected)).Msg("mailing processed")
	return nil
}

// abort settles a mailing whose audience could not be read. A transient
// failure before anything was sent returns the mailing to pending for the
// next tick; anything else is final because a retry would resend pages.
func (s *Scheduler) abort(ctx context.Context, id int64, dispatched bool, err error) error {
	if !dispatched && errs.IsTransient(err) {
		s.finish(ctx, id, mailing.StatusPending, err.Error())
		return err
	}
	s.finish(ctx, id, mailing.StatusFailed, err.Error())
	return err
}

// finish records the final status even when ctx is already cancelled.
func (s *Scheduler) finish(ctx context.Context, id int64, status mailing.Status, msg string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.Repo.SetStatus(ctx, id, status, msg); err != nil {
		logger := common.WithContext(ctx, s.Logger)
		logger.Error().Err(err).Int64("mailing_id", id).
			Str("status", string(status)).Msg("failed to record mailing status")
		return
	}
	mailingCounter.WithLabelValues(string(status)).Inc()
	s.publish(ctx, id, status, msg)
}

func (s *Scheduler) publish(ctx context.Context, id int64, status mailing.Status, msg string) {
	if s.Events == nil {
		return
	}
	err := s.Events.Publish(ctx, events.Event{
		Type:      events.TypeStatusChanged,
		MailingID: id,
		Status:    status,
		Error:     msg,
	})
	if err != nil {
		s.Logger.Warn().Err(err).Int64("mailing_id", id).Msg("failed to publish status event")
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func rejectedMessage(batches []int) string {
	if len(batches) == 0 {
		return ""
	}
	nums := slice.Map(batches, func(_ int, n int) string { return strconv.Itoa(n) })
	return "delivery worker rejected batches: " + strings.Join(nums, ", ")
}
