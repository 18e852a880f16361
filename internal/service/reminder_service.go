package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/drivingschool-api/internal/models"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
)

type reminderStore interface {
	MarkOverdue(ctx context.Context, today time.Time) (int64, error)
	ListDueBetween(ctx context.Context, from, to time.Time) ([]models.DueInstallment, error)
}

type dueNotifier interface {
	InstallmentDue(ctx context.Context, due models.DueInstallment) error
}

// ReminderService flags overdue installments and queues reminders for the
// ones falling due soon. Runs are idempotent with respect to data; reminders
// are sent again on every run that still finds the item pending.
type ReminderService struct {
	store      reminderStore
	notifier   dueNotifier
	metrics    *MetricsService
	logger     *zap.Logger
	windowDays int
	now        func() time.Time
}

// NewReminderService constructs the reminder runner. windowDays defaults to 3.
func NewReminderService(store reminderStore, notifier dueNotifier, metrics *MetricsService, windowDays int, logger *zap.Logger) *ReminderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if windowDays <= 0 {
		windowDays = 3
	}
	return &ReminderService{
		store:      store,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger,
		windowDays: windowDays,
		now:        time.Now,
	}
}

// Run performs one scan.
func (s *ReminderService) Run(ctx context.Context) (*models.ReminderRunResult, error) {
	runAt := s.now()
	today := models.DateOnly(runAt)
	result := &models.ReminderRunResult{
		RunAt:       runAt,
		WindowStart: today,
		WindowEnd:   today.AddDate(0, 0, s.windowDays),
	}

	marked, err := s.store.MarkOverdue(ctx, today)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to flag overdue installments")
	}
	result.OverdueMarked = marked

	due, err := s.store.ListDueBetween(ctx, result.WindowStart, result.WindowEnd)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list due installments")
	}
	result.Items = due
	if result.Items == nil {
		result.Items = []models.DueInstallment{}
	}

	for _, item := range due {
		if err := s.notifier.InstallmentDue(ctx, item); err != nil {
			result.Failed++
			s.logger.Warn("installment reminder not queued",
				zap.String("plan_id", item.PlanID),
				zap.Int("installment_number", item.InstallmentNumber),
				zap.Error(err))
			continue
		}
		result.RemindersSent++
	}

	s.metrics.RecordReminderRun(result.OverdueMarked, result.RemindersSent)
	s.logger.Info("reminder run finished",
		zap.Int64("overdue_marked", result.OverdueMarked),
		zap.Int("reminders_sent", result.RemindersSent),
		zap.Int("failed", result.Failed))
	return result, nil
}

// RunEvery runs a scan on every tick until ctx is cancelled.
func (s *ReminderService) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("reminder scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("scheduled reminder run failed", zap.Error(err))
			}
		}
	}
}
