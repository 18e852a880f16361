// Command reminders runs a single overdue/due-reminder scan and exits. It is
// meant for cron-style schedulers; the API server exposes the same scan at
// POST /admin/payments/reminders/run.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/drivingschool-api/internal/repository"
	"github.com/noah-isme/drivingschool-api/internal/service"
	"github.com/noah-isme/drivingschool-api/pkg/config"
	"github.com/noah-isme/drivingschool-api/pkg/database"
	"github.com/noah-isme/drivingschool-api/pkg/logger"
	"github.com/noah-isme/drivingschool-api/pkg/mailer"
)

func main() {
	var (
		windowDays int
		timeout    time.Duration
	)
	flag.IntVar(&windowDays, "window-days", 0, "Remind installments due within this many days (defaults to REMINDER_WINDOW_DAYS)")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "Maximum duration of the scan")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if windowDays <= 0 {
		windowDays = cfg.Reminders.WindowDays
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := database.NewPostgres(ctx, cfg.Database, logr)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	mail := mailer.New(mailer.Config{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		Sender:   cfg.Mail.Sender,
	}, logr)
	// Inline delivery: the process exits right after the scan.
	notifications := service.NewNotificationService(repository.NewStudentRepository(db), mail, logr,
		service.WithNotificationBranding(cfg.Receipts.SchoolName, cfg.Receipts.Currency),
	)

	reminders := service.NewReminderService(repository.NewInstallmentPlanRepository(db), notifications, nil, windowDays, logr)
	if _, err := reminders.Run(ctx); err != nil {
		logr.Fatal("reminder scan failed", zap.Error(err))
	}
}
