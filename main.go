package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"enrollment-reconciler/internal/config"
	"enrollment-reconciler/internal/directory"
	"enrollment-reconciler/internal/domain"
	"enrollment-reconciler/internal/enrollment"
	"enrollment-reconciler/internal/gateway"
	"enrollment-reconciler/internal/metrics"
	"enrollment-reconciler/internal/publisher"
	"enrollment-reconciler/internal/report"
	"enrollment-reconciler/internal/repository"
	"enrollment-reconciler/internal/resolver"
	"enrollment-reconciler/internal/sender"
	"enrollment-reconciler/internal/service"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

func run() int {
	live := flag.Bool("run", false, "apply enrollments to the user directory (default is a dry run)")
	days := flag.Int("days", 1, "number of KST calendar days to look back, today included")
	flag.Parse()

	// 1. Logger
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.Info("Starting enrollment reconciler...")

	// 2. Configuration (.env is optional)
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("Could not load configuration")
		return 1
	}
	level, _ := log.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	catalog, err := resolver.LoadCatalog(cfg.CourseCatalogPath)
	if err != nil {
		log.WithError(err).Error("Could not load course catalog")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := domain.ModeDryRun
	if *live {
		mode = domain.ModeLive
	}
	startedAt := time.Now()
	rc := domain.NewRunContext(uuid.New().String(), mode, domain.LookbackWindow(startedAt, *days), startedAt)
	logCtx := log.WithFields(log.Fields{"run_id": rc.RunID, "mode": rc.Mode})

	runMetrics := metrics.NewRunMetrics()
	opts := []service.Option{
		service.WithObserver(runMetrics),
		service.WithWorkers(cfg.Workers),
		service.WithMaxConflictRetries(cfg.MaxConflictRetries),
	}

	// 3. Run ledger and run lock
	var runRepository *repository.PostgresRunRepository
	if cfg.DatabaseURL != "" {
		if err := repository.Migrate(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
			logCtx.WithError(err).Error("Could not migrate run ledger")
			return 1
		}
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logCtx.WithError(err).Error("Could not connect to database")
			return 1
		}
		defer db.Close()

		runRepository = repository.NewPostgresRunRepository(db)
		lock, err := runRepository.AcquireRunLock(ctx)
		if err != nil {
			logCtx.WithError(err).Error("Could not acquire run lock")
			return 1
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				logCtx.WithError(err).Warn("Could not release run lock")
			}
		}()
		opts = append(opts, service.WithOutcomeRepository(runRepository))
	} else {
		logCtx.Warn("DATABASE_URL is not set, run ledger and run lock are disabled")
	}

	// 4. Enrollment events
	if cfg.KafkaBootstrapServers != "" && rc.Mode == domain.ModeLive {
		log.WithField("kafka_servers", cfg.KafkaBootstrapServers).Info("Connecting to Kafka")
		producer, err := publisher.NewKafkaProducer(cfg.KafkaBootstrapServers)
		if err != nil {
			logCtx.WithError(err).Error("Failed to create Kafka producer")
			return 1
		}
		events := publisher.NewKafkaPublisher(producer, cfg.KafkaEnrollmentTopic)
		defer events.Close()
		opts = append(opts, service.WithEventPublisher(events))
	}

	// 5. External services
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	ledger := gateway.NewClient(cfg.TossAPIBaseURL, cfg.TossSecretKey, httpClient, cfg.FetchMaxAttempts)
	users, err := directory.NewTableClient(cfg.DirectorySASURL, httpClient)
	if err != nil {
		logCtx.WithError(err).Error("Could not create directory client")
		return 1
	}

	svc := service.NewReconciliationService(
		ledger,
		ledger,
		resolver.NewCourseResolver(catalog),
		users,
		enrollment.NewMerger(time.Now),
		opts...,
	)

	// 6. Reconcile
	runErr := svc.Run(ctx, rc)
	finishedAt := time.Now()
	if runErr != nil {
		logCtx.WithError(runErr).Error("Reconciliation run aborted")
	}

	if err := report.Emit(os.Stdout, rc); err != nil {
		logCtx.WithError(err).Error("Failed to write run report")
	}

	// Bookkeeping must not be cut short by the signal that stopped the run.
	bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if runRepository != nil {
		if err := runRepository.SaveRun(bgCtx, rc, finishedAt, runErr); err != nil {
			logCtx.WithError(err).Error("Failed to save run to database")
		}
	}

	runMetrics.RecordRun(rc, finishedAt, runErr)
	if cfg.PushgatewayURL != "" {
		if err := runMetrics.Push(bgCtx, cfg.PushgatewayURL, string(rc.Mode)); err != nil {
			logCtx.WithError(err).Error("Failed to push run metrics")
		}
	}

	if cfg.SMTP.Enabled() {
		mailer := sender.NewReportMailer(
			sender.NewSMTPEmailSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password, cfg.SMTP.From),
			cfg.SMTP.ReportTo,
		)
		if err := mailer.SendReport(bgCtx, rc); err != nil && !errors.Is(err, sender.ErrNoRecipients) {
			logCtx.WithError(err).Error("Failed to mail run report")
		}
	}

	logCtx.WithField("summary", report.Summary(rc)).Info("Enrollment reconciler finished")
	if runErr != nil || rc.Result.Failed > 0 {
		return 1
	}
	return 0
}
