package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	alertsapp "water-cloud/internal/alerts/application"
	alertsrepo "water-cloud/internal/alerts/infrastructure/postgres"
	alertshttp "water-cloud/internal/alerts/interfaces/http"
	alertsnotify "water-cloud/internal/alerts/notify"
	"water-cloud/internal/audit"
	"water-cloud/internal/auth"
	commandsapp "water-cloud/internal/commands/application"
	commandsrepo "water-cloud/internal/commands/infrastructure/postgres"
	commandshttp "water-cloud/internal/commands/interfaces/http"
	"water-cloud/internal/config"
	devicesrepo "water-cloud/internal/devices/infrastructure/postgres"
	"water-cloud/internal/logging"
	"water-cloud/internal/observability/metrics"
	"water-cloud/internal/scheduler"
	telemetryapp "water-cloud/internal/telemetry/application"
	telemetryrepo "water-cloud/internal/telemetry/infrastructure/postgres"
	telemetryhttp "water-cloud/internal/telemetry/interfaces/http"
	telemetrymqtt "water-cloud/internal/telemetry/interfaces/mqtt"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("config load failed", zap.Error(err))
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "water-cloud")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("db ping failed", zap.Error(err))
	}
	metrics.Init(db, logger)

	location, err := cfg.Location()
	if err != nil {
		logger.Fatal("timezone invalid", zap.String("timezone", cfg.Schedule.Timezone), zap.Error(err))
	}
	deviceRepo := devicesrepo.NewDeviceRepository(db)
	readingRepo := telemetryrepo.NewReadingRepository(db)
	inferenceRepo := telemetryrepo.NewInferenceRepository(db)
	commandRepo := commandsrepo.NewCommandRepository(db)
	alertRepo := alertsrepo.NewAlertRepository(db)
	auditRepo := audit.NewRepository(db)

	notifier, closeNotifiers := buildNotifiers(cfg, alertRepo, deviceRepo, logger)
	defer closeNotifiers()

	engine, err := alertsapp.NewEngine(alertRepo, deviceRepo, readingRepo,
		alertsapp.WithLogger(logger.Named("alerts")),
		alertsapp.WithNotifier(notifier),
		alertsapp.WithLocation(location),
		alertsapp.WithNotifyTimeout(cfg.Alerts.NotifyTimeout),
		alertsapp.WithThresholds(alertsapp.Thresholds{
			LeakFlowRateLPM:       cfg.Alerts.LeakFlowRateLPM,
			OfflineAfter:          time.Duration(cfg.Alerts.DeviceOfflineMinutes) * time.Minute,
			DailyOverconsumptionL: cfg.Alerts.OverconsumptionLitersDaily,
		}),
	)
	if err != nil {
		logger.Fatal("alert engine init failed", zap.Error(err))
	}

	dispatcher, err := commandsapp.NewService(commandRepo, deviceRepo,
		commandsapp.WithLogger(logger.Named("commands")),
		commandsapp.WithFailureObserver(engine),
		commandsapp.WithExpiry(time.Duration(cfg.Commands.ExpiryMinutes)*time.Minute),
		commandsapp.WithSentTimeout(time.Duration(cfg.Commands.SentTimeoutMinutes)*time.Minute),
		commandsapp.WithStrictAck(cfg.Commands.StrictAck),
	)
	if err != nil {
		logger.Fatal("command dispatcher init failed", zap.Error(err))
	}

	ingestor, err := telemetryapp.NewIngestor(readingRepo, deviceRepo, engine,
		telemetryapp.WithLogger(logger.Named("telemetry")))
	if err != nil {
		logger.Fatal("telemetry ingestor init failed", zap.Error(err))
	}

	queries, err := telemetryapp.NewReadingQueries(readingRepo, deviceRepo, telemetryapp.WithLocation(location))
	if err != nil {
		logger.Fatal("reading queries init failed", zap.Error(err))
	}
	inferences, err := telemetryapp.NewInferenceService(inferenceRepo, deviceRepo, logger.Named("inference"))
	if err != nil {
		logger.Fatal("inference service init failed", zap.Error(err))
	}

	commandHandler, err := commandshttp.NewHandler(dispatcher, auditRepo, logger)
	if err != nil {
		logger.Fatal("command handler init failed", zap.Error(err))
	}
	alertHandler, err := alertshttp.NewHandler(engine, auditRepo, logger)
	if err != nil {
		logger.Fatal("alert handler init failed", zap.Error(err))
	}
	ingestHandler, err := telemetryhttp.NewIngestHandler(ingestor, logger)
	if err != nil {
		logger.Fatal("ingest handler init failed", zap.Error(err))
	}

	queryHandler, err := telemetryhttp.NewQueryHandler(queries, inferences, logger)
	if err != nil {
		logger.Fatal("query handler init failed", zap.Error(err))
	}

	sched := buildScheduler(cfg, location, dispatcher, engine, logger)
	sched.Start(ctx)

	if cfg.MQTT.Broker != "" {
		client, err := telemetrymqtt.Connect(telemetrymqtt.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		if err != nil {
			logger.Fatal("mqtt connect failed", zap.Error(err))
		}
		subscriber, err := telemetrymqtt.NewSubscriber(client, cfg.MQTT.TelemetryTopic, telemetrymqtt.Adapt(ingestor), logger)
		if err != nil {
			logger.Fatal("mqtt subscriber init failed", zap.Error(err))
		}
		if err := subscriber.Subscribe(); err != nil {
			logger.Fatal("mqtt subscribe failed", zap.Error(err))
		}
		defer subscriber.Close()
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/api/device/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	commandHandler.Register(mux)
	alertHandler.Register(mux)
	ingestHandler.Register(mux)
	queryHandler.Register(mux)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server failed", zap.Error(err))
	}
	sched.Wait()
}

func buildNotifiers(cfg config.Config, alertRepo *alertsrepo.AlertRepository, deviceRepo *devicesrepo.DeviceRepository, logger *zap.Logger) (alertsapp.AlertNotifier, func()) {
	var (
		notifiers []alertsapp.AlertNotifier
		closers   []func()
	)
	if cfg.Alerts.WebhookURL != "" {
		channel, err := alertsnotify.NewWebhookChannel(cfg.Alerts.WebhookURL)
		if err != nil {
			logger.Fatal("webhook channel init failed", zap.Error(err))
		}
		webhook, err := alertsnotify.NewNotifier(alertRepo, deviceRepo, channel, nil,
			alertsnotify.WithLogger(logger.Named("notify")),
			alertsnotify.WithEscalation(30*time.Minute),
			alertsnotify.WithDedupeWindow(10*time.Minute),
		)
		if err != nil {
			logger.Fatal("webhook notifier init failed", zap.Error(err))
		}
		notifiers = append(notifiers, webhook)
		closers = append(closers, webhook.Close)
	}
	if cfg.Alerts.KafkaBrokers != "" {
		writer, err := alertsnotify.NewKafkaWriter(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		if err != nil {
			logger.Fatal("kafka writer init failed", zap.Error(err))
		}
		publisher, err := alertsnotify.NewKafkaPublisher(writer, cfg.Alerts.KafkaTopic, logger.Named("kafka"))
		if err != nil {
			logger.Fatal("kafka publisher init failed", zap.Error(err))
		}
		notifiers = append(notifiers, publisher)
		closers = append(closers, func() { _ = publisher.Close() })
	}
	return alertsnotify.NewMultiNotifier(notifiers...), func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}
}

func buildScheduler(cfg config.Config, location *time.Location, dispatcher *commandsapp.Service, engine *alertsapp.Engine, logger *zap.Logger) *scheduler.Scheduler {
	opts := []scheduler.Option{scheduler.WithLogger(logger.Named("scheduler"))}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		locker, err := scheduler.NewRedisLocker(client)
		if err != nil {
			logger.Fatal("redis locker init failed", zap.Error(err))
		}
		opts = append(opts, scheduler.WithLocker(locker))
	}
	sched := scheduler.New(opts...)

	interval := cfg.Schedule.SweepInterval
	daily, err := scheduler.DailyAt(cfg.Schedule.DailyAt, location)
	if err != nil {
		logger.Fatal("daily schedule invalid", zap.Error(err))
	}
	jobs := []struct {
		name    string
		trigger scheduler.Trigger
		ttl     time.Duration
		run     scheduler.RunFunc
	}{
		{"commands.expiry", scheduler.Every(interval), interval, dispatcher.ExpirySweep},
		{"alerts.offline", scheduler.Every(interval), interval, engine.OfflineSweep},
		{"alerts.daily_consumption", daily, time.Hour, engine.DailyConsumptionSweep},
	}
	for _, job := range jobs {
		if err := sched.Add(job.name, job.trigger, job.ttl, job.run); err != nil {
			logger.Fatal("scheduler job invalid", zap.String("job", job.name), zap.Error(err))
		}
	}
	return sched
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
