package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/application/agent"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/commandqueue"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/ingestion"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/irrigation"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/notifications"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/notifications/cloudevents"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/notifications/webevents"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/sessions"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/authstore"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/history"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/farms"
	irrigationdb "github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/irrigation"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/repositories/database/telemetry"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/timeseries"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/whatsapp"
	"github.com/diwise/iot-farm-bridge/internal/pkg/presentation/api"
	"github.com/diwise/iot-farm-bridge/internal/pkg/presentation/api/deviceauth"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	k8shandlers "github.com/diwise/service-chassis/pkg/infrastructure/net/http/handlers"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	chassislog "github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/servicerunner"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const serviceName string = "iot-farm-bridge"

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, _, cleanup := o11y.Init(ctx, serviceName, serviceVersion, "json")
	defer cleanup()

	ctx, logger := logging.NewLogger(ctx, serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	cfgFile, err := os.Open(flags[configurationFile])
	exitIf(err, logger, "could not open configuration file")

	cfg, err := parseExternalConfigFile(ctx, cfgFile)
	exitIf(err, logger, "could not parse configuration file")

	policies, err := os.Open(flags[policiesFile])
	exitIf(err, logger, "unable to open opa policy file")
	defer policies.Close()

	var seed io.Reader
	if seedData, err := os.Open(flags[seedFile]); err == nil {
		defer seedData.Close()
		seed = seedData
	} else {
		logger.Warn().Err(err).Msg("no seed file, starting with the tenants already stored")
	}

	app, err := initialize(ctx, flags, cfg, policies, seed, whatsapp.NewDialer(logger))
	exitIf(err, logger, "failed to initialize application")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.newRunner(ctx, flags).Run(ctx)
	exitIf(err, logger, "failed to start service runner")
}

type application struct {
	cfg *appConfig

	api *chi.Mux

	farms     farms.FarmRepository
	manager   *sessions.Manager
	notifier  *notifications.Notifier
	events    webevents.WebEvents
	writer    timeseries.Writer
	messenger messaging.MsgContext
}

func initialize(ctx context.Context, flags flagMap, cfg *appConfig, policies io.Reader, seed io.Reader, dialer sessions.Dialer) (*application, error) {
	log := logging.GetLoggerFromContext(ctx)

	connect := newConnector(ctx, flags)

	farmRepo, err := farms.NewFarmRepository(connect)
	if err != nil {
		return nil, fmt.Errorf("could not create farm repository: %w", err)
	}

	commandRepo, err := commands.NewCommandRepository(connect)
	if err != nil {
		return nil, fmt.Errorf("could not create command repository: %w", err)
	}

	telemetryRepo, err := telemetry.NewTelemetryRepository(connect)
	if err != nil {
		return nil, fmt.Errorf("could not create telemetry repository: %w", err)
	}

	irrigationRepo, err := irrigationdb.NewIrrigationRepository(connect)
	if err != nil {
		return nil, fmt.Errorf("could not create irrigation repository: %w", err)
	}

	if seed != nil {
		if err = farmRepo.Seed(ctx, seed); err != nil {
			return nil, fmt.Errorf("could not seed tenants and devices: %w", err)
		}
	}

	auth, err := authstore.New(flags[authRoot])
	if err != nil {
		return nil, fmt.Errorf("could not prepare auth storage: %w", err)
	}

	app := &application{
		cfg:    cfg,
		farms:  farmRepo,
		events: webevents.New(),
		writer: timeseries.NewNoopWriter(),
	}

	if flags[influxURL] != "" {
		app.writer = timeseries.NewInfluxWriter(ctx, log, timeseries.Config{
			URL:    flags[influxURL],
			Token:  flags[influxToken],
			Org:    flags[influxOrg],
			Bucket: flags[influxBucket],
		})
	}

	ce, err := cloudevents.New(cfg.Notifications)
	if err != nil {
		return nil, fmt.Errorf("could not create cloud events sender: %w", err)
	}

	senders := []notifications.Sender{ce}

	if flags[rabbitHost] != "" {
		app.messenger, err = messaging.Initialize(ctx, messaging.LoadConfiguration(ctx, serviceName, chassislog.GetFromContext(ctx)))
		if err != nil {
			return nil, fmt.Errorf("could not connect to message broker: %w", err)
		}
		senders = append(senders, newTopicSender(app.messenger))
	}

	app.notifier = notifications.New([]notifications.Sink{app.events}, senders)

	queue := commandqueue.New(commandRepo, farmRepo, app.notifier)
	ledger := irrigation.New(irrigationRepo, app.writer)
	gateway := ingestion.New(telemetryRepo, farmRepo, queue,
		ingestion.WithNotifier(app.notifier),
		ingestion.WithTimeSeries(app.writer),
		ingestion.WithThresholds(cfg.Thresholds),
	)
	tools := agent.NewToolbox(queue, ledger)

	app.manager = sessions.NewManager(ctx, farmRepo, auth, dialer, cfg.Sessions,
		sessions.WithNotifier(app.notifier),
		sessions.WithRenderer(whatsapp.RenderQR),
	)

	var responder agent.Responder = agent.NewDisabledResponder()
	if flags[agentURL] != "" {
		responder = agent.NewHTTPResponder(flags[agentURL], flags[agentKey])
	}

	chat := agent.NewChatHandler(app.manager, farmRepo, tools, newHistoryStore(flags, cfg), responder)
	app.manager.OnMessage(chat.Handle)

	app.api, err = api.RegisterHandlers(ctx, router.New(serviceName), policies, api.Services{
		Sessions:  app.manager,
		Queue:     queue,
		Gateway:   gateway,
		Ledger:    ledger,
		Tools:     tools,
		Devices:   farmRepo,
		Events:    app.events,
		DeviceJWT: deviceauth.New(flags[deviceJWTSecret]),
	})
	if err != nil {
		return nil, err
	}

	return app, nil
}

func newConnector(ctx context.Context, flags flagMap) database.ConnectorFunc {
	if flags[devmode] == "true" {
		log := logging.GetLoggerFromContext(ctx)
		log.Warn().Msg("running in dev mode with an in-memory database")
		return database.NewSQLiteConnector(ctx)
	}
	return database.NewPostgreSQLConnector(ctx, database.LoadConfigFromEnv(ctx))
}

func newHistoryStore(flags flagMap, cfg *appConfig) history.Store {
	if flags[redisAddr] == "" {
		return history.NewMemoryStore(cfg.historyConfig())
	}

	client := redis.NewClient(&redis.Options{Addr: flags[redisAddr]})
	return history.NewRedisStore(client, cfg.historyConfig())
}

// newTopicSender publishes events on the message broker, routed by their topic name.
func newTopicSender(messenger messaging.MsgContext) notifications.Sender {
	return notifications.SenderFunc(func(ctx context.Context, evt types.Event) error {
		return messenger.PublishOnTopic(ctx, evt)
	})
}

func registerMetrics(mux *http.ServeMux) {
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	if _, pattern := mux.Handler(req); pattern != "" {
		return
	}
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (a *application) probes() map[string]k8shandlers.ServiceProber {
	probes := map[string]k8shandlers.ServiceProber{
		"database": func(ctx context.Context) (string, error) {
			if _, err := a.farms.GetTenants(ctx); err != nil {
				return "", err
			}
			return "ok", nil
		},
	}

	if a.messenger != nil {
		probes["rabbitmq"] = func(context.Context) (string, error) { return "ok", nil }
	}

	return probes
}

// newRunner serves the public and control ports. Every tenant's session is brought up once the
// runner starts, and shutdown closes live transports without tearing sessions down, so that the
// next start restores them.
func (a *application) newRunner(ctx context.Context, flags flagMap) servicerunner.Runner[appConfig] {
	log := logging.GetLoggerFromContext(ctx)

	_, runner := servicerunner.New(ctx, *a.cfg,
		webserver("control", listen(flags[listenAddress]), port(flags[controlPort]),
			pprof(), liveness(func() error { return nil }), readiness(a.probes()),
			muxinit(func(ctx context.Context, identifier string, port string, appCfg *appConfig, handler *http.ServeMux) error {
				registerMetrics(handler)
				return nil
			}),
		),
		webserver("public", listen(flags[listenAddress]), port(flags[servicePort]), tracing(flags[enableTracing] == "true"),
			muxinit(func(ctx context.Context, identifier string, port string, appCfg *appConfig, handler *http.ServeMux) error {
				handler.Handle("/", a.api)
				return nil
			}),
		),
		oninit(func(_ context.Context, ac *appConfig) error {
			log.Debug().Dur("gracePeriod", ac.GracePeriod).Msg("initializing servicerunner")
			return nil
		}),
		onstarting(func(_ context.Context, _ *appConfig) error {
			log.Debug().Msg("starting servicerunner")

			if a.messenger != nil {
				a.messenger.Start()
			}

			go func() {
				if err := a.manager.InitializeAll(ctx); err != nil {
					log.Error().Err(err).Msg("failed to initialize tenant sessions")
				}
			}()

			return nil
		}),
		onshutdown(func(_ context.Context, _ *appConfig) error {
			log.Debug().Msg("shutdown servicerunner")
			a.shutdown(ctx)
			return nil
		}),
	)

	return runner
}

// shutdown gives pending notifications and time series writes the configured grace period
// to flush.
func (a *application) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.GracePeriod)
	defer cancel()

	log := logging.GetLoggerFromContext(ctx)

	a.events.Shutdown()
	a.manager.Shutdown(ctx)

	if err := a.notifier.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("events were not delivered in time")
	}

	if err := a.writer.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("time series writes were not flushed in time")
	}

	if a.messenger != nil {
		a.messenger.Close()
	}
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Error().Err(err).Msg(msg)
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
