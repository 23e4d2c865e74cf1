package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"time"

	"github.com/diwise/iot-farm-bridge/internal/pkg/application/ingestion"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/notifications/cloudevents"
	"github.com/diwise/iot-farm-bridge/internal/pkg/application/sessions"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/history"
	"github.com/diwise/iot-farm-bridge/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/servicerunner"
	"gopkg.in/yaml.v2"
)

type flagType int
type flagMap map[flagType]string

var oninit = servicerunner.OnInit[appConfig]
var onstarting = servicerunner.OnStarting[appConfig]
var onshutdown = servicerunner.OnShutdown[appConfig]
var webserver = servicerunner.WithHTTPServeMux[appConfig]
var muxinit = servicerunner.OnMuxInit[appConfig]
var listen = servicerunner.WithListenAddr[appConfig]
var port = servicerunner.WithPort[appConfig]
var pprof = servicerunner.WithPPROF[appConfig]
var liveness = servicerunner.WithK8SLivenessProbe[appConfig]
var readiness = servicerunner.WithK8SReadinessProbes[appConfig]
var tracing = servicerunner.WithTracing[appConfig]

const (
	listenAddress flagType = iota
	servicePort
	controlPort
	enableTracing

	policiesFile
	configurationFile
	seedFile

	authRoot
	deviceJWTSecret

	influxURL
	influxToken
	influxOrg
	influxBucket

	rabbitHost
	redisAddr

	agentURL
	agentKey

	devmode
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",
		controlPort:   "8000",
		enableTracing: "true",

		policiesFile:      "/opt/diwise/config/authz.rego",
		configurationFile: "/opt/diwise/config/config.yaml",
		seedFile:          "/opt/diwise/config/farms.csv",

		authRoot: "/opt/diwise/auth",

		influxOrg:    "diwise",
		influxBucket: "farms",

		devmode: "false",
	}
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[controlPort] = envOrDef(ctx, "CONTROL_PORT", flags[controlPort])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])
	flags[enableTracing] = envOrDef(ctx, "ENABLE_TRACING", flags[enableTracing])

	flags[policiesFile] = envOrDef(ctx, "POLICIES_FILE", flags[policiesFile])
	flags[configurationFile] = envOrDef(ctx, "CONFIG_FILE", flags[configurationFile])
	flags[seedFile] = envOrDef(ctx, "SEED_FILE", flags[seedFile])

	flags[authRoot] = envOrDef(ctx, "AUTH_ROOT", flags[authRoot])
	flags[deviceJWTSecret] = envOrDef(ctx, "DEVICE_JWT_SECRET", flags[deviceJWTSecret])

	flags[influxURL] = envOrDef(ctx, "INFLUX_URL", flags[influxURL])
	flags[influxToken] = envOrDef(ctx, "INFLUX_TOKEN", flags[influxToken])
	flags[influxOrg] = envOrDef(ctx, "INFLUX_ORG", flags[influxOrg])
	flags[influxBucket] = envOrDef(ctx, "INFLUX_BUCKET", flags[influxBucket])

	flags[rabbitHost] = envOrDef(ctx, "RABBITMQ_HOST", flags[rabbitHost])
	flags[redisAddr] = envOrDef(ctx, "REDIS_ADDR", flags[redisAddr])

	flags[agentURL] = envOrDef(ctx, "AGENT_URL", flags[agentURL])
	flags[agentKey] = envOrDef(ctx, "AGENT_API_KEY", flags[agentKey])

	flags[devmode] = envOrDef(ctx, "DEVMODE", flags[devmode])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("policies", "an authorization policy file", apply(policiesFile))
	flag.Func("seed", "tenants and devices to create at startup", apply(seedFile))
	flag.Func("config", "bridge configuration file", apply(configurationFile))
	flag.Func("devmode", "use an in-memory database", apply(devmode))
	flag.Parse()

	return ctx, flags
}

type historyConfig struct {
	Window int           `yaml:"window"`
	TTL    time.Duration `yaml:"ttl"`
}

type appConfig struct {
	Sessions      sessions.Config     `yaml:"sessions"`
	GracePeriod   time.Duration       `yaml:"shutdownGracePeriod"`
	History       historyConfig       `yaml:"history"`
	Thresholds    types.Thresholds    `yaml:"-"`
	Notifications *cloudevents.Config `yaml:"-"`
}

func defaultAppConfig() *appConfig {
	return &appConfig{
		Sessions:    sessions.DefaultConfig(),
		GracePeriod: 10 * time.Second,
	}
}

func (c *appConfig) historyConfig() history.Config {
	return history.Config{Window: c.History.Window, TTL: c.History.TTL}
}

// parseExternalConfigFile reads the bridge configuration. Each section is optional and
// values that are left out keep their defaults.
func parseExternalConfigFile(_ context.Context, cfgFile io.ReadCloser) (*appConfig, error) {
	defer cfgFile.Close()

	b, err := io.ReadAll(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg := defaultAppConfig()
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}

	defaults := sessions.DefaultConfig()
	if cfg.Sessions.ReconnectDelay <= 0 {
		cfg.Sessions.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.Sessions.SendTimeout <= 0 {
		cfg.Sessions.SendTimeout = defaults.SendTimeout
	}
	if cfg.Sessions.LogoutTimeout <= 0 {
		cfg.Sessions.LogoutTimeout = defaults.LogoutTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}

	rules, err := ingestion.NewConfig(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	cfg.Thresholds = rules.Thresholds

	cfg.Notifications, err = cloudevents.LoadConfiguration(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
