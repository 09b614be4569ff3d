// Package main is the entry point for the EtherCAT master service.
// It loads the ring description, brings the ring to OP and serves the
// register store over HTTP, MQTT and RESP until it is signalled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/ecat-master/internal/adapter/config"
	"github.com/nexus-edge/ecat-master/internal/adapter/mqtt"
	"github.com/nexus-edge/ecat-master/internal/adapter/tagserver"
	"github.com/nexus-edge/ecat-master/internal/api"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/health"
	"github.com/nexus-edge/ecat-master/internal/master"
	"github.com/nexus-edge/ecat-master/internal/metrics"
	"github.com/nexus-edge/ecat-master/internal/monitoring"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/nexus-edge/ecat-master/internal/sdo"
	"github.com/nexus-edge/ecat-master/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "ecmaster"
	serviceVersion = "1.0.0"
)

func main() {
	simulate := flag.Bool("simulate", false, "run against an in-memory simulated ring")
	networkPath := flag.String("network", "", "ring description file (overrides network_config_path)")
	flag.Parse()

	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("Starting EtherCAT master")

	var overrides []config.Override
	if *simulate {
		overrides = append(overrides, config.WithLink("sim"))
	}
	cfg, err := config.Load(overrides...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *networkPath != "" {
		cfg.NetworkConfigPath = *networkPath
	}

	logger = logging.NewWithConfig(serviceName, serviceVersion, logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logging.With(logger, map[string]interface{}{"env": cfg.Environment})
	logger.Info().Str("link", cfg.Master.Link).Msg("Configuration loaded")

	masterCfg, slaves, err := config.LoadNetwork(cfg.NetworkConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.NetworkConfigPath).Msg("Failed to load ring description")
	}
	cfg.Apply(&masterCfg)

	var variables *domain.NetworkVariablesConfig
	if cfg.VariablesConfigPath != "" {
		if variables, err = config.LoadVariables(cfg.VariablesConfigPath); err != nil {
			logger.Fatal().Err(err).Str("path", cfg.VariablesConfigPath).Msg("Failed to load network variables")
		}
	}

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsRegistry := metrics.NewRegistry(promReg)

	store := registry.NewStore(registry.DefaultAreaSize, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Master
	// =============================================================

	monCfg := monitoring.DefaultConfig()
	if cfg.Monitoring.Interval > 0 {
		monCfg.Interval = cfg.Monitoring.Interval
	}
	if cfg.Monitoring.HighErrorRate > 0 {
		monCfg.HighErrorRate = cfg.Monitoring.HighErrorRate
	}
	if cfg.Monitoring.ReconnectMaxAttempts > 0 {
		monCfg.Reconnect = monitoring.ReconnectSettings{
			MaxAttempts: cfg.Monitoring.ReconnectMaxAttempts,
			Delay:       cfg.Monitoring.ReconnectDelay,
		}
	}
	if cfg.Monitoring.ReactionWorkers > 0 {
		monCfg.ReactionWorkers = cfg.Monitoring.ReactionWorkers
	}

	m, err := master.New(masterCfg, slaves, master.Options{
		Dial:            dialer(masterCfg, slaves, logger),
		Monitoring:      monCfg,
		SDO:             sdo.DefaultConfig(),
		Registers:       store,
		Variables:       variables,
		Metrics:         metricsRegistry,
		ShutdownTimeout: cfg.Master.ShutdownTimeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid ring description")
	}
	defer m.Close()

	m.SetErrorCallback(func(slave uint16, code domain.ErrorCode, message string) {
		logger.Warn().Uint16("station", slave).Str("code", code.String()).Msg(message)
	})
	m.SetEmergencyCallback(func(slave uint16, code uint16, message string) {
		logger.Warn().Uint16("station", slave).Uint16("emergency_code", code).Msg(message)
	})
	if cfg.Monitoring.AutoReactions {
		m.SetupAutoReactions()
	}

	// =============================================================
	// Tag export
	// =============================================================

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			CleanSession:   cfg.MQTT.CleanSession,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
			BufferSize:     cfg.MQTT.BufferSize,
		}, logger, metricsRegistry)
		if err := publisher.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer publisher.Disconnect()

		bridge := mqtt.NewBridge(publisher, store, cfg.MQTT.TopicPrefix, logger)
		if err := bridge.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start MQTT bridge")
		}
		defer bridge.Stop()
		if err := publisher.Subscribe(bridge.SetFilter(), func(topic string, payload []byte) {
			_ = bridge.HandleSet(topic, payload)
		}); err != nil {
			logger.Fatal().Err(err).Msg("Failed to subscribe to register writes")
		}

		m.SetEventHandler(bridge.OnEvent)
		m.SetStateCallback(bridge.OnState)
		m.SetStatisticsCallback(bridge.OnStatistics)
		m.SetLogCallback(bridge.OnLog)
		logger.Info().Str("broker", cfg.MQTT.BrokerURL).Str("prefix", cfg.MQTT.TopicPrefix).Msg("MQTT bridge started")
	}

	var tags *tagserver.Server
	if cfg.TagServer.Enabled {
		tags = tagserver.NewServer(tagserver.Config{Addr: cfg.TagServer.Addr}, store, logger, metricsRegistry)
		if err := tags.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start tag server")
		}
	}

	// =============================================================
	// Bring up the ring
	// =============================================================

	if err := m.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize the ring")
	}
	if err := m.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start the ring")
	}
	if size, err := m.CalculateIOMapSize(); err == nil {
		logger.Info().Int("io_map_bytes", size).Msg("Process image mapped")
	}

	// =============================================================
	// HTTP Server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		CheckTimeout:   5 * time.Second,
	})
	healthChecker.AddCheck("master", m)
	if publisher != nil {
		healthChecker.AddCheck("mqtt", publisher)
	}

	handler := api.NewHandler(m, store, logger)
	if publisher != nil {
		handler.SetExporter(publisher)
	}
	router := api.NewRouter(handler, api.NewMiddleware(cfg.API, logger), healthChecker,
		promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	go sampleSystemMetrics(ctx, metricsRegistry)

	logger.Info().
		Str("session", m.Session()).
		Int("slaves", len(slaves)).
		Str("state", string(m.ConnectionState())).
		Dur("cycle_time", m.TargetCycleTime()).
		Msg("EtherCAT master started successfully")

	// =============================================================
	// Shutdown Handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")
	shutdown(logger, cfg.Master.ShutdownTimeout, httpServer, tags, m)
	logger.Info().Msg("EtherCAT master shutdown complete")
}

// shutdown stops the outer surfaces first so nothing writes outputs while
// the ring is brought down.
func shutdown(logger zerolog.Logger, timeout time.Duration, httpServer *http.Server, tags *tagserver.Server, m *master.Master) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Error(logger, err, "Error shutting down HTTP server")
	}
	if tags != nil {
		if err := tags.Stop(); err != nil {
			logging.Error(logger, err, "Error stopping tag server")
		}
	}
	if err := m.Stop(); err != nil {
		logging.Error(logger, err, "Error stopping master")
	}
}

func sampleSystemMetrics(ctx context.Context, reg *metrics.Registry) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.UpdateSystemMetrics()
		}
	}
}
