package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/birkandenizer/gstwebrtcapp/internal/config"
	"github.com/birkandenizer/gstwebrtcapp/internal/health"
	"github.com/birkandenizer/gstwebrtcapp/internal/mdp"
	"github.com/birkandenizer/gstwebrtcapp/internal/metrics"
	"github.com/birkandenizer/gstwebrtcapp/internal/relay"
	"github.com/birkandenizer/gstwebrtcapp/internal/relay/mqttbus"
)

const (
	defaultConfigPath = "config/gstwebrtcapp.yaml"
	shutdownTimeout   = 5 * time.Second
)

var (
	configPath string // Path to the YAML configuration
	debug      bool   // Enable debug logging
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "gstwebrtcapp",
	Short:         "Adaptive bitrate control for a GStreamer WebRTC sender over MQTT",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(debug)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(senderCmd)
}

func setupLogging(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

// service is the wiring shared by both roles.
type service struct {
	cfg    *config.Config
	role   string
	bus    *mqttbus.Client
	relay  *relay.Relay
	health *health.Server
}

// newService loads the configuration and wires the relay. subscribe picks
// the topics this role consumes.
func newService(role string, subscribe func(config.MQTTTopics) []string) (*service, error) {
	slog.Info("starting gstwebrtcapp", "role", role, "config", configPath, "debug", debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	bus := mqttbus.New(mqttbus.Config{
		Host:           cfg.MQTT.BrokerHost,
		Port:           cfg.MQTT.BrokerPort,
		ClientID:       fmt.Sprintf("%s-%s-%s", cfg.InstanceID, role, strings.ReplaceAll(uuid.NewString(), "-", "")[:8]),
		Keepalive:      cfg.MQTT.Keepalive(),
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		TLS:            cfg.MQTT.TLS,
		QoS:            *cfg.MQTT.QoS,
		ConnectTimeout: cfg.MQTT.ConnectTimeout(),
	})
	r := relay.New(relay.Config{
		ID:           cfg.InstanceID + "_" + role,
		Topics:       subscribe(cfg.MQTT.Topics),
		ReadyTimeout: cfg.MQTT.ReadyTimeout(),
	}, bus)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(registry)

	hs := health.NewServer(role, registry)
	hs.AddCheck("relay", true, func() error {
		if err := r.Err(); err != nil {
			return err
		}
		if !r.Running() {
			return relay.ErrNotReady
		}
		return nil
	})
	hs.AddCheck("mqtt", false, func() error {
		if !bus.IsConnected() {
			return mqttbus.ErrNotConnected
		}
		return nil
	})

	return &service{cfg: cfg, role: role, bus: bus, relay: r, health: hs}, nil
}

func (s *service) mdpConfig() mdp.Config {
	return mdp.Config{
		EpisodeLength:  s.cfg.MDP.EpisodeLength,
		MaxBitrateMbps: s.cfg.MDP.MaxBitrateMbps,
		MaxDelaySec:    s.cfg.MDP.MaxDelayS,
		RTTWarmup:      *s.cfg.MDP.RTTWarmup,
		Scaled:         *s.cfg.MDP.Scaled,
		Reward:         mdp.ZeroReward,
	}
}

// run starts the health server and the relay, then runs loops until a
// signal arrives or one of them returns.
func (s *service) run(loops ...func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if addr := *s.cfg.MetricsAddr; addr != "" {
		if _, err := s.health.Start(addr); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	if err := s.relay.Start(ctx); err != nil {
		s.shutdown()
		return err
	}

	errChan := make(chan error, len(loops))
	for _, loop := range loops {
		go func(loop func(ctx context.Context) error) {
			errChan <- loop(ctx) // Always send, even if nil
		}(loop)
	}

	var runErr error
	remaining := len(loops)
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case runErr = <-errChan:
		remaining--
		if runErr != nil {
			slog.Error("service error", "role", s.role, "error", runErr)
		}
	}
	cancel()
	s.drain(errChan, remaining)

	s.shutdown()
	return runErr
}

// drain waits for the remaining loops to observe cancellation.
func (s *service) drain(errChan <-chan error, remaining int) {
	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()
	for ; remaining > 0; remaining-- {
		select {
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("loop stopped with error", "role", s.role, "error", err)
			}
		case <-timer.C:
			slog.Warn("shutdown timed out", "role", s.role, "timeout", shutdownTimeout)
			return
		}
	}
}

func (s *service) shutdown() {
	slog.Info("shutting down gracefully", "role", s.role, "timeout", shutdownTimeout)

	s.relay.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.health.Shutdown(ctx); err != nil {
		slog.Error("health server shutdown failed", "error", err)
	}

	slog.Info("gstwebrtcapp stopped", "role", s.role)
}
