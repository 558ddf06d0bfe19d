package config

import (
	"fmt"
	"net"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if err := validateMQTT(&cfg.MQTT); err != nil {
		return err
	}
	if err := validateMDP(&cfg.MDP); err != nil {
		return err
	}
	if err := validatePipeline(&cfg.Pipeline); err != nil {
		return err
	}

	if cfg.Agent.StepIntervalMS < 0 {
		return fmt.Errorf("agent.step_interval_ms must be >= 0")
	}
	if cfg.Agent.StepIntervalMS == 0 {
		cfg.Agent.StepIntervalMS = 100
	}
	if cfg.Agent.CleanBacklog == nil {
		cfg.Agent.CleanBacklog = boolPtr(true)
	}
	if cfg.Agent.Action < -1 || cfg.Agent.Action > 1 {
		return fmt.Errorf("agent.action must be in [-1, 1], got %v", cfg.Agent.Action)
	}

	if cfg.MetricsAddr == nil {
		addr := ":9090"
		cfg.MetricsAddr = &addr
	}

	return nil
}

func validateMQTT(m *MQTTConfig) error {
	if m.BrokerHost == "" {
		m.BrokerHost = "0.0.0.0"
	}
	if m.BrokerPort == 0 {
		m.BrokerPort = 1883
	}
	if m.BrokerPort < 0 || m.BrokerPort > 65535 {
		return fmt.Errorf("mqtt.broker_port out of range: %d", m.BrokerPort)
	}
	if m.KeepaliveS <= 0 {
		m.KeepaliveS = 20
	}
	if m.QoS == nil {
		qos := byte(1)
		m.QoS = &qos
	}
	if *m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", *m.QoS)
	}
	if m.Password != "" && m.Username == "" {
		return fmt.Errorf("mqtt.password requires mqtt.username")
	}
	if m.ConnectTimeoutS <= 0 {
		m.ConnectTimeoutS = 10
	}
	if m.ReadyTimeoutS <= 0 {
		m.ReadyTimeoutS = 10
	}

	if m.Topics.Stats == "" {
		m.Topics.Stats = "gstwebrtcapp/stats"
	}
	if m.Topics.Actions == "" {
		m.Topics.Actions = "gstwebrtcapp/actions"
	}
	if m.Topics.GCC == "" {
		m.Topics.GCC = "gstwebrtcapp/gcc"
	}
	seen := map[string]string{}
	for name, topic := range map[string]string{
		"stats": m.Topics.Stats, "actions": m.Topics.Actions, "gcc": m.Topics.GCC,
	} {
		if other, dup := seen[topic]; dup {
			return fmt.Errorf("mqtt.topics.%s and mqtt.topics.%s share topic %q", name, other, topic)
		}
		seen[topic] = name
	}
	return nil
}

func validateMDP(m *MDPConfig) error {
	if m.EpisodeLength < 0 {
		return fmt.Errorf("mdp.episode_length must be > 0")
	}
	if m.EpisodeLength == 0 {
		m.EpisodeLength = 256
	}
	if m.MaxBitrateMbps < 0 || m.MaxDelayS < 0 {
		return fmt.Errorf("mdp scale constants must be > 0")
	}
	if m.MaxBitrateMbps == 0 {
		m.MaxBitrateMbps = 15
	}
	if m.MaxDelayS == 0 {
		m.MaxDelayS = 1
	}
	if m.RTTWarmup == nil {
		warmup := 3
		m.RTTWarmup = &warmup
	}
	if *m.RTTWarmup < 0 {
		return fmt.Errorf("mdp.rtt_warmup must be >= 0")
	}
	if m.Scaled == nil {
		m.Scaled = boolPtr(true)
	}
	return nil
}

func validatePipeline(p *PipelineConfig) error {
	switch p.Producer {
	case "":
		p.Producer = ProducerWebRTCBin
	case ProducerWebRTCBin, ProducerRTP:
	default:
		return fmt.Errorf("pipeline.producer must be %q or %q, got %q", ProducerWebRTCBin, ProducerRTP, p.Producer)
	}
	if p.Producer == ProducerRTP {
		if p.RTPRemote == "" {
			return fmt.Errorf("pipeline.rtp_remote is required for the rtp producer")
		}
		if _, _, err := net.SplitHostPort(p.RTPRemote); err != nil {
			return fmt.Errorf("pipeline.rtp_remote: %w", err)
		}
		if p.RTPLocal == "" {
			p.RTPLocal = "0.0.0.0:0"
		}
	}
	if p.BitrateKbps < 0 {
		return fmt.Errorf("pipeline.bitrate_kbps must be > 0")
	}
	if p.BitrateKbps == 0 {
		p.BitrateKbps = 2000
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = 1920, 1080
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("pipeline resolution must be positive, got %dx%d", p.Width, p.Height)
	}
	if p.Framerate < 0 {
		return fmt.Errorf("pipeline.framerate must be > 0")
	}
	if p.Framerate == 0 {
		p.Framerate = 20
	}
	if p.FECPercentage == nil {
		fec := 20
		p.FECPercentage = &fec
	}
	if *p.FECPercentage < 0 || *p.FECPercentage > 100 {
		return fmt.Errorf("pipeline.fec_percentage must be in [0, 100], got %d", *p.FECPercentage)
	}
	if p.StatsIntervalMS <= 0 {
		p.StatsIntervalMS = 1000
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }
