package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gstwebrtcapp configuration. It is not
// modified after Load returns.
type Config struct {
	InstanceID  string         `yaml:"instance_id"`
	MQTT        MQTTConfig     `yaml:"mqtt"`
	MDP         MDPConfig      `yaml:"mdp"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
	Agent       AgentConfig    `yaml:"agent"`
	MetricsAddr *string        `yaml:"metrics_addr"` // default :9090, "" disables
}

// MQTTConfig contains broker settings
type MQTTConfig struct {
	BrokerHost      string     `yaml:"broker_host"`
	BrokerPort      int        `yaml:"broker_port"`
	KeepaliveS      int        `yaml:"keepalive_s"`
	Username        string     `yaml:"username"`
	Password        string     `yaml:"password"`
	TLS             bool       `yaml:"tls"`
	QoS             *byte      `yaml:"qos"`
	ConnectTimeoutS int        `yaml:"connect_timeout_s"`
	ReadyTimeoutS   int        `yaml:"ready_timeout_s"`
	Topics          MQTTTopics `yaml:"topics"`
}

// MQTTTopics contains the relay topic names
type MQTTTopics struct {
	Stats   string `yaml:"stats"`
	Actions string `yaml:"actions"`
	GCC     string `yaml:"gcc"` // decision trace
}

// MDPConfig contains the translator constants
type MDPConfig struct {
	EpisodeLength  int     `yaml:"episode_length"`
	MaxBitrateMbps float64 `yaml:"max_bitrate_mbps"`
	MaxDelayS      float64 `yaml:"max_delay_s"`
	RTTWarmup      *int    `yaml:"rtt_warmup"`
	Scaled         *bool   `yaml:"scaled"`
}

// Stats producers for the sender.
const (
	ProducerWebRTCBin = "webrtcbin" // get-stats on webrtcbin
	ProducerRTP       = "rtp"       // plain RTP over UDP, stats from RTCP feedback
)

// PipelineConfig contains the sending pipeline settings
type PipelineConfig struct {
	Producer        string `yaml:"producer"`   // webrtcbin (default) or rtp
	RTPRemote       string `yaml:"rtp_remote"` // receiver host:port, rtp producer only
	RTPLocal        string `yaml:"rtp_local"`  // bind address, rtp producer only
	Launch          string `yaml:"launch"`
	Encoder         string `yaml:"encoder"` // factory name override
	BitrateKbps     int    `yaml:"bitrate_kbps"`
	Width           int    `yaml:"width"`
	Height          int    `yaml:"height"`
	Framerate       int    `yaml:"framerate"`
	FECPercentage   *int   `yaml:"fec_percentage"`
	CUDA            bool   `yaml:"cuda"`
	StatsIntervalMS int    `yaml:"stats_interval_ms"`
}

// AgentConfig contains decision loop settings
type AgentConfig struct {
	StepIntervalMS int     `yaml:"step_interval_ms"`
	CleanBacklog   *bool   `yaml:"clean_backlog"`
	Action         float64 `yaml:"action"` // constant policy output
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (m MQTTConfig) Keepalive() time.Duration {
	return time.Duration(m.KeepaliveS) * time.Second
}

func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutS) * time.Second
}

func (m MQTTConfig) ReadyTimeout() time.Duration {
	return time.Duration(m.ReadyTimeoutS) * time.Second
}

func (p PipelineConfig) StatsInterval() time.Duration {
	return time.Duration(p.StatsIntervalMS) * time.Millisecond
}

func (a AgentConfig) StepInterval() time.Duration {
	return time.Duration(a.StepIntervalMS) * time.Millisecond
}
