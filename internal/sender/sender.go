// Package sender runs the pipeline side: it publishes stats snapshots and
// applies the actions that come back on the relay.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/birkandenizer/gstwebrtcapp/internal/actuator"
	"github.com/birkandenizer/gstwebrtcapp/internal/mdp"
	"github.com/birkandenizer/gstwebrtcapp/internal/relay"
	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

// ErrTransportClosed is returned by Run when the relay ends without an error.
var ErrTransportClosed = errors.New("sender: transport closed")

// Transport is the relay surface the sender needs.
type Transport interface {
	Publish(ctx context.Context, topic, msg string) error
	GetMessage(topic string) (*relay.Message, error)
	Done() <-chan struct{}
	Err() error
}

// Topics names the relay topics.
type Topics struct {
	Stats   string
	Actions string
}

// Config configures a Sender.
type Config struct {
	Topics        Topics
	StatsInterval time.Duration
	PollInterval  time.Duration
}

// Stats counts sender activity.
type Stats struct {
	Published uint64
	Applied   uint64
	Rejected  uint64
}

// Sender moves stats out and actions in.
type Sender struct {
	cfg      Config
	producer stats.Producer
	mdp      mdp.MDP
	act      actuator.Actuator
	tr       Transport

	published atomic.Uint64
	applied   atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a sender. The MDP is only used to convert actions.
func New(cfg Config, producer stats.Producer, m mdp.MDP, act actuator.Actuator, tr Transport) *Sender {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Sender{cfg: cfg, producer: producer, mdp: m, act: act, tr: tr}
}

// Run publishes stats and applies actions until ctx is done, the transport
// ends or an actuator misconfiguration is detected.
func (s *Sender) Run(ctx context.Context) error {
	statsTicker := time.NewTicker(s.cfg.StatsInterval)
	defer statsTicker.Stop()
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()

	slog.Info("sender started",
		"stats_topic", s.cfg.Topics.Stats,
		"actions_topic", s.cfg.Topics.Actions,
		"stats_interval", s.cfg.StatsInterval,
	)

	for {
		select {
		case <-ctx.Done():
			st := s.Stats()
			slog.Info("sender stopped", "published", st.Published, "applied", st.Applied, "rejected", st.Rejected)
			return nil
		case <-s.tr.Done():
			if err := s.tr.Err(); err != nil {
				return fmt.Errorf("sender: %w", err)
			}
			return ErrTransportClosed
		case <-statsTicker.C:
			if err := s.PublishStats(ctx); err != nil {
				return err
			}
		case <-pollTicker.C:
			if err := s.DrainActions(); err != nil {
				return err
			}
		}
	}
}

// PublishStats sends the producer's latest snapshot. A producer without a
// snapshot yet is skipped.
func (s *Sender) PublishStats(ctx context.Context) error {
	snapshot, ok := s.producer.Snapshot()
	if !ok {
		slog.Debug("sender has no stats yet")
		return nil
	}
	data, err := stats.Encode(snapshot)
	if err != nil {
		slog.Warn("sender could not encode stats", "error", err)
		return nil
	}
	if err := s.tr.Publish(ctx, s.cfg.Topics.Stats, string(data)); err != nil {
		if errors.Is(err, relay.ErrStopped) {
			return fmt.Errorf("sender: publish stats: %w", err)
		}
		slog.Warn("sender failed to publish stats", "error", err)
		return nil
	}
	s.published.Add(1)
	return nil
}

// DrainActions applies every queued action in arrival order.
func (s *Sender) DrainActions() error {
	for {
		msg, err := s.tr.GetMessage(s.cfg.Topics.Actions)
		if err != nil {
			return fmt.Errorf("sender: %w", err)
		}
		if msg == nil {
			return nil
		}
		if err := s.apply(msg); err != nil {
			return err
		}
	}
}

func (s *Sender) apply(msg *relay.Message) error {
	cmd, err := s.decode([]byte(msg.Msg))
	if err != nil {
		s.rejected.Add(1)
		slog.Warn("sender dropped malformed action", "from", msg.ID, "error", err)
		return nil
	}

	if err := s.act.Apply(cmd); err != nil {
		if fatal(err) {
			return fmt.Errorf("sender: apply %s: %w", cmd, err)
		}
		s.rejected.Add(1)
		slog.Warn("sender could not apply action", "command", cmd.String(), "error", err)
		return nil
	}
	s.applied.Add(1)
	slog.Debug("sender applied action", "from", msg.ID, "command", cmd.String())
	return nil
}

// decode accepts a normalized action (array or number) or a raw command
// object.
func (s *Sender) decode(payload []byte) (actuator.Command, error) {
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] == '{' {
		cmd, err := actuator.DecodeCommand(trimmed)
		if err != nil {
			return actuator.Command{}, err
		}
		if cmd.Empty() {
			return actuator.Command{}, fmt.Errorf("sender: empty command")
		}
		return cmd, nil
	}

	action, err := mdp.DecodeAction(payload)
	if err != nil {
		return actuator.Command{}, err
	}
	return s.mdp.PackActionForController(action)
}

func fatal(err error) bool {
	return errors.Is(err, actuator.ErrUnsupportedEncoder) ||
		errors.Is(err, actuator.ErrNoTransceivers) ||
		errors.Is(err, actuator.ErrTransceiverIndex)
}

// Stats returns the sender counters.
func (s *Sender) Stats() Stats {
	return Stats{
		Published: s.published.Load(),
		Applied:   s.applied.Load(),
		Rejected:  s.rejected.Load(),
	}
}
