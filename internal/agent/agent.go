// Package agent runs the decision side: it reads stats from the relay,
// builds observations, asks a Policy for actions and publishes them along
// with a decision trace.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/birkandenizer/gstwebrtcapp/internal/mdp"
	"github.com/birkandenizer/gstwebrtcapp/internal/metrics"
	"github.com/birkandenizer/gstwebrtcapp/internal/relay"
	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

// ErrTransportClosed is returned by Run when the relay ends without an error.
var ErrTransportClosed = errors.New("agent: transport closed")

// Transport is the relay surface the agent needs.
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
	GCC     string // decision trace, optional
}

// Config configures an Agent.
type Config struct {
	Topics       Topics
	StepInterval time.Duration
	// CleanBacklog keeps only the newest queued stats message per step.
	CleanBacklog bool
}

// Trace is the per-step record published on the GCC topic.
type Trace struct {
	Episode     int                `json:"episode"`
	Step        int                `json:"step"`
	Valid       bool               `json:"valid"`
	Observation mdp.Observation    `json:"observation"`
	Unscaled    mdp.Observation    `json:"unscaled"`
	Action      mdp.Action         `json:"action,omitempty"`
	BitrateKbps float64            `json:"bitrate_kbps,omitempty"`
	Reward      float64            `json:"reward"`
	RewardTerms map[string]float64 `json:"reward_terms,omitempty"`
}

// Agent drives one MDP episode after another.
type Agent struct {
	cfg    Config
	mdp    mdp.MDP
	policy Policy
	tr     Transport

	episode    int
	lastAction mdp.Action
}

// New creates an agent. The MDP is reset when Run starts.
func New(cfg Config, m mdp.MDP, policy Policy, tr Transport) *Agent {
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = 100 * time.Millisecond
	}
	return &Agent{cfg: cfg, mdp: m, policy: policy, tr: tr}
}

// Run steps until ctx is done or the transport ends.
func (a *Agent) Run(ctx context.Context) error {
	a.startEpisode()

	ticker := time.NewTicker(a.cfg.StepInterval)
	defer ticker.Stop()

	slog.Info("agent started", "stats_topic", a.cfg.Topics.Stats, "actions_topic", a.cfg.Topics.Actions)

	for {
		select {
		case <-ctx.Done():
			slog.Info("agent stopped", "episodes", a.episode)
			return nil
		case <-a.tr.Done():
			if err := a.tr.Err(); err != nil {
				return fmt.Errorf("agent: %w", err)
			}
			return ErrTransportClosed
		case <-ticker.C:
			if err := a.Step(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) startEpisode() {
	a.mdp.Reset()
	a.episode++
	metrics.EpisodeStarted()
	slog.Info("agent episode started", "episode", a.episode)
}

// Step consumes at most one stats message. It returns an error only for
// transport failures.
func (a *Agent) Step(ctx context.Context) error {
	msg, err := a.next()
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	snapshot, err := stats.Decode([]byte(msg.Msg))
	if err != nil {
		slog.Warn("agent dropped undecodable stats", "sender", msg.ID, "error", err)
		return nil
	}
	return a.handle(ctx, snapshot)
}

// next returns the oldest stats message, or the newest one when the
// backlog is cleaned.
func (a *Agent) next() (*relay.Message, error) {
	msg, err := a.tr.GetMessage(a.cfg.Topics.Stats)
	if err != nil || msg == nil || !a.cfg.CleanBacklog {
		return msg, err
	}

	skipped := 0
	for {
		newer, err := a.tr.GetMessage(a.cfg.Topics.Stats)
		if err != nil {
			return nil, err
		}
		if newer == nil {
			break
		}
		msg = newer
		skipped++
	}
	if skipped > 0 {
		metrics.MessagesCleaned(a.cfg.Topics.Stats, skipped)
		slog.Debug("agent skipped stale stats", "count", skipped)
	}
	return msg, nil
}

func (a *Agent) handle(ctx context.Context, snapshot stats.Snapshot) error {
	valid := a.mdp.CheckObservation(snapshot)
	obs := a.mdp.MakeState(snapshot)
	step := a.mdp.StatesMade()

	trace := Trace{
		Episode:     a.episode,
		Step:        step,
		Valid:       valid,
		Observation: obs,
		Unscaled:    a.mdp.ConvertToUnscaledState(obs),
	}

	action := a.lastAction
	if valid {
		trace.Reward, trace.RewardTerms = a.mdp.CalculateReward(obs)

		next, err := a.policy.Act(ctx, obs)
		if err == nil {
			err = a.checkAction(next)
		}
		if err != nil {
			metrics.PolicyError()
			slog.Warn("agent policy failed, keeping last action", "step", step, "error", err)
		} else {
			action = next
		}
	}

	if action != nil {
		if err := a.publishAction(ctx, action); err != nil {
			return err
		}
		a.lastAction = action
		trace.Action = action
		if cmd, err := a.mdp.PackActionForController(action); err == nil && cmd.Bitrate != nil {
			trace.BitrateKbps = *cmd.Bitrate
		}
	}

	if err := a.publishTrace(ctx, trace); err != nil {
		return err
	}

	if a.mdp.IsTerminated(step) || a.mdp.IsTruncated(step) {
		slog.Info("agent episode finished", "episode", a.episode, "steps", step)
		a.startEpisode()
	}
	return nil
}

// checkAction rejects actions that cannot be encoded or do not fit the
// action space size.
func (a *Agent) checkAction(action mdp.Action) error {
	if size := a.mdp.CreateActionSpace().Size; len(action) != size {
		return fmt.Errorf("%w: want %d values, got %d", mdp.ErrActionShape, size, len(action))
	}
	for i, v := range action {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %d is %v", mdp.ErrActionShape, i, v)
		}
	}
	return nil
}

func (a *Agent) publishAction(ctx context.Context, action mdp.Action) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("agent: encode action: %w", err)
	}
	if err := a.tr.Publish(ctx, a.cfg.Topics.Actions, string(data)); err != nil {
		return fmt.Errorf("agent: publish action: %w", err)
	}
	return nil
}

func (a *Agent) publishTrace(ctx context.Context, trace Trace) error {
	if a.cfg.Topics.GCC == "" {
		return nil
	}
	data, err := json.Marshal(trace)
	if err != nil {
		slog.Warn("agent could not encode trace", "error", err)
		return nil
	}
	if err := a.tr.Publish(ctx, a.cfg.Topics.GCC, string(data)); err != nil {
		return fmt.Errorf("agent: publish trace: %w", err)
	}
	return nil
}

// Episode returns the current episode number, starting at 1.
func (a *Agent) Episode() int {
	return a.episode
}
