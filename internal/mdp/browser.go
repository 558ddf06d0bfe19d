package mdp

import (
	"fmt"
	"math"

	"github.com/birkandenizer/gstwebrtcapp/internal/actuator"
	"github.com/birkandenizer/gstwebrtcapp/internal/metrics"
	"github.com/birkandenizer/gstwebrtcapp/internal/rtt"
	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

// Observation metric names produced by BrowserMDP, in schema order.
const (
	FractionLossRate    = "fractionLossRate"
	FractionNackRate    = "fractionNackRate"
	FractionPliRate     = "fractionPliRate"
	FractionQueueingRtt = "fractionQueueingRtt"
	FractionRtt         = "fractionRtt"
	InterarrivalJitter  = "interarrivalJitter"
	LossRate            = "lossRate"
	RttIqr              = "rttIqr"
	RttMean             = "rttMean"
	RttStd              = "rttStd"
	RxRate              = "rxRate"
)

type scale int

const (
	scaleRatio scale = iota
	scaleDelay
	scaleRate
)

var browserSchema = []struct {
	name  string
	scale scale
}{
	{FractionLossRate, scaleRatio},
	{FractionNackRate, scaleRatio},
	{FractionPliRate, scaleRatio},
	{FractionQueueingRtt, scaleDelay},
	{FractionRtt, scaleDelay},
	{InterarrivalJitter, scaleDelay},
	{LossRate, scaleRatio},
	{RttIqr, scaleDelay},
	{RttMean, scaleDelay},
	{RttStd, scaleDelay},
	{RxRate, scaleRate},
}

// Config holds the translator constants. They are fixed for the lifetime
// of a BrowserMDP.
type Config struct {
	// EpisodeLength is the step count at which an episode is truncated.
	EpisodeLength int
	// MaxBitrateMbps scales rates and the action range.
	MaxBitrateMbps float64
	// MaxDelaySec scales delay metrics.
	MaxDelaySec float64
	// RTTWarmup is the number of RTT samples discarded per episode.
	RTTWarmup int
	// Scaled selects the normalized action range [-1,1]. When false
	// ConvertToUnscaledState and ConvertToUnscaledAction are identities.
	Scaled bool
	// Reward defaults to ZeroReward.
	Reward RewardFunc
}

// DefaultConfig returns the constants used for a single browser stream.
func DefaultConfig() Config {
	return Config{
		EpisodeLength:  256,
		MaxBitrateMbps: 15,
		MaxDelaySec:    1,
		RTTWarmup:      rtt.DefaultWarmup,
		Scaled:         true,
		Reward:         ZeroReward,
	}
}

// BrowserMDP builds observations from the stats a browser peer reports
// back to the sender: local outbound counters plus receiver reports.
type BrowserMDP struct {
	cfg    Config
	filter []string

	statesMade int
	lastStats  stats.Snapshot
	rtts       *rtt.Tracker
}

var _ MDP = (*BrowserMDP)(nil)

// NewBrowserMDP creates a translator in its initial episode.
func NewBrowserMDP(cfg Config) (*BrowserMDP, error) {
	if cfg.EpisodeLength <= 0 {
		return nil, fmt.Errorf("%w: episode length must be positive, got %d", ErrInvalidConfig, cfg.EpisodeLength)
	}
	if cfg.MaxBitrateMbps <= 0 {
		return nil, fmt.Errorf("%w: max bitrate must be positive, got %v", ErrInvalidConfig, cfg.MaxBitrateMbps)
	}
	if cfg.MaxDelaySec <= 0 {
		return nil, fmt.Errorf("%w: max delay must be positive, got %v", ErrInvalidConfig, cfg.MaxDelaySec)
	}
	if cfg.Reward == nil {
		cfg.Reward = ZeroReward
	}

	m := &BrowserMDP{
		cfg:    cfg,
		filter: []string{stats.CategoryOutbound, stats.CategoryRemoteInbound},
		rtts:   rtt.NewTracker(cfg.RTTWarmup),
	}
	m.Reset()
	return m, nil
}

// Config returns the translator constants.
func (m *BrowserMDP) Config() Config {
	return m.cfg
}

func (m *BrowserMDP) Reset() {
	m.statesMade = 0
	m.lastStats = nil
	m.rtts.Reset()
}

func (m *BrowserMDP) StatesMade() int {
	return m.statesMade
}

func (m *BrowserMDP) CreateObservationSpace() ObservationSpace {
	space := make(ObservationSpace, len(browserSchema))
	for i, s := range browserSchema {
		space[i] = Box{Name: s.name, Low: 0, High: 1, Size: 1, DType: "float32"}
	}
	return space
}

// CreateActionSpace declares a single bitrate decision.
func (m *BrowserMDP) CreateActionSpace() ActionSpace {
	if !m.cfg.Scaled {
		return ActionSpace{Name: "bitrate", Low: 0, High: m.cfg.MaxBitrateMbps, Size: 1, DType: "float32"}
	}
	return ActionSpace{Name: "bitrate", Low: -1, High: 1, Size: 1, DType: "float32"}
}

func (m *BrowserMDP) MakeDefaultState() Observation {
	obs := make(Observation, len(browserSchema))
	for i, s := range browserSchema {
		obs[i] = Metric{Name: s.name}
	}
	return obs
}

// MakeState builds the observation for snapshot. When a required category
// is missing the default state is returned and the episode history (previous
// snapshot and RTT window) is left untouched.
func (m *BrowserMDP) MakeState(snapshot stats.Snapshot) Observation {
	m.statesMade++

	out, okOut := stats.Find(snapshot, stats.CategoryOutbound)
	remote, okRemote := stats.Find(snapshot, stats.CategoryRemoteInbound)
	if !okOut || !okRemote {
		metrics.StateBuilt(false)
		return m.MakeDefaultState()
	}

	var lastOut, lastRemote stats.Stat
	if m.lastStats != nil {
		lastOut, _ = stats.Find(m.lastStats, stats.CategoryOutbound)
		lastRemote, _ = stats.Find(m.lastStats, stats.CategoryRemoteInbound)
	}

	sentDiff := stats.Diff(out, lastOut, stats.FieldPacketsSent)
	recvDiff := stats.Diff(out, lastOut, stats.FieldPacketsReceived)
	tsDiffSec := stats.Diff(out, lastOut, stats.FieldTimestamp) / 1000

	fractionLoss := ratio(stats.Diff(remote, lastRemote, stats.FieldPacketsLost), sentDiff)
	loss := ratio(remote.Float(stats.FieldPacketsLost), out.Float(stats.FieldPacketsSent))
	fractionNack := ratio(stats.Diff(out, lastOut, stats.FieldNackCount), recvDiff)
	fractionPli := ratio(stats.Diff(out, lastOut, stats.FieldPliCount), recvDiff)

	sample := stats.NTPShortToSeconds(remote.Float(stats.FieldRoundTrip)) / m.cfg.MaxDelaySec
	m.rtts.Observe(sample)
	window := m.rtts.Stats()
	queueing := m.rtts.MinGap(sample)

	jitter := stats.ClockUnitsToSeconds(remote.Float(stats.FieldJitter), out.Float(stats.FieldClockRate)) / m.cfg.MaxDelaySec

	var rx float64
	if tsDiffSec > 0 {
		rxMbits := stats.Diff(out, lastOut, stats.FieldBytesReceived) * 8 / 1e6
		rx = rxMbits / (tsDiffSec * m.cfg.MaxBitrateMbps)
	}

	m.lastStats = snapshot

	values := map[string]float64{
		FractionLossRate:    fractionLoss,
		FractionNackRate:    fractionNack,
		FractionPliRate:     fractionPli,
		FractionQueueingRtt: queueing,
		FractionRtt:         sample,
		InterarrivalJitter:  jitter,
		LossRate:            loss,
		RttIqr:              window.IQR,
		RttMean:             window.Mean,
		RttStd:              window.Std,
		RxRate:              rx,
	}

	obs := make(Observation, len(browserSchema))
	for i, s := range browserSchema {
		v := clip01(values[s.name])
		obs[i] = Metric{Name: s.name, Value: v}
		metrics.ObservationValue(s.name, v)
	}
	metrics.StateBuilt(true)
	return obs
}

// ConvertToUnscaledState maps delay metrics to seconds and the rate metric
// to Mbps. Ratios pass through.
func (m *BrowserMDP) ConvertToUnscaledState(obs Observation) Observation {
	return m.rescale(obs, func(v, factor float64) float64 { return v * factor })
}

// ConvertToScaledState is the inverse of ConvertToUnscaledState.
func (m *BrowserMDP) ConvertToScaledState(obs Observation) Observation {
	return m.rescale(obs, func(v, factor float64) float64 { return v / factor })
}

func (m *BrowserMDP) rescale(obs Observation, apply func(v, factor float64) float64) Observation {
	out := make(Observation, len(obs))
	copy(out, obs)
	if !m.cfg.Scaled {
		return out
	}
	for i, metric := range out {
		if factor := m.factor(metric.Name); factor != 1 {
			out[i].Value = apply(metric.Value, factor)
		}
	}
	return out
}

func (m *BrowserMDP) factor(name string) float64 {
	for _, s := range browserSchema {
		if s.name != name {
			continue
		}
		switch s.scale {
		case scaleDelay:
			return m.cfg.MaxDelaySec
		case scaleRate:
			return m.cfg.MaxBitrateMbps
		}
		return 1
	}
	return 1
}

// ConvertToUnscaledAction maps [-1,1] to [0, MaxBitrateMbps].
func (m *BrowserMDP) ConvertToUnscaledAction(action Action) Action {
	out := make(Action, len(action))
	for i, v := range action {
		if m.cfg.Scaled {
			v = 0.5 * (v + 1) * m.cfg.MaxBitrateMbps
		}
		out[i] = v
	}
	return out
}

func (m *BrowserMDP) CheckObservation(snapshot stats.Snapshot) bool {
	for _, category := range m.filter {
		if _, ok := stats.Find(snapshot, category); !ok {
			return false
		}
	}
	return true
}

// PackActionForController converts a bitrate action into a command in kbps.
// Out-of-range actions are clipped to the action space first.
func (m *BrowserMDP) PackActionForController(action Action) (actuator.Command, error) {
	space := m.CreateActionSpace()
	if len(action) != space.Size {
		return actuator.Command{}, fmt.Errorf("%w: want %d values, got %d", ErrActionShape, space.Size, len(action))
	}
	if math.IsNaN(action[0]) {
		return actuator.Command{}, fmt.Errorf("%w: NaN bitrate", ErrActionShape)
	}
	mbps := m.ConvertToUnscaledAction(space.Clip(action))[0]
	return actuator.BitrateCommand(mbps * 1000), nil
}

func (m *BrowserMDP) CalculateReward(obs Observation) (float64, map[string]float64) {
	return m.cfg.Reward(obs)
}

// IsTerminated is always false: episodes end only by truncation.
func (m *BrowserMDP) IsTerminated(int) bool {
	return false
}

func (m *BrowserMDP) IsTruncated(step int) bool {
	return step >= m.cfg.EpisodeLength
}

// ratio returns num/den, or 0 when den is not positive or the result would
// be negative.
func ratio(num, den float64) float64 {
	if den <= 0 || num <= 0 {
		return 0
	}
	return num / den
}

func clip01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
