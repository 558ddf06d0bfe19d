package mdp

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

// interval describes one synthetic stats report.
type interval struct {
	sent, recv, bytesRecv float64
	nack, pli             float64
	tsMs                  float64
	lost                  float64
	rtt                   float64 // 16.16 fixed point
	jitter                float64 // clock ticks
}

func (iv interval) snapshot() stats.Snapshot {
	return stats.Snapshot{
		"rtp-outbound-stream_1234": stats.Stat{
			stats.FieldType:            stats.CategoryOutbound,
			stats.FieldPacketsSent:     iv.sent,
			stats.FieldPacketsReceived: iv.recv,
			stats.FieldBytesReceived:   iv.bytesRecv,
			stats.FieldNackCount:       iv.nack,
			stats.FieldPliCount:        iv.pli,
			stats.FieldTimestamp:       iv.tsMs,
			stats.FieldClockRate:       90000.0,
		},
		"rtp-remote-inbound-stream_1234": stats.Stat{
			stats.FieldType:        stats.CategoryRemoteInbound,
			stats.FieldPacketsLost: iv.lost,
			stats.FieldRoundTrip:   iv.rtt,
			stats.FieldJitter:      iv.jitter,
		},
	}
}

func newTestMDP(t *testing.T) *BrowserMDP {
	t.Helper()
	m, err := NewBrowserMDP(DefaultConfig())
	require.NoError(t, err)
	return m
}

func value(t *testing.T, obs Observation, name string) float64 {
	t.Helper()
	v, ok := obs.Get(name)
	require.True(t, ok, "metric %s missing", name)
	return v
}

func TestNewBrowserMDP_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero episode", func(c *Config) { c.EpisodeLength = 0 }},
		{"zero bitrate", func(c *Config) { c.MaxBitrateMbps = 0 }},
		{"negative delay", func(c *Config) { c.MaxDelaySec = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewBrowserMDP(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestBrowserMDP_DefaultStateMatchesSchema(t *testing.T) {
	m := newTestMDP(t)

	space := m.CreateObservationSpace()
	def := m.MakeDefaultState()

	require.Len(t, def, 11)
	assert.Equal(t, space.Names(), []string{
		FractionLossRate, FractionNackRate, FractionPliRate, FractionQueueingRtt, FractionRtt,
		InterarrivalJitter, LossRate, RttIqr, RttMean, RttStd, RxRate,
	})
	assert.True(t, space.Contains(def))
	for _, metric := range def {
		assert.Zero(t, metric.Value, metric.Name)
	}
}

func TestBrowserMDP_FirstInterval(t *testing.T) {
	m := newTestMDP(t)

	obs := m.MakeState(interval{
		sent: 100, recv: 100, bytesRecv: 937500,
		nack: 2, pli: 1, tsMs: 1000,
		lost: 5, rtt: 16384, jitter: 9000,
	}.snapshot())

	assert.Equal(t, 1, m.StatesMade())
	assert.True(t, m.CreateObservationSpace().Contains(obs))
	assert.InDelta(t, 0.05, value(t, obs, FractionLossRate), 1e-12)
	assert.InDelta(t, 0.05, value(t, obs, LossRate), 1e-12)
	assert.InDelta(t, 0.02, value(t, obs, FractionNackRate), 1e-12)
	assert.InDelta(t, 0.01, value(t, obs, FractionPliRate), 1e-12)
	assert.InDelta(t, 0.25, value(t, obs, FractionRtt), 1e-12)
	assert.InDelta(t, 0.1, value(t, obs, InterarrivalJitter), 1e-12)
	// 937500 B in 1 s is 7.5 Mbit/s of 15.
	assert.InDelta(t, 0.5, value(t, obs, RxRate), 1e-12)

	// Still warming up: no RTT window yet.
	assert.Zero(t, value(t, obs, RttMean))
	assert.Zero(t, value(t, obs, FractionQueueingRtt))
}

func TestBrowserMDP_LossScenario(t *testing.T) {
	m := newTestMDP(t)

	var fractionLoss, loss []float64
	for i := 1; i <= 10; i++ {
		obs := m.MakeState(interval{
			sent: float64(100 * i), recv: float64(100 * i),
			tsMs: float64(1000 * i), lost: 5,
		}.snapshot())
		fractionLoss = append(fractionLoss, value(t, obs, FractionLossRate))
		loss = append(loss, value(t, obs, LossRate))
	}

	assert.InDelta(t, 5.0/100, fractionLoss[0], 1e-12)
	for i := 1; i < len(fractionLoss); i++ {
		assert.Zero(t, fractionLoss[i], "interval %d", i+1)
		assert.Less(t, loss[i], loss[i-1], "cumulative loss must decrease at interval %d", i+1)
	}
	assert.InDelta(t, 5.0/1000, loss[9], 1e-12)
}

func TestBrowserMDP_RTTWarmup(t *testing.T) {
	m := newTestMDP(t)

	rtts := []float64{0.5, 0.5, 0.5, 0.2, 0.3}
	var obs Observation
	for i, r := range rtts {
		obs = m.MakeState(interval{
			sent: float64(100 * (i + 1)), tsMs: float64(1000 * (i + 1)),
			rtt: r * 65536,
		}.snapshot())
		if i < 3 {
			assert.Zero(t, value(t, obs, RttMean), "sample %d is warm-up", i+1)
		}
	}

	assert.InDelta(t, 0.25, value(t, obs, RttMean), 1e-9)
	assert.InDelta(t, 0.05, value(t, obs, RttStd), 1e-9)
	assert.InDelta(t, 0.1, value(t, obs, FractionQueueingRtt), 1e-9)
	assert.InDelta(t, 0.05, value(t, obs, RttIqr), 1e-9)
}

func TestBrowserMDP_MissingCategoryKeepsHistory(t *testing.T) {
	valid := interval{sent: 100, recv: 50, tsMs: 1000, lost: 5, nack: 1, bytesRecv: 1000, rtt: 6553.6}.snapshot()
	gap := valid.Clone()
	delete(gap, "rtp-remote-inbound-stream_1234")

	m := newTestMDP(t)
	got := m.MakeState(gap)
	assert.Equal(t, m.MakeDefaultState(), got)
	assert.Equal(t, 1, m.StatesMade())

	fresh := newTestMDP(t)
	assert.Equal(t, fresh.MakeState(valid), m.MakeState(valid),
		"the first valid state after a gap must match a fresh episode")
}

func TestBrowserMDP_DivisionGuards(t *testing.T) {
	m := newTestMDP(t)

	first := interval{sent: 100, recv: 100, tsMs: 1000, lost: 5, nack: 3, bytesRecv: 500}
	m.MakeState(first.snapshot())

	// No progress in sent/received counters and a stalled clock.
	obs := m.MakeState(first.snapshot())
	assert.Zero(t, value(t, obs, FractionLossRate))
	assert.Zero(t, value(t, obs, FractionNackRate))
	assert.Zero(t, value(t, obs, RxRate))

	// Counters reset, e.g. after reconnection: negative deltas.
	obs = m.MakeState(interval{sent: 10, recv: 10, tsMs: 500, lost: 1}.snapshot())
	for _, metric := range obs {
		assert.False(t, math.IsNaN(metric.Value), metric.Name)
		assert.GreaterOrEqual(t, metric.Value, 0.0, metric.Name)
	}
	assert.Zero(t, value(t, obs, FractionLossRate))
	assert.Zero(t, value(t, obs, RxRate))
}

func TestBrowserMDP_ResetClearsEpisode(t *testing.T) {
	m := newTestMDP(t)
	for i := 1; i <= 6; i++ {
		m.MakeState(interval{sent: float64(100 * i), tsMs: float64(1000 * i), rtt: 32768}.snapshot())
	}
	m.Reset()

	assert.Zero(t, m.StatesMade())
	obs := m.MakeState(interval{sent: 100, tsMs: 1000, lost: 5, rtt: 32768}.snapshot())
	assert.InDelta(t, 0.05, value(t, obs, FractionLossRate), 1e-12)
	assert.Zero(t, value(t, obs, RttMean))
}

func TestBrowserMDP_CheckObservation(t *testing.T) {
	m := newTestMDP(t)
	full := interval{sent: 1}.snapshot()
	assert.True(t, m.CheckObservation(full))

	partial := full.Clone()
	delete(partial, "rtp-outbound-stream_1234")
	assert.False(t, m.CheckObservation(partial))
	assert.False(t, m.CheckObservation(nil))
}

func TestBrowserMDP_StateRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDelaySec = 0.5
	m, err := NewBrowserMDP(cfg)
	require.NoError(t, err)

	unscaled := Observation{
		{FractionLossRate, 0.1},
		{FractionQueueingRtt, 0.2},
		{FractionRtt, 0.4},
		{InterarrivalJitter, 0.05},
		{RttMean, 0.3},
		{RxRate, 7.5},
	}
	scaled := m.ConvertToScaledState(unscaled)
	assert.InDelta(t, 0.8, value(t, scaled, FractionRtt), 1e-12)
	assert.InDelta(t, 0.5, value(t, scaled, RxRate), 1e-12)
	assert.Equal(t, 0.1, value(t, scaled, FractionLossRate), "ratios are scale invariant")

	back := m.ConvertToUnscaledState(scaled)
	require.Len(t, back, len(unscaled))
	for i := range unscaled {
		assert.Equal(t, unscaled[i].Name, back[i].Name)
		assert.InDelta(t, unscaled[i].Value, back[i].Value, 1e-12, unscaled[i].Name)
	}
}

func TestBrowserMDP_Unscaled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scaled = false
	m, err := NewBrowserMDP(cfg)
	require.NoError(t, err)

	obs := Observation{{FractionRtt, 0.4}, {RxRate, 0.5}}
	assert.Equal(t, obs, m.ConvertToUnscaledState(obs))
	assert.Equal(t, Action{7}, m.ConvertToUnscaledAction(Action{7}))

	cmd, err := m.PackActionForController(Action{7})
	require.NoError(t, err)
	assert.Equal(t, 7000.0, *cmd.Bitrate)
}

func TestBrowserMDP_PackActionForController(t *testing.T) {
	m := newTestMDP(t)

	tests := []struct {
		action Action
		want   float64
	}{
		{Action{-1}, 0},
		{Action{1}, 15000},
		{Action{0}, 7500},
		{Action{2}, 15000},
		{Action{-3}, 0},
	}
	for _, tt := range tests {
		cmd, err := m.PackActionForController(tt.action)
		require.NoError(t, err)
		require.NotNil(t, cmd.Bitrate)
		assert.InDelta(t, tt.want, *cmd.Bitrate, 1e-9, "action %v", tt.action)
		assert.Nil(t, cmd.Resolution)
	}

	_, err := m.PackActionForController(Action{0.1, 0.2})
	assert.ErrorIs(t, err, ErrActionShape)
	_, err = m.PackActionForController(Action{math.NaN()})
	assert.ErrorIs(t, err, ErrActionShape)
}

func TestBrowserMDP_Truncation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EpisodeLength = 4
	m, err := NewBrowserMDP(cfg)
	require.NoError(t, err)

	assert.False(t, m.IsTruncated(3))
	assert.True(t, m.IsTruncated(4))
	assert.False(t, m.IsTerminated(1000))
}

func TestBrowserMDP_Reward(t *testing.T) {
	m := newTestMDP(t)
	r, breakdown := m.CalculateReward(m.MakeDefaultState())
	assert.Zero(t, r)
	assert.Nil(t, breakdown)

	cfg := DefaultConfig()
	cfg.Reward = func(obs Observation) (float64, map[string]float64) {
		v, _ := obs.Get(RxRate)
		return v, map[string]float64{"rate": v}
	}
	custom, err := NewBrowserMDP(cfg)
	require.NoError(t, err)
	r, breakdown = custom.CalculateReward(Observation{{RxRate, 0.7}})
	assert.Equal(t, 0.7, r)
	assert.Equal(t, map[string]float64{"rate": 0.7}, breakdown)
}

func TestObservation_MarshalKeepsOrder(t *testing.T) {
	m := newTestMDP(t)
	data, err := json.Marshal(m.MakeDefaultState())
	require.NoError(t, err)

	assert.Equal(t,
		`{"fractionLossRate":0,"fractionNackRate":0,"fractionPliRate":0,"fractionQueueingRtt":0,"fractionRtt":0,"interarrivalJitter":0,"lossRate":0,"rttIqr":0,"rttMean":0,"rttStd":0,"rxRate":0}`,
		string(data))
}

func TestDecodeAction(t *testing.T) {
	a, err := DecodeAction([]byte(`[0.25]`))
	require.NoError(t, err)
	assert.Equal(t, Action{0.25}, a)

	a, err = DecodeAction([]byte(`-0.5`))
	require.NoError(t, err)
	assert.Equal(t, Action{-0.5}, a)

	_, err = DecodeAction([]byte(`{"bitrate":1}`))
	assert.Error(t, err)
}
