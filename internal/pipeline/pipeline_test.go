package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birkandenizer/gstwebrtcapp/internal/actuator"
	"github.com/birkandenizer/gstwebrtcapp/internal/stats"
)

var _ stats.Producer = (*Pipeline)(nil)

var testSettings = actuator.Settings{BitrateKbps: 2000, Width: 640, Height: 480, Framerate: 20}

func TestNew_BindsNamedElements(t *testing.T) {
	p, err := New(Config{Settings: testSettings})
	if err != nil {
		t.Skipf("Skipping test: GStreamer plugins not available: %v", err)
	}

	require.NotNil(t, p.Controller())
	assert.Equal(t, 640, p.Controller().Settings().Width)
	require.NoError(t, p.Controller().Init())
	require.NoError(t, p.Controller().SetBitrate(3000))
	assert.ErrorIs(t, p.OnRTP(func([]byte) error { return nil }), ErrNoRTPSink)
}

func TestNew_MissingElements(t *testing.T) {
	_, err := New(Config{Launch: "videotestsrc ! fakesink"})
	assert.Error(t, err)
}

func TestPipeline_SnapshotWhilePlaying(t *testing.T) {
	p, err := New(Config{Settings: testSettings, StatsTimeout: 500 * time.Millisecond})
	if err != nil {
		t.Skipf("Skipping test: GStreamer plugins not available: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	defer func() {
		cancel()
		<-errc
	}()

	var snapshot stats.Snapshot
	require.Eventually(t, func() bool {
		var ok bool
		snapshot, ok = p.Snapshot()
		return ok && len(snapshot) > 0
	}, 5*time.Second, 100*time.Millisecond)

	for id, st := range snapshot {
		assert.NotEmpty(t, id)
		assert.NotNil(t, st)
	}
}

func TestPipeline_RTPSink(t *testing.T) {
	p, err := New(Config{Launch: DefaultRTPLaunch, Settings: testSettings})
	if err != nil {
		t.Skipf("Skipping test: GStreamer plugins not available: %v", err)
	}

	var (
		mu      sync.Mutex
		packets [][]byte
	)
	require.NoError(t, p.OnRTP(func(packet []byte) error {
		mu.Lock()
		defer mu.Unlock()
		packets = append(packets, packet)
		return nil
	}))

	snapshot, ok := p.Snapshot()
	assert.False(t, ok, "no webrtcbin, no stats")
	assert.Nil(t, snapshot)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	defer func() {
		cancel()
		<-errc
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(packets) > 0
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	first := packets[0]
	mu.Unlock()
	require.GreaterOrEqual(t, len(first), 12)
	assert.Equal(t, byte(2), first[0]>>6, "RTP version")
	assert.Equal(t, byte(96), first[1]&0x7f, "payload type")
}

func TestParseStats(t *testing.T) {
	text := "rtp-outbound-stream_42\ttype\ts\toutbound-rtp\n" +
		"rtp-outbound-stream_42\tpackets-sent\tn\t120\n" +
		"rtp-outbound-stream_42\tbytes-sent\tn\t96000\n" +
		"rtp-remote-inbound-stream_42\trb-round-trip\tn\t3276.5\n" +
		"rtp-remote-inbound-stream_42\tis-remote\tn\t1\n" +
		"broken line\n" +
		"rtp-remote-inbound-stream_42\trb-jitter\tn\tnot-a-number\n" +
		"\n"

	snapshot := parseStats(text)
	require.Len(t, snapshot, 2)

	out := snapshot["rtp-outbound-stream_42"]
	assert.Equal(t, "outbound-rtp", out[stats.FieldType])
	assert.Equal(t, 120.0, out.Float(stats.FieldPacketsSent))
	assert.Equal(t, 96000.0, out.Float(stats.FieldBytesSent))

	in := snapshot["rtp-remote-inbound-stream_42"]
	assert.InDelta(t, 3276.5, in.Float(stats.FieldRoundTrip), 1e-9)
	assert.Equal(t, 1.0, in.Float("is-remote"))
	assert.False(t, in.Has(stats.FieldJitter))

	assert.Empty(t, parseStats(""))
}
