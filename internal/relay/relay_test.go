package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus routes published payloads back to matching subscribers, like a
// broker with a single client.
type fakeBus struct {
	mu         sync.Mutex
	handlers   map[string]func(string, []byte)
	published  []published
	connectErr error
	connected  bool
	lost       chan error
}

type published struct {
	topic   string
	payload []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string]func(string, []byte)),
		lost:     make(chan error, 1),
	}
}

func (b *fakeBus) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	return nil
}

func (b *fakeBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, published{topic, payload})
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
	return nil
}

func (b *fakeBus) Subscribe(topic string, handler func(string, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func (b *fakeBus) Lost() <-chan error { return b.lost }

// deliver simulates a raw inbound payload from the broker.
func (b *fakeBus) deliver(topic string, payload []byte) {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

func startedRelay(t *testing.T, topics ...string) (*Relay, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	r := New(Config{ID: "agent", Topics: topics, ReadyTimeout: time.Second}, bus)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r, bus
}

func TestRelay_PublisherID(t *testing.T) {
	r := New(Config{ID: "sender"}, newFakeBus())

	parts := strings.Split(r.ID(), "_")
	require.Len(t, parts, 2)
	assert.Equal(t, "sender", parts[0])
	assert.Len(t, parts[1], 8)

	other := New(Config{ID: "sender"}, newFakeBus())
	assert.NotEqual(t, r.ID(), other.ID())
}

func TestRelay_PublishStampsEnvelope(t *testing.T) {
	r, bus := startedRelay(t)
	r.now = func() time.Time { return time.Date(2024, 3, 5, 7, 8, 9, 42*int(time.Millisecond), time.Local) }

	require.NoError(t, r.Publish(context.Background(), "gstwebrtcapp/stats", `{"a":1}`))

	require.Len(t, bus.published, 1)
	assert.Equal(t, "gstwebrtcapp/stats", bus.published[0].topic)

	var env map[string]string
	require.NoError(t, json.Unmarshal(bus.published[0].payload, &env))
	assert.Equal(t, map[string]string{
		"timestamp": "2024-03-05-07_08_09_042",
		"id":        r.ID(),
		"msg":       `{"a":1}`,
	}, env)
}

func TestRelay_RoundTripPerTopic(t *testing.T) {
	r, _ := startedRelay(t, "stats", "actions")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(ctx, "stats", fmt.Sprintf("s%d", i)))
	}
	require.NoError(t, r.Publish(ctx, "actions", "a0"))

	for i := 0; i < 3; i++ {
		m, err := r.GetMessage("stats")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, fmt.Sprintf("s%d", i), m.Msg)
		assert.Equal(t, "stats", m.Topic)
		assert.Equal(t, r.ID(), m.ID)
	}
	m, err := r.GetMessage("stats")
	require.NoError(t, err)
	assert.Nil(t, m, "actions must never leak into the stats queue")

	m, err = r.GetMessage("actions")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "a0", m.Msg)
}

func TestRelay_UnknownTopic(t *testing.T) {
	r, _ := startedRelay(t, "stats")

	_, err := r.GetMessage("nope")
	assert.ErrorIs(t, err, ErrUnknownTopic)
	_, err = r.CleanQueue("nope")
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestRelay_RuntimeTopicGetsQueue(t *testing.T) {
	r, bus := startedRelay(t, "stats")
	require.NoError(t, r.Subscribe(context.Background(), "gcc"))

	payload, err := encodeEnvelope(Message{Timestamp: "2024-01-01-00_00_00_000", ID: "x", Msg: "trace"})
	require.NoError(t, err)
	bus.deliver("gcc", payload)

	m, err := r.GetMessage("gcc")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "trace", m.Msg)
}

func TestRelay_UndeclaredDeliveryIsQueued(t *testing.T) {
	r, _ := startedRelay(t)

	payload, err := encodeEnvelope(Message{Timestamp: "2024-01-01-00_00_00_000", ID: "x", Msg: "late"})
	require.NoError(t, err)
	r.handle("wildcard/match", payload)

	m, err := r.GetMessage("wildcard/match")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "late", m.Msg)
}

func TestRelay_MalformedDropped(t *testing.T) {
	r, bus := startedRelay(t, "stats")

	bus.deliver("stats", []byte("not json"))
	bus.deliver("stats", []byte(`{"msg":"no id"}`))
	require.NoError(t, r.Publish(context.Background(), "stats", "good"))

	m, err := r.GetMessage("stats")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "good", m.Msg)

	m, err = r.GetMessage("stats")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRelay_CleanQueue(t *testing.T) {
	r, _ := startedRelay(t, "stats")
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Publish(context.Background(), "stats", "x"))
	}

	n, err := r.CleanQueue("stats")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	m, err := r.GetMessage("stats")
	require.NoError(t, err)
	assert.Nil(t, m)

	st, err := r.QueueStats("stats")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.Received)
	assert.Equal(t, uint64(5), st.Cleaned)
	assert.Zero(t, st.Depth)
}

func TestRelay_QueueEvictsOldest(t *testing.T) {
	bus := newFakeBus()
	r := New(Config{ID: "a", Topics: []string{"stats"}, QueueSize: 2}, bus)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, r.Publish(context.Background(), "stats", s))
	}

	var got []string
	for {
		m, err := r.GetMessage("stats")
		require.NoError(t, err)
		if m == nil {
			break
		}
		got = append(got, m.Msg)
	}
	assert.Equal(t, []string{"2", "3"}, got)

	st, _ := r.QueueStats("stats")
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestRelay_PublishBeforeReadyTimesOut(t *testing.T) {
	r := New(Config{ID: "a", ReadyTimeout: 50 * time.Millisecond}, newFakeBus())

	start := time.Now()
	err := r.Publish(context.Background(), "stats", "x")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRelay_PublishWaitsForStart(t *testing.T) {
	bus := newFakeBus()
	r := New(Config{ID: "a", ReadyTimeout: 2 * time.Second}, bus)
	defer r.Stop()

	errc := make(chan error, 1)
	go func() { errc <- r.Publish(context.Background(), "stats", "early") }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Start(context.Background()))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not complete after start")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published, 1)
}

func TestRelay_ConnectFailureIsTerminal(t *testing.T) {
	bus := newFakeBus()
	bus.connectErr = errors.New("refused")
	r := New(Config{ID: "a", ReadyTimeout: time.Second}, bus)

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "refused")

	select {
	case <-r.Done():
	default:
		t.Fatal("relay must be done after a failed start")
	}
	assert.Error(t, r.Err())
	assert.ErrorIs(t, r.Start(context.Background()), ErrStopped)
	assert.Error(t, r.Publish(context.Background(), "stats", "x"))
}

func TestRelay_ConnectionLost(t *testing.T) {
	r, bus := startedRelay(t, "stats")
	bus.lost <- errors.New("EOF")

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("connection loss not surfaced")
	}
	assert.ErrorIs(t, r.Err(), ErrConnectionLost)
	assert.False(t, r.Running())
}

func TestRelay_StopEndsReads(t *testing.T) {
	bus := newFakeBus()
	r := New(Config{ID: "a", Topics: []string{"stats"}}, bus)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Publish(context.Background(), "stats", "x"))

	r.Stop()

	m, err := r.GetMessage("stats")
	require.NoError(t, err)
	assert.Nil(t, m, "a stopped relay yields nothing")
	assert.NoError(t, r.Err())
	assert.False(t, bus.connected)
	assert.ErrorIs(t, r.Publish(context.Background(), "stats", "y"), ErrStopped)
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2023, 12, 31, 23, 59, 58, 999*int(time.Millisecond), time.Local)

	s := FormatTimestamp(ts)
	assert.Equal(t, "2023-12-31-23_59_58_999", s)

	back, err := ParseTimestamp(s)
	require.NoError(t, err)
	assert.True(t, ts.Equal(back))

	_, err = ParseTimestamp("yesterday")
	assert.Error(t, err)
}
