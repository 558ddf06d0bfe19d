// Package relay moves stats, actions and decision traces between the media
// sender and the decision process over a publish/subscribe bus.
//
// Every subscribed topic gets its own bounded FIFO queue. Queues for declared
// topics exist before the first message can arrive; topics seen only at
// runtime get a queue on first delivery. Ordering holds per topic, never
// across topics.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/birkandenizer/gstwebrtcapp/internal/metrics"
)

var (
	// ErrNotReady is returned when the bus connection is not confirmed
	// within the ready timeout.
	ErrNotReady = errors.New("relay: bus not ready")
	// ErrUnknownTopic is returned when reading a topic the relay has no
	// queue for.
	ErrUnknownTopic = errors.New("relay: unknown topic")
	// ErrStopped is returned by operations on a stopped relay.
	ErrStopped = errors.New("relay: stopped")
	// ErrConnectionLost is reported by Err after the bus dropped.
	ErrConnectionLost = errors.New("relay: connection lost")
)

// DefaultReadyTimeout bounds how long Publish and Subscribe wait for Start.
const DefaultReadyTimeout = 10 * time.Second

// Bus is the publish/subscribe client the relay runs on. Its network loop
// runs on its own goroutine and calls handlers from there.
type Bus interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Disconnect()
	// Lost delivers the error that ended the connection.
	Lost() <-chan error
}

// Config configures a Relay.
type Config struct {
	// ID is the instance name; the publisher identity is ID plus a random suffix.
	ID string
	// Topics are subscribed on Start.
	Topics       []string
	ReadyTimeout time.Duration
	QueueSize    int
}

// Relay is one bus connection with its topic queues.
type Relay struct {
	cfg Config
	id  string
	bus Bus
	now func() time.Time

	mu     sync.RWMutex
	queues map[string]*topicQueue
	subbed map[string]bool

	running   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// New creates a relay and the queues for cfg.Topics. Nothing touches the
// bus until Start.
func New(cfg Config, bus Bus) *Relay {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	r := &Relay{
		cfg:    cfg,
		id:     newPublisherID(cfg.ID),
		bus:    bus,
		now:    time.Now,
		queues: make(map[string]*topicQueue),
		subbed: make(map[string]bool),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, topic := range cfg.Topics {
		r.queueFor(topic)
	}
	return r
}

func newPublisherID(base string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if base == "" {
		return suffix
	}
	return base + "_" + suffix
}

// ID returns the publisher identity stamped on outgoing envelopes.
func (r *Relay) ID() string {
	return r.id
}

// Start connects the bus, subscribes the declared topics and marks the
// relay ready. A failure here is terminal for this relay.
func (r *Relay) Start(ctx context.Context) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}

	slog.Info("relay starting", "id", r.id, "topics", r.cfg.Topics)

	if err := r.bus.Connect(ctx); err != nil {
		r.fail(err)
		return fmt.Errorf("relay: connect: %w", err)
	}

	for _, topic := range r.cfg.Topics {
		if err := r.subscribe(topic); err != nil {
			r.bus.Disconnect()
			r.fail(err)
			return err
		}
	}

	r.running.Store(true)
	r.readyOnce.Do(func() { close(r.ready) })
	go r.watch()

	slog.Info("relay ready", "id", r.id)
	return nil
}

func (r *Relay) watch() {
	select {
	case err, ok := <-r.bus.Lost():
		if !ok {
			return
		}
		if err == nil {
			err = ErrConnectionLost
		}
		slog.Error("relay connection lost", "id", r.id, "error", err)
		r.running.Store(false)
		r.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	case <-r.done:
	}
}

// Stop tears down the bus connection. Subsequent reads return nothing.
func (r *Relay) Stop() {
	if !r.running.Swap(false) {
		r.fail(nil)
		return
	}
	r.bus.Disconnect()
	r.fail(nil)
	slog.Info("relay stopped", "id", r.id)
}

func (r *Relay) fail(err error) {
	r.doneOnce.Do(func() {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		r.running.Store(false)
		close(r.done)
	})
}

// Done is closed once the relay stops or loses its connection.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that ended the relay, nil after a clean Stop.
func (r *Relay) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Running reports whether the relay is started and connected.
func (r *Relay) Running() bool {
	return r.running.Load()
}

func (r *Relay) waitReady(ctx context.Context) error {
	select {
	case <-r.done:
		if err := r.Err(); err != nil {
			return err
		}
		return ErrStopped
	default:
	}

	timer := time.NewTimer(r.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-r.ready:
		if !r.running.Load() {
			return ErrStopped
		}
		return nil
	case <-r.done:
		return ErrStopped
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrNotReady, r.cfg.ReadyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish wraps msg in an envelope and hands it to the bus. It waits up to
// the ready timeout for the connection, not for delivery.
func (r *Relay) Publish(ctx context.Context, topic, msg string) error {
	if err := r.waitReady(ctx); err != nil {
		slog.Error("relay publish failed", "topic", topic, "error", err)
		return err
	}

	payload, err := encodeEnvelope(Message{
		Timestamp: FormatTimestamp(r.now()),
		ID:        r.id,
		Msg:       msg,
	})
	if err != nil {
		return err
	}
	if err := r.bus.Publish(topic, payload); err != nil {
		return fmt.Errorf("relay: publish %s: %w", topic, err)
	}

	metrics.MessagePublished(topic)
	slog.Debug("relay published", "topic", topic, "size", len(payload))
	return nil
}

// Subscribe adds a topic after Start.
func (r *Relay) Subscribe(ctx context.Context, topic string) error {
	if err := r.waitReady(ctx); err != nil {
		return err
	}
	return r.subscribe(topic)
}

func (r *Relay) subscribe(topic string) error {
	r.queueFor(topic)

	r.mu.Lock()
	if r.subbed[topic] {
		r.mu.Unlock()
		return nil
	}
	r.subbed[topic] = true
	r.mu.Unlock()

	if err := r.bus.Subscribe(topic, r.handle); err != nil {
		r.mu.Lock()
		delete(r.subbed, topic)
		r.mu.Unlock()
		return fmt.Errorf("relay: subscribe %s: %w", topic, err)
	}
	slog.Info("relay subscribed", "topic", topic)
	return nil
}

// queueFor is the single insertion point for topic queues.
func (r *Relay) queueFor(topic string) *topicQueue {
	r.mu.RLock()
	q, ok := r.queues[topic]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[topic]; ok {
		return q
	}
	q = newTopicQueue(topic, r.cfg.QueueSize)
	r.queues[topic] = q
	return q
}

func (r *Relay) lookup(topic string) (*topicQueue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return q, nil
}

// handle runs on the bus goroutine.
func (r *Relay) handle(topic string, payload []byte) {
	m, err := decodeEnvelope(topic, payload)
	if err != nil {
		metrics.MessageMalformed(topic)
		slog.Warn("relay dropped malformed message", "topic", topic, "size", len(payload), "error", err)
		return
	}

	if !r.queueFor(topic).put(m) {
		metrics.MessageDropped(topic)
		slog.Warn("relay queue full, evicted oldest message", "topic", topic)
	}
	metrics.MessageReceived(topic)
}

// GetMessage pops the oldest message of topic without blocking. It returns
// nil when the queue is empty or the relay is not running.
func (r *Relay) GetMessage(topic string) (*Message, error) {
	q, err := r.lookup(topic)
	if err != nil {
		return nil, err
	}
	if !r.running.Load() {
		return nil, nil
	}
	m, ok := q.get()
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// CleanQueue discards everything queued for topic and returns how many
// messages were dropped.
func (r *Relay) CleanQueue(topic string) (int, error) {
	q, err := r.lookup(topic)
	if err != nil {
		return 0, err
	}
	n := q.clean()
	metrics.MessagesCleaned(topic, n)
	if n > 0 {
		slog.Debug("relay cleaned queue", "topic", topic, "discarded", n)
	}
	return n, nil
}

// QueueStats returns the counters of topic's queue.
func (r *Relay) QueueStats(topic string) (QueueStats, error) {
	q, err := r.lookup(topic)
	if err != nil {
		return QueueStats{}, err
	}
	return q.stats(), nil
}
