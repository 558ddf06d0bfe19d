package relay

import "sync/atomic"

// DefaultQueueSize bounds every topic queue.
const DefaultQueueSize = 1024

// QueueStats tracks one topic queue.
type QueueStats struct {
	Received uint64
	Dropped  uint64
	Cleaned  uint64
	Depth    int
}

// topicQueue is a bounded FIFO with one writer (the bus handler) and one
// reader (the caller). When full, the oldest entry is evicted.
type topicQueue struct {
	topic string
	ch    chan Message

	received uint64
	dropped  uint64
	cleaned  uint64
}

func newTopicQueue(topic string, size int) *topicQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &topicQueue{topic: topic, ch: make(chan Message, size)}
}

// put enqueues m without blocking. Returns false if an older message had
// to be evicted.
func (q *topicQueue) put(m Message) bool {
	atomic.AddUint64(&q.received, 1)
	evicted := false
	for {
		select {
		case q.ch <- m:
			return !evicted
		default:
		}
		select {
		case <-q.ch:
			evicted = true
			atomic.AddUint64(&q.dropped, 1)
		default:
		}
	}
}

// get pops the oldest message without blocking.
func (q *topicQueue) get() (Message, bool) {
	select {
	case m := <-q.ch:
		return m, true
	default:
		return Message{}, false
	}
}

// clean discards everything currently queued.
func (q *topicQueue) clean() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			atomic.AddUint64(&q.cleaned, uint64(n))
			return n
		}
	}
}

func (q *topicQueue) stats() QueueStats {
	return QueueStats{
		Received: atomic.LoadUint64(&q.received),
		Dropped:  atomic.LoadUint64(&q.dropped),
		Cleaned:  atomic.LoadUint64(&q.cleaned),
		Depth:    len(q.ch),
	}
}
