// Package fake provides an in-memory broker.Broker used by every other
// component's unit tests, so tests exercise real publish/consume/KV
// semantics (acking, redelivery, compare-and-set) without a live NATS
// JetStream deployment.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/broker"
)

// Broker is an in-memory implementation of broker.Broker. It is safe
// for concurrent use.
type Broker struct {
	mu        sync.Mutex
	streams   map[string]*stream
	subjectOf map[string]string // subject -> owning stream name
	buckets   map[string]map[string]*entry
	bucketTTL map[string]time.Duration
	closed    bool
}

type entry struct {
	value     []byte
	revision  uint64
	createdAt time.Time
}

type stored struct {
	subject    string
	seq        uint64
	data       []byte
	deliveries map[string]uint64 // durable -> delivery count for current in-flight delivery
}

type stream struct {
	cfg      broker.StreamConfig
	messages []*stored
	nextSeq  uint64
	// consumers tracks, per durable name, the index of the next
	// message in `messages` that consumer hasn't yet delivered, plus
	// its config.
	consumers map[string]*consumerState
}

type consumerState struct {
	cfg      broker.ConsumerConfig
	nextIdx  int
	inFlight map[uint64]*inFlightDelivery // seq -> message currently out for ack/nak
	pending  []*stored                    // reclaimed-on-timeout messages awaiting redelivery
}

type inFlightDelivery struct {
	msg         *stored
	deliveredAt time.Time
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		streams:   make(map[string]*stream),
		subjectOf: make(map[string]string),
		buckets:   make(map[string]map[string]*entry),
		bucketTTL: make(map[string]time.Duration),
	}
}

// expire drops entries older than the bucket's configured TTL. Callers
// must hold b.mu.
func (b *Broker) expire(bucketName string) {
	ttl := b.bucketTTL[bucketName]
	if ttl <= 0 {
		return
	}
	bkt, ok := b.buckets[bucketName]
	if !ok {
		return
	}
	now := time.Now()
	for k, e := range bkt {
		if now.Sub(e.createdAt) > ttl {
			delete(bkt, k)
		}
	}
}

func (b *Broker) EnsureStream(ctx context.Context, cfg broker.StreamConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[cfg.Name]; ok {
		s.cfg = cfg
		for _, subj := range cfg.Subjects {
			b.subjectOf[subj] = cfg.Name
		}
		return nil
	}

	b.streams[cfg.Name] = &stream{
		cfg:       cfg,
		consumers: make(map[string]*consumerState),
	}
	for _, subj := range cfg.Subjects {
		b.subjectOf[subj] = cfg.Name
	}
	return nil
}

func (b *Broker) StreamInfo(ctx context.Context, name string) (*broker.StreamInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[name]
	if !ok {
		return nil, broker.ErrStreamNotFound
	}

	info := &broker.StreamInfo{Name: name, Messages: uint64(len(s.messages))}
	var bytes uint64
	for i, m := range s.messages {
		bytes += uint64(len(m.data))
		if i == 0 {
			info.FirstSeq = m.seq
		}
		info.LastSeq = m.seq
	}
	info.Bytes = bytes
	return info, nil
}

func (b *Broker) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	streamName, ok := b.subjectOf[subject]
	if !ok {
		return 0, broker.ErrStreamNotFound
	}
	s := b.streams[streamName]
	s.nextSeq++
	msg := &stored{subject: subject, seq: s.nextSeq, data: append([]byte(nil), data...)}
	s.messages = append(s.messages, msg)
	return msg.seq, nil
}

func (b *Broker) GetMessage(ctx context.Context, streamName string, seq uint64) (*broker.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return nil, broker.ErrStreamNotFound
	}
	for _, m := range s.messages {
		if m.seq == seq {
			return &broker.RawMessage{Seq: m.seq, Subject: m.subject, Data: append([]byte(nil), m.data...)}, nil
		}
	}
	return nil, broker.ErrMessageNotFound
}

func (b *Broker) PullConsumer(ctx context.Context, streamName string, cfg broker.ConsumerConfig) (broker.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return nil, broker.ErrStreamNotFound
	}

	cs, exists := s.consumers[cfg.Durable]
	if !exists {
		cs = &consumerState{cfg: cfg, inFlight: make(map[uint64]*inFlightDelivery)}
		if cfg.DeliverPolicy == broker.DeliverNew {
			cs.nextIdx = len(s.messages)
		}
		s.consumers[cfg.Durable] = cs
	}

	return &consumer{broker: b, streamName: streamName, durable: cfg.Durable}, nil
}

func (b *Broker) DeleteConsumer(ctx context.Context, streamName, durable string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return broker.ErrStreamNotFound
	}
	if _, ok := s.consumers[durable]; !ok {
		return broker.ErrConsumerNotFound
	}
	delete(s.consumers, durable)
	return nil
}

type consumer struct {
	broker     *Broker
	streamName string
	durable    string
}

func (c *consumer) Fetch(ctx context.Context, n int, timeout time.Duration) ([]broker.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msgs := c.fetchAvailable(n)
		if len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *consumer) fetchAvailable(n int) []broker.Message {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[c.streamName]
	if !ok {
		return nil
	}
	cs, ok := s.consumers[c.durable]
	if !ok {
		return nil
	}

	reclaimExpired(cs)

	deliver := func(m *stored) broker.Message {
		if m.deliveries == nil {
			m.deliveries = make(map[string]uint64)
		}
		m.deliveries[c.durable]++
		cs.inFlight[m.seq] = &inFlightDelivery{msg: m, deliveredAt: time.Now()}
		return &message{broker: b, streamName: c.streamName, durable: c.durable, msg: m}
	}

	var out []broker.Message
	for len(out) < n && len(cs.pending) > 0 {
		m := cs.pending[0]
		cs.pending = cs.pending[1:]
		out = append(out, deliver(m))
	}
	for len(out) < n && cs.nextIdx < len(s.messages) {
		m := s.messages[cs.nextIdx]
		cs.nextIdx++
		if cs.cfg.FilterSubject != "" && m.subject != cs.cfg.FilterSubject {
			continue
		}
		out = append(out, deliver(m))
	}
	return out
}

// reclaimExpired moves in-flight deliveries whose AckWait has elapsed
// back onto the consumer's pending queue for redelivery, dropping any
// that have already exhausted MaxDeliver (mirroring real JetStream: a
// message that hits MaxDeliver without being acked is never delivered
// again). Callers must hold b.mu.
func reclaimExpired(cs *consumerState) {
	if cs.cfg.AckWait <= 0 {
		return
	}
	now := time.Now()
	for seq, fl := range cs.inFlight {
		if now.Sub(fl.deliveredAt) < cs.cfg.AckWait {
			continue
		}
		delete(cs.inFlight, seq)
		if cs.cfg.MaxDeliver > 0 && int(fl.msg.deliveries[cs.cfg.Durable]) >= cs.cfg.MaxDeliver {
			continue
		}
		cs.pending = append(cs.pending, fl.msg)
	}
}

// requeue puts a nak'd message at the back of the consumer's pending
// queue (which is served before undelivered messages), unless it has
// exhausted MaxDeliver.
func (b *Broker) requeue(streamName, durable string, seq uint64) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return true
	}
	cs, ok := s.consumers[durable]
	if !ok {
		return true
	}
	fl, ok := cs.inFlight[seq]
	if !ok {
		return true
	}
	delete(cs.inFlight, seq)

	if cs.cfg.MaxDeliver > 0 && int(fl.msg.deliveries[durable]) >= cs.cfg.MaxDeliver {
		return true
	}

	cs.pending = append(cs.pending, fl.msg)
	return false
}

func (b *Broker) ack(streamName, durable string, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return broker.ErrStreamNotFound
	}
	cs, ok := s.consumers[durable]
	if !ok {
		return broker.ErrConsumerNotFound
	}
	delete(cs.inFlight, seq)

	if s.cfg.Retention == broker.RetentionWorkQueue {
		for i, m := range s.messages {
			if m.seq == seq {
				s.messages = append(s.messages[:i], s.messages[i+1:]...)
				for _, other := range s.consumers {
					if other.nextIdx > i {
						other.nextIdx--
					}
				}
				break
			}
		}
	}
	return nil
}

type message struct {
	broker     *Broker
	streamName string
	durable    string
	msg        *stored
}

func (m *message) Subject() string { return m.msg.subject }
func (m *message) Data() []byte    { return m.msg.data }
func (m *message) Deliveries() uint64 {
	return m.msg.deliveries[m.durable]
}

func (m *message) Ack() error {
	return m.broker.ack(m.streamName, m.durable, m.msg.seq)
}

func (m *message) Nak() error {
	m.broker.requeue(m.streamName, m.durable, m.msg.seq)
	return nil
}

func (b *Broker) EnsureKVBucket(ctx context.Context, bucket string) error {
	return b.EnsureKVBucketTTL(ctx, bucket, 0)
}

func (b *Broker) EnsureKVBucketTTL(ctx context.Context, bucket string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buckets[bucket]; !ok {
		b.buckets[bucket] = make(map[string]*entry)
	}
	b.bucketTTL[bucket] = ttl
	return nil
}

func (b *Broker) KVGet(ctx context.Context, bucketName, key string) (*broker.KVEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire(bucketName)
	bkt, ok := b.buckets[bucketName]
	if !ok {
		return nil, broker.ErrBucketNotFound
	}
	e, ok := bkt[key]
	if !ok {
		return nil, broker.ErrKeyNotFound
	}
	return &broker.KVEntry{Key: key, Value: append([]byte(nil), e.value...), Revision: e.revision}, nil
}

func (b *Broker) KVPut(ctx context.Context, bucketName, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire(bucketName)
	bkt, ok := b.buckets[bucketName]
	if !ok {
		bkt = make(map[string]*entry)
		b.buckets[bucketName] = bkt
	}
	var rev uint64 = 1
	if existing, ok := bkt[key]; ok {
		rev = existing.revision + 1
	}
	bkt[key] = &entry{value: append([]byte(nil), value...), revision: rev, createdAt: time.Now()}
	return rev, nil
}

func (b *Broker) KVUpdate(ctx context.Context, bucketName, key string, value []byte, expectedRevision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire(bucketName)
	bkt, ok := b.buckets[bucketName]
	if !ok {
		return 0, broker.ErrBucketNotFound
	}
	existing, ok := bkt[key]
	if !ok {
		if expectedRevision != 0 {
			return 0, broker.ErrKeyNotFound
		}
		bkt[key] = &entry{value: append([]byte(nil), value...), revision: 1, createdAt: time.Now()}
		return 1, nil
	}
	if existing.revision != expectedRevision {
		return 0, broker.ErrRevisionMismatch
	}
	newRev := existing.revision + 1
	bkt[key] = &entry{value: append([]byte(nil), value...), revision: newRev, createdAt: time.Now()}
	return newRev, nil
}

func (b *Broker) KVDelete(ctx context.Context, bucketName, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bkt, ok := b.buckets[bucketName]
	if !ok {
		return broker.ErrBucketNotFound
	}
	if _, ok := bkt[key]; !ok {
		return broker.ErrKeyNotFound
	}
	delete(bkt, key)
	return nil
}

func (b *Broker) KVKeys(ctx context.Context, bucketName string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expire(bucketName)
	bkt, ok := b.buckets[bucketName]
	if !ok {
		return nil, broker.ErrBucketNotFound
	}
	keys := make([]string, 0, len(bkt))
	for k := range bkt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
