package fake

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndFetchRoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.EnsureStream(ctx, broker.StreamConfig{Name: "S", Subjects: []string{"s.1"}}))

	seq, err := b.Publish(ctx, "s.1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	consumer, err := b.PullConsumer(ctx, "S", broker.ConsumerConfig{Durable: "d1", DeliverPolicy: broker.DeliverAll, MaxDeliver: 3, AckWait: time.Second})
	require.NoError(t, err)

	msgs, err := consumer.Fetch(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", string(msgs[0].Data()))
	require.NoError(t, msgs[0].Ack())
}

func TestDeliverNewSkipsBacklog(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.EnsureStream(ctx, broker.StreamConfig{Name: "S", Subjects: []string{"s.1"}}))
	_, err := b.Publish(ctx, "s.1", []byte("old"))
	require.NoError(t, err)

	consumer, err := b.PullConsumer(ctx, "S", broker.ConsumerConfig{Durable: "d1", DeliverPolicy: broker.DeliverNew, MaxDeliver: 3, AckWait: time.Second})
	require.NoError(t, err)

	msgs, err := consumer.Fetch(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = b.Publish(ctx, "s.1", []byte("new"))
	require.NoError(t, err)
	msgs, err = consumer.Fetch(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", string(msgs[0].Data()))
}

func TestNakRedeliversUntilMaxDeliver(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.EnsureStream(ctx, broker.StreamConfig{Name: "S", Subjects: []string{"s.1"}}))
	_, err := b.Publish(ctx, "s.1", []byte("x"))
	require.NoError(t, err)

	consumer, err := b.PullConsumer(ctx, "S", broker.ConsumerConfig{Durable: "d1", DeliverPolicy: broker.DeliverAll, MaxDeliver: 2, AckWait: time.Second})
	require.NoError(t, err)

	msgs, err := consumer.Fetch(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, msgs[0].Nak())

	msgs, err = consumer.Fetch(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(2), msgs[0].Deliveries())
	require.NoError(t, msgs[0].Nak())

	msgs, err = consumer.Fetch(ctx, 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs, "message should be dropped after exceeding MaxDeliver")
}

func TestAckWaitExpiryTriggersRedeliveryThenDropsAfterMaxDeliver(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.EnsureStream(ctx, broker.StreamConfig{Name: "S", Subjects: []string{"s.1"}}))
	_, err := b.Publish(ctx, "s.1", []byte("x"))
	require.NoError(t, err)

	consumer, err := b.PullConsumer(ctx, "S", broker.ConsumerConfig{
		Durable: "d1", DeliverPolicy: broker.DeliverAll, MaxDeliver: 2, AckWait: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	msgs, err := consumer.Fetch(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(1), msgs[0].Deliveries())
	// Never ack or nak: simulate a claimant that disappears.

	time.Sleep(30 * time.Millisecond)
	msgs, err = consumer.Fetch(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "message should be auto-redelivered after ack_wait elapses")
	assert.Equal(t, uint64(2), msgs[0].Deliveries())

	time.Sleep(30 * time.Millisecond)
	msgs, err = consumer.Fetch(ctx, 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs, "message should not redeliver past max_deliver")
}

func TestKVCompareAndSet(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.EnsureKVBucket(ctx, "bucket"))

	rev, err := b.KVPut(ctx, "bucket", "k1", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	_, err = b.KVUpdate(ctx, "bucket", "k1", []byte("v2"), 99)
	assert.ErrorIs(t, err, broker.ErrRevisionMismatch)

	rev2, err := b.KVUpdate(ctx, "bucket", "k1", []byte("v2"), rev)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev2)

	entry, err := b.KVGet(ctx, "bucket", "k1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(entry.Value))
}

func TestKVGetMissingKey(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.EnsureKVBucket(ctx, "bucket"))
	_, err := b.KVGet(ctx, "bucket", "missing")
	assert.ErrorIs(t, err, broker.ErrKeyNotFound)
}

func TestPublishToUnknownSubjectFails(t *testing.T) {
	b := New()
	_, err := b.Publish(context.Background(), "nowhere", []byte("x"))
	assert.ErrorIs(t, err, broker.ErrStreamNotFound)
}
