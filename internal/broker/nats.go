package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/logger"
)

// NATSBroker backs Broker with a persistent NATS JetStream deployment:
// streams for channels and the work queue, KV buckets for presence
// records and dead-letter entries.
type NATSBroker struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
}

// Connect dials the configured NATS server and obtains a JetStream
// context, installing the same connection-lifecycle logging the rest
// of this codebase uses for its other external dependencies.
func Connect(cfg config.BrokerConfig, log *logger.Logger) (*NATSBroker, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("broker disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("broker connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}

	log.Info("connected to broker", zap.String("url", cfg.URL))
	return &NATSBroker{conn: conn, js: js, logger: log}, nil
}

func (b *NATSBroker) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	retention := jetstream.LimitsPolicy
	if cfg.Retention == RetentionWorkQueue {
		retention = jetstream.WorkQueuePolicy
	}
	jsCfg := jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: retention,
	}
	_, err := b.js.CreateOrUpdateStream(ctx, jsCfg)
	if err != nil {
		return fmt.Errorf("ensuring stream %s: %w", cfg.Name, err)
	}
	return nil
}

func (b *NATSBroker) StreamInfo(ctx context.Context, name string) (*StreamInfo, error) {
	stream, err := b.js.Stream(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("looking up stream %s: %w", name, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching info for stream %s: %w", name, err)
	}
	return &StreamInfo{
		Name:     name,
		Messages: info.State.Msgs,
		Bytes:    info.State.Bytes,
		FirstSeq: info.State.FirstSeq,
		LastSeq:  info.State.LastSeq,
	}, nil
}

func (b *NATSBroker) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	ack, err := b.js.Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return ack.Sequence, nil
}

func (b *NATSBroker) GetMessage(ctx context.Context, streamName string, seq uint64) (*RawMessage, error) {
	stream, err := b.js.Stream(ctx, streamName)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("looking up stream %s: %w", streamName, err)
	}

	raw, err := stream.GetMsg(ctx, seq)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("getting message %d from %s: %w", seq, streamName, err)
	}
	return &RawMessage{Seq: raw.Sequence, Subject: raw.Subject, Data: raw.Data}, nil
}

func (b *NATSBroker) PullConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (Consumer, error) {
	stream, err := b.js.Stream(ctx, streamName)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("looking up stream %s: %w", streamName, err)
	}

	deliverPolicy := jetstream.DeliverAllPolicy
	if cfg.DeliverPolicy == DeliverNew {
		deliverPolicy = jetstream.DeliverNewPolicy
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliverPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer %s on %s: %w", cfg.Durable, streamName, err)
	}

	return &natsConsumer{consumer: consumer}, nil
}

func (b *NATSBroker) DeleteConsumer(ctx context.Context, streamName, durable string) error {
	if err := b.js.DeleteConsumer(ctx, streamName, durable); err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return ErrConsumerNotFound
		}
		return fmt.Errorf("deleting consumer %s on %s: %w", durable, streamName, err)
	}
	return nil
}

type natsConsumer struct {
	consumer jetstream.Consumer
}

func (c *natsConsumer) Fetch(ctx context.Context, n int, timeout time.Duration) ([]Message, error) {
	batch, err := c.consumer.Fetch(n, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	var out []Message
	for msg := range batch.Messages() {
		out = append(out, &natsMessage{msg: msg})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return out, fmt.Errorf("fetch batch error: %w", err)
	}
	return out, nil
}

type natsMessage struct {
	msg jetstream.Msg
}

func (m *natsMessage) Subject() string { return m.msg.Subject() }
func (m *natsMessage) Data() []byte    { return m.msg.Data() }

func (m *natsMessage) Deliveries() uint64 {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}

func (m *natsMessage) Ack() error { return m.msg.Ack() }
func (m *natsMessage) Nak() error { return m.msg.Nak() }

func (b *NATSBroker) EnsureKVBucket(ctx context.Context, bucket string) error {
	return b.EnsureKVBucketTTL(ctx, bucket, 0)
}

func (b *NATSBroker) EnsureKVBucketTTL(ctx context.Context, bucket string, ttl time.Duration) error {
	_, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, TTL: ttl})
	if err != nil {
		return fmt.Errorf("ensuring kv bucket %s: %w", bucket, err)
	}
	return nil
}

func (b *NATSBroker) kv(ctx context.Context, bucket string) (jetstream.KeyValue, error) {
	kv, err := b.js.KeyValue(ctx, bucket)
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, ErrBucketNotFound
		}
		return nil, fmt.Errorf("looking up kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func (b *NATSBroker) KVGet(ctx context.Context, bucket, key string) (*KVEntry, error) {
	kv, err := b.kv(ctx, bucket)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("getting key %s from %s: %w", key, bucket, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (b *NATSBroker) KVPut(ctx context.Context, bucket, key string, value []byte) (uint64, error) {
	kv, err := b.kv(ctx, bucket)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("putting key %s in %s: %w", key, bucket, err)
	}
	return rev, nil
}

func (b *NATSBroker) KVUpdate(ctx context.Context, bucket, key string, value []byte, expectedRevision uint64) (uint64, error) {
	kv, err := b.kv(ctx, bucket)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Update(ctx, key, value, expectedRevision)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("updating key %s in %s: %w", key, bucket, err)
	}
	return rev, nil
}

func (b *NATSBroker) KVDelete(ctx context.Context, bucket, key string) error {
	kv, err := b.kv(ctx, bucket)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting key %s from %s: %w", key, bucket, err)
	}
	return nil
}

func (b *NATSBroker) KVKeys(ctx context.Context, bucket string) ([]string, error) {
	kv, err := b.kv(ctx, bucket)
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing keys in %s: %w", bucket, err)
	}
	return keys, nil
}

func (b *NATSBroker) Close() error {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining broker connection", zap.Error(err))
			b.conn.Close()
		}
	}
	return nil
}
