package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka implements Publisher and Subscriber on a single Kafka topic.
// Subscribers do not join a consumer group: every process reads every
// partition, starting at the end offsets resolved when it subscribes.
type Kafka struct {
	brokers  []string
	topic    string
	producer *kgo.Client
}

// NewKafka connects the producer client.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &Kafka{brokers: brokers, topic: topic, producer: producer}, nil
}

// EnsureTopic creates the topic when it does not exist yet.
func (k *Kafka) EnsureTopic(ctx context.Context, partitions int32, replicationFactor int16) error {
	adm := kadm.NewClient(k.producer)
	resp, err := adm.CreateTopic(ctx, partitions, replicationFactor, nil, k.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", k.topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", k.topic, resp.Err)
	}
	return nil
}

func (k *Kafka) Publish(ctx context.Context, key string, data []byte) error {
	record := &kgo.Record{Key: []byte(key), Value: data}
	if err := k.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func (k *Kafka) Ping(ctx context.Context) error {
	if err := k.producer.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}

// Subscribe pins every partition at its current end offset before it
// returns, so anything published afterwards, including by this process,
// is delivered. Partitions added to the topic later are not followed.
func (k *Kafka) Subscribe(ctx context.Context) (Subscription, error) {
	offsets, err := k.endOffsets(ctx)
	if err != nil {
		return nil, err
	}
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(k.brokers...),
		kgo.ConsumePartitions(offsets),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	if err := consumer.Ping(ctx); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("kafka consumer ping: %w", err)
	}
	return &kafkaSubscription{client: consumer}, nil
}

// endOffsets lists the high watermark of every partition of the topic.
func (k *Kafka) endOffsets(ctx context.Context) (map[string]map[int32]kgo.Offset, error) {
	// kadm.Client.Close would close the shared producer, so it is not called.
	adm := kadm.NewClient(k.producer)
	listed, err := adm.ListEndOffsets(ctx, k.topic)
	if err != nil {
		return nil, fmt.Errorf("list end offsets %s: %w", k.topic, err)
	}
	if err := listed.Error(); err != nil {
		return nil, fmt.Errorf("list end offsets %s: %w", k.topic, err)
	}
	partitions := make(map[int32]kgo.Offset)
	listed.Each(func(o kadm.ListedOffset) {
		partitions[o.Partition] = kgo.NewOffset().At(o.Offset)
	})
	if len(partitions) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", k.topic)
	}
	return map[string]map[int32]kgo.Offset{k.topic: partitions}, nil
}

func (k *Kafka) Close() error {
	k.producer.Close()
	return nil
}

type kafkaSubscription struct {
	client  *kgo.Client
	pending [][]byte
	once    sync.Once
}

func (s *kafkaSubscription) Receive(ctx context.Context) ([]byte, error) {
	for len(s.pending) == 0 {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return nil, fmt.Errorf("kafka fetch %s[%d]: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
		}
		fetches.EachRecord(func(r *kgo.Record) {
			s.pending = append(s.pending, r.Value)
		})
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, nil
}

func (s *kafkaSubscription) Close() error {
	s.once.Do(s.client.Close)
	return nil
}
