package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaReader is the subset of *kafka.Reader the source uses.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSourceConfig holds configuration for a consumer-group Kafka source.
type KafkaSourceConfig struct {
	Brokers []string
	GroupID string
	// Topics are the sub-topics of one domain, e.g. customer.created and
	// customer.updated. They are consumed as one group.
	Topics   []string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
	// StartOffset applies when the group has no committed offset:
	// kafka.FirstOffset or kafka.LastOffset.
	StartOffset int64
	// CommitTimeout bounds a single offset commit.
	CommitTimeout time.Duration
	// BufferSize is the capacity of the deliveries channel.
	BufferSize int
}

// NewKafkaSourceDefaults provides a config with sensible defaults.
func NewKafkaSourceDefaults(brokers []string, groupID string, topics ...string) *KafkaSourceConfig {
	return &KafkaSourceConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		MinBytes:      1e3,
		MaxBytes:      10e6,
		MaxWait:       500 * time.Millisecond,
		StartOffset:   kafka.FirstOffset,
		CommitTimeout: 10 * time.Second,
		BufferSize:    100,
	}
}

// KafkaSource reads a domain's topics with a consumer group and commits
// offsets only when deliveries are acknowledged. Because handlers complete
// out of order, commits follow the highest contiguous acked offset of each
// partition and never move backwards.
type KafkaSource struct {
	cfg     KafkaSourceConfig
	reader  KafkaReader
	tracker *offsetTracker
	logger  zerolog.Logger

	deliveries chan types.Delivery
	doneChan   chan struct{}
	cancel     context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
	closeOnce  sync.Once

	commitMu  sync.Mutex
	committed map[topicPartition]int64
}

// NewKafkaSource creates a source backed by a kafka-go consumer-group reader.
func NewKafkaSource(cfg *KafkaSourceConfig, logger zerolog.Logger) (*KafkaSource, error) {
	if cfg == nil {
		return nil, errors.New("kafka source config cannot be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one kafka topic is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: cfg.StartOffset,
		// Zero keeps commits synchronous so an ack is durable when it returns.
		CommitInterval: 0,
	})
	return NewKafkaSourceWithReader(cfg, reader, logger)
}

// NewKafkaSourceWithReader creates a source on an existing reader.
func NewKafkaSourceWithReader(cfg *KafkaSourceConfig, reader KafkaReader, logger zerolog.Logger) (*KafkaSource, error) {
	if cfg == nil {
		return nil, errors.New("kafka source config cannot be nil")
	}
	if reader == nil {
		return nil, errors.New("kafka reader cannot be nil")
	}
	c := *cfg
	if c.BufferSize < 0 {
		c.BufferSize = 0
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 10 * time.Second
	}
	return &KafkaSource{
		cfg:        c,
		reader:     reader,
		tracker:    newOffsetTracker(),
		logger:     logger.With().Str("component", "KafkaSource").Str("group_id", c.GroupID).Strs("topics", c.Topics).Logger(),
		deliveries: make(chan types.Delivery, c.BufferSize),
		doneChan:   make(chan struct{}),
		committed:  make(map[topicPartition]int64),
	}, nil
}

// Deliveries implements EventSource.
func (s *KafkaSource) Deliveries() <-chan types.Delivery { return s.deliveries }

// Done implements EventSource.
func (s *KafkaSource) Done() <-chan struct{} { return s.doneChan }

// Start launches the fetch loop.
func (s *KafkaSource) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() {
		started = true
		fetchCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.logger.Info().Msg("Starting Kafka fetch loop...")
		go s.fetchLoop(fetchCtx)
	})
	if !started {
		return errors.New("kafka source already started")
	}
	return nil
}

func (s *KafkaSource) fetchLoop(ctx context.Context) {
	defer close(s.doneChan)
	defer close(s.deliveries)
	defer s.logger.Info().Msg("Kafka fetch loop stopped.")

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, io.EOF) {
				// kafka-go reports a closed reader as io.EOF.
				return
			}
			s.logger.Error().Err(err).Msg("Kafka fetch failed, retrying.")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		tp := topicPartition{topic: msg.Topic, partition: msg.Partition}
		s.tracker.track(tp, msg.Offset)

		env, raw := decodeRecord(msg.Value, headerMap(msg.Headers), "ce_")
		delivery := types.Delivery{
			Envelope:    env,
			Coordinates: types.Coordinates{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset},
			Raw:         raw,
			Ack:         s.ackFunc(tp, msg.Offset),
		}

		select {
		case s.deliveries <- delivery:
		case <-ctx.Done():
			// Not acked and not committed: the group redelivers it.
			s.logger.Warn().Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).
				Msg("Source stopping, dropping fetched record without commit.")
			return
		}
	}
}

func (s *KafkaSource) ackFunc(tp topicPartition, offset int64) func() {
	return func() {
		commitOffset, ok := s.tracker.ack(tp, offset)
		if !ok {
			return
		}
		s.commit(tp, commitOffset)
	}
}

// commit is serialized so that two acks advancing the same partition cannot
// commit out of order.
func (s *KafkaSource) commit(tp topicPartition, offset int64) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if last, ok := s.committed[tp]; ok && offset <= last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommitTimeout)
	defer cancel()
	// kafka-go commits msg.Offset+1, the next offset to read.
	err := s.reader.CommitMessages(ctx, kafka.Message{Topic: tp.topic, Partition: tp.partition, Offset: offset})
	if err != nil {
		s.logger.Error().Err(err).Str("topic", tp.topic).Int("partition", tp.partition).Int64("offset", offset).
			Msg("Failed to commit offset; records after the last commit will be redelivered.")
		return
	}
	s.committed[tp] = offset
}

// CommittedOffset returns the last offset committed for a partition.
func (s *KafkaSource) CommittedOffset(topic string, partition int) (int64, bool) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	off, ok := s.committed[topicPartition{topic: topic, partition: partition}]
	return off, ok
}

// Stop ends the fetch loop. Acks of deliveries already handed out keep
// committing until Close.
func (s *KafkaSource) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping Kafka source...")
		if s.cancel != nil {
			s.cancel()
		}
	})
	if s.cancel == nil {
		return nil
	}
	select {
	case <-s.doneChan:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for kafka fetch loop: %w", ctx.Err())
	}
}

// Close releases the reader and leaves the consumer group.
func (s *KafkaSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info().Msg("Closing Kafka reader.")
		err = s.reader.Close()
	})
	return err
}

func headerMap(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}
