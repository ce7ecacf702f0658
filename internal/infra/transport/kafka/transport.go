// Package kafka implements the transport over a Kafka topic. The topic has
// one partition per rank; a rank receives by consuming its own partition and
// sends by producing to the destination's partition, which preserves order
// between any sender and receiver.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

const (
	headerSource    = "source"
	headerTag       = "tag"
	headerMessageID = "message_id"
)

// Config describes this rank's place in the job.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string

	Rank transport.Rank
	Size int

	// ConnectTimeout bounds the retries while brokers or the topic are not
	// available yet.
	ConnectTimeout time.Duration
}

var _ transport.Transport = (*Transport)(nil)

// Transport is one rank's endpoint on the job topic.
type Transport struct {
	cfg Config

	client   sarama.Client // nil when built from explicit producer and consumer
	producer sarama.SyncProducer
	consumer sarama.Consumer
	pc       sarama.PartitionConsumer

	mailbox *transport.Mailbox
	// sendMu keeps this rank's frames in program order on every partition
	// and guards closed.
	sendMu sync.Mutex
	closed bool
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BrokerMetrics
}

// Connect dials the brokers, sets up the job topic, and starts consuming this
// rank's partition. Rank 0 creates the topic; the other ranks wait for their
// partition and refuse one left over from an earlier job.
func Connect(cfg Config, logger *logger.Logger, tracer trace.Tracer, metrics BrokerMetrics) (*Transport, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Minute
	}

	client, err := ConnectWithRetry(&ClientConfig{Brokers: cfg.Brokers, ClientID: cfg.ClientID}, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	if cfg.Rank == 0 {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("creating cluster admin: %w", err)
		}
		if err := EnsureTopic(admin, cfg.Topic, cfg.Size); err != nil {
			client.Close()
			return nil, err
		}
	} else if err := AwaitFreshPartition(client, cfg.Topic, int32(cfg.Rank), cfg.ConnectTimeout); err != nil {
		client.Close()
		return nil, err
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, fmt.Errorf("creating consumer: %w", err)
	}

	t, err := NewTransport(cfg, producer, consumer, logger, tracer, metrics)
	if err != nil {
		consumer.Close()
		producer.Close()
		client.Close()
		return nil, err
	}
	t.client = client
	return t, nil
}

// NewTransport starts consuming this rank's partition with consumer and
// sends through producer. The partition may not exist yet on ranks other
// than 0, so subscribing is retried until cfg.ConnectTimeout.
func NewTransport(
	cfg Config,
	producer sarama.SyncProducer,
	consumer sarama.Consumer,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics BrokerMetrics,
) (*Transport, error) {
	if err := transport.CheckRank(cfg.Rank, cfg.Size); err != nil {
		return nil, fmt.Errorf("kafka transport: %w", err)
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka transport: topic is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Minute
	}

	t := &Transport{
		cfg:      cfg,
		producer: producer,
		consumer: consumer,
		mailbox:  transport.NewMailbox(),
		done:     make(chan struct{}),
		logger:   logger.With("component", "kafka_transport", "topic", cfg.Topic, "partition", int(cfg.Rank)),
		tracer:   tracer,
		metrics:  metrics,
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = cfg.ConnectTimeout

	operation := func() error {
		pc, err := consumer.ConsumePartition(cfg.Topic, int32(cfg.Rank), sarama.OffsetOldest)
		if err != nil {
			return err
		}
		t.pc = pc
		return nil
	}
	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("consuming partition %d of %s: %w", cfg.Rank, cfg.Topic, err)
	}

	go t.consume()
	return t, nil
}

// Rank returns this endpoint's rank.
func (t *Transport) Rank() transport.Rank { return t.cfg.Rank }

// Size returns the number of ranks in the job.
func (t *Transport) Size() int { return t.cfg.Size }

// Send produces payload to the partition of rank to.
func (t *Transport) Send(ctx context.Context, to transport.Rank, tag transport.Tag, payload []byte) error {
	if err := transport.CheckRank(to, t.cfg.Size); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value := make([]byte, len(payload))
	copy(value, payload)
	msg := &sarama.ProducerMessage{
		Topic:     t.cfg.Topic,
		Partition: int32(to),
		Value:     sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerSource), Value: []byte(strconv.Itoa(int(t.cfg.Rank)))},
			{Key: []byte(headerTag), Value: []byte(strconv.Itoa(int(tag)))},
			{Key: []byte(headerMessageID), Value: []byte(uuid.New().String())},
		},
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}

	ctx, span := startProducerSpan(ctx, t.cfg.Topic, msg.Partition, t.tracer)
	defer span.End()

	if _, _, err := t.producer.SendMessage(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send frame")
		t.metrics.IncPublishError(ctx, t.cfg.Topic)
		return fmt.Errorf("kafka transport: sending to rank %d: %w", to, err)
	}
	t.metrics.IncMessagePublished(ctx, t.cfg.Topic)
	return nil
}

// Recv returns the earliest consumed frame matching from and tag.
func (t *Transport) Recv(ctx context.Context, from transport.Rank, tag transport.Tag) (transport.Message, error) {
	return t.mailbox.Take(ctx, from, tag)
}

func (t *Transport) consume() {
	defer close(t.done)

	msgs, errs := t.pc.Messages(), t.pc.Errors()
	for msgs != nil || errs != nil {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			t.handle(msg)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.metrics.IncConsumeError(context.Background(), t.cfg.Topic)
			t.logger.Error(context.Background(), "partition consumer error", "error", err)
		}
	}
}

func (t *Transport) handle(msg *sarama.ConsumerMessage) {
	ctx, span := startConsumerSpan(context.Background(), msg, t.tracer)
	defer span.End()

	src, tag, err := frameHeaders(msg.Headers, t.cfg.Size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid frame headers")
		t.metrics.IncConsumeError(ctx, t.cfg.Topic)
		t.logger.Error(ctx, "dropping frame with invalid headers", "offset", msg.Offset, "error", err)
		return
	}

	payload := make([]byte, len(msg.Value))
	copy(payload, msg.Value)
	if err := t.mailbox.Deliver(transport.Message{Source: src, Tag: tag, Payload: payload}); err != nil {
		return
	}
	t.metrics.IncMessageConsumed(ctx, t.cfg.Topic)
}

func frameHeaders(headers []*sarama.RecordHeader, size int) (transport.Rank, transport.Tag, error) {
	var (
		src, tag         int
		haveSrc, haveTag bool
		err              error
	)
	for _, h := range headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case headerSource:
			if src, err = strconv.Atoi(string(h.Value)); err != nil {
				return 0, 0, fmt.Errorf("source header: %w", err)
			}
			haveSrc = true
		case headerTag:
			if tag, err = strconv.Atoi(string(h.Value)); err != nil {
				return 0, 0, fmt.Errorf("tag header: %w", err)
			}
			haveTag = true
		}
	}

	if !haveSrc || !haveTag {
		return 0, 0, errors.New("missing source or tag header")
	}
	if tag < 0 || tag > 255 {
		return 0, 0, fmt.Errorf("tag %d out of range", tag)
	}
	if err := transport.CheckRank(transport.Rank(src), size); err != nil {
		return 0, 0, err
	}
	return transport.Rank(src), transport.Tag(tag), nil
}

// Close stops consuming, closes the producer, and closes the mailbox.
// Frames already consumed can still be received.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		var errs []error

		t.sendMu.Lock()
		t.closed = true
		if err := t.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing producer: %w", err))
		}
		t.sendMu.Unlock()

		if err := t.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing partition consumer: %w", err))
		}
		<-t.done

		if err := t.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing consumer: %w", err))
		}
		if t.client != nil {
			if err := t.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing client: %w", err))
			}
		}

		t.mailbox.Close()
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}
