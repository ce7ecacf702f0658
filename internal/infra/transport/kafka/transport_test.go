package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/hepnos-dataloader/internal/infra/transport"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
)

const testTopic = "dataloader-test"

// mockBrokerMetrics implements BrokerMetrics for testing.
type mockBrokerMetrics struct {
	mu            sync.Mutex
	published     int
	consumed      int
	publishErrors int
	consumeErrors int
}

func (m *mockBrokerMetrics) IncMessagePublished(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published++
}

func (m *mockBrokerMetrics) IncMessageConsumed(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed++
}

func (m *mockBrokerMetrics) IncPublishError(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErrors++
}

func (m *mockBrokerMetrics) IncConsumeError(context.Context, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeErrors++
}

func (m *mockBrokerMetrics) snapshot() (published, consumed, publishErrors, consumeErrors int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.consumed, m.publishErrors, m.consumeErrors
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	cfg.Producer.Return.Successes = true
	return cfg
}

func headers(source, tag string) []*sarama.RecordHeader {
	return []*sarama.RecordHeader{
		{Key: []byte(headerSource), Value: []byte(source)},
		{Key: []byte(headerTag), Value: []byte(tag)},
	}
}

func newTestTransport(
	t *testing.T,
	rank transport.Rank,
	producer *mocks.SyncProducer,
	consumer *mocks.Consumer,
	metrics BrokerMetrics,
) *Transport {
	t.Helper()

	tr, err := NewTransport(
		Config{Topic: testTopic, Rank: rank, Size: 3, ConnectTimeout: time.Second},
		producer,
		consumer,
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
		metrics,
	)
	require.NoError(t, err)
	return tr
}

func TestSendTargetsDestinationPartition(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	consumer := mocks.NewConsumer(t, nil)
	consumer.ExpectConsumePartition(testTopic, 1, sarama.OffsetOldest)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != testTopic {
			return fmt.Errorf("unexpected topic %q", msg.Topic)
		}
		if msg.Partition != 2 {
			return fmt.Errorf("unexpected partition %d", msg.Partition)
		}
		got := map[string]string{}
		for _, h := range msg.Headers {
			got[string(h.Key)] = string(h.Value)
		}
		if got[headerSource] != "1" || got[headerTag] != "0" || got[headerMessageID] == "" {
			return fmt.Errorf("unexpected headers %v", got)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		if string(value) != "payload" {
			return fmt.Errorf("unexpected value %q", value)
		}
		return nil
	})

	metrics := new(mockBrokerMetrics)
	tr := newTestTransport(t, 1, producer, consumer, metrics)
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), 2, 0, []byte("payload")))
	published, _, _, _ := metrics.snapshot()
	assert.Equal(t, 1, published)
}

func TestSendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	consumer := mocks.NewConsumer(t, nil)
	consumer.ExpectConsumePartition(testTopic, 0, sarama.OffsetOldest)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	metrics := new(mockBrokerMetrics)
	tr := newTestTransport(t, 0, producer, consumer, metrics)
	defer tr.Close()

	err := tr.Send(context.Background(), 2, 1, []byte("x"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	_, _, publishErrors, _ := metrics.snapshot()
	assert.Equal(t, 1, publishErrors)
}

func TestRecvFromOwnPartition(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(testTopic, 0, sarama.OffsetOldest)
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: testTopic, Partition: 0, Value: []byte("push"), Headers: headers("2", "0")})
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: testTopic, Partition: 0, Value: []byte("ack"), Headers: headers("1", "1")})

	metrics := new(mockBrokerMetrics)
	tr := newTestTransport(t, 0, producer, consumer, metrics)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := tr.Recv(ctx, transport.AnySource, 1)
	require.NoError(t, err)
	assert.Equal(t, transport.Rank(1), msg.Source)
	assert.Equal(t, "ack", string(msg.Payload))

	msg, err = tr.Recv(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "push", string(msg.Payload))
}

func TestRecvSkipsFramesWithBadHeaders(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(testTopic, 0, sarama.OffsetOldest)
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: testTopic, Value: []byte("no headers")})
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: testTopic, Value: []byte("bad rank"), Headers: headers("9", "0")})
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: testTopic, Value: []byte("good"), Headers: headers("1", "0")})

	metrics := new(mockBrokerMetrics)
	tr := newTestTransport(t, 0, producer, consumer, metrics)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := tr.Recv(ctx, transport.AnySource, 0)
	require.NoError(t, err)
	assert.Equal(t, "good", string(msg.Payload))

	assert.Eventually(t, func() bool {
		_, consumed, _, consumeErrors := metrics.snapshot()
		return consumed == 1 && consumeErrors == 2
	}, time.Second, 5*time.Millisecond)
}

func TestClose(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	consumer := mocks.NewConsumer(t, nil)
	consumer.ExpectConsumePartition(testTopic, 2, sarama.OffsetOldest)

	tr := newTestTransport(t, 2, producer, consumer, new(mockBrokerMetrics))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Recv(context.Background(), transport.AnySource, 0)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, tr.Send(context.Background(), 0, 0, nil), transport.ErrClosed)
}

func TestNewTransportValidatesConfig(t *testing.T) {
	_, err := NewTransport(Config{Topic: testTopic, Rank: 3, Size: 3}, nil, nil, logger.Noop(), noop.NewTracerProvider().Tracer("test"), new(mockBrokerMetrics))
	assert.ErrorIs(t, err, transport.ErrUnknownRank)

	_, err = NewTransport(Config{Rank: 0, Size: 1}, nil, nil, logger.Noop(), noop.NewTracerProvider().Tracer("test"), new(mockBrokerMetrics))
	assert.Error(t, err)
}

func TestFrameHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers []*sarama.RecordHeader
		wantSrc transport.Rank
		wantTag transport.Tag
		wantErr bool
	}{
		{name: "valid", headers: headers("2", "1"), wantSrc: 2, wantTag: 1},
		{name: "missing tag", headers: headers("2", "")[:1], wantErr: true},
		{name: "non numeric source", headers: headers("x", "0"), wantErr: true},
		{name: "rank out of group", headers: headers("3", "0"), wantErr: true},
		{name: "tag out of range", headers: headers("0", "256"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, tag, err := frameHeaders(tt.headers, 3)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSrc, src)
			assert.Equal(t, tt.wantTag, tag)
		})
	}
}

// mockClusterAdmin implements the parts of sarama.ClusterAdmin EnsureTopic uses.
type mockClusterAdmin struct {
	sarama.ClusterAdmin
	createErr error
	created   *sarama.TopicDetail
}

func (m *mockClusterAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error {
	m.created = detail
	return m.createErr
}

func TestEnsureTopic(t *testing.T) {
	admin := &mockClusterAdmin{}
	require.NoError(t, EnsureTopic(admin, testTopic, 4))
	assert.Equal(t, int32(4), admin.created.NumPartitions)

	err := EnsureTopic(&mockClusterAdmin{createErr: errors.New("boom")}, testTopic, 4)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTopicInUse)
}

func TestEnsureTopicRejectsExistingTopic(t *testing.T) {
	exists := &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	err := EnsureTopic(&mockClusterAdmin{createErr: exists}, testTopic, 4)
	assert.ErrorIs(t, err, ErrTopicInUse)
}

// mockOffsetGetter reports fixed offsets after failing a number of times.
type mockOffsetGetter struct {
	failures       int
	oldest, newest int64
	calls          int
}

func (m *mockOffsetGetter) GetOffset(topic string, partition int32, at int64) (int64, error) {
	m.calls++
	if m.failures > 0 {
		m.failures--
		return 0, sarama.ErrUnknownTopicOrPartition
	}
	if at == sarama.OffsetOldest {
		return m.oldest, nil
	}
	return m.newest, nil
}

func TestAwaitFreshPartition(t *testing.T) {
	tests := []struct {
		name    string
		offsets *mockOffsetGetter
		wantErr error
	}{
		{name: "empty partition", offsets: &mockOffsetGetter{oldest: 0, newest: 0}},
		{name: "emptied by retention", offsets: &mockOffsetGetter{oldest: 12, newest: 12}},
		{name: "partition created late", offsets: &mockOffsetGetter{failures: 2}},
		{name: "frames from an earlier job", offsets: &mockOffsetGetter{oldest: 0, newest: 3}, wantErr: ErrTopicInUse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AwaitFreshPartition(tt.offsets, testTopic, 1, 10*time.Second)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAwaitFreshPartitionGivesUp(t *testing.T) {
	offsets := &mockOffsetGetter{failures: 1 << 20}
	err := AwaitFreshPartition(offsets, testTopic, 1, 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrUnknownTopicOrPartition)
	assert.NotErrorIs(t, err, ErrTopicInUse)
}
