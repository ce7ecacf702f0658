package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// ClientConfig contains the settings needed to reach the Kafka cluster.
type ClientConfig struct {
	Brokers  []string
	ClientID string
}

// NewClient creates a Kafka client configured for the transport: producers
// address partitions explicitly and wait for every in-sync replica, and
// consumers start at the oldest offset of their partition.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	// Producer settings. An idempotent producer with a single in-flight
	// request keeps per-partition order across retries.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewManualPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectWithRetry creates a client, retrying while the brokers are not
// reachable yet.
func ConnectWithRetry(cfg *ClientConfig, maxElapsed time.Duration) (sarama.Client, error) {
	var client sarama.Client

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		var err error
		client, err = NewClient(cfg)
		return err
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return client, nil
}

// ErrTopicInUse reports a job topic that already carries frames from an
// earlier run. Consuming it from the oldest offset would replay them.
var ErrTopicInUse = errors.New("topic already in use, every job needs a fresh topic")

// EnsureTopic creates topic with one partition per rank. The topic must not
// exist yet.
func EnsureTopic(admin sarama.ClusterAdmin, topic string, size int) error {
	err := admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     int32(size),
		ReplicationFactor: 1,
	}, false)
	if err == nil {
		return nil
	}

	var topicErr *sarama.TopicError
	if errors.Is(err, sarama.ErrTopicAlreadyExists) ||
		(errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists) {
		return fmt.Errorf("%w: %s", ErrTopicInUse, topic)
	}
	return fmt.Errorf("creating topic %s: %w", topic, err)
}

// OffsetGetter is the part of sarama.Client used to inspect a partition.
type OffsetGetter interface {
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// AwaitFreshPartition waits until partition of topic exists and fails with
// ErrTopicInUse if it already holds frames. The coordinator only writes to a
// rank's partition in answer to that rank's requests, so in a new job the
// partition is empty until its owner has subscribed.
func AwaitFreshPartition(offsets OffsetGetter, topic string, partition int32, maxElapsed time.Duration) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 500 * time.Millisecond

	var stale int64
	operation := func() error {
		oldest, err := offsets.GetOffset(topic, partition, sarama.OffsetOldest)
		if err != nil {
			return err
		}
		newest, err := offsets.GetOffset(topic, partition, sarama.OffsetNewest)
		if err != nil {
			return err
		}
		stale = newest - oldest
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return fmt.Errorf("waiting for partition %d of %s: %w", partition, topic, err)
	}
	if stale > 0 {
		return fmt.Errorf("%w: partition %d of %s holds %d frames", ErrTopicInUse, partition, topic, stale)
	}
	return nil
}
