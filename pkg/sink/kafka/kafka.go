// Package kafka implements the transactional sink that produces record
// batches to a Kafka topic.
//
// Each batch is wrapped in a producer transaction: every record is written
// to the topic and the transaction commits, or the transaction aborts and
// no record of the batch becomes visible. The transactional id is stable
// per job, so a restarted worker fences any previous producer for the same
// job before writing.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eventmill/eventmill/pkg/sink"
)

const (
	// DefaultTransactionTimeout bounds an open producer transaction before
	// the broker aborts it.
	DefaultTransactionTimeout = 60 * time.Second

	// abortTimeout bounds the rollback call made after a failed write. The
	// batch context may already be dead at that point.
	abortTimeout = 10 * time.Second
)

// TransactionalID derives the stable per-job transactional id. Reusing it
// across worker restarts makes the broker fence any previous producer for
// the same job and abort whatever transaction it left open.
func TransactionalID(jobID string) string {
	return "eventmill-" + jobID
}

// Config configures a transactional Kafka sink.
type Config struct {
	// Brokers lists bootstrap broker addresses (required).
	Brokers []string

	// Topic is the destination topic (required).
	Topic string

	// TransactionalID is the producer transactional id (required). Use
	// TransactionalID(jobID) so each job owns exactly one id.
	TransactionalID string

	// TransactionTimeout bounds an open transaction. The same value is
	// registered with the broker and applied to every batch round trip.
	// Zero uses DefaultTransactionTimeout.
	TransactionTimeout time.Duration

	// ClientID identifies this producer to the broker. Empty uses
	// "eventmill".
	ClientID string
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return &ConfigError{Field: "Brokers", Message: "at least one broker address is required"}
	}
	for _, b := range c.Brokers {
		if b == "" {
			return &ConfigError{Field: "Brokers", Message: "broker addresses must not be empty"}
		}
	}
	if c.Topic == "" {
		return &ConfigError{Field: "Topic", Message: "topic is required"}
	}
	if c.TransactionalID == "" {
		return &ConfigError{Field: "TransactionalID", Message: "transactional id is required"}
	}
	if c.TransactionTimeout < 0 {
		return &ConfigError{Field: "TransactionTimeout", Message: "transaction timeout must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "kafka sink config: " + e.Field + ": " + e.Message
}

// Sink produces record batches to a Kafka topic inside producer
// transactions.
type Sink struct {
	client    *kafka.Client
	transport *kafka.Transport
	topic     string
	txnID     string
	timeout   time.Duration

	// producer is the live session registered with the transaction
	// coordinator. Nil forces a re-init on the next send, which bumps the
	// producer epoch and aborts anything the old session left open.
	producer   *kafka.ProducerSession
	partitions []int
	next       int
}

var _ sink.Sink = (*Sink)(nil)

// New creates a Kafka sink. No connection is made until the first Send, so
// broker availability problems surface as classified send failures instead
// of construction errors.
func New(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.TransactionTimeout
	if timeout == 0 {
		timeout = DefaultTransactionTimeout
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "eventmill"
	}

	transport := &kafka.Transport{ClientID: clientID}
	client := &kafka.Client{
		Addr:      kafka.TCP(cfg.Brokers...),
		Timeout:   timeout,
		Transport: transport,
	}

	return &Sink{
		client:    client,
		transport: transport,
		topic:     cfg.Topic,
		txnID:     cfg.TransactionalID,
		timeout:   timeout,
	}, nil
}

// Send writes one batch inside a producer transaction. Batches rotate
// through the topic's partitions; all records of a batch land on one
// partition so a single transaction covers them.
func (s *Sink) Send(ctx context.Context, records []json.RawMessage) sink.SendResult {
	if len(records) == 0 {
		return sink.Ok()
	}

	// The broker aborts any transaction open longer than the configured
	// timeout; bound the whole round trip by the same clock.
	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	producer, err := s.producerSession(tctx)
	if err != nil {
		return s.classify("init producer", err)
	}

	partition, err := s.nextPartition(tctx)
	if err != nil {
		return s.classify("resolve topic partitions", err)
	}

	if err := s.addPartition(tctx, producer, partition); err != nil {
		s.abort(producer)
		return s.classify("begin transaction", err)
	}

	if err := s.produce(tctx, partition, records); err != nil {
		s.abort(producer)
		return s.classify("produce batch", err)
	}

	if err := s.endTxn(tctx, producer, true); err != nil {
		// The commit outcome is unknown; retrying could double-write the
		// batch, so surface it as fatal and leave the decision to the
		// operator. Dropping the session fences whatever is left open.
		s.producer = nil
		return sink.Fatal(fmt.Errorf("kafka: commit transaction: outcome unknown: %w", err))
	}
	return sink.Ok()
}

// Close releases idle broker connections.
func (s *Sink) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// producerSession returns the live producer session, registering one with
// the transaction coordinator on first use.
func (s *Sink) producerSession(ctx context.Context) (*kafka.ProducerSession, error) {
	if s.producer != nil {
		return s.producer, nil
	}

	resp, err := s.client.InitProducerID(ctx, &kafka.InitProducerIDRequest{
		TransactionalID:      s.txnID,
		TransactionTimeoutMs: int(s.timeout.Milliseconds()),
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	s.producer = resp.Producer
	return s.producer, nil
}

// nextPartition picks the partition for the next batch, discovering the
// topic's partition set on first use.
func (s *Sink) nextPartition(ctx context.Context) (int, error) {
	if len(s.partitions) == 0 {
		resp, err := s.client.Metadata(ctx, &kafka.MetadataRequest{
			Topics: []string{s.topic},
		})
		if err != nil {
			return 0, err
		}
		for _, t := range resp.Topics {
			if t.Name != s.topic {
				continue
			}
			if t.Error != nil {
				return 0, t.Error
			}
			for _, p := range t.Partitions {
				s.partitions = append(s.partitions, p.ID)
			}
		}
		if len(s.partitions) == 0 {
			return 0, fmt.Errorf("topic %q not found or has no partitions", s.topic)
		}
		sort.Ints(s.partitions)
	}

	p := s.partitions[s.next%len(s.partitions)]
	s.next++
	return p, nil
}

// addPartition registers the partition with the open transaction.
func (s *Sink) addPartition(ctx context.Context, producer *kafka.ProducerSession, partition int) error {
	resp, err := s.client.AddPartitionsToTxn(ctx, &kafka.AddPartitionsToTxnRequest{
		TransactionalID: s.txnID,
		ProducerID:      producer.ProducerID,
		ProducerEpoch:   producer.ProducerEpoch,
		Topics: map[string][]kafka.AddPartitionToTxn{
			s.topic: {{Partition: partition}},
		},
	})
	if err != nil {
		return err
	}
	for _, parts := range resp.Topics {
		for _, p := range parts {
			if p.Error != nil {
				return p.Error
			}
		}
	}
	return nil
}

// produce writes the batch records to the partition under the open
// transaction.
func (s *Sink) produce(ctx context.Context, partition int, records []json.RawMessage) error {
	krecords := make([]kafka.Record, len(records))
	for i, r := range records {
		krecords[i] = kafka.Record{Value: kafka.NewBytes(r)}
	}

	resp, err := s.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:           s.topic,
		Partition:       partition,
		RequiredAcks:    kafka.RequireAll,
		TransactionalID: s.txnID,
		Records:         kafka.NewRecordReader(krecords...),
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	for i, rerr := range resp.RecordErrors {
		if rerr != nil {
			return fmt.Errorf("record %d rejected: %w", i, rerr)
		}
	}
	return nil
}

// endTxn commits or aborts the open transaction.
func (s *Sink) endTxn(ctx context.Context, producer *kafka.ProducerSession, commit bool) error {
	resp, err := s.client.EndTxn(ctx, &kafka.EndTxnRequest{
		TransactionalID: s.txnID,
		ProducerID:      producer.ProducerID,
		ProducerEpoch:   producer.ProducerEpoch,
		Committed:       commit,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// abort rolls back the open transaction after a failed write. It runs
// under its own deadline because the batch context may already be dead.
func (s *Sink) abort(producer *kafka.ProducerSession) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	if err := s.endTxn(ctx, producer, false); err != nil {
		// The next InitProducerID with the same transactional id bumps
		// the epoch and aborts anything left open broker-side.
		s.producer = nil
	}
}

// classify maps a transaction-phase error to a send outcome. The
// transaction has been aborted by the time classify runs, so transient
// outcomes are safe to retry with the same batch.
func (s *Sink) classify(op string, err error) sink.SendResult {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.producer = nil
		return sink.Fatal(fmt.Errorf("kafka: %s: transaction timeout after %s: %w", op, s.timeout, err))
	case errors.Is(err, context.Canceled):
		return sink.Transient(fmt.Errorf("kafka: %s: %w", op, err))
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		switch {
		case kerr.Timeout():
			s.producer = nil
			return sink.Fatal(fmt.Errorf("kafka: %s: broker timeout: %w", op, err))
		case isFenced(kerr):
			s.producer = nil
			return sink.Fatal(fmt.Errorf("kafka: %s: producer fenced for transactional id %q: %w", op, s.txnID, err))
		case kerr.Temporary():
			return sink.Transient(fmt.Errorf("kafka: %s: %w", op, err))
		default:
			s.producer = nil
			return sink.Fatal(fmt.Errorf("kafka: %s: %w", op, err))
		}
	}

	// Connection-level failures (dial refused, reset, unexpected EOF) are
	// retryable once the transaction is rolled back.
	return sink.Transient(fmt.Errorf("kafka: %s: %w", op, err))
}

// isFenced reports whether the broker rejected this producer session in
// favor of a newer one holding the same transactional id.
func isFenced(err kafka.Error) bool {
	switch err {
	case kafka.InvalidProducerEpoch, kafka.InvalidProducerIDMapping, kafka.ProducerFenced:
		return true
	}
	return false
}
