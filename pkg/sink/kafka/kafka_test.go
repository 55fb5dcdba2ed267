package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventmill/eventmill/pkg/sink"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := New(Config{
		Brokers:         []string{"localhost:9092"},
		Topic:           "historical",
		TransactionalID: TransactionalID("job-1"),
	})
	require.NoError(t, err)
	return s
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg: Config{
				Brokers:         []string{"localhost:9092"},
				Topic:           "historical",
				TransactionalID: "eventmill-job-1",
			},
		},
		{
			name:    "no brokers",
			cfg:     Config{Topic: "historical", TransactionalID: "eventmill-job-1"},
			wantErr: "Brokers",
		},
		{
			name: "empty broker entry",
			cfg: Config{
				Brokers:         []string{"localhost:9092", ""},
				Topic:           "historical",
				TransactionalID: "eventmill-job-1",
			},
			wantErr: "Brokers",
		},
		{
			name:    "missing topic",
			cfg:     Config{Brokers: []string{"localhost:9092"}, TransactionalID: "eventmill-job-1"},
			wantErr: "Topic",
		},
		{
			name:    "missing transactional id",
			cfg:     Config{Brokers: []string{"localhost:9092"}, Topic: "historical"},
			wantErr: "TransactionalID",
		},
		{
			name: "negative timeout",
			cfg: Config{
				Brokers:            []string{"localhost:9092"},
				Topic:              "historical",
				TransactionalID:    "eventmill-job-1",
				TransactionTimeout: -time.Second,
			},
			wantErr: "TransactionTimeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantErr, cfgErr.Field)
		})
	}
}

func TestTransactionalID(t *testing.T) {
	assert.Equal(t, "eventmill-0198a2bc", TransactionalID("0198a2bc"))
}

func TestNewDefaults(t *testing.T) {
	s := newTestSink(t)
	assert.Equal(t, DefaultTransactionTimeout, s.timeout)
	assert.Equal(t, "historical", s.topic)
}

func TestSendEmptyBatch(t *testing.T) {
	s := newTestSink(t)
	res := s.Send(context.Background(), nil)
	assert.Equal(t, sink.OutcomeSuccess, res.Outcome)
	assert.NoError(t, res.Err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		want        sink.Outcome
		errContains string
	}{
		{
			name:        "context deadline is transaction timeout",
			err:         context.DeadlineExceeded,
			want:        sink.OutcomeFatal,
			errContains: "timeout",
		},
		{
			name: "context canceled",
			err:  context.Canceled,
			want: sink.OutcomeTransient,
		},
		{
			name:        "broker request timed out",
			err:         kafka.RequestTimedOut,
			want:        sink.OutcomeFatal,
			errContains: "timeout",
		},
		{
			name:        "wrapped broker timeout",
			err:         fmt.Errorf("%w: produce", kafka.RequestTimedOut),
			want:        sink.OutcomeFatal,
			errContains: "timeout",
		},
		{
			name:        "invalid producer epoch",
			err:         kafka.InvalidProducerEpoch,
			want:        sink.OutcomeFatal,
			errContains: "fenced",
		},
		{
			name:        "producer fenced",
			err:         kafka.ProducerFenced,
			want:        sink.OutcomeFatal,
			errContains: "eventmill-job-1",
		},
		{
			name: "leader not available is temporary",
			err:  kafka.LeaderNotAvailable,
			want: sink.OutcomeTransient,
		},
		{
			name: "authorization failure is permanent",
			err:  kafka.TopicAuthorizationFailed,
			want: sink.OutcomeFatal,
		},
		{
			name: "connection error",
			err:  errors.New("dial tcp 127.0.0.1:9092: connect: connection refused"),
			want: sink.OutcomeTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSink(t)
			res := s.classify("produce batch", tt.err)
			assert.Equal(t, tt.want, res.Outcome)
			require.Error(t, res.Err)
			if tt.errContains != "" {
				assert.Contains(t, res.Err.Error(), tt.errContains)
			}
		})
	}
}

func TestClassifyResetsProducerOnFatal(t *testing.T) {
	s := newTestSink(t)
	s.producer = &kafka.ProducerSession{ProducerID: 7, ProducerEpoch: 2}

	res := s.classify("produce batch", kafka.InvalidProducerEpoch)
	assert.Equal(t, sink.OutcomeFatal, res.Outcome)
	assert.Nil(t, s.producer)
}

func TestClassifyKeepsProducerOnTransient(t *testing.T) {
	s := newTestSink(t)
	s.producer = &kafka.ProducerSession{ProducerID: 7, ProducerEpoch: 2}

	res := s.classify("produce batch", kafka.LeaderNotAvailable)
	assert.Equal(t, sink.OutcomeTransient, res.Outcome)
	assert.NotNil(t, s.producer)
}

func TestNextPartitionRoundRobin(t *testing.T) {
	s := newTestSink(t)
	s.partitions = []int{0, 1, 2}

	ctx := context.Background()
	var got []int
	for i := 0; i < 4; i++ {
		p, err := s.nextPartition(ctx)
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, []int{0, 1, 2, 0}, got)
}
