package capture

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventmill/eventmill/pkg/sink"
)

const testEndpoint = "https://capture.example.com/batch/"

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := New(Config{Endpoint: testEndpoint, APIKey: "phc_test"})
	require.NoError(t, err)

	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
	httpmock.ActivateNonDefault(s.client.GetClient())
	return s
}

func testRecords(n int) []json.RawMessage {
	records := make([]json.RawMessage, n)
	for i := range records {
		records[i] = json.RawMessage(`{"event":"pageview"}`)
	}
	return records
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{Endpoint: testEndpoint, APIKey: "phc_test"},
		},
		{
			name:    "missing endpoint",
			cfg:     Config{APIKey: "phc_test"},
			wantErr: "Endpoint",
		},
		{
			name:    "missing api key",
			cfg:     Config{Endpoint: testEndpoint},
			wantErr: "APIKey",
		},
		{
			name:    "negative timeout",
			cfg:     Config{Endpoint: testEndpoint, APIKey: "phc_test", Timeout: -1},
			wantErr: "Timeout",
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
			assert.Contains(t, cfgErr.Field, tt.wantErr)
		})
	}
}

func TestSendPostsBatchEnvelope(t *testing.T) {
	s := newTestSink(t)

	var got batchRequest
	httpmock.RegisterResponder("POST", testEndpoint, func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &got); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"status":1}`), nil
	})

	res := s.Send(context.Background(), testRecords(3))
	require.Equal(t, sink.OutcomeSuccess, res.Outcome)
	assert.NoError(t, res.Err)

	assert.Equal(t, "phc_test", got.APIKey)
	assert.True(t, got.HistoricalMigration)
	assert.Len(t, got.Batch, 3)
	assert.JSONEq(t, `{"event":"pageview"}`, string(got.Batch[0]))
}

func TestSendStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   sink.Outcome
	}{
		{name: "ok", status: http.StatusOK, want: sink.OutcomeSuccess},
		{name: "no content", status: http.StatusNoContent, want: sink.OutcomeSuccess},
		{name: "request timeout", status: http.StatusRequestTimeout, want: sink.OutcomeTransient},
		{name: "too many requests", status: http.StatusTooManyRequests, want: sink.OutcomeTransient},
		{name: "internal error", status: http.StatusInternalServerError, want: sink.OutcomeTransient},
		{name: "bad gateway", status: http.StatusBadGateway, want: sink.OutcomeTransient},
		{name: "service unavailable", status: http.StatusServiceUnavailable, want: sink.OutcomeTransient},
		{name: "bad request", status: http.StatusBadRequest, want: sink.OutcomeFatal},
		{name: "unauthorized", status: http.StatusUnauthorized, want: sink.OutcomeFatal},
		{name: "payload too large", status: http.StatusRequestEntityTooLarge, want: sink.OutcomeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSink(t)
			httpmock.RegisterResponder("POST", testEndpoint,
				httpmock.NewStringResponder(tt.status, `{"error":"quota exceeded"}`))

			res := s.Send(context.Background(), testRecords(1))
			assert.Equal(t, tt.want, res.Outcome)
			if tt.want == sink.OutcomeSuccess {
				assert.NoError(t, res.Err)
			} else {
				require.Error(t, res.Err)
				assert.Contains(t, res.Err.Error(), "quota exceeded")
			}
		})
	}
}

func TestSendNetworkErrorIsTransient(t *testing.T) {
	s := newTestSink(t)
	httpmock.RegisterResponder("POST", testEndpoint,
		httpmock.NewErrorResponder(assert.AnError))

	res := s.Send(context.Background(), testRecords(1))
	assert.Equal(t, sink.OutcomeTransient, res.Outcome)
	assert.Error(t, res.Err)
}

func TestSendEmptyBatchSkipsRequest(t *testing.T) {
	s := newTestSink(t)
	httpmock.RegisterResponder("POST", testEndpoint,
		httpmock.NewStringResponder(http.StatusOK, `{"status":1}`))

	res := s.Send(context.Background(), nil)
	assert.Equal(t, sink.OutcomeSuccess, res.Outcome)
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestSendDoesNotRetry(t *testing.T) {
	s := newTestSink(t)
	httpmock.RegisterResponder("POST", testEndpoint,
		httpmock.NewStringResponder(http.StatusServiceUnavailable, ``))

	res := s.Send(context.Background(), testRecords(1))
	assert.Equal(t, sink.OutcomeTransient, res.Outcome)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestErrorBodyIsBounded(t *testing.T) {
	s := newTestSink(t)
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	httpmock.RegisterResponder("POST", testEndpoint,
		httpmock.NewBytesResponder(http.StatusBadRequest, long))

	res := s.Send(context.Background(), testRecords(1))
	require.Error(t, res.Err)
	assert.Less(t, len(res.Err.Error()), 512)
}

func TestClose(t *testing.T) {
	s, err := New(Config{Endpoint: testEndpoint, APIKey: "phc_test"})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
