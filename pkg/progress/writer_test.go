package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventmill/eventmill/pkg/importjob"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	assert.NotNil(t, w)
	assert.Equal(t, "job-123", w.jobID)
}

func TestJSONLWriter_WriteState(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	snap := &importjob.Progress{
		Status:        importjob.StatusRunning,
		RecordsSent:   1500,
		RecordsFailed: 3,
		Cursor:        "events-2024/part-0003.jsonl:250",
	}

	err := w.WriteState(context.Background(), snap)
	require.NoError(t, err)

	// Parse the output
	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeState, record.Type)
	assert.Equal(t, "job-123", record.JobID)
	assert.False(t, record.TS.IsZero())

	// Parse the data payload
	var snapData importjob.Progress
	err = json.Unmarshal(record.Data, &snapData)
	require.NoError(t, err)

	assert.Equal(t, importjob.StatusRunning, snapData.Status)
	assert.Equal(t, int64(1500), snapData.RecordsSent)
	assert.Equal(t, int64(3), snapData.RecordsFailed)
	assert.Equal(t, "events-2024/part-0003.jsonl:250", snapData.Cursor)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	snap := &importjob.Progress{
		Status:      importjob.StatusRunning,
		RecordsSent: 2500,
		Cursor:      "events-2024/part-0005.jsonl:0",
	}

	err := w.WriteProgress(context.Background(), snap)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeProgress, record.Type)

	var snapData importjob.Progress
	err = json.Unmarshal(record.Data, &snapData)
	require.NoError(t, err)

	assert.Equal(t, int64(2500), snapData.RecordsSent)
	assert.Equal(t, "events-2024/part-0005.jsonl:0", snapData.Cursor)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	errRec := &ErrorRecord{
		Code:    ErrCodeTransient,
		Message: "delivery failed after 5 attempts",
	}

	err := w.WriteError(context.Background(), errRec)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeError, record.Type)

	var errData ErrorRecord
	err = json.Unmarshal(record.Data, &errData)
	require.NoError(t, err)

	assert.Equal(t, ErrCodeTransient, errData.Code)
	assert.Equal(t, "delivery failed after 5 attempts", errData.Message)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	sum := &SummaryRecord{
		Status:        "completed",
		RecordsSent:   250000,
		RecordsFailed: 12,
		Batches:       500,
		Duration:      30 * time.Second,
		DurationHuman: "30s",
	}

	err := w.WriteSummary(context.Background(), sum)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeSummary, record.Type)

	var sumData SummaryRecord
	err = json.Unmarshal(record.Data, &sumData)
	require.NoError(t, err)

	assert.Equal(t, "completed", sumData.Status)
	assert.Equal(t, int64(250000), sumData.RecordsSent)
	assert.Equal(t, int64(12), sumData.RecordsFailed)
	assert.Equal(t, int64(500), sumData.Batches)
	assert.Equal(t, 30*time.Second, sumData.Duration)
	assert.Equal(t, "30s", sumData.DurationHuman)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	err := w.WriteProgress(context.Background(), &importjob.Progress{RecordsSent: 500})
	require.NoError(t, err)

	err = w.WriteProgress(context.Background(), &importjob.Progress{RecordsSent: 1000})
	require.NoError(t, err)

	// Output should be two lines
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	// Each line should be valid JSON
	for _, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err)
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	err := w.Close()
	require.NoError(t, err)

	// Writing after close should fail
	err = w.WriteProgress(context.Background(), &importjob.Progress{})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				snap := &importjob.Progress{
					Status:      importjob.StatusRunning,
					RecordsSent: int64(writerID*writesPerWriter + j),
				}
				_ = w.WriteProgress(context.Background(), snap)
			}
		}(i)
	}

	wg.Wait()

	// Verify all lines are complete JSON objects (no interleaving)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	err := w.WriteProgress(ctx, &importjob.Progress{})
	assert.ErrorIs(t, err, context.Canceled)

	// Buffer should be empty (nothing written)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	// Create a writer that always fails
	failWriter := &failingWriter{err: errors.New("disk full")}
	w := NewJSONLWriter(failWriter, "job-123")

	err := w.WriteProgress(context.Background(), &importjob.Progress{})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	// Create a writer that simulates short writes (returns n < len(p) with nil error)
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "job-123")

	snap := &importjob.Progress{
		Status:      importjob.StatusRunning,
		RecordsSent: 42000,
		Cursor:      "events-2024/part-0084.jsonl:0",
	}

	err := w.WriteProgress(context.Background(), snap)
	require.NoError(t, err)

	// Verify complete output despite short writes
	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	err = json.Unmarshal([]byte(lines[0]), &record)
	assert.NoError(t, err, "output should be valid JSON despite short writes")
	assert.Equal(t, TypeProgress, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	// Create a writer that returns 0 bytes written with nil error (pathological case)
	zeroWriter := &zeroWriteWriter{}
	w := NewJSONLWriter(zeroWriter, "job-123")

	err := w.WriteProgress(context.Background(), &importjob.Progress{})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter simulates an io.Writer that performs short writes.
// It writes at most bytesPerWrite bytes per call, returning nil error.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal_data", Err: underlying}

	assert.Equal(t, "progress: marshal_data: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestRecord_JSONSerialization(t *testing.T) {
	// Test that records serialize correctly
	record := Record{
		Type:  TypeProgress,
		TS:    time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		JobID: "abc123",
		Data:  json.RawMessage(`{"status":"running","records_sent":100}`),
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)

	// Verify JSON structure
	var parsed map[string]any
	err = json.Unmarshal(data, &parsed)
	require.NoError(t, err)

	assert.Equal(t, TypeProgress, parsed["type"])
	assert.Equal(t, "abc123", parsed["job_id"])
	assert.NotNil(t, parsed["ts"])
	assert.NotNil(t, parsed["data"])
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Discard.WriteState(ctx, &importjob.Progress{}))
	assert.NoError(t, Discard.WriteProgress(ctx, &importjob.Progress{}))
	assert.NoError(t, Discard.WriteError(ctx, &ErrorRecord{Code: ErrCodeInternal}))
	assert.NoError(t, Discard.WriteSummary(ctx, &SummaryRecord{Status: "completed"}))
	assert.NoError(t, Discard.Close())
}

// Benchmark for write performance
func BenchmarkJSONLWriter_WriteProgress(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "job-123")
	snap := &importjob.Progress{
		Status:      importjob.StatusRunning,
		RecordsSent: 1048576,
		Cursor:      "events-2024/part-2048.jsonl:500",
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteProgress(ctx, snap)
	}
}
