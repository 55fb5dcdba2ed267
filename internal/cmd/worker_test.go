package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventmill/eventmill/internal/config"
)

func TestServiceConfig(t *testing.T) {
	w := config.WorkerConfig{
		Concurrency:          8,
		PollInterval:         5 * time.Second,
		LeaseTTL:             90 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		BatchSize:            250,
		RetryInitialInterval: 2 * time.Second,
		RetryMaxInterval:     45 * time.Second,
		RetryMaxAttempts:     3,
	}

	sc := serviceConfig(w)
	assert.Equal(t, 8, sc.Concurrency)
	assert.Equal(t, 5*time.Second, sc.PollInterval)
	assert.Equal(t, 90*time.Second, sc.LeaseTTL)
	assert.Equal(t, 30*time.Second, sc.HeartbeatInterval)
	assert.Equal(t, 250, sc.Runner.BatchSize)
	assert.Equal(t, 3, sc.Runner.RetryMaxAttempts)
}

func TestOpenProgressStream_Quiet(t *testing.T) {
	out, cleanup, err := openProgressStream("progress.jsonl", true)
	require.NoError(t, err)
	require.NotNil(t, cleanup)

	assert.Nil(t, out)
	cleanup()
}

func TestOpenProgressStream_Stdout(t *testing.T) {
	for _, dest := range []string{"", "stdout"} {
		out, cleanup, err := openProgressStream(dest, false)
		require.NoError(t, err)
		require.NotNil(t, cleanup)

		assert.Equal(t, os.Stdout, out)
		cleanup()
	}
}

func TestOpenProgressStream_FileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.jsonl")

	out, cleanup, err := openProgressStream(path, false)
	require.NoError(t, err)
	_, err = out.Write([]byte("first\n"))
	require.NoError(t, err)
	cleanup()

	// A second stream on the same path must not truncate it.
	out, cleanup, err = openProgressStream(path, false)
	require.NoError(t, err)
	_, err = out.Write([]byte("second\n"))
	require.NoError(t, err)
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestOpenProgressStream_InvalidPath(t *testing.T) {
	_, _, err := openProgressStream("/nonexistent/deeply/nested/progress.jsonl", false)
	require.Error(t, err)
}

func TestLockedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &lockedWriter{w: &buf}

	const writers = 8
	const lines = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < lines; j++ {
				_, err := fmt.Fprintf(lw, "writer-%d line-%d\n", n, j)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	// Every write arrived and no line was torn.
	got := buf.String()
	count := 0
	for _, line := range bytes.Split([]byte(got), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		assert.Regexp(t, `^writer-\d+ line-\d+$`, string(line))
		count++
	}
	assert.Equal(t, writers*lines, count)
}
