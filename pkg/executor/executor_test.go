package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sceneweaver/sceneweaver/pkg/config"
)

// fakeBlender writes a shell script standing in for the Blender binary. It
// receives "--background --python <script>" and runs the script with sh.
func fakeBlender(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blender")
	script := "#!/bin/sh\n" +
		"# args: --background --python <script>\n" +
		"exec sh \"$3\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "combined_iter1.py")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		MaxProcesses: 2,
		Timeout:      time.Minute,
		GracePeriod:  200 * time.Millisecond,
		CaptureLimit: 1 << 20,
	}
}

func TestRunSuccess(t *testing.T) {
	e := New(testConfig(), fakeBlender(t))
	script := writeScript(t, "echo rendering\necho oops >&2\nexit 0\n")

	res, err := e.Run(context.Background(), script, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "rendering")
	assert.Contains(t, res.Stderr, "oops")
	assert.Greater(t, res.WallTime, time.Duration(0))
}

func TestRunNonZeroExit(t *testing.T) {
	e := New(testConfig(), fakeBlender(t))
	script := writeScript(t, "echo 'Traceback (most recent call last)' >&2\nexit 3\n")

	res, err := e.Run(context.Background(), script, 5*time.Second)
	require.Error(t, err)

	var execErr *ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindNonZeroExit, execErr.Kind)
	assert.Contains(t, execErr.CapturedStderr, "Traceback")
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	e := New(testConfig(), fakeBlender(t))
	script := writeScript(t, "sleep 30\n")

	start := time.Now()
	res, err := e.Run(context.Background(), script, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunContextCancellation(t *testing.T) {
	e := New(testConfig(), fakeBlender(t))
	script := writeScript(t, "sleep 30\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := e.Run(ctx, script, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSpawnFailure(t *testing.T) {
	e := New(testConfig(), filepath.Join(t.TempDir(), "missing-binary"))

	_, err := e.Run(context.Background(), "whatever.py", time.Second)
	require.Error(t, err)

	var execErr *ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindSpawnFailed, execErr.Kind)
}

func TestConcurrencyIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 1
	e := New(cfg, fakeBlender(t))
	script := writeScript(t, "sleep 0.2\n")

	// Two back-to-back runs through a single slot must serialize: the
	// combined wall time is at least twice one script's sleep.
	start := time.Now()
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.Run(context.Background(), script, 5*time.Second)
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestCaptureBufferTruncates(t *testing.T) {
	buf := newCaptureBuffer(10)
	n, err := buf.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)

	out := buf.String()
	assert.Contains(t, out, "0123456789")
	assert.Contains(t, out, "[output truncated]")
	assert.NotContains(t, out, "ABCDEF")
}
