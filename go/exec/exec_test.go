//go:build !windows

package exec

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	res, err := Run(context.Background(), &Command{
		Name:   "sh",
		Args:   []string{"-c", "echo out; echo err >&2"},
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestRun_ExitCode(t *testing.T) {
	res, err := Run(context.Background(), &Command{
		Name: "sh",
		Args: []string{"-c", "exit 13"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, 13, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestRun_Env(t *testing.T) {
	var stdout bytes.Buffer
	res, err := Run(context.Background(), &Command{
		Name:   "sh",
		Args:   []string{"-c", "echo $NAYDUCK_TEST_VAR"},
		Env:    []string{"NAYDUCK_TEST_VAR=hello"},
		Stdout: &stdout,
	})
	require.NoError(t, err)
	require.True(t, res.Success())
	assert.Equal(t, "hello\n", stdout.String())
}

func TestRun_TimeoutKillsGroup(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), &Command{
		Name:        "sh",
		Args:        []string{"-c", "sleep 60"},
		Timeout:     200 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success())
	// The watchdog, not the sleep, ended the process.
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_TimeoutIndependentOfOutputDrain(t *testing.T) {
	// A child keeps the stdout pipe open; the group kill must reap it
	// rather than waiting on the pipe.
	var stdout bytes.Buffer
	start := time.Now()
	res, err := Run(context.Background(), &Command{
		Name:        "sh",
		Args:        []string{"-c", "sleep 60 & sleep 60"},
		Stdout:      &stdout,
		Timeout:     200 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, &Command{
		Name:        "sh",
		Args:        []string{"-c", "sleep 60"},
		GracePeriod: 100 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestRun_StartFailure(t *testing.T) {
	_, err := Run(context.Background(), &Command{Name: "/no/such/binary"})
	require.Error(t, err)
}
