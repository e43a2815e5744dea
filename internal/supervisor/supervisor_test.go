package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/ralphcore/ralph/internal/supervisor"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesCombinedOutput(t *testing.T) {
	res, err := supervisor.Run(context.Background(), supervisor.Spec{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, supervisor.ExitNatural, res.Reason)
	require.Contains(t, res.Output, "out")
	require.Contains(t, res.Output, "err")
}

func TestRunReportsNonZeroExit(t *testing.T) {
	res, err := supervisor.Run(context.Background(), supervisor.Spec{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 3, res.ExitCode)
}

func TestRunTimesOutAndForceKills(t *testing.T) {
	res, err := supervisor.Run(context.Background(), supervisor.Spec{
		Command:     "sh",
		Args:        []string{"-c", "sleep 10"},
		Timeout:     200 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, supervisor.ExitTimeout, res.Reason)
}

func TestRunDeliversStdin(t *testing.T) {
	res, err := supervisor.Run(context.Background(), supervisor.Spec{
		Command: "cat",
		Stdin:   "hello from stdin",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, "hello from stdin\n", res.Output)
}

func TestStripANSIRemovesEscapeSequences(t *testing.T) {
	in := "\x1b[31mred text\x1b[0m plain"
	require.Equal(t, "red text plain", supervisor.StripANSI(in))
}

func TestRunPTYCapturesTranscript(t *testing.T) {
	res, err := supervisor.RunPTY(context.Background(), supervisor.PTYSpec{
		Command:     "sh",
		Args:        []string{"-c", "echo hello"},
		IdleTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.Contains(t, res.Transcript, "hello")
	require.Equal(t, supervisor.ExitNatural, res.Reason)
}

func TestRunPTYIdleTimeoutKillsChild(t *testing.T) {
	res, err := supervisor.RunPTY(context.Background(), supervisor.PTYSpec{
		Command:     "sh",
		Args:        []string{"-c", "sleep 5"},
		IdleTimeout: 200 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, supervisor.ExitIdleTimeout, res.Reason)
	require.False(t, res.Success)
}
