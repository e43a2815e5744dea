package human_test

import (
	"context"
	"testing"
	"time"

	"github.com/ralphcore/ralph/internal/human"
	"github.com/stretchr/testify/require"
)

func TestShutdownFlagRequestAndRequested(t *testing.T) {
	var flag human.ShutdownFlag
	require.False(t, flag.Requested())
	flag.Request()
	require.True(t, flag.Requested())
}

func TestNoopContractNeverBlocksOrErrors(t *testing.T) {
	var c human.Contract = human.NoopContract{}

	id, err := c.SendQuestion(context.Background(), "are you there?")
	require.NoError(t, err)
	require.Equal(t, "", id)

	resp, ok := c.WaitForResponse(context.Background(), "evt-1", time.Millisecond)
	require.False(t, ok)
	require.Equal(t, "", resp)

	require.NoError(t, c.SendCheckin(context.Background(), "status update"))
}
