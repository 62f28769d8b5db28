package approve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApproveCommand(t *testing.T) {
	cmd := NewApproveCommand()

	require.NotNil(t, cmd)

	assert.Equal(t, "approve <channel_id>", cmd.Use)
	assert.Equal(t, "Approve every pending join request of a channel", cmd.Short)
	assert.True(t, cmd.HasExample())
	assert.False(t, cmd.HasSubCommands())

	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)

	assert.NotNil(t, cmd.Flags().Lookup("quiet"))
}

func TestNewApproveCommand_RequiresChannel(t *testing.T) {
	cmd := NewApproveCommand()

	assert.Error(t, cmd.Args(cmd, nil))
	assert.Error(t, cmd.Args(cmd, []string{"a", "b"}))
	assert.NoError(t, cmd.Args(cmd, []string{"-1001234567890"}))
}

func TestProgressPrinter(t *testing.T) {
	assert.Nil(t, progressPrinter(true))
	assert.NotNil(t, progressPrinter(false))
}
