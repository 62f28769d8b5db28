package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelRelayCommand(t *testing.T) {
	cmd := NewChannelRelayCommand()

	require.NotNil(t, cmd)
	assert.Equal(t, "channelrelay", cmd.Use)
	assert.True(t, cmd.HasExample())
	assert.True(t, cmd.HasSubCommands())
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	for _, name := range []string{"gateway", "approve", "cleanup", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}
