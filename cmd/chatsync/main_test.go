package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChatsyncCommand(t *testing.T) {
	cmd := NewChatsyncCommand()
	require.NotNil(t, cmd)

	assert.Equal(t, "chatsync", cmd.Use)
	assert.True(t, cmd.HasSubCommands())
	assert.NotNil(t, cmd.PersistentFlags().Lookup("env-file"))

	for _, name := range []string{"devserver", "token", "watch"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
		assert.NotNil(t, sub.RunE, name)
	}
}
