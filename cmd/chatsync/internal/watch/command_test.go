package watch

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
)

func TestNewWatchCommand(t *testing.T) {
	cmd := NewWatchCommand()
	require.NotNil(t, cmd)

	assert.Equal(t, "watch", cmd.Use)
	assert.True(t, cmd.HasExample())
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("conversation"))
	assert.NotNil(t, cmd.Flags().Lookup("with"))
	assert.NotNil(t, cmd.Flags().Lookup("send"))
}

func TestWatch_RequiresOneTarget(t *testing.T) {
	cmd := NewWatchCommand()
	cmd.SetArgs([]string{"--conversation", "1", "--with", "2"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestPrinter_PrintsConfirmedOnce(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, seen: map[string]bool{}}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

	msgs := []chat.Message{
		{ClientID: "c-1", SenderUsername: "ana", Body: "pending", SentAt: at},
		{ID: 1, SenderUsername: "bo", Body: "hi", SentAt: at},
	}
	p.print(msgs)
	p.print(msgs)

	assert.Equal(t, "[2026-03-01 12:00] bo: hi\n", buf.String())
}
