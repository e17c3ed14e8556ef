package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ageniuscoder/mmchat/chatsync/cmd/chatsync/internal/devserver"
	"github.com/ageniuscoder/mmchat/chatsync/cmd/chatsync/internal/token"
	"github.com/ageniuscoder/mmchat/chatsync/cmd/chatsync/internal/watch"
)

func NewChatsyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Chat sync client and development backend",
		Example:       "chatsync devserver",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().String("env-file", ".env", "Env file to load before the environment")

	cmd.AddCommand(
		devserver.NewDevserverCommand(),
		token.NewTokenCommand(),
		watch.NewWatchCommand(),
	)

	return cmd
}

func main() {
	cmd := NewChatsyncCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
