package token

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ageniuscoder/mmchat/chatsync/cmd/chatsync/internal"
	"github.com/ageniuscoder/mmchat/chatsync/internal/auth"
	"github.com/ageniuscoder/mmchat/chatsync/internal/storage/sqlite"
)

func NewTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Create a development user and print its token",
		Args:  cobra.ExactArgs(1),
		Example: `  chatsync token ana
  export CHATSYNC_TOKEN=$(chatsync token ana)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := internal.LoadConfig(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := sqlite.New(cfg.Server.SQLiteDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}

			uid, err := db.EnsureUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tok, err := auth.NewToken(cfg.Server.JWTSecret, uid, args[0], time.Duration(cfg.Server.JWTTTLMin)*time.Minute)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	return cmd
}
