package devserver

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ageniuscoder/mmchat/chatsync/cmd/chatsync/internal"
	"github.com/ageniuscoder/mmchat/chatsync/internal/devserver"
	"github.com/ageniuscoder/mmchat/chatsync/internal/storage/sqlite"
)

func NewDevserverCommand() *cobra.Command {
	var addr string
	var migrateOnly bool

	cmd := &cobra.Command{
		Use:     "devserver",
		Aliases: []string{"serve"},
		Short:   "Run the development chat backend",
		Args:    cobra.NoArgs,
		Example: `  chatsync devserver
  chatsync devserver --addr :9090
  chatsync devserver --migrate`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := internal.LoadConfig(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := internal.SignalContext()
			defer stop()

			db, err := sqlite.New(cfg.Server.SQLiteDSN)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			if migrateOnly {
				log.Info("migration completed")
				return nil
			}

			log.Info("starting devserver", zap.String("addr", cfg.Server.Addr))
			return devserver.New(cfg.Server, db, log).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides CHATSYNC_HTTP_ADDR)")
	cmd.Flags().BoolVar(&migrateOnly, "migrate", false, "Run migrations and exit")

	return cmd
}
