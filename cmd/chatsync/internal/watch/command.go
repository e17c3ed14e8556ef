package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ageniuscoder/mmchat/chatsync/cmd/chatsync/internal"
	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
	"github.com/ageniuscoder/mmchat/chatsync/internal/session"
	"github.com/ageniuscoder/mmchat/chatsync/internal/store"
)

type options struct {
	conversation int64
	with         int64
	send         string
}

func NewWatchCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a conversation and print its messages as they arrive",
		Args:  cobra.NoArgs,
		Example: `  chatsync watch --conversation 3
  chatsync watch --with 2 --send "hello"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (opts.conversation == 0) == (opts.with == 0) {
				return errors.New("exactly one of --conversation or --with is required")
			}
			cfg, log, err := internal.LoadConfig(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			s, err := session.New(cfg.Client, session.Options{Logger: log})
			if err != nil {
				return err
			}
			ctx, stop := internal.SignalContext()
			defer stop()
			return watch(ctx, s, opts, cmd.OutOrStdout(), log)
		},
	}

	cmd.Flags().Int64Var(&opts.conversation, "conversation", 0, "Conversation id to open")
	cmd.Flags().Int64Var(&opts.with, "with", 0, "Open the private conversation with this user id")
	cmd.Flags().StringVar(&opts.send, "send", "", "Send this text once the conversation is open")

	return cmd
}

func watch(ctx context.Context, s *session.Session, opts options, out io.Writer, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(ctx) })
	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	id := opts.conversation
	if opts.with != 0 {
		var err error
		if id, err = s.OpenPrivate(ctx, opts.with); err != nil {
			return fail(err)
		}
	}

	p := &printer{out: out, seen: map[string]bool{}}
	unsubscribe := s.Store().Subscribe(func(ch store.Change) {
		if ch.Kind == store.ChangeMessages && ch.ConversationID == id {
			p.print(s.Messages(id))
		}
	})
	defer unsubscribe()

	if err := s.Open(ctx, id); err != nil {
		return fail(err)
	}
	log.Info("watching", zap.Int64("conversation_id", id))
	if opts.send != "" {
		if err := s.SendText(ctx, id, opts.send); err != nil {
			return fail(err)
		}
	}
	return g.Wait()
}

// printer writes each confirmed message once.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]bool
}

func (p *printer) print(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if !m.Confirmed() || p.seen[m.Key()] {
			continue
		}
		p.seen[m.Key()] = true
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.SentAt.Local().Format("2006-01-02 15:04"), m.SenderUsername, m.Body)
		for _, a := range m.Attachments {
			fmt.Fprintf(p.out, "    attachment %s (%s, %d bytes) %s\n", a.FileName, a.FileType, a.FileSize, a.URL)
		}
	}
}
