package composer

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ageniuscoder/mmchat/chatsync/internal/realtime"
	"github.com/ageniuscoder/mmchat/chatsync/internal/timer"
)

// TypingIdle is the quiet period after which typing_stop is sent.
const TypingIdle = 2000 * time.Millisecond

type TypingSink interface {
	EmitTyping(conversationID int64, typing bool) error
}

// TypingEmitter sends typing_start once per burst of keystrokes and
// typing_stop once the burst ends.
type TypingEmitter struct {
	conv   int64
	sink   TypingSink
	idle   *timer.Keyed[int64]
	delay  time.Duration
	active bool
	log    *zap.Logger
}

func NewTypingEmitter(conversationID int64, sink TypingSink, clock timer.Clock, post func(func()), log *zap.Logger) *TypingEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &TypingEmitter{
		conv:  conversationID,
		sink:  sink,
		idle:  timer.NewKeyed[int64](clock, post),
		delay: TypingIdle,
		log:   log,
	}
}

func (e *TypingEmitter) Active() bool { return e.active }

// Keystroke marks activity. A typing_start that could not be sent is
// tried again on the next keystroke.
func (e *TypingEmitter) Keystroke() {
	if !e.active {
		e.active = e.emit(true)
	}
	e.idle.Reset(e.conv, e.delay, e.Stop)
}

// Stop sends typing_stop if a typing_start is outstanding.
func (e *TypingEmitter) Stop() {
	e.idle.Cancel(e.conv)
	if !e.active {
		return
	}
	e.active = false
	e.emit(false)
}

func (e *TypingEmitter) emit(typing bool) bool {
	err := e.sink.EmitTyping(e.conv, typing)
	switch {
	case err == nil:
		return true
	case errors.Is(err, realtime.ErrNotJoined), errors.Is(err, realtime.ErrNotConnected):
		e.log.Debug("typing signal not sent", zap.Int64("conversation_id", e.conv), zap.Bool("typing", typing), zap.Error(err))
	default:
		e.log.Warn("typing signal failed", zap.Int64("conversation_id", e.conv), zap.Bool("typing", typing), zap.Error(err))
	}
	return false
}
