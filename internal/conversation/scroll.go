package conversation

import "github.com/ageniuscoder/mmchat/chatsync/internal/chat"

// NearBottomThreshold is the distance in pixels from the bottom edge within
// which the list follows new messages.
const NearBottomThreshold = 150

type Action int

const (
	ActionNone Action = iota
	// ActionSnap jumps to the last message without animation.
	ActionSnap
	// ActionSmooth animates to the last message.
	ActionSmooth
	// ActionShowHint leaves the position alone and surfaces the
	// new-message affordance.
	ActionShowHint
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSnap:
		return "snap"
	case ActionSmooth:
		return "smooth"
	case ActionShowHint:
		return "show-hint"
	}
	return "unknown"
}

// Position is the geometry of the scroll container, in pixels.
type Position struct {
	Top          float64
	Height       float64
	ClientHeight float64
}

func (p Position) FromBottom() float64 {
	d := p.Height - p.Top - p.ClientHeight
	if d < 0 {
		return 0
	}
	return d
}

// Tracker decides how the message list reacts to changes. The zero value
// is a tracker for a freshly opened conversation.
type Tracker struct {
	initialDone bool
	scrolledUp  bool
	hint        bool
	last        tail
}

type tail struct {
	key      string
	clientID string
}

func tailOf(m chat.Message) tail { return tail{key: m.Key(), clientID: m.ClientID} }

// same treats a pending message and its confirmed copy as one.
func (t tail) same(o tail) bool {
	return t.key == o.key || (t.clientID != "" && t.clientID == o.clientID)
}

func (t *Tracker) Reset() { *t = Tracker{} }

func (t *Tracker) NearBottom() bool  { return !t.scrolledUp }
func (t *Tracker) HintVisible() bool { return t.hint }

// OnScroll records a scroll event. It reports whether the hint was
// dismissed by coming back near the bottom.
func (t *Tracker) OnScroll(p Position) (dismissed bool) {
	t.scrolledUp = p.FromBottom() > NearBottomThreshold
	if !t.scrolledUp && t.hint {
		t.hint = false
		return true
	}
	return false
}

// OnMessages evaluates a change of the ordered message list. self is the
// local user; their own new messages always follow.
func (t *Tracker) OnMessages(msgs []chat.Message, self int64) Action {
	if len(msgs) == 0 {
		return ActionNone
	}
	last := msgs[len(msgs)-1]
	prev := t.last
	t.last = tailOf(last)

	if !t.initialDone {
		t.initialDone = true
		return ActionSnap
	}
	if prev.same(t.last) {
		// tail unchanged: an older page was merged or a status moved
		return ActionNone
	}
	if last.SenderID == self || !t.scrolledUp {
		t.hint = false
		t.scrolledUp = false
		return ActionSmooth
	}
	t.hint = true
	return ActionShowHint
}

// ShowLatest is the new-message affordance being activated.
func (t *Tracker) ShowLatest() Action {
	t.hint = false
	t.scrolledUp = false
	return ActionSmooth
}
