package store

import (
	"sort"
	"strconv"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
)

func keyOf(id int64) string { return "m:" + strconv.FormatInt(id, 10) }

// upsert inserts m or reconciles it with the copy already held. On an id
// collision the held copy is kept unless m comes from REST with a different
// timestamp. It reports whether m was new to the list.
func (st *conversationState) upsert(m chat.Message, fromREST bool) bool {
	if i := st.indexOfID(m.ID); i >= 0 {
		held := st.messages[i]
		if fromREST && !held.SentAt.Equal(m.SentAt) {
			m.Status = held.Status.Advance(m.Status)
			if m.ClientID == "" {
				m.ClientID = held.ClientID
			}
			st.messages[i] = m
		} else {
			st.messages[i].Status = held.Status.Advance(m.Status)
		}
		if m.ClientID != "" {
			st.removePending(m.ClientID)
		}
		return false
	}

	if m.ClientID != "" {
		if j := st.indexOfClient(m.ClientID); j >= 0 {
			st.messages[j] = m
			return false
		}
	}
	st.messages = append(st.messages, m)
	return true
}

func (st *conversationState) indexOfID(id int64) int {
	for i, m := range st.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// indexOfClient finds a pending message by client id.
func (st *conversationState) indexOfClient(clientID string) int {
	for i, m := range st.messages {
		if !m.Confirmed() && m.ClientID == clientID {
			return i
		}
	}
	return -1
}

func (st *conversationState) removePending(clientID string) bool {
	i := st.indexOfClient(clientID)
	if i < 0 {
		return false
	}
	st.messages = append(st.messages[:i], st.messages[i+1:]...)
	return true
}

// sort keeps slots stable, so a replacement only moves when its timestamp
// no longer fits between its neighbours.
func (st *conversationState) sort() {
	sort.SliceStable(st.messages, func(i, j int) bool {
		return chat.Less(st.messages[i], st.messages[j])
	})
}

func (st *conversationState) snapshot() []chat.Message {
	out := make([]chat.Message, len(st.messages))
	copy(out, st.messages)
	return out
}
