package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
)

const messageColumns = `
	m.id, m.conversation_id, m.sender_id, u.username, m.client_id, m.content, m.attachments, m.sent_at,
	CASE WHEN EXISTS (
		SELECT 1 FROM participants r
		WHERE r.conversation_id = m.conversation_id AND r.user_id <> m.sender_id AND r.last_read_message_id >= m.id
	) THEN 'read' ELSE 'sent' END`

// InsertMessage stores m for its sender. A repeated client id from the
// same sender returns the stored message with created false.
func (s *Sqlite) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, bool, error) {
	ok, err := s.IsParticipant(ctx, m.ConversationID, m.SenderID)
	if err != nil {
		return chat.Message{}, false, err
	}
	if !ok {
		return chat.Message{}, false, ErrNotParticipant
	}

	if m.ClientID != "" {
		stored, err := s.messageByClientID(ctx, m.SenderID, m.ClientID)
		if err == nil {
			return stored, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return chat.Message{}, false, err
		}
	}

	atts := m.Attachments
	if atts == nil {
		atts = []chat.Attachment{}
	}
	raw, err := json.Marshal(atts)
	if err != nil {
		return chat.Message{}, false, err
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}

	var clientID sql.NullString
	if m.ClientID != "" {
		clientID = sql.NullString{String: m.ClientID, Valid: true}
	}
	res, err := s.Db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, client_id, content, attachments, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.SenderID, clientID, m.Body, string(raw), formatTime(m.SentAt))
	if err != nil {
		// lost a race with the same client id
		if stored, lookupErr := s.messageByClientID(ctx, m.SenderID, m.ClientID); m.ClientID != "" && lookupErr == nil {
			return stored, false, nil
		}
		return chat.Message{}, false, err
	}
	id, _ := res.LastInsertId()
	stored, err := s.Message(ctx, id)
	return stored, err == nil, err
}

func (s *Sqlite) Message(ctx context.Context, id int64) (chat.Message, error) {
	return s.scanOne(s.Db.QueryRowContext(ctx, `SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id=?`, id))
}

func (s *Sqlite) messageByClientID(ctx context.Context, sender int64, clientID string) (chat.Message, error) {
	return s.scanOne(s.Db.QueryRowContext(ctx, `SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.sender_id=? AND m.client_id=?`, sender, clientID))
}

// ListMessages returns one page of cid, newest first.
func (s *Sqlite) ListMessages(ctx context.Context, cid int64, limit, offset int) ([]chat.Message, error) {
	rows, err := s.Db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id=?
		ORDER BY m.sent_at DESC, m.id DESC LIMIT ? OFFSET ?`, cid, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// MarkRead moves the read marker of uid in cid to the newest message and
// returns that message id. It is 0 for an empty conversation.
func (s *Sqlite) MarkRead(ctx context.Context, cid, uid int64) (int64, error) {
	ok, err := s.IsParticipant(ctx, cid, uid)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotParticipant
	}

	var last sql.NullInt64
	if err := s.Db.QueryRowContext(ctx, `SELECT MAX(id) FROM messages WHERE conversation_id=?`, cid).Scan(&last); err != nil {
		return 0, err
	}
	if !last.Valid {
		return 0, nil
	}
	_, err = s.Db.ExecContext(ctx, `UPDATE participants SET last_read_message_id=?
		WHERE conversation_id=? AND user_id=? AND last_read_message_id < ?`, last.Int64, cid, uid, last.Int64)
	return last.Int64, err
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Sqlite) scanOne(row *sql.Row) (chat.Message, error) {
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrNotFound
	}
	return m, err
}

func scanMessage(sc scanner) (chat.Message, error) {
	var (
		m        chat.Message
		clientID sql.NullString
		raw      string
		at       sql.NullString
		status   string
	)
	if err := sc.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderUsername, &clientID, &m.Body, &raw, &at, &status); err != nil {
		return chat.Message{}, err
	}
	m.ClientID = clientID.String
	m.SentAt = parseTime(at)
	m.Status = chat.Status(status)
	if raw != "" && raw != "[]" {
		if err := json.Unmarshal([]byte(raw), &m.Attachments); err != nil {
			return chat.Message{}, err
		}
	}
	return m, nil
}
