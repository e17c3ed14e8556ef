package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
)

// CreatePrivate returns the private conversation between uid and other,
// creating it when it does not exist yet.
func (s *Sqlite) CreatePrivate(ctx context.Context, uid, other int64) (id int64, created bool, err error) {
	if uid == other {
		return 0, false, fmt.Errorf("private conversation with yourself: %w", ErrNotParticipant)
	}

	// find existing conversation
	row := s.Db.QueryRowContext(ctx, `SELECT c.id FROM conversations c
		JOIN participants p1 ON p1.conversation_id=c.id AND p1.user_id=?
		JOIN participants p2 ON p2.conversation_id=c.id AND p2.user_id=?
		WHERE c.is_group_chat=0 LIMIT 1`, uid, other)
	if err := row.Scan(&id); err == nil {
		return id, false, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	tx, err := s.Db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO conversations (name, is_group_chat) VALUES (NULL, 0)`)
	if err != nil {
		return 0, false, err
	}
	id, _ = res.LastInsertId()

	// fails on an unknown user because of the foreign key
	if _, err = tx.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id) VALUES (?, ?), (?, ?)`,
		id, uid, id, other); err != nil {
		return 0, false, fmt.Errorf("add participants: %w", ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// CreateGroup creates a named conversation with uid as admin.
func (s *Sqlite) CreateGroup(ctx context.Context, uid int64, name string, members []int64) (int64, error) {
	tx, err := s.Db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO conversations (name, is_group_chat) VALUES (?, 1)`, name)
	if err != nil {
		return 0, err
	}
	cid, _ := res.LastInsertId()

	if _, err := tx.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id, is_admin) VALUES (?, ?, 1)`, cid, uid); err != nil {
		return 0, err
	}
	for _, mid := range members {
		if mid == uid {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO participants (conversation_id, user_id) VALUES (?, ?)`, cid, mid); err != nil {
			return 0, fmt.Errorf("add member %d: %w", mid, ErrNotFound)
		}
	}
	return cid, tx.Commit()
}

// ListConversations returns the conversations of uid, newest first, with
// participants and the unread count for uid filled in. Private
// conversations are named after the other participant.
func (s *Sqlite) ListConversations(ctx context.Context, uid int64) ([]chat.Conversation, error) {
	rows, err := s.Db.QueryContext(ctx, `
		SELECT c.id, c.name, c.is_group_chat, c.job_id, c.proposal_id, c.created_at,
			(SELECT COUNT(1) FROM messages m
				WHERE m.conversation_id = c.id AND m.sender_id <> p.user_id AND m.id > p.last_read_message_id)
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.created_at DESC, c.id DESC`, uid)
	if err != nil {
		return nil, err
	}

	var list []chat.Conversation
	for rows.Next() {
		var (
			cv        chat.Conversation
			name      sql.NullString
			job, prop sql.NullInt64
			ca        sql.NullString
		)
		if err := rows.Scan(&cv.ID, &name, &cv.IsGroup, &job, &prop, &ca, &cv.UnreadCount); err != nil {
			rows.Close()
			return nil, err
		}
		cv.Name = name.String
		if job.Valid {
			cv.JobID = &job.Int64
		}
		if prop.Valid {
			cv.ProposalID = &prop.Int64
		}
		cv.CreatedAt = parseTime(ca)
		list = append(list, cv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// one connection: the list query must be closed before these run
	for i := range list {
		ids, err := s.Participants(ctx, list[i].ID)
		if err != nil {
			return nil, err
		}
		list[i].Participants = ids
		if !list[i].IsGroup && list[i].Name == "" {
			for _, p := range ids {
				if p == uid {
					continue
				}
				if n, err := s.Username(ctx, p); err == nil {
					list[i].Name = n
				}
			}
		}
	}
	return list, nil
}

func (s *Sqlite) IsParticipant(ctx context.Context, cid, uid int64) (bool, error) {
	var n int
	err := s.Db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM participants WHERE conversation_id=? AND user_id=?`, cid, uid).Scan(&n)
	return n > 0, err
}

// Participants returns the member ids of cid in ascending order.
func (s *Sqlite) Participants(ctx context.Context, cid int64) ([]int64, error) {
	return s.ids(ctx, `SELECT user_id FROM participants WHERE conversation_id=? ORDER BY user_id`, cid)
}

// CoParticipants returns everyone who shares a conversation with uid.
func (s *Sqlite) CoParticipants(ctx context.Context, uid int64) ([]int64, error) {
	return s.ids(ctx, `
		SELECT DISTINCT p2.user_id FROM participants p1
		JOIN participants p2 ON p2.conversation_id = p1.conversation_id
		WHERE p1.user_id = ? AND p2.user_id <> ?
		ORDER BY p2.user_id`, uid, uid)
}

func (s *Sqlite) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.Db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
