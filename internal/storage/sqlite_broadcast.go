package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const broadcastCols = `id, name, message, segment_type, segment_filter, status,
total_users, sent_count, failed_count, created_at, started_at, completed_at`

func scanBroadcast(row interface{ Scan(...any) error }) (Broadcast, error) {
	var (
		b                     Broadcast
		segType, status       string
		createdAt             int64
		startedAt, completeAt sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.Name, &b.Message, &segType, &b.Segment.Filter, &status,
		&b.Total, &b.Sent, &b.Failed, &createdAt, &startedAt, &completeAt)
	if err != nil {
		return Broadcast{}, err
	}
	b.Segment.Type = SegmentType(segType)
	b.Status = BroadcastStatus(status)
	b.CreatedAt = fromMillis(createdAt)
	b.StartedAt = fromNullMillis(startedAt)
	b.CompletedAt = fromNullMillis(completeAt)
	return b, nil
}

// CreateBroadcast inserts the campaign and its recipients in one
// transaction. Duplicate user ids are collapsed; Total is the number of
// recipients actually stored and never changes afterwards.
func (s *sqliteStore) CreateBroadcast(ctx context.Context, b Broadcast, recipients []Recipient) (Broadcast, error) {
	if len(recipients) == 0 {
		return Broadcast{}, errors.New("broadcast has no recipients")
	}
	if b.Status == "" {
		b.Status = BroadcastPending
	}
	now := s.now()

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO broadcasts(name, message, segment_type, segment_filter, status, created_at)
			 VALUES(?,?,?,?,?,?) RETURNING id`,
			b.Name, b.Message, string(b.Segment.Type), b.Segment.Filter, string(b.Status), millis(now),
		).Scan(&id)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO broadcast_recipients(broadcast_id, user_id, username, status) VALUES(?,?,?,'pending')`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		total := 0
		for _, r := range recipients {
			if strings.TrimSpace(r.UserID) == "" {
				continue
			}
			res, err := stmt.ExecContext(ctx, id, r.UserID, r.Username)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
		if total == 0 {
			return errors.New("broadcast has no recipients")
		}
		_, err = tx.ExecContext(ctx, `UPDATE broadcasts SET total_users = ? WHERE id = ?`, total, id)
		return err
	})
	if err != nil {
		return Broadcast{}, err
	}
	return s.GetBroadcast(ctx, id)
}

func (s *sqliteStore) GetBroadcast(ctx context.Context, id int64) (Broadcast, error) {
	b, err := scanBroadcast(s.db.QueryRowContext(ctx, `SELECT `+broadcastCols+` FROM broadcasts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Broadcast{}, ErrNotFound
	}
	return b, err
}

func (s *sqliteStore) ListBroadcasts(ctx context.Context, limit int) ([]Broadcast, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryBroadcasts(ctx,
		`SELECT `+broadcastCols+` FROM broadcasts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *sqliteStore) ListBroadcastsByStatus(ctx context.Context, status BroadcastStatus) ([]Broadcast, error) {
	return s.queryBroadcasts(ctx,
		`SELECT `+broadcastCols+` FROM broadcasts WHERE status = ? ORDER BY id`, string(status))
}

func (s *sqliteStore) queryBroadcasts(ctx context.Context, q string, args ...any) ([]Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TransitionBroadcast moves a broadcast to status `to` only if its current
// status is one of `from` (any non-terminal status when from is empty).
// started_at is stamped on the first move to in_progress, completed_at on
// completed or cancelled. It reports whether a row changed.
func (s *sqliteStore) TransitionBroadcast(ctx context.Context, id int64, to BroadcastStatus, from ...BroadcastStatus) (bool, error) {
	if len(from) == 0 {
		from = []BroadcastStatus{BroadcastPending, BroadcastInProgress, BroadcastPaused}
	}
	now := millis(s.now())

	q := `UPDATE broadcasts SET status = ?`
	args := []any{string(to)}
	switch to {
	case BroadcastInProgress:
		q += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	case BroadcastCompleted, BroadcastCancelled:
		q += `, completed_at = ?`
		args = append(args, now)
	}
	q += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) PendingRecipients(ctx context.Context, broadcastID int64, limit int) ([]BroadcastRecipient, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, broadcast_id, user_id, username, status, sent_at, error
		 FROM broadcast_recipients WHERE broadcast_id = ? AND status = 'pending' ORDER BY id LIMIT ?`,
		broadcastID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BroadcastRecipient
	for rows.Next() {
		var (
			r      BroadcastRecipient
			status string
			sentAt sql.NullInt64
			errTxt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.BroadcastID, &r.UserID, &r.Username, &status, &sentAt, &errTxt); err != nil {
			return nil, err
		}
		r.Status = MessageStatus(status)
		r.SentAt = fromNullMillis(sentAt)
		r.Error = errTxt.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordRecipientOutcome flips a pending recipient to sent or failed and
// bumps the matching broadcast counter in the same transaction. A recipient
// that is no longer pending is left alone and false is returned.
func (s *sqliteStore) RecordRecipientOutcome(ctx context.Context, recipientID int64, status MessageStatus, errText string) (bool, error) {
	var counter string
	switch status {
	case StatusSent:
		counter = "sent_count"
	case StatusFailed:
		counter = "failed_count"
	default:
		return false, errors.New("recipient outcome must be sent or failed")
	}

	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var broadcastID int64
		err := tx.QueryRowContext(ctx,
			`UPDATE broadcast_recipients SET status = ?, sent_at = ?, error = ?
			 WHERE id = ? AND status = 'pending' RETURNING broadcast_id`,
			string(status), millis(s.now()), nullStr(errText), recipientID,
		).Scan(&broadcastID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE broadcasts SET `+counter+` = `+counter+` + 1 WHERE id = ?`, broadcastID); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func (s *sqliteStore) CountBroadcastSentSince(ctx context.Context, broadcastID int64, since time.Time) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(1) FROM broadcast_recipients WHERE broadcast_id = ? AND status = 'sent' AND sent_at >= ?`,
		broadcastID, millis(since))
}

func (s *sqliteStore) DeleteBroadcast(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "broadcasts", id)
}

// CommentersByKeyword returns everyone successfully messaged by a rule on
// this keyword.
func (s *sqliteStore) CommentersByKeyword(ctx context.Context, keywordID int64) ([]Recipient, error) {
	return s.queryRecipients(ctx, `
SELECT m.recipient_id, MAX(m.recipient_name)
FROM sent_messages m JOIN rules r ON r.id = m.rule_id
WHERE r.keyword_id = ? AND m.status = 'sent'
GROUP BY m.recipient_id ORDER BY MIN(m.id)`, keywordID)
}

// AllMessagedRecipients returns everyone who received at least one message.
func (s *sqliteStore) AllMessagedRecipients(ctx context.Context) ([]Recipient, error) {
	return s.queryRecipients(ctx, `
SELECT recipient_id, MAX(recipient_name) FROM sent_messages
WHERE status = 'sent'
GROUP BY recipient_id ORDER BY MIN(id)`)
}

func (s *sqliteStore) FollowersWelcomedSince(ctx context.Context, since time.Time) ([]Recipient, error) {
	return s.queryRecipients(ctx,
		`SELECT user_id, username FROM processed_followers WHERE welcomed_at >= ? ORDER BY welcomed_at`,
		millis(since))
}

func (s *sqliteStore) queryRecipients(ctx context.Context, q string, args ...any) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.UserID, &r.Username); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
