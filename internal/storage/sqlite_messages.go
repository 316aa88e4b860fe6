package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

func (s *sqliteStore) IsCommentProcessed(ctx context.Context, commentID string) (bool, error) {
	n, err := s.count(ctx, `SELECT COUNT(1) FROM processed_comments WHERE comment_id = ?`, commentID)
	return n > 0, err
}

// MarkCommentProcessed is idempotent.
func (s *sqliteStore) MarkCommentProcessed(ctx context.Context, commentID string, postID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_comments(comment_id, post_id, processed_at) VALUES(?,?,?)`,
		commentID, postID, millis(s.now()),
	)
	return err
}

func (s *sqliteStore) HasReceived(ctx context.Context, recipientID string, postID int64) (bool, error) {
	n, err := s.count(ctx,
		`SELECT COUNT(1) FROM sent_messages WHERE recipient_id = ? AND post_id = ? AND status = 'sent'`,
		recipientID, postID,
	)
	return n > 0, err
}

// LogSentMessage records one delivery attempt. A second SENT row for the same
// recipient and post is rejected with ErrDuplicate.
func (s *sqliteStore) LogSentMessage(ctx context.Context, m SentMessage) (SentMessage, error) {
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.SentAt.IsZero() {
		m.SentAt = s.now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sent_messages(recipient_id, recipient_name, post_id, rule_id, body, status, error, sent_at)
		 VALUES(?,?,?,?,?,?,?,?) RETURNING id`,
		m.RecipientID, m.RecipientName, m.PostID, m.RuleID, m.Body, string(m.Status), nullStr(m.Error), millis(m.SentAt),
	).Scan(&m.ID)
	if isUniqueViolation(err) {
		return SentMessage{}, ErrDuplicate
	}
	if err != nil {
		return SentMessage{}, err
	}
	return m, nil
}

func (s *sqliteStore) CountSentSince(ctx context.Context, since time.Time) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(1) FROM sent_messages WHERE status = 'sent' AND sent_at >= ?`, millis(since))
}

func (s *sqliteStore) IsFollowerWelcomed(ctx context.Context, userID string) (bool, error) {
	n, err := s.count(ctx, `SELECT COUNT(1) FROM processed_followers WHERE user_id = ?`, userID)
	return n > 0, err
}

func (s *sqliteStore) MarkFollowerWelcomed(ctx context.Context, userID, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_followers(user_id, username, welcomed_at) VALUES(?,?,?)`,
		userID, username, millis(s.now()),
	)
	return err
}

func (s *sqliteStore) CountWelcomedSince(ctx context.Context, since time.Time) (int, error) {
	return s.count(ctx, `SELECT COUNT(1) FROM processed_followers WHERE welcomed_at >= ?`, millis(since))
}

// GetWelcomeSettings returns disabled settings when none were saved yet.
func (s *sqliteStore) GetWelcomeSettings(ctx context.Context) (WelcomeSettings, error) {
	var (
		ws WelcomeSettings
		at int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, message, updated_at FROM welcome_settings WHERE id = 1`,
	).Scan(&ws.Enabled, &ws.Message, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return WelcomeSettings{}, nil
	}
	if err != nil {
		return WelcomeSettings{}, err
	}
	ws.UpdatedAt = fromMillis(at)
	return ws, nil
}

// SetWelcomeMessage saves the message. A first save leaves welcomes disabled;
// later saves keep the current flag.
func (s *sqliteStore) SetWelcomeMessage(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("welcome message is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO welcome_settings(id, enabled, message, updated_at) VALUES(1,0,?,?)
		 ON CONFLICT(id) DO UPDATE SET message = excluded.message, updated_at = excluded.updated_at`,
		message, millis(s.now()),
	)
	return err
}

func (s *sqliteStore) ToggleWelcome(ctx context.Context) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO welcome_settings(id, enabled, message, updated_at) VALUES(1,1,'',?)
		 ON CONFLICT(id) DO UPDATE SET enabled = 1 - enabled, updated_at = excluded.updated_at
		 RETURNING enabled`,
		millis(s.now()),
	).Scan(&enabled)
	return enabled, err
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(1) FROM posts),
  (SELECT COUNT(1) FROM posts WHERE active = 1),
  (SELECT COUNT(1) FROM keywords),
  (SELECT COUNT(1) FROM templates),
  (SELECT COUNT(1) FROM rules),
  (SELECT COUNT(1) FROM processed_comments),
  (SELECT COUNT(1) FROM sent_messages WHERE status = 'sent'),
  (SELECT COUNT(1) FROM processed_followers),
  (SELECT COUNT(1) FROM broadcasts)`,
	).Scan(&st.Posts, &st.ActivePosts, &st.Keywords, &st.Templates, &st.Rules,
		&st.CommentsProcessed, &st.MessagesSent, &st.Welcomed, &st.Broadcasts)
	return st, err
}
