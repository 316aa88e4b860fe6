package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"leadbot/pkg/logx"
)

// Store is the persistence API used by the bot.
type Store interface {
	AddPost(ctx context.Context, externalID, url string) (Post, error)
	GetPost(ctx context.Context, id int64) (Post, error)
	ListPosts(ctx context.Context) ([]Post, error)
	ListActivePosts(ctx context.Context) ([]Post, error)
	TogglePost(ctx context.Context, id int64) (bool, error)
	DeletePost(ctx context.Context, id int64) error

	AddKeyword(ctx context.Context, word string, mode MatchMode) (Keyword, error)
	GetKeyword(ctx context.Context, id int64) (Keyword, error)
	ListKeywords(ctx context.Context) ([]Keyword, error)
	ToggleKeyword(ctx context.Context, id int64) (bool, error)
	DeleteKeyword(ctx context.Context, id int64) error

	AddTemplate(ctx context.Context, name, content string) (Template, error)
	GetTemplate(ctx context.Context, id int64) (Template, error)
	ListTemplates(ctx context.Context) ([]Template, error)
	DeleteTemplate(ctx context.Context, id int64) error

	AddRule(ctx context.Context, keywordID, templateID, postID int64) (Rule, error)
	GetRule(ctx context.Context, id int64) (Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	ListActiveRules(ctx context.Context) ([]Rule, error)
	ToggleRule(ctx context.Context, id int64) (bool, error)
	DeleteRule(ctx context.Context, id int64) error

	IsCommentProcessed(ctx context.Context, commentID string) (bool, error)
	MarkCommentProcessed(ctx context.Context, commentID string, postID int64) error

	HasReceived(ctx context.Context, recipientID string, postID int64) (bool, error)
	LogSentMessage(ctx context.Context, m SentMessage) (SentMessage, error)
	CountSentSince(ctx context.Context, since time.Time) (int, error)

	IsFollowerWelcomed(ctx context.Context, userID string) (bool, error)
	MarkFollowerWelcomed(ctx context.Context, userID, username string) error
	CountWelcomedSince(ctx context.Context, since time.Time) (int, error)
	GetWelcomeSettings(ctx context.Context) (WelcomeSettings, error)
	SetWelcomeMessage(ctx context.Context, message string) error
	ToggleWelcome(ctx context.Context) (bool, error)

	CreateBroadcast(ctx context.Context, b Broadcast, recipients []Recipient) (Broadcast, error)
	GetBroadcast(ctx context.Context, id int64) (Broadcast, error)
	ListBroadcasts(ctx context.Context, limit int) ([]Broadcast, error)
	ListBroadcastsByStatus(ctx context.Context, status BroadcastStatus) ([]Broadcast, error)
	TransitionBroadcast(ctx context.Context, id int64, to BroadcastStatus, from ...BroadcastStatus) (bool, error)
	PendingRecipients(ctx context.Context, broadcastID int64, limit int) ([]BroadcastRecipient, error)
	RecordRecipientOutcome(ctx context.Context, recipientID int64, status MessageStatus, errText string) (bool, error)
	CountBroadcastSentSince(ctx context.Context, broadcastID int64, since time.Time) (int, error)
	DeleteBroadcast(ctx context.Context, id int64) error

	CommentersByKeyword(ctx context.Context, keywordID int64) ([]Recipient, error)
	AllMessagedRecipients(ctx context.Context) ([]Recipient, error)
	FollowersWelcomedSince(ctx context.Context, since time.Time) ([]Recipient, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
