package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Config configures storage. Driver "sqlite" is the only backend.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// MatchMode selects how a keyword is compared against comment text.
type MatchMode string

const (
	MatchExact    MatchMode = "exact"
	MatchContains MatchMode = "contains"
	MatchRegex    MatchMode = "regex"
)

func ParseMatchMode(s string) (MatchMode, error) {
	switch m := MatchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MatchContains, nil
	case MatchExact, MatchContains, MatchRegex:
		return m, nil
	default:
		return "", fmt.Errorf("unknown match mode %q", s)
	}
}

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

type BroadcastStatus string

const (
	BroadcastPending    BroadcastStatus = "pending"
	BroadcastInProgress BroadcastStatus = "in_progress"
	BroadcastPaused     BroadcastStatus = "paused"
	BroadcastCompleted  BroadcastStatus = "completed"
	BroadcastCancelled  BroadcastStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastCompleted || s == BroadcastCancelled
}

type SegmentType string

const (
	SegmentKeywordCommenters SegmentType = "keyword_commenters"
	SegmentNewFollowers      SegmentType = "new_followers"
	SegmentAllCommenters     SegmentType = "all_commenters"
	SegmentCustom            SegmentType = "custom"
)

type Post struct {
	ID         int64
	ExternalID string // shortcode
	URL        string
	Active     bool
	CreatedAt  time.Time
}

type Keyword struct {
	ID        int64
	Word      string
	Mode      MatchMode
	Active    bool
	CreatedAt time.Time
}

type Template struct {
	ID        int64
	Name      string
	Content   string
	CreatedAt time.Time
}

// Rule binds a keyword to a template, optionally restricted to one post.
// Keyword, Template and Post are loaded alongside the rule.
type Rule struct {
	ID         int64
	PostID     int64 // 0 = any post
	KeywordID  int64
	TemplateID int64
	Active     bool
	CreatedAt  time.Time

	Keyword  Keyword
	Template Template
	Post     *Post
}

type SentMessage struct {
	ID            int64
	RecipientID   string
	RecipientName string
	PostID        int64
	RuleID        int64
	Body          string
	Status        MessageStatus
	Error         string
	SentAt        time.Time
}

type WelcomeSettings struct {
	Enabled   bool
	Message   string
	UpdatedAt time.Time
}

// Segment is a declarative audience description resolved at broadcast start.
type Segment struct {
	Type   SegmentType
	Filter string
}

type Broadcast struct {
	ID          int64
	Name        string
	Message     string
	Segment     Segment
	Status      BroadcastStatus
	Total       int
	Sent        int
	Failed      int
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

type BroadcastRecipient struct {
	ID          int64
	BroadcastID int64
	UserID      string
	Username    string
	Status      MessageStatus
	SentAt      time.Time
	Error       string
}

// Recipient is a resolved audience member.
type Recipient struct {
	UserID   string
	Username string
}

type Stats struct {
	Posts             int
	ActivePosts       int
	Keywords          int
	Templates         int
	Rules             int
	CommentsProcessed int
	MessagesSent      int
	Welcomed          int
	Broadcasts        int
}
