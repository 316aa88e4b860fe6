// Package instagram is the Instagram side of the bot: an authenticated
// private-API client plus helpers for post URLs and shortcodes.
//
// Every call makes a single attempt. Failures come back as errors and
// callers turn them into FAILED records or skipped work.
package instagram

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoSession   = errors.New("instagram session is missing or invalid")
	ErrBadCode     = errors.New("invalid post shortcode")
	ErrRateLimited = errors.New("instagram rate limited the request")
)

type Comment struct {
	ID        string
	UserID    string
	Username  string
	Text      string
	CreatedAt time.Time
}

type User struct {
	ID       string
	Username string
	FullName string
}

// Client is everything the bot asks of Instagram.
type Client interface {
	SendDirectMessage(ctx context.Context, recipientID, text string) error
	GetComments(ctx context.Context, mediaID string, limit int) ([]Comment, error)
	MediaIDFromCode(ctx context.Context, code string) (string, error)
	GetFollowers(ctx context.Context, accountID string) ([]User, error)
	// AccountID is the logged-in account's user id.
	AccountID() string
}
