// Package observer polls Instagram for new comments and followers.
//
// Observers do not loop by themselves; each Poll is one pass and the
// scheduler decides when the next one runs.
package observer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"leadbot/internal/eventbus"
	"leadbot/internal/instagram"
	"leadbot/internal/rules"
	"leadbot/internal/storage"
	"leadbot/pkg/logx"
)

const DefaultCommentsPerPost = 50

type CommentSource interface {
	MediaIDFromCode(ctx context.Context, code string) (string, error)
	GetComments(ctx context.Context, mediaID string, limit int) ([]instagram.Comment, error)
}

type CommentStore interface {
	ListActivePosts(ctx context.Context) ([]storage.Post, error)
	IsCommentProcessed(ctx context.Context, commentID string) (bool, error)
	MarkCommentProcessed(ctx context.Context, commentID string, postID int64) error
	HasReceived(ctx context.Context, recipientID string, postID int64) (bool, error)
}

type RuleMatcher interface {
	FindMatchingRule(ctx context.Context, text string, postID int64) (*storage.Rule, error)
}

type MatchHandler interface {
	ProcessMatch(ctx context.Context, c rules.Comment, ruleID int64) error
}

// Comments turns new comments on active posts into queued messages.
// Every comment is marked processed once seen, whatever happened to it.
type Comments struct {
	source  CommentSource
	store   CommentStore
	matcher RuleMatcher
	handler MatchHandler
	log     logx.Logger
	bus     *eventbus.Bus
	limit   int

	paused atomic.Bool

	mu       sync.Mutex
	mediaIDs map[string]string
}

func NewComments(source CommentSource, store CommentStore, m RuleMatcher, h MatchHandler, log logx.Logger, bus *eventbus.Bus, limit int) *Comments {
	if limit <= 0 {
		limit = DefaultCommentsPerPost
	}
	return &Comments{
		source:   source,
		store:    store,
		matcher:  m,
		handler:  h,
		log:      log,
		bus:      bus,
		limit:    limit,
		mediaIDs: map[string]string{},
	}
}

func (c *Comments) Pause() {
	c.paused.Store(true)
	c.log.Info("comment monitoring paused")
}

func (c *Comments) Resume() {
	c.paused.Store(false)
	c.log.Info("comment monitoring resumed")
}

func (c *Comments) Paused() bool { return c.paused.Load() }

// Poll checks every active post once. A failing post is logged and the
// rest are still checked.
func (c *Comments) Poll(ctx context.Context) error {
	if c.Paused() {
		return nil
	}
	posts, err := c.store.ListActivePosts(ctx)
	if err != nil {
		return fmt.Errorf("list active posts: %w", err)
	}
	if len(posts) == 0 {
		c.log.Debug("no active posts to monitor")
		return nil
	}
	for _, p := range posts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.checkPost(ctx, p); err != nil {
			c.log.Error("checking post failed", logx.String("post", p.ExternalID), logx.Err(err))
			c.bus.Publish(eventbus.TopicError, eventbus.Error{Component: "comments", Message: err.Error()})
		}
	}
	return nil
}

func (c *Comments) mediaID(ctx context.Context, code string) (string, error) {
	c.mu.Lock()
	id, ok := c.mediaIDs[code]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := c.source.MediaIDFromCode(ctx, code)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.mediaIDs[code] = id
	c.mu.Unlock()
	return id, nil
}

func (c *Comments) checkPost(ctx context.Context, p storage.Post) error {
	mediaID, err := c.mediaID(ctx, p.ExternalID)
	if err != nil {
		return fmt.Errorf("media id for %s: %w", p.ExternalID, err)
	}
	comments, err := c.source.GetComments(ctx, mediaID, c.limit)
	if err != nil {
		return fmt.Errorf("comments for %s: %w", p.ExternalID, err)
	}

	for _, cm := range comments {
		done, err := c.store.IsCommentProcessed(ctx, cm.ID)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		c.handle(ctx, p, cm)
		if err := c.store.MarkCommentProcessed(ctx, cm.ID, p.ID); err != nil {
			return fmt.Errorf("mark comment %s: %w", cm.ID, err)
		}
	}
	return nil
}

func (c *Comments) handle(ctx context.Context, p storage.Post, cm instagram.Comment) {
	ev := eventbus.Comment{
		CommentID: cm.ID,
		PostID:    p.ID,
		PostCode:  p.ExternalID,
		UserID:    cm.UserID,
		Username:  cm.Username,
		Text:      cm.Text,
		Action:    "no_match",
	}
	defer func() { c.bus.Publish(eventbus.TopicComment, ev) }()

	log := c.log.With(logx.String("comment_id", cm.ID), logx.String("username", cm.Username))

	rule, err := c.matcher.FindMatchingRule(ctx, cm.Text, p.ID)
	if err != nil {
		log.Error("matching comment failed", logx.Err(err))
		ev.Action = "error"
		return
	}
	if rule == nil {
		return
	}
	ev.Keyword = rule.Keyword.Word

	received, err := c.store.HasReceived(ctx, cm.UserID, p.ID)
	if err != nil {
		log.Error("duplicate check failed", logx.Err(err))
		ev.Action = "error"
		return
	}
	if received {
		log.Debug("user already received a message for this post")
		ev.Action = "already_messaged"
		return
	}

	err = c.handler.ProcessMatch(ctx, rules.Comment{
		ID:       cm.ID,
		PostID:   p.ID,
		PostCode: p.ExternalID,
		UserID:   cm.UserID,
		Username: cm.Username,
		Text:     cm.Text,
	}, rule.ID)
	if err != nil {
		log.Error("processing match failed", logx.Int64("rule_id", rule.ID), logx.Err(err))
		ev.Action = "error"
		return
	}
	log.Info("keyword matched", logx.String("keyword", rule.Keyword.Word), logx.Int64("rule_id", rule.ID))
	ev.Action = "queued"
}
