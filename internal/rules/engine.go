// Package rules turns a keyword match on a comment into a queued direct
// message.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"leadbot/internal/dispatch"
	"leadbot/internal/storage"
	"leadbot/pkg/logx"
)

const DefaultPostURLBase = "https://instagram.com/p/"

// Comment is the part of an observed comment the engine needs.
type Comment struct {
	ID       string
	PostID   int64
	PostCode string
	UserID   string
	Username string
	Text     string
}

type RuleStore interface {
	GetRule(ctx context.Context, id int64) (storage.Rule, error)
}

type Enqueuer interface {
	Enqueue(req dispatch.Request) error
}

type Engine struct {
	store       RuleStore
	queue       Enqueuer
	log         logx.Logger
	postURLBase string
}

func NewEngine(store RuleStore, queue Enqueuer, log logx.Logger, postURLBase string) *Engine {
	if strings.TrimSpace(postURLBase) == "" {
		postURLBase = DefaultPostURLBase
	}
	if !strings.HasSuffix(postURLBase, "/") {
		postURLBase += "/"
	}
	return &Engine{store: store, queue: queue, log: log, postURLBase: postURLBase}
}

// ProcessMatch re-reads the rule, renders its template for the commenter
// and enqueues the message without waiting for delivery. A rule that was
// removed or deactivated since matching is skipped with a warning; only
// storage failures are returned.
func (e *Engine) ProcessMatch(ctx context.Context, c Comment, ruleID int64) error {
	rule, err := e.store.GetRule(ctx, ruleID)
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Warn("matched rule no longer exists", logx.Int64("rule_id", ruleID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load rule %d: %w", ruleID, err)
	}
	if !rule.Active || !rule.Keyword.Active || strings.TrimSpace(rule.Template.Content) == "" {
		e.log.Warn("matched rule is inactive or has no template", logx.Int64("rule_id", ruleID))
		return nil
	}

	text := e.render(rule, c)
	err = e.queue.Enqueue(dispatch.Request{
		RecipientID:   c.UserID,
		RecipientName: c.Username,
		Text:          text,
		PostID:        c.PostID,
		RuleID:        rule.ID,
	})
	if err != nil {
		return fmt.Errorf("enqueue for %s: %w", c.Username, err)
	}
	e.log.Info("message task created", logx.String("username", c.Username), logx.Int64("rule_id", rule.ID))
	return nil
}

// render fills {username}, {post_url} and {keyword}. If the template uses
// anything else it is sent as written.
func (e *Engine) render(rule storage.Rule, c Comment) string {
	out, err := Render(rule.Template.Content, map[string]string{
		"username": c.Username,
		"post_url": e.postURLBase + c.PostCode,
		"keyword":  rule.Keyword.Word,
	})
	if err != nil {
		e.log.Warn("template not rendered; sending raw text",
			logx.Int64("template_id", rule.Template.ID), logx.Err(err))
		return rule.Template.Content
	}
	return out
}
