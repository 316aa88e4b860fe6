// Package admin exposes every operator action as one method. Transports
// (the Telegram bot) do authorization and argument parsing and then call
// exactly one method here.
//
// Methods that change keywords, templates, rules or posts invalidate the
// matcher cache before returning, so the next comment is matched against
// the new rule set.
package admin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"leadbot/internal/broadcast"
	"leadbot/internal/dispatch"
	"leadbot/internal/instagram"
	"leadbot/internal/rules"
	"leadbot/internal/storage"
	"leadbot/pkg/logx"
)

var (
	ErrInvalidPostURL = errors.New("could not extract a post shortcode from the URL")
	ErrInvalidArgs    = errors.New("invalid arguments")
)

type Invalidator interface {
	Invalidate()
}

type Broadcasts interface {
	CreateAndStart(ctx context.Context, name, message string, seg broadcast.Segment) (int64, error)
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
}

type Queue interface {
	Pause()
	Resume()
	Len() int
	State() dispatch.State
}

type Pausable interface {
	Pause()
	Resume()
	Paused() bool
}

type Deps struct {
	Store       storage.Store
	Matcher     Invalidator
	Broadcasts  Broadcasts
	Queue       Queue
	Comments    Pausable
	Followers   Pausable
	PostURLBase string
	Log         logx.Logger
}

type Service struct {
	store       storage.Store
	matcher     Invalidator
	broadcasts  Broadcasts
	queue       Queue
	comments    Pausable
	followers   Pausable
	postURLBase string
	log         logx.Logger
}

func New(d Deps) *Service {
	if d.PostURLBase == "" {
		d.PostURLBase = rules.DefaultPostURLBase
	}
	return &Service{
		store:       d.Store,
		matcher:     d.Matcher,
		broadcasts:  d.Broadcasts,
		queue:       d.Queue,
		comments:    d.Comments,
		followers:   d.Followers,
		postURLBase: d.PostURLBase,
		log:         d.Log,
	}
}

func (s *Service) invalidate() {
	if s.matcher != nil {
		s.matcher.Invalidate()
	}
}

// invalidating runs fn and drops the matcher cache whatever the outcome.
func invalidating[T any](s *Service, fn func() (T, error)) (T, error) {
	defer s.invalidate()
	return fn()
}

// Posts

func (s *Service) AddPost(ctx context.Context, rawURL string) (storage.Post, error) {
	code, ok := instagram.ExtractShortcode(rawURL)
	if !ok {
		return storage.Post{}, ErrInvalidPostURL
	}
	url := strings.TrimSpace(rawURL)
	if !strings.Contains(url, "instagram.com") {
		url = instagram.PostURL("", code)
	}
	return invalidating(s, func() (storage.Post, error) { return s.store.AddPost(ctx, code, url) })
}

func (s *Service) ListPosts(ctx context.Context) ([]storage.Post, error) { return s.store.ListPosts(ctx) }

func (s *Service) TogglePost(ctx context.Context, id int64) (bool, error) {
	return invalidating(s, func() (bool, error) { return s.store.TogglePost(ctx, id) })
}

func (s *Service) DeletePost(ctx context.Context, id int64) error {
	_, err := invalidating(s, func() (struct{}, error) { return struct{}{}, s.store.DeletePost(ctx, id) })
	return err
}

// Keywords

// AddKeyword stores word lowercased, except regex patterns which keep their
// case and must compile.
func (s *Service) AddKeyword(ctx context.Context, word, mode string) (storage.Keyword, error) {
	m, err := storage.ParseMatchMode(mode)
	if err != nil {
		return storage.Keyword{}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	word = strings.TrimSpace(word)
	if m != storage.MatchRegex {
		word = strings.ToLower(word)
	}
	if word == "" {
		return storage.Keyword{}, fmt.Errorf("%w: keyword is empty", ErrInvalidArgs)
	}
	if m == storage.MatchRegex {
		if _, err := regexp.Compile("(?i)" + word); err != nil {
			return storage.Keyword{}, fmt.Errorf("%w: bad pattern: %v", ErrInvalidArgs, err)
		}
	}
	return invalidating(s, func() (storage.Keyword, error) { return s.store.AddKeyword(ctx, word, m) })
}

func (s *Service) ListKeywords(ctx context.Context) ([]storage.Keyword, error) {
	return s.store.ListKeywords(ctx)
}

func (s *Service) ToggleKeyword(ctx context.Context, id int64) (bool, error) {
	return invalidating(s, func() (bool, error) { return s.store.ToggleKeyword(ctx, id) })
}

func (s *Service) DeleteKeyword(ctx context.Context, id int64) error {
	_, err := invalidating(s, func() (struct{}, error) { return struct{}{}, s.store.DeleteKeyword(ctx, id) })
	return err
}

// Templates

func (s *Service) AddTemplate(ctx context.Context, name, content string) (storage.Template, error) {
	name, content = strings.TrimSpace(name), strings.TrimSpace(content)
	if name == "" || content == "" {
		return storage.Template{}, fmt.Errorf("%w: name and content cannot be empty", ErrInvalidArgs)
	}
	return s.store.AddTemplate(ctx, name, content)
}

func (s *Service) ListTemplates(ctx context.Context) ([]storage.Template, error) {
	return s.store.ListTemplates(ctx)
}

func (s *Service) DeleteTemplate(ctx context.Context, id int64) error {
	_, err := invalidating(s, func() (struct{}, error) { return struct{}{}, s.store.DeleteTemplate(ctx, id) })
	return err
}

// PreviewTemplate renders a template with sample values. A template that
// does not render is returned as written together with the render error.
func (s *Service) PreviewTemplate(ctx context.Context, id int64) (string, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return "", err
	}
	out, err := rules.Render(t.Content, map[string]string{
		"username": "sample_user",
		"post_url": s.postURLBase + "ABC123",
		"keyword":  "KEYWORD",
	})
	if err != nil {
		return t.Content, err
	}
	return out, nil
}

// Rules

// AddRule binds a keyword to a template. postID 0 applies it to every post.
func (s *Service) AddRule(ctx context.Context, keywordID, templateID, postID int64) (storage.Rule, error) {
	return invalidating(s, func() (storage.Rule, error) {
		return s.store.AddRule(ctx, keywordID, templateID, postID)
	})
}

func (s *Service) ListRules(ctx context.Context) ([]storage.Rule, error) { return s.store.ListRules(ctx) }

func (s *Service) ToggleRule(ctx context.Context, id int64) (bool, error) {
	return invalidating(s, func() (bool, error) { return s.store.ToggleRule(ctx, id) })
}

func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	_, err := invalidating(s, func() (struct{}, error) { return struct{}{}, s.store.DeleteRule(ctx, id) })
	return err
}

// Welcome

func (s *Service) WelcomeSettings(ctx context.Context) (storage.WelcomeSettings, error) {
	return s.store.GetWelcomeSettings(ctx)
}

func (s *Service) SetWelcomeMessage(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Errorf("%w: welcome message is empty", ErrInvalidArgs)
	}
	return s.store.SetWelcomeMessage(ctx, message)
}

func (s *Service) ToggleWelcome(ctx context.Context) (bool, error) { return s.store.ToggleWelcome(ctx) }

// Broadcasts

func (s *Service) CreateBroadcast(ctx context.Context, name, message string, segType storage.SegmentType, filter string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		name = "Broadcast"
	}
	return s.broadcasts.CreateAndStart(ctx, name, message, broadcast.Segment{Type: segType, Filter: filter})
}

func (s *Service) PauseBroadcast(ctx context.Context, id int64) error {
	return s.broadcasts.Pause(ctx, id)
}

func (s *Service) ResumeBroadcast(ctx context.Context, id int64) error {
	return s.broadcasts.Resume(ctx, id)
}

func (s *Service) CancelBroadcast(ctx context.Context, id int64) error {
	return s.broadcasts.Cancel(ctx, id)
}

func (s *Service) GetBroadcast(ctx context.Context, id int64) (storage.Broadcast, error) {
	return s.store.GetBroadcast(ctx, id)
}

func (s *Service) ListBroadcasts(ctx context.Context) ([]storage.Broadcast, error) {
	return s.store.ListBroadcasts(ctx, 10)
}

type KeywordAudience struct {
	Keyword storage.Keyword
	Users   int
}

// Segments is the audience size of every segment an operator can target.
type Segments struct {
	AllCommenters int
	NewFollowers  int // last 7 days
	ByKeyword     []KeywordAudience
}

func (s *Service) Segments(ctx context.Context) (Segments, error) {
	var out Segments
	all, err := s.store.AllMessagedRecipients(ctx)
	if err != nil {
		return out, err
	}
	out.AllCommenters = len(all)

	recent, err := s.store.FollowersWelcomedSince(ctx, time.Now().AddDate(0, 0, -7))
	if err != nil {
		return out, err
	}
	out.NewFollowers = len(recent)

	kws, err := s.store.ListKeywords(ctx)
	if err != nil {
		return out, err
	}
	if len(kws) > 10 {
		kws = kws[:10]
	}
	for _, k := range kws {
		users, err := s.store.CommentersByKeyword(ctx, k.ID)
		if err != nil {
			return out, err
		}
		out.ByKeyword = append(out.ByKeyword, KeywordAudience{Keyword: k, Users: len(users)})
	}
	return out, nil
}

// Bot control

// PauseBot stops comment monitoring, follower welcomes and
// keyword-triggered sends. Running broadcasts are controlled separately.
func (s *Service) PauseBot() {
	if s.comments != nil {
		s.comments.Pause()
	}
	if s.followers != nil {
		s.followers.Pause()
	}
	if s.queue != nil {
		s.queue.Pause()
	}
	s.log.Info("bot paused by admin")
}

func (s *Service) ResumeBot() {
	if s.comments != nil {
		s.comments.Resume()
	}
	if s.followers != nil {
		s.followers.Resume()
	}
	if s.queue != nil {
		s.queue.Resume()
	}
	s.log.Info("bot resumed by admin")
}

type Status struct {
	Paused       bool
	QueueState   string
	QueueLen     int
	SentLastHour int
	Stats        storage.Stats
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	sent, err := s.store.CountSentSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return Status{}, err
	}
	out := Status{Stats: st, SentLastHour: sent}
	if s.comments != nil {
		out.Paused = s.comments.Paused()
	}
	if s.queue != nil {
		out.QueueLen = s.queue.Len()
		out.QueueState = s.queue.State().String()
	}
	return out, nil
}
