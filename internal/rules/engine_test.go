package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/internal/dispatch"
	"leadbot/internal/storage"
	"leadbot/pkg/logx"
)

type fakeRules map[int64]storage.Rule

func (f fakeRules) GetRule(_ context.Context, id int64) (storage.Rule, error) {
	r, ok := f[id]
	if !ok {
		return storage.Rule{}, storage.ErrNotFound
	}
	return r, nil
}

type fakeQueue struct {
	reqs []dispatch.Request
	err  error
}

func (f *fakeQueue) Enqueue(req dispatch.Request) error {
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

func activeRule(id int64, content string) storage.Rule {
	return storage.Rule{
		ID:       id,
		Active:   true,
		Keyword:  storage.Keyword{ID: 10, Word: "price", Active: true},
		Template: storage.Template{ID: 20, Content: content},
	}
}

var comment = Comment{ID: "c1", PostID: 5, PostCode: "ABC", UserID: "u1", Username: "alice", Text: "price?"}

func TestProcessMatchEnqueuesRenderedMessage(t *testing.T) {
	q := &fakeQueue{}
	e := NewEngine(fakeRules{1: activeRule(1, "Hi {username}, see {post_url} about {keyword}")}, q, logx.Nop(), "")

	require.NoError(t, e.ProcessMatch(context.Background(), comment, 1))
	require.Len(t, q.reqs, 1)
	req := q.reqs[0]
	assert.Equal(t, "Hi alice, see https://instagram.com/p/ABC about price", req.Text)
	assert.Equal(t, "u1", req.RecipientID)
	assert.Equal(t, "alice", req.RecipientName)
	assert.Equal(t, int64(5), req.PostID)
	assert.Equal(t, int64(1), req.RuleID)
}

func TestProcessMatchUnknownPlaceholderSendsRaw(t *testing.T) {
	q := &fakeQueue{}
	e := NewEngine(fakeRules{1: activeRule(1, "Hi {name}")}, q, logx.Nop(), "")

	require.NoError(t, e.ProcessMatch(context.Background(), comment, 1))
	require.Len(t, q.reqs, 1)
	assert.Equal(t, "Hi {name}", q.reqs[0].Text)
}

func TestProcessMatchSkipsDeactivatedRule(t *testing.T) {
	r := activeRule(1, "Hi")
	r.Active = false
	q := &fakeQueue{}
	e := NewEngine(fakeRules{1: r}, q, logx.Nop(), "")

	require.NoError(t, e.ProcessMatch(context.Background(), comment, 1))
	require.NoError(t, e.ProcessMatch(context.Background(), comment, 99))
	assert.Empty(t, q.reqs)
}

func TestProcessMatchCustomPostURLBase(t *testing.T) {
	q := &fakeQueue{}
	e := NewEngine(fakeRules{1: activeRule(1, "{post_url}")}, q, logx.Nop(), "https://www.instagram.com/p")

	require.NoError(t, e.ProcessMatch(context.Background(), comment, 1))
	assert.Equal(t, "https://www.instagram.com/p/ABC", q.reqs[0].Text)
}

func TestProcessMatchEnqueueError(t *testing.T) {
	q := &fakeQueue{err: dispatch.ErrStopped}
	e := NewEngine(fakeRules{1: activeRule(1, "Hi")}, q, logx.Nop(), "")

	err := e.ProcessMatch(context.Background(), comment, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrStopped))
}
