package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/pkg/logx"
)

func newTestStore(t *testing.T) *sqliteStore {
	t.Helper()
	st, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestKeywordsAreLowercasedAndUnique(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	k, err := st.AddKeyword(ctx, "  Price ", "")
	require.NoError(t, err)
	assert.Equal(t, "price", k.Word)
	assert.Equal(t, MatchContains, k.Mode)
	assert.True(t, k.Active)

	_, err = st.AddKeyword(ctx, "PRICE", MatchExact)
	require.ErrorIs(t, err, ErrDuplicate)

	active, err := st.ToggleKeyword(ctx, k.ID)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = st.ToggleKeyword(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegexKeywordsKeepCase(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	upper, err := st.AddKeyword(ctx, `\D+`, MatchRegex)
	require.NoError(t, err)
	assert.Equal(t, `\D+`, upper.Word)

	lower, err := st.AddKeyword(ctx, `\d+`, MatchRegex)
	require.NoError(t, err)
	assert.Equal(t, `\d+`, lower.Word)
	assert.NotEqual(t, upper.ID, lower.ID)
}

func TestActiveRulesLoadRelationsInIDOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	post, err := st.AddPost(ctx, "ABC123", "https://instagram.com/p/ABC123/")
	require.NoError(t, err)
	k1, _ := st.AddKeyword(ctx, "price", MatchContains)
	k2, _ := st.AddKeyword(ctx, "info", MatchExact)
	tpl, _ := st.AddTemplate(ctx, "hello", "Hi {username}")

	r1, err := st.AddRule(ctx, k1.ID, tpl.ID, post.ID)
	require.NoError(t, err)
	r2, err := st.AddRule(ctx, k2.ID, tpl.ID, 0)
	require.NoError(t, err)
	r3, err := st.AddRule(ctx, k1.ID, tpl.ID, 0)
	require.NoError(t, err)
	_, err = st.ToggleRule(ctx, r2.ID)
	require.NoError(t, err)

	rules, err := st.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, r1.ID, rules[0].ID)
	assert.Equal(t, r3.ID, rules[1].ID)

	require.NotNil(t, rules[0].Post)
	assert.Equal(t, "ABC123", rules[0].Post.ExternalID)
	assert.Equal(t, "price", rules[0].Keyword.Word)
	assert.Equal(t, "Hi {username}", rules[0].Template.Content)
	assert.Nil(t, rules[1].Post)
	assert.Zero(t, rules[1].PostID)

	_, err = st.AddRule(ctx, 12345, tpl.ID, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeletingKeywordCascadesToRules(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	k, _ := st.AddKeyword(ctx, "price", MatchContains)
	tpl, _ := st.AddTemplate(ctx, "t", "x")
	r, err := st.AddRule(ctx, k.ID, tpl.ID, 0)
	require.NoError(t, err)

	require.NoError(t, st.DeleteKeyword(ctx, k.ID))
	_, err = st.GetRule(ctx, r.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSentMessageAtMostOnceSent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	failed := SentMessage{RecipientID: "u1", PostID: 1, RuleID: 1, Body: "hi", Status: StatusFailed, Error: "boom"}
	_, err := st.LogSentMessage(ctx, failed)
	require.NoError(t, err)
	_, err = st.LogSentMessage(ctx, failed)
	require.NoError(t, err)

	got, err := st.HasReceived(ctx, "u1", 1)
	require.NoError(t, err)
	assert.False(t, got)

	sent := SentMessage{RecipientID: "u1", PostID: 1, RuleID: 1, Body: "hi", Status: StatusSent}
	m, err := st.LogSentMessage(ctx, sent)
	require.NoError(t, err)
	assert.NotZero(t, m.ID)

	_, err = st.LogSentMessage(ctx, sent)
	require.ErrorIs(t, err, ErrDuplicate)

	got, err = st.HasReceived(ctx, "u1", 1)
	require.NoError(t, err)
	assert.True(t, got)

	// Same recipient on another post is a separate pair.
	_, err = st.LogSentMessage(ctx, SentMessage{RecipientID: "u1", PostID: 2, RuleID: 1, Body: "hi", Status: StatusSent})
	require.NoError(t, err)

	n, err := st.CountSentSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCountSentSinceExcludesOlderRows(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.LogSentMessage(ctx, SentMessage{
		RecipientID: "old", PostID: 1, Body: "x", Status: StatusSent, SentAt: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	_, err = st.LogSentMessage(ctx, SentMessage{RecipientID: "new", PostID: 1, Body: "x", Status: StatusSent})
	require.NoError(t, err)

	n, err := st.CountSentSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessedCommentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	require.NoError(t, st.MarkCommentProcessed(ctx, "c1", 1))
	require.NoError(t, st.MarkCommentProcessed(ctx, "c1", 1))
	ok, err := st.IsCommentProcessed(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.IsCommentProcessed(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWelcomeSettings(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	ws, err := st.GetWelcomeSettings(ctx)
	require.NoError(t, err)
	assert.False(t, ws.Enabled)

	require.NoError(t, st.SetWelcomeMessage(ctx, "Welcome {username}!"))
	ws, err = st.GetWelcomeSettings(ctx)
	require.NoError(t, err)
	assert.False(t, ws.Enabled)
	assert.Equal(t, "Welcome {username}!", ws.Message)

	on, err := st.ToggleWelcome(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, st.SetWelcomeMessage(ctx, "Hello {username}"))
	ws, err = st.GetWelcomeSettings(ctx)
	require.NoError(t, err)
	assert.True(t, ws.Enabled)
	assert.Equal(t, "Hello {username}", ws.Message)
}

func TestBroadcastLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	b, err := st.CreateBroadcast(ctx, Broadcast{
		Name:    "promo",
		Message: "Hi {username}",
		Segment: Segment{Type: SegmentCustom},
	}, []Recipient{{UserID: "1", Username: "a"}, {UserID: "2", Username: "b"}, {UserID: "1", Username: "a"}})
	require.NoError(t, err)
	assert.Equal(t, BroadcastPending, b.Status)
	assert.Equal(t, 2, b.Total)

	ok, err := st.TransitionBroadcast(ctx, b.ID, BroadcastInProgress, BroadcastPending, BroadcastPaused)
	require.NoError(t, err)
	assert.True(t, ok)

	b, err = st.GetBroadcast(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, b.StartedAt.IsZero())

	pending, err := st.PendingRecipients(ctx, b.ID, 5)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	changed, err := st.RecordRecipientOutcome(ctx, pending[0].ID, StatusSent, "")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = st.RecordRecipientOutcome(ctx, pending[0].ID, StatusFailed, "late")
	require.NoError(t, err)
	assert.False(t, changed, "recipient flips out of pending exactly once")

	changed, err = st.RecordRecipientOutcome(ctx, pending[1].ID, StatusFailed, "Send failed")
	require.NoError(t, err)
	assert.True(t, changed)

	b, err = st.GetBroadcast(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Sent)
	assert.Equal(t, 1, b.Failed)
	assert.Equal(t, 2, b.Total)

	n, err := st.CountBroadcastSentSince(ctx, b.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err = st.TransitionBroadcast(ctx, b.ID, BroadcastCancelled)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.TransitionBroadcast(ctx, b.ID, BroadcastInProgress, BroadcastPaused)
	require.NoError(t, err)
	assert.False(t, ok, "cancelled is terminal")

	b, err = st.GetBroadcast(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BroadcastCancelled, b.Status)
	assert.False(t, b.CompletedAt.IsZero())
}

func TestCreateBroadcastWithoutRecipientsPersistsNothing(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.CreateBroadcast(ctx, Broadcast{Name: "x", Message: "y", Segment: Segment{Type: SegmentCustom}},
		[]Recipient{{UserID: " "}})
	require.Error(t, err)

	all, err := st.ListBroadcasts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSegmentQueries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	k, _ := st.AddKeyword(ctx, "price", MatchContains)
	other, _ := st.AddKeyword(ctx, "info", MatchContains)
	tpl, _ := st.AddTemplate(ctx, "t", "x")
	r1, _ := st.AddRule(ctx, k.ID, tpl.ID, 0)
	r2, _ := st.AddRule(ctx, other.ID, tpl.ID, 0)

	log := func(user string, post, rule int64, status MessageStatus) {
		_, err := st.LogSentMessage(ctx, SentMessage{
			RecipientID: user, RecipientName: "@" + user, PostID: post, RuleID: rule, Body: "x", Status: status,
		})
		require.NoError(t, err)
	}
	log("u1", 1, r1.ID, StatusSent)
	log("u1", 2, r1.ID, StatusSent)
	log("u2", 1, r1.ID, StatusFailed)
	log("u3", 1, r2.ID, StatusSent)

	byKw, err := st.CommentersByKeyword(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, []Recipient{{UserID: "u1", Username: "@u1"}}, byKw)

	all, err := st.AllMessagedRecipients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Recipient{{UserID: "u1", Username: "@u1"}, {UserID: "u3", Username: "@u3"}}, all)

	require.NoError(t, st.MarkFollowerWelcomed(ctx, "f1", "fan"))
	followers, err := st.FollowersWelcomedSince(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []Recipient{{UserID: "f1", Username: "fan"}}, followers)

	n, err := st.CountWelcomedSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Keywords)
	assert.Equal(t, 2, stats.Rules)
	assert.Equal(t, 3, stats.MessagesSent)
	assert.Equal(t, 1, stats.Welcomed)
}
