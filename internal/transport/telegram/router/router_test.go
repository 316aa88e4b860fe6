package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/internal/admin"
	"leadbot/internal/broadcast"
	"leadbot/internal/matcher"
	"leadbot/internal/storage"
	kit "leadbot/internal/transport"
	"leadbot/pkg/logx"
)

const adminID = 42

type fakeSender struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return kit.MessageRef{MessageID: len(f.replies)}, nil
}

func (f *fakeSender) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type fakeBroadcasts struct {
	segs []broadcast.Segment
}

func (f *fakeBroadcasts) CreateAndStart(_ context.Context, _, _ string, seg broadcast.Segment) (int64, error) {
	f.segs = append(f.segs, seg)
	return int64(len(f.segs)), nil
}
func (f *fakeBroadcasts) Pause(context.Context, int64) error  { return nil }
func (f *fakeBroadcasts) Resume(context.Context, int64) error { return nil }
func (f *fakeBroadcasts) Cancel(context.Context, int64) error { return nil }

type fixture struct {
	r      *Router
	sender *fakeSender
	bc     *fakeBroadcasts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{sender: &fakeSender{}, bc: &fakeBroadcasts{}}
	svc := admin.New(admin.Deps{
		Store:      st,
		Matcher:    matcher.New(st, logx.Nop()),
		Broadcasts: f.bc,
		Log:        logx.Nop(),
	})
	f.r = New(f.sender, []int64{adminID}, logx.Nop())
	f.r.RegisterAdmin(svc)
	return f
}

// send routes one message and runs its job inline.
func (f *fixture) send(t *testing.T, from int64, text string) string {
	t.Helper()
	job := f.r.Route(context.Background(), kit.Update{Message: &kit.Message{ChatID: 1, FromID: from, Text: text}})
	if job != nil {
		job()
	}
	return f.sender.last()
}

func TestNonAdminIsDenied(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, MsgAccessDenied, f.send(t, 7, "/status"))
}

func TestPlainTextIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.send(t, adminID, "hello")
	assert.Equal(t, 0, f.sender.count())
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, MsgUnknownCommand, f.send(t, adminID, "/nope"))
}

func TestHelpListsCommands(t *testing.T) {
	f := newFixture(t)
	out := f.send(t, adminID, "/help@leadbot")
	assert.Contains(t, out, "/add_rule <keyword_id> <template_id> [post_id]")
	assert.Contains(t, out, "/cancel_broadcast <id>")

	cmds := f.r.Commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, "start", cmds[0].Command)
}

func TestRuleLifecycleThroughCommands(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "Keyword 1 added: price (contains)", f.send(t, adminID, "/add_keyword PRICE"))
	assert.Equal(t, "Template 1 added: Promo", f.send(t, adminID, "/add_template Promo | Hi {username}, see {post_url}"))
	assert.Equal(t, "Rule 1 added", f.send(t, adminID, "/add_rule 1 1"))
	assert.Contains(t, f.send(t, adminID, "/rules"), "1. [on] price -> Promo (all posts)")
	assert.Equal(t, "Rule 1 deactivated", f.send(t, adminID, "/toggle_rule 1"))
	assert.Contains(t, f.send(t, adminID, "/preview_template 1"), "Hi sample_user, see ")
}

func TestArgumentErrorsAreReplied(t *testing.T) {
	f := newFixture(t)
	assert.Contains(t, f.send(t, adminID, "/add_rule x"), "Error: usage: /add_rule")
	assert.Equal(t, "Error: ID must be a number", f.send(t, adminID, "/toggle_rule abc"))
	assert.Equal(t, "Error: keyword not found", f.send(t, adminID, "/remove_keyword 99"))
	assert.Contains(t, f.send(t, adminID, "/add_template only-name"), "Error: usage: /add_template")
	assert.Contains(t, f.send(t, adminID, "/add_keyword ab[ regex"), "Error:")
}

func TestWelcomeCommands(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "Welcome message updated.", f.send(t, adminID, "/set_welcome Thanks for following, {username}!"))
	assert.Equal(t, "Welcome messages on", f.send(t, adminID, "/toggle_welcome"))
	assert.Contains(t, f.send(t, adminID, "/welcome"), "Thanks for following, {username}!")
}

func TestBroadcastCommand(t *testing.T) {
	f := newFixture(t)
	out := f.send(t, adminID, "/broadcast followers 3 | Promo | Hi {username}")
	assert.Contains(t, out, "Broadcast #1 started")
	require.Len(t, f.bc.segs, 1)
	assert.Equal(t, broadcast.Segment{Type: storage.SegmentNewFollowers, Filter: "3"}, f.bc.segs[0])

	assert.Contains(t, f.send(t, adminID, "/broadcast"), "/broadcast all | <name> | <message>")
	assert.Equal(t, "Broadcast #1 paused.", f.send(t, adminID, "/pause_broadcast 1"))
}

func TestParseBroadcast(t *testing.T) {
	tests := []struct {
		raw     string
		name    string
		msg     string
		seg     storage.SegmentType
		filter  string
		wantErr bool
	}{
		{raw: "keyword 4 | Promo | Hello", name: "Promo", msg: "Hello", seg: storage.SegmentKeywordCommenters, filter: "4"},
		{raw: "followers | F | Hi", name: "F", msg: "Hi", seg: storage.SegmentNewFollowers, filter: "7"},
		{raw: "ALL | Just text", name: "Just text", msg: "Just text", seg: storage.SegmentAllCommenters},
		{raw: "all |  | Body | with pipe", name: "Broadcast", msg: "Body | with pipe", seg: storage.SegmentAllCommenters},
		{raw: "keyword | x | y", wantErr: true},
		{raw: "vip | x | y", wantErr: true},
		{raw: "all", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			name, msg, seg, filter, err := parseBroadcast(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.msg, msg)
			assert.Equal(t, tt.seg, seg)
			assert.Equal(t, tt.filter, filter)
		})
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in, word, rest string
		ok             bool
	}{
		{"/status", "status", "", true},
		{"/Add_Post@leadbot https://x", "add_post", "https://x", true},
		{"/set_welcome\nHello there", "set_welcome", "Hello there", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tt := range tests {
		word, rest, ok := splitCommand(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.word, word, tt.in)
		assert.Equal(t, tt.rest, rest, tt.in)
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.r.Register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("bad") }})
	assert.Equal(t, "Error: panic: bad", f.send(t, adminID, "/boom"))
}

func TestRunDispatchesUpdates(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.r.Run(ctx, updates)
	}()

	updates <- kit.Update{Message: &kit.Message{ChatID: 1, FromID: adminID, Text: "/status"}}
	require.Eventually(t, func() bool { return f.sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.sender.last(), "State: Running")

	cancel()
	<-done
}
