package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/internal/storage"
	"leadbot/pkg/logx"
)

type fakeSource struct {
	rules []storage.Rule
	calls int
	err   error
}

func (f *fakeSource) ListActiveRules(context.Context) ([]storage.Rule, error) {
	f.calls++
	return f.rules, f.err
}

func rule(id int64, word string, mode storage.MatchMode) storage.Rule {
	return storage.Rule{
		ID:      id,
		Active:  true,
		Keyword: storage.Keyword{ID: id, Word: word, Mode: mode, Active: true},
	}
}

func TestMatchModes(t *testing.T) {
	cases := []struct {
		name string
		word string
		mode storage.MatchMode
		text string
		want bool
	}{
		{"exact token", "price", storage.MatchExact, "What's the PRICE?", true},
		{"exact not substring", "price", storage.MatchExact, "priceless", false},
		{"exact unicode", "цена", storage.MatchExact, "Какая ЦЕНА?", true},
		{"exact unicode boundary", "цена", storage.MatchExact, "бесценная", false},
		{"contains substring", "price", storage.MatchContains, "priceless", true},
		{"contains case", "инфо", storage.MatchContains, "ИНФОРМАЦИЯ", true},
		{"contains miss", "price", storage.MatchContains, "cost?", false},
		{"regex anchored start", "^hi", storage.MatchRegex, "Hi there", true},
		{"regex anchored miss", "^hi", storage.MatchRegex, "oh hi", false},
		{"regex anywhere", `pri[cz]e`, storage.MatchRegex, "the PRIZE is", true},
		{"regex invalid", `(unclosed`, storage.MatchRegex, "(unclosed", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(&fakeSource{rules: []storage.Rule{rule(1, tc.word, tc.mode)}}, logx.Nop())
			got, err := m.FindMatchingRule(context.Background(), tc.text, 1)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got != nil)
		})
	}
}

func TestInvalidPatternDoesNotStopLaterRules(t *testing.T) {
	src := &fakeSource{rules: []storage.Rule{
		rule(1, `([bad`, storage.MatchRegex),
		rule(2, "price", storage.MatchContains),
	}}
	m := New(src, logx.Nop())
	got, err := m.FindMatchingRule(context.Background(), "price please", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID)
}

func TestFirstMatchWins(t *testing.T) {
	src := &fakeSource{rules: []storage.Rule{
		rule(1, "price", storage.MatchContains),
		rule(2, "price", storage.MatchExact),
	}}
	m := New(src, logx.Nop())
	got, err := m.FindMatchingRule(context.Background(), "price", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.ID)
}

func TestPostBindingAndActiveFlags(t *testing.T) {
	bound := rule(1, "price", storage.MatchContains)
	bound.PostID = 7
	bound.Post = &storage.Post{ID: 7, Active: true}

	inactiveKw := rule(2, "info", storage.MatchContains)
	inactiveKw.Keyword.Active = false

	inactivePost := rule(3, "link", storage.MatchContains)
	inactivePost.PostID = 8
	inactivePost.Post = &storage.Post{ID: 8, Active: false}

	m := New(&fakeSource{rules: []storage.Rule{bound, inactiveKw, inactivePost}}, logx.Nop())
	ctx := context.Background()

	got, err := m.FindMatchingRule(ctx, "price?", 7)
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = m.FindMatchingRule(ctx, "price?", 9)
	require.NoError(t, err)
	assert.Nil(t, got, "bound rule must not fire on another post")

	got, err = m.FindMatchingRule(ctx, "info", 7)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = m.FindMatchingRule(ctx, "link", 8)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheIsLazyAndInvalidated(t *testing.T) {
	src := &fakeSource{rules: []storage.Rule{rule(1, "price", storage.MatchContains)}}
	m := New(src, logx.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.FindMatchingRule(ctx, "price", 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls)

	src.rules = append(src.rules, rule(2, "info", storage.MatchContains))
	got, err := m.FindMatchingRule(ctx, "info", 1)
	require.NoError(t, err)
	assert.Nil(t, got, "stale cache until invalidated")

	m.Invalidate()
	got, err = m.FindMatchingRule(ctx, "info", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, src.calls)
}

// gatedSource blocks its first load until release is closed.
type gatedSource struct {
	mu      sync.Mutex
	rules   []storage.Rule
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) ListActiveRules(context.Context) ([]storage.Rule, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	rules := g.rules
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	return rules, nil
}

func (g *gatedSource) set(rules []storage.Rule) {
	g.mu.Lock()
	g.rules = rules
	g.mu.Unlock()
}

func TestInvalidateDuringLoadDiscardsStaleRules(t *testing.T) {
	src := &gatedSource{
		rules:   []storage.Rule{rule(1, "price", storage.MatchContains)},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := New(src, logx.Nop())
	ctx := context.Background()

	type result struct {
		rule *storage.Rule
		err  error
	}
	done := make(chan result, 1)
	go func() {
		r, err := m.FindMatchingRule(ctx, "price", 1)
		done <- result{r, err}
	}()

	<-src.entered
	src.set(nil)
	m.Invalidate()
	close(src.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Nil(t, res.rule, "load that raced Invalidate must not be used")

	got, err := m.FindMatchingRule(ctx, "price", 1)
	require.NoError(t, err)
	assert.Nil(t, got, "deleted rule still cached after Invalidate")
	src.mu.Lock()
	assert.Equal(t, 2, src.calls)
	src.mu.Unlock()
}

func TestRefreshErrorIsReturned(t *testing.T) {
	m := New(&fakeSource{err: errors.New("db down")}, logx.Nop())
	_, err := m.FindMatchingRule(context.Background(), "price", 1)
	require.Error(t, err)
}

func TestEmptyTextNeverMatches(t *testing.T) {
	src := &fakeSource{rules: []storage.Rule{rule(1, "", storage.MatchContains)}}
	m := New(src, logx.Nop())
	got, err := m.FindMatchingRule(context.Background(), "   ", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, src.calls)
}
