// Package matcher finds the first active rule whose keyword matches a comment.
//
// Active rules are cached in memory. The cache never expires on its own:
// it is rebuilt lazily after Invalidate, or eagerly with Refresh. Callers
// that change keywords or rules must call Invalidate before returning so
// the next lookup sees the change.
package matcher

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"leadbot/internal/storage"
	"leadbot/pkg/logx"
)

// RuleSource loads active rules, keyword and template included, in match
// priority order.
type RuleSource interface {
	ListActiveRules(ctx context.Context) ([]storage.Rule, error)
}

var wordRe = regexp.MustCompile(`[\p{L}\p{M}\p{N}_]+`)

type Matcher struct {
	src RuleSource
	log logx.Logger

	mu       sync.Mutex
	rules    []storage.Rule
	loaded   bool
	patterns map[string]*regexp.Regexp
	invalid  map[string]struct{}

	// bumped by Invalidate; a load started under an older gen is discarded
	gen uint64
}

func New(src RuleSource, log logx.Logger) *Matcher {
	return &Matcher{
		src:      src,
		log:      log,
		patterns: map[string]*regexp.Regexp{},
		invalid:  map[string]struct{}{},
	}
}

// Invalidate drops the cache; the next lookup reloads it.
func (m *Matcher) Invalidate() {
	m.mu.Lock()
	m.gen++
	m.rules = nil
	m.loaded = false
	m.patterns = map[string]*regexp.Regexp{}
	m.invalid = map[string]struct{}{}
	m.mu.Unlock()
}

// Refresh reloads the cache now. If Invalidate runs while the rules are
// being read, the result is thrown away and the read starts over.
func (m *Matcher) Refresh(ctx context.Context) error {
	for {
		m.mu.Lock()
		gen := m.gen
		m.mu.Unlock()

		rules, err := m.src.ListActiveRules(ctx)
		if err != nil {
			return err
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			m.log.Debug("rule cache invalidated during load; reloading")
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		m.rules = rules
		m.loaded = true
		m.patterns = map[string]*regexp.Regexp{}
		m.invalid = map[string]struct{}{}
		m.mu.Unlock()
		m.log.Debug("rule cache refreshed", logx.Int("rules", len(rules)))
		return nil
	}
}

func (m *Matcher) snapshot(ctx context.Context) ([]storage.Rule, error) {
	m.mu.Lock()
	if m.loaded {
		rules := m.rules
		m.mu.Unlock()
		return rules, nil
	}
	m.mu.Unlock()

	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules, nil
}

// FindMatchingRule returns the first eligible rule whose keyword matches
// text, or nil. A rule bound to a post only applies to that post; the
// rule, its keyword and its post must all be active.
func (m *Matcher) FindMatchingRule(ctx context.Context, text string, postID int64) (*storage.Rule, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	rules, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	folded := fold(text)
	var tokens map[string]struct{}

	for i := range rules {
		r := &rules[i]
		if !r.Active || !r.Keyword.Active {
			continue
		}
		if r.PostID != 0 {
			if r.PostID != postID {
				continue
			}
			if r.Post != nil && !r.Post.Active {
				continue
			}
		}

		var ok bool
		switch r.Keyword.Mode {
		case storage.MatchExact:
			if tokens == nil {
				tokens = tokenize(folded)
			}
			_, ok = tokens[fold(r.Keyword.Word)]
		case storage.MatchRegex:
			ok = m.matchRegex(r.Keyword, text)
		default:
			ok = strings.Contains(folded, fold(r.Keyword.Word))
		}
		if ok {
			found := *r
			return &found, nil
		}
	}
	return nil, nil
}

// matchRegex searches text case-insensitively. An invalid pattern never
// matches and is logged once per cache generation.
func (m *Matcher) matchRegex(kw storage.Keyword, text string) bool {
	m.mu.Lock()
	re, ok := m.patterns[kw.Word]
	_, bad := m.invalid[kw.Word]
	m.mu.Unlock()
	if bad {
		return false
	}
	if !ok {
		var err error
		re, err = regexp.Compile("(?i)" + kw.Word)
		m.mu.Lock()
		if err != nil {
			m.invalid[kw.Word] = struct{}{}
		} else {
			m.patterns[kw.Word] = re
		}
		m.mu.Unlock()
		if err != nil {
			m.log.Warn("invalid keyword pattern",
				logx.Int64("keyword_id", kw.ID), logx.String("pattern", kw.Word), logx.Err(err))
			return false
		}
	}
	return re.MatchString(text)
}

// fold applies Unicode case folding. A Caser holds state, so each call
// gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func tokenize(s string) map[string]struct{} {
	words := wordRe.FindAllString(s, -1)
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
