package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"
)

// ---- posts ----

const postCols = `id, external_id, url, active, created_at`

func scanPost(row interface{ Scan(...any) error }) (Post, error) {
	var (
		p  Post
		at int64
	)
	if err := row.Scan(&p.ID, &p.ExternalID, &p.URL, &p.Active, &at); err != nil {
		return Post{}, err
	}
	p.CreatedAt = fromMillis(at)
	return p, nil
}

func (s *sqliteStore) AddPost(ctx context.Context, externalID, url string) (Post, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return Post{}, errors.New("post external id is required")
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO posts(external_id, url, active, created_at) VALUES(?,?,1,?) RETURNING `+postCols,
		externalID, strings.TrimSpace(url), millis(s.now()),
	)
	p, err := scanPost(row)
	if isUniqueViolation(err) {
		return Post{}, ErrDuplicate
	}
	return p, err
}

func (s *sqliteStore) GetPost(ctx context.Context, id int64) (Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, `SELECT `+postCols+` FROM posts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) ListPosts(ctx context.Context) ([]Post, error) {
	return s.queryPosts(ctx, `SELECT `+postCols+` FROM posts ORDER BY created_at DESC, id DESC`)
}

func (s *sqliteStore) ListActivePosts(ctx context.Context) ([]Post, error) {
	return s.queryPosts(ctx, `SELECT `+postCols+` FROM posts WHERE active = 1 ORDER BY id`)
}

func (s *sqliteStore) queryPosts(ctx context.Context, q string, args ...any) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TogglePost(ctx context.Context, id int64) (bool, error) {
	return s.toggle(ctx, "posts", id)
}

func (s *sqliteStore) DeletePost(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "posts", id)
}

// ---- keywords ----

const keywordCols = `id, word, match_mode, active, created_at`

func scanKeyword(row interface{ Scan(...any) error }) (Keyword, error) {
	var (
		k    Keyword
		mode string
		at   int64
	)
	if err := row.Scan(&k.ID, &k.Word, &mode, &k.Active, &at); err != nil {
		return Keyword{}, err
	}
	k.Mode = MatchMode(mode)
	k.CreatedAt = fromMillis(at)
	return k, nil
}

// AddKeyword stores word trimmed and, unless it is a regex, lower-cased.
// Regex patterns keep their case since classes like \S and \D depend on it.
func (s *sqliteStore) AddKeyword(ctx context.Context, word string, mode MatchMode) (Keyword, error) {
	if mode == "" {
		mode = MatchContains
	}
	word = normalizeKeyword(word, mode)
	if word == "" {
		return Keyword{}, errors.New("keyword is required")
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO keywords(word, match_mode, active, created_at) VALUES(?,?,1,?) RETURNING `+keywordCols,
		word, string(mode), millis(s.now()),
	)
	k, err := scanKeyword(row)
	if isUniqueViolation(err) {
		return Keyword{}, ErrDuplicate
	}
	return k, err
}

func normalizeKeyword(word string, mode MatchMode) string {
	word = strings.TrimSpace(word)
	if mode == MatchRegex {
		return word
	}
	return strings.ToLower(word)
}

func (s *sqliteStore) GetKeyword(ctx context.Context, id int64) (Keyword, error) {
	k, err := scanKeyword(s.db.QueryRowContext(ctx, `SELECT `+keywordCols+` FROM keywords WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Keyword{}, ErrNotFound
	}
	return k, err
}

func (s *sqliteStore) ListKeywords(ctx context.Context) ([]Keyword, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keywordCols+` FROM keywords ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Keyword
	for rows.Next() {
		k, err := scanKeyword(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ToggleKeyword(ctx context.Context, id int64) (bool, error) {
	return s.toggle(ctx, "keywords", id)
}

func (s *sqliteStore) DeleteKeyword(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "keywords", id)
}

// ---- templates ----

const templateCols = `id, name, content, created_at`

func scanTemplate(row interface{ Scan(...any) error }) (Template, error) {
	var (
		t  Template
		at int64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Content, &at); err != nil {
		return Template{}, err
	}
	t.CreatedAt = fromMillis(at)
	return t, nil
}

func (s *sqliteStore) AddTemplate(ctx context.Context, name, content string) (Template, error) {
	if strings.TrimSpace(content) == "" {
		return Template{}, errors.New("template content is required")
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO templates(name, content, created_at) VALUES(?,?,?) RETURNING `+templateCols,
		strings.TrimSpace(name), content, millis(s.now()),
	)
	return scanTemplate(row)
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id int64) (Template, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateCols+` FROM templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateCols+` FROM templates ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "templates", id)
}

// ---- rules ----

const ruleSelect = `
SELECT r.id, r.post_id, r.keyword_id, r.template_id, r.active, r.created_at,
       k.id, k.word, k.match_mode, k.active, k.created_at,
       t.id, t.name, t.content, t.created_at,
       p.id, p.external_id, p.url, p.active, p.created_at
FROM rules r
JOIN keywords k ON k.id = r.keyword_id
JOIN templates t ON t.id = r.template_id
LEFT JOIN posts p ON p.id = r.post_id`

func scanRule(row interface{ Scan(...any) error }) (Rule, error) {
	var (
		r             Rule
		postID        sql.NullInt64
		rAt, kAt, tAt int64
		mode          string
		pID, pAt      sql.NullInt64
		pExt, pURL    sql.NullString
		pActive       sql.NullBool
	)
	err := row.Scan(
		&r.ID, &postID, &r.KeywordID, &r.TemplateID, &r.Active, &rAt,
		&r.Keyword.ID, &r.Keyword.Word, &mode, &r.Keyword.Active, &kAt,
		&r.Template.ID, &r.Template.Name, &r.Template.Content, &tAt,
		&pID, &pExt, &pURL, &pActive, &pAt,
	)
	if err != nil {
		return Rule{}, err
	}
	r.PostID = postID.Int64
	r.CreatedAt = fromMillis(rAt)
	r.Keyword.Mode = MatchMode(mode)
	r.Keyword.CreatedAt = fromMillis(kAt)
	r.Template.CreatedAt = fromMillis(tAt)
	if pID.Valid {
		r.Post = &Post{
			ID:         pID.Int64,
			ExternalID: pExt.String,
			URL:        pURL.String,
			Active:     pActive.Bool,
			CreatedAt:  fromNullMillis(pAt),
		}
	}
	return r, nil
}

func (s *sqliteStore) AddRule(ctx context.Context, keywordID, templateID, postID int64) (Rule, error) {
	var post any
	if postID > 0 {
		post = postID
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rules(post_id, keyword_id, template_id, active, created_at) VALUES(?,?,?,1,?) RETURNING id`,
		post, keywordID, templateID, millis(s.now()),
	).Scan(&id)
	if err != nil {
		if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return Rule{}, ErrNotFound
		}
		return Rule{}, err
	}
	return s.GetRule(ctx, id)
}

func (s *sqliteStore) GetRule(ctx context.Context, id int64) (Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, ruleSelect+` WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListRules(ctx context.Context) ([]Rule, error) {
	return s.queryRules(ctx, ruleSelect+` ORDER BY r.created_at DESC, r.id DESC`)
}

// ListActiveRules returns active rules in id order; the matcher relies on
// this order for first-match semantics.
func (s *sqliteStore) ListActiveRules(ctx context.Context) ([]Rule, error) {
	return s.queryRules(ctx, ruleSelect+` WHERE r.active = 1 ORDER BY r.id`)
}

func (s *sqliteStore) queryRules(ctx context.Context, q string, args ...any) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ToggleRule(ctx context.Context, id int64) (bool, error) {
	return s.toggle(ctx, "rules", id)
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "rules", id)
}
