package instagram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/pkg/logx"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPConfig{APIBase: srv.URL, RequestsPerMinute: 6000},
		Session{SessionID: "42%3Aabc", UserID: "42", CSRFToken: "tok"}, logx.Nop())
}

func TestSendDirectMessage(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/direct_v2/threads/broadcast/text/", r.URL.Path)
		if ck, err := r.Cookie("sessionid"); assert.NoError(t, err) {
			assert.Equal(t, "42%3Aabc", ck.Value)
		}
		assert.Equal(t, "tok", r.Header.Get("X-CSRFToken"))
		assert.NoError(t, r.ParseForm())
		got = map[string]string{"users": r.PostForm.Get("recipient_users"), "text": r.PostForm.Get("text")}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	require.NoError(t, c.SendDirectMessage(context.Background(), "1001", "hello"))
	assert.Equal(t, map[string]string{"users": "[[1001]]", "text": "hello"}, got)

	assert.Error(t, c.SendDirectMessage(context.Background(), "alice", "hello"))
}

func TestSendDirectMessageErrors(t *testing.T) {
	status := http.StatusForbidden
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"fail"}`))
	})

	err := c.SendDirectMessage(context.Background(), "1", "x")
	assert.ErrorIs(t, err, ErrNoSession)

	status = http.StatusTooManyRequests
	err = c.SendDirectMessage(context.Background(), "1", "x")
	assert.ErrorIs(t, err, ErrRateLimited)

	status = http.StatusOK
	err = c.SendDirectMessage(context.Background(), "1", "x")
	assert.Error(t, err)
}

func TestGetCommentsPagesUpToLimit(t *testing.T) {
	pages := map[string]string{
		"":   `{"comments":[{"pk":1,"text":"price?","created_at":1700000000,"user":{"pk":11,"username":"a"}},{"pk":"2","text":"hi","user":{"pk":"12","username":"b"}}],"next_min_id":"m1"}`,
		"m1": `{"comments":[{"pk":3,"text":"more","user":{"pk":13,"username":"c"}},{"pk":4,"text":"x","user":{"pk":14,"username":"d"}}],"next_min_id":"m2"}`,
	}
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/media/2110901750722920960/comments/", r.URL.Path)
		_, _ = w.Write([]byte(pages[r.URL.Query().Get("min_id")]))
	})

	got, err := c.GetComments(context.Background(), "2110901750722920960", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 2, calls)
	assert.Equal(t, Comment{ID: "1", UserID: "11", Username: "a", Text: "price?", CreatedAt: got[0].CreatedAt}, got[0])
	assert.Equal(t, int64(1700000000), got[0].CreatedAt.Unix())
	assert.Equal(t, "2", got[1].ID)
	assert.Equal(t, "12", got[1].UserID)
	assert.Equal(t, "3", got[2].ID)
}

func TestGetFollowersPagesUntilDone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/friendships/42/followers/", r.URL.Path)
		if r.URL.Query().Get("max_id") == "" {
			_, _ = w.Write([]byte(`{"users":[{"pk":1,"username":"a"}],"next_max_id":"p2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"users":[{"pk":2,"username":"b","full_name":"B"}]}`))
	})

	got, err := c.GetFollowers(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []User{{ID: "1", Username: "a"}, {ID: "2", Username: "b", FullName: "B"}}, got)
	assert.Equal(t, "42", c.AccountID())
}

func TestLoadSession(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, v any) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, b, 0o600))
		return p
	}

	s, err := LoadSession(write("flat.json", map[string]string{"sessionid": "7%3Axyz", "csrftoken": "c"}))
	require.NoError(t, err)
	assert.Equal(t, Session{SessionID: "7%3Axyz", UserID: "7", CSRFToken: "c"}, s)

	s, err = LoadSession(write("dump.json", map[string]any{
		"authorization_data": map[string]string{"sessionid": "abc", "ds_user_id": "99"},
		"cookies":            map[string]string{"csrftoken": "t"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "99", s.UserID)
	assert.Equal(t, "abc", s.SessionID)
	assert.Equal(t, "t", s.CSRFToken)

	_, err = LoadSession(write("empty.json", map[string]string{}))
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = LoadSession(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
