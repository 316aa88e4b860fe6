package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"leadbot/pkg/logx"
)

const (
	DefaultAPIBase   = "https://i.instagram.com/api/v1"
	DefaultUserAgent = "Instagram 269.0.0.18.75 Android (26/8.0.0; 480dpi; 1080x1920; OnePlus; 6T Dev; devitron; qcom; en_US; 314665256)"

	defaultRequestsPerMinute = 30
	defaultRequestTimeout    = 30 * time.Second
	followersPageSize        = 200
	maxErrorBody             = 512
)

type HTTPConfig struct {
	APIBase           string
	UserAgent         string
	RequestsPerMinute int
	Timeout           time.Duration
}

// HTTPClient talks to the private mobile API with a saved session. Every
// request waits on a shared limiter first.
type HTTPClient struct {
	base    string
	ua      string
	session Session
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig, session Session, log logx.Logger) *HTTPClient {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = firstNonEmpty(session.UserAgent, DefaultUserAgent)
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	return &HTTPClient{
		base:    strings.TrimRight(cfg.APIBase, "/"),
		ua:      cfg.UserAgent,
		session: session,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		log:     log,
	}
}

func (c *HTTPClient) AccountID() string { return c.session.UserID }

func (c *HTTPClient) SendDirectMessage(ctx context.Context, recipientID, text string) error {
	if _, err := strconv.ParseInt(recipientID, 10, 64); err != nil {
		return fmt.Errorf("recipient id %q is not numeric", recipientID)
	}
	form := url.Values{}
	form.Set("recipient_users", "[["+recipientID+"]]")
	form.Set("client_context", uuid.NewString())
	form.Set("action", "send_item")
	form.Set("text", text)

	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/direct_v2/threads/broadcast/text/", nil, form, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("direct send status %q", out.Status)
	}
	return nil
}

// GetComments returns up to limit of the newest comments.
func (c *HTTPClient) GetComments(ctx context.Context, mediaID string, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		out   []Comment
		minID string
	)
	for len(out) < limit {
		q := url.Values{"can_support_threading": {"true"}}
		if minID != "" {
			q.Set("min_id", minID)
		}
		var page struct {
			Comments []apiComment `json:"comments"`
			NextMin  string       `json:"next_min_id"`
		}
		if err := c.do(ctx, http.MethodGet, "/media/"+url.PathEscape(mediaID)+"/comments/", q, nil, &page); err != nil {
			return out, err
		}
		for _, ac := range page.Comments {
			out = append(out, ac.toComment())
			if len(out) == limit {
				break
			}
		}
		if page.NextMin == "" || len(page.Comments) == 0 {
			break
		}
		minID = page.NextMin
	}
	return out, nil
}

// MediaIDFromCode decodes the shortcode locally.
func (c *HTTPClient) MediaIDFromCode(_ context.Context, code string) (string, error) {
	return ShortcodeToMediaID(code)
}

// GetFollowers pages through every follower of accountID.
func (c *HTTPClient) GetFollowers(ctx context.Context, accountID string) ([]User, error) {
	if accountID == "" {
		accountID = c.session.UserID
	}
	var (
		out   []User
		maxID string
	)
	for {
		q := url.Values{"count": {strconv.Itoa(followersPageSize)}}
		if maxID != "" {
			q.Set("max_id", maxID)
		}
		var page struct {
			Users   []apiUser `json:"users"`
			NextMax string    `json:"next_max_id"`
		}
		if err := c.do(ctx, http.MethodGet, "/friendships/"+url.PathEscape(accountID)+"/followers/", q, nil, &page); err != nil {
			return nil, err
		}
		for _, u := range page.Users {
			out = append(out, u.toUser())
		}
		if page.NextMax == "" || len(page.Users) == 0 {
			return out, nil
		}
		maxID = page.NextMax
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if form != nil {
		if c.session.CSRFToken != "" {
			form.Set("_csrftoken", c.session.CSRFToken)
		}
		form.Set("_uuid", uuid.NewString())
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-IG-App-ID", "567067343352427")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: c.session.SessionID})
	req.AddCookie(&http.Cookie{Name: "ds_user_id", Value: c.session.UserID})
	if c.session.CSRFToken != "" {
		req.AddCookie(&http.Cookie{Name: "csrftoken", Value: c.session.CSRFToken})
		req.Header.Set("X-CSRFToken", c.session.CSRFToken)
	}

	c.log.Debug("instagram request", logx.String("method", method), logx.String("path", path))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w (status %d)", method, path, ErrNoSession, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s %s: %w", method, path, ErrRateLimited)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// flexID accepts ids sent either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("id is neither string nor number")
	}
	*f = flexID(n.String())
	return nil
}

type apiUser struct {
	PK       flexID `json:"pk"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

func (u apiUser) toUser() User {
	return User{ID: string(u.PK), Username: u.Username, FullName: u.FullName}
}

type apiComment struct {
	PK        flexID  `json:"pk"`
	Text      string  `json:"text"`
	CreatedAt int64   `json:"created_at"`
	User      apiUser `json:"user"`
}

func (c apiComment) toComment() Comment {
	return Comment{
		ID:        string(c.PK),
		UserID:    string(c.User.PK),
		Username:  c.User.Username,
		Text:      c.Text,
		CreatedAt: time.Unix(c.CreatedAt, 0),
	}
}
