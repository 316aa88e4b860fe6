package instagram

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Session holds the cookies of a logged-in web or app session. The file
// is either a flat object or a settings dump with authorization_data and
// cookies sections.
type Session struct {
	SessionID string `json:"sessionid"`
	UserID    string `json:"ds_user_id"`
	CSRFToken string `json:"csrftoken,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type sessionDump struct {
	Session
	AuthorizationData struct {
		SessionID string `json:"sessionid"`
		UserID    string `json:"ds_user_id"`
	} `json:"authorization_data"`
	Cookies map[string]string `json:"cookies"`
}

func LoadSession(path string) (Session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("read session file: %w", err)
	}
	var d sessionDump
	if err := json.Unmarshal(b, &d); err != nil {
		return Session{}, fmt.Errorf("parse session file %s: %w", path, err)
	}

	s := d.Session
	s.SessionID = firstNonEmpty(s.SessionID, d.AuthorizationData.SessionID, d.Cookies["sessionid"])
	s.UserID = firstNonEmpty(s.UserID, d.AuthorizationData.UserID, d.Cookies["ds_user_id"])
	s.CSRFToken = firstNonEmpty(s.CSRFToken, d.Cookies["csrftoken"])
	if s.UserID == "" {
		s.UserID = userIDFromSessionID(s.SessionID)
	}
	if s.SessionID == "" || s.UserID == "" {
		return Session{}, ErrNoSession
	}
	return s, nil
}

// userIDFromSessionID reads the account id prefix of a sessionid cookie
// ("<user id>%3A<token>...").
func userIDFromSessionID(sid string) string {
	sid = strings.ReplaceAll(sid, "%3A", ":")
	id, _, ok := strings.Cut(sid, ":")
	if !ok {
		return ""
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
