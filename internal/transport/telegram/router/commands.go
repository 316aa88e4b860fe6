package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"leadbot/internal/admin"
	"leadbot/internal/storage"
)

// Admin is the operator facade the commands drive.
type Admin interface {
	AddPost(ctx context.Context, rawURL string) (storage.Post, error)
	ListPosts(ctx context.Context) ([]storage.Post, error)
	TogglePost(ctx context.Context, id int64) (bool, error)

	AddKeyword(ctx context.Context, word, mode string) (storage.Keyword, error)
	ListKeywords(ctx context.Context) ([]storage.Keyword, error)
	ToggleKeyword(ctx context.Context, id int64) (bool, error)

	AddTemplate(ctx context.Context, name, content string) (storage.Template, error)
	ListTemplates(ctx context.Context) ([]storage.Template, error)
	PreviewTemplate(ctx context.Context, id int64) (string, error)

	AddRule(ctx context.Context, keywordID, templateID, postID int64) (storage.Rule, error)
	ListRules(ctx context.Context) ([]storage.Rule, error)
	ToggleRule(ctx context.Context, id int64) (bool, error)

	WelcomeSettings(ctx context.Context) (storage.WelcomeSettings, error)
	SetWelcomeMessage(ctx context.Context, message string) error
	ToggleWelcome(ctx context.Context) (bool, error)

	CreateBroadcast(ctx context.Context, name, message string, segType storage.SegmentType, filter string) (int64, error)
	PauseBroadcast(ctx context.Context, id int64) error
	ResumeBroadcast(ctx context.Context, id int64) error
	CancelBroadcast(ctx context.Context, id int64) error
	GetBroadcast(ctx context.Context, id int64) (storage.Broadcast, error)
	ListBroadcasts(ctx context.Context) ([]storage.Broadcast, error)
	Segments(ctx context.Context) (admin.Segments, error)

	PauseBot()
	ResumeBot()
	Status(ctx context.Context) (admin.Status, error)
}

type usageError struct{ usage string }

func (e usageError) Error() string { return "usage: " + e.usage }

// RegisterAdmin installs the operator command set backed by svc.
func (r *Router) RegisterAdmin(svc Admin) {
	h := &handlers{svc: svc}
	help := func(ctx context.Context, req *Request) error { return req.Reply(ctx, r.HelpText()) }
	r.Register(
		Command{Name: "start", Description: "Show commands", Handle: help},
		Command{Name: "help", Description: "Show commands", Handle: help},
		Command{Name: "status", Description: "Bot status", Handle: h.status},

		Command{Name: "posts", Description: "List monitored posts", Handle: h.posts},
		Command{Name: "add_post", Usage: "<url>", Description: "Add post", Handle: h.addPost},
		Command{Name: "remove_post", Usage: "<id>", Description: "Toggle post on/off", Handle: h.togglePost},

		Command{Name: "keywords", Description: "List keywords", Handle: h.keywords},
		Command{Name: "add_keyword", Usage: "<word> [exact|contains|regex]", Description: "Add keyword", Handle: h.addKeyword},
		Command{Name: "remove_keyword", Usage: "<id>", Description: "Toggle keyword on/off", Handle: h.toggleKeyword},

		Command{Name: "templates", Description: "List templates", Handle: h.templates},
		Command{Name: "add_template", Usage: "<name> | <text>", Description: "Add template", Handle: h.addTemplate},
		Command{Name: "preview_template", Usage: "<id>", Description: "Render template with sample values", Handle: h.previewTemplate},

		Command{Name: "rules", Description: "List rules", Handle: h.rules},
		Command{Name: "add_rule", Usage: "<keyword_id> <template_id> [post_id]", Description: "Add rule", Handle: h.addRule},
		Command{Name: "toggle_rule", Usage: "<id>", Description: "Toggle rule", Handle: h.toggleRule},

		Command{Name: "welcome", Description: "Welcome message settings", Handle: h.welcome},
		Command{Name: "set_welcome", Usage: "<text>", Description: "Set welcome message", Handle: h.setWelcome},
		Command{Name: "toggle_welcome", Description: "Welcome on/off", Handle: h.toggleWelcome},

		Command{Name: "broadcasts", Description: "List broadcasts", Handle: h.broadcasts},
		Command{Name: "segments", Description: "Audience sizes", Handle: h.segments},
		Command{Name: "broadcast", Usage: "<keyword ID|followers [days]|all> | <name> | <message>", Description: "Start broadcast", Handle: h.broadcast},
		Command{Name: "broadcast_status", Usage: "<id>", Description: "Broadcast progress", Handle: h.broadcastStatus},
		Command{Name: "pause_broadcast", Usage: "<id>", Description: "Pause broadcast", Handle: h.pauseBroadcast},
		Command{Name: "resume_broadcast", Usage: "<id>", Description: "Resume broadcast", Handle: h.resumeBroadcast},
		Command{Name: "cancel_broadcast", Usage: "<id>", Description: "Cancel broadcast", Handle: h.cancelBroadcast},

		Command{Name: "pause", Description: "Pause monitoring and sends", Handle: h.pause},
		Command{Name: "resume", Description: "Resume monitoring and sends", Handle: h.resume},
	)
}

type handlers struct {
	svc Admin
}

func idArg(req *Request, usage string) (int64, error) {
	if len(req.Args) == 0 {
		return 0, usageError{"/" + req.Command + " " + usage}
	}
	id, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("ID must be a number")
	}
	return id, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func notFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s not found", what)
	}
	return err
}

// Control

func (h *handlers) status(ctx context.Context, req *Request) error {
	st, err := h.svc.Status(ctx)
	if err != nil {
		return err
	}
	state := "Running"
	if st.Paused {
		state = "Paused"
	}
	s := st.Stats
	return req.Reply(ctx, fmt.Sprintf(`Bot status

State: %s
Queue: %d (%s)

Posts monitored: %d / %d
Keywords: %d
Templates: %d
Rules: %d
Comments processed: %d
Messages sent: %d
Sent last hour: %d
Followers welcomed: %d
Broadcasts: %d`,
		state, st.QueueLen, st.QueueState,
		s.ActivePosts, s.Posts, s.Keywords, s.Templates, s.Rules,
		s.CommentsProcessed, s.MessagesSent, st.SentLastHour, s.Welcomed, s.Broadcasts))
}

func (h *handlers) pause(ctx context.Context, req *Request) error {
	h.svc.PauseBot()
	return req.Reply(ctx, "Bot paused. Comment monitoring, welcomes and sends are stopped.")
}

func (h *handlers) resume(ctx context.Context, req *Request) error {
	h.svc.ResumeBot()
	return req.Reply(ctx, "Bot resumed.")
}

// Posts

func (h *handlers) posts(ctx context.Context, req *Request) error {
	posts, err := h.svc.ListPosts(ctx)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return req.Reply(ctx, "No posts. Add one with /add_post <url>")
	}
	var b strings.Builder
	b.WriteString("Posts:\n")
	for _, p := range posts {
		fmt.Fprintf(&b, "\n%d. [%s] %s", p.ID, onOff(p.Active), p.URL)
	}
	return req.Reply(ctx, b.String())
}

func (h *handlers) addPost(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return usageError{"/add_post <url>"}
	}
	p, err := h.svc.AddPost(ctx, req.Args[0])
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Post %d added: %s", p.ID, p.ExternalID))
}

func (h *handlers) togglePost(ctx context.Context, req *Request) error {
	id, err := idArg(req, "<id>")
	if err != nil {
		return err
	}
	active, err := h.svc.TogglePost(ctx, id)
	if err != nil {
		return notFound(err, "post")
	}
	return req.Reply(ctx, fmt.Sprintf("Post %d %s", id, activated(active)))
}

func activated(b bool) string {
	if b {
		return "activated"
	}
	return "deactivated"
}

// Keywords

func (h *handlers) keywords(ctx context.Context, req *Request) error {
	kws, err := h.svc.ListKeywords(ctx)
	if err != nil {
		return err
	}
	if len(kws) == 0 {
		return req.Reply(ctx, "No keywords. Add one with /add_keyword <word>")
	}
	var b strings.Builder
	b.WriteString("Keywords:\n")
	for _, k := range kws {
		fmt.Fprintf(&b, "\n%d. [%s] %s (%s)", k.ID, onOff(k.Active), k.Word, k.Mode)
	}
	return req.Reply(ctx, b.String())
}

func (h *handlers) addKeyword(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return usageError{"/add_keyword <word> [exact|contains|regex]"}
	}
	mode := ""
	if len(req.Args) > 1 {
		mode = req.Args[1]
	}
	k, err := h.svc.AddKeyword(ctx, req.Args[0], mode)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Keyword %d added: %s (%s)", k.ID, k.Word, k.Mode))
}

func (h *handlers) toggleKeyword(ctx context.Context, req *Request) error {
	id, err := idArg(req, "<id>")
	if err != nil {
		return err
	}
	active, err := h.svc.ToggleKeyword(ctx, id)
	if err != nil {
		return notFound(err, "keyword")
	}
	return req.Reply(ctx, fmt.Sprintf("Keyword %d %s", id, activated(active)))
}

// Templates

func (h *handlers) templates(ctx context.Context, req *Request) error {
	ts, err := h.svc.ListTemplates(ctx)
	if err != nil {
		return err
	}
	if len(ts) == 0 {
		return req.Reply(ctx, "No templates. Add one with /add_template <name> | <text>")
	}
	var b strings.Builder
	b.WriteString("Templates:\n")
	for _, t := range ts {
		fmt.Fprintf(&b, "\n%d. %s\n%s\n", t.ID, t.Name, preview(t.Content, 100))
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func preview(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "..."
}

func (h *handlers) addTemplate(ctx context.Context, req *Request) error {
	name, content, ok := strings.Cut(req.Raw, "|")
	name, content = strings.TrimSpace(name), strings.TrimSpace(content)
	if !ok || name == "" || content == "" {
		return usageError{"/add_template <name> | <text>\nVariables: {username}, {post_url}, {keyword}"}
	}
	t, err := h.svc.AddTemplate(ctx, name, content)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Template %d added: %s", t.ID, t.Name))
}

func (h *handlers) previewTemplate(ctx context.Context, req *Request) error {
	id, err := idArg(req, "<id>")
	if err != nil {
		return err
	}
	out, err := h.svc.PreviewTemplate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return notFound(err, "template")
	}
	if err != nil {
		return req.Reply(ctx, fmt.Sprintf("Template does not render (%v). It would be sent as written:\n\n%s", err, out))
	}
	return req.Reply(ctx, "Preview:\n\n"+out)
}

// Rules

func (h *handlers) rules(ctx context.Context, req *Request) error {
	rs, err := h.svc.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(rs) == 0 {
		return req.Reply(ctx, "No rules. Add one with /add_rule <keyword_id> <template_id> [post_id]")
	}
	var b strings.Builder
	b.WriteString("Rules:\n")
	for _, r := range rs {
		scope := "all posts"
		if r.PostID != 0 {
			scope = "post " + strconv.FormatInt(r.PostID, 10)
		}
		fmt.Fprintf(&b, "\n%d. [%s] %s -> %s (%s)", r.ID, onOff(r.Active), r.Keyword.Word, r.Template.Name, scope)
	}
	return req.Reply(ctx, b.String())
}

func (h *handlers) addRule(ctx context.Context, req *Request) error {
	const usage = "/add_rule <keyword_id> <template_id> [post_id]"
	if len(req.Args) < 2 {
		return usageError{usage}
	}
	ids := make([]int64, 3)
	for i, a := range req.Args[:min(len(req.Args), 3)] {
		v, err := strconv.ParseInt(a, 10, 64)
		if err != nil || v <= 0 {
			return usageError{usage}
		}
		ids[i] = v
	}
	rule, err := h.svc.AddRule(ctx, ids[0], ids[1], ids[2])
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Rule %d added", rule.ID))
}

func (h *handlers) toggleRule(ctx context.Context, req *Request) error {
	id, err := idArg(req, "<id>")
	if err != nil {
		return err
	}
	active, err := h.svc.ToggleRule(ctx, id)
	if err != nil {
		return notFound(err, "rule")
	}
	return req.Reply(ctx, fmt.Sprintf("Rule %d %s", id, activated(active)))
}

// Welcome

func (h *handlers) welcome(ctx context.Context, req *Request) error {
	ws, err := h.svc.WelcomeSettings(ctx)
	if err != nil {
		return err
	}
	msg := ws.Message
	if msg == "" {
		msg = "(not set)"
	}
	return req.Reply(ctx, fmt.Sprintf("Welcome messages: %s\n\nMessage:\n%s", onOff(ws.Enabled), msg))
}

func (h *handlers) setWelcome(ctx context.Context, req *Request) error {
	if req.Raw == "" {
		return usageError{"/set_welcome <text>\nVariables: {username}"}
	}
	if err := h.svc.SetWelcomeMessage(ctx, req.Raw); err != nil {
		return err
	}
	return req.Reply(ctx, "Welcome message updated.")
}

func (h *handlers) toggleWelcome(ctx context.Context, req *Request) error {
	on, err := h.svc.ToggleWelcome(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, "Welcome messages "+onOff(on))
}

// Broadcasts

func (h *handlers) broadcasts(ctx context.Context, req *Request) error {
	bs, err := h.svc.ListBroadcasts(ctx)
	if err != nil {
		return err
	}
	if len(bs) == 0 {
		return req.Reply(ctx, "No broadcasts found.")
	}
	var b strings.Builder
	b.WriteString("Broadcasts:\n")
	for _, bc := range bs {
		fmt.Fprintf(&b, "\n%d. %s [%s]\n   Segment: %s\n   Progress: %d/%d (failed: %d)\n",
			bc.ID, bc.Name, bc.Status, bc.Segment.Type, bc.Sent, bc.Total, bc.Failed)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) segments(ctx context.Context, req *Request) error {
	seg, err := h.svc.Segments(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("Segments:\n\n")
	fmt.Fprintf(&b, "all: %d users\n", seg.AllCommenters)
	fmt.Fprintf(&b, "followers (7 days): %d users\n", seg.NewFollowers)
	for _, k := range seg.ByKeyword {
		fmt.Fprintf(&b, "keyword %d (%s): %d users\n", k.Keyword.ID, k.Keyword.Word, k.Users)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

const broadcastUsage = `/broadcast keyword <id> | <name> | <message>
/broadcast followers <days> | <name> | <message>
/broadcast all | <name> | <message>

{username} is replaced with the recipient's name.`

// parseBroadcast splits "<segment> | <name> | <message>". With only two
// parts the second one is both name and message.
func parseBroadcast(raw string) (name, message string, seg storage.SegmentType, filter string, err error) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) < 2 {
		return "", "", "", "", usageError{broadcastUsage}
	}
	name = strings.TrimSpace(parts[1])
	message = name
	if len(parts) == 3 {
		message = strings.TrimSpace(parts[2])
	}
	if name == "" {
		name = "Broadcast"
	}

	words := strings.Fields(parts[0])
	if len(words) == 0 {
		return "", "", "", "", usageError{broadcastUsage}
	}
	arg := ""
	if len(words) > 1 {
		arg = words[1]
	}
	switch strings.ToLower(words[0]) {
	case "keyword":
		if arg == "" {
			return "", "", "", "", errors.New("specify keyword ID: /broadcast keyword <id> | ...")
		}
		seg, filter = storage.SegmentKeywordCommenters, arg
	case "followers":
		if arg == "" {
			arg = "7"
		}
		seg, filter = storage.SegmentNewFollowers, arg
	case "all":
		seg = storage.SegmentAllCommenters
	default:
		return "", "", "", "", errors.New("unknown segment type, use: keyword, followers or all")
	}
	return name, message, seg, filter, nil
}

func (h *handlers) broadcast(ctx context.Context, req *Request) error {
	if req.Raw == "" {
		return req.Reply(ctx, "Create broadcast:\n\n"+broadcastUsage)
	}
	name, message, seg, filter, err := parseBroadcast(req.Raw)
	if err != nil {
		return err
	}
	id, err := h.svc.CreateBroadcast(ctx, name, message, seg, filter)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Broadcast #%d started. Use /broadcast_status %d to check progress.", id, id))
}

func (h *handlers) broadcastStatus(ctx context.Context, req *Request) error {
	id, err := idArg(req, "<id>")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBroadcast(ctx, id)
	if err != nil {
		return notFound(err, "broadcast")
	}
	pct := 0
	if b.Total > 0 {
		pct = (b.Sent + b.Failed) * 100 / b.Total
	}
	return req.Reply(ctx, fmt.Sprintf("Broadcast #%d: %s\n\nStatus: %s\nSegment: %s\nProgress: %d/%d (%d%%)\nSent: %d\nFailed: %d\n\nMessage:\n%s",
		b.ID, b.Name, b.Status, b.Segment.Type, b.Sent+b.Failed, b.Total, pct, b.Sent, b.Failed, preview(b.Message, 200)))
}

func (h *handlers) broadcastAction(ctx context.Context, req *Request, fn func(context.Context, int64) error, done string) error {
	id, err := idArg(req, "<id>")
	if err != nil {
		return err
	}
	if err := fn(ctx, id); err != nil {
		return notFound(err, "broadcast")
	}
	return req.Reply(ctx, fmt.Sprintf("Broadcast #%d %s.", id, done))
}

func (h *handlers) pauseBroadcast(ctx context.Context, req *Request) error {
	return h.broadcastAction(ctx, req, h.svc.PauseBroadcast, "paused")
}

func (h *handlers) resumeBroadcast(ctx context.Context, req *Request) error {
	return h.broadcastAction(ctx, req, h.svc.ResumeBroadcast, "resumed")
}

func (h *handlers) cancelBroadcast(ctx context.Context, req *Request) error {
	return h.broadcastAction(ctx, req, h.svc.CancelBroadcast, "cancelled")
}
