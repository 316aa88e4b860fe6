package eventbus

type Topic string

const (
	TopicDelivery        Topic = "dispatch.delivery"
	TopicComment         Topic = "observer.comment"
	TopicWelcome         Topic = "observer.welcome"
	TopicBroadcastSend   Topic = "broadcast.send"
	TopicBroadcastStatus Topic = "broadcast.status"
	TopicCapReached      Topic = "pacing.cap_reached"
	TopicError           Topic = "error"
)

// Delivery is one keyword-triggered DM attempt.
type Delivery struct {
	RequestID   string
	RecipientID string
	Username    string
	PostID      int64
	RuleID      int64
	Text        string
	Status      string // sent, failed, skipped
	Error       string
}

// Comment is one processed comment.
type Comment struct {
	CommentID string
	PostID    int64
	PostCode  string
	UserID    string
	Username  string
	Text      string
	Keyword   string
	Action    string // queued, already_messaged, no_match
}

// Welcome is one follower welcome attempt.
type Welcome struct {
	UserID   string
	Username string
	Text     string
	Status   string // sent, failed
	Error    string
}

// BroadcastSend is one campaign DM attempt.
type BroadcastSend struct {
	BroadcastID int64
	UserID      string
	Username    string
	Status      string
	Error       string
}

// BroadcastStatus reports a campaign lifecycle change or progress.
type BroadcastStatus struct {
	BroadcastID int64
	Name        string
	Status      string
	Total       int
	Sent        int
	Failed      int
}

// CapReached marks a sender waiting on its hourly cap.
type CapReached struct {
	Component string
	Count     int
	Limit     int
}

// Error is a component error worth an operator's attention.
type Error struct {
	Component string
	Message   string
}
