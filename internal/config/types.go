package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("45s", "5m"); empty values fall back to the defaults in internal/app.
type Config struct {
	Instagram     InstagramConfig     `json:"instagram"`
	Telegram      TelegramConfig      `json:"telegram"`
	Storage       StorageConfig       `json:"storage"`
	Dispatch      DispatchConfig      `json:"dispatch"`
	Broadcast     BroadcastConfig     `json:"broadcast"`
	Observers     ObserversConfig     `json:"observers"`
	Logging       LoggingConfig       `json:"logging"`
	Sheets        SheetsConfig        `json:"sheets"`
	Observability ObservabilityConfig `json:"observability"`
}

type InstagramConfig struct {
	Username    string `json:"username" validate:"required"`
	SessionFile string `json:"session_file" validate:"required"`
	APIBase     string `json:"api_base,omitempty" validate:"omitempty,url"`
	UserAgent   string `json:"user_agent,omitempty"`
	// RequestsPerMinute caps raw API calls (reads and sends). 0 = default.
	RequestsPerMinute int    `json:"requests_per_minute,omitempty" validate:"gte=0"`
	RequestTimeout    string `json:"request_timeout,omitempty"`
	PostURLBase       string `json:"post_url_base,omitempty" validate:"omitempty,url"`
}

type TelegramConfig struct {
	Enabled     bool    `json:"enabled"`
	Token       string  `json:"token,omitempty" validate:"required_if=Enabled true"`
	AdminIDs    []int64 `json:"admin_ids,omitempty" validate:"required_if=Enabled true,dive,gt=0"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=sqlite"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PacingConfig is shared by every sender: a jitter window and a trailing
// hour cap with a fixed backoff while the cap is reached.
type PacingConfig struct {
	DelayMin   string `json:"delay_min,omitempty"`
	DelayMax   string `json:"delay_max,omitempty"`
	MaxPerHour int    `json:"max_per_hour,omitempty" validate:"gte=0"`
	CapBackoff string `json:"cap_backoff,omitempty"`
}

type DispatchConfig struct {
	PacingConfig
	IdleWait string `json:"idle_wait,omitempty"`
}

type BroadcastConfig struct {
	PacingConfig
	BatchSize    int    `json:"batch_size,omitempty" validate:"gte=0"`
	PollInterval string `json:"poll_interval,omitempty"`
	ErrorBackoff string `json:"error_backoff,omitempty"`
}

type ObserversConfig struct {
	// Schedules accept a Go duration, "@every 1m" or a cron expression.
	CommentSchedule  string       `json:"comment_schedule,omitempty"`
	CommentsPerPost  int          `json:"comments_per_post,omitempty" validate:"gte=0"`
	FollowerSchedule string       `json:"follower_schedule,omitempty"`
	Welcome          PacingConfig `json:"welcome"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file"`
	Alerts  LogAlertConfig `json:"alerts"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
}

type LogAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type SheetsConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path,omitempty"`
	FlushInterval string `json:"flush_interval,omitempty"`
}

type ObservabilityConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	// Token protects every endpoint. Without it only loopback clients are served
	// unless AllowInsecure is set.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
