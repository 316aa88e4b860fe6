package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"leadbot/internal/config"
	"leadbot/internal/instagram"
	"leadbot/internal/notifier"
	"leadbot/internal/observability"
	"leadbot/internal/pacing"
	"leadbot/internal/rules"
	"leadbot/internal/scheduler"
	"leadbot/internal/sheets"
	"leadbot/internal/storage"
	telegram "leadbot/internal/transport/telegram/adapter"
	"leadbot/pkg/logx"
)

// Defaults for every knob left empty in the config file.
var (
	defaultDispatchPacing = pacing.Limits{
		Jitter:     pacing.Window{Min: 30 * time.Second, Max: 60 * time.Second},
		MaxPerHour: 50,
		CapBackoff: time.Minute,
	}
	defaultBroadcastPacing = pacing.Limits{
		Jitter:     pacing.Window{Min: 45 * time.Second, Max: 90 * time.Second},
		MaxPerHour: 30,
		CapBackoff: 5 * time.Minute,
	}
	defaultWelcomePacing = pacing.Limits{
		Jitter:     pacing.Window{Min: 20 * time.Second, Max: 40 * time.Second},
		MaxPerHour: 30,
		CapBackoff: 5 * time.Minute,
	}
)

const (
	defaultCommentSchedule  = "60s"
	defaultFollowerSchedule = "5m"
	defaultStoragePath      = "./data/leadbot.db"
	defaultSheetsPath       = "./data/leadbot.xlsx"
	defaultLogPath          = "./logs/leadbot.log"
	defaultPollTimeout      = 10 * time.Second
	defaultBusyTimeout      = 5 * time.Second
)

// mapPacing overlays a pacing section on def. MaxPerHour 0 keeps the default;
// the cap cannot be switched off from the file.
func mapPacing(path string, pc config.PacingConfig, def pacing.Limits) (pacing.Limits, error) {
	out := def
	var err error
	if out.Jitter.Min, err = config.ParseDurationOrDefault(path+".delay_min", pc.DelayMin, def.Jitter.Min); err != nil {
		return pacing.Limits{}, err
	}
	if out.Jitter.Max, err = config.ParseDurationOrDefault(path+".delay_max", pc.DelayMax, def.Jitter.Max); err != nil {
		return pacing.Limits{}, err
	}
	if out.CapBackoff, err = config.ParseDurationOrDefault(path+".cap_backoff", pc.CapBackoff, def.CapBackoff); err != nil {
		return pacing.Limits{}, err
	}
	if pc.MaxPerHour > 0 {
		out.MaxPerHour = pc.MaxPerHour
	}
	if out.Jitter.Max < out.Jitter.Min {
		return pacing.Limits{}, fmt.Errorf("%s: delay_max (%s) is below delay_min (%s)", path, out.Jitter.Max, out.Jitter.Min)
	}
	return out, nil
}

// allPacing maps the three pacers the process runs.
type allPacing struct {
	Dispatch  pacing.Limits
	Broadcast pacing.Limits
	Welcome   pacing.Limits
}

func mapAllPacing(cfg *config.Config) (allPacing, error) {
	var (
		out allPacing
		err error
	)
	if out.Dispatch, err = mapPacing("dispatch", cfg.Dispatch.PacingConfig, defaultDispatchPacing); err != nil {
		return allPacing{}, err
	}
	if out.Broadcast, err = mapPacing("broadcast", cfg.Broadcast.PacingConfig, defaultBroadcastPacing); err != nil {
		return allPacing{}, err
	}
	if out.Welcome, err = mapPacing("observers.welcome", cfg.Observers.Welcome, defaultWelcomePacing); err != nil {
		return allPacing{}, err
	}
	return out, nil
}

type dispatchSettings struct {
	IdleWait time.Duration
}

func mapDispatch(cfg *config.Config) (dispatchSettings, error) {
	idle, err := config.ParseDurationField("dispatch.idle_wait", cfg.Dispatch.IdleWait)
	if err != nil {
		return dispatchSettings{}, err
	}
	return dispatchSettings{IdleWait: idle}, nil
}

type broadcastSettings struct {
	BatchSize    int
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

// Zero values fall through to the runner's own defaults.
func mapBroadcast(cfg *config.Config) (broadcastSettings, error) {
	poll, err := config.ParseDurationField("broadcast.poll_interval", cfg.Broadcast.PollInterval)
	if err != nil {
		return broadcastSettings{}, err
	}
	backoff, err := config.ParseDurationField("broadcast.error_backoff", cfg.Broadcast.ErrorBackoff)
	if err != nil {
		return broadcastSettings{}, err
	}
	return broadcastSettings{BatchSize: cfg.Broadcast.BatchSize, PollInterval: poll, ErrorBackoff: backoff}, nil
}

type observerSettings struct {
	CommentSchedule  string
	FollowerSchedule string
	CommentsPerPost  int
}

// mapObservers resolves schedules and checks they parse, so a bad reload is
// rejected before anything is rescheduled.
func mapObservers(cfg *config.Config) (observerSettings, error) {
	out := observerSettings{
		CommentSchedule:  orString(cfg.Observers.CommentSchedule, defaultCommentSchedule),
		FollowerSchedule: orString(cfg.Observers.FollowerSchedule, defaultFollowerSchedule),
		CommentsPerPost:  cfg.Observers.CommentsPerPost,
	}
	if _, err := scheduler.ParseSpec(out.CommentSchedule); err != nil {
		return observerSettings{}, fmt.Errorf("observers.comment_schedule: %w", err)
	}
	if _, err := scheduler.ParseSpec(out.FollowerSchedule); err != nil {
		return observerSettings{}, fmt.Errorf("observers.follower_schedule: %w", err)
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      orString(cfg.Storage.Driver, "sqlite"),
		Path:        orString(cfg.Storage.Path, defaultStoragePath),
		BusyTimeout: busy,
	}, nil
}

func mapInstagramConfig(cfg *config.Config) (instagram.HTTPConfig, error) {
	timeout, err := config.ParseDurationField("instagram.request_timeout", cfg.Instagram.RequestTimeout)
	if err != nil {
		return instagram.HTTPConfig{}, err
	}
	return instagram.HTTPConfig{
		APIBase:           cfg.Instagram.APIBase,
		UserAgent:         cfg.Instagram.UserAgent,
		RequestsPerMinute: cfg.Instagram.RequestsPerMinute,
		Timeout:           timeout,
	}, nil
}

func postURLBase(cfg *config.Config) string {
	return orString(cfg.Instagram.PostURLBase, rules.DefaultPostURLBase)
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   orString(lc.Level, "info"),
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       orString(lc.File.Path, defaultLogPath),
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
		},
		// Alerts need the Telegram notifier as their sink.
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled && cfg.Telegram.Enabled,
			MinLevel:   orString(lc.Alerts.MinLevel, "warn"),
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

func mapNotifierConfig(_ *config.Config) notifier.Config {
	return notifier.Config{DedupWindow: 30 * time.Second}
}

func mapSheetsConfig(cfg *config.Config) (sheets.Config, error) {
	flush, err := config.ParseDurationField("sheets.flush_interval", cfg.Sheets.FlushInterval)
	if err != nil {
		return sheets.Config{}, err
	}
	return sheets.Config{Path: orString(cfg.Sheets.Path, defaultSheetsPath), FlushInterval: flush}, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	oc := cfg.Observability
	out := observability.Config{
		Addr:          orString(oc.Addr, observability.DefaultAddr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if oc.Enabled && out.Token == "" && !out.AllowInsecure && !observability.IsLoopbackAddr(out.Addr) {
		return observability.Config{}, errors.New("observability.addr is not loopback: set observability.token or allow_insecure")
	}
	return out, nil
}

// validate runs every mapper so a reload is rejected as a whole.
func validate(cfg *config.Config) error {
	if _, err := mapAllPacing(cfg); err != nil {
		return err
	}
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcast(cfg); err != nil {
		return err
	}
	if _, err := mapObservers(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapInstagramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSheetsConfig(cfg); err != nil {
		return err
	}
	_, err := mapObservabilityConfig(cfg)
	return err
}

func orString(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
