package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win over the file. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// applyEnv overlays environment variables on top of the file config so
// secrets never have to live in the config file.
func applyEnv(cfg *Config) {
	setString(&cfg.Instagram.Username, "INSTAGRAM_USERNAME")
	setString(&cfg.Instagram.SessionFile, "INSTAGRAM_SESSION_FILE")
	setString(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	if v, ok := lookup("ADMIN_TELEGRAM_IDS"); ok {
		cfg.Telegram.AdminIDs = parseIDs(v)
	}
	setString(&cfg.Storage.Path, "DATABASE_PATH")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Observability.Token, "OBSERVABILITY_TOKEN")

	if v, ok := lookupInt("CHECK_INTERVAL_SECONDS"); ok {
		cfg.Observers.CommentSchedule = strconv.Itoa(v) + "s"
	}
	if v, ok := lookupInt("MESSAGE_DELAY_MIN_SECONDS"); ok {
		cfg.Dispatch.DelayMin = strconv.Itoa(v) + "s"
	}
	if v, ok := lookupInt("MESSAGE_DELAY_MAX_SECONDS"); ok {
		cfg.Dispatch.DelayMax = strconv.Itoa(v) + "s"
	}
	if v, ok := lookupInt("MAX_MESSAGES_PER_HOUR"); ok {
		cfg.Dispatch.MaxPerHour = v
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func lookupInt(key string) (int, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

// parseIDs reads a comma separated id list, skipping junk entries.
func parseIDs(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil && id != 0 {
			out = append(out, id)
		}
	}
	return out
}
