package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	checkPacing := func(path string, p PacingConfig) {
		check(path+".delay_min", p.DelayMin)
		check(path+".delay_max", p.DelayMax)
		check(path+".cap_backoff", p.CapBackoff)
		lo, err1 := ParseDurationField(path+".delay_min", p.DelayMin)
		hi, err2 := ParseDurationField(path+".delay_max", p.DelayMax)
		if err1 == nil && err2 == nil && lo > 0 && hi > 0 && lo > hi {
			errs = append(errs, fmt.Errorf("%s: delay_min %s exceeds delay_max %s", path, lo, hi))
		}
	}

	checkPacing("dispatch", cfg.Dispatch.PacingConfig)
	check("dispatch.idle_wait", cfg.Dispatch.IdleWait)
	checkPacing("broadcast", cfg.Broadcast.PacingConfig)
	check("broadcast.poll_interval", cfg.Broadcast.PollInterval)
	check("broadcast.error_backoff", cfg.Broadcast.ErrorBackoff)
	checkPacing("observers.welcome", cfg.Observers.Welcome)
	check("instagram.request_timeout", cfg.Instagram.RequestTimeout)
	check("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)
	check("sheets.flush_interval", cfg.Sheets.FlushInterval)

	return errors.Join(errs...)
}
