package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"zapsend/internal/channel"
	"zapsend/internal/channel/sim"
	"zapsend/internal/channel/telegram"
	"zapsend/internal/config"
	"zapsend/internal/dispatch"
	"zapsend/internal/maintenance"
	"zapsend/internal/storage"
	logx "zapsend/pkg/logx"
)

// mapChannelFactory resolves the configured driver to a channel factory.
func mapChannelFactory(cfg *config.Config, log logx.Logger) (channel.Factory, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Channel.Driver))
	switch driver {
	case "", "sim":
		return sim.Factory(sim.Config{}, log.With(logx.String("comp", "channel.sim"))), nil
	case "telegram":
		if cfg.Channel.Telegram == nil || strings.TrimSpace(cfg.Channel.Telegram.Token) == "" {
			return nil, errors.New("channel.telegram.token is required for the telegram driver")
		}
		pollTimeout, err := config.ParseDurationOrDefault("channel.telegram.poll_timeout", cfg.Channel.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.Factory(telegram.Config{
			Token:       cfg.Channel.Telegram.Token,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "channel.telegram"))), nil
	default:
		return nil, fmt.Errorf("unknown channel driver %q", driver)
	}
}

func mapPacing(cfg *config.Config) (dispatch.Pacing, error) {
	minDelay, err := config.ParseDurationOrDefault("sender.min_delay", cfg.Sender.MinDelay, 2*time.Second)
	if err != nil {
		return dispatch.Pacing{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("sender.max_delay", cfg.Sender.MaxDelay, 6*time.Second)
	if err != nil {
		return dispatch.Pacing{}, err
	}
	if maxDelay < minDelay {
		if strings.TrimSpace(cfg.Sender.MaxDelay) == "" {
			maxDelay = minDelay
		} else {
			return dispatch.Pacing{}, fmt.Errorf("sender.max_delay %s is below sender.min_delay %s", maxDelay, minDelay)
		}
	}
	if cfg.Sender.RatePerMin < 0 {
		return dispatch.Pacing{}, errors.New("sender.rate_per_min must be >= 0")
	}
	resetHome := true
	if cfg.Sender.ResetHome != nil {
		resetHome = *cfg.Sender.ResetHome
	}
	return dispatch.Pacing{
		MinDelay:   minDelay,
		MaxDelay:   maxDelay,
		RatePerMin: cfg.Sender.RatePerMin,
		ResetHome:  resetHome,
	}, nil
}

func mapReadyTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("bootstrap.ready_timeout", cfg.Bootstrap.ReadyTimeout, 2*time.Minute)
}

// mapStorageConfig returns (config, enabled). Absent or "none" disables it.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}

func mapMaintenance(cfg *config.Config) (maintenance.Config, error) {
	uploadTTL, err := config.ParseDurationOrDefault("maintenance.upload_ttl", cfg.Maintenance.UploadTTL, 0)
	if err != nil {
		return maintenance.Config{}, err
	}
	idleTTL, err := config.ParseDurationOrDefault("maintenance.session_idle_ttl", cfg.Maintenance.SessionIdleTTL, 0)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:        cfg.Maintenance.Enabled,
		Schedule:       cfg.Maintenance.Schedule,
		UploadDir:      cfg.Server.UploadDir,
		UploadTTL:      uploadTTL,
		SessionIdleTTL: idleTTL,
	}, nil
}
