package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File mirrors Config for the optional YAML file. Durations are strings in Go
// syntax or plain seconds. Unset fields keep their defaults.
type File struct {
	Marzban struct {
		URL                string `yaml:"url"`
		AdminUser          string `yaml:"admin_user"`
		AdminPass          string `yaml:"admin_pass"`
		TokenTTL           string `yaml:"token_ttl"`
		Timeout            string `yaml:"timeout"`
		InsecureSkipVerify *bool  `yaml:"insecure_skip_verify"`
	} `yaml:"marzban"`

	Poll struct {
		Interval    string   `yaml:"interval"`
		AgentPort   *int     `yaml:"agent_port"`
		AgentScheme string   `yaml:"agent_scheme"`
		Timeout     string   `yaml:"probe_timeout"`
		Paths       []string `yaml:"probe_paths"`
		Concurrency *int     `yaml:"concurrency"`
		MonitorPort *int     `yaml:"monitor_port"`
	} `yaml:"poll"`

	HTTP struct {
		Listen       string `yaml:"listen"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		Title        string `yaml:"title"`
		WebDir       string `yaml:"web_dir"`
	} `yaml:"http"`

	Notify struct {
		TelegramEnabled  *bool    `yaml:"telegram_enabled"`
		TelegramToken    string   `yaml:"telegram_bot_token"`
		TelegramChatID   string   `yaml:"telegram_chat_id"`
		TelegramAPIURL   string   `yaml:"telegram_api_url"`
		TelegramRate     *float64 `yaml:"telegram_rate"`
		RedisURL         string   `yaml:"redis_url"`
		ReminderInterval string   `yaml:"reminder_interval"`
	} `yaml:"notify"`

	History struct {
		Path      string `yaml:"path"`
		Retention string `yaml:"retention"`
	} `yaml:"history"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	var errs []error
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, field, v string) {
		if v == "" {
			return
		}
		d, ok := parseDuration(v)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, v))
			return
		}
		*dst = d
	}

	setString(&cfg.MarzbanURL, f.Marzban.URL)
	setString(&cfg.AdminUser, f.Marzban.AdminUser)
	setString(&cfg.AdminPass, f.Marzban.AdminPass)
	setDuration(&cfg.TokenTTL, "marzban.token_ttl", f.Marzban.TokenTTL)
	setDuration(&cfg.RequestTimeout, "marzban.timeout", f.Marzban.Timeout)
	if f.Marzban.InsecureSkipVerify != nil {
		cfg.InsecureSkipVerify = *f.Marzban.InsecureSkipVerify
	}

	setDuration(&cfg.PollInterval, "poll.interval", f.Poll.Interval)
	if f.Poll.AgentPort != nil {
		cfg.AgentPort = *f.Poll.AgentPort
	}
	setString(&cfg.AgentScheme, f.Poll.AgentScheme)
	setDuration(&cfg.ProbeTimeout, "poll.probe_timeout", f.Poll.Timeout)
	if len(f.Poll.Paths) > 0 {
		cfg.ProbePaths = f.Poll.Paths
	}
	if f.Poll.Concurrency != nil {
		cfg.ProbeConcurrency = *f.Poll.Concurrency
	}
	if f.Poll.MonitorPort != nil {
		cfg.MonitorPort = *f.Poll.MonitorPort
	}

	setString(&cfg.HTTPListenAddr, f.HTTP.Listen)
	setDuration(&cfg.HTTPReadTimeout, "http.read_timeout", f.HTTP.ReadTimeout)
	setDuration(&cfg.HTTPWriteTimeout, "http.write_timeout", f.HTTP.WriteTimeout)
	setString(&cfg.PageTitle, f.HTTP.Title)
	setString(&cfg.WebDir, f.HTTP.WebDir)

	if f.Notify.TelegramEnabled != nil {
		cfg.TelegramEnabled = *f.Notify.TelegramEnabled
	}
	setString(&cfg.TelegramToken, f.Notify.TelegramToken)
	setString(&cfg.TelegramChatID, f.Notify.TelegramChatID)
	setString(&cfg.TelegramAPIURL, f.Notify.TelegramAPIURL)
	if f.Notify.TelegramRate != nil {
		cfg.TelegramRate = *f.Notify.TelegramRate
	}
	setString(&cfg.RedisURL, f.Notify.RedisURL)
	setDuration(&cfg.ReminderInterval, "notify.reminder_interval", f.Notify.ReminderInterval)

	setString(&cfg.HistoryPath, f.History.Path)
	setDuration(&cfg.HistoryRetention, "history.retention", f.History.Retention)

	setString(&cfg.LogLevel, f.Log.Level)
	setString(&cfg.LogFormat, f.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("config file %s: %w", path, errors.Join(errs...))
	}
	return nil
}
