package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides reads configuration values from environment variables and
// overrides fields in the provided Config. Returns an error if parsing fails.
//
// Environment variables supported:
// - CHECK_INTERVAL_MINUTES (int, 0 runs a single cycle)
// - AUTO_UPDATE, DRY_RUN, CLEANUP, METRICS_ENABLED (bool)
// - LABEL_ENABLE (string, "key=value")
// - NOTIFY_WEBHOOK (URL), NOTIFY_LEVEL (all|failure|none)
// - LOG_LEVEL, LOG_FILE, LOG_FORMAT (json|console)
// - STOP_TIMEOUT, LOOKUP_TIMEOUT, PULL_TIMEOUT, RUNTIME_TIMEOUT, NOTIFY_TIMEOUT (duration, e.g. "30s")
// - PATCH_WINDOW (string, e.g. "01:00-05:00")
// - METRICS_PORT (int)
// - STATE_DIR, SELF_ID (string)
func ApplyEnvOverrides(cfg *Config) error {
	return applyEnv(cfg, os.Getenv)
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	steps := []func(*Config, func(string) string) error{
		applyPolicyEnv,
		applyNotificationEnv,
		applyLoggingEnv,
		applyTimeoutEnv,
		applyMiscEnv,
	}
	for _, step := range steps {
		if err := step(cfg, getenv); err != nil {
			return err
		}
	}
	return nil
}

// applyPolicyEnv handles the update policy: interval, auto-update, dry-run and label scope
func applyPolicyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("CHECK_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid CHECK_INTERVAL_MINUTES: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("invalid CHECK_INTERVAL_MINUTES: %d is negative", n)
		}
		cfg.CheckInterval = time.Duration(n) * time.Minute
	}
	if err := setBoolEnv(getenv, "AUTO_UPDATE", func(b bool) { cfg.AutoUpdate = b }); err != nil {
		return err
	}
	if err := setBoolEnv(getenv, "DRY_RUN", func(b bool) { cfg.DryRun = b }); err != nil {
		return err
	}
	if v := getenv("LABEL_ENABLE"); v != "" {
		f, err := ParseLabelFilter(v)
		if err != nil {
			return fmt.Errorf("invalid LABEL_ENABLE: %w", err)
		}
		cfg.LabelFilter = f
	}
	return nil
}

func applyNotificationEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("NOTIFY_WEBHOOK"); v != "" {
		cfg.NotifyWebhook = strings.TrimSpace(v)
	}
	if v := getenv("NOTIFY_LEVEL"); v != "" {
		cfg.NotifyLevel = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

func applyLoggingEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	return nil
}

func applyTimeoutEnv(cfg *Config, getenv func(string) string) error {
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"STOP_TIMEOUT", &cfg.StopTimeout},
		{"LOOKUP_TIMEOUT", &cfg.LookupTimeout},
		{"PULL_TIMEOUT", &cfg.PullTimeout},
		{"RUNTIME_TIMEOUT", &cfg.RuntimeTimeout},
		{"NOTIFY_TIMEOUT", &cfg.NotifyTimeout},
	}
	for _, d := range durations {
		if v := getenv(d.env); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.env, err)
			}
			*d.dst = dur
		}
	}
	return nil
}

// applyMiscEnv handles cleanup, patch window, metrics, state and self identification
func applyMiscEnv(cfg *Config, getenv func(string) string) error {
	if err := setBoolEnv(getenv, "CLEANUP", func(b bool) { cfg.Cleanup = b }); err != nil {
		return err
	}
	if v := getenv("PATCH_WINDOW"); v != "" {
		cfg.PatchWindow = v
	}
	if err := setBoolEnv(getenv, "METRICS_ENABLED", func(b bool) { cfg.MetricsEnabled = b }); err != nil {
		return err
	}
	if v := getenv("METRICS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = p
	}
	if v := getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := getenv("SELF_ID"); v != "" {
		cfg.SelfID = v
	}
	return nil
}

// setBoolEnv is a small helper to parse boolean environment variables
func setBoolEnv(getenv func(string) string, env string, setter func(bool)) error {
	if v := getenv(env); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		setter(b)
	}
	return nil
}
